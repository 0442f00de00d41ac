package runfile

import (
	"fmt"
	"regexp"
	"time"

	"github.com/gammadia/batchpilot/batch"
	"github.com/gammadia/batchpilot/orchestrator"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const RunfileVersion = "1"

// DefaultDeadline applies when a runfile waits for its tasks without a deadline.
const DefaultDeadline = 30 * time.Minute

type Runfile struct {
	Version string `yaml:"version"`
	Name    string `yaml:"name"`

	Pool         batch.PoolSpec `yaml:"pool"`
	ExistingPool string         `yaml:"existing-pool"`
	Job          batch.JobSpec  `yaml:"job"`
	Tasks        []RunfileTask  `yaml:"tasks"`

	WaitFor       string        `yaml:"wait-for"`
	Deadline      time.Duration `yaml:"deadline"`
	SkipWait      bool          `yaml:"skip-wait"`
	SkipOutputs   bool          `yaml:"skip-outputs"`
	KeepResources bool          `yaml:"keep-resources"`
}

type RunfileTask struct {
	ID      string `yaml:"id"`
	Command string `yaml:"command"`
	Image   string `yaml:"image"`
}

// UnmarshalYAML accepts either a plain command line or a full task object.
func (t *RunfileTask) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*t = RunfileTask{}
		return node.Decode(&t.Command)
	}

	type plain RunfileTask
	return node.Decode((*plain)(t))
}

var nameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]+$`)
var taskIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// defaults fills the task ids left blank, by position.
func (runfile *Runfile) defaults() {
	for i := range runfile.Tasks {
		if runfile.Tasks[i].ID == "" {
			runfile.Tasks[i].ID = fmt.Sprintf("task-%d", i+1)
		}
	}
}

func (runfile Runfile) Validate() error {
	if runfile.Version != RunfileVersion {
		return fmt.Errorf("unsupported version '%s'", runfile.Version)
	}

	if !nameRegex.MatchString(runfile.Name) {
		return fmt.Errorf("name must be a valid identifier")
	}

	// Pool
	if runfile.ExistingPool != "" {
		if runfile.Pool.Autoscale != nil {
			return fmt.Errorf("pool.autoscale cannot be set when using an existing pool")
		}
	} else {
		if runfile.Pool.TargetDedicatedNodes < 0 || runfile.Pool.TargetLowPriorityNodes < 0 {
			return fmt.Errorf("pool node counts must not be negative")
		}
		if runfile.Pool.TaskSlotsPerNode < 0 {
			return fmt.Errorf("pool.task-slots-per-node must not be negative")
		}
		if autoscale := runfile.Pool.Autoscale; autoscale != nil {
			if autoscale.Formula == "" {
				return fmt.Errorf("pool.autoscale.formula is required")
			}
		} else if runfile.Pool.TargetDedicatedNodes+runfile.Pool.TargetLowPriorityNodes == 0 {
			return fmt.Errorf("pool must have nodes or an autoscale formula")
		}
	}

	// Tasks
	if len(runfile.Tasks) < 1 {
		return fmt.Errorf("at least one task is required")
	}
	seen := map[string]bool{}
	for i, task := range runfile.Tasks {
		if task.Command == "" {
			return fmt.Errorf("tasks[%d].command is required", i)
		}
		if !taskIDRegex.MatchString(task.ID) {
			return fmt.Errorf("tasks[%d].id must be a valid identifier", i)
		}
		if seen[task.ID] {
			return fmt.Errorf("tasks[%s] is defined more than once", task.ID)
		}
		seen[task.ID] = true
	}

	// Wait
	if runfile.WaitFor != "" {
		if _, err := batch.ParseTaskState(runfile.WaitFor); err != nil {
			return fmt.Errorf("wait-for: %w", err)
		}
	}
	if runfile.Deadline < 0 {
		return fmt.Errorf("deadline must not be negative")
	}

	return nil
}

// RunSpec converts a validated runfile into the orchestrator input.
func (runfile *Runfile) RunSpec() orchestrator.RunSpec {
	waitFor := batch.TaskCompleted
	if runfile.WaitFor != "" {
		waitFor = lo.Must(batch.ParseTaskState(runfile.WaitFor))
	}

	return orchestrator.RunSpec{
		Role:         runfile.Name,
		Pool:         runfile.Pool,
		ExistingPool: runfile.ExistingPool,
		Job:          runfile.Job,
		Items: lo.Map(runfile.Tasks, func(task RunfileTask, _ int) batch.WorkItem {
			return batch.WorkItem{ID: task.ID, CommandLine: task.Command, Image: task.Image}
		}),
		WaitFor:       waitFor,
		Deadline:      lo.Ternary(runfile.Deadline > 0, runfile.Deadline, DefaultDeadline),
		SkipWait:      runfile.SkipWait,
		SkipOutputs:   runfile.SkipOutputs,
		KeepResources: runfile.KeepResources,
	}
}
