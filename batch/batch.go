package batch

import (
	"fmt"
	"time"
)

// TaskState is the lifecycle state of a submitted task.
// Pending -> Running -> {Completed | Failed}.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskCompleted
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition can happen.
func (s TaskState) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Rank orders states along the lifecycle. Completed and Failed share the terminal rank.
func (s TaskState) Rank() int {
	switch s {
	case TaskRunning:
		return 1
	case TaskCompleted, TaskFailed:
		return 2
	default:
		return 0
	}
}

// ParseTaskState is the inverse of TaskState.String.
func ParseTaskState(s string) (TaskState, error) {
	for _, state := range []TaskState{TaskPending, TaskRunning, TaskCompleted, TaskFailed} {
		if state.String() == s {
			return state, nil
		}
	}
	return TaskPending, fmt.Errorf("unknown task state '%s'", s)
}

// WorkItem is a single unit of command execution.
type WorkItem struct {
	ID          string `yaml:"id"`
	CommandLine string `yaml:"command"`
	// Image optionally runs the command inside a container image.
	Image string `yaml:"image,omitempty"`
}

// TaskStatus is the remote view of a task at the time of a query.
type TaskStatus struct {
	State    TaskState
	NodeID   string
	ExitCode *int
}

// TaskObservation is an immutable snapshot of a task produced by a completion wait.
type TaskObservation struct {
	ID       string    `yaml:"id"`
	State    TaskState `yaml:"-"`
	NodeID   string    `yaml:"node,omitempty"`
	ExitCode *int      `yaml:"exit-code,omitempty"`
	Stdout   []byte    `yaml:"-"`
	Stderr   []byte    `yaml:"-"`
}

// OutputStream selects a task output file.
type OutputStream string

const (
	Stdout OutputStream = "stdout.txt"
	Stderr OutputStream = "stderr.txt"
)

// MinEvaluationInterval is the floor the service enforces on autoscale re-evaluation.
const MinEvaluationInterval = 5 * time.Minute

// DefaultEvaluationInterval is used when a policy does not specify one.
const DefaultEvaluationInterval = 15 * time.Minute

// AutoscalePolicy is an opaque capacity formula plus its re-evaluation interval.
type AutoscalePolicy struct {
	Formula            string        `yaml:"formula"`
	EvaluationInterval time.Duration `yaml:"evaluation-interval"`
}

// Validate checks the policy against the given interval floor.
func (p AutoscalePolicy) Validate(floor time.Duration) error {
	if p.Formula == "" {
		return fmt.Errorf("autoscale formula must not be blank: %w", ErrInvalidArgument)
	}
	if p.EvaluationInterval < floor {
		return fmt.Errorf("autoscale evaluation interval %s is below the minimum of %s: %w", p.EvaluationInterval, floor, ErrInvalidArgument)
	}
	return nil
}

// Node types reported in AutoscaleEvaluation.TargetCounts.
const (
	NodeTypeDedicated   = "dedicated"
	NodeTypeLowPriority = "lowPriority"
)

// AutoscaleEvaluation is the read-only result of a dry-run formula evaluation.
type AutoscaleEvaluation struct {
	Timestamp    time.Time
	TargetCounts map[string]int
	// Results holds every variable assigned by the formula as "name=value".
	Results []string
	// Error is set when the formula itself could not be evaluated.
	Error string
}

// ImageReference identifies the operating system image of pool nodes.
type ImageReference struct {
	Publisher string `yaml:"publisher"`
	Offer     string `yaml:"offer"`
	SKU       string `yaml:"sku"`
	Version   string `yaml:"version"`
}

// ApplicationPackage references an application installed on every pool node.
type ApplicationPackage struct {
	ID      string `yaml:"id"`
	Version string `yaml:"version,omitempty"`
}

// PoolSpec fully describes a pool to create.
type PoolSpec struct {
	ID                     string               `yaml:"id,omitempty"`
	VMSize                 string               `yaml:"vm-size"`
	Image                  ImageReference       `yaml:"image"`
	NodeAgentSKU           string               `yaml:"node-agent-sku"`
	TargetDedicatedNodes   int                  `yaml:"dedicated-nodes"`
	TargetLowPriorityNodes int                  `yaml:"low-priority-nodes"`
	TaskSlotsPerNode       int                  `yaml:"task-slots-per-node"`
	StartTask              string               `yaml:"start-task,omitempty"`
	ContainerSupport       bool                 `yaml:"container-support"`
	ApplicationPackages    []ApplicationPackage `yaml:"application-packages,omitempty"`
	// Autoscale, when set, is attached when the pool is created.
	Autoscale *AutoscalePolicy `yaml:"autoscale,omitempty"`
}

// JobSpec describes a job bound to a pool.
type JobSpec struct {
	ID                 string `yaml:"id,omitempty"`
	PoolID             string `yaml:"pool,omitempty"`
	PreparationCommand string `yaml:"preparation,omitempty"`
	ReleaseCommand     string `yaml:"release,omitempty"`
}

// NodeState is the state of a compute node.
type NodeState string

const (
	NodeStarting NodeState = "starting"
	NodeIdle     NodeState = "idle"
	NodeRunning  NodeState = "running"
)

// Node is a compute node of a pool.
type Node struct {
	ID          string
	State       NodeState
	LowPriority bool
}
