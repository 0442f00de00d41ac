package ui

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/gammadia/batchpilot/batch"
	"github.com/gammadia/batchpilot/orchestrator"
	"github.com/samber/lo"
)

// Duration thresholds for the emoji of the elapsed time.
var (
	runSlowThreshold     = 10 * time.Minute
	runVerySlowThreshold = 30 * time.Minute
)

// Progress follows the events of a run and renders them for humans.
type Progress struct {
	mu      sync.Mutex
	verbose bool
	now     func() time.Time // injected; tests pass a fixed time

	started time.Time
	tasks   []string
	states  map[string]batch.TaskState
}

func NewProgress(verbose bool) *Progress {
	return &Progress{
		verbose: verbose,
		now:     time.Now,
		started: time.Now(),
		states:  map[string]batch.TaskState{},
	}
}

// Apply records the event and returns a line worth printing, if any.
func (p *Progress) Apply(event orchestrator.Event) (line string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch event := event.(type) {
	case orchestrator.EventPoolProvisioned:
		if event.Owned {
			return fmt.Sprintf("Pool '%s' created", event.Pool), true
		}
		return fmt.Sprintf("Using existing pool '%s'", event.Pool), true

	case orchestrator.EventJobProvisioned:
		return fmt.Sprintf("Job '%s' created on pool '%s'", event.Job, event.Pool), true

	case orchestrator.EventProvisionConflict:
		return color.HiYellowString("%s '%s' already exists, leaving it untouched", event.Kind, event.ID), true

	case orchestrator.EventTasksSubmitted:
		for _, task := range event.Tasks {
			if _, known := p.states[task]; !known {
				p.tasks = append(p.tasks, task)
			}
			p.states[task] = batch.TaskPending
		}
		return fmt.Sprintf("Submitted %d tasks to job '%s'", len(event.Tasks), event.Job), true

	case orchestrator.EventTaskStateChanged:
		p.states[event.Task] = event.State
		if event.State == batch.TaskFailed {
			return color.HiRedString("Task '%s' failed on node '%s'", event.Task, event.Node), true
		}
		if p.verbose {
			return fmt.Sprintf("Task '%s' is %s", event.Task, event.State), true
		}

	case orchestrator.EventAutoscaleEvaluated:
		if event.Evaluation.Error != "" {
			return color.HiYellowString("Autoscale evaluation #%d failed: %s", event.Cycle, event.Evaluation.Error), true
		}
		return fmt.Sprintf("Autoscale evaluation #%d: %s", event.Cycle, FormatTargets(event.Evaluation.TargetCounts)), true

	case orchestrator.EventPoolNodesObserved:
		return fmt.Sprintf("Pool '%s' has %d nodes", event.Pool, event.Nodes), true

	case orchestrator.EventResourceDeleted:
		return fmt.Sprintf("Deleted %s '%s'", event.Kind, event.ID), true

	case orchestrator.EventTeardownFailed:
		return color.HiRedString("Failed to delete %s '%s': %v", event.Kind, event.ID, event.Error), true

	case orchestrator.EventTeardownSkipped:
		return color.HiYellowString("Keeping %s", strings.Join(lo.Map(event.Resources, func(h orchestrator.ResourceHandle, _ int) string {
			return h.String()
		}), ", ")), true
	}
	return "", false
}

// FormatTargets renders target node counts as sorted "type=count" pairs.
func FormatTargets(targets map[string]int) string {
	keys := lo.Keys(targets)
	slices.Sort(keys)
	return strings.Join(lo.Map(keys, func(key string, _ int) string {
		return fmt.Sprintf("%s=%d", key, targets[key])
	}), " ")
}

func (p *Progress) elapsed() string {
	elapsed := p.now().Sub(p.started).Truncate(time.Second)
	emoji := lo.Ternary(elapsed >= runSlowThreshold, lo.Ternary(elapsed >= runVerySlowThreshold, "🧟", "🐢"), "⏱️")
	return EmojiLabel(emoji) + elapsed.String()
}

func (p *Progress) byState() map[batch.TaskState][]string {
	grouped := map[batch.TaskState][]string{}
	for _, task := range p.tasks {
		state := p.states[task]
		grouped[state] = append(grouped[state], task)
	}
	return grouped
}

// Status is a one-line summary suitable for a spinner.
func (p *Progress) Status(run string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	grouped := p.byState()
	return fmt.Sprintf("Run '%s' (%s%d, %s) %s%d %s%d %s%d %s%d",
		run,
		EmojiLabel("📝"), len(p.tasks),
		p.elapsed(),
		EmojiLabel("⏳"), len(grouped[batch.TaskPending]),
		EmojiLabel("⚙️"), len(grouped[batch.TaskRunning]),
		EmojiLabel("✅"), len(grouped[batch.TaskCompleted]),
		EmojiLabel("💥"), len(grouped[batch.TaskFailed]),
	)
}

// Breakdown lists the task ids per state, one line per non-empty state.
func (p *Progress) Breakdown() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	grouped := p.byState()
	lines := []string{}
	for _, section := range []struct {
		state batch.TaskState
		emoji string
		last  bool
	}{
		{batch.TaskPending, "⏳", false},
		{batch.TaskRunning, "⚙️", false},
		{batch.TaskFailed, "💥", true},
		{batch.TaskCompleted, "✅", true},
	} {
		if tasks := grouped[section.state]; len(tasks) > 0 {
			lines = append(lines, EmojiLabel(section.emoji)+FormatItems(tasks, section.last, p.verbose))
		}
	}
	return strings.Join(lines, "\n")
}
