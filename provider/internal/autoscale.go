package internal

import (
	"errors"
	"math"
	"time"

	"github.com/gammadia/batchpilot/batch"
	"github.com/gammadia/batchpilot/provider/internal/formula"
)

// Names readable by autoscale formulas.
const (
	MetricActiveTasks    = "$ActiveTasks"
	MetricRunningTasks   = "$RunningTasks"
	MetricPendingTasks   = "$PendingTasks"
	MetricSucceededTasks = "$SucceededTasks"
	MetricFailedTasks    = "$FailedTasks"

	VarTargetDedicatedNodes    = "$TargetDedicatedNodes"
	VarTargetLowPriorityNodes  = "$TargetLowPriorityNodes"
	VarCurrentDedicatedNodes   = "$CurrentDedicatedNodes"
	VarCurrentLowPriorityNodes = "$CurrentLowPriorityNodes"
)

var metricNames = []string{
	MetricActiveTasks,
	MetricRunningTasks,
	MetricPendingTasks,
	MetricSucceededTasks,
	MetricFailedTasks,
}

// DefaultSampleInterval is how often pool metrics are sampled.
const DefaultSampleInterval = 30 * time.Second

// SampleHistory keeps the recent samples of every pool metric.
type SampleHistory struct {
	interval  time.Duration
	retention time.Duration
	last      time.Time
	samples   map[string][]formula.Sample
}

func NewSampleHistory(interval, retention time.Duration) *SampleHistory {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &SampleHistory{
		interval:  interval,
		retention: max(retention, interval),
		samples:   map[string][]formula.Sample{},
	}
}

// Record adds one sample per metric for every interval elapsed since the
// previous record. Gaps are filled with the current values.
func (h *SampleHistory) Record(now time.Time, values map[string]float64) {
	if h.last.IsZero() {
		h.append(now, values)
		h.last = now
		return
	}

	// Skip what would be dropped by retention right away
	next := h.last.Add(h.interval)
	if oldest := now.Add(-h.retention); next.Before(oldest) {
		steps := oldest.Sub(next) / h.interval
		next = next.Add(steps * h.interval)
	}
	for ; !next.After(now); next = next.Add(h.interval) {
		h.append(next, values)
		h.last = next
	}

	h.trim(now)
}

func (h *SampleHistory) append(at time.Time, values map[string]float64) {
	for _, name := range metricNames {
		h.samples[name] = append(h.samples[name], formula.Sample{Time: at, Value: values[name]})
	}
}

func (h *SampleHistory) trim(now time.Time) {
	oldest := now.Add(-h.retention)
	for name, samples := range h.samples {
		i := 0
		for i < len(samples) && samples[i].Time.Before(oldest) {
			i++
		}
		h.samples[name] = samples[i:]
	}
}

// Environment returns what a formula evaluated at now can read.
func (h *SampleHistory) Environment(now time.Time, variables map[string]float64) formula.Environment {
	metrics := make(map[string][]formula.Sample, len(metricNames))
	for _, name := range metricNames {
		metrics[name] = append([]formula.Sample(nil), h.samples[name]...)
	}
	return formula.Environment{
		Now:            now,
		Variables:      variables,
		Metrics:        metrics,
		SampleInterval: h.interval,
	}
}

// EvaluateFormula evaluates src without applying it. A formula that cannot be
// evaluated is reported through the Error field.
func EvaluateFormula(src string, env formula.Environment) batch.AutoscaleEvaluation {
	evaluation := batch.AutoscaleEvaluation{Timestamp: env.Now}

	result, err := formula.Evaluate(src, env)
	if err != nil {
		evaluation.Error = describeFormulaError(err)
		return evaluation
	}

	for _, assignment := range result.Assignments {
		evaluation.Results = append(evaluation.Results, assignment.String())
	}

	evaluation.TargetCounts = map[string]int{
		batch.NodeTypeDedicated:   targetCount(result, VarTargetDedicatedNodes, env.Variables),
		batch.NodeTypeLowPriority: targetCount(result, VarTargetLowPriorityNodes, env.Variables),
	}
	return evaluation
}

func describeFormulaError(err error) string {
	var syntax *formula.SyntaxError
	if errors.As(err, &syntax) {
		return "syntax error at " + err.Error()
	}
	return "evaluation error at " + err.Error()
}

// targetCount truncates the assigned target; an unassigned target keeps its current value.
func targetCount(result formula.Result, name string, current map[string]float64) int {
	value, ok := result.Get(name)
	if !ok || value.Kind != formula.KindNumber {
		return int(current[name])
	}
	if math.IsNaN(value.Number) || value.Number < 0 {
		return 0
	}
	return int(math.Min(value.Number, math.MaxInt32))
}

// Autoscaler tracks when an attached policy must be evaluated next.
type Autoscaler struct {
	Policy batch.AutoscalePolicy
	Next   time.Time
	Last   *batch.AutoscaleEvaluation
}

func NewAutoscaler(policy batch.AutoscalePolicy, now time.Time) *Autoscaler {
	if policy.EvaluationInterval <= 0 {
		policy.EvaluationInterval = batch.DefaultEvaluationInterval
	}
	// The first evaluation happens as soon as the policy is attached
	return &Autoscaler{Policy: policy, Next: now}
}

// Due reports whether an evaluation is scheduled at or before now.
func (a *Autoscaler) Due(now time.Time) bool {
	return !a.Next.After(now)
}

// Done records an evaluation performed at its scheduled time and schedules the next one.
func (a *Autoscaler) Done(evaluation batch.AutoscaleEvaluation) {
	a.Last = &evaluation
	a.Next = a.Next.Add(a.Policy.EvaluationInterval)
}
