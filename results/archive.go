// Package results stores the outcome of a run as a .tar.zst archive: one
// directory per task holding its output files, plus a summary.yaml.
package results

import (
	"archive/tar"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gammadia/batchpilot/batch"
	"github.com/gammadia/batchpilot/orchestrator"
	"github.com/klauspost/compress/zstd"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const SummaryFile = "summary.yaml"

type Summary struct {
	Run         string        `yaml:"run"`
	Status      string        `yaml:"status"`
	Error       string        `yaml:"error,omitempty"`
	Pool        Resource      `yaml:"pool"`
	Job         Resource      `yaml:"job"`
	Started     time.Time     `yaml:"started"`
	Finished    time.Time     `yaml:"finished"`
	Duration    string        `yaml:"duration"`
	Tasks       []TaskSummary `yaml:"tasks"`
	Evaluations []Evaluation  `yaml:"evaluations,omitempty"`
	Diagnostics []string      `yaml:"diagnostics,omitempty"`
	Teardown    []string      `yaml:"teardown-errors,omitempty"`
}

type Resource struct {
	ID    string `yaml:"id,omitempty"`
	Owned bool   `yaml:"owned"`
}

type TaskSummary struct {
	ID       string `yaml:"id"`
	State    string `yaml:"state"`
	Node     string `yaml:"node,omitempty"`
	ExitCode *int   `yaml:"exit-code,omitempty"`
	Stdout   string `yaml:"stdout-size"`
	Stderr   string `yaml:"stderr-size"`
}

type Evaluation struct {
	Timestamp time.Time      `yaml:"timestamp"`
	Targets   map[string]int `yaml:"targets,omitempty"`
	Results   []string       `yaml:"results,omitempty"`
	Error     string         `yaml:"error,omitempty"`
}

// Summarize flattens a run result into its archived summary.
func Summarize(result *orchestrator.RunResult) Summary {
	var errText string
	if result.Err != nil {
		errText = result.Err.Error()
	}

	return Summary{
		Run:      result.Name,
		Status:   result.Status.String(),
		Error:    errText,
		Pool:     Resource{ID: result.Pool.ID, Owned: result.Pool.Owned},
		Job:      Resource{ID: result.Job.ID, Owned: result.Job.Owned},
		Started:  result.Started,
		Finished: result.Finished,
		Duration: result.Finished.Sub(result.Started).Round(time.Millisecond).String(),
		Tasks: lo.Map(result.Observations, func(o batch.TaskObservation, _ int) TaskSummary {
			return TaskSummary{
				ID:       o.ID,
				State:    o.State.String(),
				Node:     o.NodeID,
				ExitCode: o.ExitCode,
				Stdout:   humanize.Bytes(uint64(len(o.Stdout))),
				Stderr:   humanize.Bytes(uint64(len(o.Stderr))),
			}
		}),
		Evaluations: lo.Map(result.Evaluations, func(e batch.AutoscaleEvaluation, _ int) Evaluation {
			return Evaluation{Timestamp: e.Timestamp, Targets: e.TargetCounts, Results: e.Results, Error: e.Error}
		}),
		Diagnostics: result.Diagnostics,
		Teardown:    lo.Map(result.TeardownErrors, func(err error, _ int) string { return err.Error() }),
	}
}

// WriteArchive writes the outputs of every observed task and the run summary
// to w, under a top-level directory named after the run.
func WriteArchive(w io.Writer, result *orchestrator.RunResult) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)
	modTime := lo.Ternary(result.Finished.IsZero(), time.Now(), result.Finished)

	add := func(name string, content []byte) error {
		if err := tw.WriteHeader(&tar.Header{
			Name:     path.Join(result.Name, name),
			Size:     int64(len(content)),
			Mode:     0644,
			ModTime:  modTime,
			Typeflag: tar.TypeReg,
		}); err != nil {
			return fmt.Errorf("failed to write header of '%s': %w", name, err)
		}
		if _, err := tw.Write(content); err != nil {
			return fmt.Errorf("failed to write '%s': %w", name, err)
		}
		return nil
	}

	summary, err := yaml.Marshal(Summarize(result))
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := add(SummaryFile, summary); err != nil {
		return err
	}

	for _, o := range result.Observations {
		if err := add(path.Join(o.ID, string(batch.Stdout)), o.Stdout); err != nil {
			return err
		}
		if err := add(path.Join(o.ID, string(batch.Stderr)), o.Stderr); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to close tar writer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to close zstd writer: %w", err)
	}
	return nil
}
