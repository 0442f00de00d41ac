package ui

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/gammadia/batchpilot/batch"
	"github.com/rivo/uniseg"
	"github.com/samber/lo"
)

var taskColumns = []string{"TASK", "STATE", "NODE", "EXIT", "STDOUT", "STDERR"}

// WriteTaskTable prints one aligned row per observation, in submission order.
func WriteTaskTable(w io.Writer, observations []batch.TaskObservation) error {
	rows := lo.Map(observations, func(o batch.TaskObservation, _ int) []string {
		return []string{
			o.ID,
			o.State.String(),
			lo.Ternary(o.NodeID != "", o.NodeID, "-"),
			lo.TernaryF(o.ExitCode != nil, func() string { return strconv.Itoa(*o.ExitCode) }, func() string { return "-" }),
			humanize.Bytes(uint64(len(o.Stdout))),
			humanize.Bytes(uint64(len(o.Stderr))),
		}
	})

	return writeTable(w, taskColumns, rows, func(row, cells []string) {
		if row[1] == batch.TaskFailed.String() {
			cells[1] = color.HiRedString("%s", cells[1])
		}
	})
}

var imageColumns = []string{"NODE AGENT SKU", "PUBLISHER", "OFFER", "SKU", "VERSION"}

// WriteImageTable prints one row per image, grouped by node agent.
func WriteImageTable(w io.Writer, skus []batch.NodeAgentSKU) error {
	var rows [][]string
	for _, sku := range skus {
		for _, image := range sku.Images {
			rows = append(rows, []string{sku.ID, image.Publisher, image.Offer, image.SKU, image.Version})
		}
	}
	return writeTable(w, imageColumns, rows, nil)
}

// writeTable aligns cells on their display width. style, when set, may
// decorate the padded cells of a row.
func writeTable(w io.Writer, columns []string, rows [][]string, style func(row, cells []string)) error {
	widths := lo.Map(columns, func(column string, i int) int {
		return lo.Max(append(lo.Map(rows, func(row []string, _ int) int { return uniseg.StringWidth(row[i]) }), len(column)))
	})

	var b strings.Builder
	for r, row := range append([][]string{columns}, rows...) {
		cells := lo.Map(row, func(cell string, i int) string {
			return pad(cell, widths[i])
		})
		if style != nil && r > 0 {
			style(row, cells)
		}
		b.WriteString(strings.TrimRight(strings.Join(cells, "  "), " "))
		b.WriteString("\n")
	}

	_, err := fmt.Fprint(w, b.String())
	return err
}
