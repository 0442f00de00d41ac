package ui

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/fatih/color"
	"github.com/rivo/uniseg"
	"github.com/samber/lo"
)

// EmojiLabel returns the emoji followed by spacing equal to its rune count,
// ensuring consistent alignment regardless of emoji rendering width.
func EmojiLabel(emoji string) string {
	return emoji + strings.Repeat(" ", utf8.RuneCountInString(emoji))
}

// FormatItems formats a list of task ids for display, truncating if needed.
// When last is true, the last N items are shown (with "… " prefix); otherwise the first N.
// When verbose is true, all items are shown without truncation.
func FormatItems(items []string, last bool, verbose bool) string {
	nbItems := len(items)
	if nbItems < 1 {
		return ""
	}

	// Display the first or last 20 items, as long as they fit in 180 columns,
	// except in verbose mode where everything is displayed.
	displayItems := 20
	lineLength := 180
	if verbose {
		displayItems = math.MaxInt32
		lineLength = math.MaxInt32
	}
	partial := nbItems > displayItems
	var nItems []string
	for displayItems > 0 {
		if last {
			nItems = items[max(0, nbItems-displayItems):]
		} else {
			nItems = items[:min(nbItems, displayItems)]
		}
		if uniseg.StringWidth(strings.Join(nItems, " ")) <= lineLength {
			break
		}
		displayItems -= 1
		partial = true
	}

	if last {
		return fmt.Sprintf("%s%s (%s%d)", lo.Ternary(partial, "… ", ""), strings.Join(nItems, " "), EmojiLabel("📝"), nbItems)
	}
	return fmt.Sprintf("%s%s (%s%d)", strings.Join(nItems, " "), lo.Ternary(partial, " …", ""), EmojiLabel("📝"), nbItems)
}

// VisualLineCount returns how many visual lines a string occupies in the terminal,
// accounting for line wrapping when a logical line exceeds terminal width.
func VisualLineCount(s string, termWidth int) int {
	if termWidth <= 0 {
		termWidth = 80
	}
	count := 0
	for _, line := range strings.Split(s, "\n") {
		w := uniseg.StringWidth(line)
		if w <= termWidth {
			count++
		} else {
			count += (w + termWidth - 1) / termWidth
		}
	}
	return count
}

// pad left-aligns s in a column of the given display width. Colour s after padding.
func pad(s string, width int) string {
	return s + strings.Repeat(" ", max(0, width-uniseg.StringWidth(s)))
}

var SectionHeaderColor = color.New(color.BgHiBlue, color.FgHiWhite, color.Bold)
