// Package util holds small string helpers shared by the runner, the progress
// document and the terminal renderers.
package util

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Ellipsis marks truncated text.
const Ellipsis = "..."

// Head returns the first n runes of s. n <= 0 returns s unchanged.
func Head(s string, n int) string {
	if n <= 0 {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// OneLine collapses all whitespace runs, newlines included, to single spaces.
func OneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate shortens s to width terminal columns, ending with Ellipsis when
// cut. Escape sequences are preserved and wide runes count double.
func Truncate(s string, width int) string {
	if width <= len(Ellipsis) {
		return Ellipsis
	}
	if ansi.StringWidth(s) <= width {
		return s
	}
	return ansi.Truncate(s, width, Ellipsis)
}
