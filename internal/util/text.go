// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// PrefixRunes returns at most n leading runes of s. Multi-byte characters are
// never split.
func PrefixRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// TruncateWidth clips s to at most width terminal columns, appending an
// ellipsis when something was cut. Wide (CJK, emoji) characters count as two.
func TruncateWidth(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= width {
		return s
	}
	if width <= 3 {
		return runewidth.Truncate(s, width, "")
	}
	return runewidth.Truncate(s, width, "...")
}

// PadWidth right-pads s with spaces to exactly width columns, truncating first
// if it is too wide.
func PadWidth(s string, width int) string {
	s = TruncateWidth(s, width)
	return runewidth.FillRight(s, width)
}

// SingleLine collapses newlines and runs of whitespace so that s fits in one
// table cell.
func SingleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
