// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-runewidth"

	"github.com/jeranaias/mathsolver/internal/model"
	"github.com/jeranaias/mathsolver/internal/util"
)

// =============================================================================
// MARKDOWN
// =============================================================================

// newMarkdownRenderer returns a glamour renderer, or nil when output should
// stay plain (pipes, --plain, markdown disabled in config).
func newMarkdownRenderer(enabled bool) *glamour.TermRenderer {
	if !enabled || !IsStdoutTTY() || !ColorsEnabled() {
		return nil
	}
	width := GetTerminalWidth() - 4
	if width > 100 {
		width = 100
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil
	}
	return r
}

// renderMarkdown renders text with r, falling back to the raw text.
func renderMarkdown(r *glamour.TermRenderer, text string) string {
	if r == nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

// =============================================================================
// TRANSCRIPTS
// =============================================================================

// printTranscript writes every message of sess with role headers.
func printTranscript(w io.Writer, sess model.ChatSession, md *glamour.TermRenderer) {
	fmt.Fprintln(w, TitleStyle.Render(sess.Title))
	fmt.Fprintln(w, Separator(runewidth.StringWidth(sess.Title)))
	if len(sess.Messages) == 0 {
		fmt.Fprintln(w, DimStyle.Render(sess.Preview))
		return
	}
	for _, msg := range sess.Messages {
		header := UserStyle.Render(msg.Role.DisplayName())
		if msg.Role == model.RoleAssistant {
			header = SolverStyle.Render(msg.Role.DisplayName())
		}
		if n := len(msg.Images); n > 0 {
			header += DimStyle.Render(fmt.Sprintf(" [%d image(s)]", n))
		}
		fmt.Fprintln(w, header)
		body := msg.Content
		if msg.Role == model.RoleAssistant {
			body = renderMarkdown(md, body)
		}
		fmt.Fprintln(w, body)
		fmt.Fprintln(w)
	}
}

// =============================================================================
// SESSION TABLE
// =============================================================================

const (
	colID      = 8
	colTitle   = 30
	colAge     = 9
	colCount   = 5
	colMinPrev = 10
)

// writeSessionTable renders sessions as fixed-width columns. Widths are
// measured in terminal cells so CJK titles stay aligned.
func writeSessionTable(w io.Writer, sessions []model.ChatSession, activeID string, now time.Time, width int) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No conversations yet. Start one with: mathsolver chat"))
		return
	}

	preview := width - (2 + colID + 2 + colTitle + 2 + colAge + 2 + colCount + 2)
	if preview < colMinPrev {
		preview = colMinPrev
	}

	header := "  " + util.PadWidth("ID", colID) + "  " +
		util.PadWidth("TITLE", colTitle) + "  " +
		util.PadWidth("UPDATED", colAge) + "  " +
		util.PadWidth("MSGS", colCount) + "  PREVIEW"
	fmt.Fprintln(w, DimStyle.Render(header))

	for _, s := range sessions {
		marker := "  "
		if s.ID == activeID {
			marker = "* "
		}
		row := marker +
			util.PadWidth(shortID(s.ID), colID) + "  " +
			util.PadWidth(util.TruncateWidth(util.SingleLine(s.Title), colTitle), colTitle) + "  " +
			util.PadWidth(formatAge(s.UpdatedAt, now), colAge) + "  " +
			util.PadWidth(fmt.Sprintf("%d", len(s.Messages)), colCount) + "  " +
			util.TruncateWidth(util.SingleLine(s.Preview), preview)
		if s.ID == activeID {
			row = ValueStyle.Bold(true).Render(row)
		}
		fmt.Fprintln(w, row)
	}
}

// sessionSummaries converts sessions for --json output.
func sessionSummaries(sessions []model.ChatSession, activeID string) []SessionSummary {
	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionSummary{
			ID:        s.ID,
			Title:     s.Title,
			Preview:   s.Preview,
			Messages:  len(s.Messages),
			UpdatedAt: s.UpdatedAt,
			Active:    s.ID == activeID,
		})
	}
	return out
}
