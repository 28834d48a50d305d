// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeranaias/mathsolver/internal/model"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter exports conversations to Markdown format.
type MarkdownExporter struct {
	options *Options
}

// NewMarkdownExporter creates a new Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts}
}

// frontmatter is the YAML header of a Markdown export.
type frontmatter struct {
	Title     string `yaml:"title"`
	Session   string `yaml:"session"`
	Updated   string `yaml:"updated"`
	Messages  int    `yaml:"messages"`
	Images    int    `yaml:"images,omitempty"`
	Exported  string `yaml:"exported"`
	Generator string `yaml:"generator"`
}

// Export converts a conversation to Markdown format.
func (e *MarkdownExporter) Export(sess model.ChatSession) ([]byte, error) {
	if len(sess.Messages) == 0 {
		return nil, ErrEmpty
	}

	var sb strings.Builder

	if e.options.IncludeMetadata {
		images := 0
		for _, msg := range sess.Messages {
			images += len(msg.Images)
		}
		header, err := yaml.Marshal(frontmatter{
			Title:     sess.Title,
			Session:   sess.ID,
			Updated:   sess.UpdatedAt.Format(time.RFC3339),
			Messages:  len(sess.Messages),
			Images:    images,
			Exported:  e.options.now().Format(time.RFC3339),
			Generator: "mathsolver",
		})
		if err != nil {
			return nil, fmt.Errorf("frontmatter: %w", err)
		}
		sb.WriteString("---\n")
		sb.Write(header)
		sb.WriteString("---\n\n")
	}

	fmt.Fprintf(&sb, "# %s\n\n", escapeMarkdown(sess.Title))

	for i, msg := range sess.Messages {
		fmt.Fprintf(&sb, "### %s\n\n", formatRoleLabel(msg.Role))
		if n := len(msg.Images); n > 0 {
			fmt.Fprintf(&sb, "*%d image(s) attached*\n\n", n)
		}

		content := strings.TrimSpace(msg.Content)
		if content == "" {
			content = "*(empty)*"
		}
		sb.WriteString(content)
		sb.WriteString("\n\n")

		if i < len(sess.Messages)-1 {
			sb.WriteString("---\n\n")
		}
	}

	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string {
	return ".md"
}

// MimeType returns the MIME type for Markdown.
func (e *MarkdownExporter) MimeType() string {
	return "text/markdown"
}

// =============================================================================
// FORMATTING HELPERS
// =============================================================================

func formatRoleLabel(role model.Role) string {
	switch role {
	case model.RoleUser, model.RoleAssistant, model.RoleSystem:
		return role.DisplayName()
	case "":
		return "Unknown"
	default:
		runes := []rune(string(role))
		return strings.ToUpper(string(runes[0])) + string(runes[1:])
	}
}

// escapeMarkdown escapes characters that would break a heading.
func escapeMarkdown(s string) string {
	s = strings.ReplaceAll(s, "#", "\\#")
	s = strings.ReplaceAll(s, "*", "\\*")
	s = strings.ReplaceAll(s, "_", "\\_")
	s = strings.ReplaceAll(s, "[", "\\[")
	s = strings.ReplaceAll(s, "]", "\\]")
	return s
}
