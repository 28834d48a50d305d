// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package extract

import (
	"encoding/base64"
	"strings"

	"go.uber.org/zap"

	"github.com/jeranaias/mathsolver/internal/model"
)

// Kind classifies what an attachment contributed.
type Kind int

const (
	KindIgnored Kind = iota
	KindText
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	default:
		return "ignored"
	}
}

// Item is the result of processing one attachment. Text is set for KindText,
// Image (still base64) for KindImage.
type Item struct {
	Kind  Kind
	Name  string
	Text  string
	Image string
}

// Context is the combined contribution of a request's attachments.
type Context struct {
	// Block is appended to the last message of the outbound transcript.
	Block string
	// Images are base64 payloads to bind to user turns.
	Images []string
}

// Extractor processes attachments. It is safe for concurrent use if its
// Parser is.
type Extractor struct {
	parser Parser
	logger *zap.Logger
}

// New creates an extractor. A nil parser uses PDFParser, a nil logger
// discards output.
func New(parser Parser, logger *zap.Logger) *Extractor {
	if parser == nil {
		parser = PDFParser{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{parser: parser, logger: logger}
}

// Extract classifies a single attachment. It never returns an error; PDF
// failures yield a KindText item with empty text.
func (e *Extractor) Extract(att model.Attachment) Item {
	switch {
	case att.IsPDF():
		return Item{Kind: KindText, Name: att.Name, Text: e.pdfText(att)}
	case att.IsImage():
		return Item{Kind: KindImage, Name: att.Name, Image: att.Data}
	default:
		e.logger.Debug("ignoring attachment",
			zap.String("name", att.Name),
			zap.String("type", att.Type))
		return Item{Kind: KindIgnored, Name: att.Name}
	}
}

func (e *Extractor) pdfText(att model.Attachment) string {
	data, err := base64.StdEncoding.DecodeString(att.Data)
	if err != nil {
		e.logger.Warn("pdf payload is not valid base64",
			zap.String("name", att.Name), zap.Error(err))
		return ""
	}
	text, err := e.parser.Text(data)
	if err != nil {
		e.logger.Warn("pdf extraction failed",
			zap.String("name", att.Name), zap.Error(err))
		return ""
	}
	return text
}

// Assemble processes attachments in order and builds the prompt context.
// PDFs with no extractable text add no block.
func (e *Extractor) Assemble(atts []model.Attachment) Context {
	var (
		out   Context
		block strings.Builder
	)
	for _, att := range atts {
		item := e.Extract(att)
		switch item.Kind {
		case KindText:
			if item.Text == "" {
				continue
			}
			block.WriteString(FormatBlock(item.Name, item.Text))
		case KindImage:
			out.Images = append(out.Images, item.Image)
		}
	}
	out.Block = block.String()
	return out
}

// FormatBlock renders one document's text the way it is spliced into the
// prompt.
func FormatBlock(name, text string) string {
	return "\n\n[Context from PDF " + name + "]:\n" + text + "\n"
}
