// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package extract

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Parser turns raw document bytes into plain text.
type Parser interface {
	Text(data []byte) (string, error)
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(data []byte) (string, error)

// Text calls f(data).
func (f ParserFunc) Text(data []byte) (string, error) {
	return f(data)
}

// PDFParser extracts the text layer of a PDF document.
type PDFParser struct {
	// MaxChars caps the returned text in runes; 0 means unlimited.
	MaxChars int
}

// Text returns the document's plain text. Malformed documents can make the
// underlying reader panic, so panics are converted into errors.
func (p PDFParser) Text(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("pdf parser panic: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}

	var buf strings.Builder
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}

	out := strings.TrimSpace(buf.String())
	if p.MaxChars > 0 {
		if runes := []rune(out); len(runes) > p.MaxChars {
			out = string(runes[:p.MaxChars])
		}
	}
	return out, nil
}
