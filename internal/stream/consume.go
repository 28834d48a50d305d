// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ReadBufferSize is the size of each read from the underlying stream.
const ReadBufferSize = 4096

// Consume reads r until EOF and calls emit once per read that produced text,
// in arrival order. It returns nil on a clean end of stream, the read error
// otherwise, or the context error once ctx is done. emit is called on the
// caller's goroutine.
func Consume(ctx context.Context, r io.Reader, emit func(fragment string)) error {
	dec := NewDecoder()
	buf := make([]byte, ReadBufferSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Read(buf)
		if n > 0 {
			if fragment := dec.Decode(buf[:n]); fragment != "" {
				emit(fragment)
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				if tail := dec.Flush(); tail != "" {
					emit(tail)
				}
				return nil
			}
			// A body closed by cancellation surfaces as a read error.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
	}
}

// =============================================================================
// ACCUMULATOR
// =============================================================================

// Accumulator collects fragments for a single response.
type Accumulator struct {
	content   strings.Builder
	fragments int
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add appends a fragment.
func (a *Accumulator) Add(fragment string) {
	a.content.WriteString(fragment)
	a.fragments++
}

// String returns everything accumulated so far.
func (a *Accumulator) String() string {
	return a.content.String()
}

// Fragments returns how many fragments were added.
func (a *Accumulator) Fragments() int {
	return a.fragments
}

// Len returns the accumulated length in bytes.
func (a *Accumulator) Len() int {
	return a.content.Len()
}
