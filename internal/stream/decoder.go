// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"errors"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Decoder is an incremental UTF-8 decoder. Invalid bytes decode to U+FFFD.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	t       transform.Transformer
	pending []byte
	dst     []byte
}

// NewDecoder returns a decoder with no buffered input.
func NewDecoder() *Decoder {
	return &Decoder{t: unicode.UTF8.NewDecoder()}
}

// Decode consumes chunk and returns all text that is complete so far. A
// multi-byte sequence cut off at the end of chunk is kept for the next call.
func (d *Decoder) Decode(chunk []byte) string {
	return d.run(chunk, false)
}

// Flush returns any buffered partial sequence as U+FFFD and resets the
// decoder. Call it once the underlying stream has ended.
func (d *Decoder) Flush() string {
	out := d.run(nil, true)
	d.t.Reset()
	return out
}

// Pending reports how many bytes are held back waiting for completion.
func (d *Decoder) Pending() int {
	return len(d.pending)
}

func (d *Decoder) run(chunk []byte, atEOF bool) string {
	src := chunk
	if len(d.pending) > 0 {
		src = make([]byte, 0, len(d.pending)+len(chunk))
		src = append(src, d.pending...)
		src = append(src, chunk...)
		d.pending = d.pending[:0]
	}
	if len(src) == 0 && !atEOF {
		return ""
	}

	var out []byte
	for {
		// Worst case every byte becomes a 3-byte replacement character.
		if need := len(src)*3 + utf8.UTFMax; cap(d.dst) < need {
			d.dst = make([]byte, need)
		}
		nDst, nSrc, err := d.t.Transform(d.dst[:cap(d.dst)], src, atEOF)
		out = append(out, d.dst[:nDst]...)
		src = src[nSrc:]

		switch {
		case err == nil:
			return string(out)
		case errors.Is(err, transform.ErrShortDst):
			d.dst = make([]byte, 2*cap(d.dst))
		case errors.Is(err, transform.ErrShortSrc):
			d.pending = append(d.pending[:0], src...)
			return string(out)
		default:
			// The UTF-8 decoder only reports the two conditions above.
			return string(out)
		}
	}
}
