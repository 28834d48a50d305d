// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/mathsolver/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrTooLarge is wrapped by EncodingError when a blob exceeds the size limit.
var ErrTooLarge = errors.New("attachment exceeds size limit")

// EncodingError reports which blob could not be encoded.
type EncodingError struct {
	Name  string
	Cause error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode attachment %q: %v", e.Name, e.Cause)
}

func (e *EncodingError) Unwrap() error {
	return e.Cause
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config controls the encoder.
type Config struct {
	// MaxSize is the largest accepted blob in bytes (default: 20 MiB).
	MaxSize int64

	// Concurrency bounds parallel reads in EncodeAll (default: 4).
	Concurrency int
}

// DefaultConfig returns the default encoder configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxSize:     20 << 20,
		Concurrency: 4,
	}
}

// =============================================================================
// ENCODER
// =============================================================================

// Encoder converts blobs into base64 attachments.
type Encoder struct {
	config *Config
}

// NewEncoder creates an encoder. A nil config uses DefaultConfig.
func NewEncoder(config *Config) *Encoder {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultConfig().MaxSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConfig().Concurrency
	}
	return &Encoder{config: config}
}

// Encode reads the whole blob and returns it as a base64 attachment.
func (e *Encoder) Encode(blob Blob) (model.Attachment, error) {
	if blob.Open == nil {
		return model.Attachment{}, &EncodingError{Name: blob.Name, Cause: errors.New("blob has no source")}
	}

	rc, err := blob.Open()
	if err != nil {
		return model.Attachment{}, &EncodingError{Name: blob.Name, Cause: err}
	}
	defer rc.Close()

	// Read one byte past the limit to detect oversize input without buffering it all.
	data, err := io.ReadAll(io.LimitReader(rc, e.config.MaxSize+1))
	if err != nil {
		return model.Attachment{}, &EncodingError{Name: blob.Name, Cause: err}
	}
	if int64(len(data)) > e.config.MaxSize {
		return model.Attachment{}, &EncodingError{Name: blob.Name, Cause: ErrTooLarge}
	}

	mimeType := blob.Type
	if mimeType == "" {
		mimeType = DetectType(data)
	}

	return model.Attachment{
		Type: mimeType,
		Name: blob.Name,
		Data: base64.StdEncoding.EncodeToString(data),
	}, nil
}

// EncodeAll encodes every blob concurrently and returns the attachments in
// input order. If any blob fails the whole batch fails and no partial result
// is returned.
func (e *Encoder) EncodeAll(ctx context.Context, blobs []Blob) ([]model.Attachment, error) {
	if len(blobs) == 0 {
		return nil, nil
	}

	out := make([]model.Attachment, len(blobs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Concurrency)

	for i, blob := range blobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return &EncodingError{Name: blob.Name, Cause: err}
			}
			att, err := e.Encode(blob)
			if err != nil {
				return err
			}
			out[i] = att
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Decode returns the raw bytes of an attachment payload.
func Decode(att model.Attachment) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(att.Data)
	if err != nil {
		return nil, &EncodingError{Name: att.Name, Cause: err}
	}
	return data, nil
}

// DetectType sniffs a MIME type from content and strips any parameters, so
// "text/plain; charset=utf-8" becomes "text/plain".
func DetectType(data []byte) string {
	detected := mimetype.Detect(data).String()
	if base, _, err := mime.ParseMediaType(detected); err == nil {
		return base
	}
	return detected
}
