// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attachment

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
)

// Blob is a named binary source. Type may be empty, in which case the encoder
// sniffs it from the content.
type Blob struct {
	Name string
	Type string
	Open func() (io.ReadCloser, error)
}

// FromFile returns a blob backed by a file on disk. The file is opened lazily
// by the encoder.
func FromFile(path string) Blob {
	return Blob{
		Name: filepath.Base(path),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}
}

// FromBytes returns a blob over an in-memory buffer. The buffer is not copied.
func FromBytes(name, mimeType string, data []byte) Blob {
	return Blob{
		Name: name,
		Type: mimeType,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}
