// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package attachment turns user-selected files into the base64 Attachment
// payloads that travel inside a chat request.
//
// A Blob is anything that can be opened for reading: a path on disk or an
// in-memory buffer. Encoder.EncodeAll encodes a batch concurrently but
// returns results in the order the blobs were given; one failure fails the
// whole batch.
//
//	enc := attachment.NewEncoder(nil)
//	files, err := enc.EncodeAll(ctx, []attachment.Blob{
//	    attachment.FromFile("homework.pdf"),
//	})
package attachment
