// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream reads an incrementally delivered UTF-8 byte stream and hands
// out text fragments as they arrive.
//
// Chunk boundaries from the network can fall inside a multi-byte character.
// Decoder holds back an incomplete trailing sequence until the next chunk
// completes it, so concatenating every fragment always yields the same text
// as decoding the whole body at once.
//
//	acc := stream.NewAccumulator()
//	err := stream.Consume(ctx, resp.Body, func(fragment string) {
//	    acc.Add(fragment)
//	    fmt.Print(fragment)
//	})
package stream
