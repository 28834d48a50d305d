// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with Ollama API,
// either a local daemon or the hosted service.
//
// # Key Types
//
//   - Client: HTTP client for Ollama API communication
//   - Message: Chat message with role, content, and optional base64 images
//   - StreamReader: NDJSON reader for streaming /api/chat responses
//   - ClientError: typed error; compare with errors.Is against the sentinels
//
// # Usage
//
//	client := ollama.NewClientWithConfig(&ollama.ClientConfig{
//	    BaseURL: "https://ollama.com",
//	    APIKey:  os.Getenv("OLLAMA_API_KEY"),
//	})
//	err := client.ChatStream(ctx, "llama3.2", messages, func(c ollama.StreamChunk) {
//	    fmt.Print(c.Content)
//	})
//
// A stream that stops without a final done chunk returns ErrStreamTruncated,
// and an error object sent mid-stream returns a ClientError of type
// ErrTypeStream. Both happen after the callback may already have run.
package ollama
