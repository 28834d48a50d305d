// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the chat relay HTTP server.
//
// Endpoints:
//   - POST /chat      - relay a transcript plus attachments to the model, streaming raw text back
//   - POST /api/chat  - alias of /chat
//   - GET  /health    - backend reachability
//   - GET  /stats     - relay counters
//
// # Streaming contract
//
// A successful /chat response is 200 with Content-Type text/plain and a body
// that is the assistant reply, written and flushed chunk by chunk with no
// framing. Failures that happen before the first byte produce a single
// non-200 plain-text response instead.
//
// Every streamed response declares the HTTP trailer X-Stream-Status. It is
// "complete" when the model finished and "truncated" when the backend failed
// after output had started. Clients that ignore trailers still receive the
// plain text stream.
package server
