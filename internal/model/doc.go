// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared by the relay server and
// the conversation client.
//
// # Key Types
//
//   - Message: one turn of a transcript, with optional base64 images
//   - ChatSession: a titled, timestamped conversation
//   - Attachment: a base64 file payload travelling with a request
//   - ChatRequest: the body accepted by POST /chat
//
// ChatRequest.Validate is the single boundary check for inbound payloads;
// anything that passes it is well formed enough for the relay pipeline.
package model
