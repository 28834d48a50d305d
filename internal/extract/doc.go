// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package extract classifies request attachments and pulls usable context
// out of them: PDF text becomes a prompt block, images pass through as
// base64 payloads, and everything else is ignored.
//
// Extraction never fails a request. A PDF that cannot be decoded or parsed
// contributes nothing, and no parser error ever reaches the prompt.
package extract
