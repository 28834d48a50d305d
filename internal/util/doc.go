// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small helpers shared by the store and the CLI:
// crash-safe file replacement and rune/column aware text clipping.
package util
