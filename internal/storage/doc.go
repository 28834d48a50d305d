// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides key/value blob persistence for chat sessions.
//
// The session list is stored as a single JSON blob under SessionsKey and
// every save overwrites it completely. Two stores are available:
//
//   - FileStore: one file per key, written atomically, with a watcher that
//     reports writes made by other processes
//   - SQLiteStore: a kv table in a SQLite database, with a per-key version
//     counter
//
// Writes are last-writer-wins. Two clients sharing a store can silently
// discard each other's updates; the FileStore watcher exists so a client
// can at least notice.
package storage
