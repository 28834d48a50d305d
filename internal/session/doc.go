// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session owns the client's conversation state.
//
// A Manager holds the session list and the active session, submits user
// turns to the relay and merges the streamed reply into the in-flight
// assistant message as fragments arrive. All state lives behind one mutex
// and every read returns a deep copy.
//
// # Exchange lifecycle
//
//	Send
//	  -> user message appended, session created or updated, list persisted
//	  -> empty assistant placeholder appended
//	  -> attachments encoded, transcript sent to the relay
//	  -> each fragment merged into the placeholder
//	  -> complete: reply kept, list persisted
//	  -> failed or canceled: placeholder replaced by Apology, list persisted
//
// Only one exchange per session is in flight. Sending again on the same
// session, switching away from it, or deleting it cancels the running one.
//
// # Persistence
//
// The whole list is written on every change under storage.SessionsKey.
// Writes are last-writer-wins across processes.
package session
