// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the mathsolver command line.
//
// # Commands
//
//   - serve: run the chat relay in front of the inference backend
//   - chat: interactive conversation REPL
//   - send: submit one question and stream the answer to stdout
//   - sessions: list stored conversations
//   - delete: remove a stored conversation
//   - export: write a conversation as Markdown or JSON
//   - config: show the effective configuration or write a starter file
//   - doctor: check backend, relay and storage setup
//   - version, help
//
// Every command accepts --config to pick a TOML file and --json where the
// output is structured.
package cli
