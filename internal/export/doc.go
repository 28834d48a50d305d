// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes stored conversations out as Markdown or JSON.
//
// # Supported Formats
//
//   - Markdown: YAML frontmatter, one heading per turn, reply text kept
//     verbatim so LaTeX and code fences survive
//   - JSON: the stored session as-is, images included
//
// # Usage
//
//	exp, err := export.ForFormat("md", nil)
//	data, err := exp.Export(sess)
//	path, err := export.WriteFile(sess, exp, "out/")
package export
