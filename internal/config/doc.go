// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for the relay server and the
// conversation client.
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (OLLAMA_*, MATHSOLVER_*)
//   - A .env file in the working directory
//   - ~/.mathsolver/config.toml
//   - Built-in defaults
//
// Variables already present in the process environment win over the .env
// file.
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client := ollama.NewClientWithConfig(cfg.Backend.OllamaConfig())
package config
