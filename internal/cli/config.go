// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/jeranaias/mathsolver/internal/config"
)

// ConfigPathData is the payload of "config path --json".
type ConfigPathData struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

// HandleConfig handles "config show|path|init|reset".
func HandleConfig(args Args) error {
	path, err := configFile(args)
	if err != nil {
		return err
	}

	switch args.Subcommand {
	case "", "show":
		return handleConfigShow(args)
	case "path":
		return handleConfigPath(path, args.JSON)
	case "init":
		if _, err := os.Stat(path); err == nil {
			return NewCommandError("config", "init", path+" already exists (use config reset to overwrite)", nil)
		}
		return writeDefaultConfig(path, args)
	case "reset":
		return writeDefaultConfig(path, args)
	default:
		return NewUsageError("subcommand", args.Subcommand, "expected show, path, init or reset")
	}
}

func configFile(args Args) (string, error) {
	if args.ConfigPath != "" {
		return expandPath(args.ConfigPath)
	}
	return config.ConfigPath()
}

// handleConfigShow prints the effective configuration with secrets masked.
func handleConfigShow(args Args) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	if args.JSON {
		return NewJSONResponse("config show", cfg.Redacted()).Print()
	}
	if !args.Quiet {
		fmt.Println(DimStyle.Render("# effective configuration (file, then environment)"))
	}
	fmt.Print(cfg.String())
	return nil
}

func handleConfigPath(path string, jsonMode bool) error {
	_, err := os.Stat(path)
	exists := err == nil
	if jsonMode {
		return NewJSONResponse("config path", ConfigPathData{Path: path, Exists: exists}).Print()
	}
	fmt.Println(path)
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, DimStyle.Render("(file does not exist; built-in defaults apply)"))
	}
	return nil
}

func writeDefaultConfig(path string, args Args) error {
	if err := config.Save(config.Default(), path); err != nil {
		return NewCommandError("config", "write", path, err)
	}
	if args.JSON {
		return NewJSONResponse("config "+args.Subcommand, ConfigPathData{Path: path, Exists: true}).Print()
	}
	fmt.Printf("%s wrote %s\n", SuccessStyle.Render("[OK]"), path)
	return nil
}
