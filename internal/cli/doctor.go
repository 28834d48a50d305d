// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/jeranaias/mathsolver/internal/client"
	"github.com/jeranaias/mathsolver/internal/config"
	"github.com/jeranaias/mathsolver/internal/ollama"
)

// Check statuses.
const (
	CheckPass = "pass"
	CheckWarn = "warn"
	CheckFail = "fail"
)

// minFreeDisk is the free space below which the data dir check warns.
const minFreeDisk = 100 << 20

// CheckResult is the outcome of one doctor check.
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Fix     string `json:"fix,omitempty"`
}

// HandleDoctor checks the local setup: config, backend, relay and storage.
func HandleDoctor(args Args) error {
	cfg, err := loadConfig(args)
	if err != nil {
		results := []CheckResult{{
			Name:    "Configuration",
			Status:  CheckFail,
			Message: err.Error(),
			Fix:     "Run: mathsolver config init",
		}}
		printChecks(args, results)
		return err
	}
	if args.RelayURL != "" {
		cfg.Client.RelayURL = args.RelayURL
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	results := runChecks(ctx, cfg)
	printChecks(args, results)

	failed := 0
	for _, r := range results {
		if r.Status == CheckFail {
			failed++
		}
	}
	if failed > 0 {
		return NewCommandError("doctor", "check", fmt.Sprintf("%d check(s) failed", failed), nil)
	}
	return nil
}

// runChecks runs every check against cfg in order.
func runChecks(ctx context.Context, cfg *config.Config) []CheckResult {
	results := []CheckResult{
		{Name: "Platform", Status: CheckPass, Message: runtime.GOOS + "/" + runtime.GOARCH},
		{Name: "Configuration", Status: CheckPass, Message: "valid"},
	}
	results = append(results, checkBackend(ctx, cfg.Backend))
	results = append(results, checkRelay(ctx, cfg.Client))
	results = append(results, checkDataDir(cfg.Client.DataDir))

	user := CheckResult{Name: "Sign-in", Status: CheckPass, Message: "signed in as " + cfg.Client.User}
	if cfg.Client.User == "" {
		user = CheckResult{
			Name:    "Sign-in",
			Status:  CheckWarn,
			Message: "no user configured; chat and send will refuse to submit",
			Fix:     "Set client.user or MATHSOLVER_USER",
		}
	}
	return append(results, user)
}

func checkBackend(ctx context.Context, backend config.BackendConfig) CheckResult {
	result := CheckResult{Name: "Ollama backend"}
	c := ollama.NewClientWithConfig(backend.OllamaConfig())

	probe, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.CheckRunning(probe); err != nil {
		result.Status = CheckFail
		result.Message = fmt.Sprintf("%s not reachable", backend.BaseURL)
		result.Fix = "Run: ollama serve"
		return result
	}

	models, err := c.ListModels(ctx)
	if err != nil {
		result.Status = CheckWarn
		result.Message = "running, but models could not be listed: " + err.Error()
		return result
	}
	if !hasModel(models, backend.Model) {
		result.Status = CheckWarn
		result.Message = fmt.Sprintf("running with %d model(s), %s not among them", len(models), backend.Model)
		result.Fix = "Run: ollama pull " + backend.Model
		return result
	}
	result.Status = CheckPass
	result.Message = fmt.Sprintf("running, %s available", backend.Model)
	return result
}

// hasModel matches name against installed models, treating a missing tag
// as ":latest".
func hasModel(models []ollama.ModelInfo, name string) bool {
	want := name
	if !strings.Contains(want, ":") {
		want += ":latest"
	}
	for _, m := range models {
		if m.Name == name || m.Name == want {
			return true
		}
	}
	return false
}

func checkRelay(ctx context.Context, cc config.ClientConfig) CheckResult {
	result := CheckResult{Name: "Relay"}
	c := client.New(&client.Config{BaseURL: cc.RelayURL, Token: cc.RelayToken, ConnectTimeout: 3 * time.Second})

	probe, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	h, err := c.Health(probe)
	if err != nil {
		result.Status = CheckFail
		result.Message = fmt.Sprintf("%s: %v", c.BaseURL(), err)
		result.Fix = "Run: mathsolver serve"
		return result
	}
	if h.Status != "ok" {
		result.Status = CheckWarn
		result.Message = fmt.Sprintf("%s is %s (backend %s)", c.BaseURL(), h.Status, h.Backend)
		return result
	}
	result.Status = CheckPass
	result.Message = fmt.Sprintf("%s ok, model %s, version %s", c.BaseURL(), h.Model, h.Version)
	return result
}

func checkDataDir(dir string) CheckResult {
	result := CheckResult{Name: "Data directory"}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		result.Status = CheckFail
		result.Message = err.Error()
		return result
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		result.Status = CheckFail
		result.Message = dir + " is not writable"
		return result
	}
	_ = os.Remove(probe)

	free, err := freeDiskSpace(dir)
	switch {
	case err != nil:
		result.Status = CheckPass
		result.Message = dir + " writable (free space unknown)"
	case free < minFreeDisk:
		result.Status = CheckWarn
		result.Message = fmt.Sprintf("%s writable, only %s free", dir, formatBytes(int64(free)))
	default:
		result.Status = CheckPass
		result.Message = fmt.Sprintf("%s writable, %s free", dir, formatBytes(int64(free)))
	}
	return result
}

func printChecks(args Args, results []CheckResult) {
	if args.JSON {
		_ = NewJSONResponse("doctor", results).Print()
		return
	}
	fmt.Println(TitleStyle.Render("mathsolver doctor"))
	fmt.Println(Separator(30))
	for _, r := range results {
		var badge string
		switch r.Status {
		case CheckPass:
			badge = SuccessStyle.Render("[PASS]")
		case CheckWarn:
			badge = WarningStyle.Render("[WARN]")
		default:
			badge = ErrorStyle.Render("[FAIL]")
		}
		fmt.Printf("%s %s %s\n", badge, LabelStyle.Width(16).Render(r.Name), r.Message)
		if r.Fix != "" && !args.Quiet {
			fmt.Printf("       %s\n", DimStyle.Render(r.Fix))
		}
	}
}
