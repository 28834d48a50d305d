// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/jeranaias/mathsolver/internal/ollama"
	"github.com/jeranaias/mathsolver/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete mathsolver configuration.
type Config struct {
	Backend BackendConfig `toml:"backend" json:"backend"`
	Server  ServerConfig  `toml:"server" json:"server"`
	Client  ClientConfig  `toml:"client" json:"client"`
	Logging LoggingConfig `toml:"logging" json:"logging"`
}

// BackendConfig points the relay at an Ollama-compatible inference service.
type BackendConfig struct {
	BaseURL string        `toml:"base_url" json:"base_url" env:"OLLAMA_BASE_URL"`
	APIKey  string        `toml:"api_key" json:"api_key" env:"OLLAMA_API_KEY"`
	Model   string        `toml:"model" json:"model" env:"OLLAMA_MODEL"`
	Timeout time.Duration `toml:"timeout" json:"timeout" env:"MATHSOLVER_BACKEND_TIMEOUT"`
}

// ServerConfig controls the relay HTTP server.
type ServerConfig struct {
	Addr            string        `toml:"addr" json:"addr" env:"MATHSOLVER_ADDR"`
	AuthToken       string        `toml:"auth_token" json:"auth_token" env:"MATHSOLVER_AUTH_TOKEN"`
	ImageBinding    string        `toml:"image_binding" json:"image_binding" env:"MATHSOLVER_IMAGE_BINDING"`
	MaxBodyBytes    int64         `toml:"max_body_bytes" json:"max_body_bytes" env:"MATHSOLVER_MAX_BODY_BYTES"`
	// MaxContextChars caps the text taken from each PDF; 0 is unlimited.
	MaxContextChars int           `toml:"max_context_chars" json:"max_context_chars" env:"MATHSOLVER_MAX_CONTEXT_CHARS"`
	RateLimit       float64       `toml:"rate_limit" json:"rate_limit" env:"MATHSOLVER_RATE_LIMIT"`
	RateBurst       int           `toml:"rate_burst" json:"rate_burst" env:"MATHSOLVER_RATE_BURST"`
	CORSOrigins     []string      `toml:"cors_origins" json:"cors_origins" env:"MATHSOLVER_CORS_ORIGINS" envSeparator:","`
	TrustedProxies  []string      `toml:"trusted_proxies" json:"trusted_proxies" env:"MATHSOLVER_TRUSTED_PROXIES" envSeparator:","`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" json:"shutdown_timeout" env:"MATHSOLVER_SHUTDOWN_TIMEOUT"`
}

// ClientConfig controls the conversation client.
type ClientConfig struct {
	RelayURL           string `toml:"relay_url" json:"relay_url" env:"MATHSOLVER_RELAY_URL"`
	RelayToken         string `toml:"relay_token" json:"relay_token" env:"MATHSOLVER_RELAY_TOKEN"`
	User               string `toml:"user" json:"user" env:"MATHSOLVER_USER"`
	Store              string `toml:"store" json:"store" env:"MATHSOLVER_STORE"`
	DataDir            string `toml:"data_dir" json:"data_dir" env:"MATHSOLVER_DATA_DIR"`
	MaxAttachmentBytes int64  `toml:"max_attachment_bytes" json:"max_attachment_bytes" env:"MATHSOLVER_MAX_ATTACHMENT_BYTES"`
	Markdown           bool   `toml:"markdown" json:"markdown" env:"MATHSOLVER_MARKDOWN"`
}

// LoggingConfig controls zap output.
type LoggingConfig struct {
	Level  string `toml:"level" json:"level" env:"MATHSOLVER_LOG_LEVEL"`
	Format string `toml:"format" json:"format" env:"MATHSOLVER_LOG_FORMAT"`
	File   string `toml:"file" json:"file" env:"MATHSOLVER_LOG_FILE"`
}

// Image binding modes for the relay.
const (
	ImageBindingBroadcast = "broadcast"
	ImageBindingLatest    = "latest"
)

// Store backends for the client.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := ""
	if dir, err := ConfigDir(); err == nil {
		dataDir = filepath.Join(dir, "data")
	}
	return &Config{
		Backend: BackendConfig{
			BaseURL: ollama.DefaultBaseURL,
			Model:   ollama.DefaultModel,
			Timeout: 30 * time.Second,
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			ImageBinding:    ImageBindingBroadcast,
			MaxBodyBytes:    64 << 20,
			RateLimit:       2,
			RateBurst:       10,
			CORSOrigins:     []string{"http://localhost:3000"},
			ShutdownTimeout: 10 * time.Second,
		},
		Client: ClientConfig{
			RelayURL:           "http://127.0.0.1:8080",
			Store:              StoreFile,
			DataDir:            dataDir,
			MaxAttachmentBytes: 20 << 20,
			Markdown:           true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// OllamaConfig converts the backend section into a client configuration.
func (b BackendConfig) OllamaConfig() *ollama.ClientConfig {
	return &ollama.ClientConfig{
		BaseURL:      b.BaseURL,
		APIKey:       b.APIKey,
		Timeout:      b.Timeout,
		DefaultModel: b.Model,
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the mathsolver configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".mathsolver"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load builds the effective configuration. An empty path means the default
// config file; a missing file is not an error.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	if err := LoadTOML(cfg, path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv exports the variables in a dotenv file without overriding ones
// already set. A missing file is ignored.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

// LoadTOML decodes a TOML file over cfg. Keys absent from the file keep their
// current values.
func LoadTOML(cfg *Config, path string) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return fmt.Errorf("failed to decode TOML file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnvOverrides copies set environment variables over the loaded values.
// Unset variables leave fields untouched.
func (c *Config) ApplyEnvOverrides() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// SetDefaults fills zero values left by a partial config file.
func (c *Config) SetDefaults() {
	d := Default()
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = d.Backend.BaseURL
	}
	if c.Backend.Model == "" {
		c.Backend.Model = d.Backend.Model
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = d.Backend.Timeout
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.ImageBinding == "" {
		c.Server.ImageBinding = d.Server.ImageBinding
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = d.Server.MaxBodyBytes
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = d.Server.RateBurst
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Client.RelayURL == "" {
		c.Client.RelayURL = d.Client.RelayURL
	}
	if c.Client.Store == "" {
		c.Client.Store = d.Client.Store
	}
	if c.Client.DataDir == "" {
		c.Client.DataDir = d.Client.DataDir
	}
	if c.Client.MaxAttachmentBytes == 0 {
		c.Client.MaxAttachmentBytes = d.Client.MaxAttachmentBytes
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
}

// =============================================================================
// SAVE
// =============================================================================

// Save writes cfg as TOML. Credentials are written as-is, so the file is
// created owner-readable only.
func Save(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# mathsolver configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(path, buf.Bytes(), 0o600, 0o700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	out.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	out.Server.TrustedProxies = append([]string(nil), c.Server.TrustedProxies...)
	if out.Backend.APIKey != "" {
		out.Backend.APIKey = "********"
	}
	if out.Server.AuthToken != "" {
		out.Server.AuthToken = "********"
	}
	if out.Client.RelayToken != "" {
		out.Client.RelayToken = "********"
	}
	return &out
}

// String renders the redacted configuration as TOML.
func (c *Config) String() string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c.Redacted()); err != nil {
		return "<unprintable config: " + err.Error() + ">"
	}
	return buf.String()
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs ValidateErrors

	checkURL := func(field, raw string) {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("invalid URL '%s', need http(s)://host", raw),
			})
		}
	}
	checkURL("backend.base_url", c.Backend.BaseURL)
	checkURL("client.relay_url", c.Client.RelayURL)

	if c.Backend.Model == "" {
		errs = append(errs, ValidationError{Field: "backend.model", Message: "must not be empty"})
	}
	if c.Backend.Timeout < 0 {
		errs = append(errs, ValidationError{Field: "backend.timeout", Message: "must not be negative"})
	}

	switch c.Server.ImageBinding {
	case ImageBindingBroadcast, ImageBindingLatest:
	default:
		errs = append(errs, ValidationError{
			Field:   "server.image_binding",
			Message: fmt.Sprintf("invalid mode '%s', must be one of: broadcast, latest", c.Server.ImageBinding),
		})
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, ValidationError{Field: "server.max_body_bytes", Message: "must be positive"})
	}
	if c.Server.MaxContextChars < 0 {
		errs = append(errs, ValidationError{Field: "server.max_context_chars", Message: "must not be negative (0 means unlimited)"})
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, ValidationError{Field: "server.rate_limit", Message: "must not be negative (0 disables)"})
	}
	if c.Server.RateBurst < 1 {
		errs = append(errs, ValidationError{Field: "server.rate_burst", Message: "must be at least 1"})
	}

	switch c.Client.Store {
	case StoreFile, StoreSQLite:
	default:
		errs = append(errs, ValidationError{
			Field:   "client.store",
			Message: fmt.Sprintf("invalid store '%s', must be one of: file, sqlite", c.Client.Store),
		})
	}
	if c.Client.MaxAttachmentBytes <= 0 {
		errs = append(errs, ValidationError{Field: "client.max_attachment_bytes", Message: "must be positive"})
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid format '%s', must be one of: console, json", c.Logging.Format),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
