// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/jeranaias/mathsolver/internal/attachment"
	"github.com/jeranaias/mathsolver/internal/client"
	"github.com/jeranaias/mathsolver/internal/config"
	"github.com/jeranaias/mathsolver/internal/logging"
	"github.com/jeranaias/mathsolver/internal/session"
	"github.com/jeranaias/mathsolver/internal/storage"
)

// app bundles what the client commands share.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   storage.Store
	manager *session.Manager
	cleanup func()
}

// loadConfig loads the config file named by args, or the default one.
func loadConfig(args Args) (*config.Config, error) {
	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		return nil, err
	}
	if args.Verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// newLogger builds the process logger. Client commands write replies to
// stdout, so console logging is only enabled by --verbose.
func newLogger(cfg *config.Config, args Args, console bool) (*zap.Logger, func(), error) {
	opts := logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}
	if !console && !args.Verbose {
		opts.Output = io.Discard
	}
	return logging.New(opts)
}

// newApp wires config, logging, storage and the session manager for the
// client commands. cb may be zero.
func newApp(args Args, cb session.Callbacks) (*app, error) {
	cfg, err := loadConfig(args)
	if err != nil {
		return nil, err
	}
	logger, syncLog, err := newLogger(cfg, args, false)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Client.Store, cfg.Client.DataDir, logger.Named("storage"))
	if err != nil {
		syncLog()
		return nil, NewCommandError("storage", "open", cfg.Client.DataDir, err)
	}

	relayURL := cfg.Client.RelayURL
	if args.RelayURL != "" {
		relayURL = args.RelayURL
	}
	relay := client.New(&client.Config{
		BaseURL: relayURL,
		Token:   cfg.Client.RelayToken,
	})

	manager := session.NewManager(session.Config{
		Store:     store,
		Relay:     session.ClientRelay(relay),
		Encoder:   attachment.NewEncoder(&attachment.Config{MaxSize: cfg.Client.MaxAttachmentBytes}),
		Auth:      session.StaticAuth(cfg.Client.User),
		Logger:    logger.Named("session"),
		Callbacks: cb,
	})

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		manager: manager,
	}
	a.cleanup = func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
		syncLog()
	}
	return a, nil
}

// load reads stored sessions and applies --session/--new.
func (a *app) load(ctx context.Context, args Args) error {
	if err := a.manager.Load(ctx); err != nil {
		return NewCommandError("sessions", "load", "stored sessions are unreadable", err)
	}
	switch {
	case args.New:
		if _, err := a.manager.NewChat(ctx); err != nil {
			return NewCommandError("sessions", "new", "could not save the new conversation", err)
		}
	case args.Session != "":
		id, err := a.resolveSession(args.Session)
		if err != nil {
			return err
		}
		if err := a.manager.Select(id); err != nil {
			return err
		}
	}
	return nil
}

// resolveSession expands a unique id prefix to the full session id.
func (a *app) resolveSession(prefix string) (string, error) {
	var match string
	for _, s := range a.manager.Sessions() {
		if s.ID == prefix {
			return s.ID, nil
		}
		if len(prefix) >= 4 && len(s.ID) >= len(prefix) && s.ID[:len(prefix)] == prefix {
			if match != "" {
				return "", NewUsageError("session", prefix, "ambiguous session id")
			}
			match = s.ID
		}
	}
	if match == "" {
		return "", session.ErrSessionNotFound
	}
	return match, nil
}

// blobs validates and opens the files named by paths.
func (a *app) blobs(paths []string) ([]attachment.Blob, error) {
	out := make([]attachment.Blob, 0, len(paths))
	for _, p := range paths {
		abs, err := checkAttachment(p, a.cfg.Client.MaxAttachmentBytes)
		if err != nil {
			return nil, err
		}
		out = append(out, attachment.FromFile(abs))
	}
	return out, nil
}
