// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"

	"go.uber.org/zap"

	"github.com/jeranaias/mathsolver/internal/model"
)

// SessionsKey is the key under which the session list is stored.
const SessionsKey = "math-solver-chats"

var (
	// ErrNotFound is returned by Get when the key has never been written.
	ErrNotFound = errors.New("storage: key not found")

	// ErrInvalidKey is returned for keys outside [A-Za-z0-9._-].
	ErrInvalidKey = errors.New("storage: invalid key")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: store closed")
)

// Store persists opaque blobs by key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Close() error
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

func checkKey(key string) error {
	if !keyPattern.MatchString(key) || key == "." || key == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// LoadSessions reads the session list. A missing key yields an empty list.
func LoadSessions(ctx context.Context, s Store) ([]model.ChatSession, error) {
	data, err := s.Get(ctx, SessionsKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeSessions(data)
}

// SaveSessions overwrites the stored session list.
func SaveSessions(ctx context.Context, s Store, sessions []model.ChatSession) error {
	data, err := EncodeSessions(sessions)
	if err != nil {
		return err
	}
	return s.Put(ctx, SessionsKey, data)
}

// EncodeSessions renders sessions as the stored JSON array.
func EncodeSessions(sessions []model.ChatSession) ([]byte, error) {
	if sessions == nil {
		sessions = []model.ChatSession{}
	}
	data, err := json.Marshal(sessions)
	if err != nil {
		return nil, fmt.Errorf("encode sessions: %w", err)
	}
	return data, nil
}

// DecodeSessions parses a stored JSON array. An empty blob is an empty list.
func DecodeSessions(data []byte) ([]model.ChatSession, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var sessions []model.ChatSession
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return sessions, nil
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open creates the store named by backend rooted at dataDir.
func Open(backend, dataDir string, logger *zap.Logger) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(dataDir, logger)
	case BackendSQLite:
		return NewSQLiteStore(filepath.Join(dataDir, "mathsolver.db"))
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}
