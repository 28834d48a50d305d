// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jeranaias/mathsolver/internal/util"
)

// watchDebounce collapses the burst of events a single atomic write produces.
const watchDebounce = 150 * time.Millisecond

// FileStore keeps one JSON file per key in a directory.
type FileStore struct {
	dir    string
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	// lastSeen holds the digest of the content this store last wrote or read
	// per key, so the watcher can tell its own writes from foreign ones.
	lastSeen map[string][sha256.Size]byte
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		dir:      dir,
		logger:   logger.Named("store"),
		lastSeen: make(map[string][sha256.Size]byte),
	}, nil
}

// Dir returns the store directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the file backing key.
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Get reads the blob for key.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.check(ctx, key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	s.mu.Lock()
	s.lastSeen[key] = sha256.Sum256(data)
	s.mu.Unlock()
	return data, nil
}

// Put atomically replaces the blob for key.
func (s *FileStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.check(ctx, key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := util.AtomicWriteFileWithDir(s.Path(key), value, 0600, 0700); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	s.lastSeen[key] = sha256.Sum256(value)
	return nil
}

// Close marks the store closed. Watchers stop with their context.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FileStore) check(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Watch calls onChange with the new content whenever key's file is replaced
// by someone other than this store. It returns once the watcher is running;
// the watch ends when ctx is done.
func (s *FileStore) Watch(ctx context.Context, key string, onChange func([]byte)) error {
	if err := s.check(ctx, key); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Atomic writes replace the file, so watch the directory.
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	go s.watchLoop(ctx, watcher, key, onChange)
	return nil
}

func (s *FileStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, key string, onChange func([]byte)) {
	defer watcher.Close()

	path := s.Path(key)
	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(watchDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("store watcher error", zap.Error(err))

		case <-timer.C:
			s.checkForeign(key, path, onChange)
		}
	}
}

func (s *FileStore) checkForeign(key, path string, onChange func([]byte)) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("store watcher read failed", zap.String("key", key), zap.Error(err))
		}
		return
	}
	sum := sha256.Sum256(data)

	s.mu.Lock()
	own := s.lastSeen[key] == sum
	s.lastSeen[key] = sum
	s.mu.Unlock()

	if own {
		return
	}
	s.logger.Info("store changed externally", zap.String("key", key), zap.Int("bytes", len(data)))
	onChange(data)
}
