// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jeranaias/mathsolver/internal/model"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fs, err := NewFileStore(filepath.Join(dir, "files"), zaptest.NewLogger(t))
	require.NoError(t, err)
	db, err := NewSQLiteStore(filepath.Join(dir, "db", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		fs.Close()
		db.Close()
	})
	return map[string]Store{"file": fs, "sqlite": db}
}

func TestStore_GetPut(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, SessionsKey)
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(ctx, SessionsKey, []byte(`[1]`)))
			require.NoError(t, s.Put(ctx, SessionsKey, []byte(`[2]`)))

			got, err := s.Get(ctx, SessionsKey)
			require.NoError(t, err)
			assert.Equal(t, `[2]`, string(got))
		})
	}
}

func TestStore_RejectsBadKeys(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "..", "../escape", "a/b", "sp ace"} {
				assert.ErrorIs(t, s.Put(ctx, key, []byte("x")), ErrInvalidKey, key)
				_, err := s.Get(ctx, key)
				assert.ErrorIs(t, err, ErrInvalidKey, key)
			}
		})
	}
}

func TestSessionsRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	sess := model.NewSession(now)
	sess.Title = "Quadratics"
	sess.Messages = []model.Message{
		model.NewUserMessage("Solve $x^2=4$", "aW1n"),
		model.NewAssistantMessage("$x=\\pm 2$"),
	}

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			empty, err := LoadSessions(ctx, s)
			require.NoError(t, err)
			assert.Empty(t, empty)

			require.NoError(t, SaveSessions(ctx, s, []model.ChatSession{sess}))
			got, err := LoadSessions(ctx, s)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, sess.ID, got[0].ID)
			assert.Equal(t, sess.Messages, got[0].Messages)
			assert.True(t, sess.UpdatedAt.Equal(got[0].UpdatedAt))
		})
	}
}

func TestEncodeSessions_NilIsEmptyArray(t *testing.T) {
	data, err := EncodeSessions(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestDecodeSessions_Corrupt(t *testing.T) {
	_, err := DecodeSessions([]byte("{not json"))
	assert.Error(t, err)
}

func TestSQLiteStore_Version(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "v.db"))
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Version(ctx, SessionsKey)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Put(ctx, SessionsKey, []byte("x")))
	}
	v, err = s.Version(ctx, SessionsKey)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestFileStore_Closed(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Put(context.Background(), SessionsKey, []byte("x")), ErrClosed)
}

func TestFileStore_FilePermissions(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), SessionsKey, []byte("x")))

	info, err := os.Stat(s.Path(SessionsKey))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileStore_WatchReportsForeignWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := NewFileStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, SessionsKey, []byte(`[]`)))

	changes := make(chan []byte, 4)
	require.NoError(t, s.Watch(ctx, SessionsKey, func(b []byte) { changes <- b }))

	// Own write: no notification.
	require.NoError(t, s.Put(ctx, SessionsKey, []byte(`["mine"]`)))
	select {
	case b := <-changes:
		t.Fatalf("own write reported as foreign: %s", b)
	case <-time.After(4 * watchDebounce):
	}

	// Another process writes through its own store.
	other, err := NewFileStore(s.Dir(), nil)
	require.NoError(t, err)
	require.NoError(t, other.Put(ctx, SessionsKey, []byte(`["theirs"]`)))

	select {
	case b := <-changes:
		assert.Equal(t, `["theirs"]`, string(b))
	case <-time.After(5 * time.Second):
		t.Fatal("foreign write not reported")
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(BackendFile, dir, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
	s.Close()

	s, err = Open(BackendSQLite, dir, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	s.Close()

	_, err = Open("redis", dir, nil)
	assert.Error(t, err)
}
