// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/mathsolver/internal/client"
	"github.com/jeranaias/mathsolver/internal/config"
	"github.com/jeranaias/mathsolver/internal/model"
	"github.com/jeranaias/mathsolver/internal/session"
	"github.com/jeranaias/mathsolver/internal/storage"
)

// =============================================================================
// PARSE
// =============================================================================

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		argv    []string
		want    Command
		wantErr bool
		check   func(*testing.T, Args)
	}{
		{name: "no args", argv: nil, want: CmdHelp},
		{name: "help flag", argv: []string{"--help"}, want: CmdHelp},
		{name: "version flag", argv: []string{"--version"}, want: CmdVersion},
		{name: "unknown command", argv: []string{"frobnicate"}, want: CmdHelp, wantErr: true},
		{name: "flag before command", argv: []string{"--json", "send"}, want: CmdHelp, wantErr: true},
		{
			name: "serve overrides",
			argv: []string{"serve", "--addr", ":9090", "-m", "llava"},
			want: CmdServe,
			check: func(t *testing.T, a Args) {
				assert.Equal(t, ":9090", a.Addr)
				assert.Equal(t, "llava", a.Model)
			},
		},
		{
			name: "send with files",
			argv: []string{"ask", "-f", "a.pdf", "--file=b.png", "What", "is", "this?"},
			want: CmdSend,
			check: func(t *testing.T, a Args) {
				assert.Equal(t, []string{"a.pdf", "b.png"}, a.Files)
				assert.Equal(t, []string{"What", "is", "this?"}, a.Raw)
			},
		},
		{
			name: "send files only",
			argv: []string{"send", "-f", "hw.pdf"},
			want: CmdSend,
		},
		{name: "send nothing", argv: []string{"send"}, want: CmdSend, wantErr: true},
		{
			name: "send session and json",
			argv: []string{"send", "--json", "-s", "abcd1234", "hi"},
			want: CmdSend,
			check: func(t *testing.T, a Args) {
				assert.True(t, a.JSON)
				assert.Equal(t, "abcd1234", a.Session)
			},
		},
		{name: "delete needs id", argv: []string{"delete"}, want: CmdDelete, wantErr: true},
		{name: "delete two ids", argv: []string{"rm", "a", "b"}, want: CmdDelete, wantErr: true},
		{
			name: "config default subcommand",
			argv: []string{"config"},
			want: CmdConfig,
			check: func(t *testing.T, a Args) {
				assert.Equal(t, "show", a.Subcommand)
			},
		},
		{
			name: "config path",
			argv: []string{"config", "path", "-c", "/tmp/x.toml"},
			want: CmdConfig,
			check: func(t *testing.T, a Args) {
				assert.Equal(t, "path", a.Subcommand)
				assert.Equal(t, "/tmp/x.toml", a.ConfigPath)
			},
		},
		{name: "serve rejects chat flags", argv: []string{"serve", "--file", "x"}, want: CmdServe, wantErr: true},
		{name: "command help", argv: []string{"chat", "--help"}, want: CmdHelp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, args, err := Parse(tt.argv)
			if tt.wantErr {
				require.Error(t, err)
				var usage *UsageError
				assert.ErrorAs(t, err, &usage)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, cmd)
			if tt.check != nil {
				tt.check(t, args)
			}
		})
	}
}

// =============================================================================
// EXIT CODES
// =============================================================================

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"usage", NewUsageError("x", "y", "z"), ExitUsageError},
		{"config", fmt.Errorf("invalid config: %w", config.ValidateErrors{{Field: "server.addr", Message: "empty"}}), ExitConfigError},
		{"login", ErrLoginRequired, ExitAuthError},
		{"unauthorized", &client.StatusError{StatusCode: http.StatusUnauthorized}, ExitAuthError},
		{"bad gateway", NewCommandError("send", "stream", "relay", &client.StatusError{StatusCode: http.StatusBadGateway}), ExitNetworkError},
		{"not found", fmt.Errorf("%w: abc", session.ErrSessionNotFound), ExitNotFoundError},
		{"timeout", context.DeadlineExceeded, ExitTimeoutError},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("refused")}, ExitNetworkError},
		{"other", errors.New("boom"), ExitGeneralError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func TestFormatAge(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "just now", formatAge(now.Add(-10*time.Second), now))
	assert.Equal(t, "just now", formatAge(now.Add(time.Minute), now))
	assert.Equal(t, "5m ago", formatAge(now.Add(-5*time.Minute), now))
	assert.Equal(t, "3h ago", formatAge(now.Add(-3*time.Hour), now))
	assert.Equal(t, "2d ago", formatAge(now.Add(-49*time.Hour), now))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 bytes", formatBytes(512))
	assert.Equal(t, "1.50 KB", formatBytes(1536))
	assert.Equal(t, "20.00 MB", formatBytes(20<<20))
}

func TestCheckAttachment(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "hw.pdf")
	require.NoError(t, os.WriteFile(small, []byte("%PDF-1.4"), 0o600))

	abs, err := checkAttachment(small, 1024)
	require.NoError(t, err)
	assert.Equal(t, small, abs)

	_, err = checkAttachment(small, 4)
	assert.ErrorContains(t, err, "larger than")

	_, err = checkAttachment(dir, 0)
	assert.ErrorContains(t, err, "not a regular file")

	_, err = checkAttachment(filepath.Join(dir, "missing.png"), 0)
	assert.ErrorContains(t, err, "cannot read file")
}

func TestWriteSessionTable(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sessions := []model.ChatSession{
		{ID: "11111111-aaaa", Title: "Derivative of x^3", Preview: "What is the derivative\nof x^3?", Messages: make([]model.Message, 2), UpdatedAt: now.Add(-2 * time.Minute)},
		{ID: "22222222-bbbb", Title: "二次方程式の解き方について教えてください、詳しく", Preview: "Start asking...", UpdatedAt: now.Add(-3 * time.Hour)},
	}

	var buf bytes.Buffer
	writeSessionTable(&buf, sessions, "22222222-bbbb", now, 100)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)

	assert.Contains(t, lines[0], "TITLE")
	assert.True(t, strings.HasPrefix(lines[1], "  11111111"))
	assert.Contains(t, lines[1], "2m ago")
	assert.Contains(t, lines[1], "What is the derivative of x^3?")
	assert.True(t, strings.HasPrefix(lines[2], "* 22222222"))
	assert.Contains(t, lines[2], "...")
	assert.Contains(t, lines[2], "3h ago")

	buf.Reset()
	writeSessionTable(&buf, nil, "", now, 80)
	assert.Contains(t, buf.String(), "No conversations yet")
}

func TestServerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Server.AuthToken = "secret"
	cfg.Server.ImageBinding = config.ImageBindingLatest

	sc := serverConfig(cfg, Args{})
	assert.Equal(t, cfg.Server.Addr, sc.Addr)
	assert.Equal(t, cfg.Backend.Model, sc.Model)
	assert.Equal(t, "secret", sc.AuthToken)
	assert.Equal(t, config.ImageBindingLatest, sc.ImageBinding)
	assert.NotEmpty(t, sc.TrustedProxies)

	sc = serverConfig(cfg, Args{Addr: ":9999", Model: "llava"})
	assert.Equal(t, ":9999", sc.Addr)
	assert.Equal(t, "llava", sc.Model)

	assert.Zero(t, pdfParser(cfg).MaxChars)
	cfg.Server.MaxContextChars = 4000
	assert.Equal(t, 4000, pdfParser(cfg).MaxChars)
}

// =============================================================================
// COMMANDS
// =============================================================================

func TestExchangeWatch_SaveErrorsKeptApart(t *testing.T) {
	saveErr := fmt.Errorf("%w: %w", session.ErrPersist, errors.New("disk full"))

	t.Run("save failure only", func(t *testing.T) {
		w := &exchangeWatch{}
		cb := w.callbacks(nil)
		cb.OnError("s1", saveErr)

		assert.False(t, w.failed())
		assert.ErrorIs(t, w.saveErr, session.ErrPersist)
	})

	t.Run("save failure before exchange failure", func(t *testing.T) {
		w := &exchangeWatch{}
		cb := w.callbacks(nil)
		cb.OnError("s1", saveErr)
		cb.OnError("s1", session.ErrTruncated)
		cb.OnError("s1", saveErr)

		require.True(t, w.failed())
		assert.ErrorIs(t, w.err, session.ErrTruncated)
		assert.Contains(t, sendError(w.err).Error(), "cut off")
	})
}

// relayStub streams fixed fragments and a status trailer.
func relayStub(t *testing.T, status string, fragments ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Trailer", "X-Stream-Status")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		for _, f := range fragments {
			_, _ = w.Write([]byte(f))
			w.(http.Flusher).Flush()
		}
		w.Header().Set("X-Stream-Status", status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// clientEnv points the client commands at an isolated data dir and relay.
func clientEnv(t *testing.T, relayURL, user string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MATHSOLVER_DATA_DIR", dir)
	t.Setenv("MATHSOLVER_RELAY_URL", relayURL)
	t.Setenv("MATHSOLVER_USER", user)
	t.Setenv("MATHSOLVER_STORE", config.StoreFile)
	return dir
}

func storedSessions(t *testing.T, dir string) []model.ChatSession {
	t.Helper()
	store, err := storage.NewFileStore(dir, nil)
	require.NoError(t, err)
	defer store.Close()
	sessions, err := storage.LoadSessions(context.Background(), store)
	require.NoError(t, err)
	return sessions
}

func TestHandleSend(t *testing.T) {
	relay := relayStub(t, "complete", "The answer ", "is $3x^2$.")
	dir := clientEnv(t, relay.URL, "student")
	cfgPath := filepath.Join(t.TempDir(), "config.toml")

	err := HandleSend(Args{ConfigPath: cfgPath, Quiet: true, Raw: []string{"Differentiate", "x^3"}})
	require.NoError(t, err)

	sessions := storedSessions(t, dir)
	require.Len(t, sessions, 1)
	msgs := sessions[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "Differentiate x^3", msgs[0].Content)
	assert.Equal(t, "The answer is $3x^2$.", msgs[1].Content)
	assert.Equal(t, "Differentiate x^3", sessions[0].Title)
}

func TestHandleSend_Truncated(t *testing.T) {
	relay := relayStub(t, "truncated", "The answer ")
	dir := clientEnv(t, relay.URL, "student")

	err := HandleSend(Args{ConfigPath: filepath.Join(t.TempDir(), "c.toml"), Quiet: true, Raw: []string{"hi"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrTruncated)

	sessions := storedSessions(t, dir)
	require.Len(t, sessions, 1)
	assert.Equal(t, session.Apology, sessions[0].Messages[1].Content)
}

func TestHandleSend_SignedOut(t *testing.T) {
	relay := relayStub(t, "complete", "unused")
	dir := clientEnv(t, relay.URL, "")

	err := HandleSend(Args{ConfigPath: filepath.Join(t.TempDir(), "c.toml"), Raw: []string{"hi"}})
	assert.ErrorIs(t, err, ErrLoginRequired)
	assert.Equal(t, ExitAuthError, GetExitCode(err))
	assert.Empty(t, storedSessions(t, dir))
}

func TestHandleDelete(t *testing.T) {
	relay := relayStub(t, "complete", "ok")
	dir := clientEnv(t, relay.URL, "student")
	cfgPath := filepath.Join(t.TempDir(), "c.toml")

	require.NoError(t, HandleSend(Args{ConfigPath: cfgPath, Quiet: true, Raw: []string{"first"}}))
	require.NoError(t, HandleSend(Args{ConfigPath: cfgPath, Quiet: true, New: true, Raw: []string{"second"}}))
	sessions := storedSessions(t, dir)
	require.Len(t, sessions, 2)

	target := sessions[0].ID
	require.NoError(t, HandleDelete(Args{ConfigPath: cfgPath, Quiet: true, Raw: []string{target[:8]}}))

	left := storedSessions(t, dir)
	require.Len(t, left, 1)
	assert.NotEqual(t, target, left[0].ID)

	err := HandleDelete(Args{ConfigPath: cfgPath, Quiet: true, Raw: []string{"ffffffff"}})
	assert.Equal(t, ExitNotFoundError, GetExitCode(err))
}

func TestHandleConfig_Init(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	require.NoError(t, HandleConfig(Args{ConfigPath: path, Subcommand: "init"}))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Server.Addr, cfg.Server.Addr)

	err = HandleConfig(Args{ConfigPath: path, Subcommand: "init"})
	assert.ErrorContains(t, err, "already exists")

	err = HandleConfig(Args{ConfigPath: path, Subcommand: "bogus"})
	assert.Equal(t, ExitUsageError, GetExitCode(err))
}

func TestHandleExport(t *testing.T) {
	relay := relayStub(t, "complete", "$x = 2$")
	dir := clientEnv(t, relay.URL, "student")
	cfgPath := filepath.Join(t.TempDir(), "c.toml")
	require.NoError(t, HandleSend(Args{ConfigPath: cfgPath, Quiet: true, Raw: []string{"Solve 2x = 4"}}))
	id := storedSessions(t, dir)[0].ID

	out := t.TempDir()
	require.NoError(t, HandleExport(Args{ConfigPath: cfgPath, Format: "md", Output: out, Raw: []string{id[:8]}}))

	matches, err := filepath.Glob(filepath.Join(out, "*.md"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Solve 2x = 4")
	assert.Contains(t, string(data), "$x = 2$")

	err = HandleExport(Args{ConfigPath: cfgPath, Format: "pdf", Raw: []string{id}})
	assert.Equal(t, ExitUsageError, GetExitCode(err))
}
