// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jeranaias/mathsolver/internal/extract"
	"github.com/jeranaias/mathsolver/internal/model"
	"github.com/jeranaias/mathsolver/internal/ollama"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fakeBackend struct {
	chunks   []string
	err      error // returned after chunks
	checkErr error

	mu       sync.Mutex
	model    string
	received []ollama.Message
}

func (f *fakeBackend) ChatStream(ctx context.Context, model string, messages []ollama.Message, cb ollama.StreamCallback) error {
	f.mu.Lock()
	f.model = model
	f.received = messages
	f.mu.Unlock()

	for _, c := range f.chunks {
		cb(ollama.StreamChunk{Content: c})
	}
	if f.err != nil {
		return f.err
	}
	cb(ollama.StreamChunk{Done: true, DoneReason: "stop"})
	return nil
}

func (f *fakeBackend) CheckRunning(ctx context.Context) error {
	return f.checkErr
}

func (f *fakeBackend) messages() []ollama.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received
}

func newTestServer(t *testing.T, cfg *Config, backend Backend, parser extract.Parser) *httptest.Server {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
		cfg.RateLimit = 0
	}
	logger := zaptest.NewLogger(t)
	s := New(cfg, backend, extract.New(parser, logger), logger)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Shutdown(context.Background())
	})
	return ts
}

func postChat(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = strings.NewReader(string(data))
	}
	resp, err := http.Post(url+"/chat", "application/json", r)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

var failingParser = extract.ParserFunc(func([]byte) (string, error) {
	return "", errors.New("malformed xref table")
})

// =============================================================================
// OUTBOUND ASSEMBLY
// =============================================================================

func TestBuildOutbound_PlainQuestion(t *testing.T) {
	msgs := []model.Message{model.NewUserMessage("What is $x^2$?")}

	out := BuildOutbound(msgs, extract.Context{}, BindBroadcast)

	require.Len(t, out, 2)
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, SystemPrompt, out[0].Content)
	assert.Equal(t, "user", out[1].Role)
	assert.Equal(t, "What is $x^2$?", out[1].Content)
	assert.Nil(t, out[1].Images)
}

func TestBuildOutbound_ContextOnLastMessage(t *testing.T) {
	msgs := []model.Message{
		model.NewUserMessage("first"),
		model.NewAssistantMessage("reply"),
		model.NewUserMessage("Summarize"),
	}
	block := extract.FormatBlock("notes.pdf", "Theorem 1")

	out := BuildOutbound(msgs, extract.Context{Block: block}, BindBroadcast)

	require.Len(t, out, 4)
	assert.Equal(t, "first", out[1].Content)
	assert.Equal(t, "Summarize\n\n[Context from PDF notes.pdf]:\nTheorem 1\n", out[3].Content)
	assert.Equal(t, "Summarize", msgs[2].Content, "input must not be modified")
}

func TestBuildOutbound_ImageBinding(t *testing.T) {
	msgs := []model.Message{
		model.NewUserMessage("old", "OLD"),
		model.NewAssistantMessage("ok"),
		model.NewUserMessage("new"),
	}
	ctx := extract.Context{Images: []string{"IMG1", "IMG2"}}

	t.Run("broadcast", func(t *testing.T) {
		out := BuildOutbound(msgs, ctx, BindBroadcast)
		assert.Equal(t, []string{"IMG1", "IMG2"}, out[1].Images)
		assert.Nil(t, out[2].Images)
		assert.Equal(t, []string{"IMG1", "IMG2"}, out[3].Images)
	})

	t.Run("latest", func(t *testing.T) {
		out := BuildOutbound(msgs, ctx, BindLatest)
		assert.Equal(t, []string{"OLD"}, out[1].Images)
		assert.Nil(t, out[2].Images)
		assert.Equal(t, []string{"IMG1", "IMG2"}, out[3].Images)
	})

	t.Run("no uploads keeps own images", func(t *testing.T) {
		out := BuildOutbound(msgs, extract.Context{}, BindBroadcast)
		assert.Equal(t, []string{"OLD"}, out[1].Images)
		assert.Nil(t, out[3].Images)
	})
}

// =============================================================================
// /chat
// =============================================================================

func TestChat_StreamsReplyWithCompleteTrailer(t *testing.T) {
	backend := &fakeBackend{chunks: []string{"The ans", "wer is $x", "^2$."}}
	ts := newTestServer(t, nil, backend, nil)

	resp := postChat(t, ts.URL, map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "What is $x^2$?"}},
	})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
	assert.Equal(t, "The answer is $x^2$.", readAll(t, resp))
	assert.Equal(t, StreamStatusComplete, resp.Trailer.Get(StreamStatusHeader))

	got := backend.messages()
	require.Len(t, got, 2)
	assert.Equal(t, "system", got[0].Role)
	assert.Equal(t, "What is $x^2$?", got[1].Content)
}

func TestChat_APIAlias(t *testing.T) {
	backend := &fakeBackend{chunks: []string{"ok"}}
	ts := newTestServer(t, nil, backend, nil)

	resp, err := http.Post(ts.URL+"/api/chat", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", readAll(t, resp))
}

func TestChat_EmptyReplyIsComplete(t *testing.T) {
	ts := newTestServer(t, nil, &fakeBackend{}, nil)

	resp := postChat(t, ts.URL, `{"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, readAll(t, resp))
	assert.Equal(t, StreamStatusComplete, resp.Trailer.Get(StreamStatusHeader))
}

func TestChat_CorruptPDFAddsNoContext(t *testing.T) {
	backend := &fakeBackend{chunks: []string{"done"}}
	ts := newTestServer(t, nil, backend, failingParser)

	resp := postChat(t, ts.URL, map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "Summarize"}},
		"files": []map[string]string{{
			"type": "application/pdf",
			"name": "broken.pdf",
			"data": base64.StdEncoding.EncodeToString([]byte("not a pdf")),
		}},
	})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	readAll(t, resp)
	got := backend.messages()
	require.Len(t, got, 2)
	assert.Equal(t, "Summarize", got[1].Content)
}

func TestChat_PDFAndImageAttachments(t *testing.T) {
	backend := &fakeBackend{chunks: []string{"ok"}}
	parser := extract.ParserFunc(func([]byte) (string, error) { return "x = 4", nil })
	ts := newTestServer(t, nil, backend, parser)

	resp := postChat(t, ts.URL, map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "Check"}},
		"files": []map[string]string{
			{"type": "application/pdf", "name": "hw.pdf", "data": base64.StdEncoding.EncodeToString([]byte("%PDF"))},
			{"type": "image/png", "name": "eq.png", "data": "iVBORw0KGgo="},
			{"type": "text/csv", "name": "data.csv", "data": "YSxi"},
		},
	})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	readAll(t, resp)
	got := backend.messages()
	require.Len(t, got, 2)
	assert.Equal(t, "Check\n\n[Context from PDF hw.pdf]:\nx = 4\n", got[1].Content)
	assert.Equal(t, []string{"iVBORw0KGgo="}, got[1].Images)
}

func TestChat_TruncatedStream(t *testing.T) {
	backend := &fakeBackend{
		chunks: []string{"The ans"},
		err:    ollama.ErrStreamTruncated,
	}
	ts := newTestServer(t, nil, backend, nil)

	resp := postChat(t, ts.URL, `{"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "The ans", readAll(t, resp))
	assert.Equal(t, StreamStatusTruncated, resp.Trailer.Get(StreamStatusHeader))
}

func TestChat_RejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"messages":`},
		{"no messages", `{"messages":[]}`},
		{"missing messages", `{}`},
		{"system role", `{"messages":[{"role":"system","content":"x"}]}`},
		{"unknown role", `{"messages":[{"role":"tool","content":"x"}]}`},
		{"file without type", `{"messages":[{"role":"user","content":"x"}],"files":[{"name":"a","data":""}]}`},
	}

	backend := &fakeBackend{chunks: []string{"never"}}
	ts := newTestServer(t, nil, backend, nil)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postChat(t, ts.URL, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Nil(t, backend.messages(), "backend must not be called")
}

func TestChat_BodyTooLarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 0
	cfg.MaxBodyBytes = 64
	ts := newTestServer(t, cfg, &fakeBackend{}, nil)

	body := `{"messages":[{"role":"user","content":"` + strings.Repeat("x", 200) + `"}]}`
	resp := postChat(t, ts.URL, body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestChat_BackendFailureBeforeStream(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not running", &ollama.ClientError{Type: ollama.ErrTypeNotRunning, Message: "down"}, http.StatusBadGateway},
		{"model missing", &ollama.ClientError{Type: ollama.ErrTypeModelNotFound, Message: "no model", StatusCode: 404}, http.StatusBadGateway},
		{"timeout", ollama.ErrTimeout, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil, &fakeBackend{err: tt.err}, nil)

			resp := postChat(t, ts.URL, `{"messages":[{"role":"user","content":"hi"}]}`)

			assert.Equal(t, tt.want, resp.StatusCode)
			readAll(t, resp)
			assert.Empty(t, resp.Trailer.Get(StreamStatusHeader))
		})
	}
}

func TestChat_AgainstOllamaClient(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollama.ChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.True(t, req.Stream)
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, `{"message":{"role":"assistant","content":"The ans"},"done":false}`+"\n")
		io.WriteString(w, `{"message":{"role":"assistant","content":"wer is $x"},"done":false}`+"\n")
		io.WriteString(w, `{"message":{"role":"assistant","content":"^2$."},"done":false}`+"\n")
		io.WriteString(w, `{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`+"\n")
	}))
	defer upstream.Close()

	client := ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: upstream.URL, DefaultModel: "test-model"})
	cfg := DefaultConfig()
	cfg.RateLimit = 0
	cfg.Model = "test-model"
	ts := newTestServer(t, cfg, client, nil)

	resp := postChat(t, ts.URL, `{"messages":[{"role":"user","content":"What is $x^2$?"}]}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "The answer is $x^2$.", readAll(t, resp))
	assert.Equal(t, StreamStatusComplete, resp.Trailer.Get(StreamStatusHeader))
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestAuth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 0
	cfg.AuthToken = "s3cret"
	ts := newTestServer(t, cfg, &fakeBackend{chunks: []string{"ok"}}, nil)

	send := func(token string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/chat",
			strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, send("").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, send("wrong").StatusCode)
	assert.Equal(t, http.StatusOK, send("s3cret").StatusCode)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health is exempt")
}

func TestValidateBearerToken(t *testing.T) {
	assert.True(t, ValidateBearerToken("abc", "abc"))
	assert.False(t, ValidateBearerToken("abc", "abd"))
	assert.False(t, ValidateBearerToken("", ""))
	assert.False(t, ValidateBearerToken("abc", ""))
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil, &fakeBackend{}, nil)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), StreamStatusHeader)

	req.Header.Set("Origin", "http://evil.example")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	ts := newTestServer(t, cfg, &fakeBackend{}, nil)

	first, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	first.Body.Close()
	second, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	second.Body.Close()

	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}

func TestRateLimiter_Evict(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Stop()

	rl.Allow("10.0.0.1")
	require.Equal(t, 1, rl.Len())
	rl.evict(rl.visitors["10.0.0.1"].lastSeen.Add(rl.idle + 1))
	assert.Equal(t, 0, rl.Len())
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestProxyList_ClientIP(t *testing.T) {
	pl := NewProxyList(DefaultTrustedProxies(), zaptest.NewLogger(t))

	tests := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{"direct", "203.0.113.9:5000", "", "", "203.0.113.9"},
		{"untrusted ignores header", "203.0.113.9:5000", "1.2.3.4", "", "203.0.113.9"},
		{"trusted uses first xff", "127.0.0.1:5000", "1.2.3.4, 10.0.0.2", "", "1.2.3.4"},
		{"trusted invalid xff falls to real ip", "10.1.1.1:80", "junk", "5.6.7.8", "5.6.7.8"},
		{"trusted no headers", "192.168.1.5:80", "", "", "192.168.1.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			assert.Equal(t, tt.want, pl.ClientIP(r))
		})
	}
}

// =============================================================================
// HEALTH / STATS
// =============================================================================

func TestHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		ts := newTestServer(t, nil, &fakeBackend{}, nil)
		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()

		var h HealthResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
		assert.Equal(t, "ok", h.Status)
		assert.Equal(t, ollama.DefaultModel, h.Model)
	})

	t.Run("degraded", func(t *testing.T) {
		ts := newTestServer(t, nil, &fakeBackend{checkErr: ollama.ErrNotRunning}, nil)
		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()

		var h HealthResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
		assert.Equal(t, "degraded", h.Status)
		assert.Equal(t, "unavailable", h.Backend)
	})
}

func TestStatsCounters(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := DefaultConfig()
	cfg.RateLimit = 0
	s := New(cfg, &fakeBackend{chunks: []string{"a"}}, nil, logger)
	h := s.Handler()

	for _, body := range []string{
		`{"messages":[{"role":"user","content":"hi"}]}`,
		`{"messages":[]}`,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body)))
	}

	st := s.Stats()
	assert.Equal(t, int64(2), st.Requests)
	assert.Equal(t, int64(1), st.Completed)
	assert.Equal(t, int64(1), st.Rejected)
}
