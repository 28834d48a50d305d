// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/mathsolver/internal/model"
)

// Stream status values reported by Reply.Status.
const (
	StatusComplete  = "complete"
	StatusTruncated = "truncated"
	// StatusUnknown means the relay sent no status trailer, or the body has
	// not been read to the end yet.
	StatusUnknown = "unknown"
)

const streamStatusHeader = "X-Stream-Status"

// DefaultRelayURL is used when Config.BaseURL is empty.
const DefaultRelayURL = "http://127.0.0.1:8080"

// StatusError is returned when the relay answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("relay returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Config holds relay client settings.
type Config struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// ConnectTimeout bounds dialing and waiting for response headers.
	// The streamed body itself is bounded only by the context.
	ConnectTimeout time.Duration
}

// Client posts chat requests to the relay.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a relay client. A nil config uses DefaultRelayURL.
func New(config *Config) *Client {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultRelayURL
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.ConnectTimeout

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Transport: transport},
	}
}

// BaseURL returns the relay address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Chat sends req and returns the streaming reply. The caller must close it.
func (c *Client) Chat(ctx context.Context, req model.ChatRequest) (*Reply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/plain")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("relay request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return &Reply{resp: resp}, nil
}

// Reply is a streamed assistant reply.
type Reply struct {
	resp *http.Response
	eof  bool
}

// Read reads raw reply bytes. Chunk boundaries may split UTF-8 sequences.
func (r *Reply) Read(p []byte) (int, error) {
	n, err := r.resp.Body.Read(p)
	if errors.Is(err, io.EOF) {
		r.eof = true
	}
	return n, err
}

// Close releases the connection.
func (r *Reply) Close() error {
	return r.resp.Body.Close()
}

// Status reports how the stream ended. It is only meaningful once Read has
// returned io.EOF.
func (r *Reply) Status() string {
	if !r.eof {
		return StatusUnknown
	}
	switch st := r.resp.Trailer.Get(streamStatusHeader); st {
	case StatusComplete, StatusTruncated:
		return st
	default:
		return StatusUnknown
	}
}

// Health is the relay's GET /health body.
type Health struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
	Model   string `json:"model"`
	Version string `json:"version"`
}

// Health queries the relay's health endpoint.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create health request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &h, nil
}
