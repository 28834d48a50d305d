// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/mathsolver/internal/model"
)

func relay(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return New(&Config{BaseURL: ts.URL + "/", Token: "tok"})
}

func TestChat_CompleteStream(t *testing.T) {
	c := relay(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req model.ChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Messages, 1)
		assert.Len(t, req.Files, 1)

		w.Header().Set("Trailer", streamStatusHeader)
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "The ans")
		w.(http.Flusher).Flush()
		io.WriteString(w, "wer")
		w.Header().Set(streamStatusHeader, StatusComplete)
	})

	reply, err := c.Chat(context.Background(), model.ChatRequest{
		Messages: []model.Message{model.NewUserMessage("hi")},
		Files:    []model.Attachment{{Type: "image/png", Name: "a.png", Data: "AA=="}},
	})
	require.NoError(t, err)
	defer reply.Close()

	assert.Equal(t, StatusUnknown, reply.Status())
	body, err := io.ReadAll(reply)
	require.NoError(t, err)
	assert.Equal(t, "The answer", string(body))
	assert.Equal(t, StatusComplete, reply.Status())
}

func TestChat_Truncated(t *testing.T) {
	c := relay(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Trailer", streamStatusHeader)
		io.WriteString(w, "partial")
		w.Header().Set(streamStatusHeader, StatusTruncated)
	})

	reply, err := c.Chat(context.Background(), model.ChatRequest{Messages: []model.Message{model.NewUserMessage("hi")}})
	require.NoError(t, err)
	defer reply.Close()

	_, err = io.ReadAll(reply)
	require.NoError(t, err)
	assert.Equal(t, StatusTruncated, reply.Status())
}

func TestChat_NoTrailer(t *testing.T) {
	c := relay(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "plain")
	})

	reply, err := c.Chat(context.Background(), model.ChatRequest{Messages: []model.Message{model.NewUserMessage("hi")}})
	require.NoError(t, err)
	defer reply.Close()

	_, err = io.ReadAll(reply)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, reply.Status())
}

func TestChat_StatusError(t *testing.T) {
	c := relay(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Inference backend error", http.StatusBadGateway)
	})

	_, err := c.Chat(context.Background(), model.ChatRequest{Messages: []model.Message{model.NewUserMessage("hi")}})

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "Inference backend error", se.Body)
	assert.True(t, IsStatus(err, http.StatusBadGateway))
	assert.False(t, IsStatus(err, http.StatusBadRequest))
}

func TestChat_ContextCanceled(t *testing.T) {
	c := relay(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Chat(ctx, model.ChatRequest{Messages: []model.Message{model.NewUserMessage("hi")}})

	require.ErrorIs(t, err, context.Canceled)
}

func TestHealth(t *testing.T) {
	c := relay(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"degraded","backend":"unavailable","model":"llava","version":"1.2.0"}`)
	})

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "llava", h.Model)
}

func TestHealth_StatusError(t *testing.T) {
	c := relay(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})

	_, err := c.Health(context.Background())
	assert.True(t, IsStatus(err, http.StatusUnauthorized))
}
