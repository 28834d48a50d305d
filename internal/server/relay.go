// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/mathsolver/internal/extract"
	"github.com/jeranaias/mathsolver/internal/model"
	"github.com/jeranaias/mathsolver/internal/ollama"
)

// SystemPrompt is prepended to every outbound transcript.
const SystemPrompt = "You are a helpful math solver AI. You help users solve mathematical problems. " +
	"IMPORTANT: Always use LaTeX for mathematical expressions. \n\n" +
	"RULES:\n" +
	"1. Wrap inline math in SINGLE $ signs (e.g., $x^2$). DO NOT use \\( ... \\).\n" +
	"2. Wrap block math in DOUBLE $$ signs (e.g., $$ \\int x dx $$). DO NOT use \\[ ... \\].\n" +
	"3. Use markdown for text formatting."

// Stream status trailer.
const (
	StreamStatusHeader    = "X-Stream-Status"
	StreamStatusComplete  = "complete"
	StreamStatusTruncated = "truncated"
)

// Image binding modes.
const (
	// BindBroadcast gives every user turn the uploaded images.
	BindBroadcast = "broadcast"
	// BindLatest gives only the final user turn the uploaded images.
	BindLatest = "latest"
)

// ============================================================================
// OUTBOUND ASSEMBLY
// ============================================================================

// BuildOutbound constructs the backend transcript: the system prompt followed
// by msgs, with the context block appended to the last message and uploaded
// images bound to user turns according to binding. msgs is not modified.
//
// A user turn keeps the images it already carries unless broadcast mode has
// uploads to give it, in which case the uploads replace them.
func BuildOutbound(msgs []model.Message, ctx extract.Context, binding string) []ollama.Message {
	out := make([]ollama.Message, 0, len(msgs)+1)
	out = append(out, ollama.NewSystemMessage(SystemPrompt))

	lastUser := -1
	for i, m := range msgs {
		if m.Role == model.RoleUser {
			lastUser = i
		}
	}

	for i, m := range msgs {
		om := ollama.Message{Role: string(m.Role), Content: m.Content}
		if i == len(msgs)-1 {
			om.Content += ctx.Block
		}

		if m.Role == model.RoleUser {
			switch {
			case binding == BindLatest && i == lastUser:
				om.Images = concatImages(m.Images, ctx.Images)
			case binding != BindLatest && len(ctx.Images) > 0:
				om.Images = concatImages(nil, ctx.Images)
			default:
				om.Images = concatImages(m.Images, nil)
			}
		}
		out = append(out, om)
	}
	return out
}

func concatImages(a, b []string) []string {
	if len(a)+len(b) == 0 {
		return nil
	}
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// ============================================================================
// CHAT HANDLER
// ============================================================================

// handleChat handles POST /chat.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.stats.requests.Add(1)
	log := s.logger.With(zap.String("client_ip", s.proxies.ClientIP(r)))

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)

	var req model.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.stats.rejected.Add(1)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		log.Info("chat request rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		s.stats.rejected.Add(1)
		log.Info("chat request rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	fileCtx := s.extractor.Assemble(req.Files)
	outbound := BuildOutbound(req.Messages, fileCtx, s.config.ImageBinding)

	log.Debug("chat request processed",
		zap.Int("messages", len(req.Messages)),
		zap.Int("files", len(req.Files)),
		zap.Int("images", len(fileCtx.Images)),
		zap.Int("context_bytes", len(fileCtx.Block)))

	sw := newStreamWriter(w)
	err := s.backend.ChatStream(r.Context(), s.config.Model, outbound, func(chunk ollama.StreamChunk) {
		sw.write(chunk.Content)
	})

	switch {
	case err == nil:
		sw.finish(StreamStatusComplete)
		s.stats.completed.Add(1)
		log.Info("chat completed",
			zap.Int("bytes", sw.written),
			zap.Duration("duration", time.Since(start)))
	case !sw.started:
		s.stats.failed.Add(1)
		status, msg := backendErrorStatus(err)
		log.Warn("chat failed before streaming", zap.Error(err), zap.Int("status", status))
		sw.abort(status, msg)
	default:
		sw.finish(StreamStatusTruncated)
		s.stats.truncated.Add(1)
		log.Warn("chat stream truncated",
			zap.Error(err),
			zap.Int("bytes", sw.written),
			zap.Duration("duration", time.Since(start)))
	}
}

// backendErrorStatus maps a pre-stream backend failure to a response.
func backendErrorStatus(err error) (int, string) {
	var ce *ollama.ClientError
	if errors.As(err, &ce) {
		switch ce.Type {
		case ollama.ErrTypeCanceled:
			// The caller is gone; the status is only for the access log.
			return 499, "Client Closed Request"
		case ollama.ErrTypeTimeout:
			return http.StatusGatewayTimeout, "Inference backend timed out"
		default:
			return http.StatusBadGateway, "Inference backend error"
		}
	}
	return http.StatusInternalServerError, "Internal Error"
}

// ============================================================================
// STREAM WRITER
// ============================================================================

// streamWriter defers the response header until the first text arrives so
// that a backend failure before that point can still become an error status.
type streamWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	broken  bool
	written int
}

func newStreamWriter(w http.ResponseWriter) *streamWriter {
	return &streamWriter{w: w, rc: http.NewResponseController(w)}
}

func (sw *streamWriter) begin() {
	if sw.started {
		return
	}
	sw.started = true
	h := sw.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Trailer", StreamStatusHeader)
	sw.w.WriteHeader(http.StatusOK)
}

func (sw *streamWriter) write(text string) {
	if text == "" || sw.broken {
		return
	}
	sw.begin()
	n, err := sw.w.Write([]byte(text))
	sw.written += n
	if err != nil {
		// Client went away; the request context cancels the backend call.
		sw.broken = true
		return
	}
	if err := sw.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		sw.broken = true
	}
}

// finish ends a stream, starting it first for replies with no text.
func (sw *streamWriter) finish(status string) {
	sw.begin()
	sw.w.Header().Set(StreamStatusHeader, status)
}

func (sw *streamWriter) abort(status int, msg string) {
	writeError(sw.w, status, msg)
}
