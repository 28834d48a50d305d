// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/mathsolver/internal/attachment"
	"github.com/jeranaias/mathsolver/internal/client"
	"github.com/jeranaias/mathsolver/internal/model"
	"github.com/jeranaias/mathsolver/internal/storage"
	"github.com/jeranaias/mathsolver/internal/stream"
)

// Apology replaces the assistant message of a failed exchange.
const Apology = "Sorry, something went wrong."

var (
	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTruncated is reported when the relay signals an incomplete reply.
	ErrTruncated = errors.New("reply stream truncated")

	// ErrPersist wraps store failures passed to Callbacks.OnError.
	ErrPersist = errors.New("save sessions")
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Reply is a streamed assistant reply.
type Reply interface {
	io.ReadCloser
	// Status is "complete", "truncated" or "unknown" once the body is drained.
	Status() string
}

// Relay submits a transcript and returns the streamed reply.
type Relay interface {
	Chat(ctx context.Context, req model.ChatRequest) (Reply, error)
}

// ClientRelay adapts a relay HTTP client.
func ClientRelay(c *client.Client) Relay {
	return clientRelay{c}
}

type clientRelay struct{ c *client.Client }

func (r clientRelay) Chat(ctx context.Context, req model.ChatRequest) (Reply, error) {
	reply, err := r.c.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// Identity is the signed-in user.
type Identity struct {
	User string
}

// Authenticator reports the current identity, if any.
type Authenticator interface {
	Identity() (Identity, bool)
}

// StaticAuth is signed in as the named user; the empty string is signed out.
type StaticAuth string

// Identity implements Authenticator.
func (s StaticAuth) Identity() (Identity, bool) {
	return Identity{User: string(s)}, s != ""
}

// Callbacks are invoked without the manager lock held. Any may be nil.
type Callbacks struct {
	// OnChange fires after any visible state change.
	OnChange func()
	// OnFragment fires for each decoded piece of reply text.
	OnFragment func(sessionID, fragment string)
	// OnAuthRequired fires when Send is called while signed out.
	OnAuthRequired func()
	// OnError reports failed exchanges and persistence failures. The latter
	// match ErrPersist.
	OnError func(sessionID string, err error)
}

// =============================================================================
// MANAGER
// =============================================================================

// Config wires a Manager.
type Config struct {
	Store   storage.Store
	Relay   Relay
	Encoder *attachment.Encoder
	Auth    Authenticator
	Logger  *zap.Logger

	Callbacks Callbacks

	// Now defaults to time.Now.
	Now func() time.Time
}

// exchange is the cancellation token of one in-flight request. gen pins it
// to the list it indexes into; Load starts a new generation.
type exchange struct {
	cancel context.CancelFunc
	gen    uint64
}

// Manager owns the session list and the active session.
type Manager struct {
	mu       sync.Mutex
	sessions []model.ChatSession
	activeID string
	inflight map[string]*exchange
	gen      uint64

	// saveMu orders snapshots and writes so the newest state is written last.
	saveMu sync.Mutex

	store   storage.Store
	relay   Relay
	encoder *attachment.Encoder
	auth    Authenticator
	logger  *zap.Logger
	cb      Callbacks
	now     func() time.Time
}

// NewManager creates a manager with no sessions. Call Load to read the store.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		inflight: make(map[string]*exchange),
		store:    cfg.Store,
		relay:    cfg.Relay,
		encoder:  cfg.Encoder,
		auth:     cfg.Auth,
		logger:   cfg.Logger,
		cb:       cfg.Callbacks,
		now:      cfg.Now,
	}
	if m.encoder == nil {
		m.encoder = attachment.NewEncoder(nil)
	}
	if m.auth == nil {
		m.auth = StaticAuth("")
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Load replaces the in-memory list with the stored one and activates the
// most recent session. Running exchanges are canceled.
func (m *Manager) Load(ctx context.Context) error {
	var sessions []model.ChatSession
	if m.store != nil {
		var err error
		sessions, err = storage.LoadSessions(ctx, m.store)
		if err != nil {
			return fmt.Errorf("load sessions: %w", err)
		}
	}
	model.SortByRecent(sessions)

	m.mu.Lock()
	for id, ex := range m.inflight {
		ex.cancel()
		delete(m.inflight, id)
	}
	m.gen++
	m.sessions = sessions
	m.activeID = ""
	if len(sessions) > 0 {
		m.activeID = sessions[0].ID
	}
	m.mu.Unlock()

	m.logger.Debug("sessions loaded", zap.Int("count", len(sessions)))
	m.changed()
	return nil
}

// Sessions returns copies of all sessions, newest first.
func (m *Manager) Sessions() []model.ChatSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.ChatSession, len(m.sessions))
	for i, s := range m.sessions {
		out[i] = s.Clone()
	}
	model.SortByRecent(out)
	return out
}

// Active returns a copy of the active session. It is false when no session
// has been created or the last one was deleted.
func (m *Manager) Active() (model.ChatSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i := m.indexLocked(m.activeID); i >= 0 {
		return m.sessions[i].Clone(), true
	}
	return model.ChatSession{}, false
}

// Streaming reports whether sessionID has an exchange in flight.
func (m *Manager) Streaming(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[sessionID]
	return ok
}

// NewChat puts an empty session seeded with the default title and preview at
// the front of the list, activates it and persists. Its title is replaced by
// the first message sent on it.
func (m *Manager) NewChat(ctx context.Context) (model.ChatSession, error) {
	m.mu.Lock()
	m.cancelLocked(m.activeID)
	sess := model.NewSession(m.now())
	m.sessions = append([]model.ChatSession{sess}, m.sessions...)
	m.activeID = sess.ID
	m.mu.Unlock()

	m.changed()
	return sess.Clone(), m.persist(ctx, sess.ID)
}

// Select activates sessionID. Leaving a session cancels its exchange.
func (m *Manager) Select(sessionID string) error {
	m.mu.Lock()
	if m.indexLocked(sessionID) < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if m.activeID != sessionID {
		m.cancelLocked(m.activeID)
		m.activeID = sessionID
	}
	m.mu.Unlock()
	m.changed()
	return nil
}

// Delete removes sessionID and persists the list. If it was active, the most
// recent remaining session becomes active, or none.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	i := m.indexLocked(sessionID)
	if i < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	m.cancelLocked(sessionID)
	m.sessions = append(m.sessions[:i], m.sessions[i+1:]...)

	if m.activeID == sessionID {
		m.activeID = ""
		var newest time.Time
		for _, s := range m.sessions {
			if m.activeID == "" || s.UpdatedAt.After(newest) {
				m.activeID, newest = s.ID, s.UpdatedAt
			}
		}
	}
	m.mu.Unlock()

	m.changed()
	return m.persist(ctx, sessionID)
}

// Cancel aborts the active session's exchange. It reports whether one was
// running.
func (m *Manager) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelLocked(m.activeID)
}

// =============================================================================
// SEND
// =============================================================================

// Send submits text and attachments on the active session, creating one if
// none is active, and blocks until the reply finishes or fails. It returns
// false only when nothing was submitted: the user is signed out, or there is
// neither text nor attachments.
func (m *Manager) Send(ctx context.Context, text string, blobs []attachment.Blob) bool {
	if _, ok := m.auth.Identity(); !ok {
		m.logger.Info("send refused: not signed in")
		if m.cb.OnAuthRequired != nil {
			m.cb.OnAuthRequired()
		}
		return false
	}
	if strings.TrimSpace(text) == "" && len(blobs) == 0 {
		return false
	}

	// Optimistic user turn.
	now := m.now()
	m.mu.Lock()
	i := m.indexLocked(m.activeID)
	if i < 0 {
		sess := model.NewSession(now)
		sess.Title = model.DeriveTitle(text)
		sess.Preview = model.DerivePreview(text)
		m.sessions = append([]model.ChatSession{sess}, m.sessions...)
		m.activeID = sess.ID
		i = 0
	} else {
		if len(m.sessions[i].Messages) == 0 {
			m.sessions[i].Title = model.DeriveTitle(text)
		}
		m.sessions[i].Preview = model.DerivePreview(text)
	}
	sess := &m.sessions[i]
	sess.Messages = append(sess.Messages, model.NewUserMessage(text))
	sess.UpdatedAt = now
	sessionID := sess.ID
	userIdx := len(sess.Messages) - 1
	m.mu.Unlock()

	m.changed()
	_ = m.persist(ctx, sessionID)

	// Replace any stale exchange and add the placeholder.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	ex := &exchange{cancel: cancel, gen: m.gen}
	m.cancelLocked(sessionID)
	m.inflight[sessionID] = ex
	i = m.indexLocked(sessionID)
	if i < 0 {
		// Deleted between the two critical sections.
		delete(m.inflight, sessionID)
		m.mu.Unlock()
		return true
	}
	m.sessions[i].Messages = append(m.sessions[i].Messages, model.NewAssistantMessage(""))
	replyIdx := len(m.sessions[i].Messages) - 1
	m.mu.Unlock()
	m.changed()

	log := m.logger.With(zap.String("session", sessionID))
	start := time.Now()

	content, err := m.run(ctx, ex, sessionID, userIdx, replyIdx, blobs)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %v", context.Canceled, err)
		}
		log.Warn("exchange failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		m.finish(ctx, sessionID, replyIdx, ex, Apology)
		if m.cb.OnError != nil {
			m.cb.OnError(sessionID, err)
		}
		return true
	}

	log.Debug("exchange complete",
		zap.Int("bytes", len(content)),
		zap.Duration("duration", time.Since(start)))
	m.finish(ctx, sessionID, replyIdx, ex, content)
	return true
}

// run performs the network part of Send and returns the full reply text.
func (m *Manager) run(ctx context.Context, ex *exchange, sessionID string, userIdx, replyIdx int, blobs []attachment.Blob) (string, error) {
	files, err := m.encoder.EncodeAll(ctx, blobs)
	if err != nil {
		return "", err
	}
	var images []string
	for _, f := range files {
		if f.IsImage() {
			images = append(images, f.Data)
		}
	}

	m.mu.Lock()
	i := m.indexLocked(sessionID)
	if i < 0 || ex.gen != m.gen {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	msgs := m.sessions[i].Messages
	msgs[userIdx].Images = images
	transcript := model.CloneMessages(msgs[:replyIdx])
	m.mu.Unlock()

	// This turn's images travel as files.
	transcript[userIdx].Images = nil
	if m.relay == nil {
		return "", errors.New("no relay configured")
	}

	reply, err := m.relay.Chat(ctx, model.ChatRequest{Messages: transcript, Files: files})
	if err != nil {
		return "", err
	}
	defer reply.Close()

	acc := stream.NewAccumulator()
	err = stream.Consume(ctx, reply, func(fragment string) {
		acc.Add(fragment)
		m.checkpoint(ex, sessionID, replyIdx, acc.String())
		if m.cb.OnFragment != nil {
			m.cb.OnFragment(sessionID, fragment)
		}
		m.changed()
	})
	if err != nil {
		return "", err
	}
	if reply.Status() == client.StatusTruncated {
		return "", ErrTruncated
	}
	return acc.String(), nil
}

// checkpoint writes the reply so far into the in-flight message.
func (m *Manager) checkpoint(ex *exchange, sessionID string, replyIdx int, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ex.gen != m.gen {
		return
	}
	if i := m.indexLocked(sessionID); i >= 0 && replyIdx < len(m.sessions[i].Messages) {
		m.sessions[i].Messages[replyIdx].Content = content
	}
}

// finish writes the final reply content, releases the exchange and persists.
func (m *Manager) finish(ctx context.Context, sessionID string, replyIdx int, ex *exchange, content string) {
	m.mu.Lock()
	i := -1
	if ex.gen == m.gen {
		i = m.indexLocked(sessionID)
	}
	if i >= 0 && replyIdx < len(m.sessions[i].Messages) {
		m.sessions[i].Messages[replyIdx].Content = content
		m.sessions[i].UpdatedAt = m.now()
	}
	if m.inflight[sessionID] == ex {
		delete(m.inflight, sessionID)
	}
	m.mu.Unlock()

	if i < 0 {
		return
	}
	m.changed()
	// The exchange context may already be canceled; the write must still land.
	_ = m.persist(context.WithoutCancel(ctx), sessionID)
}

// =============================================================================
// HELPERS
// =============================================================================

func (m *Manager) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range m.sessions {
		if m.sessions[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *Manager) cancelLocked(sessionID string) bool {
	ex, ok := m.inflight[sessionID]
	if !ok {
		return false
	}
	ex.cancel()
	delete(m.inflight, sessionID)
	return true
}

func (m *Manager) changed() {
	if m.cb.OnChange != nil {
		m.cb.OnChange()
	}
}

// persist writes the full list. Failures are logged and reported, never fatal.
func (m *Manager) persist(ctx context.Context, sessionID string) error {
	if m.store == nil {
		return nil
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.Lock()
	snapshot := make([]model.ChatSession, len(m.sessions))
	copy(snapshot, m.sessions)
	data, err := storage.EncodeSessions(snapshot)
	m.mu.Unlock()

	if err == nil {
		err = m.store.Put(ctx, storage.SessionsKey, data)
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrPersist, err)
		m.logger.Error("persist failed", zap.Error(err))
		if m.cb.OnError != nil {
			m.cb.OnError(sessionID, err)
		}
	}
	return err
}
