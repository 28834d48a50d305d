// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/mathsolver/internal/util"
)

// Seed values for sessions and the derivation limits applied on send.
const (
	DefaultTitle    = "New Calculation"
	DefaultPreview  = "Start asking..."
	FallbackTitle   = "New Chat"
	TitleMaxRunes   = 30
	PreviewMaxRunes = 50
)

// ChatSession is one conversation in the client's list.
type ChatSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Preview   string    `json:"preview"`
	Messages  []Message `json:"messages"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewSession returns an empty session seeded with the default title and
// preview.
func NewSession(now time.Time) ChatSession {
	return ChatSession{
		ID:        uuid.NewString(),
		Title:     DefaultTitle,
		Preview:   DefaultPreview,
		Messages:  []Message{},
		UpdatedAt: now,
	}
}

// DeriveTitle computes a session title from the first message text.
func DeriveTitle(text string) string {
	if text == "" {
		return FallbackTitle
	}
	return util.PrefixRunes(text, TitleMaxRunes)
}

// DerivePreview computes a session preview from the latest user text.
func DerivePreview(text string) string {
	return util.PrefixRunes(text, PreviewMaxRunes)
}

// Clone returns a deep copy of the session.
func (s ChatSession) Clone() ChatSession {
	s.Messages = CloneMessages(s.Messages)
	return s
}

// LastMessage returns the final message and whether one exists.
func (s *ChatSession) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// SortByRecent orders sessions newest first. Ties keep their relative order.
func SortByRecent(sessions []ChatSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
}
