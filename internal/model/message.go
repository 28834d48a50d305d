// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSystem is only ever produced by the relay toward the backend.
	RoleSystem Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Solver"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is a single transcript entry. Images holds base64 payloads that
// belong to this turn.
type Message struct {
	Role    Role     `json:"role" validate:"required,oneof=user assistant"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// NewUserMessage creates a user message.
func NewUserMessage(content string, images ...string) Message {
	m := Message{Role: RoleUser, Content: content}
	if len(images) > 0 {
		m.Images = append([]string(nil), images...)
	}
	return m
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	if m.Images != nil {
		m.Images = append([]string(nil), m.Images...)
	}
	return m
}

// CloneMessages deep-copies a transcript.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
