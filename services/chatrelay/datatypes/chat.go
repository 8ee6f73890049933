// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the chatrelay service.
//
// This file contains request bodies and stream event types for the
// conversation endpoints. Persisted entities live in conversation.go.
package datatypes

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Validation Constants
// =============================================================================

const (
	// MaxMessageTextChars is the maximum length of a single text part.
	// Matches the client-side schema; longer payloads are rejected before
	// any persistence or streaming happens.
	MaxMessageTextChars = 2000

	// MaxPartsPerMessage bounds the number of content fragments accepted
	// in one message.
	MaxPartsPerMessage = 20

	// MaxAttachmentsPerMessage bounds the attachment list on one message.
	MaxAttachmentsPerMessage = 8
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	_ = chatValidate.RegisterValidation("textchars", validateTextChars)
}

// validateTextChars enforces the 1..MaxMessageTextChars bound on text parts.
func validateTextChars(fl validator.FieldLevel) bool {
	text := fl.Field().String()
	return len(text) >= 1 && len(text) <= MaxMessageTextChars
}

// =============================================================================
// Send Message Request
// =============================================================================

// IncomingMessage is the user message carried by a send request.
//
// # Description
//
// Only user-role messages are accepted over the wire; assistant messages
// are produced server-side by the stream orchestrator. The message id is
// client-generated and used for idempotent appends: a duplicate submission
// with an already-persisted id is a no-op.
//
// # Validation
//
//   - ID: required
//   - Role: must be "user"
//   - Parts: 1..MaxPartsPerMessage entries, tag/field pairing checked,
//     text parts limited to MaxMessageTextChars characters
//   - Attachments: at most MaxAttachmentsPerMessage, url/name/content type
//     checked per field tags
type IncomingMessage struct {
	ID          string       `json:"id" validate:"required,max=64"`
	Role        Role         `json:"role" validate:"required,oneof=user"`
	Parts       []Part       `json:"parts" validate:"required,min=1,max=20"`
	Attachments []Attachment `json:"attachments,omitempty" validate:"max=8,dive"`
}

// SendMessageRequest is the body of POST /v1/conversations/:id/messages.
//
// # Fields
//
//   - Message: Required. The new user message.
//   - Model: Required. Completion model identifier (e.g. "gpt-4o").
//   - Provider: Required. Completion provider key. Membership in the set
//     of configured providers is checked by the handler, since the set is
//     deployment configuration rather than schema.
//   - TruncateFrom: Optional. Id of an existing message in the
//     conversation; all messages from that message's createdAt onward are
//     deleted before the new message is appended. This is how edits and
//     regenerations re-enter the send path: the client truncates at the
//     message being replaced and submits the replacement.
type SendMessageRequest struct {
	Message      IncomingMessage `json:"message" validate:"required"`
	Model        string          `json:"model" validate:"required,max=128"`
	Provider     string          `json:"provider" validate:"required,max=64"`
	TruncateFrom string          `json:"truncate_from,omitempty" validate:"omitempty,max=64"`
}

// Validate checks the request against the schema constraints above.
//
// # Outputs
//
//   - error: Non-nil with a caller-safe description on the first
//     violation found.
func (r *SendMessageRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid send request: %w", err)
	}
	for i, p := range r.Message.Parts {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("invalid part %d: %w", i, err)
		}
		if p.Type == PartText && len(p.Text) > MaxMessageTextChars {
			return fmt.Errorf("part %d: text exceeds %d characters", i, MaxMessageTextChars)
		}
	}
	if r.Message.Text() == "" {
		return fmt.Errorf("message must contain at least one text part")
	}
	return nil
}

// Text returns the concatenated text view of the incoming message.
func (m *IncomingMessage) Text() string {
	msg := Message{Parts: m.Parts}
	return msg.Text()
}

// =============================================================================
// Stream Events
// =============================================================================

// StreamEvent is one SSE event emitted by the streaming endpoints.
//
// # Description
//
// Each event is assigned an id, a creation timestamp, a SHA-256 content
// hash and a link to the previous event's hash by the SSE writer, giving
// the client a verifiable chain of custody over streamed content.
//
// # Fields
//
//   - Id: UUID v4, assigned by the writer.
//   - Type: "status", "token", "thinking", "replay", "error" or "done".
//   - CreatedAt: Unix milliseconds, assigned by the writer.
//   - Hash, PrevHash: Integrity chain, assigned by the writer.
//   - Content: Token or thinking text for delta events.
//   - Message: Human-readable text for status events.
//   - Error: Sanitized message for error events.
//   - StreamID: Ledger entry id, set on done events so a client can
//     correlate reconnects.
//   - Replay: Full persisted assistant message, set on replay events.
type StreamEvent struct {
	Id        string   `json:"id"`
	Type      string   `json:"type"`
	CreatedAt int64    `json:"created_at"`
	Hash      string   `json:"hash"`
	PrevHash  string   `json:"prev_hash"`
	Content   string   `json:"content,omitempty"`
	Message   string   `json:"message,omitempty"`
	Error     string   `json:"error,omitempty"`
	StreamID  string   `json:"stream_id,omitempty"`
	Replay    *Message `json:"replay,omitempty"`
}

// =============================================================================
// List Responses
// =============================================================================

// ConversationPage is the response of GET /v1/conversations.
type ConversationPage struct {
	Chats   []Conversation `json:"chats"`
	HasMore bool           `json:"has_more"`
}
