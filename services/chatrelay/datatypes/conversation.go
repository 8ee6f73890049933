// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the data model for the chatrelay service.
//
// This file contains the persisted entities: conversations, messages with
// their typed content parts, and stream ledger entries. Request/response
// types live in chat.go, the error taxonomy in errors.go.
package datatypes

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Roles
// =============================================================================

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks a message authored by the conversation owner.
	RoleUser Role = "user"

	// RoleAssistant marks a message produced by the completion backend.
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one this layer persists.
// System-authored messages are never stored.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// =============================================================================
// Message Parts
// =============================================================================

// PartType discriminates the tagged union of message content fragments.
type PartType string

const (
	// PartText is a plain text fragment.
	PartText PartType = "text"

	// PartReasoning is a model reasoning fragment (extended thinking).
	PartReasoning PartType = "reasoning"

	// PartAttachmentRef references an uploaded file by URL.
	PartAttachmentRef PartType = "attachment"
)

// Part is one typed fragment of a message's content.
//
// # Description
//
// Part is a tagged union: exactly the field matching Type is populated.
// Render and persist boundaries must switch on Type exhaustively rather
// than probing fields. Validate enforces the tag/field pairing.
//
// # Fields
//
//   - Type: Discriminator. One of PartText, PartReasoning, PartAttachmentRef.
//   - Text: Populated when Type == PartText.
//   - Reasoning: Populated when Type == PartReasoning.
//   - Attachment: Populated when Type == PartAttachmentRef.
type Part struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	Reasoning  string      `json:"reasoning,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Validate checks the tag/field pairing of the union.
//
// # Outputs
//
//   - error: Non-nil if the populated fields do not match Type.
func (p Part) Validate() error {
	switch p.Type {
	case PartText:
		if p.Text == "" || p.Reasoning != "" || p.Attachment != nil {
			return fmt.Errorf("text part must carry only text")
		}
	case PartReasoning:
		if p.Reasoning == "" || p.Text != "" || p.Attachment != nil {
			return fmt.Errorf("reasoning part must carry only reasoning")
		}
	case PartAttachmentRef:
		if p.Attachment == nil || p.Text != "" || p.Reasoning != "" {
			return fmt.Errorf("attachment part must carry only an attachment reference")
		}
	default:
		return fmt.Errorf("unknown part type %q", p.Type)
	}
	return nil
}

// TextPart is a convenience constructor for a plain text fragment.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// Attachment is an external file reference carried by a message.
type Attachment struct {
	URL         string `json:"url" validate:"required,url"`
	Name        string `json:"name" validate:"required,max=2000"`
	ContentType string `json:"content_type" validate:"required,oneof=image/png image/jpg image/jpeg"`
}

// =============================================================================
// Persisted Entities
// =============================================================================

// Conversation is a persisted thread of messages owned by one user.
//
// # Fields
//
//   - ID: Opaque identifier, stable for the conversation's lifetime.
//     May be client-generated (first send) or server-generated.
//   - OwnerID: Identifier of the authenticated owner. Immutable.
//   - Title: Short label derived from the first message. Empty until the
//     title generator has run; stays empty if generation fails.
//   - CreatedAt: Creation time.
//   - UpdatedAt: Bumped on each appended message.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one turn of a conversation.
//
// Messages are immutable once persisted: edits append a replacement and
// truncate trailing messages by createdAt cutoff, they never mutate rows.
//
// # Fields
//
//   - ID: Unique identifier. User message ids are client-generated,
//     assistant ids are server-assigned.
//   - ConversationID: Owning conversation.
//   - Role: RoleUser or RoleAssistant.
//   - Parts: Ordered typed content fragments.
//   - Attachments: Optional external file references.
//   - CreatedAt: Append time. Orders messages within a conversation and
//     serves as the truncation cutoff on edit/regenerate.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Role           Role         `json:"role"`
	Parts          []Part       `json:"parts"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Text reconstructs the simple string view of the message by
// concatenating its text parts in order. Reasoning and attachment
// parts are skipped.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// StreamLedgerEntry records that a completion stream was opened for a
// conversation. Entries are append-only pointers, never updated; the most
// recent entry for a conversation is authoritative for resume.
type StreamLedgerEntry struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}
