// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/AleutianAI/ChatRelay/services/chatrelay/datatypes"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/ttl"
)

// =============================================================================
// Interfaces
// =============================================================================

// ConversationStore is the persistence boundary for conversations and
// their messages.
//
// # Description
//
// All writes are scoped to one conversation; no cross-conversation
// locking is required. Message appends are atomic and idempotent per
// message id. Deleting a conversation cascades to its messages and
// stream ledger entries.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ConversationStore interface {
	// CreateConversation persists a new conversation.
	// Returns datatypes.ErrConflict if the id already exists.
	CreateConversation(ctx context.Context, conv datatypes.Conversation) error

	// GetConversation loads a conversation by id.
	// Returns datatypes.ErrNotFound if absent.
	GetConversation(ctx context.Context, id string) (*datatypes.Conversation, error)

	// SetConversationTitle updates the conversation's title.
	// Returns datatypes.ErrNotFound if absent.
	SetConversationTitle(ctx context.Context, id, title string) error

	// DeleteConversation removes a conversation, cascading to its
	// messages and ledger entries, and returns the deleted summary.
	// Returns datatypes.ErrNotFound if absent.
	DeleteConversation(ctx context.Context, id string) (*datatypes.Conversation, error)

	// AppendMessages atomically inserts the given messages. Messages
	// whose id is already persisted in the same conversation are
	// skipped (idempotent resubmission). A duplicate id in a different
	// conversation is a datatypes.ErrConflict. The owning conversations'
	// UpdatedAt stamps are bumped.
	AppendMessages(ctx context.Context, messages []datatypes.Message) error

	// ListMessages returns the conversation's messages ordered by
	// CreatedAt ascending.
	ListMessages(ctx context.Context, conversationID string) ([]datatypes.Message, error)

	// GetMessage loads a message by id, regardless of conversation.
	// Returns datatypes.ErrNotFound if absent.
	GetMessage(ctx context.Context, id string) (*datatypes.Message, error)

	// DeleteMessagesAfter removes all messages of the conversation with
	// CreatedAt >= cutoff. Used to discard trailing messages replaced by
	// an edit or regenerate.
	DeleteMessagesAfter(ctx context.Context, conversationID string, cutoff time.Time) error

	// ListConversationsByOwner returns one page of the owner's
	// conversations ordered by CreatedAt descending. Exactly one of
	// startingAfter/endingBefore may be set; supplying both returns
	// ErrBothCursors. HasMore reports whether rows beyond the page
	// exist in the scan direction.
	ListConversationsByOwner(ctx context.Context, ownerID string, limit int,
		startingAfter, endingBefore string) (*datatypes.ConversationPage, error)
}

// StreamLedger records stream attempts so a reconnecting client can find
// the most recent one without sticky session affinity.
type StreamLedger interface {
	// RecordStreamStart appends a ledger entry for the conversation and
	// returns its id. Entries are never updated.
	RecordStreamStart(ctx context.Context, conversationID string) (string, error)

	// ListStreamIDs returns the conversation's ledger entry ids ordered
	// by creation ascending. The last element is authoritative for resume.
	ListStreamIDs(ctx context.Context, conversationID string) ([]string, error)

	// PruneStreamsBefore deletes ledger entries created before the cutoff
	// across all conversations and returns the number removed.
	PruneStreamsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ErrBothCursors is returned when a pagination request supplies both a
// starting_after and an ending_before cursor.
var ErrBothCursors = errors.New("only one of starting_after or ending_before can be provided")

// =============================================================================
// Key Layout
// =============================================================================
//
//	chat/<chatID>                        -> Conversation JSON
//	chatowner/<ownerID>/<invTS>/<chatID> -> (empty; owner index, newest first)
//	msg/<chatID>/<ts>/<msgID>            -> Message JSON
//	msgref/<msgID>                       -> msgRef JSON (global id index)
//	stream/<chatID>/<ts>/<streamID>      -> StreamLedgerEntry JSON
//
// Timestamps are zero-padded UnixNano so lexicographic key order equals
// chronological order; the owner index inverts them so an ascending scan
// yields newest-first.

const (
	prefixChat      = "chat/"
	prefixChatOwner = "chatowner/"
	prefixMsg       = "msg/"
	prefixMsgRef    = "msgref/"
	prefixStream    = "stream/"
)

// msgRef is the value of the global message id index. It locates the
// message record and backs the idempotency probe on append.
type msgRef struct {
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

func tsSegment(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

func invTsSegment(t time.Time) string {
	return fmt.Sprintf("%020d", math.MaxInt64-t.UnixNano())
}

func parseTsSegment(seg string) (time.Time, error) {
	nanos, err := strconv.ParseInt(seg, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp segment %q: %w", seg, err)
	}
	return time.Unix(0, nanos), nil
}

func chatKey(id string) []byte {
	return []byte(prefixChat + id)
}

func ownerIndexKey(ownerID string, createdAt time.Time, chatID string) []byte {
	return []byte(prefixChatOwner + ownerID + "/" + invTsSegment(createdAt) + "/" + chatID)
}

func msgKey(chatID string, createdAt time.Time, msgID string) []byte {
	return []byte(prefixMsg + chatID + "/" + tsSegment(createdAt) + "/" + msgID)
}

func msgRefKey(msgID string) []byte {
	return []byte(prefixMsgRef + msgID)
}

func streamKey(chatID string, createdAt time.Time, streamID string) []byte {
	return []byte(prefixStream + chatID + "/" + tsSegment(createdAt) + "/" + streamID)
}

// =============================================================================
// Store
// =============================================================================

// Store implements ConversationStore and StreamLedger on BadgerDB.
type Store struct {
	db    *DB
	clock ttl.Clock
}

// New creates a Store over an opened database using the system clock.
func New(db *DB) *Store {
	return NewWithClock(db, ttl.SystemClock{})
}

// NewWithClock creates a Store that stamps ledger entries from the
// given clock. Tests pin it; everything else uses New.
func NewWithClock(db *DB, clock ttl.Clock) *Store {
	if clock == nil {
		clock = ttl.SystemClock{}
	}
	return &Store{db: db, clock: clock}
}

// Compile-time interface checks.
var (
	_ ConversationStore = (*Store)(nil)
	_ StreamLedger      = (*Store)(nil)
)
