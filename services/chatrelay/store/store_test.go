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
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ChatRelay/services/chatrelay/datatypes"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/ttl"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func testConversation(ownerID string, createdAt time.Time) datatypes.Conversation {
	return datatypes.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     "New Chat",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func testMessage(convID string, role datatypes.Role, text string, createdAt time.Time) datatypes.Message {
	return datatypes.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Role:           role,
		Parts:          []datatypes.Part{datatypes.TextPart(text)},
		CreatedAt:      createdAt,
	}
}

// TestCreateAndGetConversation verifies round-trip persistence.
func TestCreateAndGetConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation("user-1", time.Now().UTC())
	require.NoError(t, s.CreateConversation(ctx, conv))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, "user-1", got.OwnerID)
	assert.Equal(t, "New Chat", got.Title)
}

// TestCreateConversationConflict verifies duplicate ids are rejected.
func TestCreateConversationConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation("user-1", time.Now().UTC())
	require.NoError(t, s.CreateConversation(ctx, conv))

	err := s.CreateConversation(ctx, conv)
	assert.ErrorIs(t, err, datatypes.ErrConflict)
}

// TestGetConversationNotFound verifies missing ids map to ErrNotFound.
func TestGetConversationNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}

// TestDeleteConversationCascades verifies delete removes messages and
// ledger entries along with the conversation.
func TestDeleteConversationCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation("user-1", time.Now().UTC())
	require.NoError(t, s.CreateConversation(ctx, conv))

	msg := testMessage(conv.ID, datatypes.RoleUser, "hello", time.Now().UTC())
	require.NoError(t, s.AppendMessages(ctx, []datatypes.Message{msg}))

	_, err := s.RecordStreamStart(ctx, conv.ID)
	require.NoError(t, err)

	deleted, err := s.DeleteConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, deleted.ID)

	_, err = s.GetConversation(ctx, conv.ID)
	assert.ErrorIs(t, err, datatypes.ErrNotFound)

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = s.GetMessage(ctx, msg.ID)
	assert.ErrorIs(t, err, datatypes.ErrNotFound)

	streams, err := s.ListStreamIDs(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, streams)

	// The owner index must no longer surface the conversation.
	page, err := s.ListConversationsByOwner(ctx, "user-1", 10, "", "")
	require.NoError(t, err)
	assert.Empty(t, page.Chats)
}

// TestAppendMessagesOrdering verifies ListMessages returns ascending
// CreatedAt order regardless of insertion order.
func TestAppendMessagesOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation("user-1", time.Now().UTC())
	require.NoError(t, s.CreateConversation(ctx, conv))

	base := time.Now().UTC()
	third := testMessage(conv.ID, datatypes.RoleUser, "third", base.Add(2*time.Second))
	first := testMessage(conv.ID, datatypes.RoleUser, "first", base)
	second := testMessage(conv.ID, datatypes.RoleAssistant, "second", base.Add(time.Second))
	require.NoError(t, s.AppendMessages(ctx, []datatypes.Message{third, first, second}))

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Text())
	assert.Equal(t, "second", msgs[1].Text())
	assert.Equal(t, "third", msgs[2].Text())
}

// TestAppendMessagesIdempotent verifies resubmitting an already-persisted
// message id is a no-op rather than a duplicate or an error.
func TestAppendMessagesIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation("user-1", time.Now().UTC())
	require.NoError(t, s.CreateConversation(ctx, conv))

	msg := testMessage(conv.ID, datatypes.RoleUser, "hello", time.Now().UTC())
	require.NoError(t, s.AppendMessages(ctx, []datatypes.Message{msg}))
	require.NoError(t, s.AppendMessages(ctx, []datatypes.Message{msg}))

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

// TestAppendMessagesCrossConversationConflict verifies a message id
// reused in a different conversation is rejected.
func TestAppendMessagesCrossConversationConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	convA := testConversation("user-1", time.Now().UTC())
	convB := testConversation("user-1", time.Now().UTC())
	require.NoError(t, s.CreateConversation(ctx, convA))
	require.NoError(t, s.CreateConversation(ctx, convB))

	msg := testMessage(convA.ID, datatypes.RoleUser, "hello", time.Now().UTC())
	require.NoError(t, s.AppendMessages(ctx, []datatypes.Message{msg}))

	msg.ConversationID = convB.ID
	err := s.AppendMessages(ctx, []datatypes.Message{msg})
	assert.ErrorIs(t, err, datatypes.ErrConflict)
}

// TestAppendMessagesBumpsUpdatedAt verifies the conversation's UpdatedAt
// advances to the latest appended message stamp.
func TestAppendMessagesBumpsUpdatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Now().UTC().Add(-time.Hour)
	conv := testConversation("user-1", created)
	require.NoError(t, s.CreateConversation(ctx, conv))

	stamp := time.Now().UTC()
	msg := testMessage(conv.ID, datatypes.RoleUser, "hello", stamp)
	require.NoError(t, s.AppendMessages(ctx, []datatypes.Message{msg}))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.After(created))
	assert.WithinDuration(t, stamp, got.UpdatedAt, time.Millisecond)
}

// TestGetMessage verifies lookup through the global id index.
func TestGetMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation("user-1", time.Now().UTC())
	require.NoError(t, s.CreateConversation(ctx, conv))

	msg := testMessage(conv.ID, datatypes.RoleUser, "findable", time.Now().UTC())
	require.NoError(t, s.AppendMessages(ctx, []datatypes.Message{msg}))

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ConversationID)
	assert.Equal(t, "findable", got.Text())

	_, err = s.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}

// TestDeleteMessagesAfter verifies the cutoff is inclusive and earlier
// messages survive.
func TestDeleteMessagesAfter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation("user-1", time.Now().UTC())
	require.NoError(t, s.CreateConversation(ctx, conv))

	base := time.Now().UTC()
	keep := testMessage(conv.ID, datatypes.RoleUser, "keep", base)
	cut := testMessage(conv.ID, datatypes.RoleAssistant, "cut", base.Add(time.Second))
	later := testMessage(conv.ID, datatypes.RoleUser, "later", base.Add(2*time.Second))
	require.NoError(t, s.AppendMessages(ctx, []datatypes.Message{keep, cut, later}))

	require.NoError(t, s.DeleteMessagesAfter(ctx, conv.ID, cut.CreatedAt))

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "keep", msgs[0].Text())

	// Deleted messages must also leave the global id index.
	_, err = s.GetMessage(ctx, cut.ID)
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
	_, err = s.GetMessage(ctx, later.ID)
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}

// TestListConversationsByOwner verifies newest-first ordering and the
// HasMore probe.
func TestListConversationsByOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	var convs []datatypes.Conversation
	for i := 0; i < 5; i++ {
		conv := testConversation("user-1", base.Add(time.Duration(i)*time.Second))
		conv.Title = fmt.Sprintf("chat %d", i)
		require.NoError(t, s.CreateConversation(ctx, conv))
		convs = append(convs, conv)
	}
	// A different owner's conversation must not leak in.
	require.NoError(t, s.CreateConversation(ctx, testConversation("user-2", base)))

	page, err := s.ListConversationsByOwner(ctx, "user-1", 3, "", "")
	require.NoError(t, err)
	require.Len(t, page.Chats, 3)
	assert.True(t, page.HasMore)
	assert.Equal(t, "chat 4", page.Chats[0].Title)
	assert.Equal(t, "chat 3", page.Chats[1].Title)
	assert.Equal(t, "chat 2", page.Chats[2].Title)

	page, err = s.ListConversationsByOwner(ctx, "user-1", 10, "", "")
	require.NoError(t, err)
	assert.Len(t, page.Chats, 5)
	assert.False(t, page.HasMore)
	_ = convs
}

// TestListConversationsStartingAfter verifies forward pagination.
func TestListConversationsStartingAfter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	var convs []datatypes.Conversation
	for i := 0; i < 5; i++ {
		conv := testConversation("user-1", base.Add(time.Duration(i)*time.Second))
		conv.Title = fmt.Sprintf("chat %d", i)
		require.NoError(t, s.CreateConversation(ctx, conv))
		convs = append(convs, conv)
	}

	// Newest-first order is chat 4..0; paging after chat 3 yields 2 and 1.
	page, err := s.ListConversationsByOwner(ctx, "user-1", 2, convs[3].ID, "")
	require.NoError(t, err)
	require.Len(t, page.Chats, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "chat 2", page.Chats[0].Title)
	assert.Equal(t, "chat 1", page.Chats[1].Title)

	// Last page.
	page, err = s.ListConversationsByOwner(ctx, "user-1", 2, convs[1].ID, "")
	require.NoError(t, err)
	require.Len(t, page.Chats, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, "chat 0", page.Chats[0].Title)
}

// TestListConversationsEndingBefore verifies backward pagination returns
// the block immediately preceding the cursor.
func TestListConversationsEndingBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	var convs []datatypes.Conversation
	for i := 0; i < 5; i++ {
		conv := testConversation("user-1", base.Add(time.Duration(i)*time.Second))
		conv.Title = fmt.Sprintf("chat %d", i)
		require.NoError(t, s.CreateConversation(ctx, conv))
		convs = append(convs, conv)
	}

	// Newest-first order is chat 4..0; the block before chat 1 is 3 and 2,
	// with chat 4 still beyond it.
	page, err := s.ListConversationsByOwner(ctx, "user-1", 2, "", convs[1].ID)
	require.NoError(t, err)
	require.Len(t, page.Chats, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "chat 3", page.Chats[0].Title)
	assert.Equal(t, "chat 2", page.Chats[1].Title)

	// Everything before chat 2 fits in the page.
	page, err = s.ListConversationsByOwner(ctx, "user-1", 10, "", convs[2].ID)
	require.NoError(t, err)
	require.Len(t, page.Chats, 2)
	assert.False(t, page.HasMore)
	assert.Equal(t, "chat 4", page.Chats[0].Title)
	assert.Equal(t, "chat 3", page.Chats[1].Title)
}

// TestListConversationsCursorErrors verifies cursor misuse is rejected.
func TestListConversationsCursorErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation("user-1", time.Now().UTC())
	require.NoError(t, s.CreateConversation(ctx, conv))

	_, err := s.ListConversationsByOwner(ctx, "user-1", 10, "a", "b")
	assert.ErrorIs(t, err, ErrBothCursors)

	_, err = s.ListConversationsByOwner(ctx, "user-1", 10, "missing", "")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)

	_, err = s.ListConversationsByOwner(ctx, "user-1", 10, "", "missing")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}

// TestStreamLedger verifies append ordering and pruning.
func TestStreamLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation("user-1", time.Now().UTC())
	require.NoError(t, s.CreateConversation(ctx, conv))

	first, err := s.RecordStreamStart(ctx, conv.ID)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond) // distinct key timestamps
	second, err := s.RecordStreamStart(ctx, conv.ID)
	require.NoError(t, err)

	ids, err := s.ListStreamIDs(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, first, ids[0])
	assert.Equal(t, second, ids[1])

	// Nothing is older than a cutoff in the past.
	pruned, err := s.PruneStreamsBefore(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, pruned)

	// Everything is older than a cutoff in the future.
	pruned, err = s.PruneStreamsBefore(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	ids, err = s.ListStreamIDs(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// TestStreamLedgerUsesInjectedClock verifies ledger entries are stamped
// from the store's clock, so prune cutoffs and resume freshness compare
// against the same time source.
func TestStreamLedgerUsesInjectedClock(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	stamp := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	s := NewWithClock(db, ttl.NewFixedClock(stamp))
	ctx := context.Background()

	conv := testConversation("user-1", stamp)
	require.NoError(t, s.CreateConversation(ctx, conv))

	_, err = s.RecordStreamStart(ctx, conv.ID)
	require.NoError(t, err)

	// The entry sits exactly at the pinned instant: not before it, but
	// before one nanosecond later.
	pruned, err := s.PruneStreamsBefore(ctx, stamp)
	require.NoError(t, err)
	assert.Zero(t, pruned)

	pruned, err = s.PruneStreamsBefore(ctx, stamp.Add(time.Nanosecond))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
}

// TestSetConversationTitle verifies in-place title updates.
func TestSetConversationTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := testConversation("user-1", time.Now().UTC())
	require.NoError(t, s.CreateConversation(ctx, conv))

	require.NoError(t, s.SetConversationTitle(ctx, conv.ID, "Trip Planning"))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Trip Planning", got.Title)
	assert.Equal(t, conv.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())

	// Owner index still resolves after the update.
	page, err := s.ListConversationsByOwner(ctx, "user-1", 10, "", "")
	require.NoError(t, err)
	require.Len(t, page.Chats, 1)
	assert.Equal(t, "Trip Planning", page.Chats[0].Title)

	err = s.SetConversationTitle(ctx, "missing", "x")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}
