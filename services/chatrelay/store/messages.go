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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/ChatRelay/services/chatrelay/datatypes"
)

// AppendMessages atomically inserts the given messages.
//
// # Description
//
// Each message id is probed against the global id index first: an id
// already persisted in the same conversation makes that message a no-op
// (idempotent resubmission); the same id in a different conversation is
// a conflict. After inserting, the owning conversations' UpdatedAt
// stamps are bumped to the latest appended CreatedAt.
func (s *Store) AppendMessages(ctx context.Context, messages []datatypes.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	return s.db.Update(func(txn *badger.Txn) error {
		touched := map[string]time.Time{}
		for _, msg := range messages {
			if !msg.Role.Valid() {
				return fmt.Errorf("message %s: invalid role %q", msg.ID, msg.Role)
			}
			item, err := txn.Get(msgRefKey(msg.ID))
			if err == nil {
				var ref msgRef
				if verr := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &ref)
				}); verr != nil {
					return fmt.Errorf("read message index %s: %w", msg.ID, verr)
				}
				if ref.ConversationID != msg.ConversationID {
					return fmt.Errorf("message id %s already used in another conversation: %w",
						msg.ID, datatypes.ErrConflict)
				}
				continue // idempotent resubmission
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("probe message %s: %w", msg.ID, err)
			}

			payload, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("marshal message %s: %w", msg.ID, err)
			}
			if err := txn.Set(msgKey(msg.ConversationID, msg.CreatedAt, msg.ID), payload); err != nil {
				return fmt.Errorf("write message %s: %w", msg.ID, err)
			}
			refPayload, err := json.Marshal(msgRef{ConversationID: msg.ConversationID, CreatedAt: msg.CreatedAt})
			if err != nil {
				return fmt.Errorf("marshal message index %s: %w", msg.ID, err)
			}
			if err := txn.Set(msgRefKey(msg.ID), refPayload); err != nil {
				return fmt.Errorf("write message index %s: %w", msg.ID, err)
			}
			if msg.CreatedAt.After(touched[msg.ConversationID]) {
				touched[msg.ConversationID] = msg.CreatedAt
			}
		}

		for convID, stamp := range touched {
			if err := bumpConversation(txn, convID, stamp); err != nil {
				return err
			}
		}
		return nil
	})
}

// bumpConversation advances the conversation's UpdatedAt stamp. Missing
// conversations are tolerated: an append can race a delete, and the
// orphaned messages are unreachable anyway.
func bumpConversation(txn *badger.Txn, convID string, stamp time.Time) error {
	item, err := txn.Get(chatKey(convID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read conversation %s: %w", convID, err)
	}
	var conv datatypes.Conversation
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &conv)
	}); err != nil {
		return fmt.Errorf("decode conversation %s: %w", convID, err)
	}
	if stamp.After(conv.UpdatedAt) {
		conv.UpdatedAt = stamp
	}
	payload, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation %s: %w", convID, err)
	}
	return txn.Set(chatKey(convID), payload)
}

// ListMessages returns the conversation's messages ordered by CreatedAt
// ascending. Key order encodes the timestamp, so no sort is needed.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]datatypes.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var messages []datatypes.Message
	prefix := []byte(prefixMsg + conversationID + "/")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var msg datatypes.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// GetMessage loads a message by id via the global id index.
func (s *Store) GetMessage(ctx context.Context, id string) (*datatypes.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var msg datatypes.Message
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(msgRefKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("message %s: %w", id, datatypes.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read message index %s: %w", id, err)
		}
		var ref msgRef
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ref)
		}); err != nil {
			return fmt.Errorf("decode message index %s: %w", id, err)
		}
		item, err = txn.Get(msgKey(ref.ConversationID, ref.CreatedAt, id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("message %s: %w", id, datatypes.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read message %s: %w", id, err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		})
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessagesAfter removes all messages of the conversation with
// CreatedAt >= cutoff.
//
// # Description
//
// The message keys are ordered by timestamp, so the scan seeks directly
// to the cutoff and deletes everything from there to the end of the
// conversation's prefix, including the global id index entries.
func (s *Store) DeleteMessagesAfter(ctx context.Context, conversationID string, cutoff time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix := []byte(prefixMsg + conversationID + "/")
	seek := []byte(prefixMsg + conversationID + "/" + tsSegment(cutoff))
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(seek); it.Valid(); it.Next() {
			var msg datatypes.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			if err := txn.Delete(msgRefKey(msg.ID)); err != nil {
				return fmt.Errorf("delete message index %s: %w", msg.ID, err)
			}
			if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
				return fmt.Errorf("delete message %s: %w", msg.ID, err)
			}
		}
		return nil
	})
}
