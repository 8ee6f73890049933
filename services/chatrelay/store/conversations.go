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
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/ChatRelay/services/chatrelay/datatypes"
)

// CreateConversation persists a new conversation and its owner index entry.
//
// # Outputs
//
//   - error: datatypes.ErrConflict if the id exists, storage errors otherwise.
func (s *Store) CreateConversation(ctx context.Context, conv datatypes.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(chatKey(conv.ID)); err == nil {
			return fmt.Errorf("conversation %s: %w", conv.ID, datatypes.ErrConflict)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("probe conversation %s: %w", conv.ID, err)
		}
		if err := txn.Set(chatKey(conv.ID), payload); err != nil {
			return fmt.Errorf("write conversation %s: %w", conv.ID, err)
		}
		if err := txn.Set(ownerIndexKey(conv.OwnerID, conv.CreatedAt, conv.ID), nil); err != nil {
			return fmt.Errorf("write owner index for %s: %w", conv.ID, err)
		}
		return nil
	})
}

// SetConversationTitle updates the conversation's title in place.
//
// The owner index keys on CreatedAt, which never changes, so no index
// maintenance is needed here.
func (s *Store) SetConversationTitle(ctx context.Context, id, title string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(chatKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("conversation %s: %w", id, datatypes.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read conversation %s: %w", id, err)
		}
		var conv datatypes.Conversation
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &conv)
		}); err != nil {
			return fmt.Errorf("decode conversation %s: %w", id, err)
		}
		conv.Title = title
		payload, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("marshal conversation: %w", err)
		}
		return txn.Set(chatKey(id), payload)
	})
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*datatypes.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var conv datatypes.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chatKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("conversation %s: %w", id, datatypes.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read conversation %s: %w", id, err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &conv)
		})
	})
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// DeleteConversation removes the conversation, its owner index entry, and
// all messages and ledger entries beneath it, returning the deleted summary.
func (s *Store) DeleteConversation(ctx context.Context, id string) (*datatypes.Conversation, error) {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(chatKey(id)); err != nil {
			return fmt.Errorf("delete conversation %s: %w", id, err)
		}
		if err := txn.Delete(ownerIndexKey(conv.OwnerID, conv.CreatedAt, id)); err != nil {
			return fmt.Errorf("delete owner index for %s: %w", id, err)
		}

		// Cascade: message records plus their global id index entries.
		msgPrefix := []byte(prefixMsg + id + "/")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = msgPrefix
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			parts := strings.SplitN(strings.TrimPrefix(string(key), prefixMsg+id+"/"), "/", 2)
			if len(parts) == 2 {
				if err := txn.Delete(msgRefKey(parts[1])); err != nil {
					it.Close()
					return fmt.Errorf("delete message index: %w", err)
				}
			}
			if err := txn.Delete(key); err != nil {
				it.Close()
				return fmt.Errorf("delete message: %w", err)
			}
		}
		it.Close()

		// Cascade: stream ledger entries.
		streamPrefix := []byte(prefixStream + id + "/")
		opts = badger.DefaultIteratorOptions
		opts.Prefix = streamPrefix
		it = txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
				return fmt.Errorf("delete ledger entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversationsByOwner returns one page of the owner's conversations,
// newest first.
//
// # Description
//
// The owner index stores inverted timestamps, so an ascending prefix scan
// yields CreatedAt-descending order. The page is probed with limit+1 rows
// to set HasMore without a count query. With starting_after the page
// begins just past the cursor going older; with ending_before it is the
// block of rows immediately preceding the cursor (newer side).
func (s *Store) ListConversationsByOwner(ctx context.Context, ownerID string, limit int,
	startingAfter, endingBefore string) (*datatypes.ConversationPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if startingAfter != "" && endingBefore != "" {
		return nil, ErrBothCursors
	}
	if limit <= 0 {
		limit = 10
	}

	var (
		ids     []string
		hasMore bool
	)
	prefix := []byte(prefixChatOwner + ownerID + "/")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		switch {
		case startingAfter != "":
			seen := false
			for it.Rewind(); it.Valid() && len(ids) < limit+1; it.Next() {
				id := ownerIndexChatID(it.Item().Key(), prefix)
				if !seen {
					if id == startingAfter {
						seen = true
					}
					continue
				}
				ids = append(ids, id)
			}
			if !seen {
				return fmt.Errorf("cursor %s: %w", startingAfter, datatypes.ErrNotFound)
			}
		case endingBefore != "":
			var before []string
			found := false
			for it.Rewind(); it.Valid(); it.Next() {
				id := ownerIndexChatID(it.Item().Key(), prefix)
				if id == endingBefore {
					found = true
					break
				}
				before = append(before, id)
			}
			if !found {
				return fmt.Errorf("cursor %s: %w", endingBefore, datatypes.ErrNotFound)
			}
			// The page is the block of rows immediately preceding the
			// cursor; HasMore reports rows newer than that block.
			if len(before) > limit {
				ids = before[len(before)-limit:]
				hasMore = true
			} else {
				ids = before
			}
		default:
			for it.Rewind(); it.Valid() && len(ids) < limit+1; it.Next() {
				ids = append(ids, ownerIndexChatID(it.Item().Key(), prefix))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(ids) > limit {
		hasMore = true
		ids = ids[:limit]
	}

	page := &datatypes.ConversationPage{Chats: make([]datatypes.Conversation, 0, len(ids)), HasMore: hasMore}
	for _, id := range ids {
		conv, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		page.Chats = append(page.Chats, *conv)
	}
	return page, nil
}

func ownerIndexChatID(key, prefix []byte) string {
	rest := strings.TrimPrefix(string(key), string(prefix))
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[i+1:]
	}
	return rest
}
