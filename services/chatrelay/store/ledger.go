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
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/ChatRelay/services/chatrelay/datatypes"
)

// RecordStreamStart appends a ledger entry for the conversation.
//
// # Description
//
// The ledger is append-only: each stream attempt writes one entry up
// front and never touches it again, so a reconnecting client can always
// find the most recent attempt even if the producing process died
// mid-stream. Entry ids are UUIDs; key order encodes creation time.
func (s *Store) RecordStreamStart(ctx context.Context, conversationID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	entry := datatypes.StreamLedgerEntry{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		CreatedAt:      s.clock.Now(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal ledger entry: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(streamKey(conversationID, entry.CreatedAt, entry.ID), payload)
	})
	if err != nil {
		return "", fmt.Errorf("write ledger entry for %s: %w", conversationID, err)
	}
	return entry.ID, nil
}

// ListStreamIDs returns the conversation's ledger entry ids in creation
// order. The last element is the authoritative stream for resume.
func (s *Store) ListStreamIDs(ctx context.Context, conversationID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []string
	prefix := prefixStream + conversationID + "/"
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), prefix)
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				ids = append(ids, rest[i+1:])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// PruneStreamsBefore deletes ledger entries older than the cutoff across
// all conversations.
//
// # Description
//
// Ledger entries only matter within the resume window; anything older is
// dead weight. The scan walks the whole stream prefix and compares each
// key's embedded timestamp, since entries are grouped by conversation
// rather than by age.
//
// # Outputs
//
//   - int: Number of entries removed.
//   - error: Non-nil on storage failure; the count then covers the
//     entries removed before the failure.
func (s *Store) PruneStreamsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	pruned := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixStream)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			rest := strings.TrimPrefix(string(key), prefixStream)
			parts := strings.SplitN(rest, "/", 3)
			if len(parts) != 3 {
				continue
			}
			created, err := parseTsSegment(parts[1])
			if err != nil {
				continue
			}
			if !created.Before(cutoff) {
				continue
			}
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("delete ledger entry: %w", err)
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		return pruned, err
	}
	return pruned, nil
}
