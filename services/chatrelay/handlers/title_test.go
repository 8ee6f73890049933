// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/ChatRelay/services/chatrelay/llm"
)

type fakeTitleStore struct {
	mu     sync.Mutex
	titles map[string]string
	err    error
}

func (f *fakeTitleStore) SetConversationTitle(_ context.Context, id, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.titles == nil {
		f.titles = map[string]string{}
	}
	f.titles[id] = title
	return nil
}

type fakeGenerator struct {
	text string
	err  error
}

func (f *fakeGenerator) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	return f.text, f.err
}

func (f *fakeGenerator) ChatStream(_ context.Context, _ []llm.ChatMessage, _ llm.GenerationParams, _ llm.StreamCallback) error {
	return errors.New("not implemented")
}

// TestSanitizeTitle verifies normalization of model output.
func TestSanitizeTitle(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Weekend trip planning", "Weekend trip planning"},
		{"wrapped quotes", `"OAuth basics"`, "OAuth basics"},
		{"single quotes", "'Budget review'", "Budget review"},
		{"colon stripped", "Title: Budget review", "Title Budget review"},
		{"first line only", "Budget review\nSecond line", "Budget review"},
		{"whitespace", "   padded   ", "padded"},
		{"empty", "   ", ""},
		{"truncated", strings.Repeat("long ", 40), strings.TrimSpace(strings.Repeat("long ", 40)[:maxTitleChars])},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, sanitizeTitle(tc.in))
		})
	}
}

// TestGenerateTitlePersists verifies the happy path writes the title.
func TestGenerateTitlePersists(t *testing.T) {
	store := &fakeTitleStore{}
	generateTitle(&fakeGenerator{text: `"Trip Planning"`}, store, "conv-1", "help me plan a trip", "")

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, "Trip Planning", store.titles["conv-1"])
}

// TestGenerateTitleBestEffort verifies failures leave the title unset.
func TestGenerateTitleBestEffort(t *testing.T) {
	t.Run("generation error", func(t *testing.T) {
		store := &fakeTitleStore{}
		generateTitle(&fakeGenerator{err: errors.New("provider down")}, store, "conv-1", "hello", "")
		assert.Empty(t, store.titles)
	})

	t.Run("empty output", func(t *testing.T) {
		store := &fakeTitleStore{}
		generateTitle(&fakeGenerator{text: "  \n"}, store, "conv-1", "hello", "")
		assert.Empty(t, store.titles)
	})

	t.Run("store error swallowed", func(t *testing.T) {
		store := &fakeTitleStore{err: errors.New("closed")}
		generateTitle(&fakeGenerator{text: "Title"}, store, "conv-1", "hello", "")
	})
}
