// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/ChatRelay/services/chatrelay/llm"
)

const (
	// maxTitleChars bounds generated conversation titles.
	maxTitleChars = 80

	// titleTimeout bounds the background title generation call.
	titleTimeout = 20 * time.Second
)

// titlePrompt instructs the model to produce a short list title.
const titlePrompt = `Generate a short title (at most 8 words) summarizing the
following chat message. Respond with the title only: no quotes, no colons,
no trailing punctuation.

Message:
%s`

// TitleSetter is the store surface the title generator needs.
type TitleSetter interface {
	SetConversationTitle(ctx context.Context, id, title string) error
}

// generateTitle produces and persists a conversation title from the
// first user message.
//
// # Description
//
// Runs in a background goroutine after the first send on a new
// conversation. Title generation is best-effort: any failure is logged
// and the conversation keeps its empty title, which clients render as
// a placeholder.
//
// # Inputs
//
//   - client: Completion client used for the one-shot call.
//   - store: Where the title is persisted.
//   - conversationID: Target conversation.
//   - firstMessage: Text of the first user message.
//   - credential: Per-request provider key, empty for the configured one.
func generateTitle(client llm.Client, store TitleSetter, conversationID, firstMessage, credential string) {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	temp := float32(0.2)
	maxTokens := 32
	params := llm.GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
		Credential:  credential,
	}

	raw, err := client.Generate(ctx, fmt.Sprintf(titlePrompt, firstMessage), params)
	if err != nil {
		slog.Warn("title generation failed",
			"conversation_id", conversationID,
			"error", err,
		)
		return
	}

	title := sanitizeTitle(raw)
	if title == "" {
		slog.Warn("title generation produced empty title",
			"conversation_id", conversationID,
		)
		return
	}

	if err := store.SetConversationTitle(ctx, conversationID, title); err != nil {
		slog.Warn("failed to persist generated title",
			"conversation_id", conversationID,
			"error", err,
		)
		return
	}

	slog.Debug("conversation title generated",
		"conversation_id", conversationID,
		"title", title,
	)
}

// sanitizeTitle normalizes model output into a display title: one line,
// no wrapping quotes or colons, at most maxTitleChars characters.
func sanitizeTitle(raw string) string {
	title := strings.TrimSpace(raw)

	// Models occasionally return multi-line output despite instructions;
	// keep the first non-empty line.
	if idx := strings.IndexAny(title, "\r\n"); idx >= 0 {
		title = title[:idx]
	}

	title = strings.Trim(title, `"'`)
	title = strings.ReplaceAll(title, ":", "")
	title = strings.TrimSpace(title)

	if len(title) > maxTitleChars {
		title = strings.TrimSpace(title[:maxTitleChars])
	}
	return title
}
