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
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/ChatRelay/pkg/extensions"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/datatypes"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/middleware"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/store"
)

const (
	// defaultPageLimit is the conversation page size when the client
	// omits the limit parameter.
	defaultPageLimit = 20

	// maxPageLimit caps the conversation page size.
	maxPageLimit = 100
)

// HandleListConversations serves GET /v1/conversations.
//
// # Description
//
// Returns one page of the caller's conversations, newest first.
// Pagination follows the cursor convention: at most one of
// starting_after/ending_before may be supplied, each naming a
// conversation id from a previous page.
//
// # Inputs
//
// Query parameters:
//   - limit: Optional. Page size, 1..100 (default 20).
//   - starting_after: Optional. Return the page after this id.
//   - ending_before: Optional. Return the page before this id.
//
// # Outputs
//
//   - 200: datatypes.ConversationPage
//   - 400: Both cursors supplied, or a cursor naming an unknown id
//   - 500: Storage failure
func (h *ChatHandler) HandleListConversations(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleListConversations")
	defer span.End()

	userID := currentUserID(c)
	span.SetAttributes(attribute.String("user.id", userID))

	limit := defaultPageLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			respondChatError(c, datatypes.NewChatError(datatypes.CodeBadRequest, "invalid limit"))
			return
		}
		limit = parsed
		if limit > maxPageLimit {
			limit = maxPageLimit
		}
	}

	startingAfter := c.Query("starting_after")
	endingBefore := c.Query("ending_before")

	page, err := h.store.ListConversationsByOwner(ctx, userID, limit, startingAfter, endingBefore)
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, store.ErrBothCursors):
			respondChatError(c, datatypes.WrapChatError(datatypes.CodeBadRequest,
				"only one of starting_after or ending_before can be provided", err))
		case errors.Is(err, datatypes.ErrNotFound):
			// Cursor names a conversation that no longer exists.
			respondChatError(c, datatypes.WrapChatError(datatypes.CodeBadRequest, "unknown cursor", err))
		default:
			span.SetStatus(codes.Error, "list conversations failed")
			slog.Error("Failed to list conversations", "user_id", userID, "error", err)
			respondChatError(c, datatypes.WrapChatError(datatypes.CodeStorage,
				"failed to list conversations", err))
		}
		return
	}

	span.SetAttributes(
		attribute.Int("page.size", len(page.Chats)),
		attribute.Bool("page.has_more", page.HasMore),
	)
	c.JSON(http.StatusOK, page)
}

// HandleListMessages serves GET /v1/conversations/:id/messages.
//
// # Description
//
// Returns all messages of the conversation ordered oldest first. A
// conversation owned by someone else is reported as 404, not 403, so
// callers cannot probe for ids.
//
// # Outputs
//
//   - 200: {"messages": [...]}
//   - 404: Unknown conversation or not the caller's
//   - 500: Storage failure
func (h *ChatHandler) HandleListMessages(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleListMessages")
	defer span.End()

	userID := currentUserID(c)
	conversationID := c.Param("id")
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.String("conversation.id", conversationID),
	)

	if _, ok := h.ownedConversation(ctx, c, conversationID, userID); !ok {
		return
	}

	messages, err := h.store.ListMessages(ctx, conversationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list messages failed")
		slog.Error("Failed to list messages",
			"conversation_id", conversationID,
			"error", err,
		)
		respondChatError(c, datatypes.WrapChatError(datatypes.CodeStorage,
			"failed to list messages", err))
		return
	}

	span.SetAttributes(attribute.Int("message.count", len(messages)))
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// HandleDeleteConversation serves DELETE /v1/conversations/:id.
//
// # Description
//
// Deletes the conversation and everything beneath it: messages, the
// global message id index entries, and stream ledger entries. Returns
// the deleted conversation summary.
//
// # Outputs
//
//   - 200: Deleted datatypes.Conversation
//   - 403: Authorization provider denied the delete
//   - 404: Unknown conversation or not the caller's
//   - 500: Storage failure
func (h *ChatHandler) HandleDeleteConversation(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleDeleteConversation")
	defer span.End()

	userID := currentUserID(c)
	conversationID := c.Param("id")
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.String("conversation.id", conversationID),
	)

	if _, ok := h.ownedConversation(ctx, c, conversationID, userID); !ok {
		return
	}

	if err := h.opts.AuthzProvider.Authorize(ctx, extensions.AuthzRequest{
		User:         middleware.GetAuthInfo(c),
		Action:       "delete",
		ResourceType: "conversation",
		ResourceID:   conversationID,
	}); err != nil {
		span.SetStatus(codes.Error, "authorization denied")
		_ = h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
			EventType:    "authz.denied",
			Timestamp:    time.Now().UTC(),
			UserID:       userID,
			Action:       "delete",
			ResourceType: "conversation",
			ResourceID:   conversationID,
			Outcome:      "denied",
			Metadata:     map[string]any{"reason": err.Error()},
		})
		respondChatError(c, datatypes.NewChatError(datatypes.CodeForbidden, "access denied"))
		return
	}

	deleted, err := h.store.DeleteConversation(ctx, conversationID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, datatypes.ErrNotFound) {
			respondChatError(c, datatypes.NewChatError(datatypes.CodeNotFound, "conversation not found"))
			return
		}
		span.SetStatus(codes.Error, "delete failed")
		slog.Error("Failed to delete conversation",
			"conversation_id", conversationID,
			"error", err,
		)
		respondChatError(c, datatypes.WrapChatError(datatypes.CodeStorage,
			"failed to delete conversation", err))
		return
	}

	_ = h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
		EventType:    "chat.delete",
		Timestamp:    time.Now().UTC(),
		UserID:       userID,
		Action:       "delete",
		ResourceType: "conversation",
		ResourceID:   conversationID,
		Outcome:      "success",
	})

	c.JSON(http.StatusOK, deleted)
}

// ownedConversation loads the conversation and enforces ownership.
// Writes the error response and returns ok=false on failure. Unknown
// and foreign conversations are both 404 to avoid leaking id existence.
func (h *ChatHandler) ownedConversation(
	ctx context.Context,
	c *gin.Context,
	conversationID, userID string,
) (*datatypes.Conversation, bool) {
	conv, err := h.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, datatypes.ErrNotFound) {
			respondChatError(c, datatypes.NewChatError(datatypes.CodeNotFound, "conversation not found"))
			return nil, false
		}
		slog.Error("Failed to load conversation",
			"conversation_id", conversationID,
			"error", err,
		)
		respondChatError(c, datatypes.WrapChatError(datatypes.CodeStorage,
			"failed to load conversation", err))
		return nil, false
	}
	if conv.OwnerID != userID {
		respondChatError(c, datatypes.NewChatError(datatypes.CodeNotFound, "conversation not found"))
		return nil, false
	}
	return conv, true
}
