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
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/ChatRelay/pkg/extensions"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/datatypes"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/llm"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/middleware"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/observability"
)

// HandleSendMessage serves POST /v1/conversations/:id/messages.
//
// # Description
//
// Appends the user message and streams the assistant's completion back
// over SSE. The flow is:
//  1. Parse and validate the request; resolve the provider and the
//     optional per-request credential from the provider's API key
//     header (X-<Provider>-API-Key, or the generic X-Provider-Api-Key).
//  2. Authorize the send and run the message filter.
//  3. Load the conversation, creating it on first send (title is
//     generated in the background from the first message). An edit or
//     regenerate carries truncate_from: the target message and its
//     successors are deleted before the append.
//  4. Append the user message (idempotent per message id).
//  5. Record a stream ledger entry and register a live stream so
//     reconnecting clients can re-attach.
//  6. Stream deltas from the provider, accumulating them in locked
//     memory, until done or the bounded duration elapses.
//  7. Persist the assistant message exactly once. A cancelled or timed
//     out stream persists whatever accumulated, if non-empty.
//  8. Emit the done event carrying the ledger stream id.
//
// Sends into the same conversation are serialized by a striped lock;
// different conversations stream concurrently.
//
// # Outputs
//
// SSE Events:
//   - status: {"type":"status","message":"Generating response..."}
//   - token: {"type":"token","content":"..."}
//   - thinking: {"type":"thinking","content":"..."}
//   - done: {"type":"done","stream_id":"..."}
//   - error: {"type":"error","error":"..."}
//
// HTTP Status (before streaming starts):
//   - 400: Invalid body, validation failure, or unknown provider
//   - 403: Authorization denied or message blocked by filter
//   - 404: Conversation exists but belongs to another user
//   - 409: Message id already used in another conversation
//   - 500: Storage or SSE setup failure
func (h *ChatHandler) HandleSendMessage(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointSendMessage

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleSendMessage")
	defer span.End()

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpoint, success)
			m.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), success)
		}
	}()

	authInfo := middleware.GetAuthInfo(c)
	userID := currentUserID(c)
	conversationID := c.Param("id")
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.String("conversation.id", conversationID),
	)

	// Step 1: Parse and validate request
	var req datatypes.SendMessageRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to parse send request", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		respondChatError(c, datatypes.WrapChatError(datatypes.CodeBadRequest,
			"invalid request body", err))
		return
	}

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Error("Send request validation failed",
			"error", err,
			"message_id", req.Message.ID,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		respondChatError(c, datatypes.WrapChatError(datatypes.CodeBadRequest,
			"invalid request: validation failed", err))
		return
	}

	span.SetAttributes(
		attribute.String("request.model", req.Model),
		attribute.String("request.provider", req.Provider),
		attribute.String("request.message_id", req.Message.ID),
	)

	// Step 1.5: Resolve provider. Membership in the configured set is
	// deployment configuration, checked here rather than in the schema.
	client, err := h.providers.Get(req.Provider)
	if err != nil {
		span.RecordError(err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		respondChatError(c, datatypes.WrapChatError(datatypes.CodeBadRequest,
			fmt.Sprintf("unknown provider %q", req.Provider), err))
		return
	}

	// Step 1.6: Optional per-request provider credential. The provider's
	// own header wins; the generic one is the fallback.
	credential := c.GetHeader("X-" + req.Provider + "-API-Key")
	if credential == "" {
		credential = c.GetHeader("X-Provider-Api-Key")
	}

	// Step 2: Authorization check
	if err := h.opts.AuthzProvider.Authorize(ctx, extensions.AuthzRequest{
		User:         authInfo,
		Action:       "send",
		ResourceType: "conversation",
		ResourceID:   conversationID,
	}); err != nil {
		span.SetStatus(codes.Error, "authorization denied")
		_ = h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
			EventType:    "authz.denied",
			Timestamp:    time.Now().UTC(),
			UserID:       userID,
			Action:       "send",
			ResourceType: "conversation",
			ResourceID:   conversationID,
			Outcome:      "denied",
			Metadata: map[string]any{
				"message_id": req.Message.ID,
				"reason":     err.Error(),
			},
		})
		respondChatError(c, datatypes.NewChatError(datatypes.CodeForbidden, "access denied"))
		return
	}

	// Step 2.5: Run the message filter over each text part. Blocked
	// messages are audited and rejected before anything persists.
	for i := range req.Message.Parts {
		part := &req.Message.Parts[i]
		if part.Type != datatypes.PartText {
			continue
		}
		filterResult, filterErr := h.opts.MessageFilter.FilterInput(ctx, part.Text)
		if filterErr != nil {
			slog.Error("Message filter failed", "error", filterErr, "message_id", req.Message.ID)
			respondChatError(c, datatypes.WrapChatError(datatypes.CodeInternal,
				"message processing failed", filterErr))
			return
		}
		if filterResult.WasBlocked {
			_ = h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
				EventType:    "chat.blocked",
				Timestamp:    time.Now().UTC(),
				UserID:       userID,
				Action:       "send",
				ResourceType: "conversation",
				ResourceID:   conversationID,
				Outcome:      "blocked",
				Metadata: map[string]any{
					"message_id": req.Message.ID,
					"reason":     filterResult.BlockReason,
				},
			})
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeBlocked)
			}
			respondChatError(c, datatypes.NewChatError(datatypes.CodeForbidden,
				fmt.Sprintf("message blocked by content filter: %s", filterResult.BlockReason)))
			return
		}
		part.Text = filterResult.Filtered
	}

	// Step 3: Serialize sends into this conversation.
	unlock := h.lockConversation(conversationID)
	defer unlock()

	_, newConversation, err := h.loadOrCreateConversation(ctx, conversationID, userID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, datatypes.ErrNotFound) {
			respondChatError(c, datatypes.NewChatError(datatypes.CodeNotFound, "conversation not found"))
			return
		}
		span.SetStatus(codes.Error, "conversation load failed")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeStorage)
		}
		respondChatError(c, datatypes.WrapChatError(datatypes.CodeStorage,
			"failed to load conversation", err))
		return
	}

	// Step 3.5: Edit/regenerate truncation. The target message and
	// everything after it are removed; the incoming message replaces
	// them through the normal append below.
	if req.TruncateFrom != "" {
		if newConversation {
			respondChatError(c, datatypes.NewChatError(datatypes.CodeBadRequest,
				"cannot truncate a new conversation"))
			return
		}
		if err := h.truncateFromMessage(ctx, conversationID, req.TruncateFrom); err != nil {
			span.RecordError(err)
			if errors.Is(err, datatypes.ErrNotFound) {
				respondChatError(c, datatypes.NewChatError(datatypes.CodeNotFound, "message not found"))
				return
			}
			span.SetStatus(codes.Error, "truncation failed")
			slog.Error("Failed to truncate conversation",
				"conversation_id", conversationID,
				"truncate_from", req.TruncateFrom,
				"error", err,
			)
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpoint, observability.ErrorCodeStorage)
			}
			respondChatError(c, datatypes.WrapChatError(datatypes.CodeStorage,
				"failed to truncate conversation", err))
			return
		}
	}

	// Step 4: Append the user message (idempotent per message id).
	userMsg := datatypes.Message{
		ID:             req.Message.ID,
		ConversationID: conversationID,
		Role:           datatypes.RoleUser,
		Parts:          req.Message.Parts,
		Attachments:    req.Message.Attachments,
		CreatedAt:      h.clock.Now(),
	}
	if err := h.store.AppendMessages(ctx, []datatypes.Message{userMsg}); err != nil {
		span.RecordError(err)
		if errors.Is(err, datatypes.ErrConflict) {
			respondChatError(c, datatypes.WrapChatError(datatypes.CodeConflict,
				"message id already used in another conversation", err))
			return
		}
		span.SetStatus(codes.Error, "append failed")
		slog.Error("Failed to append user message",
			"conversation_id", conversationID,
			"message_id", req.Message.ID,
			"error", err,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeStorage)
		}
		respondChatError(c, datatypes.WrapChatError(datatypes.CodeStorage,
			"failed to persist message", err))
		return
	}

	// Step 4.5: Title generation on first send, off the request path.
	if newConversation {
		go generateTitle(client, h.store, conversationID, req.Message.Text(), credential)
	}

	// Step 5: Ledger entry and live stream registration.
	streamID, err := h.ledger.RecordStreamStart(ctx, conversationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger write failed")
		slog.Error("Failed to record stream start",
			"conversation_id", conversationID,
			"error", err,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeStorage)
		}
		respondChatError(c, datatypes.WrapChatError(datatypes.CodeStorage,
			"failed to start stream", err))
		return
	}
	span.SetAttributes(attribute.String("stream.id", streamID))

	history, err := h.loadHistory(ctx, conversationID)
	if err != nil {
		span.RecordError(err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeStorage)
		}
		respondChatError(c, datatypes.WrapChatError(datatypes.CodeStorage,
			"failed to load history", err))
		return
	}

	// Step 6: SSE setup
	SetSSEHeaders(c.Writer)
	sseWriter, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		slog.Error("Failed to create SSE writer", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		respondChatError(c, datatypes.NewChatError(datatypes.CodeInternal, "Streaming not supported"))
		return
	}

	if err := sseWriter.WriteStatus("Generating response..."); err != nil {
		span.RecordError(err)
		slog.Error("Failed to write status event", "error", err)
		return
	}

	liveStream := NewLiveStream(streamID, conversationID)
	h.live.Register(liveStream)
	defer h.live.Remove(streamID)

	// Step 6.5: Accumulator for exactly-once persistence. Streaming
	// continues without persistence if allocation fails.
	accumulator, accErr := NewDeltaAccumulator()
	if accErr != nil {
		slog.Warn("failed to create delta accumulator, response will not be persisted",
			"conversation_id", conversationID,
			"error", accErr,
		)
	}
	defer func() {
		if accumulator != nil {
			accumulator.Destroy()
		}
	}()

	heartbeatDone := make(chan struct{})
	go h.runHeartbeat(c, sseWriter, func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordKeepAlive(endpoint)
		}
	}, heartbeatDone)

	// Step 7: Stream deltas within the bounded duration.
	streamCtx, cancel := context.WithTimeout(ctx, h.config.StreamTimeout)
	defer cancel()

	var deltaCount int32
	firstTokenTime := time.Time{}
	params := llm.GenerationParams{Model: req.Model, Credential: credential}

	callback := func(event llm.StreamEvent) error {
		select {
		case <-streamCtx.Done():
			return streamCtx.Err()
		default:
		}

		switch event.Type {
		case llm.StreamToken:
			if firstTokenTime.IsZero() {
				firstTokenTime = time.Now()
			}
			atomic.AddInt32(&deltaCount, 1)
			if accumulator != nil {
				if err := accumulator.Write(event.Content); err != nil {
					slog.Warn("failed to accumulate delta for persistence",
						"conversation_id", conversationID,
						"error", err,
						"accumulator_id", accumulator.ID(),
					)
				}
			}
			liveStream.Publish(LiveDelta{Kind: "token", Content: event.Content})
			if m := observability.DefaultMetrics; m != nil {
				m.RecordDelta("token", req.Model)
			}
			return sseWriter.WriteToken(event.Content)

		case llm.StreamThinking:
			liveStream.Publish(LiveDelta{Kind: "thinking", Content: event.Content})
			if m := observability.DefaultMetrics; m != nil {
				m.RecordDelta("thinking", req.Model)
			}
			return sseWriter.WriteThinking(event.Content)
		}
		return nil
	}

	streamErr := client.ChatStream(streamCtx, history, params, callback)
	close(heartbeatDone)
	liveStream.Close(streamErr)

	// Step 8: Exactly-once assistant persistence. A cancelled or timed
	// out stream still persists the partial answer if any deltas
	// arrived; the resume endpoint replays it from here.
	persistCtx := context.WithoutCancel(ctx)
	persisted := h.persistAssistant(persistCtx, conversationID, streamID, accumulator)
	accumulator = nil // Finalize or failure above already wiped it

	if streamErr != nil {
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "completion streaming failed")
		span.SetAttributes(attribute.Int("stream.delta_count", int(atomic.LoadInt32(&deltaCount))))
		slog.Error("Completion streaming failed",
			"conversation_id", conversationID,
			"stream_id", streamID,
			"error", streamErr,
			"delta_count", atomic.LoadInt32(&deltaCount),
			"partial_persisted", persisted != nil,
		)

		_ = h.opts.AuditLogger.Log(persistCtx, extensions.AuditEvent{
			EventType:    "chat.stream",
			Timestamp:    time.Now().UTC(),
			UserID:       userID,
			Action:       "send",
			ResourceType: "conversation",
			ResourceID:   conversationID,
			Outcome:      "failed",
			Metadata: map[string]any{
				"message_id": req.Message.ID,
				"stream_id":  streamID,
				"error":      streamErr.Error(),
			},
		})

		if m := observability.DefaultMetrics; m != nil {
			switch {
			case errors.Is(streamErr, context.Canceled):
				m.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
				m.RecordClientDisconnect(endpoint)
			case errors.Is(streamErr, llm.ErrTimeout), errors.Is(streamErr, context.DeadlineExceeded):
				m.RecordError(endpoint, observability.ErrorCodeTimeout)
			case errors.Is(streamErr, llm.ErrAuth):
				m.RecordError(endpoint, observability.ErrorCodeProviderAuth)
			default:
				m.RecordError(endpoint, observability.ErrorCodeProviderError)
			}
		}

		// The client may already be gone; the write is best-effort.
		_ = sseWriter.WriteError(sanitizeErrorForClient(streamErr.Error()))
		return
	}

	if !firstTokenTime.IsZero() {
		ttft := firstTokenTime.Sub(startTime).Seconds()
		span.SetAttributes(attribute.Float64("stream.time_to_first_token_seconds", ttft))
		if m := observability.DefaultMetrics; m != nil {
			m.RecordTimeToFirstToken(endpoint, ttft)
		}
	}
	span.SetAttributes(attribute.Int("stream.delta_count", int(atomic.LoadInt32(&deltaCount))))

	// Step 9: Done event with the ledger stream id.
	if err := sseWriter.WriteDone(streamID); err != nil {
		span.RecordError(err)
		slog.Error("Failed to write done event", "error", err, "stream_id", streamID)
		return
	}

	_ = h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
		EventType:    "chat.send",
		Timestamp:    time.Now().UTC(),
		UserID:       userID,
		Action:       "send",
		ResourceType: "conversation",
		ResourceID:   conversationID,
		Outcome:      "success",
		Metadata: map[string]any{
			"message_id":    req.Message.ID,
			"stream_id":     streamID,
			"delta_count":   fmt.Sprintf("%d", atomic.LoadInt32(&deltaCount)),
			"processing_ms": fmt.Sprintf("%d", time.Since(startTime).Milliseconds()),
			"model":         req.Model,
			"provider":      req.Provider,
		},
	})

	success = true
	span.SetStatus(codes.Ok, "stream completed successfully")
}

// loadOrCreateConversation returns the conversation, creating it on
// first send. Reports whether a new conversation was created. A
// conversation owned by another user is datatypes.ErrNotFound; id
// existence is never leaked across owners.
func (h *ChatHandler) loadOrCreateConversation(
	ctx context.Context,
	conversationID, userID string,
) (*datatypes.Conversation, bool, error) {
	conv, err := h.store.GetConversation(ctx, conversationID)
	if err == nil {
		if conv.OwnerID != userID {
			return nil, false, fmt.Errorf("conversation %s: %w", conversationID, datatypes.ErrNotFound)
		}
		return conv, false, nil
	}
	if !errors.Is(err, datatypes.ErrNotFound) {
		return nil, false, err
	}

	now := h.clock.Now()
	created := datatypes.Conversation{
		ID:        conversationID,
		OwnerID:   userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateConversation(ctx, created); err != nil {
		if errors.Is(err, datatypes.ErrConflict) {
			// Lost a create race outside our stripe; reload and recheck.
			return h.loadOrCreateConversation(ctx, conversationID, userID)
		}
		return nil, false, err
	}
	slog.Info("conversation created",
		"conversation_id", conversationID,
		"owner_id", userID,
	)
	return &created, true, nil
}

// truncateFromMessage deletes the identified message and everything
// appended after it, using its createdAt as the cutoff. Returns
// datatypes.ErrNotFound if the message is not in the conversation.
func (h *ChatHandler) truncateFromMessage(ctx context.Context, conversationID, messageID string) error {
	msg, err := h.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("load truncation target %s: %w", messageID, err)
	}
	if msg.ConversationID != conversationID {
		// A message id from another conversation reads as absent.
		return fmt.Errorf("message %s in conversation %s: %w", messageID, conversationID, datatypes.ErrNotFound)
	}
	return h.store.DeleteMessagesAfter(ctx, conversationID, msg.CreatedAt)
}

// loadHistory converts the persisted conversation into provider-facing
// chat history, oldest first.
func (h *ChatHandler) loadHistory(ctx context.Context, conversationID string) ([]llm.ChatMessage, error) {
	messages, err := h.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", conversationID, err)
	}
	history := make([]llm.ChatMessage, 0, len(messages))
	for _, m := range messages {
		text := m.Text()
		if text == "" {
			continue
		}
		history = append(history, llm.ChatMessage{
			Role:    string(m.Role),
			Content: text,
		})
	}
	return history, nil
}

// persistAssistant finalizes the accumulator and appends the assistant
// message. Returns nil if nothing accumulated or persistence failed;
// streaming outcome is not affected either way.
func (h *ChatHandler) persistAssistant(
	ctx context.Context,
	conversationID, streamID string,
	accumulator DeltaAccumulator,
) *datatypes.Message {
	if accumulator == nil {
		return nil
	}

	answer, answerHash, err := accumulator.Finalize()
	if err != nil {
		slog.Warn("failed to finalize accumulator, response not persisted",
			"conversation_id", conversationID,
			"stream_id", streamID,
			"error", err,
		)
		return nil
	}
	if answer == "" {
		return nil
	}

	msg := datatypes.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           datatypes.RoleAssistant,
		Parts:          []datatypes.Part{datatypes.TextPart(answer)},
		CreatedAt:      h.clock.Now(),
	}
	if err := h.store.AppendMessages(ctx, []datatypes.Message{msg}); err != nil {
		slog.Error("failed to persist assistant message",
			"conversation_id", conversationID,
			"stream_id", streamID,
			"error", err,
		)
		return nil
	}

	slog.Info("assistant message persisted",
		"conversation_id", conversationID,
		"stream_id", streamID,
		"message_id", msg.ID,
		"answer_hash", answerHash[:16]+"...",
	)
	return &msg
}
