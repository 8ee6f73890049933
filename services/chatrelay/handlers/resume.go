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
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/ChatRelay/pkg/extensions"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/datatypes"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/observability"
)

// HandleResumeStream serves GET /v1/conversations/:id/stream.
//
// # Description
//
// Reconnects a client to the conversation's most recent stream attempt.
// The last ledger entry decides the outcome:
//
//   - live: the completion is still in flight on this process. The
//     client re-attaches and receives every delta published after this
//     point; deltas delivered before the reconnect are not repeated.
//   - replay: the completion finished recently (within the resume
//     window) and its persisted assistant message is replayed as one
//     event, covering the gap where a client dropped just before the
//     original done event.
//   - empty: no ledger entry, or the last one is stale. The response
//     is an immediate done event.
//
// Every outcome is a 200 SSE response; "nothing to resume" is an empty
// stream, not an error.
//
// # Outputs
//
// SSE Events:
//   - token/thinking: live deltas (live outcome)
//   - replay: {"type":"replay","replay":{...message...}} (replay outcome)
//   - done: terminal event on every outcome
//   - error: the in-flight stream failed after re-attach
//
// HTTP Status (before streaming starts):
//   - 404: Unknown conversation or not the caller's
//   - 500: Storage or SSE setup failure
func (h *ChatHandler) HandleResumeStream(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointResumeStream

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleResumeStream")
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

	userID := currentUserID(c)
	conversationID := c.Param("id")
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.String("conversation.id", conversationID),
	)

	if _, ok := h.ownedConversation(ctx, c, conversationID, userID); !ok {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeValidation)
		}
		return
	}

	streamIDs, err := h.ledger.ListStreamIDs(ctx, conversationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger read failed")
		slog.Error("Failed to read stream ledger",
			"conversation_id", conversationID,
			"error", err,
		)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeStorage)
		}
		respondChatError(c, datatypes.WrapChatError(datatypes.CodeStorage,
			"failed to read stream ledger", err))
		return
	}

	SetSSEHeaders(c.Writer)
	sseWriter, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
		}
		respondChatError(c, datatypes.NewChatError(datatypes.CodeInternal, "Streaming not supported"))
		return
	}

	// The last ledger entry is authoritative; earlier ones are history.
	lastStreamID := ""
	if len(streamIDs) > 0 {
		lastStreamID = streamIDs[len(streamIDs)-1]
	}
	span.SetAttributes(attribute.String("stream.id", lastStreamID))

	outcome := observability.ResumeEmpty
	switch {
	case lastStreamID == "":
		// Nothing ever streamed here.

	default:
		if live := h.live.Lookup(lastStreamID); live != nil {
			outcome = observability.ResumeLive
			span.SetAttributes(attribute.String("resume.outcome", string(outcome)))
			h.attachToLiveStream(c, sseWriter, live, endpoint)
			h.recordResume(ctx, userID, conversationID, lastStreamID, outcome)
			success = true
			return
		}

		if replay := h.replayableMessage(ctx, conversationID); replay != nil {
			outcome = observability.ResumeReplay
			if err := sseWriter.WriteReplay(replay); err != nil {
				span.RecordError(err)
				slog.Error("Failed to write replay event",
					"conversation_id", conversationID,
					"error", err,
				)
				return
			}
		}
	}
	span.SetAttributes(attribute.String("resume.outcome", string(outcome)))

	if err := sseWriter.WriteDone(lastStreamID); err != nil {
		span.RecordError(err)
		slog.Error("Failed to write done event", "error", err)
		return
	}

	h.recordResume(ctx, userID, conversationID, lastStreamID, outcome)
	success = true
	span.SetStatus(codes.Ok, "resume completed")
}

// attachToLiveStream subscribes to an in-flight completion and forwards
// its deltas until it ends or the client disconnects.
func (h *ChatHandler) attachToLiveStream(
	c *gin.Context,
	sseWriter SSEWriter,
	live *LiveStream,
	endpoint observability.Endpoint,
) {
	deltas, cancel := live.Subscribe()
	defer cancel()

	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go h.runHeartbeat(c, sseWriter, func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordKeepAlive(endpoint)
		}
	}, heartbeatDone)

	for {
		select {
		case <-c.Request.Context().Done():
			if m := observability.DefaultMetrics; m != nil {
				m.RecordClientDisconnect(endpoint)
			}
			return

		case delta, ok := <-deltas:
			if !ok {
				// Stream ended (or we were evicted as a slow consumer).
				if streamErr := live.Err(); streamErr != nil {
					_ = sseWriter.WriteError(sanitizeErrorForClient(streamErr.Error()))
					return
				}
				_ = sseWriter.WriteDone(live.ID())
				return
			}

			var writeErr error
			switch delta.Kind {
			case "thinking":
				writeErr = sseWriter.WriteThinking(delta.Content)
			default:
				writeErr = sseWriter.WriteToken(delta.Content)
			}
			if writeErr != nil {
				slog.Debug("Failed to forward live delta", "error", writeErr)
				return
			}
		}
	}
}

// replayableMessage returns the conversation's last assistant message
// if it was persisted within the resume window, else nil. The window
// covers clients that dropped between the final delta and the done
// event; older messages are already in the client's message list.
func (h *ChatHandler) replayableMessage(ctx context.Context, conversationID string) *datatypes.Message {
	messages, err := h.store.ListMessages(ctx, conversationID)
	if err != nil {
		slog.Warn("failed to load messages for replay check",
			"conversation_id", conversationID,
			"error", err,
		)
		return nil
	}

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != datatypes.RoleAssistant {
			continue
		}
		if h.clock.Now().Sub(messages[i].CreatedAt) <= h.config.ResumeWindow {
			msg := messages[i]
			return &msg
		}
		return nil
	}
	return nil
}

// recordResume emits the resume outcome to metrics and the audit log.
func (h *ChatHandler) recordResume(
	ctx context.Context,
	userID, conversationID, streamID string,
	outcome observability.ResumeOutcome,
) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordResume(outcome)
	}
	_ = h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
		EventType:    "chat.resume",
		Timestamp:    time.Now().UTC(),
		UserID:       userID,
		Action:       "resume",
		ResourceType: "conversation",
		ResourceID:   conversationID,
		Outcome:      string(outcome),
		Metadata:     map[string]any{"stream_id": streamID},
	})
}
