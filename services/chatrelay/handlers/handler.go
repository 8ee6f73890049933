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
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/ChatRelay/pkg/extensions"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/datatypes"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/llm"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/middleware"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/store"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/ttl"
)

const (
	// heartbeatInterval is the interval for sending keepalive pings.
	// Set to 15s to stay well under typical LB timeouts (60s for
	// ALB/Nginx).
	heartbeatInterval = 15 * time.Second

	// lockStripes sizes the striped conversation lock table.
	lockStripes = 64
)

// HandlerConfig tunes streaming and resume behavior.
//
// # Fields
//
//   - StreamTimeout: Bounded duration for one completion. The provider
//     stream is cancelled when it elapses and whatever accumulated is
//     persisted.
//   - ResumeWindow: How recently a finished stream's assistant message
//     must have been persisted for a resume to replay it.
type HandlerConfig struct {
	StreamTimeout time.Duration
	ResumeWindow  time.Duration
}

// DefaultHandlerConfig returns a 60s completion bound and a 15s replay
// window.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		StreamTimeout: 60 * time.Second,
		ResumeWindow:  15 * time.Second,
	}
}

// ChatHandler serves the conversation endpoints.
//
// # Description
//
// ChatHandler coordinates the HTTP layer with the conversation store,
// the stream ledger, the completion provider registry, and the
// process-local live stream registry. Per-conversation striped locks
// serialize sends into the same conversation; different conversations
// proceed concurrently.
//
// # Thread Safety
//
// Safe for concurrent use. All fields except the lock table are
// read-only after construction.
type ChatHandler struct {
	store     store.ConversationStore
	ledger    store.StreamLedger
	providers *llm.Registry
	live      *StreamRegistry
	clock     ttl.Clock
	opts      extensions.ServiceOptions
	tracer    trace.Tracer
	config    HandlerConfig

	convLocks [lockStripes]sync.Mutex
}

// NewChatHandler creates a ChatHandler with the provided dependencies.
//
// # Inputs
//
//   - convStore: Conversation persistence. Must not be nil.
//   - ledger: Stream ledger. Must not be nil.
//   - providers: Completion provider registry. Must not be nil.
//   - live: Live stream registry for same-process resume. Must not be nil.
//   - clock: Time source for the resume freshness window.
//   - opts: Extension options (auth, audit, filter).
//   - config: Stream and resume tuning.
//
// Panics on nil required dependencies; these are programming errors.
func NewChatHandler(
	convStore store.ConversationStore,
	ledger store.StreamLedger,
	providers *llm.Registry,
	live *StreamRegistry,
	clock ttl.Clock,
	opts extensions.ServiceOptions,
	config HandlerConfig,
) *ChatHandler {
	if convStore == nil {
		panic("NewChatHandler: convStore must not be nil")
	}
	if ledger == nil {
		panic("NewChatHandler: ledger must not be nil")
	}
	if providers == nil {
		panic("NewChatHandler: providers must not be nil")
	}
	if live == nil {
		panic("NewChatHandler: live must not be nil")
	}
	if clock == nil {
		clock = ttl.SystemClock{}
	}
	if config.StreamTimeout <= 0 {
		config.StreamTimeout = DefaultHandlerConfig().StreamTimeout
	}
	if config.ResumeWindow <= 0 {
		config.ResumeWindow = DefaultHandlerConfig().ResumeWindow
	}

	return &ChatHandler{
		store:     convStore,
		ledger:    ledger,
		providers: providers,
		live:      live,
		clock:     clock,
		opts:      opts,
		tracer:    otel.Tracer("chatrelay.handlers"),
		config:    config,
	}
}

// lockConversation acquires the stripe lock for the conversation and
// returns its unlock function. Sends into the same conversation are
// serialized; the stripe table bounds memory regardless of how many
// conversations exist.
func (h *ChatHandler) lockConversation(conversationID string) func() {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(conversationID))
	stripe := &h.convLocks[hasher.Sum32()%lockStripes]
	stripe.Lock()
	return stripe.Unlock
}

// currentUserID returns the authenticated user id, or "anonymous".
func currentUserID(c *gin.Context) string {
	if info := middleware.GetAuthInfo(c); info != nil {
		return info.UserID
	}
	return "anonymous"
}

// runHeartbeat sends keepalive pings until done or ctx closes.
func (h *ChatHandler) runHeartbeat(
	c *gin.Context,
	writer SSEWriter,
	onPing func(),
	done <-chan struct{},
) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			if onPing != nil {
				onPing()
			}
		}
	}
}

// respondChatError writes a pre-stream failure as the JSON error
// response, mapping the error chain onto the taxonomy code and status.
// Anything that is not a ChatError is reported as internal; the cause
// stays in the log, never in the response.
func respondChatError(c *gin.Context, err error) {
	var ce *datatypes.ChatError
	if !errors.As(err, &ce) {
		ce = datatypes.WrapChatError(datatypes.CodeInternal, "internal error", err)
	}
	c.JSON(ce.HTTPStatus(), gin.H{"error": ce.Message, "code": ce.Code})
}

// sanitizeErrorForClient returns a generic message for in-stream error
// events. Full errors are logged internally; internals never reach the
// client.
func sanitizeErrorForClient(errMsg string) string {
	slog.Debug("Sanitizing error for client", "original_error", errMsg)
	return "An error occurred while processing your request"
}
