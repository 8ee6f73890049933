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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/ChatRelay/services/chatrelay/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for writing Server-Sent Events to HTTP
// responses.
//
// # Description
//
// SSEWriter abstracts SSE event serialization and writing, enabling
// testability and separation from HTTP response mechanics.
// Implementations handle the SSE wire format (event: type\ndata: json\n\n)
// internally.
//
// Each event is automatically assigned:
//   - Id: UUID v4 for ordering and deduplication
//   - CreatedAt: Unix timestamp in milliseconds
//   - Hash: SHA-256 hash of event content for integrity
//   - PrevHash: Hash of previous event for chain verification
//
// # Thread Safety
//
// Implementations must be safe for concurrent use: streaming handlers
// emit deltas and keepalives from different goroutines.
//
// # Assumptions
//
//   - Caller has set Content-Type: text/event-stream before writing
//   - Caller has disabled buffering (X-Accel-Buffering: no)
type SSEWriter interface {
	// WriteEvent writes a single SSE event. Id, CreatedAt, Hash and
	// PrevHash are populated automatically; the event is flushed
	// immediately after writing.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus writes a status event with a human-readable message
	// (e.g. "Generating response...").
	WriteStatus(message string) error

	// WriteToken writes a token event carrying a visible content
	// fragment. No buffering; each token is sent immediately.
	WriteToken(content string) error

	// WriteThinking writes a thinking event carrying a model reasoning
	// fragment. Only emitted for models with extended thinking.
	WriteThinking(content string) error

	// WriteReplay writes a replay event carrying a full persisted
	// assistant message. Used on resume when the stream finished
	// recently enough that the client likely missed its tail.
	WriteReplay(message *datatypes.Message) error

	// WriteError writes an error event and signals stream failure.
	// The message must be sanitized; internal details never reach the
	// client. The stream should be closed after this event.
	WriteError(errMsg string) error

	// WriteDone writes the final event indicating successful stream
	// completion, carrying the ledger stream id so reconnecting
	// clients can correlate. Call at most once per stream.
	WriteDone(streamID string) error

	// WriteKeepAlive sends a comment line (": ping") to keep the TCP
	// connection alive during provider stalls. Comments are ignored
	// by SSE clients but reset load balancer timeout counters (AWS
	// ALB, Nginx default 60s). Does not update the hash chain.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

// sseWriter implements SSEWriter for HTTP SSE responses.
//
// # Description
//
// Wraps an http.ResponseWriter to emit SSE-formatted events:
//
//	event: {type}
//	data: {json}
//
// The writer maintains a hash chain for integrity verification: each
// event's Hash is SHA-256 of its content and each event's PrevHash
// links to the previous event, giving chain of custody over streamed
// content and timestamps.
//
// # Thread Safety
//
// Thread-safe via mutex; chain integrity holds across concurrent
// writes.
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter creates a new SSEWriter for the given ResponseWriter.
//
// # Inputs
//
//   - w: HTTP ResponseWriter. Must implement http.Flusher.
//
// # Outputs
//
//   - SSEWriter: Ready to write SSE events.
//   - error: Non-nil if the ResponseWriter doesn't support flushing.
//
// # Assumptions
//
//   - Caller has set SSE headers via SetSSEHeaders().
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &sseWriter{
		writer:  w,
		flusher: flusher,
	}, nil
}

// WriteEvent writes a single SSE event to the response.
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash

	// Hash is computed over all other fields, then chained.
	event.Hash = w.computeEventHash(event)
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// computeEventHash computes the SHA-256 hash of event content.
//
// Hashes metadata (Id, Type, CreatedAt, PrevHash) and all content
// fields; the replay message is JSON-serialized for consistent
// hashing. Must be called before event.Hash is set.
func (w *sseWriter) computeEventHash(event datatypes.StreamEvent) string {
	replayJSON := ""
	if event.Replay != nil {
		if data, err := json.Marshal(event.Replay); err == nil {
			replayJSON = string(data)
		}
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Content,
		event.Message,
		event.Error,
		event.StreamID,
		replayJSON,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// WriteStatus writes a status event with the given message.
func (w *sseWriter) WriteStatus(message string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    "status",
		Message: message,
	})
}

// WriteToken writes a token event with the given content.
func (w *sseWriter) WriteToken(content string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    "token",
		Content: content,
	})
}

// WriteThinking writes a thinking event with the given content.
func (w *sseWriter) WriteThinking(content string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    "thinking",
		Content: content,
	})
}

// WriteReplay writes a replay event carrying a persisted assistant
// message.
func (w *sseWriter) WriteReplay(message *datatypes.Message) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:   "replay",
		Replay: message,
	})
}

// WriteError writes an error event. The message must already be
// sanitized; internal details never reach the client.
func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:  "error",
		Error: errMsg,
	})
}

// WriteDone writes the done event with the ledger stream id.
func (w *sseWriter) WriteDone(streamID string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:     "done",
		StreamID: streamID,
	})
}

// WriteKeepAlive sends a comment line to keep the connection alive.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// SSE comment format: colon followed by text, then double newline
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures HTTP response headers for SSE streaming:
// text/event-stream content type, cache and proxy buffering disabled.
// Must be called before writing any response body.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
