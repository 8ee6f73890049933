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
	"sync"
)

// subscriberBuffer is the per-subscriber channel depth. A resumed
// client that cannot drain this many deltas is evicted rather than
// blocking the producing stream.
const subscriberBuffer = 256

// LiveDelta is a single in-flight completion fragment fanned out to
// resume subscribers.
type LiveDelta struct {
	// Kind is "token" or "thinking".
	Kind    string
	Content string
}

// LiveStream fans out deltas from one in-flight completion.
//
// # Description
//
// The streaming handler publishes each delta as it arrives from the
// provider; resumed connections subscribe and receive every delta
// published after their subscription point. Deltas delivered before a
// subscriber attached are not replayed here; the caller replays the
// persisted prefix separately if it needs one.
//
// # Thread Safety
//
// Safe for concurrent use.
type LiveStream struct {
	id             string
	conversationID string

	mu       sync.Mutex
	subs     map[int]chan LiveDelta
	nextSub  int
	closed   bool
	closeErr error
	done     chan struct{}
}

// NewLiveStream creates a live stream for one completion, identified
// by its ledger stream id.
func NewLiveStream(streamID, conversationID string) *LiveStream {
	return &LiveStream{
		id:             streamID,
		conversationID: conversationID,
		subs:           make(map[int]chan LiveDelta),
		done:           make(chan struct{}),
	}
}

// ID returns the ledger stream id.
func (s *LiveStream) ID() string { return s.id }

// ConversationID returns the conversation this stream belongs to.
func (s *LiveStream) ConversationID() string { return s.conversationID }

// Publish fans a delta out to all current subscribers. Subscribers
// that cannot keep up are evicted so the producer never blocks.
// No-op after Close.
func (s *LiveStream) Publish(delta LiveDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	for id, ch := range s.subs {
		select {
		case ch <- delta:
		default:
			delete(s.subs, id)
			close(ch)
		}
	}
}

// Subscribe attaches a new subscriber receiving deltas published from
// this point on. The returned channel is closed when the stream ends
// or the subscriber is evicted; call cancel to detach early. Returns a
// closed channel if the stream has already finished.
func (s *LiveStream) Subscribe() (<-chan LiveDelta, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan LiveDelta, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close ends the stream, closing all subscriber channels. err records
// why the stream ended (nil for normal completion) and is readable via
// Err afterward. Idempotent.
func (s *LiveStream) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.closeErr = err

	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	close(s.done)
}

// Done is closed when the stream ends.
func (s *LiveStream) Done() <-chan struct{} { return s.done }

// Err returns the error the stream was closed with, or nil. Only
// meaningful after Done is closed.
func (s *LiveStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// StreamRegistry tracks in-flight completions by ledger stream id so
// resumed connections on the same process can re-attach.
//
// # Limitations
//
//   - Process-local. A resume landing on another replica falls back to
//     replaying the persisted message.
type StreamRegistry struct {
	mu      sync.RWMutex
	streams map[string]*LiveStream
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{
		streams: make(map[string]*LiveStream),
	}
}

// Register adds a live stream. The caller must Remove it when the
// completion finishes.
func (r *StreamRegistry) Register(stream *LiveStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[stream.ID()] = stream
}

// Lookup returns the live stream for the given ledger stream id, or
// nil if the completion is not in flight on this process.
func (r *StreamRegistry) Lookup(streamID string) *LiveStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.streams[streamID]
}

// Remove drops a finished stream from the registry.
func (r *StreamRegistry) Remove(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, streamID)
}

// Len returns the number of in-flight streams.
func (r *StreamRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}
