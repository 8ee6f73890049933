// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"time"
)

// AuditEvent represents a security-relevant event for compliance logging.
//
// # Event Categories
//
// Events are categorized by type for filtering and alerting:
//   - Authentication: "auth.failed"
//   - Authorization: "authz.denied"
//   - Conversations: "chat.send", "chat.stream", "chat.resume",
//     "chat.delete", "chat.blocked"
//   - System: "system.start", "system.stop"
//
// # Compliance Fields
//
// For regulatory compliance, always populate UserID (GDPR
// right-to-know), Timestamp (audit trail integrity), and
// ResourceType/ResourceID (data lineage).
type AuditEvent struct {
	// EventType categorizes the event, formatted "category.action"
	// (e.g. "chat.send", "auth.failed").
	EventType string

	// Timestamp is when the event occurred (always UTC).
	// If zero, implementations should set it to time.Now().UTC().
	Timestamp time.Time

	// UserID identifies who performed the action.
	// Use "system" for automated actions, "anonymous" if unknown.
	UserID string

	// Action describes the operation attempted.
	// Common values: "create", "read", "delete", "send", "stream"
	Action string

	// ResourceType is the category of resource involved.
	// Examples: "conversation", "message", "stream"
	ResourceType string

	// ResourceID is the specific resource instance (optional).
	ResourceID string

	// Outcome indicates the result: "success", "failure", "blocked",
	// or "error".
	Outcome string

	// Metadata holds additional event-specific data. Common keys:
	// "error", "ip_address", "model", "provider", "duration_ms",
	// "stream_id".
	Metadata map[string]any
}

// AuditFilter defines criteria for querying audit events.
//
// All fields are optional; only non-zero values are applied, combined
// with AND logic.
type AuditFilter struct {
	// EventTypes limits results to specific event types.
	EventTypes []string

	// UserID limits results to events from a specific user.
	UserID string

	// StartTime is the earliest event timestamp to include (inclusive).
	StartTime time.Time

	// EndTime is the latest event timestamp to include (exclusive).
	EndTime time.Time

	// ResourceType limits results to a resource category.
	ResourceType string

	// ResourceID limits results to a specific resource.
	ResourceID string

	// Outcome limits results to events with a specific outcome.
	Outcome string

	// Limit is the maximum number of events to return.
	// Zero means implementation-specific default.
	Limit int

	// Offset is the number of events to skip (for pagination).
	Offset int
}

// AuditLogger records security-relevant events for compliance and
// analysis.
//
// Implementations must be safe for concurrent use. The Log method is
// called on the request path, so it should be non-blocking or have
// tight timeouts; for compliance-critical events, sync persistence
// is recommended.
//
// # Open Source Behavior
//
// The default NopAuditLogger discards all events.
//
// # Enterprise Implementation
//
// Enterprise versions ship events to SIEM systems (Splunk, Datadog,
// ELK), cloud logging, or compliance databases.
type AuditLogger interface {
	// Log records a security-relevant event. Implementations should
	// set Timestamp if zero, validate EventType and UserID, and
	// return quickly.
	Log(ctx context.Context, event AuditEvent) error

	// Query retrieves audit events matching the filter, ordered by
	// Timestamp descending.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Flush ensures all buffered events are persisted. Call before
	// shutdown to prevent event loss; sync implementations may no-op.
	Flush(ctx context.Context) error
}

// NopAuditLogger is the default audit logger for open source.
// It discards all events. Thread-safe: no mutable state.
type NopAuditLogger struct{}

// Log discards the event without recording it.
func (l *NopAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	return nil
}

// Query returns an empty slice (no events are stored).
func (l *NopAuditLogger) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

// Flush is a no-op since nothing is buffered.
func (l *NopAuditLogger) Flush(ctx context.Context) error {
	return nil
}

// Compile-time interface compliance check.
var _ AuditLogger = (*NopAuditLogger)(nil)
