// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"errors"
)

// ErrMessageBlocked is returned when a message is rejected by the filter.
// Implementations should wrap this error with the reason:
//
//	if containsPII(msg) {
//	    return "", fmt.Errorf("message contains PII: %w", ErrMessageBlocked)
//	}
var ErrMessageBlocked = errors.New("message blocked by filter")

// FilterResult contains the outcome of a filter operation: what the
// filter changed, whether the message was blocked outright, and what
// was detected. Useful for audit trails and user feedback.
type FilterResult struct {
	// Original is the input message before filtering.
	Original string

	// Filtered is the message after transformations.
	// If WasModified is false, this equals Original.
	Filtered string

	// WasModified indicates if any transformations were applied.
	WasModified bool

	// WasBlocked indicates the message was rejected entirely.
	// If true, Filtered should not be used.
	WasBlocked bool

	// BlockReason explains why the message was blocked (if WasBlocked).
	BlockReason string

	// Detections lists what the filter found in the message.
	Detections []Detection
}

// Detection describes a single item found by the filter.
type Detection struct {
	// Type categorizes what was detected. Common types: "ssn",
	// "credit_card", "email", "api_key", "pii", "prompt_injection"
	Type string

	// Location describes where in the message the item was found.
	// Format is implementation-specific (e.g. "characters 10-20").
	Location string

	// Action describes what was done: "redacted", "masked",
	// "replaced", "blocked", "flagged".
	Action string

	// Original is the detected content (only populated in debug mode).
	// WARNING: may contain sensitive data.
	Original string

	// Replacement is what the content was replaced with.
	Replacement string
}

// MessageFilter transforms messages around completion calls.
//
// Implementations must be safe for concurrent use.
//
// # Filter Pipeline
//
// Messages flow through filters at three points:
//
//  1. FilterInput: user message before it is persisted and sent to
//     the completion provider (PII redaction, policy blocks).
//  2. FilterOutput: accumulated assistant response before it is
//     persisted (leaked secret removal, disclaimers).
//  3. FilterContext: system prompts and injected context before use.
//
// # Blocking vs Transforming
//
// Filters either transform content and let it through, or reject the
// whole message. To block, return a FilterResult with WasBlocked=true
// and BlockReason set; the caller then logs an audit event and returns
// ErrMessageBlocked to the user without touching the provider.
type MessageFilter interface {
	// FilterInput processes a user message before completion.
	// The error is non-nil only for filter failures, not for blocks.
	FilterInput(ctx context.Context, message string) (*FilterResult, error)

	// FilterOutput processes an assistant response before persistence.
	FilterOutput(ctx context.Context, message string) (*FilterResult, error)

	// FilterContext processes system prompts or injected context.
	FilterContext(ctx context.Context, contextMsg string) (*FilterResult, error)
}

// NopMessageFilter is the default message filter for open source.
// It passes all messages through unchanged. Thread-safe: no mutable
// state.
type NopMessageFilter struct{}

func passthrough(message string) *FilterResult {
	return &FilterResult{Original: message, Filtered: message}
}

// FilterInput returns the message unchanged.
func (f *NopMessageFilter) FilterInput(ctx context.Context, message string) (*FilterResult, error) {
	return passthrough(message), nil
}

// FilterOutput returns the message unchanged.
func (f *NopMessageFilter) FilterOutput(ctx context.Context, message string) (*FilterResult, error) {
	return passthrough(message), nil
}

// FilterContext returns the context unchanged.
func (f *NopMessageFilter) FilterContext(ctx context.Context, contextMsg string) (*FilterResult, error) {
	return passthrough(contextMsg), nil
}

// Compile-time interface compliance check.
var _ MessageFilter = (*NopMessageFilter)(nil)
