// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNopAuthProvider verifies the default provider authenticates any
// token as the local admin user.
func TestNopAuthProvider(t *testing.T) {
	provider := &NopAuthProvider{}

	info, err := provider.Validate(context.Background(), "any-token")
	require.NoError(t, err)
	assert.Equal(t, "local-user", info.UserID)
	assert.True(t, info.HasRole("admin"))
	assert.False(t, info.HasRole("auditor"))

	// Empty tokens authenticate too; local deployments have no tokens.
	info, err = provider.Validate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "local-user", info.UserID)
}

// TestNopAuthzProvider verifies the default provider allows everything.
func TestNopAuthzProvider(t *testing.T) {
	provider := &NopAuthzProvider{}

	err := provider.Authorize(context.Background(), AuthzRequest{
		User:         &AuthInfo{UserID: "anyone"},
		Action:       "delete",
		ResourceType: "conversation",
		ResourceID:   "chat-123",
	})
	assert.NoError(t, err)
}

// TestNopAuditLogger verifies the default logger discards events.
func TestNopAuditLogger(t *testing.T) {
	logger := &NopAuditLogger{}
	ctx := context.Background()

	err := logger.Log(ctx, AuditEvent{
		EventType: "chat.send",
		UserID:    "local-user",
		Timestamp: time.Now().UTC(),
	})
	assert.NoError(t, err)

	events, err := logger.Query(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.NoError(t, logger.Flush(ctx))
}

// TestNopMessageFilter verifies the default filter passes messages
// through unchanged.
func TestNopMessageFilter(t *testing.T) {
	filter := &NopMessageFilter{}
	ctx := context.Background()

	result, err := filter.FilterInput(ctx, "my SSN is 123-45-6789")
	require.NoError(t, err)
	assert.Equal(t, "my SSN is 123-45-6789", result.Filtered)
	assert.False(t, result.WasModified)
	assert.False(t, result.WasBlocked)

	result, err = filter.FilterOutput(ctx, "assistant reply")
	require.NoError(t, err)
	assert.Equal(t, "assistant reply", result.Filtered)

	result, err = filter.FilterContext(ctx, "system prompt")
	require.NoError(t, err)
	assert.Equal(t, "system prompt", result.Filtered)
}

// TestDefaultOptions verifies every extension point gets a no-op default.
func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.NotNil(t, opts.AuthProvider)
	assert.NotNil(t, opts.AuthzProvider)
	assert.NotNil(t, opts.AuditLogger)
	assert.NotNil(t, opts.MessageFilter)
}

// TestServiceOptionsFluent verifies the With* helpers replace only the
// named field.
func TestServiceOptionsFluent(t *testing.T) {
	custom := &NopAuthProvider{}
	opts := DefaultOptions().WithAuth(custom)
	assert.Same(t, custom, opts.AuthProvider)
	assert.NotNil(t, opts.AuditLogger)

	logger := &NopAuditLogger{}
	opts = opts.WithAudit(logger)
	assert.Same(t, logger, opts.AuditLogger)

	authz := &NopAuthzProvider{}
	opts = opts.WithAuthz(authz)
	assert.Same(t, authz, opts.AuthzProvider)

	filter := &NopMessageFilter{}
	opts = opts.WithFilter(filter)
	assert.Same(t, filter, opts.MessageFilter)
}

// TestMetadata verifies the typed accessors and copy semantics.
func TestMetadata(t *testing.T) {
	meta := NewMetadata().
		Set("session_id", "sess-123").
		Set("mfa_verified", true).
		Set("attempts", 3).
		Set("expires", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	s, ok := meta.GetString("session_id")
	assert.True(t, ok)
	assert.Equal(t, "sess-123", s)

	b, ok := meta.GetBool("mfa_verified")
	assert.True(t, ok)
	assert.True(t, b)

	i, ok := meta.GetInt("attempts")
	assert.True(t, ok)
	assert.Equal(t, 3, i)

	ts, ok := meta.GetTime("expires")
	assert.True(t, ok)
	assert.Equal(t, 2026, ts.Year())

	// Wrong type and missing key both report false.
	_, ok = meta.GetString("attempts")
	assert.False(t, ok)
	_, ok = meta.Get("missing")
	assert.False(t, ok)

	assert.True(t, meta.Has("session_id"))
	meta.Delete("session_id")
	assert.False(t, meta.Has("session_id"))

	clone := meta.Clone()
	clone.Set("attempts", 9)
	i, _ = meta.GetInt("attempts")
	assert.Equal(t, 3, i)

	meta.Merge(NewMetadata().Set("merged", true))
	assert.True(t, meta.Has("merged"))
}
