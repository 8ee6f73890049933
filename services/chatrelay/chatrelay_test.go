// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chatrelay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ChatRelay/services/chatrelay/observability"
)

// TestNewHonorsMetricsToggle verifies a deployment can opt out of the
// streaming metrics registry.
func TestNewHonorsMetricsToggle(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key")
	t.Setenv("CHATRELAY_INSECURE_MEMORY", "true")

	svc, err := New(Config{DataDir: ":memory:", EnableMetrics: false}, nil)
	require.NoError(t, err)
	t.Cleanup(svc.cleanup)

	assert.Nil(t, observability.DefaultMetrics)
	assert.NotNil(t, svc.Router())
}

// TestApplyConfigDefaults verifies caller-supplied values survive the
// defaulting pass.
func TestApplyConfigDefaults(t *testing.T) {
	cfg := applyConfigDefaults(Config{})
	assert.Equal(t, 12230, cfg.Port)
	assert.False(t, cfg.EnableMetrics)

	cfg = applyConfigDefaults(Config{EnableMetrics: true})
	assert.True(t, cfg.EnableMetrics)
}
