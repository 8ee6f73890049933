// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestChatErrorHTTPStatus verifies the code-to-status mapping used at
// the handler boundary.
func TestChatErrorHTTPStatus(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want int
	}{
		{CodeBadRequest, http.StatusBadRequest},
		{CodeUnauthenticated, http.StatusUnauthorized},
		{CodeForbidden, http.StatusForbidden},
		{CodeNotFound, http.StatusNotFound},
		{CodeConflict, http.StatusConflict},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeProviderAuth, http.StatusUnauthorized},
		{CodeStorage, http.StatusInternalServerError},
		{CodeProvider, http.StatusInternalServerError},
		{CodeTimeout, http.StatusInternalServerError},
		{CodeInternal, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			assert.Equal(t, tc.want, NewChatError(tc.code, "x").HTTPStatus())
		})
	}
}

// TestCodeOf verifies code extraction through wrapped error chains.
func TestCodeOf(t *testing.T) {
	base := WrapChatError(CodeNotFound, "conversation missing", ErrNotFound)

	assert.Equal(t, CodeNotFound, CodeOf(base))
	assert.Equal(t, CodeNotFound, CodeOf(fmt.Errorf("handler: %w", base)))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain failure")))

	// The cause stays reachable for errors.Is checks.
	assert.ErrorIs(t, base, ErrNotFound)
}

// TestChatErrorFormatting verifies the rendered message with and
// without a cause.
func TestChatErrorFormatting(t *testing.T) {
	assert.Equal(t, "bad_request: invalid limit",
		NewChatError(CodeBadRequest, "invalid limit").Error())

	wrapped := WrapChatError(CodeStorage, "write failed", errors.New("disk full"))
	assert.Equal(t, "storage_error: write failed: disk full", wrapped.Error())
}
