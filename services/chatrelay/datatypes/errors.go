// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode categorizes failures across the service.
//
// # Description
//
// The taxonomy is fixed: validation and authorization failures surface
// before any stream starts as structured JSON errors; completion backend
// failures surface mid-stream as terminal error events. Handlers map codes
// to HTTP statuses via HTTPStatus.
type ErrorCode string

const (
	// CodeBadRequest indicates a schema or validation failure.
	CodeBadRequest ErrorCode = "bad_request"

	// CodeUnauthenticated indicates the request carried no principal.
	CodeUnauthenticated ErrorCode = "unauthenticated"

	// CodeForbidden indicates an authenticated caller that does not own
	// the target conversation.
	CodeForbidden ErrorCode = "forbidden"

	// CodeNotFound indicates a missing conversation, message, or stream.
	CodeNotFound ErrorCode = "not_found"

	// CodeConflict indicates a duplicate id on create.
	CodeConflict ErrorCode = "conflict"

	// CodeRateLimited indicates the caller exceeded the send quota.
	CodeRateLimited ErrorCode = "rate_limited"

	// CodeStorage indicates a persistence failure.
	CodeStorage ErrorCode = "storage_error"

	// CodeProvider indicates an upstream completion backend failure.
	CodeProvider ErrorCode = "provider_error"

	// CodeProviderAuth indicates a bad or missing provider credential.
	CodeProviderAuth ErrorCode = "provider_auth_error"

	// CodeTimeout indicates the completion exceeded its bounded duration.
	CodeTimeout ErrorCode = "timeout"

	// CodeInternal indicates an unexpected server-side failure.
	CodeInternal ErrorCode = "internal"
)

// ChatError is the structured error carried across component boundaries.
type ChatError struct {
	Code    ErrorCode
	Message string
	cause   error
}

// NewChatError creates a ChatError with the given code and message.
func NewChatError(code ErrorCode, message string) *ChatError {
	return &ChatError{Code: code, Message: message}
}

// WrapChatError creates a ChatError wrapping an underlying cause.
func WrapChatError(code ErrorCode, message string, cause error) *ChatError {
	return &ChatError{Code: code, Message: message, cause: cause}
}

func (e *ChatError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ChatError) Unwrap() error {
	return e.cause
}

// HTTPStatus maps the error code to an HTTP status for pre-stream
// failures. Mid-stream failures never reach this path; they are emitted
// as terminal in-stream error events instead.
func (e *ChatError) HTTPStatus() int {
	switch e.Code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeProviderAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf extracts the ErrorCode from an error chain, or CodeInternal if
// no ChatError is present.
func CodeOf(err error) ErrorCode {
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// Sentinels for the store layer. Handlers wrap these into ChatErrors at
// the boundary; the store stays free of HTTP concerns.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)
