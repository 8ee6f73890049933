// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/ChatRelay/pkg/extensions"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/handlers"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/llm"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/middleware"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/store"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/ttl"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

// mockClient is a minimal mock for llm.Client
type mockClient struct{}

func (m *mockClient) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	return "mock response", nil
}

func (m *mockClient) ChatStream(_ context.Context, _ []llm.ChatMessage, _ llm.GenerationParams, callback llm.StreamCallback) error {
	return callback(llm.StreamEvent{Type: llm.StreamToken, Content: "mock stream"})
}

func newTestHandler(t *testing.T) *handlers.ChatHandler {
	t.Helper()

	db, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st := store.New(db)

	providers := llm.NewRegistry()
	providers.Register("openai", &mockClient{})

	return handlers.NewChatHandler(st, st, providers, handlers.NewStreamRegistry(),
		ttl.SystemClock{}, extensions.DefaultOptions(), handlers.DefaultHandlerConfig())
}

// ============================================================================
// SetupRoutes Tests
// ============================================================================

func TestSetupRoutes_RegistersConversationRoutes(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, newTestHandler(t), nil, nil)

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"GET", "/v1/conversations"},
		{"GET", "/v1/conversations/:id/messages"},
		{"GET", "/v1/conversations/:id/stream"},
		{"DELETE", "/v1/conversations/:id"},
		{"POST", "/v1/conversations/:id/messages"},
	}

	routes := router.Routes()
	for _, want := range expected {
		found := false
		for _, r := range routes {
			if r.Method == want.method && r.Path == want.path {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected route %s %s not found", want.method, want.path)
		}
	}
}

func TestSetupRoutes_HealthEndpoint(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, newTestHandler(t), nil, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Health endpoint returned %d, want %d", w.Code, http.StatusOK)
	}
}

func TestSetupRoutes_MetricsEndpoint(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, newTestHandler(t), nil, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/metrics", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Metrics endpoint returned %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("Content-Type") == "" {
		t.Error("Metrics endpoint should return Content-Type header")
	}
}

func TestSetupRoutes_SendRateLimited(t *testing.T) {
	router := gin.New()
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: 1,
		Burst:             1,
	})
	SetupRoutes(router, newTestHandler(t), nil, limiter)

	// First request consumes the only token; gets past the limiter
	// regardless of what the handler then says about the body.
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/conversations/conv-1/messages", nil)
	router.ServeHTTP(w, req)
	if w.Code == http.StatusTooManyRequests {
		t.Fatalf("First request should not be rate limited, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("POST", "/v1/conversations/conv-1/messages", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Second request returned %d, want %d", w.Code, http.StatusTooManyRequests)
	}
}

func TestSetupRoutes_ListingNotRateLimited(t *testing.T) {
	router := gin.New()
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: 1,
		Burst:             1,
	})
	SetupRoutes(router, newTestHandler(t), nil, limiter)

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/v1/conversations", nil)
		router.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			t.Fatalf("Listing request %d was rate limited", i)
		}
	}
}

func TestSetupRoutes_NilHandler_Panics(t *testing.T) {
	router := gin.New()

	defer func() {
		if recover() == nil {
			t.Error("Expected SetupRoutes to panic with nil handler")
		}
	}()

	SetupRoutes(router, nil, nil, nil)
}
