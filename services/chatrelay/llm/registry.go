// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrUnknownProvider indicates a request named a provider key that is
// not configured in this deployment.
var ErrUnknownProvider = errors.New("unknown provider")

// Registry maps provider keys (e.g. "openai") to completion clients.
//
// # Description
//
// The set of providers is deployment configuration: clients are
// registered once at startup and looked up per request by the key the
// client sends. Lookups of unregistered keys fail with
// ErrUnknownProvider so handlers can reject the request as invalid
// rather than failing mid-stream.
//
// # Thread Safety
//
// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds or replaces the client for a provider key.
func (r *Registry) Register(key string, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[key] = client
	slog.Info("Registered completion provider", "provider", key)
}

// Get returns the client for a provider key.
//
// # Outputs
//
//   - Client: The registered client.
//   - error: ErrUnknownProvider if the key is not configured.
func (r *Registry) Get(key string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[key]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", key, ErrUnknownProvider)
	}
	return client, nil
}

// Providers returns the configured provider keys in sorted order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.clients))
	for k := range r.clients {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
