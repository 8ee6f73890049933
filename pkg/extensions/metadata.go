// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import "time"

// Metadata stores arbitrary key-value pairs for identity claims and
// audit context.
//
// A defined type rather than a bare map[string]any gives clearer
// signatures and room for type-safe accessors. Common keys:
// "session_id", "request_id", "mfa_verified", "department",
// "ip_address", "duration_ms".
//
// # Thread Safety
//
// Metadata is NOT thread-safe. Do not share one instance across
// goroutines without external synchronization.
//
// Example:
//
//	meta := extensions.NewMetadata().
//	    Set("session_id", sessionID).
//	    Set("mfa_verified", true)
type Metadata map[string]any

// NewMetadata creates an empty Metadata instance.
func NewMetadata() Metadata {
	return make(Metadata)
}

// Set adds or updates a key-value pair and returns the Metadata for
// chaining.
func (m Metadata) Set(key string, value any) Metadata {
	m[key] = value
	return m
}

// Get retrieves a value by key, reporting whether the key exists.
func (m Metadata) Get(key string) (any, bool) {
	value, ok := m[key]
	return value, ok
}

// GetString retrieves a string value by key. Returns "" and false if
// the key is absent or the value is not a string.
func (m Metadata) GetString(key string) (string, bool) {
	value, ok := m[key]
	if !ok {
		return "", false
	}
	str, ok := value.(string)
	return str, ok
}

// GetInt retrieves an int value by key.
func (m Metadata) GetInt(key string) (int, bool) {
	value, ok := m[key]
	if !ok {
		return 0, false
	}
	i, ok := value.(int)
	return i, ok
}

// GetBool retrieves a bool value by key.
func (m Metadata) GetBool(key string) (bool, bool) {
	value, ok := m[key]
	if !ok {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

// GetTime retrieves a time.Time value by key.
func (m Metadata) GetTime(key string) (time.Time, bool) {
	value, ok := m[key]
	if !ok {
		return time.Time{}, false
	}
	t, ok := value.(time.Time)
	return t, ok
}

// Has checks if a key exists, regardless of its value.
func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Delete removes a key and returns the Metadata for chaining. Safe to
// call for absent keys.
func (m Metadata) Delete(key string) Metadata {
	delete(m, key)
	return m
}

// Clone creates a shallow copy of the Metadata. Pointer values still
// reference the same underlying data.
func (m Metadata) Clone() Metadata {
	clone := make(Metadata, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// Merge copies all entries from other into this Metadata, overwriting
// existing keys. A nil other is a no-op.
func (m Metadata) Merge(other Metadata) Metadata {
	for k, v := range other {
		m[k] = v
	}
	return m
}
