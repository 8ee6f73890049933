// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the enterprise extension points of ChatRelay.
//
// The open source build runs with no-op defaults: every request is
// attributed to a single local user, all actions are allowed, audit
// events are discarded, and messages pass to the completion provider
// unfiltered. Enterprise deployments inject concrete implementations
// via ServiceOptions without modifying the core service.
//
// # Extension Categories
//
//   - auth.go: Token validation and access control (AuthProvider, AuthzProvider)
//   - audit.go: Compliance audit logging (AuditLogger)
//   - filter.go: Message transformation and PII redaction (MessageFilter)
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use; the
// streaming handlers call them from multiple goroutines.
package extensions

// ServiceOptions groups the extension points for service construction.
//
// All fields are optional; nil values are replaced with no-op defaults
// by DefaultOptions() or by services checking for nil.
//
// Example:
//
//	// Open source: use defaults
//	opts := extensions.DefaultOptions()
//
//	// Enterprise: inject implementations
//	opts := extensions.ServiceOptions{
//	    AuthProvider: oktaProvider,
//	    AuditLogger:  splunkAuditor,
//	}
type ServiceOptions struct {
	// AuthProvider validates bearer tokens on every request.
	// Default: NopAuthProvider (always returns the local user)
	AuthProvider AuthProvider

	// AuthzProvider checks conversation-level permissions.
	// Default: NopAuthzProvider (always allows)
	AuthzProvider AuthzProvider

	// AuditLogger records security-relevant events.
	// Default: NopAuditLogger (discards all events)
	AuditLogger AuditLogger

	// MessageFilter transforms messages before and after completion.
	// Default: NopMessageFilter (passes through unchanged)
	MessageFilter MessageFilter
}

// DefaultOptions returns ServiceOptions with no-op defaults: all
// operations allowed, no audit trail, no filtering.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:  &NopAuthProvider{},
		AuthzProvider: &NopAuthzProvider{},
		AuditLogger:   &NopAuditLogger{},
		MessageFilter: &NopMessageFilter{},
	}
}

// WithAuth returns a copy of opts with the given AuthProvider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAuthz returns a copy of opts with the given AuthzProvider.
func (opts ServiceOptions) WithAuthz(provider AuthzProvider) ServiceOptions {
	opts.AuthzProvider = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// WithFilter returns a copy of opts with the given MessageFilter.
func (opts ServiceOptions) WithFilter(filter MessageFilter) ServiceOptions {
	opts.MessageFilter = filter
	return opts
}
