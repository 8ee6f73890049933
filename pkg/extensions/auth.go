// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned when authentication or authorization fails.
// Implementations should wrap this error with additional context:
//
//	if !validToken {
//	    return nil, fmt.Errorf("invalid token format: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo contains identity information returned after successful
// authentication. The UserID becomes the conversation owner on create
// and is matched against the stored owner on every subsequent access.
//
// Required fields (always populated):
//   - UserID: Unique identifier for the user
//
// Optional fields (may be empty):
//   - Email: User's email address
//   - Roles: Role memberships for authorization decisions
//   - Metadata: Arbitrary claims from the identity provider
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	// This is the only required field and must never be empty.
	UserID string

	// Email is the user's email address, if the provider supplies one.
	Email string

	// Roles contains the user's role memberships.
	// Common roles: "admin", "user", "auditor"
	Roles []string

	// Metadata holds additional claims from the identity provider
	// (e.g. "mfa_verified", "session_id", "department") without
	// requiring changes to the core struct.
	Metadata Metadata
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates authentication tokens and returns user identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Open Source Behavior
//
// The default NopAuthProvider always returns a valid "local-user" with
// admin privileges, so a single-user deployment works without any
// authentication infrastructure.
//
// # Enterprise Implementation
//
// Enterprise versions validate tokens against identity providers such
// as Okta, Auth0, or Azure AD:
//
//	func (p *OktaAuthProvider) Validate(ctx context.Context, token string) (*AuthInfo, error) {
//	    claims, err := p.client.VerifyToken(ctx, token)
//	    if err != nil {
//	        return nil, fmt.Errorf("okta validation failed: %w", ErrUnauthorized)
//	    }
//	    return &AuthInfo{UserID: claims.Subject, Email: claims.Email, Roles: claims.Groups}, nil
//	}
type AuthProvider interface {
	// Validate checks if the token is valid and returns the user's
	// identity. The token format is implementation-specific (JWT,
	// API key, session id). Returns ErrUnauthorized (or wrapped)
	// if invalid.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest describes an authorization check as a
// (subject, action, resource) triple.
//
// Example:
//
//	req := AuthzRequest{
//	    User:         authInfo,
//	    Action:       "read",
//	    ResourceType: "conversation",
//	    ResourceID:   chatID,
//	}
type AuthzRequest struct {
	// User is the authenticated user making the request.
	User *AuthInfo

	// Action is the operation being attempted.
	// Common actions: "create", "read", "delete", "stream"
	Action string

	// ResourceType is the category of resource being accessed.
	// Examples: "conversation", "message", "stream"
	ResourceType string

	// ResourceID is the specific resource instance (optional).
	// If empty, the check is for the resource type in general.
	ResourceID string
}

// AuthzProvider checks if a user is authorized to perform an action.
//
// Implementations must be safe for concurrent use. Note that ownership
// of a conversation is always enforced by the handlers regardless of
// the provider; AuthzProvider adds policy on top (e.g. an auditor role
// that may read but not delete).
type AuthzProvider interface {
	// Authorize returns nil if the user may perform the action, or
	// ErrUnauthorized (possibly wrapped) if denied.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider is the default authentication provider for open source.
//
// It always returns a valid local user with admin privileges, enabling
// single-user deployments without authentication infrastructure.
// Thread-safe: no mutable state.
type NopAuthProvider struct{}

// Validate always returns a valid local user with admin privileges.
// The token is ignored; any value (including empty) authenticates.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Email:  "",
		Roles:  []string{"admin"},
	}, nil
}

// NopAuthzProvider is the default authorization provider for open source.
// It always allows all actions. Thread-safe: no mutable state.
type NopAuthzProvider struct{}

// Authorize always returns nil, allowing all actions.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
)
