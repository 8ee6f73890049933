// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig tunes the per-user limiter.
//
// # Fields
//
//   - RequestsPerSecond: Sustained request rate per user.
//   - Burst: Additional requests allowed in a burst.
//   - IdleEviction: How long an idle user's bucket is kept before it
//     is dropped. Zero disables eviction.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	IdleEviction      time.Duration
}

// DefaultRateLimitConfig allows 5 requests per second with a burst of
// 10, evicting buckets idle for an hour.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 5,
		Burst:             10,
		IdleEviction:      time.Hour,
	}
}

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per authenticated user.
//
// # Description
//
// Buckets are created lazily on first request and evicted after the
// idle window so the map does not grow with the historical user count.
// Requests over the limit get 429 with a Retry-After hint.
//
// # Thread Safety
//
// Safe for concurrent use.
type RateLimiter struct {
	config  RateLimitConfig
	mu      sync.Mutex
	buckets map[string]*userBucket
}

// NewRateLimiter creates a per-user rate limiter.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*userBucket),
	}
}

// allow reports whether the user's bucket has a token available.
func (rl *RateLimiter) allow(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	bucket, ok := rl.buckets[userID]
	if !ok {
		bucket = &userBucket{
			limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst),
		}
		rl.buckets[userID] = bucket
	}
	bucket.lastSeen = now

	if rl.config.IdleEviction > 0 {
		for id, b := range rl.buckets {
			if now.Sub(b.lastSeen) > rl.config.IdleEviction {
				delete(rl.buckets, id)
			}
		}
	}

	return bucket.limiter.Allow()
}

// Middleware returns a Gin middleware enforcing the per-user limit.
// Must run after AuthMiddleware; unauthenticated requests are limited
// under a shared "anonymous" bucket.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := "anonymous"
		if info := GetAuthInfo(c); info != nil {
			userID = info.UserID
		}

		if !rl.allow(userID) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
