// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/ChatRelay/pkg/extensions"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/handlers"
	"github.com/AleutianAI/ChatRelay/services/chatrelay/middleware"
)

// SetupRoutes registers all HTTP routes on the router.
//
// # Description
//
// Health and metrics are served unauthenticated. Everything under /v1
// passes through the auth middleware; the send endpoint additionally
// passes the per-user rate limiter so one user cannot monopolize the
// completion backend.
//
// # Inputs
//
//   - router: Gin engine to register on.
//   - handler: Conversation endpoints. Must not be nil.
//   - authProvider: Token validator for the auth middleware.
//   - limiter: Per-user send rate limiter. May be nil to disable.
func SetupRoutes(router *gin.Engine, handler *handlers.ChatHandler,
	authProvider extensions.AuthProvider, limiter *middleware.RateLimiter) {

	if handler == nil {
		panic("SetupRoutes: handler must not be nil")
	}
	if authProvider == nil {
		authProvider = &extensions.NopAuthProvider{}
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(authProvider))
	{
		conversations := v1.Group("/conversations")
		{
			conversations.GET("", handler.HandleListConversations)
			conversations.GET("/:id/messages", handler.HandleListMessages)
			conversations.GET("/:id/stream", handler.HandleResumeStream)
			conversations.DELETE("/:id", handler.HandleDeleteConversation)

			send := conversations.Group("")
			if limiter != nil {
				send.Use(limiter.Middleware())
			}
			send.POST("/:id/messages", handler.HandleSendMessage)
		}
	}
}
