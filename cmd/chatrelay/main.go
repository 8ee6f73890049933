// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command chatrelay starts the ChatRelay streaming chat HTTP server.
//
// This is the main entry point for the containerized chatrelay service.
// It reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - CHATRELAY_PORT: HTTP server port (default: 12230)
//   - CHATRELAY_DATA_DIR: badger database directory (default: ./data/chatrelay)
//   - CHATRELAY_STREAM_TIMEOUT_SECONDS: completion stream bound (default: 60)
//   - CHATRELAY_RESUME_WINDOW_SECONDS: replay freshness window (default: 15)
//   - CHATRELAY_ENABLE_METRICS: streaming Prometheus metrics (default: true)
//   - OPENAI_API_KEY: OpenAI credential (or Podman secret mount)
//   - OPENAI_MODEL: default completion model (default: gpt-4o-mini)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: chatrelay-otel-collector:4317)
//
// # Usage
//
//	# Build
//	go build -o chatrelay ./cmd/chatrelay
//
//	# Run
//	./chatrelay
//
//	# Or via container
//	podman-compose up chatrelay
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/AleutianAI/ChatRelay/services/chatrelay"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Build configuration from environment variables
	cfg := chatrelay.Config{
		Port:          getEnvInt("CHATRELAY_PORT", 12230),
		DataDir:       getEnvString("CHATRELAY_DATA_DIR", "./data/chatrelay"),
		StreamTimeout: getEnvSeconds("CHATRELAY_STREAM_TIMEOUT_SECONDS", 60*time.Second),
		ResumeWindow:  getEnvSeconds("CHATRELAY_RESUME_WINDOW_SECONDS", 15*time.Second),
		OTelEndpoint:  getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "chatrelay-otel-collector:4317"),
		EnableMetrics: getEnvBool("CHATRELAY_ENABLE_METRICS", true),
	}

	slog.Info("Starting chatrelay",
		"port", cfg.Port,
		"data_dir", cfg.DataDir,
		"stream_timeout", cfg.StreamTimeout,
		"resume_window", cfg.ResumeWindow,
	)

	// Create the service with default (no-op) extension options
	// Enterprise builds will pass custom ServiceOptions here
	svc, err := chatrelay.New(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to create chatrelay: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Chatrelay error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool returns the environment variable as bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvSeconds returns the environment variable as a second count or
// a default.
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
