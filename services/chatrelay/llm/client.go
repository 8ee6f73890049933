package llm

import (
	"context"
	"errors"
)

// Sentinel errors for provider failures. Handlers map these onto the
// error taxonomy; everything else is treated as an internal failure.
var (
	// ErrAuth indicates the provider rejected our credentials.
	ErrAuth = errors.New("provider authentication failed")

	// ErrProvider indicates the provider returned an error response
	// (bad request, overloaded, rate limited).
	ErrProvider = errors.New("provider request failed")

	// ErrTimeout indicates the bounded generation window elapsed.
	ErrTimeout = errors.New("provider request timed out")
)

// GenerationParams carries per-request tuning for a completion call.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`

	// Model overrides the client's default model for this request.
	Model string `json:"model,omitempty"`

	// Credential overrides the client's configured API key for this
	// request. Populated from the provider credential header; never
	// serialized or logged.
	Credential string `json:"-"`

	// System is prepended as the system prompt when non-empty.
	System string `json:"-"`
}

// ChatMessage is one turn of provider-facing chat history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamEventType discriminates incremental stream deltas.
type StreamEventType string

const (
	// StreamToken carries a visible content fragment.
	StreamToken StreamEventType = "token"

	// StreamThinking carries a reasoning fragment (extended thinking
	// models). Not all providers emit these.
	StreamThinking StreamEventType = "thinking"
)

// StreamEvent is one incremental delta from a streaming completion.
type StreamEvent struct {
	Type    StreamEventType
	Content string
}

// StreamCallback receives each delta as it arrives. Returning an error
// aborts the stream; the client propagates the error to the caller.
type StreamCallback func(event StreamEvent) error

// Client defines the standard interface for any completion backend.
//
// # Description
//
// Generate performs a one-shot completion (used for title generation);
// ChatStream performs an incremental completion over full chat history,
// delivering deltas through the callback. Both respect context
// cancellation and deadline.
type Client interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
	ChatStream(ctx context.Context, messages []ChatMessage, params GenerationParams,
		callback StreamCallback) error
}
