package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("chatrelay.llm.openai")

type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a client from the environment. The API key is
// read from OPENAI_API_KEY or the Podman secret mount; the default model
// from OPENAI_MODEL.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL") // e.g., "gpt-4o"
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API Key from Podman Secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

// NewOpenAIClientWithKey builds a client with an explicit key and model,
// bypassing the environment. Used when the deployment routes different
// conversations to different provider accounts.
func NewOpenAIClientWithKey(apiKey, model string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIClient{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

func (o *OpenAIClient) resolveModel(params GenerationParams) string {
	if params.Model != "" {
		return params.Model
	}
	return o.model
}

// resolveClient returns the SDK client for this request. A per-request
// credential gets its own client so caller-supplied keys never mix
// with the configured one.
func (o *OpenAIClient) resolveClient(params GenerationParams) *openai.Client {
	if params.Credential != "" {
		return openai.NewClient(params.Credential)
	}
	return o.client
}

// Generate implements the Client interface with a one-shot completion.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Generate")
	defer span.End()

	model := o.resolveModel(params)
	span.SetAttributes(attribute.String("llm.model", model))
	slog.Debug("Generating text via OpenAI", "model", model)

	system := params.System
	if system == "" {
		system = "You are a helpful assistant."
	}
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	applyParams(&req, params)

	resp, err := o.resolveClient(params).CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", classifyError(err)
	}

	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices or empty content")
		return "", fmt.Errorf("OpenAI returned no choices: %w", ErrProvider)
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// ChatStream implements the Client interface with an incremental
// completion over full chat history.
//
// # Description
//
// Deltas are delivered through the callback in arrival order: reasoning
// fragments as StreamThinking, visible content as StreamToken. The stream
// ends on io.EOF from the provider, on context cancellation, or on the
// first callback error.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []ChatMessage,
	params GenerationParams, callback StreamCallback) error {

	ctx, span := tracer.Start(ctx, "OpenAIClient.ChatStream")
	defer span.End()

	model := o.resolveModel(params)
	span.SetAttributes(attribute.String("llm.model", model))
	span.SetAttributes(attribute.Int("llm.num_messages", len(messages)))
	slog.Debug("Streaming chat via OpenAI", "model", model, "num_messages", len(messages))

	chatMessages := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if params.System != "" {
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: params.System,
		})
	}
	for _, m := range messages {
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: chatMessages,
		Stream:   true,
	}
	applyParams(&req, params)

	stream, err := o.resolveClient(params).CreateChatCompletionStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return classifyError(err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return classifyError(err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.ReasoningContent != "" {
			if err := callback(StreamEvent{Type: StreamThinking, Content: delta.ReasoningContent}); err != nil {
				return err
			}
		}
		if delta.Content != "" {
			if err := callback(StreamEvent{Type: StreamToken, Content: delta.Content}); err != nil {
				return err
			}
		}
	}
}

func applyParams(req *openai.ChatCompletionRequest, params GenerationParams) {
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
}

// classifyError maps provider failures onto the sentinel errors so
// callers can branch without knowing the SDK's error types.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("OpenAI request deadline exceeded: %w", ErrTimeout)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			slog.Error("OpenAI rejected credentials", "status", apiErr.HTTPStatusCode)
			return fmt.Errorf("OpenAI auth failure: %w", ErrAuth)
		default:
			slog.Error("OpenAI API call failed", "status", apiErr.HTTPStatusCode, "error", err)
			return fmt.Errorf("OpenAI API call failed: %w", ErrProvider)
		}
	}
	slog.Error("OpenAI API call failed", "error", err)
	return fmt.Errorf("OpenAI API call failed: %w: %v", ErrProvider, err)
}
