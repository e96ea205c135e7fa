// Package llm is the boundary between the agent and a language model.
//
// The agent speaks in provider-neutral Requests and Responses; adapters
// translate them for Anthropic Messages and OpenAI-compatible chat
// completions (OpenRouter, local servers).
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/codeYAY/SPACE/internal/config"
)

// SummaryMarker opens the completion summary an agent emits when it is done.
const SummaryMarker = "<task_summary>"

// Default model identifiers per provider.
const (
	DefaultAnthropicModel  = "claude-sonnet-4-5"
	DefaultOpenRouterModel = "anthropic/claude-3.5-sonnet"
	DefaultLocalModel      = "local-model"
)

// ErrNoProvider is returned when no usable provider is configured.
var ErrNoProvider = errors.New("llm provider not configured")

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResult answers one ToolCall.
type ToolResult struct {
	CallID string `json:"callId"`
	Name   string `json:"name"`
	Output string `json:"output"`
}

// Message is one conversation entry. Assistant messages may carry tool
// calls; user messages may carry the results answering them.
type Message struct {
	Role        Role         `json:"role"`
	Text        string       `json:"text,omitempty"`
	ToolCalls   []ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
}

// ToolDefinition advertises a tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is a single completion request.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// Response is the model's answer to a Request.
type Response struct {
	Text       string     `json:"text"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	StopReason string     `json:"stopReason,omitempty"`
}

// Client completes requests against a model provider.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req *Request) (*Response, error)

func (f ClientFunc) Complete(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// DetectSummary reports whether text carries the completion marker and, if
// so, returns the whole text as the summary.
func DetectSummary(text string) (string, bool) {
	if strings.Contains(text, SummaryMarker) {
		return text, true
	}
	return "", false
}

// New builds the client for the configured provider.
func New(cfg config.LLMConfig) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("%w: ANTHROPIC_API_KEY is empty", ErrNoProvider)
		}
		return NewAnthropicFromAPIKey(cfg.AnthropicAPIKey, modelOr(cfg.Model, DefaultAnthropicModel), cfg.MaxTokens)
	case "openrouter":
		if cfg.OpenRouterAPIKey == "" {
			return nil, fmt.Errorf("%w: OPENROUTER_API_KEY is empty", ErrNoProvider)
		}
		return NewOpenAICompatible(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, modelOr(cfg.Model, DefaultOpenRouterModel), cfg.MaxTokens)
	case "local":
		if cfg.LocalBaseURL == "" {
			return nil, fmt.Errorf("%w: LOCAL_MODEL_URL is empty", ErrNoProvider)
		}
		// Local OpenAI-compatible servers ignore the key.
		return NewOpenAICompatible(cfg.LocalBaseURL, "local-model", modelOr(cfg.Model, DefaultLocalModel), cfg.MaxTokens)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrNoProvider, cfg.Provider)
	}
}

func modelOr(model, fallback string) string {
	if model != "" {
		return model
	}
	return fallback
}
