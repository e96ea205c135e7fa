package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesClient is the subset of the Anthropic SDK the adapter uses.
// *sdk.MessageService satisfies it.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicClient implements Client on top of Anthropic Messages.
type AnthropicClient struct {
	msg       MessagesClient
	model     string
	maxTokens int
}

// NewAnthropic wraps an Anthropic Messages client.
func NewAnthropic(msg MessagesClient, model string, maxTokens int) (*AnthropicClient, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if model == "" {
		return nil, errors.New("anthropic model is required")
	}
	return &AnthropicClient{msg: msg, model: model, maxTokens: maxTokens}, nil
}

// NewAnthropicFromAPIKey builds an adapter over the default SDK HTTP client.
func NewAnthropicFromAPIKey(apiKey, model string, maxTokens int) (*AnthropicClient, error) {
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropic(&ac.Messages, model, maxTokens)
}

func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	params, err := c.prepare(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateAnthropic(msg)
}

func (c *AnthropicClient) prepare(req *Request) (*sdk.MessageNewParams, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}

	msgs, err := encodeAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := &sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(model),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := encodeAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	return params, nil
}

func encodeAnthropicMessages(msgs []Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls)+len(m.ToolResults))
		for _, r := range m.ToolResults {
			blocks = append(blocks, sdk.NewToolResultBlock(r.CallID, r.Output, false))
		}
		if m.Text != "" {
			blocks = append(blocks, sdk.NewTextBlock(m.Text))
		}
		for _, tc := range m.ToolCalls {
			var input any = map[string]any{}
			if len(tc.Args) > 0 {
				input = tc.Args
			}
			blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(blocks) == 0 {
			continue
		}

		switch m.Role {
		case RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one non-empty message is required")
	}
	return out, nil
}

func encodeAnthropicTools(defs []ToolDefinition) ([]sdk.ToolUnionParam, error) {
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		props := map[string]any{}
		for k, v := range def.InputSchema {
			if k == "type" {
				continue
			}
			props[k] = v
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: props}, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		tools = append(tools, u)
	}
	return tools, nil
}

func translateAnthropic(msg *sdk.Message) (*Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	resp := &Response{StopReason: string(msg.StopReason)}
	var text []string
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				text = append(text, block.Text)
			}
		case "tool_use":
			args := json.RawMessage(block.Input)
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Args: args})
		}
	}
	resp.Text = strings.Join(text, "\n")
	return resp, nil
}
