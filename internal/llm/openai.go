package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ChatClient is the subset of the openai-go client the adapter uses.
// *openai.ChatCompletionService satisfies it.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIClient implements Client on the chat completions API. It serves
// OpenRouter and local OpenAI-compatible servers.
type OpenAIClient struct {
	chat      ChatClient
	model     string
	maxTokens int
}

// NewOpenAI wraps a chat completions client.
func NewOpenAI(chat ChatClient, model string, maxTokens int) (*OpenAIClient, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if model == "" {
		return nil, errors.New("openai model is required")
	}
	return &OpenAIClient{chat: chat, model: model, maxTokens: maxTokens}, nil
}

// NewOpenAICompatible targets any OpenAI-compatible base URL.
func NewOpenAICompatible(baseURL, apiKey, model string, maxTokens int) (*OpenAIClient, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	oc := openai.NewClient(opts...)
	return NewOpenAI(&oc.Chat.Completions, model, maxTokens)
}

func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	model := req.Model
	if model == "" {
		model = c.model
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: encodeOpenAIMessages(req.System, req.Messages),
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	for _, def := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  openai.FunctionParameters(def.InputSchema),
			},
		})
	}

	completion, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateOpenAI(completion)
}

func encodeOpenAIMessages(system string, msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, m := range msgs {
		for _, r := range m.ToolResults {
			out = append(out, openai.ToolMessage(r.Output, r.CallID))
		}
		switch m.Role {
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				if m.Text != "" {
					out = append(out, openai.AssistantMessage(m.Text))
				}
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Text != "" {
				asst.Content.OfString = openai.String(m.Text)
			}
			for _, tc := range m.ToolCalls {
				args := string(tc.Args)
				if args == "" {
					args = "{}"
				}
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		default:
			if m.Text != "" {
				out = append(out, openai.UserMessage(m.Text))
			}
		}
	}
	return out
}

func translateOpenAI(completion *openai.ChatCompletion) (*Response, error) {
	if completion == nil || len(completion.Choices) == 0 {
		return nil, errors.New("openai: completion has no choices")
	}
	choice := completion.Choices[0]
	resp := &Response{
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}
	return resp, nil
}
