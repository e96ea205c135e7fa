package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codeYAY/SPACE/internal/llm"
	"github.com/codeYAY/SPACE/internal/steps"
	"github.com/codeYAY/SPACE/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultMaxIter bounds the turns of one network run.
const DefaultMaxIter = 15

// Chunk event names.
const (
	EventRunStarted        = "run.started"
	EventTextCompleted     = "text.completed"
	EventToolCallRequested = "tool_call.requested"
	EventToolCallCompleted = "tool_call.completed"
	EventRunCompleted      = "run.completed"
	EventNetworkCompleted  = "network.completed"
)

// ChunkSink receives progress chunks in emission order.
type ChunkSink interface {
	Publish(ctx context.Context, chunk models.StreamChunk) error
}

// SinkFunc adapts a function to ChunkSink.
type SinkFunc func(ctx context.Context, chunk models.StreamChunk) error

func (f SinkFunc) Publish(ctx context.Context, chunk models.StreamChunk) error { return f(ctx, chunk) }

// Network routes one agent until the state carries a summary or MaxIter
// turns completed.
type Network struct {
	Name    string
	Agent   *Agent
	MaxIter int

	// Turns are memoized as steps "agent-turn-<n>:<Key>" of RunID.
	Steps *steps.Executor
	RunID string
	Key   string

	Sink ChunkSink
}

// Run drives the network from prompt, appended after history. State is
// updated in place and returned.
func (n *Network) Run(ctx context.Context, prompt string, history []llm.Message, state *State) (*State, error) {
	if n.Agent == nil {
		return nil, fmt.Errorf("network %s: agent is required", n.Name)
	}
	if state.Files == nil {
		state.Files = models.FileCollection{}
	}
	maxIter := n.MaxIter
	if maxIter <= 0 {
		maxIter = DefaultMaxIter
	}

	conversation := make([]llm.Message, 0, len(history)+1)
	conversation = append(conversation, history...)
	conversation = append(conversation, llm.Message{Role: llm.RoleUser, Text: prompt})

	turns := 0
	for state.Summary == "" && turns < maxIter {
		if err := n.emit(ctx, models.StreamChunk{
			Event: EventRunStarted,
			Role:  string(llm.RoleAssistant),
			Data:  map[string]any{"agent": n.Agent.Name, "turn": turns},
		}); err != nil {
			return nil, err
		}

		result, err := n.turn(ctx, turns, conversation, *state)
		if err != nil {
			return nil, err
		}
		turns++

		state.Files.Merge(result.Files)
		if result.Outcome == Completed {
			state.Summary = result.Summary
		}
		conversation = append(conversation, result.Messages()...)

		if err := n.emitTurn(ctx, turns-1, result); err != nil {
			return nil, err
		}

		log.Debug().
			Str("network", n.Name).
			Str("run_id", n.RunID).
			Int("turn", turns).
			Int("tool_calls", len(result.ToolCalls)).
			Str("outcome", string(result.Outcome)).
			Msg("Agent turn finished")
	}

	if err := n.emit(ctx, models.StreamChunk{
		Event: EventNetworkCompleted,
		Data:  map[string]any{"network": n.Name, "turns": turns, "completed": state.Summary != ""},
	}); err != nil {
		return nil, err
	}

	if state.Summary == "" {
		log.Warn().Str("network", n.Name).Str("run_id", n.RunID).Int("turns", turns).Msg("Agent network stopped without summary")
	} else {
		log.Info().Str("network", n.Name).Str("run_id", n.RunID).Int("turns", turns).Int("files", len(state.Files)).Msg("🤖 Agent network completed")
	}
	return state, nil
}

func (n *Network) turn(ctx context.Context, idx int, conversation []llm.Message, state State) (TurnResult, error) {
	fn := func(ctx context.Context) (TurnResult, error) {
		return n.Agent.Turn(ctx, conversation, state)
	}
	if n.Steps == nil {
		return fn(ctx)
	}
	return steps.Run(ctx, n.Steps, n.RunID, steps.Scoped(fmt.Sprintf("agent-turn-%d", idx), n.Key), fn)
}

func (n *Network) emitTurn(ctx context.Context, turn int, r TurnResult) error {
	if r.Text != "" {
		if err := n.emit(ctx, models.StreamChunk{
			Event:   EventTextCompleted,
			Role:    string(llm.RoleAssistant),
			Content: r.Text,
			Data:    map[string]any{"turn": turn},
		}); err != nil {
			return err
		}
	}
	for _, tc := range r.ToolCalls {
		if err := n.emit(ctx, models.StreamChunk{
			Event: EventToolCallRequested,
			Role:  string(llm.RoleAssistant),
			Data:  map[string]any{"turn": turn, "toolCallId": tc.ID, "name": tc.Name, "args": argsValue(tc.Args)},
		}); err != nil {
			return err
		}
	}
	for _, tr := range r.ToolResults {
		if err := n.emit(ctx, models.StreamChunk{
			Event:   EventToolCallCompleted,
			Role:    "tool",
			Content: tr.Output,
			Data:    map[string]any{"turn": turn, "toolCallId": tr.CallID, "name": tr.Name},
		}); err != nil {
			return err
		}
	}
	return n.emit(ctx, models.StreamChunk{
		Event: EventRunCompleted,
		Role:  string(llm.RoleAssistant),
		Data:  map[string]any{"turn": turn, "outcome": string(r.Outcome)},
	})
}

func (n *Network) emit(ctx context.Context, chunk models.StreamChunk) error {
	if n.Sink == nil {
		return nil
	}
	if err := n.Sink.Publish(ctx, chunk); err != nil {
		return fmt.Errorf("publish %s: %w", chunk.Event, err)
	}
	return nil
}

func argsValue(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
