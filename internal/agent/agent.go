// Package agent implements the coding agent and the network that routes
// it turn by turn until it reports a summary or hits the turn ceiling.
//
// A turn is one model completion plus the execution of the tool calls it
// requested. Tool calls of a turn run concurrently; the files they write
// are merged into network state in call order once all of them returned.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/codeYAY/SPACE/internal/llm"
	"github.com/codeYAY/SPACE/internal/tools"
	"github.com/codeYAY/SPACE/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Outcome tags how a turn ended.
type Outcome string

const (
	Continue  Outcome = "continue"
	Completed Outcome = "completed"
)

// State is the agent state owned by a Network.
type State struct {
	Summary   string                   `json:"summary"`
	Files     models.FileCollection    `json:"files"`
	DataSpace *models.DataSpaceSummary `json:"dataSpace,omitempty"`
}

// TurnResult is everything a turn produced. It is JSON-serializable so a
// replayed run can reuse it without calling the model again.
type TurnResult struct {
	Outcome     Outcome               `json:"outcome"`
	Summary     string                `json:"summary,omitempty"`
	Text        string                `json:"text,omitempty"`
	ToolCalls   []llm.ToolCall        `json:"toolCalls,omitempty"`
	ToolResults []llm.ToolResult      `json:"toolResults,omitempty"`
	Files       models.FileCollection `json:"files,omitempty"`
}

// Messages returns the conversation entries the turn appends.
func (r TurnResult) Messages() []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleAssistant, Text: r.Text, ToolCalls: r.ToolCalls}}
	if len(r.ToolResults) > 0 {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, ToolResults: r.ToolResults})
	}
	return msgs
}

// Agent is one model-backed persona with a tool registry.
type Agent struct {
	Name      string
	System    string
	Model     string
	MaxTokens int
	Client    llm.Client
	Tools     *tools.Registry
}

// Turn asks the model for the next step and executes the tool calls it
// requested. The returned Files hold only this turn's writes.
func (a *Agent) Turn(ctx context.Context, conversation []llm.Message, state State) (TurnResult, error) {
	if a.Client == nil {
		return TurnResult{}, errors.New("agent: llm client is required")
	}

	req := &llm.Request{
		Model:     a.Model,
		System:    a.System,
		Messages:  conversation,
		MaxTokens: a.MaxTokens,
	}
	if a.Tools != nil {
		for _, d := range a.Tools.Definitions() {
			req.Tools = append(req.Tools, llm.ToolDefinition{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
		}
	}

	resp, err := a.Client.Complete(ctx, req)
	if err != nil {
		return TurnResult{}, fmt.Errorf("agent %s: %w", a.Name, err)
	}

	result := TurnResult{
		Outcome:   Continue,
		Text:      resp.Text,
		ToolCalls: resp.ToolCalls,
		Files:     models.FileCollection{},
	}

	if len(resp.ToolCalls) > 0 {
		results, files, err := a.executeTools(ctx, resp.ToolCalls, state)
		if err != nil {
			return TurnResult{}, err
		}
		result.ToolResults = results
		result.Files = files
	}

	if summary, ok := llm.DetectSummary(resp.Text); ok {
		result.Outcome = Completed
		result.Summary = summary
	}
	return result, nil
}

func (a *Agent) executeTools(ctx context.Context, calls []llm.ToolCall, state State) ([]llm.ToolResult, models.FileCollection, error) {
	view := tools.State{Files: state.Files.Clone(), DataSpace: state.DataSpace}
	outputs := make([]tools.Result, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			outputs[i] = a.execute(gctx, call, view)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("agent %s: tool calls: %w", a.Name, err)
	}

	results := make([]llm.ToolResult, len(calls))
	files := models.FileCollection{}
	for i, call := range calls {
		results[i] = llm.ToolResult{CallID: call.ID, Name: call.Name, Output: outputs[i].Output}
		files.Merge(outputs[i].Files)
	}
	return results, files, nil
}

func (a *Agent) execute(ctx context.Context, call llm.ToolCall, view tools.State) tools.Result {
	if a.Tools == nil {
		return tools.Result{Output: fmt.Sprintf("Error: unknown tool %q", call.Name)}
	}
	res, err := a.Tools.Execute(ctx, tools.Call{ID: call.ID, Name: call.Name, Args: call.Args, State: view})
	if err != nil {
		log.Warn().Err(err).Str("agent", a.Name).Str("tool", call.Name).Msg("Tool call rejected")
	}
	return res
}
