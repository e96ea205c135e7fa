package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/codeYAY/SPACE/internal/agent"
	"github.com/codeYAY/SPACE/internal/dataspace"
	"github.com/codeYAY/SPACE/internal/llm"
	"github.com/codeYAY/SPACE/internal/sandbox"
	"github.com/codeYAY/SPACE/internal/steps"
	"github.com/codeYAY/SPACE/internal/stream"
	"github.com/codeYAY/SPACE/internal/telemetry"
	"github.com/codeYAY/SPACE/internal/tools"
	"github.com/codeYAY/SPACE/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Step names, before the correlation key suffix.
const (
	StepLoadDataSpace    = "load-data-space"
	StepGetSandboxID     = "get-sandbox-id"
	StepPreviousMessages = "get-previous-messages"
	StepGenerateTitle    = "generate-title"
	StepGenerateResponse = "generate-response"
	StepGetSandboxURL    = "get-sandbox-url"
	StepSaveResult       = "save-result"
)

// Outcome texts.
const (
	FailureMessage  = "Something went wrong. Please try again."
	NoSummary       = "No summary available"
	DefaultTitle    = "Fragment"
	DefaultResponse = "Here you go"
)

// attempt runs the step sequence once.
func (e *Engine) attempt(ctx context.Context, runID string, ev *models.TriggerEvent) (*models.RunResult, error) {
	key := ev.CorrelationKey()
	name := func(step string) string { return steps.Scoped(step, key) }

	ctx, span := telemetry.Tracer().Start(ctx, "workflow.run")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID), attribute.String("run.key", key))

	fail := func(err error) (*models.RunResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ds, err := steps.Run(ctx, e.steps, runID, name(StepLoadDataSpace), func(ctx context.Context) (*models.DataSpaceSummary, error) {
		return e.loadContext(ctx, ev), nil
	})
	if err != nil {
		return fail(err)
	}

	env := sandbox.BuildEnv(sandbox.EnvInput{
		Source:       ev.Source,
		DataSpace:    ds,
		Token:        strings.TrimSpace(ev.Token),
		DefaultToken: e.opts.DefaultToken,
		PublicAPIURL: e.opts.PublicAPIURL,
	})
	handle, err := steps.Run(ctx, e.steps, runID, name(StepGetSandboxID), func(ctx context.Context) (string, error) {
		return e.sandboxes.Create(ctx, e.opts.TemplateID, env, e.opts.SandboxTTL)
	})
	if err != nil {
		return fail(fmt.Errorf("create sandbox: %w", err))
	}

	history, err := steps.Run(ctx, e.steps, runID, name(StepPreviousMessages), func(ctx context.Context) ([]llm.Message, error) {
		msgs, err := e.store.ListRecentMessages(ctx, ev.ProjectID, e.opts.HistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		brief := ""
		if ds != nil {
			brief = dataspace.Brief(ds)
		}
		return agent.BuildHistory(msgs, brief), nil
	})
	if err != nil {
		return fail(err)
	}

	registry, err := tools.NewRunRegistry(e.sandboxes, handle)
	if err != nil {
		return fail(fmt.Errorf("tool registry: %w", err))
	}

	network := &agent.Network{
		Name: e.opts.NetworkName,
		Agent: &agent.Agent{
			Name:      e.opts.AgentName,
			System:    CodingPrompt,
			Model:     e.opts.Model,
			MaxTokens: e.opts.MaxTokens,
			Client:    e.llm,
			Tools:     registry,
		},
		MaxIter: e.opts.MaxIter,
		Steps:   e.steps,
		RunID:   runID,
		Key:     key,
		Sink:    stream.NewPublisher(e.transport, e.steps, runID, key, ev.ProjectID, ev.UserID),
	}
	state, err := network.Run(ctx, ev.Prompt, history, &agent.State{DataSpace: ds})
	if err != nil {
		return fail(fmt.Errorf("agent network: %w", err))
	}

	result, err := e.finalize(ctx, runID, key, handle, ev, state)
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.Int("run.files", len(result.Files)))
	return result, nil
}

func (e *Engine) loadContext(ctx context.Context, ev *models.TriggerEvent) *models.DataSpaceSummary {
	if e.loader == nil {
		return nil
	}
	ds, err := e.loader.Load(ctx, ev.Source, ev.Token)
	if err != nil {
		log.Warn().Err(err).Str("source", sourceID(ev.Source)).Msg("Failed to load data space summary")
		return nil
	}
	return ds
}

// ── Result Finalizer ────────────────────────────────────────

// finalize generates the title and reply, resolves the sandbox URL, and
// persists exactly one outcome message.
func (e *Engine) finalize(ctx context.Context, runID, key, handle string, ev *models.TriggerEvent, state *agent.State) (*models.RunResult, error) {
	name := func(step string) string { return steps.Scoped(step, key) }

	input := state.Summary
	if input == "" {
		input = NoSummary
	}

	title, err := steps.Run(ctx, e.steps, runID, name(StepGenerateTitle), func(ctx context.Context) (string, error) {
		return e.generate(ctx, FragmentTitlePrompt, input, e.opts.TitleMaxTokens, DefaultTitle)
	})
	if err != nil {
		return nil, fmt.Errorf("generate title: %w", err)
	}
	response, err := steps.Run(ctx, e.steps, runID, name(StepGenerateResponse), func(ctx context.Context) (string, error) {
		return e.generate(ctx, ResponsePrompt, input, e.opts.ResponseMaxTokens, DefaultResponse)
	})
	if err != nil {
		return nil, fmt.Errorf("generate response: %w", err)
	}

	failed := IsFailure(state)

	url, err := steps.Run(ctx, e.steps, runID, name(StepGetSandboxURL), func(ctx context.Context) (string, error) {
		return e.sandboxes.ResolveExternalURL(ctx, handle)
	})
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox url: %w", err)
	}

	files := state.Files.Clone()
	if _, err := steps.Run(ctx, e.steps, runID, name(StepSaveResult), func(ctx context.Context) (string, error) {
		msg := OutcomeMessage(runID, key, ev.ProjectID, failed, response, title, url, files)
		if err := e.store.CreateMessage(ctx, msg); err != nil {
			return "", fmt.Errorf("save result: %w", err)
		}
		return msg.ID, nil
	}); err != nil {
		return nil, err
	}

	log.Info().
		Str("run_id", runID).
		Bool("failed", failed).
		Str("title", title).
		Str("url", url).
		Int("files", len(files)).
		Msg("💾 Workflow result saved")

	return &models.RunResult{
		URL:     url,
		Title:   models.ArtifactLabel,
		Files:   files,
		Summary: state.Summary,
	}, nil
}

// IsFailure classifies a finished network: no summary or no files.
func IsFailure(state *agent.State) bool {
	return state == nil || state.Summary == "" || len(state.Files) == 0
}

// OutcomeMessage builds the single message persisted for a run. Its id is
// derived from the run so a replayed save writes the same row.
func OutcomeMessage(runID, key, projectID string, failed bool, response, title, url string, files models.FileCollection) *models.Message {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(runID+":"+key+":result")).String()
	if failed {
		return &models.Message{
			ID:        id,
			ProjectID: projectID,
			Content:   FailureMessage,
			Role:      models.RoleAssistant,
			Type:      models.MessageError,
		}
	}
	return &models.Message{
		ID:        id,
		ProjectID: projectID,
		Content:   response,
		Role:      models.RoleAssistant,
		Type:      models.MessageResult,
		Fragment: &models.Fragment{
			SandboxURL: url,
			Title:      title,
			Files:      files,
		},
	}
}

// generate runs one stateless completion and parses its text.
func (e *Engine) generate(ctx context.Context, system, input string, maxTokens int, fallback string) (string, error) {
	resp, err := e.llm.Complete(ctx, &llm.Request{
		Model:     e.opts.Model,
		System:    system,
		Messages:  []llm.Message{{Role: llm.RoleUser, Text: input}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	return ParseOutput(resp, fallback), nil
}

// ParseOutput returns the trimmed text of resp, or fallback when it has none.
func ParseOutput(resp *llm.Response, fallback string) string {
	if resp == nil {
		return fallback
	}
	if text := strings.TrimSpace(resp.Text); text != "" {
		return text
	}
	return fallback
}

func sourceID(s *models.HiveSource) string {
	if s == nil {
		return ""
	}
	return s.ID
}
