// Package workflow runs the agent workflow for one trigger event.
//
// A run is a fixed sequence of durable steps:
//  1. load-data-space        external context, failures swallowed
//  2. get-sandbox-id         one sandbox per run
//  3. get-previous-messages  conversation seed
//  4. the agent network      turns and stream chunks are steps of their own
//  5. generate-title, generate-response
//  6. get-sandbox-url
//  7. save-result            exactly one outcome message
//
// Every step name carries the run's correlation key. A failed attempt is
// retried as a whole; memoized steps make the retry resume where the
// previous attempt stopped.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/codeYAY/SPACE/internal/config"
	"github.com/codeYAY/SPACE/internal/llm"
	"github.com/codeYAY/SPACE/internal/sandbox"
	"github.com/codeYAY/SPACE/internal/steps"
	"github.com/codeYAY/SPACE/internal/store"
	"github.com/codeYAY/SPACE/internal/stream"
	"github.com/codeYAY/SPACE/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrRunActive is returned when a trigger targets a run that is still executing.
var ErrRunActive = errors.New("run already active")

// ContextLoader fetches the data-space summary of a trigger's source.
// A nil summary means no context is available.
type ContextLoader interface {
	Load(ctx context.Context, source *models.HiveSource, token string) (*models.DataSpaceSummary, error)
}

// Options tune the engine. Zero values fall back to package defaults.
type Options struct {
	AgentName   string
	NetworkName string
	Model       string

	MaxTokens         int
	TitleMaxTokens    int
	ResponseMaxTokens int
	MaxIter           int
	HistoryLimit      int

	TemplateID string
	SandboxTTL time.Duration

	// DefaultToken is injected into the sandbox when the trigger has none.
	DefaultToken string
	PublicAPIURL string

	RunAttempts int
	RetryDelay  time.Duration
}

// OptionsFromConfig derives engine options from the service configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		AgentName:         cfg.Agent.Name,
		NetworkName:       cfg.Agent.NetworkName,
		Model:             cfg.LLM.Model,
		MaxTokens:         cfg.LLM.MaxTokens,
		TitleMaxTokens:    cfg.LLM.TitleMaxTokens,
		ResponseMaxTokens: cfg.LLM.ResponseMaxTokens,
		MaxIter:           cfg.Agent.MaxIter,
		HistoryLimit:      cfg.Agent.HistoryLimit,
		TemplateID:        cfg.Sandbox.TemplateID,
		SandboxTTL:        cfg.Sandbox.TTL,
		DefaultToken:      cfg.DataSpace.APIToken,
		PublicAPIURL:      cfg.DataSpace.APIURL,
		RunAttempts:       cfg.Agent.RunAttempts,
		RetryDelay:        time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.AgentName == "" {
		o.AgentName = "rushed-agent"
	}
	if o.NetworkName == "" {
		o.NetworkName = "coding-agent-network"
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
	if o.TitleMaxTokens <= 0 {
		o.TitleMaxTokens = 1096
	}
	if o.ResponseMaxTokens <= 0 {
		o.ResponseMaxTokens = 2096
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 5
	}
	if o.TemplateID == "" {
		o.TemplateID = sandbox.DefaultTemplateID
	}
	if o.SandboxTTL <= 0 {
		o.SandboxTTL = sandbox.DefaultTTL
	}
	if o.RunAttempts <= 0 {
		o.RunAttempts = 1
	}
	return o
}

// Engine executes agent workflow runs.
type Engine struct {
	store     store.Store
	steps     *steps.Executor
	sandboxes *sandbox.Manager
	loader    ContextLoader
	llm       llm.Client
	transport stream.Transport
	opts      Options

	// Running executions: runID → cancel func
	runsMu sync.RWMutex
	runs   map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a workflow engine. loader and transport may be nil.
func NewEngine(s store.Store, ex *steps.Executor, sandboxes *sandbox.Manager, client llm.Client, loader ContextLoader, transport stream.Transport, opts Options) *Engine {
	if transport == nil {
		transport = stream.TransportFunc(func(context.Context, stream.Event) error { return nil })
	}
	return &Engine{
		store:     s,
		steps:     ex,
		sandboxes: sandboxes,
		loader:    loader,
		llm:       client,
		transport: transport,
		opts:      opts.withDefaults(),
		runs:      make(map[string]context.CancelFunc),
	}
}

// Dispatch starts a run in the background and returns its id immediately.
// A trigger with an id resumes the run of that id.
func (e *Engine) Dispatch(ctx context.Context, ev *models.TriggerEvent) (string, error) {
	run, err := e.begin(ctx, ev)
	if err != nil {
		return "", err
	}

	execCtx, cancel := context.WithCancel(context.Background())
	if !e.track(run.ID, cancel) {
		cancel()
		return run.ID, fmt.Errorf("%w: %s", ErrRunActive, run.ID)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.untrack(run.ID)
		_, _ = e.execute(execCtx, run, ev)
	}()
	return run.ID, nil
}

// Execute runs the workflow in the foreground and returns its result.
func (e *Engine) Execute(ctx context.Context, ev *models.TriggerEvent) (*models.WorkflowRun, *models.RunResult, error) {
	run, err := e.begin(ctx, ev)
	if err != nil {
		return nil, nil, err
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !e.track(run.ID, cancel) {
		return run, nil, fmt.Errorf("%w: %s", ErrRunActive, run.ID)
	}
	defer e.untrack(run.ID)

	result, err := e.execute(execCtx, run, ev)
	return run, result, err
}

// CancelRun cancels a running execution.
func (e *Engine) CancelRun(runID string) bool {
	e.runsMu.Lock()
	cancel, ok := e.runs[runID]
	if ok {
		cancel()
		delete(e.runs, runID)
	}
	e.runsMu.Unlock()
	return ok
}

// Active reports whether runID is executing.
func (e *Engine) Active(runID string) bool {
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()
	_, ok := e.runs[runID]
	return ok
}

// GetRun returns the record of a run.
func (e *Engine) GetRun(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	return e.store.GetRun(ctx, runID)
}

// Wait blocks until every dispatched run returned.
func (e *Engine) Wait() { e.wg.Wait() }

// Shutdown cancels every running execution and waits for them.
func (e *Engine) Shutdown() {
	e.runsMu.Lock()
	for id, cancel := range e.runs {
		cancel()
		delete(e.runs, id)
	}
	e.runsMu.Unlock()
	e.wg.Wait()
}

func (e *Engine) track(runID string, cancel context.CancelFunc) bool {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	if _, ok := e.runs[runID]; ok {
		return false
	}
	e.runs[runID] = cancel
	return true
}

func (e *Engine) untrack(runID string) {
	e.runsMu.Lock()
	delete(e.runs, runID)
	e.runsMu.Unlock()
}

// begin creates the run record, or reopens it when the trigger names an
// existing run.
func (e *Engine) begin(ctx context.Context, ev *models.TriggerEvent) (*models.WorkflowRun, error) {
	if ev == nil {
		return nil, errors.New("trigger event is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	existing, err := e.store.GetRun(ctx, ev.ID)
	if err == nil {
		existing.Status = models.RunRunning
		existing.Error = ""
		if err := e.store.UpdateRun(ctx, existing); err != nil {
			return nil, fmt.Errorf("reopen run: %w", err)
		}
		log.Info().Str("run_id", existing.ID).Int("attempts", existing.Attempts).Msg("🔁 Workflow run resumed")
		return existing, nil
	}
	var nf *store.ErrNotFound
	if !errors.As(err, &nf) {
		return nil, fmt.Errorf("get run: %w", err)
	}

	run := &models.WorkflowRun{
		ID:             ev.ID,
		CorrelationKey: ev.CorrelationKey(),
		ProjectID:      ev.ProjectID,
		UserID:         ev.UserID,
		Prompt:         ev.Prompt,
		Status:         models.RunRunning,
		StartedAt:      time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	log.Info().
		Str("run_id", run.ID).
		Str("key", run.CorrelationKey).
		Msg("🚀 Workflow run started")
	return run, nil
}

// execute retries whole attempts with exponential backoff and records the
// terminal status.
func (e *Engine) execute(ctx context.Context, run *models.WorkflowRun, ev *models.TriggerEvent) (*models.RunResult, error) {
	var result *models.RunResult

	op := func() error {
		run.Attempts++
		res, err := e.attempt(ctx, run.ID, ev)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		result = res
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.opts.RetryDelay
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = time.Millisecond
	}
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(e.opts.RunAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Str("run_id", run.ID).
			Int("attempt", run.Attempts).
			Dur("retry_in", wait).
			Msg("Workflow attempt failed, retrying")
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if errors.Is(err, context.Canceled) {
			e.finishRun(run, models.RunCanceled, nil, "execution canceled")
		} else {
			e.finishRun(run, models.RunFailed, nil, err.Error())
		}
		return nil, err
	}

	e.finishRun(run, models.RunCompleted, result, "")
	return result, nil
}

// ── Run Lifecycle ───────────────────────────────────────────

func (e *Engine) finishRun(run *models.WorkflowRun, status models.RunStatus, result *models.RunResult, errMsg string) {
	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	run.DurationMs = now.Sub(run.StartedAt).Milliseconds()
	run.Error = errMsg
	if result != nil {
		run.Summary = result.Summary
		run.Files = result.Files
		run.URL = result.URL
		run.Title = result.Title
	}

	if err := e.store.UpdateRun(context.Background(), run); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to update run")
	}

	switch status {
	case models.RunCompleted:
		log.Info().
			Str("run_id", run.ID).
			Int64("duration_ms", run.DurationMs).
			Int("attempts", run.Attempts).
			Int("files", len(run.Files)).
			Msg("🎉 Workflow run completed")
	default:
		log.Error().
			Str("run_id", run.ID).
			Str("status", string(status)).
			Int("attempts", run.Attempts).
			Str("error", errMsg).
			Msg("💥 Workflow run failed")
	}
}
