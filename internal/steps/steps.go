// Package steps memoizes named units of work per workflow run.
//
// A step is identified by (run id, step name). The first successful
// execution is persisted; every later call with the same identity returns
// the persisted value without running the work again. Failed executions
// are not persisted, so a retried run resumes at the first unfinished step.
package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codeYAY/SPACE/internal/telemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrStepExists is returned by Store.Save when the step was already saved.
var ErrStepExists = errors.New("step already recorded")

// Store is a write-once key/value store addressed by (run id, step name).
type Store interface {
	// Load returns the saved output and true, or false when nothing is saved.
	Load(ctx context.Context, runID, step string) ([]byte, bool, error)

	// Save persists output once. A second Save for the same key returns ErrStepExists.
	Save(ctx context.Context, runID, step string, output []byte) error

	// Forget drops every record of a run.
	Forget(ctx context.Context, runID string) error

	Close() error
}

// Scoped suffixes a logical step name with the run's correlation key.
func Scoped(name, key string) string {
	return name + ":" + key
}

// Executor runs steps against a Store.
type Executor struct {
	store Store
}

// NewExecutor creates a step executor backed by s.
func NewExecutor(s Store) *Executor {
	return &Executor{store: s}
}

// Store returns the backing store.
func (e *Executor) Store() Store { return e.store }

// Do executes fn at most once per (runID, step) and returns the JSON
// encoding of its result. Replays return the saved bytes.
func (e *Executor) Do(ctx context.Context, runID, step string, fn func(ctx context.Context) (any, error)) ([]byte, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "step "+step)
	defer span.End()
	span.SetAttributes(attribute.String("step.run_id", runID), attribute.String("step.name", step))

	saved, ok, err := e.store.Load(ctx, runID, step)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load step %q: %w", step, err)
	}
	if ok {
		span.SetAttributes(attribute.Bool("step.memoized", true))
		log.Debug().Str("run_id", runID).Str("step", step).Msg("Step replayed from store")
		return saved, nil
	}
	span.SetAttributes(attribute.Bool("step.memoized", false))

	out, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode step %q: %w", step, err)
	}

	if err := e.store.Save(ctx, runID, step, data); err != nil {
		if !errors.Is(err, ErrStepExists) {
			return nil, fmt.Errorf("save step %q: %w", step, err)
		}
		// A concurrent attempt won the write; its value is authoritative.
		winner, ok, lerr := e.store.Load(ctx, runID, step)
		if lerr != nil {
			return nil, fmt.Errorf("load step %q: %w", step, lerr)
		}
		if ok {
			return winner, nil
		}
	}

	log.Debug().Str("run_id", runID).Str("step", step).Msg("Step recorded")
	return data, nil
}

// Run is the typed form of Executor.Do. The first call and every replay
// decode the same stored bytes, so all callers observe an identical value.
func Run[T any](ctx context.Context, e *Executor, runID, step string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	data, err := e.Do(ctx, runID, step, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}

	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("decode step %q: %w", step, err)
	}
	return out, nil
}
