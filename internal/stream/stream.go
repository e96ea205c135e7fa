// Package stream delivers agent progress chunks to subscribers.
//
// A Publisher enriches each chunk with the run's identity and publishes it
// inside its own durable step, so a replayed run never re-delivers a chunk
// it already delivered and resumes exactly where delivery stopped.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codeYAY/SPACE/internal/steps"
	"github.com/codeYAY/SPACE/pkg/models"
	"github.com/google/uuid"
)

// EventName is the name every agent chunk is published under.
const EventName = "agent.stream"

// Event is one delivery to a transport.
type Event struct {
	Name string             `json:"name"`
	Data models.StreamChunk `json:"data"`
	// User is the recipient; empty means no specific recipient.
	User string `json:"user,omitempty"`
}

// Transport delivers events.
type Transport interface {
	Publish(ctx context.Context, ev Event) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, ev Event) error

func (f TransportFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Publisher publishes the chunks of one run attempt in order.
type Publisher struct {
	transport Transport
	steps     *steps.Executor
	runID     string
	key       string
	projectID string
	userID    string

	mu   sync.Mutex
	next int
	now  func() time.Time
}

// NewPublisher creates a publisher for one attempt of a run. The chunk
// index starts at zero, so an attempt replays the same step names as the
// attempts before it.
func NewPublisher(t Transport, ex *steps.Executor, runID, key, projectID, userID string) *Publisher {
	return &Publisher{
		transport: t,
		steps:     ex,
		runID:     runID,
		key:       key,
		projectID: projectID,
		userID:    userID,
		now:       time.Now,
	}
}

// Published reports how many chunks this publisher has handled.
func (p *Publisher) Published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

// Publish enriches chunk with projectId and userId and delivers it as step
// "stream-chunk-<index>:<key>". A failed delivery does not consume the index.
func (p *Publisher) Publish(ctx context.Context, chunk models.StreamChunk) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.next
	name := steps.Scoped(fmt.Sprintf("stream-chunk-%d", idx), p.key)

	deliver := func(ctx context.Context) (models.StreamChunk, error) {
		enriched := p.enrich(chunk, idx)
		ev := Event{Name: EventName, Data: enriched, User: p.userID}
		if err := p.transport.Publish(ctx, ev); err != nil {
			return models.StreamChunk{}, err
		}
		return enriched, nil
	}

	var err error
	if p.steps != nil {
		_, err = steps.Run(ctx, p.steps, p.runID, name, deliver)
	} else {
		_, err = deliver(ctx)
	}
	if err != nil {
		return fmt.Errorf("publish chunk %d: %w", idx, err)
	}
	p.next++
	return nil
}

func (p *Publisher) enrich(chunk models.StreamChunk, idx int) models.StreamChunk {
	data := make(map[string]any, len(chunk.Data)+2)
	for k, v := range chunk.Data {
		data[k] = v
	}
	data["projectId"] = p.projectID
	data["userId"] = p.userID

	chunk.Data = data
	chunk.SequenceNumber = idx
	if chunk.ID == "" {
		chunk.ID = uuid.NewString()
	}
	if chunk.Timestamp.IsZero() {
		chunk.Timestamp = p.now().UTC()
	}
	return chunk
}

// ── Fanout ──────────────────────────────────────────────────

// Fanout delivers every event to all transports.
type Fanout []Transport

// Publish delivers ev to each transport and joins their errors.
func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, t := range f {
		if t == nil {
			continue
		}
		if err := t.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
