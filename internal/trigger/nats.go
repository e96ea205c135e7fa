// Package trigger consumes trigger events from NATS and hands them to the
// workflow engine.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codeYAY/SPACE/pkg/models"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Dispatcher starts workflow runs.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *models.TriggerEvent) (string, error)
}

// Subscriber is the part of *nats.Conn the consumer uses.
type Subscriber interface {
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Ack is the reply sent to request-style triggers.
type Ack struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// NATSConsumer subscribes to the trigger subject with a queue group, so each
// trigger is dispatched by exactly one service instance.
type NATSConsumer struct {
	conn     Subscriber
	subject  string
	queue    string
	dispatch Dispatcher
	timeout  time.Duration

	sub *nats.Subscription
}

// NewNATSConsumer creates a consumer. Call Start to subscribe.
func NewNATSConsumer(conn Subscriber, subject, queue string, d Dispatcher) *NATSConsumer {
	return &NATSConsumer{
		conn:     conn,
		subject:  subject,
		queue:    queue,
		dispatch: d,
		timeout:  10 * time.Second,
	}
}

// Start subscribes to the trigger subject.
func (c *NATSConsumer) Start() error {
	sub, err := c.conn.QueueSubscribe(c.subject, c.queue, c.Handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.subject, err)
	}
	c.sub = sub
	log.Info().Str("subject", c.subject).Str("queue", c.queue).Msg("📡 Trigger consumer subscribed")
	return nil
}

// Stop drains the subscription.
func (c *NATSConsumer) Stop() error {
	if c.sub == nil {
		return nil
	}
	if err := c.sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("drain %s: %w", c.subject, err)
	}
	return nil
}

// Handle decodes one trigger message and dispatches it. Messages with a
// reply subject get an Ack.
func (c *NATSConsumer) Handle(msg *nats.Msg) {
	ack := c.process(msg.Data)
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(ack)
	if err := msg.Respond(data); err != nil {
		log.Warn().Err(err).Str("reply", msg.Reply).Msg("Failed to acknowledge trigger")
	}
}

func (c *NATSConsumer) process(data []byte) Ack {
	ev, err := Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("subject", c.subject).Msg("Rejected trigger message")
		return Ack{Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	runID, err := c.dispatch.Dispatch(ctx, ev)
	if err != nil {
		log.Error().Err(err).Str("run_id", ev.ID).Msg("Failed to dispatch trigger")
		return Ack{ID: runID, Error: err.Error()}
	}
	log.Debug().Str("run_id", runID).Msg("Trigger dispatched")
	return Ack{ID: runID}
}

// Decode parses a JSON trigger event.
func Decode(data []byte) (*models.TriggerEvent, error) {
	var ev models.TriggerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode trigger: %w", err)
	}
	if strings.TrimSpace(ev.Prompt) == "" {
		return nil, errors.New("decode trigger: value is required")
	}
	return &ev, nil
}
