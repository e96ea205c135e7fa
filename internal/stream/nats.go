package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix prefixes the subjects chunks are published on.
const DefaultSubjectPrefix = "rushed-agent.stream"

// Conn is the part of *nats.Conn the transport uses.
type Conn interface {
	PublishMsg(m *nats.Msg) error
}

// NATSTransport publishes events to "<prefix>.<user>", or "<prefix>.broadcast"
// when an event has no recipient.
type NATSTransport struct {
	conn   Conn
	prefix string
}

// NewNATSTransport wraps a NATS connection.
func NewNATSTransport(conn Conn, prefix string) *NATSTransport {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSTransport{conn: conn, prefix: prefix}
}

// Subject returns the subject events for user are published on.
func (t *NATSTransport) Subject(user string) string {
	if user == "" {
		return t.prefix + ".broadcast"
	}
	return t.prefix + "." + subjectToken(user)
}

func (t *NATSTransport) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode stream event: %w", err)
	}

	msg := nats.NewMsg(t.Subject(ev.User))
	msg.Data = data
	msg.Header.Set("Rushed-Event", ev.Name)
	msg.Header.Set("Rushed-Sequence", fmt.Sprint(ev.Data.SequenceNumber))
	if err := t.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", msg.Subject, err)
	}
	return nil
}

// subjectToken makes s safe as a single subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
