package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/codeYAY/SPACE/internal/steps"
	"github.com/codeYAY/SPACE/pkg/models"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type captured struct {
	mu      sync.Mutex
	events  []Event
	failAt  int // fail the delivery with this index; -1 never fails
	failErr error
}

func newCaptured() *captured { return &captured{failAt: -1} }

func (c *captured) Publish(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.Data.SequenceNumber == c.failAt {
		return c.failErr
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *captured) sequence() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Data.SequenceNumber
	}
	return out
}

func TestPublisher_EnrichesAndOrders(t *testing.T) {
	tr := newCaptured()
	ex := steps.NewExecutor(steps.NewMemoryStore())
	p := NewPublisher(tr, ex, "run-1", "proj-1", "proj-1", "user-9")

	for i := 0; i < 3; i++ {
		if err := p.Publish(context.Background(), models.StreamChunk{Event: "text.completed", Data: map[string]any{"turn": i}}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	if len(tr.events) != 3 {
		t.Fatalf("delivered %d events, want 3", len(tr.events))
	}
	for i, ev := range tr.events {
		if ev.Name != EventName || ev.User != "user-9" {
			t.Errorf("event %d = %q to %q", i, ev.Name, ev.User)
		}
		if ev.Data.SequenceNumber != i {
			t.Errorf("event %d sequence = %d", i, ev.Data.SequenceNumber)
		}
		if ev.Data.Data["projectId"] != "proj-1" || ev.Data.Data["userId"] != "user-9" {
			t.Errorf("event %d data = %v", i, ev.Data.Data)
		}
		if ev.Data.Data["turn"] != i {
			t.Errorf("event %d lost original data: %v", i, ev.Data.Data)
		}
		if ev.Data.ID == "" || ev.Data.Timestamp.IsZero() {
			t.Errorf("event %d missing id or timestamp", i)
		}
	}
	if p.Published() != 3 {
		t.Errorf("Published() = %d, want 3", p.Published())
	}
}

func TestPublisher_StepNames(t *testing.T) {
	store := steps.NewMemoryStore()
	p := NewPublisher(newCaptured(), steps.NewExecutor(store), "run-1", "proj-1", "proj-1", "")

	for i := 0; i < 2; i++ {
		if err := p.Publish(context.Background(), models.StreamChunk{Event: "run.started"}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	got := store.Steps("run-1")
	want := map[string]bool{"stream-chunk-0:proj-1": true, "stream-chunk-1:proj-1": true}
	if len(got) != 2 || !want[got[0]] || !want[got[1]] {
		t.Errorf("steps = %v", got)
	}
}

func TestPublisher_FailedDeliveryKeepsIndex(t *testing.T) {
	tr := newCaptured()
	tr.failAt = 1
	tr.failErr = errors.New("transport down")
	p := NewPublisher(tr, steps.NewExecutor(steps.NewMemoryStore()), "run-1", "k", "", "")

	_ = p.Publish(context.Background(), models.StreamChunk{Event: "a"})
	if err := p.Publish(context.Background(), models.StreamChunk{Event: "b"}); !errors.Is(err, tr.failErr) {
		t.Fatalf("Publish() error = %v, want %v", err, tr.failErr)
	}
	if p.Published() != 1 {
		t.Errorf("Published() = %d, want 1", p.Published())
	}

	tr.failAt = -1
	if err := p.Publish(context.Background(), models.StreamChunk{Event: "b"}); err != nil {
		t.Fatalf("Publish() retry error = %v", err)
	}
	if got := tr.sequence(); fmt.Sprint(got) != "[0 1]" {
		t.Errorf("sequence = %v, want [0 1]", got)
	}
}

// A run that crashes after k chunks and is replayed delivers every chunk
// exactly once, in order.
func TestPublisher_ReplayFromK(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("replay resumes at the first undelivered chunk", prop.ForAll(
		func(n, k int) bool {
			if k > n {
				k = n
			}
			ex := steps.NewExecutor(steps.NewMemoryStore())
			tr := newCaptured()
			tr.failAt = k
			tr.failErr = errors.New("crash")

			first := NewPublisher(tr, ex, "run", "key", "p", "u")
			for i := 0; i < n; i++ {
				if err := first.Publish(context.Background(), models.StreamChunk{Event: "e"}); err != nil {
					break
				}
			}

			tr.failAt = -1
			replay := NewPublisher(tr, ex, "run", "key", "p", "u")
			for i := 0; i < n; i++ {
				if err := replay.Publish(context.Background(), models.StreamChunk{Event: "e"}); err != nil {
					return false
				}
			}

			seq := tr.sequence()
			if len(seq) != n {
				return false
			}
			for i, s := range seq {
				if s != i {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 30),
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}

func TestPublisher_ConcurrentPublishesAreSerialized(t *testing.T) {
	tr := newCaptured()
	p := NewPublisher(tr, steps.NewExecutor(steps.NewMemoryStore()), "run", "k", "", "")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Publish(context.Background(), models.StreamChunk{Event: "e"})
		}()
	}
	wg.Wait()

	seq := tr.sequence()
	if len(seq) != 20 {
		t.Fatalf("delivered %d, want 20", len(seq))
	}
	for i, s := range seq {
		if s != i {
			t.Fatalf("sequence = %v, not monotonic", seq)
		}
	}
}

func TestHub_RoutesByUser(t *testing.T) {
	h := NewHub(4)
	alice := h.Subscribe("alice")
	all := h.Subscribe("")
	bob := h.Subscribe("bob")
	defer h.Unsubscribe("bob", bob)

	_ = h.Publish(context.Background(), Event{Name: EventName, User: "alice"})

	select {
	case ev := <-alice:
		if ev.User != "alice" {
			t.Errorf("alice got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("alice got nothing")
	}
	select {
	case <-all:
	case <-time.After(time.Second):
		t.Fatal("catch-all subscriber got nothing")
	}
	select {
	case ev := <-bob:
		t.Errorf("bob got %+v", ev)
	default:
	}

	h.Unsubscribe("alice", alice)
	if _, ok := <-alice; ok {
		t.Error("Unsubscribe() did not close the channel")
	}
	h.Unsubscribe("", all)
	if h.Subscribers() != 1 {
		t.Errorf("Subscribers() = %d, want 1", h.Subscribers())
	}
}

func TestHub_DropsWhenFull(t *testing.T) {
	h := NewHub(1)
	ch := h.Subscribe("u")
	for i := 0; i < 5; i++ {
		_ = h.Publish(context.Background(), Event{User: "u"})
	}
	if len(ch) != 1 {
		t.Errorf("buffered = %d, want 1", len(ch))
	}
}

func TestHub_LogsDroppedChunk(t *testing.T) {
	var buf bytes.Buffer
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	log.Logger = zerolog.New(&buf)
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	h := NewHub(1)
	ch := h.Subscribe("u")
	first := Event{User: "u", Data: models.StreamChunk{ID: "c1", SequenceNumber: 1}}
	second := Event{User: "u", Data: models.StreamChunk{ID: "c2", SequenceNumber: 2}}

	if err := h.Publish(context.Background(), first); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if bytes.Contains(buf.Bytes(), []byte("c1")) {
		t.Fatalf("delivered chunk logged as dropped: %s", buf.String())
	}

	done := make(chan error, 1)
	go func() { done <- h.Publish(context.Background(), second) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Publish() blocked on a full subscriber")
	}

	if got := (<-ch).Data.SequenceNumber; got != 1 {
		t.Errorf("delivered sequence = %d, want 1", got)
	}

	var entry map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var e map[string]any
		if json.Unmarshal(line, &e) == nil && e["chunk_id"] != nil {
			entry = e
		}
	}
	if entry == nil {
		t.Fatalf("no drop log in %q", buf.String())
	}
	if entry["level"] != "debug" {
		t.Errorf("level = %v, want debug", entry["level"])
	}
	if entry["sequence"] != float64(2) {
		t.Errorf("sequence = %v, want 2", entry["sequence"])
	}
	if entry["chunk_id"] != "c2" {
		t.Errorf("chunk_id = %v, want c2", entry["chunk_id"])
	}
}

type fakeConn struct{ msgs []*nats.Msg }

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	f.msgs = append(f.msgs, m)
	return nil
}

func TestNATSTransport(t *testing.T) {
	conn := &fakeConn{}
	tr := NewNATSTransport(conn, "")

	ev := Event{Name: EventName, User: "user.one", Data: models.StreamChunk{Event: "run.started", SequenceNumber: 4}}
	if err := tr.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := tr.Publish(context.Background(), Event{Name: EventName}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(conn.msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(conn.msgs))
	}
	if got := conn.msgs[0].Subject; got != "rushed-agent.stream.user_one" {
		t.Errorf("subject = %q", got)
	}
	if got := conn.msgs[1].Subject; got != "rushed-agent.stream.broadcast" {
		t.Errorf("broadcast subject = %q", got)
	}
	if got := conn.msgs[0].Header.Get("Rushed-Sequence"); got != "4" {
		t.Errorf("sequence header = %q", got)
	}

	var decoded Event
	if err := json.Unmarshal(conn.msgs[0].Data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Data.Event != "run.started" || decoded.User != "user.one" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestFanout_JoinsErrors(t *testing.T) {
	ok := newCaptured()
	boom := errors.New("boom")
	f := Fanout{ok, nil, TransportFunc(func(context.Context, Event) error { return boom })}

	err := f.Publish(context.Background(), Event{Name: EventName})
	if !errors.Is(err, boom) {
		t.Errorf("Publish() error = %v, want %v", err, boom)
	}
	if len(ok.events) != 1 {
		t.Errorf("healthy transport got %d events", len(ok.events))
	}
}
