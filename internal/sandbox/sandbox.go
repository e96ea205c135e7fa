// Package sandbox manages the ephemeral execution environment of a run.
//
// A sandbox is created once per run from a named template, receives an
// environment map and a TTL, and is afterwards addressed only by its handle.
// Every tool call rehydrates a Session from the handle; nothing re-creates
// the environment mid-run.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

var (
	// ErrSandboxUnavailable is returned for operations on a missing or expired sandbox.
	ErrSandboxUnavailable = errors.New("sandbox unavailable")

	// ErrURLUnresolved is returned when the external URL could not be resolved.
	ErrURLUnresolved = errors.New("sandbox url unresolved")
)

// Defaults for the sandbox a run provisions.
const (
	DefaultTemplateID  = "mspace-nextjs-template"
	DefaultTTL         = 30 * time.Minute
	DefaultPort        = 3000
	DefaultURLAttempts = 5
	DefaultRetryDelay  = time.Second
)

// ExecutionError describes a command that ran but failed.
type ExecutionError struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Traceback string `json:"traceback"`
}

func (e *ExecutionError) Error() string {
	return e.Name + ": " + e.Value
}

// Execution is the outcome of one command inside a sandbox.
type Execution struct {
	Stdout string
	Stderr string
	// Text is the primary result when the runtime reports one separately from stdout.
	Text  string
	Error *ExecutionError
}

// Session is a live connection to a sandbox.
type Session interface {
	ID() string
	RunCommand(ctx context.Context, command string) (*Execution, error)
	WriteFile(ctx context.Context, path, content string) error
	ReadFile(ctx context.Context, path string) (string, error)
	// Host returns the externally reachable host:port for a sandbox port.
	Host(ctx context.Context, port int) (string, error)
}

// Provider creates sandboxes and reconnects to them by handle.
type Provider interface {
	Create(ctx context.Context, templateID string, env map[string]string, ttl time.Duration) (string, error)
	Connect(ctx context.Context, handle string) (Session, error)
}

// Manager is the run-facing API over a Provider.
type Manager struct {
	provider Provider
	port     int
	scheme   string
	attempts int
	delay    time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithPort sets the sandbox port whose URL is resolved.
func WithPort(port int) Option {
	return func(m *Manager) { m.port = port }
}

// WithURLScheme sets the scheme of resolved URLs.
func WithURLScheme(scheme string) Option {
	return func(m *Manager) { m.scheme = scheme }
}

// WithURLRetry sets the attempt ceiling and the base delay of URL resolution.
func WithURLRetry(attempts int, delay time.Duration) Option {
	return func(m *Manager) {
		m.attempts = attempts
		m.delay = delay
	}
}

// NewManager wraps p.
func NewManager(p Provider, opts ...Option) *Manager {
	m := &Manager{
		provider: p,
		port:     DefaultPort,
		scheme:   "https",
		attempts: DefaultURLAttempts,
		delay:    DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.attempts < 1 {
		m.attempts = 1
	}
	return m
}

// Create provisions one sandbox. Callers wrap it in a step so a replayed
// run reuses the handle.
func (m *Manager) Create(ctx context.Context, templateID string, env map[string]string, ttl time.Duration) (string, error) {
	if templateID == "" {
		templateID = DefaultTemplateID
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	handle, err := m.provider.Create(ctx, templateID, env, ttl)
	if err != nil {
		return "", fmt.Errorf("create sandbox from %q: %w", templateID, err)
	}

	log.Info().
		Str("sandbox", handle).
		Str("template", templateID).
		Int("env_vars", len(env)).
		Dur("ttl", ttl).
		Msg("📦 Sandbox created")
	return handle, nil
}

// Lookup rehydrates a session from a handle.
func (m *Manager) Lookup(ctx context.Context, handle string) (Session, error) {
	if handle == "" {
		return nil, fmt.Errorf("lookup sandbox: empty handle: %w", ErrSandboxUnavailable)
	}
	return m.provider.Connect(ctx, handle)
}

// ResolveExternalURL returns the public URL of the sandbox service port.
// The service may still be starting, so resolution is retried with a
// linearly growing delay (delay × attempt). Exhausting the attempts is fatal.
func (m *Manager) ResolveExternalURL(ctx context.Context, handle string) (string, error) {
	var host string
	attempt := 0

	op := func() error {
		attempt++
		sess, err := m.Lookup(ctx, handle)
		if err != nil {
			return err
		}
		h, err := sess.Host(ctx, m.port)
		if err != nil {
			return err
		}
		if h == "" {
			return fmt.Errorf("empty host for port %d", m.port)
		}
		host = h
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: m.delay}, uint64(m.attempts-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Str("sandbox", handle).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Sandbox URL not ready")
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return "", fmt.Errorf("%w: %s after %d attempts: %v", ErrURLUnresolved, handle, attempt, err)
	}

	url := m.scheme + "://" + host
	log.Info().Str("sandbox", handle).Str("url", url).Int("attempts", attempt).Msg("🌐 Sandbox URL resolved")
	return url, nil
}

// linearBackOff waits step, 2×step, 3×step, ... between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }
