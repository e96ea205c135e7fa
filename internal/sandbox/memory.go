package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CommandHandler scripts command results for a MemoryProvider.
type CommandHandler func(ctx context.Context, sb *MemorySandbox, command string) (*Execution, error)

// HostHandler scripts port resolution for a MemoryProvider.
type HostHandler func(ctx context.Context, sb *MemorySandbox, port int) (string, error)

// MemorySandbox is the state of one in-process sandbox.
type MemorySandbox struct {
	ID         string
	TemplateID string
	Env        map[string]string
	ExpiresAt  time.Time

	mu       sync.Mutex
	files    map[string]string
	commands []string
}

// Files returns a copy of the sandbox file system.
func (sb *MemorySandbox) Files() map[string]string {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	out := make(map[string]string, len(sb.files))
	for k, v := range sb.files {
		out[k] = v
	}
	return out
}

// Commands returns the commands run so far, in order.
func (sb *MemorySandbox) Commands() []string {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return append([]string(nil), sb.commands...)
}

// MemoryProvider is an in-process Provider used by tests and dry runs.
type MemoryProvider struct {
	mu        sync.RWMutex
	sandboxes map[string]*MemorySandbox
	created   int

	now      func() time.Time
	commands CommandHandler
	hosts    HostHandler
	writes   func(sb *MemorySandbox, path string) error
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		sandboxes: make(map[string]*MemorySandbox),
		now:       time.Now,
	}
}

// OnCommand installs a command handler. Without one every command succeeds
// with empty output.
func (p *MemoryProvider) OnCommand(h CommandHandler) { p.commands = h }

// OnHost installs a host resolver. Without one hosts look like "3000-<id>.sandbox.local".
func (p *MemoryProvider) OnHost(h HostHandler) { p.hosts = h }

// OnWrite installs a hook that can reject file writes.
func (p *MemoryProvider) OnWrite(h func(sb *MemorySandbox, path string) error) { p.writes = h }

// SetClock replaces the provider's clock.
func (p *MemoryProvider) SetClock(now func() time.Time) { p.now = now }

// Created reports how many sandboxes were provisioned.
func (p *MemoryProvider) Created() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.created
}

// Sandbox returns a provisioned sandbox by id.
func (p *MemoryProvider) Sandbox(id string) (*MemorySandbox, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sb, ok := p.sandboxes[id]
	return sb, ok
}

// IDs lists the provisioned sandbox ids.
func (p *MemoryProvider) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.sandboxes))
	for id := range p.sandboxes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *MemoryProvider) Create(_ context.Context, templateID string, env map[string]string, ttl time.Duration) (string, error) {
	envCopy := make(map[string]string, len(env))
	for k, v := range env {
		envCopy[k] = v
	}
	sb := &MemorySandbox{
		ID:         "sbx-" + uuid.NewString()[:8],
		TemplateID: templateID,
		Env:        envCopy,
		ExpiresAt:  p.now().Add(ttl),
		files:      make(map[string]string),
	}

	p.mu.Lock()
	p.sandboxes[sb.ID] = sb
	p.created++
	p.mu.Unlock()
	return sb.ID, nil
}

func (p *MemoryProvider) Connect(_ context.Context, handle string) (Session, error) {
	sb, ok := p.Sandbox(handle)
	if !ok {
		return nil, fmt.Errorf("sandbox %s not found: %w", handle, ErrSandboxUnavailable)
	}
	s := &memorySession{sb: sb, p: p}
	if err := s.alive(); err != nil {
		return nil, err
	}
	return s, nil
}

type memorySession struct {
	sb *MemorySandbox
	p  *MemoryProvider
}

func (s *memorySession) ID() string { return s.sb.ID }

func (s *memorySession) alive() error {
	if !s.p.now().Before(s.sb.ExpiresAt) {
		return fmt.Errorf("sandbox %s expired: %w", s.sb.ID, ErrSandboxUnavailable)
	}
	return nil
}

func (s *memorySession) RunCommand(ctx context.Context, command string) (*Execution, error) {
	if err := s.alive(); err != nil {
		return &Execution{}, err
	}
	s.sb.mu.Lock()
	s.sb.commands = append(s.sb.commands, command)
	s.sb.mu.Unlock()

	if s.p.commands == nil {
		return &Execution{}, nil
	}
	return s.p.commands(ctx, s.sb, command)
}

func (s *memorySession) WriteFile(_ context.Context, path, content string) error {
	if err := s.alive(); err != nil {
		return err
	}
	if s.p.writes != nil {
		if err := s.p.writes(s.sb, path); err != nil {
			return err
		}
	}
	s.sb.mu.Lock()
	s.sb.files[path] = content
	s.sb.mu.Unlock()
	return nil
}

func (s *memorySession) ReadFile(_ context.Context, path string) (string, error) {
	if err := s.alive(); err != nil {
		return "", err
	}
	s.sb.mu.Lock()
	defer s.sb.mu.Unlock()
	content, ok := s.sb.files[path]
	if !ok {
		return "", fmt.Errorf("read %s: no such file or directory", path)
	}
	return content, nil
}

func (s *memorySession) Host(ctx context.Context, port int) (string, error) {
	if err := s.alive(); err != nil {
		return "", err
	}
	if s.p.hosts != nil {
		return s.p.hosts(ctx, s.sb, port)
	}
	return fmt.Sprintf("%d-%s.sandbox.local", port, s.sb.ID), nil
}
