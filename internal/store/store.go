// Package store provides the storage interface and implementations for
// conversation messages and workflow run records.
package store

import (
	"context"

	"github.com/codeYAY/SPACE/pkg/models"
)

// Store is the primary storage interface. Workflow and handler code depend
// on this interface, so in-memory (tests, local dev) and PostgreSQL
// (production) implementations are interchangeable.
type Store interface {
	MessageStore
	RunStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error
}

// ── Message Store ───────────────────────────────────────────

// MessageStore persists the conversation of a project.
type MessageStore interface {
	// ListRecentMessages returns up to limit messages of a project, newest first.
	ListRecentMessages(ctx context.Context, projectID string, limit int) ([]models.Message, error)

	// CreateMessage inserts msg with its optional fragment. Creating a
	// message whose ID already exists is a no-op.
	CreateMessage(ctx context.Context, msg *models.Message) error

	GetMessage(ctx context.Context, id string) (*models.Message, error)
}

// ── Run Store ───────────────────────────────────────────────

// RunStore persists workflow run records.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.WorkflowRun) error
	UpdateRun(ctx context.Context, run *models.WorkflowRun) error
	GetRun(ctx context.Context, id string) (*models.WorkflowRun, error)
	// ListRuns returns runs newest first, optionally restricted to a project.
	ListRuns(ctx context.Context, projectID string, limit int) ([]models.WorkflowRun, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
