package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codeYAY/SPACE/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresStore implements Store on PostgreSQL via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to connURL and verifies the connection.
// Call Migrate before first use.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	log.Info().Int32("max_conns", cfg.MaxConns).Msg("✅ Postgres store connected")
	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the connection pool so other components can share it.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			content    TEXT NOT NULL,
			role       TEXT NOT NULL,
			type       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_messages_project_created
			ON messages (project_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS fragments (
			id          TEXT PRIMARY KEY,
			message_id  TEXT NOT NULL UNIQUE REFERENCES messages(id) ON DELETE CASCADE,
			sandbox_url TEXT NOT NULL,
			title       TEXT NOT NULL,
			files       JSONB NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS workflow_runs (
			id              TEXT PRIMARY KEY,
			correlation_key TEXT NOT NULL,
			project_id      TEXT NOT NULL DEFAULT '',
			user_id         TEXT NOT NULL DEFAULT '',
			prompt          TEXT NOT NULL,
			status          TEXT NOT NULL,
			attempts        INT NOT NULL DEFAULT 0,
			summary         TEXT NOT NULL DEFAULT '',
			files           JSONB NOT NULL DEFAULT '{}',
			url             TEXT NOT NULL DEFAULT '',
			title           TEXT NOT NULL DEFAULT '',
			error           TEXT NOT NULL DEFAULT '',
			started_at      TIMESTAMPTZ NOT NULL,
			completed_at    TIMESTAMPTZ,
			duration_ms     BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_runs_project
			ON workflow_runs (project_id, started_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info().Msg("✅ Postgres store migrated")
	return nil
}

// ── Messages ────────────────────────────────────────────────

const messageColumns = `
	m.id, m.project_id, m.content, m.role, m.type, m.created_at,
	f.id, f.sandbox_url, f.title, f.files, f.created_at`

func (s *PostgresStore) ListRecentMessages(ctx context.Context, projectID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		LEFT JOIN fragments f ON f.message_id = m.id
		WHERE m.project_id = $1
		ORDER BY m.created_at DESC
		LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		LEFT JOIN fragments f ON f.message_id = m.id
		WHERE m.id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "message", Key: id}
	}
	return msg, err
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var (
		msg        models.Message
		role, kind string
		fID, fURL  *string
		fTitle     *string
		fFiles     []byte
		fAt        *time.Time
	)
	if err := row.Scan(&msg.ID, &msg.ProjectID, &msg.Content, &role, &kind, &msg.CreatedAt,
		&fID, &fURL, &fTitle, &fFiles, &fAt); err != nil {
		return nil, err
	}
	msg.Role = models.MessageRole(role)
	msg.Type = models.MessageType(kind)

	if fID != nil {
		f := &models.Fragment{ID: *fID, MessageID: msg.ID, Files: models.FileCollection{}}
		if fURL != nil {
			f.SandboxURL = *fURL
		}
		if fTitle != nil {
			f.Title = *fTitle
		}
		if fAt != nil {
			f.CreatedAt = *fAt
		}
		if len(fFiles) > 0 {
			if err := json.Unmarshal(fFiles, &f.Files); err != nil {
				return nil, fmt.Errorf("decode fragment files: %w", err)
			}
		}
		msg.Fragment = f
	}
	return &msg, nil
}

// CreateMessage writes the message and its fragment in one transaction.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	prepareMessage(msg)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO messages (id, project_id, content, role, type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.ProjectID, msg.Content, string(msg.Role), string(msg.Type), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	if f := msg.Fragment; f != nil {
		files, err := json.Marshal(f.Files)
		if err != nil {
			return fmt.Errorf("encode fragment files: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO fragments (id, message_id, sandbox_url, title, files, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			f.ID, msg.ID, f.SandboxURL, f.Title, files, f.CreatedAt); err != nil {
			return fmt.Errorf("insert fragment: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// ── Runs ────────────────────────────────────────────────────

const runColumns = `id, correlation_key, project_id, user_id, prompt, status, attempts,
	summary, files, url, title, error, started_at, completed_at, duration_ms`

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.WorkflowRun) error {
	prepareRun(run)
	files, err := json.Marshal(run.Files.Clone())
	if err != nil {
		return fmt.Errorf("encode run files: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		run.ID, run.CorrelationKey, run.ProjectID, run.UserID, run.Prompt, string(run.Status), run.Attempts,
		run.Summary, files, run.URL, run.Title, run.Error, run.StartedAt, run.CompletedAt, run.DurationMs)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *models.WorkflowRun) error {
	files, err := json.Marshal(run.Files.Clone())
	if err != nil {
		return fmt.Errorf("encode run files: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_runs SET
			status = $2, attempts = $3, summary = $4, files = $5, url = $6,
			title = $7, error = $8, completed_at = $9, duration_ms = $10
		WHERE id = $1`,
		run.ID, string(run.Status), run.Attempts, run.Summary, files, run.URL,
		run.Title, run.Error, run.CompletedAt, run.DurationMs)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "run", Key: run.ID}
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "run", Key: id}
	}
	return run, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, projectID string, limit int) ([]models.WorkflowRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM workflow_runs
		WHERE $1 = '' OR project_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []models.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (*models.WorkflowRun, error) {
	var (
		run    models.WorkflowRun
		status string
		files  []byte
	)
	if err := row.Scan(&run.ID, &run.CorrelationKey, &run.ProjectID, &run.UserID, &run.Prompt, &status,
		&run.Attempts, &run.Summary, &files, &run.URL, &run.Title, &run.Error,
		&run.StartedAt, &run.CompletedAt, &run.DurationMs); err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	if len(files) > 0 {
		if err := json.Unmarshal(files, &run.Files); err != nil {
			return nil, fmt.Errorf("decode run files: %w", err)
		}
	}
	return &run, nil
}
