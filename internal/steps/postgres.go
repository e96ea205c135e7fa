package steps

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresStore persists step records in PostgreSQL.
type PostgresStore struct {
	pool  *pgxpool.Pool
	owned bool
}

// NewPostgresStore connects to connURL and creates the step table if needed.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("steps connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("steps ping: %w", err)
	}

	s := &PostgresStore{pool: pool, owned: true}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("steps migrate: %w", err)
	}

	log.Info().Msg("✅ Postgres step store initialized")
	return s, nil
}

// NewPostgresStoreFromPool reuses an existing pool. Close leaves the pool open.
func NewPostgresStoreFromPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("steps migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS step_records (
			run_id     TEXT NOT NULL,
			step_name  TEXT NOT NULL,
			output     BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (run_id, step_name)
		);

		-- Outputs are opaque bytes; JSONB rejects the \u0000 escape.
		DO $$
		BEGIN
			IF EXISTS (
				SELECT 1 FROM information_schema.columns
				WHERE table_name = 'step_records' AND column_name = 'output' AND data_type = 'jsonb'
			) THEN
				ALTER TABLE step_records
					ALTER COLUMN output TYPE BYTEA USING convert_to(output::text, 'UTF8');
			END IF;
		END $$;
	`)
	return err
}

func (s *PostgresStore) Load(ctx context.Context, runID, step string) ([]byte, bool, error) {
	var out []byte
	err := s.pool.QueryRow(ctx,
		`SELECT output FROM step_records WHERE run_id = $1 AND step_name = $2`,
		runID, step,
	).Scan(&out)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (s *PostgresStore) Save(ctx context.Context, runID, step string, output []byte) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO step_records (run_id, step_name, output) VALUES ($1, $2, $3)
		 ON CONFLICT (run_id, step_name) DO NOTHING`,
		runID, step, output,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStepExists
	}
	return nil
}

func (s *PostgresStore) Forget(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM step_records WHERE run_id = $1`, runID)
	return err
}

func (s *PostgresStore) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}
