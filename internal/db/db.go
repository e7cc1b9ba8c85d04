package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, conn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}

	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	user_id         TEXT NOT NULL,
	provider        TEXT NOT NULL,
	email           TEXT NOT NULL DEFAULT '',
	access_token    TEXT NOT NULL DEFAULT '',
	refresh_token   TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	last_synced_at  TIMESTAMPTZ,
	connected_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	disconnected_at TIMESTAMPTZ,
	PRIMARY KEY (user_id, provider)
);

CREATE TABLE IF NOT EXISTS documents (
	id                BIGSERIAL PRIMARY KEY,
	user_id           TEXT NOT NULL,
	drive_file_id     TEXT NOT NULL DEFAULT '',
	file_name         TEXT NOT NULL,
	vendor_name       TEXT NOT NULL,
	vendor_folder_id  TEXT NOT NULL DEFAULT '',
	invoice_folder_id TEXT NOT NULL DEFAULT '',
	source_message_id TEXT NOT NULL,
	content_hash      TEXT NOT NULL,
	status            TEXT NOT NULL,
	errors            JSONB NOT NULL DEFAULT '[]',
	indexed           BOOLEAN NOT NULL DEFAULT FALSE,
	indexed_at        TIMESTAMPTZ,
	ocr_completed_at  TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_documents_dedup
	ON documents (user_id, source_message_id, content_hash);
CREATE INDEX IF NOT EXISTS ix_documents_user_status
	ON documents (user_id, status);

CREATE TABLE IF NOT EXISTS jobs (
	job_id       TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	job_type     TEXT NOT NULL,
	status       TEXT NOT NULL,
	payload      JSONB,
	result       JSONB,
	error        JSONB,
	retry_count  INT NOT NULL DEFAULT 0,
	max_retries  INT NOT NULL DEFAULT 3,
	progress     JSONB NOT NULL DEFAULT '{"total":0,"completed":0,"failed":0,"skipped":0}',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS ix_jobs_user_created
	ON jobs (user_id, created_at DESC);
`

// Migrate creates the three tables if they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schema)
	return err
}
