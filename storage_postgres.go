package tactus

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS invocations (
	id TEXT PRIMARY KEY,
	definition_ref TEXT NOT NULL,
	params JSONB,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	result JSONB,
	error TEXT
);
CREATE TABLE IF NOT EXISTS events (
	invocation_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	type TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	payload JSONB,
	PRIMARY KEY (invocation_id, seq)
);
CREATE TABLE IF NOT EXISTS checkpoints (
	invocation_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	value JSONB,
	PRIMARY KEY (invocation_id, step_id)
);
`

// PostgresStorage is a shared durable backend for multi-process deployments.
type PostgresStorage struct {
	sqlStorage
}

func NewPostgresStorage(dsn string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize postgres schema: %w", err)
	}
	return &PostgresStorage{sqlStorage{
		db:          db,
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	}}, nil
}
