package tactus

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS invocations (
	id TEXT PRIMARY KEY,
	definition_ref TEXT NOT NULL,
	params TEXT,
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	result TEXT,
	error TEXT
);
CREATE TABLE IF NOT EXISTS events (
	invocation_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	type TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	payload TEXT,
	PRIMARY KEY (invocation_id, seq)
);
CREATE TABLE IF NOT EXISTS checkpoints (
	invocation_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	value TEXT,
	PRIMARY KEY (invocation_id, step_id)
);
`

// SQLiteStorage is a single-file durable backend. The zero-CGO driver keeps
// it usable anywhere the CLI runs.
type SQLiteStorage struct {
	sqlStorage
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// The sqlite driver serialises writes; a single connection avoids
	// table-lock errors under concurrent invocations.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}
	return &SQLiteStorage{sqlStorage{
		db:          db,
		placeholder: func(n int) string { return "?" },
	}}, nil
}
