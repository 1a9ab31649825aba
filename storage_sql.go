package tactus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// sqlStorage implements Storage over database/sql. The sqlite and postgres
// backends differ only in driver, placeholder style, and schema DDL.
type sqlStorage struct {
	db          *sql.DB
	placeholder func(n int) string
}

func (s *sqlStorage) SaveInvocation(ctx context.Context, record *InvocationRecord) error {
	paramsJSON, err := json.Marshal(record.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	resultJSON, err := json.Marshal(record.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	var completedAt *time.Time
	if !record.CompletedAt.IsZero() {
		completedAt = &record.CompletedAt
	}

	query := fmt.Sprintf(`
		INSERT INTO invocations (id, definition_ref, params, status, created_at, completed_at, result, error)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			result = EXCLUDED.result,
			error = EXCLUDED.error`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
		s.placeholder(5), s.placeholder(6), s.placeholder(7), s.placeholder(8))

	_, err = s.db.ExecContext(ctx, query,
		record.ID, record.Definition, string(paramsJSON), record.Status,
		record.CreatedAt, completedAt, string(resultJSON), record.Error)
	if err != nil {
		return fmt.Errorf("failed to save invocation: %w", err)
	}
	return nil
}

func (s *sqlStorage) LoadInvocation(ctx context.Context, id string) (*InvocationRecord, error) {
	query := fmt.Sprintf(`
		SELECT id, definition_ref, params, status, created_at, completed_at, result, error
		FROM invocations WHERE id = %s`, s.placeholder(1))

	row := s.db.QueryRowContext(ctx, query, id)
	record, err := scanInvocation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load invocation: %w", err)
	}
	return record, nil
}

func (s *sqlStorage) ListInvocations(ctx context.Context) ([]*InvocationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, definition_ref, params, status, created_at, completed_at, result, error
		FROM invocations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list invocations: %w", err)
	}
	defer rows.Close()

	var records []*InvocationRecord
	for rows.Next() {
		record, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invocation: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *sqlStorage) AppendEvent(ctx context.Context, id string, event Event) error {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO events (invocation_id, seq, type, timestamp, payload)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (invocation_id, seq) DO UPDATE SET
			type = EXCLUDED.type,
			timestamp = EXCLUDED.timestamp,
			payload = EXCLUDED.payload`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5))
	_, err = s.db.ExecContext(ctx, query, id, event.Seq, string(event.Type), event.Timestamp, string(payloadJSON))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *sqlStorage) ReadEvents(ctx context.Context, id string, sinceSeq int) ([]Event, error) {
	query := fmt.Sprintf(`
		SELECT seq, type, timestamp, payload FROM events
		WHERE invocation_id = %s AND seq > %s ORDER BY seq`,
		s.placeholder(1), s.placeholder(2))
	rows, err := s.db.QueryContext(ctx, query, id, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		var eventType, payloadJSON string
		if err := rows.Scan(&event.Seq, &eventType, &event.Timestamp, &payloadJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = EventType(eventType)
		event.InvocationID = id
		if payloadJSON != "" && payloadJSON != "null" {
			if err := json.Unmarshal([]byte(payloadJSON), &event.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *sqlStorage) WriteCheckpoint(ctx context.Context, id, stepID string, value any) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint value: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO checkpoints (invocation_id, step_id, value)
		VALUES (%s, %s, %s)
		ON CONFLICT (invocation_id, step_id) DO NOTHING`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3))
	_, err = s.db.ExecContext(ctx, query, id, stepID, string(valueJSON))
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

func (s *sqlStorage) ReadCheckpoint(ctx context.Context, id, stepID string) (any, bool, error) {
	query := fmt.Sprintf(`
		SELECT value FROM checkpoints WHERE invocation_id = %s AND step_id = %s`,
		s.placeholder(1), s.placeholder(2))
	var valueJSON string
	err := s.db.QueryRowContext(ctx, query, id, stepID).Scan(&valueJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var value any
	if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal checkpoint value: %w", err)
	}
	return value, true, nil
}

func (s *sqlStorage) DeleteInvocation(ctx context.Context, id string) error {
	for _, table := range []string{"checkpoints", "events", "invocations"} {
		var query string
		if table == "invocations" {
			query = fmt.Sprintf("DELETE FROM %s WHERE id = %s", table, s.placeholder(1))
		} else {
			query = fmt.Sprintf("DELETE FROM %s WHERE invocation_id = %s", table, s.placeholder(1))
		}
		if _, err := s.db.ExecContext(ctx, query, id); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *sqlStorage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row rowScanner) (*InvocationRecord, error) {
	var record InvocationRecord
	var paramsJSON, resultJSON string
	var completedAt sql.NullTime
	err := row.Scan(&record.ID, &record.Definition, &paramsJSON, &record.Status,
		&record.CreatedAt, &completedAt, &resultJSON, &record.Error)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		record.CompletedAt = completedAt.Time
	}
	if paramsJSON != "" && paramsJSON != "null" {
		if err := json.Unmarshal([]byte(paramsJSON), &record.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
	}
	if resultJSON != "" && resultJSON != "null" {
		if err := json.Unmarshal([]byte(resultJSON), &record.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return &record, nil
}
