package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed event store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the event log table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS event_logs (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			action     TEXT NOT NULL,
			details    JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_event_logs_action ON event_logs(action, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_event_logs_user ON event_logs(user_id, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Append(ctx context.Context, e *Event) error {
	var details []byte
	if e.Details != nil {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to encode details: %w", err)
		}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO event_logs (id, user_id, action, details, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.ID, e.UserID, e.Action, details, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (p *PostgresStore) Find(ctx context.Context, q Query) ([]*Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, action, details, created_at
		FROM event_logs
		WHERE ($1 = '' OR user_id = $1)
		  AND ($2 = '' OR action = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, q.UserID, q.Action, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var details []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode details: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (p *PostgresStore) CountByAction(ctx context.Context, action string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM event_logs WHERE action = $1
	`, action).Scan(&count)
	return count, err
}
