package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists behavioral events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the behavioral_events table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS behavioral_events (
			id          VARCHAR(32) PRIMARY KEY,
			user_id     VARCHAR(32) NOT NULL,
			device_id   VARCHAR(32) NOT NULL,
			session_id  VARCHAR(32),
			event_type  VARCHAR(20) NOT NULL,
			screen_name VARCHAR(128) NOT NULL DEFAULT '',
			payload     JSONB NOT NULL DEFAULT '{}',
			occurred_at TIMESTAMPTZ NOT NULL,
			processed   BOOLEAN NOT NULL DEFAULT FALSE
		);

		CREATE INDEX IF NOT EXISTS idx_behavioral_events_user_time
			ON behavioral_events (user_id, occurred_at DESC);

		CREATE INDEX IF NOT EXISTS idx_behavioral_events_unprocessed
			ON behavioral_events (occurred_at) WHERE NOT processed;
	`)
	return err
}

func (s *PostgresStore) Insert(ctx context.Context, e *Event) error {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	var sessionID sql.NullString
	if e.SessionID != "" {
		sessionID = sql.NullString{String: e.SessionID, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO behavioral_events
			(id, user_id, device_id, session_id, event_type, screen_name, payload, occurred_at, processed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.UserID, e.DeviceID, sessionID, string(e.Type), e.ScreenName, payloadJSON, e.OccurredAt, e.Processed)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSince(ctx context.Context, userID string, since time.Time, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, device_id, session_id, event_type, screen_name, payload, occurred_at, processed
		FROM behavioral_events
		WHERE user_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at ASC
		LIMIT $3
	`, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListPage(ctx context.Context, userID string, beforeAt time.Time, beforeID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, user_id, device_id, session_id, event_type, screen_name, payload, occurred_at, processed
		FROM behavioral_events
		WHERE user_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2`
	args := []any{userID, limit}

	if !beforeAt.IsZero() {
		query = `
			SELECT id, user_id, device_id, session_id, event_type, screen_name, payload, occurred_at, processed
			FROM behavioral_events
			WHERE user_id = $1 AND (occurred_at, id) < ($2, $3)
			ORDER BY occurred_at DESC, id DESC
			LIMIT $4`
		args = []any{userID, beforeAt, beforeID, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list event page: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountTypesSince(ctx context.Context, userID string, types []Type, since time.Time) (int, error) {
	typeStrs := make([]string, len(types))
	for i, t := range types {
		typeStrs[i] = string(t)
	}

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM behavioral_events
		WHERE user_id = $1 AND occurred_at >= $2 AND event_type = ANY($3)
	`, userID, since, pq.Array(typeStrs)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) MaxScrollVelocitySince(ctx context.Context, userID string, since time.Time) (float64, error) {
	var max sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX((payload->>'velocity')::DOUBLE PRECISION)
		FROM behavioral_events
		WHERE user_id = $1 AND occurred_at >= $2
		  AND event_type = 'scroll'
		  AND payload ? 'velocity'
	`, userID, since).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max scroll velocity: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Float64, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE behavioral_events SET processed = TRUE WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark events processed: %w", err)
	}
	return nil
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	var e Event
	var sessionID sql.NullString
	var payloadJSON []byte

	if err := rows.Scan(&e.ID, &e.UserID, &e.DeviceID, &sessionID, &e.Type,
		&e.ScreenName, &payloadJSON, &e.OccurredAt, &e.Processed); err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	if sessionID.Valid {
		e.SessionID = sessionID.String
	}
	if len(payloadJSON) > 0 {
		_ = json.Unmarshal(payloadJSON, &e.Payload)
	}
	return &e, nil
}
