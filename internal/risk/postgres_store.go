package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStateStore persists risk state in PostgreSQL, one row per user.
type PostgresStateStore struct {
	db *sql.DB
}

// NewPostgresStateStore creates a PostgreSQL-backed risk state store.
func NewPostgresStateStore(db *sql.DB) *PostgresStateStore {
	return &PostgresStateStore{db: db}
}

// Migrate creates the risk_states table if it doesn't exist.
func (s *PostgresStateStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_states (
			user_id                 VARCHAR(32) PRIMARY KEY,
			score                   INT NOT NULL,
			level                   VARCHAR(10) NOT NULL,
			factor_session_duration INT NOT NULL,
			factor_reopen_frequency INT NOT NULL,
			factor_late_night       INT NOT NULL,
			factor_scroll_velocity  INT NOT NULL,
			evaluated_at            TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

func (s *PostgresStateStore) Get(ctx context.Context, userID string) (*State, error) {
	var st State
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, score, level,
		       factor_session_duration, factor_reopen_frequency,
		       factor_late_night, factor_scroll_velocity, evaluated_at
		FROM risk_states WHERE user_id = $1
	`, userID).Scan(&st.UserID, &st.Score, &st.Level,
		&st.Factors.SessionDuration, &st.Factors.ReopenFrequency,
		&st.Factors.LateNight, &st.Factors.ScrollVelocity, &st.EvaluatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get risk state: %w", err)
	}
	return &st, nil
}

func (s *PostgresStateStore) Upsert(ctx context.Context, st *State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_states
			(user_id, score, level, factor_session_duration, factor_reopen_frequency,
			 factor_late_night, factor_scroll_velocity, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			score = EXCLUDED.score,
			level = EXCLUDED.level,
			factor_session_duration = EXCLUDED.factor_session_duration,
			factor_reopen_frequency = EXCLUDED.factor_reopen_frequency,
			factor_late_night = EXCLUDED.factor_late_night,
			factor_scroll_velocity = EXCLUDED.factor_scroll_velocity,
			evaluated_at = EXCLUDED.evaluated_at
	`, st.UserID, st.Score, string(st.Level),
		st.Factors.SessionDuration, st.Factors.ReopenFrequency,
		st.Factors.LateNight, st.Factors.ScrollVelocity, st.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("upsert risk state: %w", err)
	}
	return nil
}

// PostgresHistoryStore persists level-change audit rows in PostgreSQL.
type PostgresHistoryStore struct {
	db *sql.DB
}

// NewPostgresHistoryStore creates a PostgreSQL-backed risk history store.
func NewPostgresHistoryStore(db *sql.DB) *PostgresHistoryStore {
	return &PostgresHistoryStore{db: db}
}

// Migrate creates the risk_history table if it doesn't exist.
func (s *PostgresHistoryStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_history (
			id                      VARCHAR(32) PRIMARY KEY,
			user_id                 VARCHAR(32) NOT NULL,
			previous_level          VARCHAR(10) NOT NULL,
			new_level               VARCHAR(10) NOT NULL,
			score                   INT NOT NULL,
			factor_session_duration INT NOT NULL,
			factor_reopen_frequency INT NOT NULL,
			factor_late_night       INT NOT NULL,
			factor_scroll_velocity  INT NOT NULL,
			trigger_event           VARCHAR(20) NOT NULL DEFAULT '',
			created_at              TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_risk_history_user_time
			ON risk_history (user_id, created_at DESC);
	`)
	return err
}

func (s *PostgresHistoryStore) Append(ctx context.Context, entry *HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_history
			(id, user_id, previous_level, new_level, score,
			 factor_session_duration, factor_reopen_frequency,
			 factor_late_night, factor_scroll_velocity, trigger_event, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entry.ID, entry.UserID, string(entry.PreviousLevel), string(entry.NewLevel), entry.Score,
		entry.Factors.SessionDuration, entry.Factors.ReopenFrequency,
		entry.Factors.LateNight, entry.Factors.ScrollVelocity,
		entry.TriggerEvent, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append risk history: %w", err)
	}
	return nil
}

func (s *PostgresHistoryStore) ListRecent(ctx context.Context, userID string, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, previous_level, new_level, score,
		       factor_session_duration, factor_reopen_frequency,
		       factor_late_night, factor_scroll_velocity, trigger_event, created_at
		FROM risk_history
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list risk history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.PreviousLevel, &e.NewLevel, &e.Score,
			&e.Factors.SessionDuration, &e.Factors.ReopenFrequency,
			&e.Factors.LateNight, &e.Factors.ScrollVelocity,
			&e.TriggerEvent, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan risk history: %w", err)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}
