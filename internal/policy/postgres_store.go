package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists policies in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the policies table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS policies (
			user_id                  VARCHAR(32) PRIMARY KEY,
			session_limit_minutes    INT NOT NULL,
			reopen_threshold         INT NOT NULL,
			scroll_velocity_limit    DOUBLE PRECISION NOT NULL,
			bedtime_start            CHAR(5) NOT NULL,
			bedtime_end              CHAR(5) NOT NULL,
			timezone                 VARCHAR(64) NOT NULL DEFAULT 'UTC',
			escalation_enabled       BOOLEAN NOT NULL DEFAULT TRUE,
			escalation_delay_minutes INT NOT NULL DEFAULT 15,
			updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*Policy, error) {
	var p Policy
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, session_limit_minutes, reopen_threshold, scroll_velocity_limit,
		       bedtime_start, bedtime_end, timezone, escalation_enabled,
		       escalation_delay_minutes, updated_at
		FROM policies WHERE user_id = $1
	`, userID).Scan(
		&p.UserID, &p.SessionLimitMinutes, &p.ReopenThreshold, &p.ScrollVelocityLimit,
		&p.BedtimeStart, &p.BedtimeEnd, &p.Timezone, &p.EscalationEnabled,
		&p.EscalationDelayMinutes, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) Put(ctx context.Context, p *Policy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policies (user_id, session_limit_minutes, reopen_threshold,
			scroll_velocity_limit, bedtime_start, bedtime_end, timezone,
			escalation_enabled, escalation_delay_minutes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO UPDATE SET
			session_limit_minutes    = EXCLUDED.session_limit_minutes,
			reopen_threshold         = EXCLUDED.reopen_threshold,
			scroll_velocity_limit    = EXCLUDED.scroll_velocity_limit,
			bedtime_start            = EXCLUDED.bedtime_start,
			bedtime_end              = EXCLUDED.bedtime_end,
			timezone                 = EXCLUDED.timezone,
			escalation_enabled       = EXCLUDED.escalation_enabled,
			escalation_delay_minutes = EXCLUDED.escalation_delay_minutes,
			updated_at               = EXCLUDED.updated_at
	`,
		p.UserID, p.SessionLimitMinutes, p.ReopenThreshold, p.ScrollVelocityLimit,
		p.BedtimeStart, p.BedtimeEnd, p.Timezone, p.EscalationEnabled,
		p.EscalationDelayMinutes, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put policy: %w", err)
	}
	return nil
}
