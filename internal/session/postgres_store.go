package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/attnlabs/pacebreak/internal/idgen"
)

// PostgresStore persists devices and sessions in PostgreSQL.
//
// The one-active-session invariant is enforced by a partial unique index
// on (user_id, device_id) WHERE state = 'active'; StartOrReopen is a
// single INSERT ... ON CONFLICT upsert against that index, so concurrent
// cold starts cannot create two active rows.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the devices and sessions tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS devices (
			id                VARCHAR(32) PRIMARY KEY,
			user_id           VARCHAR(32) NOT NULL,
			device_identifier VARCHAR(128) NOT NULL,
			platform          VARCHAR(32) NOT NULL DEFAULT '',
			last_seen_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			active            BOOLEAN NOT NULL DEFAULT TRUE,
			UNIQUE (user_id, device_identifier)
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id                 VARCHAR(32) PRIMARY KEY,
			user_id            VARCHAR(32) NOT NULL,
			device_id          VARCHAR(32) NOT NULL,
			state              VARCHAR(10) NOT NULL CHECK (state IN ('active', 'paused', 'ended')),
			started_at         TIMESTAMPTZ NOT NULL,
			ended_at           TIMESTAMPTZ,
			reopen_count       INT NOT NULL DEFAULT 0,
			duration_seconds   INT NOT NULL DEFAULT 0,
			last_background_at TIMESTAMPTZ
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active
			ON sessions (user_id, device_id) WHERE state = 'active';

		CREATE INDEX IF NOT EXISTS idx_sessions_user
			ON sessions (user_id, started_at DESC);
	`)
	return err
}

func (s *PostgresStore) UpsertDevice(ctx context.Context, d *Device) (*Device, error) {
	out := &Device{}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO devices (id, user_id, device_identifier, platform, last_seen_at, active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (user_id, device_identifier) DO UPDATE SET
			platform     = EXCLUDED.platform,
			last_seen_at = EXCLUDED.last_seen_at,
			active       = TRUE
		RETURNING id, user_id, device_identifier, platform, last_seen_at, active
	`,
		idgen.WithPrefix(idgen.PrefixDevice), d.UserID, d.DeviceIdentifier, d.Platform, d.LastSeenAt,
	).Scan(&out.ID, &out.UserID, &out.DeviceIdentifier, &out.Platform, &out.LastSeenAt, &out.Active)
	if err != nil {
		return nil, fmt.Errorf("upsert device: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) StartOrReopen(ctx context.Context, userID, deviceID string, now time.Time) (*Session, bool, error) {
	sess := &Session{UserID: userID, DeviceID: deviceID}
	var reopened bool
	// xmax <> 0 distinguishes the updated (reopen) row from a fresh insert.
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, user_id, device_id, state, started_at, reopen_count)
		VALUES ($1, $2, $3, 'active', $4, 0)
		ON CONFLICT (user_id, device_id) WHERE state = 'active'
		DO UPDATE SET reopen_count = sessions.reopen_count + 1
		RETURNING id, state, started_at, ended_at, reopen_count, duration_seconds,
		          last_background_at, (xmax <> 0) AS reopened
	`,
		idgen.WithPrefix(idgen.PrefixSession), userID, deviceID, now,
	).Scan(&sess.ID, &sess.State, &sess.StartedAt, &sess.EndedAt, &sess.ReopenCount,
		&sess.DurationSeconds, &sess.LastBackgroundAt, &reopened)
	if err != nil {
		return nil, false, fmt.Errorf("start or reopen session: %w", err)
	}
	return sess, reopened, nil
}

func (s *PostgresStore) GetActive(ctx context.Context, userID, deviceID string) (*Session, error) {
	sess := &Session{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, device_id, state, started_at, ended_at, reopen_count,
		       duration_seconds, last_background_at
		FROM sessions
		WHERE user_id = $1 AND device_id = $2 AND state = 'active'
	`, userID, deviceID).Scan(
		&sess.ID, &sess.UserID, &sess.DeviceID, &sess.State, &sess.StartedAt,
		&sess.EndedAt, &sess.ReopenCount, &sess.DurationSeconds, &sess.LastBackgroundAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Get(ctx context.Context, userID, sessionID string) (*Session, error) {
	sess := &Session{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, device_id, state, started_at, ended_at, reopen_count,
		       duration_seconds, last_background_at
		FROM sessions
		WHERE id = $1 AND user_id = $2
	`, sessionID, userID).Scan(
		&sess.ID, &sess.UserID, &sess.DeviceID, &sess.State, &sess.StartedAt,
		&sess.EndedAt, &sess.ReopenCount, &sess.DurationSeconds, &sess.LastBackgroundAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) End(ctx context.Context, userID, deviceID string, endedAt time.Time) (*Session, error) {
	sess := &Session{}
	err := s.db.QueryRowContext(ctx, `
		UPDATE sessions SET
			state            = 'ended',
			ended_at         = $3,
			duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($3::timestamptz - started_at))::INT),
			last_background_at = NULL
		WHERE user_id = $1 AND device_id = $2 AND state = 'active'
		RETURNING id, user_id, device_id, state, started_at, ended_at, reopen_count,
		          duration_seconds, last_background_at
	`, userID, deviceID, endedAt).Scan(
		&sess.ID, &sess.UserID, &sess.DeviceID, &sess.State, &sess.StartedAt,
		&sess.EndedAt, &sess.ReopenCount, &sess.DurationSeconds, &sess.LastBackgroundAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) SetBackgroundedAt(ctx context.Context, sessionID string, at *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_background_at = $2 WHERE id = $1
	`, sessionID, at)
	if err != nil {
		return fmt.Errorf("set backgrounded_at: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
