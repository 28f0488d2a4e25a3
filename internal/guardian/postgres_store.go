package guardian

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists guardian links in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed guardian link store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the guardian_links table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS guardian_links (
			id         VARCHAR(32) PRIMARY KEY,
			user_id    VARCHAR(32) NOT NULL,
			name       VARCHAR(128) NOT NULL,
			email      VARCHAR(256) NOT NULL,
			phone      VARCHAR(32) NOT NULL DEFAULT '',
			active     BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_guardian_links_user_active
			ON guardian_links (user_id, created_at DESC) WHERE active;
	`)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, l *Link) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guardian_links (id, user_id, name, email, phone, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, l.ID, l.UserID, l.Name, l.Email, l.Phone, l.Active, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert guardian link: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActive(ctx context.Context, userID string) (*Link, error) {
	var l Link
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, email, phone, active, created_at
		FROM guardian_links
		WHERE user_id = $1 AND active
		ORDER BY created_at DESC
		LIMIT 1
	`, userID).Scan(&l.ID, &l.UserID, &l.Name, &l.Email, &l.Phone, &l.Active, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active guardian link: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, email, phone, active, created_at
		FROM guardian_links
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list guardian links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.ID, &l.UserID, &l.Name, &l.Email, &l.Phone, &l.Active, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan guardian link: %w", err)
		}
		result = append(result, &l)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Deactivate(ctx context.Context, userID, linkID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE guardian_links SET active = FALSE
		WHERE id = $1 AND user_id = $2
	`, linkID, userID)
	if err != nil {
		return fmt.Errorf("deactivate guardian link: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLinkNotFound
	}
	return nil
}
