package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists users and API keys in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed auth store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the auth tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id           VARCHAR(32) PRIMARY KEY,
			display_name VARCHAR(256) NOT NULL DEFAULT '',
			timezone     VARCHAR(64) NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS api_keys (
			id         VARCHAR(32) PRIMARY KEY,
			hash       CHAR(64) NOT NULL,
			user_id    VARCHAR(32) NOT NULL REFERENCES users(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_used  TIMESTAMPTZ,
			revoked    BOOLEAN NOT NULL DEFAULT FALSE
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys (hash);
		CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys (user_id);
	`)
	return err
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, timezone, created_at)
		VALUES ($1, $2, $3, $4)
	`, u.ID, u.DisplayName, u.Timezone, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, timezone, created_at
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.DisplayName, &u.Timezone, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) CreateKey(ctx context.Context, key *APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, user_id, created_at, revoked)
		VALUES ($1, $2, $3, $4, $5)
	`, key.ID, key.Hash, key.UserID, key.CreatedAt, key.Revoked)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	var k APIKey
	var lastUsed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, hash, user_id, created_at, last_used, revoked
		FROM api_keys WHERE hash = $1
	`, hash).Scan(&k.ID, &k.Hash, &k.UserID, &k.CreatedAt, &lastUsed, &k.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	if lastUsed.Valid {
		k.LastUsed = lastUsed.Time
	}
	return &k, nil
}

func (s *PostgresStore) ListKeysByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hash, user_id, created_at, last_used, revoked
		FROM api_keys WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*APIKey
	for rows.Next() {
		var k APIKey
		var lastUsed sql.NullTime
		if err := rows.Scan(&k.ID, &k.Hash, &k.UserID, &k.CreatedAt, &lastUsed, &k.Revoked); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if lastUsed.Valid {
			k.LastUsed = lastUsed.Time
		}
		result = append(result, &k)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateKey(ctx context.Context, key *APIKey) error {
	var lastUsed sql.NullTime
	if !key.LastUsed.IsZero() {
		lastUsed = sql.NullTime{Time: key.LastUsed, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = $2, revoked = $3 WHERE id = $1
	`, key.ID, lastUsed, key.Revoked)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}
