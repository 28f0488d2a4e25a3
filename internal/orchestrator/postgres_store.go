package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists agent states in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed agent state store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the agent_states table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agent_states (
			user_id       VARCHAR(32) PRIMARY KEY,
			current_state VARCHAR(16) NOT NULL,
			state_data    JSONB,
			updated_at    TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*AgentState, error) {
	var st AgentState
	var dataJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, current_state, state_data, updated_at
		FROM agent_states WHERE user_id = $1
	`, userID).Scan(&st.UserID, &st.Current, &dataJSON, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent state: %w", err)
	}
	if len(dataJSON) > 0 {
		_ = json.Unmarshal(dataJSON, &st.StateData)
	}
	return &st, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, st *AgentState) error {
	var dataJSON []byte
	if st.StateData != nil {
		b, err := json.Marshal(st.StateData)
		if err != nil {
			return fmt.Errorf("marshal state data: %w", err)
		}
		dataJSON = b
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_states (user_id, current_state, state_data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			current_state = EXCLUDED.current_state,
			state_data = EXCLUDED.state_data,
			updated_at = EXCLUDED.updated_at
	`, st.UserID, string(st.Current), dataJSON, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert agent state: %w", err)
	}
	return nil
}
