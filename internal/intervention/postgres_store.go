package intervention

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresTemplateStore persists intervention templates in PostgreSQL.
type PostgresTemplateStore struct {
	db *sql.DB
}

// NewPostgresTemplateStore creates a PostgreSQL-backed template store.
func NewPostgresTemplateStore(db *sql.DB) *PostgresTemplateStore {
	return &PostgresTemplateStore{db: db}
}

// Migrate creates the intervention_templates table if it doesn't exist.
func (s *PostgresTemplateStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS intervention_templates (
			id               VARCHAR(32) PRIMARY KEY,
			type             VARCHAR(20) NOT NULL,
			min_level        VARCHAR(10) NOT NULL,
			cooldown_minutes INT NOT NULL,
			priority         INT NOT NULL,
			active           BOOLEAN NOT NULL DEFAULT TRUE,
			title            VARCHAR(128) NOT NULL,
			message          TEXT NOT NULL,
			action_text      VARCHAR(64) NOT NULL DEFAULT '',
			updated_at       TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

func (s *PostgresTemplateStore) Put(ctx context.Context, t *Template) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intervention_templates
			(id, type, min_level, cooldown_minutes, priority, active, title, message, action_text, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			min_level = EXCLUDED.min_level,
			cooldown_minutes = EXCLUDED.cooldown_minutes,
			priority = EXCLUDED.priority,
			active = EXCLUDED.active,
			title = EXCLUDED.title,
			message = EXCLUDED.message,
			action_text = EXCLUDED.action_text,
			updated_at = EXCLUDED.updated_at
	`, t.ID, string(t.Type), string(t.MinLevel), t.CooldownMinutes, t.Priority,
		t.Active, t.Title, t.Message, t.ActionText, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put template: %w", err)
	}
	return nil
}

func (s *PostgresTemplateStore) Get(ctx context.Context, id string) (*Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, min_level, cooldown_minutes, priority, active, title, message, action_text, updated_at
		FROM intervention_templates WHERE id = $1
	`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	return t, err
}

func (s *PostgresTemplateStore) List(ctx context.Context) ([]*Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, min_level, cooldown_minutes, priority, active, title, message, action_text, updated_at
		FROM intervention_templates
		ORDER BY priority DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return collectTemplates(rows)
}

func (s *PostgresTemplateStore) ListActiveByTypes(ctx context.Context, types []Type) ([]*Template, error) {
	typeStrs := make([]string, len(types))
	for i, t := range types {
		typeStrs[i] = string(t)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, min_level, cooldown_minutes, priority, active, title, message, action_text, updated_at
		FROM intervention_templates
		WHERE active AND type = ANY($1)
		ORDER BY priority DESC
	`, pq.Array(typeStrs))
	if err != nil {
		return nil, fmt.Errorf("list active templates: %w", err)
	}
	return collectTemplates(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*Template, error) {
	var t Template
	if err := row.Scan(&t.ID, &t.Type, &t.MinLevel, &t.CooldownMinutes, &t.Priority,
		&t.Active, &t.Title, &t.Message, &t.ActionText, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTemplates(rows *sql.Rows) ([]*Template, error) {
	defer func() { _ = rows.Close() }()

	var result []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// PostgresStore persists interventions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed intervention store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the interventions table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS interventions (
			id              VARCHAR(32) PRIMARY KEY,
			user_id         VARCHAR(32) NOT NULL,
			session_id      VARCHAR(32),
			template_id     VARCHAR(32) NOT NULL,
			type            VARCHAR(20) NOT NULL,
			status          VARCHAR(16) NOT NULL,
			risk_level      VARCHAR(10) NOT NULL,
			risk_score      INT NOT NULL,
			title           VARCHAR(128) NOT NULL,
			message         TEXT NOT NULL,
			action_text     VARCHAR(64) NOT NULL DEFAULT '',
			snooze_count    INT NOT NULL DEFAULT 0,
			response        JSONB,
			created_at      TIMESTAMPTZ NOT NULL,
			delivered_at    TIMESTAMPTZ,
			acknowledged_at TIMESTAMPTZ,
			dismissed_at    TIMESTAMPTZ,
			escalated_at    TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_interventions_user_time
			ON interventions (user_id, created_at DESC);

		CREATE INDEX IF NOT EXISTS idx_interventions_open
			ON interventions (user_id, created_at DESC)
			WHERE status IN ('pending', 'delivered');
	`)
	return err
}

func (s *PostgresStore) Insert(ctx context.Context, iv *Intervention) error {
	responseJSON, err := marshalResponse(iv.Response)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO interventions
			(id, user_id, session_id, template_id, type, status, risk_level, risk_score,
			 title, message, action_text, snooze_count, response,
			 created_at, delivered_at, acknowledged_at, dismissed_at, escalated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, iv.ID, iv.UserID, nullString(iv.SessionID), iv.TemplateID, string(iv.Type), string(iv.Status),
		string(iv.RiskLevel), iv.RiskScore, iv.Title, iv.Message, iv.ActionText,
		iv.SnoozeCount, responseJSON,
		iv.CreatedAt, iv.DeliveredAt, iv.AcknowledgedAt, iv.DismissedAt, iv.EscalatedAt)
	if err != nil {
		return fmt.Errorf("insert intervention: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID, id string) (*Intervention, error) {
	row := s.db.QueryRowContext(ctx, selectInterventions+`
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	iv, err := scanIntervention(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInterventionNotFound
	}
	return iv, err
}

func (s *PostgresStore) ListOpenByUser(ctx context.Context, userID string) ([]*Intervention, error) {
	rows, err := s.db.QueryContext(ctx, selectInterventions+`
		WHERE user_id = $1 AND status IN ('pending', 'delivered')
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list open interventions: %w", err)
	}
	return collectInterventions(rows)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Intervention, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectInterventions+`
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	return collectInterventions(rows)
}

func (s *PostgresStore) CountDismissedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM interventions
		WHERE user_id = $1 AND status = 'dismissed' AND dismissed_at >= $2
	`, userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count dismissed interventions: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Update(ctx context.Context, iv *Intervention) error {
	responseJSON, err := marshalResponse(iv.Response)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE interventions SET
			status = $3,
			snooze_count = $4,
			response = $5,
			delivered_at = $6,
			acknowledged_at = $7,
			dismissed_at = $8,
			escalated_at = $9
		WHERE id = $1 AND user_id = $2
	`, iv.ID, iv.UserID, string(iv.Status), iv.SnoozeCount, responseJSON,
		iv.DeliveredAt, iv.AcknowledgedAt, iv.DismissedAt, iv.EscalatedAt)
	if err != nil {
		return fmt.Errorf("update intervention: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInterventionNotFound
	}
	return nil
}

const selectInterventions = `
	SELECT id, user_id, session_id, template_id, type, status, risk_level, risk_score,
	       title, message, action_text, snooze_count, response,
	       created_at, delivered_at, acknowledged_at, dismissed_at, escalated_at
	FROM interventions
`

func scanIntervention(row rowScanner) (*Intervention, error) {
	var iv Intervention
	var sessionID sql.NullString
	var responseJSON []byte

	if err := row.Scan(&iv.ID, &iv.UserID, &sessionID, &iv.TemplateID, &iv.Type, &iv.Status,
		&iv.RiskLevel, &iv.RiskScore, &iv.Title, &iv.Message, &iv.ActionText,
		&iv.SnoozeCount, &responseJSON,
		&iv.CreatedAt, &iv.DeliveredAt, &iv.AcknowledgedAt, &iv.DismissedAt, &iv.EscalatedAt); err != nil {
		return nil, err
	}
	if sessionID.Valid {
		iv.SessionID = sessionID.String
	}
	if len(responseJSON) > 0 {
		_ = json.Unmarshal(responseJSON, &iv.Response)
	}
	return &iv, nil
}

func collectInterventions(rows *sql.Rows) ([]*Intervention, error) {
	defer func() { _ = rows.Close() }()

	var result []*Intervention
	for rows.Next() {
		iv, err := scanIntervention(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		result = append(result, iv)
	}
	return result, rows.Err()
}

func marshalResponse(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal response payload: %w", err)
	}
	return b, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// PostgresFeedbackStore persists feedback records in PostgreSQL.
type PostgresFeedbackStore struct {
	db *sql.DB
}

// NewPostgresFeedbackStore creates a PostgreSQL-backed feedback store.
func NewPostgresFeedbackStore(db *sql.DB) *PostgresFeedbackStore {
	return &PostgresFeedbackStore{db: db}
}

// Migrate creates the intervention_feedback table if it doesn't exist.
func (s *PostgresFeedbackStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS intervention_feedback (
			id              VARCHAR(32) PRIMARY KEY,
			user_id         VARCHAR(32) NOT NULL,
			intervention_id VARCHAR(32) NOT NULL,
			action          VARCHAR(20) NOT NULL,
			outcome         VARCHAR(16) NOT NULL,
			context         JSONB,
			created_at      TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_intervention_feedback_user_time
			ON intervention_feedback (user_id, created_at DESC);
	`)
	return err
}

func (s *PostgresFeedbackStore) Insert(ctx context.Context, f *Feedback) error {
	contextJSON, err := marshalResponse(f.Context)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO intervention_feedback
			(id, user_id, intervention_id, action, outcome, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, f.ID, f.UserID, f.InterventionID, f.Action, string(f.Outcome), contextJSON, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

func (s *PostgresFeedbackStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Feedback, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, intervention_id, action, outcome, context, created_at
		FROM intervention_feedback
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Feedback
	for rows.Next() {
		var f Feedback
		var contextJSON []byte
		if err := rows.Scan(&f.ID, &f.UserID, &f.InterventionID, &f.Action, &f.Outcome,
			&contextJSON, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		if len(contextJSON) > 0 {
			_ = json.Unmarshal(contextJSON, &f.Context)
		}
		result = append(result, &f)
	}
	return result, rows.Err()
}
