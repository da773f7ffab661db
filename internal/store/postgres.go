// Package store provides lead record storage backends for ChatbotWiz.
//
// This file implements a PostgreSQL-backed store for deployments with a
// shared database.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/scarryhott/ChatbotWiz-sub000/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists lead records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// UpsertLeadOnTopicComplete creates or merges the lead record for a session.
// The existing row is locked with SELECT ... FOR UPDATE so concurrent upserts
// to the same session key serialize at the database.
func (s *PostgresStore) UpsertLeadOnTopicComplete(chatbotID, sessionID string, topic models.TopicID, fields models.LeadFields, transcript []models.ConversationTurn) (*models.LeadRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		slog.Error("PostgresStore.UpsertLeadOnTopicComplete begin failed", "error", err, "chatbotID", chatbotID, "sessionID", sessionID)
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT `+leadColumns+` FROM lead_records WHERE chatbot_id = $1 AND session_id = $2 FOR UPDATE`,
		chatbotID, sessionID)
	existing, err := scanLead(row)
	if err == sql.ErrNoRows {
		existing = nil
	} else if err != nil {
		slog.Error("PostgresStore.UpsertLeadOnTopicComplete read failed", "error", err, "chatbotID", chatbotID, "sessionID", sessionID)
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
	}

	lead := applyUpsert(existing, chatbotID, sessionID, topic, fields, transcript)
	fieldsJSON, topicsJSON, progressJSON, historyJSON, err := marshalLeadColumns(lead)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
	}

	_, err = tx.Exec(`
		INSERT INTO lead_records (`+leadColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (chatbot_id, session_id) DO UPDATE SET
			fields = EXCLUDED.fields,
			completed_topics = EXCLUDED.completed_topics,
			five_w_progress = EXCLUDED.five_w_progress,
			conversation_history = EXCLUDED.conversation_history,
			is_completed = EXCLUDED.is_completed,
			updated_at = EXCLUDED.updated_at`,
		lead.ID, lead.ChatbotID, lead.SessionID,
		fieldsJSON, topicsJSON, progressJSON, historyJSON,
		lead.IsCompleted, lead.CreatedAt, lead.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.UpsertLeadOnTopicComplete write failed", "error", err, "chatbotID", chatbotID, "sessionID", sessionID)
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
	}

	if err := tx.Commit(); err != nil {
		slog.Error("PostgresStore.UpsertLeadOnTopicComplete commit failed", "error", err, "chatbotID", chatbotID, "sessionID", sessionID)
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
	}

	slog.Debug("PostgresStore.UpsertLeadOnTopicComplete succeeded",
		"chatbotID", chatbotID, "sessionID", sessionID, "topic", topic, "isCompleted", lead.IsCompleted)
	return lead, nil
}

// GetLead retrieves the lead record for a session.
func (s *PostgresStore) GetLead(chatbotID, sessionID string) (*models.LeadRecord, error) {
	row := s.db.QueryRow(
		`SELECT `+leadColumns+` FROM lead_records WHERE chatbot_id = $1 AND session_id = $2`,
		chatbotID, sessionID)
	lead, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetLead failed", "error", err, "chatbotID", chatbotID, "sessionID", sessionID)
		return nil, err
	}
	return lead, nil
}

// GetLeadByID retrieves a lead record by its id.
func (s *PostgresStore) GetLeadByID(id string) (*models.LeadRecord, error) {
	row := s.db.QueryRow(`SELECT `+leadColumns+` FROM lead_records WHERE id = $1`, id)
	lead, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetLeadByID failed", "error", err, "id", id)
		return nil, err
	}
	return lead, nil
}

// ListLeads returns all lead records for a chatbot, newest first.
func (s *PostgresStore) ListLeads(chatbotID string) ([]models.LeadRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+leadColumns+` FROM lead_records WHERE chatbot_id = $1 ORDER BY updated_at DESC`,
		chatbotID)
	if err != nil {
		slog.Error("PostgresStore.ListLeads query failed", "error", err, "chatbotID", chatbotID)
		return nil, fmt.Errorf("failed to query leads: %w", err)
	}
	defer rows.Close()

	var leads []models.LeadRecord
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			slog.Error("PostgresStore.ListLeads scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan lead row: %w", err)
		}
		leads = append(leads, *lead)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore.ListLeads rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate lead rows: %w", err)
	}
	slog.Debug("PostgresStore.ListLeads succeeded", "chatbotID", chatbotID, "count", len(leads))
	return leads, nil
}

// DeleteLead hard-deletes a lead record. Idempotent.
func (s *PostgresStore) DeleteLead(id string) error {
	_, err := s.db.Exec(`DELETE FROM lead_records WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore.DeleteLead failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete lead %s: %w", id, err)
	}
	slog.Debug("PostgresStore.DeleteLead succeeded", "id", id)
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
