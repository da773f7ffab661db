// Package store provides lead record storage backends for ChatbotWiz.
//
// This file implements an SQLite-backed store, the default persistence layer.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/scarryhott/ChatbotWiz-sub000/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists lead records in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN is a file path to the SQLite database file; missing directories
// are created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// UpsertLeadOnTopicComplete creates or merges the lead record for a session.
// The read-merge-write runs inside one transaction so concurrent upserts to
// the same session key cannot interleave.
func (s *SQLiteStore) UpsertLeadOnTopicComplete(chatbotID, sessionID string, topic models.TopicID, fields models.LeadFields, transcript []models.ConversationTurn) (*models.LeadRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		slog.Error("SQLiteStore.UpsertLeadOnTopicComplete begin failed", "error", err, "chatbotID", chatbotID, "sessionID", sessionID)
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
	}
	defer tx.Rollback()

	existing, err := scanLeadOrNil(tx.QueryRow(
		`SELECT `+leadColumns+` FROM lead_records WHERE chatbot_id = ? AND session_id = ?`,
		chatbotID, sessionID))
	if err != nil {
		slog.Error("SQLiteStore.UpsertLeadOnTopicComplete read failed", "error", err, "chatbotID", chatbotID, "sessionID", sessionID)
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
	}

	lead := applyUpsert(existing, chatbotID, sessionID, topic, fields, transcript)
	fieldsJSON, topicsJSON, progressJSON, historyJSON, err := marshalLeadColumns(lead)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
	}

	_, err = tx.Exec(`
		INSERT INTO lead_records (`+leadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chatbot_id, session_id) DO UPDATE SET
			fields = excluded.fields,
			completed_topics = excluded.completed_topics,
			five_w_progress = excluded.five_w_progress,
			conversation_history = excluded.conversation_history,
			is_completed = excluded.is_completed,
			updated_at = excluded.updated_at`,
		lead.ID, lead.ChatbotID, lead.SessionID,
		fieldsJSON, topicsJSON, progressJSON, historyJSON,
		lead.IsCompleted, lead.CreatedAt, lead.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.UpsertLeadOnTopicComplete write failed", "error", err, "chatbotID", chatbotID, "sessionID", sessionID)
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
	}

	if err := tx.Commit(); err != nil {
		slog.Error("SQLiteStore.UpsertLeadOnTopicComplete commit failed", "error", err, "chatbotID", chatbotID, "sessionID", sessionID)
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceFailed, err)
	}

	slog.Debug("SQLiteStore.UpsertLeadOnTopicComplete succeeded",
		"chatbotID", chatbotID, "sessionID", sessionID, "topic", topic, "isCompleted", lead.IsCompleted)
	return lead, nil
}

// GetLead retrieves the lead record for a session.
func (s *SQLiteStore) GetLead(chatbotID, sessionID string) (*models.LeadRecord, error) {
	lead, err := scanLeadOrNil(s.db.QueryRow(
		`SELECT `+leadColumns+` FROM lead_records WHERE chatbot_id = ? AND session_id = ?`,
		chatbotID, sessionID))
	if err != nil {
		slog.Error("SQLiteStore.GetLead failed", "error", err, "chatbotID", chatbotID, "sessionID", sessionID)
		return nil, err
	}
	return lead, nil
}

// GetLeadByID retrieves a lead record by its id.
func (s *SQLiteStore) GetLeadByID(id string) (*models.LeadRecord, error) {
	lead, err := scanLeadOrNil(s.db.QueryRow(
		`SELECT `+leadColumns+` FROM lead_records WHERE id = ?`, id))
	if err != nil {
		slog.Error("SQLiteStore.GetLeadByID failed", "error", err, "id", id)
		return nil, err
	}
	return lead, nil
}

// ListLeads returns all lead records for a chatbot, newest first.
func (s *SQLiteStore) ListLeads(chatbotID string) ([]models.LeadRecord, error) {
	rows, err := s.db.Query(
		`SELECT `+leadColumns+` FROM lead_records WHERE chatbot_id = ? ORDER BY updated_at DESC`,
		chatbotID)
	if err != nil {
		slog.Error("SQLiteStore.ListLeads query failed", "error", err, "chatbotID", chatbotID)
		return nil, fmt.Errorf("failed to query leads: %w", err)
	}
	defer rows.Close()

	var leads []models.LeadRecord
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			slog.Error("SQLiteStore.ListLeads scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan lead row: %w", err)
		}
		leads = append(leads, *lead)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore.ListLeads rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate lead rows: %w", err)
	}
	slog.Debug("SQLiteStore.ListLeads succeeded", "chatbotID", chatbotID, "count", len(leads))
	return leads, nil
}

// DeleteLead hard-deletes a lead record. Idempotent.
func (s *SQLiteStore) DeleteLead(id string) error {
	_, err := s.db.Exec(`DELETE FROM lead_records WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore.DeleteLead failed", "error", err, "id", id)
		return fmt.Errorf("failed to delete lead %s: %w", id, err)
	}
	slog.Debug("SQLiteStore.DeleteLead succeeded", "id", id)
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// scanLeadOrNil maps sql.ErrNoRows to (nil, nil).
func scanLeadOrNil(row *sql.Row) (*models.LeadRecord, error) {
	lead, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return lead, nil
}
