package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/scarryhott/ChatbotWiz-sub000/internal/models"
)

// marshalLeadColumns serializes the JSON-backed columns of a lead record.
func marshalLeadColumns(lead *models.LeadRecord) (fields, topics, progress, history string, err error) {
	b, err := json.Marshal(lead.Fields)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal lead fields: %w", err)
	}
	fields = string(b)

	b, err = json.Marshal(lead.CompletedTopics)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal completed topics: %w", err)
	}
	topics = string(b)

	b, err = json.Marshal(lead.FiveWProgress)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal progress: %w", err)
	}
	progress = string(b)

	b, err = json.Marshal(lead.ConversationHistory)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal history: %w", err)
	}
	history = string(b)
	return fields, topics, progress, history, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for lead scanning.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanLead reads one lead record row. Column order must match leadColumns.
func scanLead(row rowScanner) (*models.LeadRecord, error) {
	var lead models.LeadRecord
	var fields, topics, progress, history sql.NullString

	err := row.Scan(&lead.ID, &lead.ChatbotID, &lead.SessionID,
		&fields, &topics, &progress, &history,
		&lead.IsCompleted, &lead.CreatedAt, &lead.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if fields.Valid && fields.String != "" {
		if err := json.Unmarshal([]byte(fields.String), &lead.Fields); err != nil {
			slog.Error("store.scanLead: lead fields unmarshal failed", "error", err, "id", lead.ID)
			return nil, fmt.Errorf("unmarshal lead fields: %w", err)
		}
	}
	if topics.Valid && topics.String != "" {
		if err := json.Unmarshal([]byte(topics.String), &lead.CompletedTopics); err != nil {
			slog.Error("store.scanLead: completed topics unmarshal failed", "error", err, "id", lead.ID)
			return nil, fmt.Errorf("unmarshal completed topics: %w", err)
		}
	}
	if progress.Valid && progress.String != "" {
		if err := json.Unmarshal([]byte(progress.String), &lead.FiveWProgress); err != nil {
			slog.Error("store.scanLead: progress unmarshal failed", "error", err, "id", lead.ID)
			return nil, fmt.Errorf("unmarshal progress: %w", err)
		}
	}
	if history.Valid && history.String != "" {
		if err := json.Unmarshal([]byte(history.String), &lead.ConversationHistory); err != nil {
			slog.Error("store.scanLead: history unmarshal failed", "error", err, "id", lead.ID)
			return nil, fmt.Errorf("unmarshal history: %w", err)
		}
	}
	return &lead, nil
}

// leadColumns is the canonical select list for lead record queries.
const leadColumns = `id, chatbot_id, session_id, fields, completed_topics, five_w_progress, conversation_history, is_completed, created_at, updated_at`
