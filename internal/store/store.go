// Package store provides lead record storage backends for ChatbotWiz.
//
// It includes an in-memory store for tests and development, plus SQLite and
// PostgreSQL implementations for persistent storage. All backends share the
// same upsert-by-session merge semantics.
package store

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scarryhott/ChatbotWiz-sub000/internal/models"
)

// Store defines the lead record persistence contract.
//
// Lookup methods return (nil, nil) when no record exists; callers distinguish
// not-found from storage failure by the error value.
type Store interface {
	// UpsertLeadOnTopicComplete creates or merges the lead record for a
	// session when a topic reaches completion. Field merges are
	// last-write-wins per non-empty field; completed topics use set union;
	// the transcript replaces the stored history.
	UpsertLeadOnTopicComplete(chatbotID, sessionID string, topic models.TopicID, fields models.LeadFields, transcript []models.ConversationTurn) (*models.LeadRecord, error)

	// GetLead retrieves the lead record for a session.
	GetLead(chatbotID, sessionID string) (*models.LeadRecord, error)

	// GetLeadByID retrieves a lead record by its id.
	GetLeadByID(id string) (*models.LeadRecord, error)

	// ListLeads returns all lead records for a chatbot, newest first.
	ListLeads(chatbotID string) ([]models.LeadRecord, error)

	// DeleteLead hard-deletes a lead record. Deleting a non-existent id is
	// not an error.
	DeleteLead(id string) error

	// Close releases any resources held by the store.
	Close() error
}

// Opts holds configuration options for persistent store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite". Postgres DSNs
// use URL or key=value form; anything else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// applyUpsert merges a topic completion into an existing record, or builds a
// fresh record when existing is nil. Shared by every backend so the merge
// semantics cannot drift between them.
func applyUpsert(existing *models.LeadRecord, chatbotID, sessionID string, topic models.TopicID, fields models.LeadFields, transcript []models.ConversationTurn) *models.LeadRecord {
	now := time.Now()
	lead := existing
	if lead == nil {
		lead = &models.LeadRecord{
			ID:            uuid.NewString(),
			ChatbotID:     chatbotID,
			SessionID:     sessionID,
			FiveWProgress: make(map[models.TopicID]models.TopicProgress),
			CreatedAt:     now,
		}
	}
	lead.Fields.Merge(fields)
	lead.ConversationHistory = append([]models.ConversationTurn(nil), transcript...)
	lead.MarkTopicComplete(topic, len(models.AllTopics))
	lead.UpdatedAt = now
	return lead
}
