// Package store provides lead record storage backends for ChatbotWiz.
//
// This file implements the in-memory store used by tests and development runs.
package store

import (
	"log/slog"
	"sync"

	"github.com/scarryhott/ChatbotWiz-sub000/internal/models"
)

// InMemoryStore is a mutex-guarded map-backed store. Upserts to the same
// session key are linearizable under the store lock.
type InMemoryStore struct {
	mu    sync.Mutex
	leads map[string]*models.LeadRecord // keyed by chatbotID + "\x00" + sessionID
	byID  map[string]*models.LeadRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		leads: make(map[string]*models.LeadRecord),
		byID:  make(map[string]*models.LeadRecord),
	}
}

func sessionKey(chatbotID, sessionID string) string {
	return chatbotID + "\x00" + sessionID
}

// UpsertLeadOnTopicComplete creates or merges the lead record for a session.
func (s *InMemoryStore) UpsertLeadOnTopicComplete(chatbotID, sessionID string, topic models.TopicID, fields models.LeadFields, transcript []models.ConversationTurn) (*models.LeadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(chatbotID, sessionID)
	lead := applyUpsert(s.leads[key], chatbotID, sessionID, topic, fields, transcript)
	s.leads[key] = lead
	s.byID[lead.ID] = lead

	slog.Debug("InMemoryStore.UpsertLeadOnTopicComplete succeeded",
		"chatbotID", chatbotID, "sessionID", sessionID, "topic", topic,
		"completedCount", len(lead.CompletedTopics), "isCompleted", lead.IsCompleted)
	return copyLead(lead), nil
}

// GetLead retrieves the lead record for a session.
func (s *InMemoryStore) GetLead(chatbotID, sessionID string) (*models.LeadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, ok := s.leads[sessionKey(chatbotID, sessionID)]
	if !ok {
		return nil, nil
	}
	return copyLead(lead), nil
}

// GetLeadByID retrieves a lead record by its id.
func (s *InMemoryStore) GetLeadByID(id string) (*models.LeadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return copyLead(lead), nil
}

// ListLeads returns all lead records for a chatbot, newest first.
func (s *InMemoryStore) ListLeads(chatbotID string) ([]models.LeadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.LeadRecord
	for _, lead := range s.leads {
		if lead.ChatbotID == chatbotID {
			out = append(out, *copyLead(lead))
		}
	}
	// Newest first.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].UpdatedAt.After(out[i].UpdatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

// DeleteLead hard-deletes a lead record. Idempotent.
func (s *InMemoryStore) DeleteLead(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lead, ok := s.byID[id]
	if !ok {
		slog.Debug("InMemoryStore.DeleteLead: id not found", "id", id)
		return nil
	}
	delete(s.byID, id)
	delete(s.leads, sessionKey(lead.ChatbotID, lead.SessionID))
	slog.Debug("InMemoryStore.DeleteLead succeeded", "id", id)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

// copyLead returns a deep enough copy that callers cannot mutate stored state.
func copyLead(lead *models.LeadRecord) *models.LeadRecord {
	cp := *lead
	cp.CompletedTopics = append([]models.TopicID(nil), lead.CompletedTopics...)
	cp.ConversationHistory = append([]models.ConversationTurn(nil), lead.ConversationHistory...)
	cp.FiveWProgress = make(map[models.TopicID]models.TopicProgress, len(lead.FiveWProgress))
	for k, v := range lead.FiveWProgress {
		cp.FiveWProgress[k] = v
	}
	return &cp
}
