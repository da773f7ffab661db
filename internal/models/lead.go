// Package models defines lead record structures for ChatbotWiz.
package models

import (
	"strings"
	"time"
)

// LeadFields holds the structured information extracted from a session.
// Every field is optional; merges are last-write-wins per non-empty field.
type LeadFields struct {
	Name              string `json:"name,omitempty"`
	Email             string `json:"email,omitempty"`
	Phone             string `json:"phone,omitempty"`
	Location          string `json:"location,omitempty"`
	Service           string `json:"service,omitempty"`
	Timing            string `json:"timing,omitempty"`
	Message           string `json:"message,omitempty"`
	ContactPreference string `json:"contact_preference,omitempty"`
}

// Merge overlays src onto f. New non-empty values overwrite old ones; empty
// values never erase existing data.
func (f *LeadFields) Merge(src LeadFields) {
	if v := strings.TrimSpace(src.Name); v != "" {
		f.Name = v
	}
	if v := strings.TrimSpace(src.Email); v != "" {
		f.Email = v
	}
	if v := strings.TrimSpace(src.Phone); v != "" {
		f.Phone = v
	}
	if v := strings.TrimSpace(src.Location); v != "" {
		f.Location = v
	}
	if v := strings.TrimSpace(src.Service); v != "" {
		f.Service = v
	}
	if v := strings.TrimSpace(src.Timing); v != "" {
		f.Timing = v
	}
	if v := strings.TrimSpace(src.Message); v != "" {
		f.Message = v
	}
	if v := strings.TrimSpace(src.ContactPreference); v != "" {
		f.ContactPreference = v
	}
}

// PrimaryValue returns the field that a topic's answer is stored under.
func (f LeadFields) PrimaryValue(topic TopicID) string {
	switch topic {
	case TopicWhy:
		return f.Message
	case TopicWhat:
		return f.Service
	case TopicWhere:
		return f.Location
	case TopicWhen:
		return f.Timing
	case TopicWho:
		if f.Email != "" {
			return f.Email
		}
		if f.Phone != "" {
			return f.Phone
		}
		return f.ContactPreference
	default:
		return ""
	}
}

// TopicProgress is the denormalized per-topic completion view on a lead.
type TopicProgress struct {
	Completed bool   `json:"completed"`
	Value     string `json:"value,omitempty"`
}

// LeadRecord is the durable record of one session, identified by
// (ChatbotID, SessionID). One row per session, upserted on each topic
// completion, never auto-deleted.
type LeadRecord struct {
	ID                  string                    `json:"id"`
	ChatbotID           string                    `json:"chatbot_id"`
	SessionID           string                    `json:"session_id"`
	Fields              LeadFields                `json:"fields"`
	CompletedTopics     []TopicID                 `json:"completed_topics"`
	FiveWProgress       map[TopicID]TopicProgress `json:"five_w_progress"`
	ConversationHistory []ConversationTurn        `json:"conversation_history"`
	IsCompleted         bool                      `json:"is_completed"`
	CreatedAt           time.Time                 `json:"created_at"`
	UpdatedAt           time.Time                 `json:"updated_at"`
}

// HasCompletedTopic reports whether the topic has reached completion at least once.
func (l *LeadRecord) HasCompletedTopic(topic TopicID) bool {
	for _, t := range l.CompletedTopics {
		if t == topic {
			return true
		}
	}
	return false
}

// MarkTopicComplete adds the topic to CompletedTopics with set semantics and
// recomputes the progress view and completion flag.
func (l *LeadRecord) MarkTopicComplete(topic TopicID, totalTopics int) {
	if !l.HasCompletedTopic(topic) {
		l.CompletedTopics = append(l.CompletedTopics, topic)
	}
	if l.FiveWProgress == nil {
		l.FiveWProgress = make(map[TopicID]TopicProgress)
	}
	l.FiveWProgress[topic] = TopicProgress{
		Completed: true,
		Value:     l.Fields.PrimaryValue(topic),
	}
	if len(l.CompletedTopics) >= totalTopics {
		l.IsCompleted = true
	}
}
