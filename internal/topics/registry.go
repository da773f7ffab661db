// Package topics provides the 5W topic registry for ChatbotWiz conversations.
//
// The registry is pure configuration: it holds the ordered topic definitions
// for one chatbot and never carries completion state.
package topics

import (
	"fmt"
	"log/slog"

	"github.com/scarryhott/ChatbotWiz-sub000/internal/models"
)

// DefaultOrder is the default topic progression for a chatbot with zero configuration.
var DefaultOrder = []models.TopicID{
	models.TopicWhy,
	models.TopicWhat,
	models.TopicWhere,
	models.TopicWhen,
	models.TopicWho,
}

// defaultTopics are the built-in definitions so a chatbot can run unconfigured.
var defaultTopics = map[models.TopicID]models.Topic{
	models.TopicWhy: {
		ID:             models.TopicWhy,
		Title:          "Why",
		PromptQuestion: "What brings you here today? What problem are you hoping to solve?",
		InfoBlurb:      "We help businesses like yours every day. Let's figure out how we can help you.",
	},
	models.TopicWhat: {
		ID:             models.TopicWhat,
		Title:          "What",
		PromptQuestion: "What service or product are you interested in?",
		InfoBlurb:      "We offer a range of services tailored to your needs.",
	},
	models.TopicWhere: {
		ID:             models.TopicWhere,
		Title:          "Where",
		PromptQuestion: "Where are you located?",
		InfoBlurb:      "We serve customers across the area and beyond.",
	},
	models.TopicWhen: {
		ID:             models.TopicWhen,
		Title:          "When",
		PromptQuestion: "When are you looking to get started?",
		InfoBlurb:      "Whether you need us today or next quarter, we can plan around your timeline.",
	},
	models.TopicWho: {
		ID:             models.TopicWho,
		Title:          "Who",
		PromptQuestion: "How can we reach you? An email or phone number works best.",
		InfoBlurb:      "Leave your contact details and we'll follow up personally.",
	},
}

// Registry holds the ordered, immutable topic configuration for one chatbot.
type Registry struct {
	order  []models.TopicID
	topics map[models.TopicID]models.Topic
}

// Option defines a configuration option for a topic registry.
type Option func(*Registry)

// WithOrder overrides the topic progression order. Unknown ids are ignored
// with a warning; an empty result falls back to the default order.
func WithOrder(order []models.TopicID) Option {
	return func(r *Registry) {
		var valid []models.TopicID
		for _, id := range order {
			if models.IsValidTopicID(id) {
				valid = append(valid, id)
			} else {
				slog.Warn("Registry.WithOrder: ignoring unknown topic id", "id", id)
			}
		}
		if len(valid) > 0 {
			r.order = valid
		}
	}
}

// WithQuestion overrides the direct question asked for a topic.
func WithQuestion(id models.TopicID, question string) Option {
	return func(r *Registry) {
		if t, ok := r.topics[id]; ok && question != "" {
			t.PromptQuestion = question
			r.topics[id] = t
		}
	}
}

// WithBlurb overrides the informational blurb shown when a topic opens.
func WithBlurb(id models.TopicID, blurb string) Option {
	return func(r *Registry) {
		if t, ok := r.topics[id]; ok && blurb != "" {
			t.InfoBlurb = blurb
			r.topics[id] = t
		}
	}
}

// NewRegistry creates a topic registry with defaults for all five topics,
// applying any provided options for customization.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		order:  append([]models.TopicID(nil), DefaultOrder...),
		topics: make(map[models.TopicID]models.Topic, len(defaultTopics)),
	}
	for id, t := range defaultTopics {
		r.topics[id] = t
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListTopics returns the topics in registry order.
func (r *Registry) ListTopics() []models.Topic {
	out := make([]models.Topic, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.topics[id])
	}
	return out
}

// GetTopic retrieves a topic by id.
func (r *Registry) GetTopic(id models.TopicID) (models.Topic, error) {
	t, ok := r.topics[id]
	if !ok {
		return models.Topic{}, fmt.Errorf("%w: %s", models.ErrTopicNotFound, id)
	}
	return t, nil
}

// Len returns the number of topics in the registry.
func (r *Registry) Len() int {
	return len(r.order)
}

// First returns the first topic id in registry order.
func (r *Registry) First() models.TopicID {
	return r.order[0]
}

// NextAfter returns the next topic id after the given one in registry order,
// skipping any topics already in the completed set. It returns false when
// every topic is completed.
func (r *Registry) NextAfter(current models.TopicID, completed map[models.TopicID]bool) (models.TopicID, bool) {
	start := 0
	for i, id := range r.order {
		if id == current {
			start = i + 1
			break
		}
	}
	// Walk the order once, wrapping, so earlier skipped topics get revisited.
	for i := 0; i < len(r.order); i++ {
		id := r.order[(start+i)%len(r.order)]
		if !completed[id] {
			return id, true
		}
	}
	return "", false
}

// Incomplete returns up to max topic ids that are not in the completed set,
// excluding the current topic, in registry order.
func (r *Registry) Incomplete(current models.TopicID, completed map[models.TopicID]bool, max int) []models.TopicID {
	var out []models.TopicID
	for _, id := range r.order {
		if id == current || completed[id] {
			continue
		}
		out = append(out, id)
		if len(out) == max {
			break
		}
	}
	return out
}
