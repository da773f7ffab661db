// Package models defines the core data structures for ChatbotWiz.
//
// It includes types for topics, conversation turns, quick replies, and the
// response-generator contract, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// TopicID identifies one of the five fixed conversation topics.
type TopicID string

const (
	// TopicWhy captures the visitor's purpose or problem.
	TopicWhy TopicID = "WHY"
	// TopicWhat captures the service or product of interest.
	TopicWhat TopicID = "WHAT"
	// TopicWhere captures the visitor's location.
	TopicWhere TopicID = "WHERE"
	// TopicWhen captures the visitor's timing.
	TopicWhen TopicID = "WHEN"
	// TopicWho captures contact information.
	TopicWho TopicID = "WHO"
	// TopicGeneral is used for post-conversation questions not tied to a 5W topic.
	TopicGeneral TopicID = "GENERAL"
)

// AllTopics enumerates the fixed 5W topic set. Order here is canonical set
// order, not conversation order; conversation order lives in the registry.
var AllTopics = []TopicID{TopicWhy, TopicWhat, TopicWhere, TopicWhen, TopicWho}

// IsValidTopicID checks if the given topic id is one of the five 5W topics.
func IsValidTopicID(id TopicID) bool {
	switch id {
	case TopicWhy, TopicWhat, TopicWhere, TopicWhen, TopicWho:
		return true
	default:
		return false
	}
}

// Topic is the immutable per-chatbot configuration for one conversation subject.
// Completion state lives in the session, never here.
type Topic struct {
	ID             TopicID `json:"id"`
	Title          string  `json:"title"`
	PromptQuestion string  `json:"prompt_question"`
	InfoBlurb      string  `json:"info_blurb"`
}

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationTurn represents one exchange in a session transcript.
// Turns are append-only; ordering is the sole source of truth for history windows.
type ConversationTurn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Topic     TopicID   `json:"topic"`
}

// QuickReply is a suggested canned response the user can tap instead of typing.
// Display and Value may coincide; callers never inspect which case they hold.
type QuickReply struct {
	Display string `json:"display"`
	Value   string `json:"value"`
}

// NewQuickReply constructs a quick reply whose display text doubles as its value.
func NewQuickReply(text string) QuickReply {
	return QuickReply{Display: text, Value: text}
}

// FlowMode selects which conversation engine variant drives a chatbot.
type FlowMode string

const (
	// FlowModeWizard is the strict sequential 5W wizard.
	FlowModeWizard FlowMode = "5w"
	// FlowModeFreeform lets the response generator decide relevance and transitions.
	FlowModeFreeform FlowMode = "freeform"
)

// FlowPhase is the per-session state of the conversation state machine.
// Exactly one phase is active at a time.
type FlowPhase string

const (
	PhaseInitial                  FlowPhase = "INITIAL"
	PhaseAwaitingQuestionResponse FlowPhase = "AWAITING_TOPIC_QUESTION_RESPONSE"
	PhaseAwaitingFreeformQuestion FlowPhase = "AWAITING_FREEFORM_QUESTION"
	PhaseAwaitingTopicInfo        FlowPhase = "AWAITING_TOPIC_INFO"
	PhaseTopicActiveFreeform      FlowPhase = "TOPIC_ACTIVE_FREEFORM"
	PhaseComplete                 FlowPhase = "COMPLETE"
)

// GeneratorRequest is the input to the response generator boundary.
type GeneratorRequest struct {
	UserMessage     string             `json:"user_message"`
	CurrentTopic    Topic              `json:"current_topic"`
	BusinessContext string             `json:"business_context"`
	RecentHistory   []ConversationTurn `json:"recent_history"`
}

// GeneratorResult is the structured output of the response generator.
type GeneratorResult struct {
	Message            string     `json:"message"`
	SuggestedNextTopic TopicID    `json:"suggested_next_topic,omitempty"`
	TopicComplete      bool       `json:"topic_complete"`
	ExtractedFields    LeadFields `json:"extracted_fields,omitempty"`
	QuickReplies       []string   `json:"quick_replies,omitempty"`
}

// EngineReply is the result of handling one user message, sufficient for any
// renderer to derive visual state.
type EngineReply struct {
	Reply              string       `json:"reply"`
	QuickReplies       []QuickReply `json:"quick_replies,omitempty"`
	ActiveTopic        TopicID      `json:"active_topic"`
	TopicJustCompleted TopicID      `json:"topic_just_completed,omitempty"`
}

// Error variables for better error handling and testability
var (
	// ErrRateLimited signals the response generator is throttling requests.
	ErrRateLimited = errors.New("response generator rate limited")
	// ErrGenerationFailed covers any other generator error (network, malformed
	// response, parse failure).
	ErrGenerationFailed = errors.New("response generation failed")
	// ErrPersistenceFailed signals a lead store write error. The conversation
	// is never blocked on it.
	ErrPersistenceFailed = errors.New("lead persistence failed")
	// ErrInvalidTopicTransition signals an attempt to move to a topic id not in
	// the registry. A programming-contract violation, not a user-facing error.
	ErrInvalidTopicTransition = errors.New("invalid topic transition")
	// ErrSessionBusy signals a message arrived while a previous one for the
	// same session is still being processed.
	ErrSessionBusy = errors.New("session is already processing a message")
	// ErrDebounced signals a message arrived faster than the per-message
	// debounce interval allows.
	ErrDebounced = errors.New("message debounced")
	// ErrTopicNotFound signals a topic id absent from the registry.
	ErrTopicNotFound = errors.New("topic not found")
)
