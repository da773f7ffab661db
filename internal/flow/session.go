package flow

import (
	"log/slog"
	"sync"
	"time"

	"github.com/scarryhott/ChatbotWiz-sub000/internal/models"
)

// sessionState holds the mutable flow state for one (chatbotID, sessionID)
// pair. The processing flag serializes handlers, so most fields are only
// touched by the handler that won tryAcquire. currentTopic and lastActive
// are also read on the busy-reject and eviction paths, so every write to
// them happens under mu.
type sessionState struct {
	chatbotID string
	sessionID string

	phase           models.FlowPhase
	currentTopic    models.TopicID
	completedTopics map[models.TopicID]bool
	followUpCount   int
	// suggestedTopics remembers the alternatives offered by the last
	// disengagement prompt so the next reply can be matched against them.
	suggestedTopics []models.TopicID
	// refusalFence is the history index before which refusals no longer
	// count, reset whenever the topic switches or alternatives are offered.
	refusalFence int

	fields  models.LeadFields
	history []models.ConversationTurn

	// pendingSave is set when a lead upsert failed and should be retried on
	// the next completion boundary.
	pendingSave bool

	lastActive time.Time
	processing bool
	mu         sync.Mutex
}

// tryAcquire marks the session as processing and snapshots the active topic
// under the session lock so rejected senders never read it unsynchronized.
// ok is false when another message for the same session is in flight.
func (s *sessionState) tryAcquire() (topic models.TopicID, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return s.currentTopic, false
	}
	s.processing = true
	return s.currentTopic, true
}

func (s *sessionState) release() {
	s.mu.Lock()
	s.processing = false
	s.mu.Unlock()
}

// appendTurn records one exchange in arrival order.
func (s *sessionState) appendTurn(role models.Role, content string) {
	s.history = append(s.history, models.ConversationTurn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
		Topic:     s.currentTopic,
	})
}

// recentTopicTurns returns up to n most recent turns belonging to the
// current topic, not reaching behind the refusal fence.
func (s *sessionState) recentTopicTurns(n int) []models.ConversationTurn {
	var turns []models.ConversationTurn
	for i := len(s.history) - 1; i >= s.refusalFence && len(turns) < n; i-- {
		if s.history[i].Topic == s.currentTopic {
			turns = append(turns, s.history[i])
		}
	}
	// Restore chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns
}

// recentHistory returns up to n most recent turns regardless of topic.
func (s *sessionState) recentHistory(n int) []models.ConversationTurn {
	if len(s.history) <= n {
		return s.history
	}
	return s.history[len(s.history)-n:]
}

// switchTopic moves the session to a new topic and resets per-topic
// counters. currentTopic is read concurrently by rejected senders, so the
// write takes the session lock.
func (s *sessionState) switchTopic(topic models.TopicID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentTopic = topic
	s.followUpCount = 0
	s.suggestedTopics = nil
	s.refusalFence = len(s.history)
}

// sessionKey builds the session table key.
func sessionKey(chatbotID, sessionID string) string {
	return chatbotID + "\x00" + sessionID
}

// sessionTable tracks live sessions and evicts idle ones.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	ttl      time.Duration
	stop     chan struct{}
}

func newSessionTable(ttl time.Duration) *sessionTable {
	t := &sessionTable{
		sessions: make(map[string]*sessionState),
		ttl:      ttl,
		stop:     make(chan struct{}),
	}
	go t.gcLoop()
	return t
}

// getOrCreate returns the session for the key, creating it in the given
// initial phase and topic when absent.
func (t *sessionTable) getOrCreate(chatbotID, sessionID string, phase models.FlowPhase, topic models.TopicID) *sessionState {
	key := sessionKey(chatbotID, sessionID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[key]; ok {
		s.mu.Lock()
		s.lastActive = time.Now()
		s.mu.Unlock()
		return s
	}
	s := &sessionState{
		chatbotID:       chatbotID,
		sessionID:       sessionID,
		phase:           phase,
		currentTopic:    topic,
		completedTopics: make(map[models.TopicID]bool),
		lastActive:      time.Now(),
	}
	t.sessions[key] = s
	slog.Debug("sessionTable.getOrCreate: created session", "chatbotID", chatbotID, "sessionID", sessionID, "phase", phase, "topic", topic)
	return s
}

func (t *sessionTable) get(chatbotID, sessionID string) (*sessionState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionKey(chatbotID, sessionID)]
	return s, ok
}

func (t *sessionTable) gcLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.evictIdle()
		}
	}
}

// evictIdle drops sessions idle longer than the TTL. Lead records are
// durable and unaffected.
func (t *sessionTable) evictIdle() {
	cutoff := time.Now().Add(-t.ttl)
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for key, s := range t.sessions {
		s.mu.Lock()
		idle := !s.processing && s.lastActive.Before(cutoff)
		s.mu.Unlock()
		if idle {
			delete(t.sessions, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("sessionTable.evictIdle: evicted idle sessions", "count", evicted)
	}
}

func (t *sessionTable) close() {
	close(t.stop)
}
