// Package flow implements the conversation flow engine: turn-taking, topic
// transitions, disengagement detection, deterministic field extraction, and
// lead persistence at topic-completion boundaries.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scarryhott/ChatbotWiz-sub000/internal/models"
	"github.com/scarryhott/ChatbotWiz-sub000/internal/ratelimit"
	"github.com/scarryhott/ChatbotWiz-sub000/internal/store"
	"github.com/scarryhott/ChatbotWiz-sub000/internal/topics"
)

// Default engine configuration.
const (
	DefaultMaxFollowUps      = 2
	DefaultGenerationTimeout = 30 * time.Second
	DefaultSessionTTL        = 30 * time.Minute
	// historyWindow bounds the recent history handed to the generator.
	historyWindow = 10
)

// Canned user-facing notices.
const (
	noticeBusy        = "One moment, I'm still working on your last message."
	noticeSlowDown    = "You're sending messages a little quickly. Give me a second to catch up!"
	noticeRateLimited = "I'm getting a lot of messages right now. Please try again shortly."
	noticeThanks      = "Thanks again for chatting with us! The team will be in touch soon."
)

// ResponseGenerator produces the assistant reply for one turn. Implementations
// must distinguish rate limiting (models.ErrRateLimited) from other failures
// (models.ErrGenerationFailed).
type ResponseGenerator interface {
	GenerateResponse(ctx context.Context, req models.GeneratorRequest) (*models.GeneratorResult, error)
}

// LeadNotifier is told when a lead record reaches completion. Notification
// failures never fail the turn.
type LeadNotifier interface {
	NotifyLeadCompleted(ctx context.Context, lead *models.LeadRecord) error
}

// Opts holds configuration for the engine.
type Opts struct {
	// Mode selects the wizard or freeform flow variant.
	Mode models.FlowMode
	// StartTopic is the topic the conversation opens with.
	StartTopic models.TopicID
	// MaxFollowUps bounds follow-up questions per topic before the
	// disengagement guard fires.
	MaxFollowUps int
	// BusinessContext is free text describing the business, passed to the
	// generator.
	BusinessContext string
	// GenerationTimeout bounds one generator call.
	GenerationTimeout time.Duration
	// SessionTTL evicts idle in-memory session state.
	SessionTTL time.Duration
}

// Option defines a configuration option for the engine.
type Option func(*Opts)

// WithMode selects the flow variant.
func WithMode(mode models.FlowMode) Option {
	return func(o *Opts) { o.Mode = mode }
}

// WithStartTopic sets the opening topic.
func WithStartTopic(id models.TopicID) Option {
	return func(o *Opts) { o.StartTopic = id }
}

// WithMaxFollowUps sets the per-topic follow-up budget.
func WithMaxFollowUps(n int) Option {
	return func(o *Opts) { o.MaxFollowUps = n }
}

// WithBusinessContext sets the business description handed to the generator.
func WithBusinessContext(ctx string) Option {
	return func(o *Opts) { o.BusinessContext = ctx }
}

// WithGenerationTimeout bounds one generator call.
func WithGenerationTimeout(d time.Duration) Option {
	return func(o *Opts) { o.GenerationTimeout = d }
}

// WithSessionTTL sets the idle session eviction threshold.
func WithSessionTTL(d time.Duration) Option {
	return func(o *Opts) { o.SessionTTL = d }
}

// Engine drives multi-topic lead-capture conversations. One engine serves
// many sessions; each session is processed strictly sequentially while
// different sessions proceed in parallel.
type Engine struct {
	registry  *topics.Registry
	generator ResponseGenerator
	store     store.Store
	guard     *ratelimit.Guard
	notifier  LeadNotifier

	opts     Opts
	sessions *sessionTable
}

// NewEngine creates a flow engine. The generator may be nil, in which case
// every generator-driven turn degrades to static fallback replies.
func NewEngine(registry *topics.Registry, gen ResponseGenerator, st store.Store, guard *ratelimit.Guard, notifier LeadNotifier, opts ...Option) (*Engine, error) {
	cfg := Opts{
		Mode:              models.FlowModeFreeform,
		MaxFollowUps:      DefaultMaxFollowUps,
		GenerationTimeout: DefaultGenerationTimeout,
		SessionTTL:        DefaultSessionTTL,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.StartTopic == "" {
		cfg.StartTopic = registry.First()
	}
	if _, err := registry.GetTopic(cfg.StartTopic); err != nil {
		return nil, fmt.Errorf("%w: start topic %s", models.ErrInvalidTopicTransition, cfg.StartTopic)
	}
	slog.Debug("Engine.NewEngine: creating engine",
		"mode", cfg.Mode, "startTopic", cfg.StartTopic, "maxFollowUps", cfg.MaxFollowUps,
		"generationTimeout", cfg.GenerationTimeout, "sessionTTL", cfg.SessionTTL)

	return &Engine{
		registry:  registry,
		generator: gen,
		store:     st,
		guard:     guard,
		notifier:  notifier,
		opts:      cfg,
		sessions:  newSessionTable(cfg.SessionTTL),
	}, nil
}

// Close stops background session eviction.
func (e *Engine) Close() {
	e.sessions.close()
}

func (e *Engine) initialPhase() models.FlowPhase {
	if e.opts.Mode == models.FlowModeFreeform {
		return models.PhaseTopicActiveFreeform
	}
	return models.PhaseAwaitingQuestionResponse
}

// StartConversation opens a session: it emits the starting topic's info
// blurb followed by its opening question.
func (e *Engine) StartConversation(ctx context.Context, chatbotID, sessionID string) (*models.EngineReply, error) {
	topic, err := e.registry.GetTopic(e.opts.StartTopic)
	if err != nil {
		return nil, err
	}
	s := e.sessions.getOrCreate(chatbotID, sessionID, e.initialPhase(), topic.ID)
	if activeTopic, ok := s.tryAcquire(); !ok {
		return busyReply(activeTopic), nil
	}
	defer s.release()

	var reply *models.EngineReply
	if e.opts.Mode == models.FlowModeFreeform {
		reply = &models.EngineReply{
			Reply:       topic.InfoBlurb + "\n\n" + topic.PromptQuestion,
			ActiveTopic: topic.ID,
		}
	} else {
		s.phase = models.PhaseAwaitingQuestionResponse
		reply = &models.EngineReply{
			Reply:        fmt.Sprintf("%s\n\nAny questions about %s?", topic.InfoBlurb, topic.Title),
			QuickReplies: quickReplies("No", "Yes"),
			ActiveTopic:  topic.ID,
		}
	}
	s.appendTurn(models.RoleAssistant, reply.Reply)
	slog.Info("Engine.StartConversation: conversation started",
		"chatbotID", chatbotID, "sessionID", sessionID, "mode", e.opts.Mode, "topic", topic.ID)
	return reply, nil
}

// HandleUserMessage processes one user turn. Every path resolves to a
// displayable reply; generation and persistence failures degrade rather than
// propagate.
func (e *Engine) HandleUserMessage(ctx context.Context, chatbotID, sessionID, text string) (*models.EngineReply, error) {
	s := e.sessions.getOrCreate(chatbotID, sessionID, e.initialPhase(), e.opts.StartTopic)

	activeTopic, ok := s.tryAcquire()
	if !ok {
		slog.Debug("Engine.HandleUserMessage: session busy", "chatbotID", chatbotID, "sessionID", sessionID)
		return busyReply(activeTopic), nil
	}
	defer s.release()

	if err := e.guard.AllowMessage(sessionKey(chatbotID, sessionID)); err != nil {
		slog.Debug("Engine.HandleUserMessage: message debounced",
			"chatbotID", chatbotID, "sessionID", sessionID, "error", err)
		return &models.EngineReply{Reply: noticeSlowDown, ActiveTopic: s.currentTopic}, nil
	}

	s.appendTurn(models.RoleUser, text)

	var reply *models.EngineReply
	switch s.phase {
	case models.PhaseInitial, models.PhaseAwaitingQuestionResponse:
		reply = e.handleQuestionResponse(ctx, s, text)
	case models.PhaseAwaitingFreeformQuestion:
		reply = e.handleFreeformQuestion(ctx, s, text)
	case models.PhaseAwaitingTopicInfo:
		reply = e.handleTopicInfo(ctx, s, text)
	case models.PhaseTopicActiveFreeform:
		reply = e.handleFreeform(ctx, s, text)
	case models.PhaseComplete:
		reply = e.handleComplete(ctx, s, text)
	default:
		slog.Error("Engine.HandleUserMessage: unknown phase", "phase", s.phase, "sessionID", sessionID)
		reply = &models.EngineReply{Reply: fallbackReply(s.currentTopic, text), ActiveTopic: s.currentTopic}
	}

	s.appendTurn(models.RoleAssistant, reply.Reply)
	return reply, nil
}

// handleQuestionResponse classifies a yes/no answer to "any questions about
// X?". Ambiguous input defaults to yes.
func (e *Engine) handleQuestionResponse(ctx context.Context, s *sessionState, text string) *models.EngineReply {
	if reply := e.applySuggestedTopicChoice(s, text); reply != nil {
		return reply
	}
	if reply := e.checkDisengagement(s); reply != nil {
		return reply
	}

	topic, err := e.registry.GetTopic(s.currentTopic)
	if err != nil {
		slog.Error("Engine.handleQuestionResponse: current topic missing from registry",
			"topic", s.currentTopic, "sessionID", s.sessionID, "error", err)
		return &models.EngineReply{Reply: fallbackReply(models.TopicGeneral, text), ActiveTopic: s.currentTopic}
	}

	if hasQuestions(text) {
		s.phase = models.PhaseAwaitingFreeformQuestion
		s.followUpCount++
		return &models.EngineReply{
			Reply:       "Sure, what would you like to know?",
			ActiveTopic: topic.ID,
		}
	}
	s.phase = models.PhaseAwaitingTopicInfo
	return &models.EngineReply{
		Reply:       topic.PromptQuestion,
		ActiveTopic: topic.ID,
	}
}

// hasQuestions applies the permissive yes/no heuristic: text containing
// "yes" or "question", or lacking "no", counts as having questions.
func hasQuestions(text string) bool {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "yes") || strings.Contains(lower, "question") {
		return true
	}
	return !strings.Contains(lower, "no")
}

// handleFreeformQuestion answers the user's question via the generator and
// loops back to the yes/no prompt.
func (e *Engine) handleFreeformQuestion(ctx context.Context, s *sessionState, text string) *models.EngineReply {
	topic, err := e.registry.GetTopic(s.currentTopic)
	if err != nil {
		slog.Error("Engine.handleFreeformQuestion: current topic missing from registry",
			"topic", s.currentTopic, "sessionID", s.sessionID, "error", err)
		return &models.EngineReply{Reply: fallbackReply(models.TopicGeneral, text), ActiveTopic: s.currentTopic}
	}

	result, err := e.generate(ctx, s, topic, text)
	if err != nil {
		return e.fallbackTurn(s, text, err)
	}

	s.phase = models.PhaseAwaitingQuestionResponse
	return &models.EngineReply{
		Reply:        result.Message + "\n\nAny other questions about " + topic.Title + "?",
		QuickReplies: quickReplies("No", "Yes"),
		ActiveTopic:  topic.ID,
	}
}

// handleTopicInfo extracts the current topic's field from the answer, marks
// the topic complete, persists the lead, and advances to the next topic.
func (e *Engine) handleTopicInfo(ctx context.Context, s *sessionState, text string) *models.EngineReply {
	// A bare refusal is a disengagement signal, not field data.
	if isRefusal(text) {
		if reply := e.checkDisengagement(s); reply != nil {
			s.phase = models.PhaseAwaitingQuestionResponse
			return reply
		}
	}

	completed := s.currentTopic
	extracted := extractForTopic(completed, text)
	s.fields.Merge(extracted)
	s.completedTopics[completed] = true

	e.persistCompletion(ctx, s, completed)

	next, ok := e.registry.NextAfter(completed, s.completedTopics)
	if !ok {
		s.phase = models.PhaseComplete
		slog.Info("Engine.handleTopicInfo: all topics complete",
			"chatbotID", s.chatbotID, "sessionID", s.sessionID)
		return &models.EngineReply{
			Reply:              "That's everything I needed. Thanks so much for your time! The team will be in touch soon.",
			ActiveTopic:        completed,
			TopicJustCompleted: completed,
		}
	}

	nextTopic, err := e.registry.GetTopic(next)
	if err != nil {
		slog.Error("Engine.handleTopicInfo: next topic missing from registry",
			"topic", next, "sessionID", s.sessionID, "error", err)
		return &models.EngineReply{Reply: fallbackReply(models.TopicGeneral, text), ActiveTopic: completed}
	}

	s.switchTopic(next)
	s.phase = models.PhaseAwaitingQuestionResponse
	slog.Info("Engine.handleTopicInfo: topic complete, advancing",
		"chatbotID", s.chatbotID, "sessionID", s.sessionID, "completed", completed, "next", next)
	return &models.EngineReply{
		Reply:              fmt.Sprintf("Great, thank you!\n\n%s\n\nAny questions about %s?", nextTopic.InfoBlurb, nextTopic.Title),
		QuickReplies:       quickReplies("No", "Yes"),
		ActiveTopic:        next,
		TopicJustCompleted: completed,
	}
}

// handleFreeform is the AI-driven variant: the generator decides relevance,
// transitions, and completion.
func (e *Engine) handleFreeform(ctx context.Context, s *sessionState, text string) *models.EngineReply {
	if reply := e.applySuggestedTopicChoice(s, text); reply != nil {
		return reply
	}
	if reply := e.checkDisengagement(s); reply != nil {
		return reply
	}

	topic, err := e.registry.GetTopic(s.currentTopic)
	if err != nil {
		slog.Error("Engine.handleFreeform: current topic missing from registry",
			"topic", s.currentTopic, "sessionID", s.sessionID, "error", err)
		return &models.EngineReply{Reply: fallbackReply(models.TopicGeneral, text), ActiveTopic: s.currentTopic}
	}

	result, err := e.generate(ctx, s, topic, text)
	if err != nil {
		return e.fallbackTurn(s, text, err)
	}

	// Apply the suggested switch before attributing the reply so the turn
	// lands in the right topic's transcript. No-op switches are ignored.
	if result.SuggestedNextTopic != "" && result.SuggestedNextTopic != s.currentTopic {
		if _, err := e.registry.GetTopic(result.SuggestedNextTopic); err != nil {
			slog.Error("Engine.handleFreeform: generator suggested unknown topic",
				"suggested", result.SuggestedNextTopic, "sessionID", s.sessionID)
		} else {
			s.switchTopic(result.SuggestedNextTopic)
		}
	}

	var justCompleted models.TopicID
	if result.TopicComplete {
		justCompleted = topic.ID
		s.fields.Merge(result.ExtractedFields)
		s.completedTopics[topic.ID] = true
		e.persistCompletion(ctx, s, topic.ID)

		if len(s.completedTopics) >= e.registry.Len() {
			s.phase = models.PhaseComplete
		} else if s.currentTopic == topic.ID {
			// Generator signaled completion without a switch; advance in
			// registry order.
			if next, ok := e.registry.NextAfter(topic.ID, s.completedTopics); ok {
				s.switchTopic(next)
			}
		}
	} else {
		s.fields.Merge(result.ExtractedFields)
		s.followUpCount++
	}

	return &models.EngineReply{
		Reply:              result.Message,
		QuickReplies:       quickRepliesFrom(result.QuickReplies),
		ActiveTopic:        s.currentTopic,
		TopicJustCompleted: justCompleted,
	}
}

// handleComplete accepts post-conversation chit-chat.
func (e *Engine) handleComplete(ctx context.Context, s *sessionState, text string) *models.EngineReply {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "question") || strings.Contains(lower, "help") {
		general := models.Topic{ID: models.TopicGeneral, Title: "General"}
		result, err := e.generate(ctx, s, general, text)
		if err != nil {
			return &models.EngineReply{Reply: fallbackReply(models.TopicGeneral, text), ActiveTopic: s.currentTopic}
		}
		return &models.EngineReply{Reply: result.Message, ActiveTopic: s.currentTopic}
	}
	return &models.EngineReply{Reply: noticeThanks, ActiveTopic: s.currentTopic}
}

// checkDisengagement suspends normal flow when the user shows disengagement,
// offering other incomplete topics instead of another follow-up.
func (e *Engine) checkDisengagement(s *sessionState) *models.EngineReply {
	if !isDisengaged(s, e.opts.MaxFollowUps) {
		return nil
	}
	alternatives := e.registry.Incomplete(s.currentTopic, s.completedTopics, disengageSuggestions)
	if len(alternatives) == 0 {
		return nil
	}

	s.suggestedTopics = alternatives
	s.followUpCount = 0
	s.refusalFence = len(s.history)
	titles := make([]string, 0, len(alternatives))
	qr := make([]models.QuickReply, 0, len(alternatives))
	for _, id := range alternatives {
		topic, err := e.registry.GetTopic(id)
		if err != nil {
			continue
		}
		titles = append(titles, topic.Title)
		qr = append(qr, models.QuickReply{Display: topic.Title, Value: string(id)})
	}
	slog.Info("Engine.checkDisengagement: offering alternative topics",
		"chatbotID", s.chatbotID, "sessionID", s.sessionID, "current", s.currentTopic, "offered", alternatives)
	return &models.EngineReply{
		Reply:        "No problem! Would you like to talk about " + strings.Join(titles, " or ") + " instead?",
		QuickReplies: qr,
		ActiveTopic:  s.currentTopic,
	}
}

// applySuggestedTopicChoice matches the reply against topics offered by the
// last disengagement prompt and switches when one matches.
func (e *Engine) applySuggestedTopicChoice(s *sessionState, text string) *models.EngineReply {
	if len(s.suggestedTopics) == 0 {
		return nil
	}
	offered := s.suggestedTopics
	s.suggestedTopics = nil

	lower := strings.ToLower(strings.TrimSpace(text))
	for _, id := range offered {
		topic, err := e.registry.GetTopic(id)
		if err != nil {
			continue
		}
		if lower == strings.ToLower(string(id)) || strings.Contains(lower, strings.ToLower(topic.Title)) {
			s.switchTopic(id)
			if e.opts.Mode == models.FlowModeFreeform {
				s.phase = models.PhaseTopicActiveFreeform
				return &models.EngineReply{
					Reply:       topic.InfoBlurb + "\n\n" + topic.PromptQuestion,
					ActiveTopic: id,
				}
			}
			s.phase = models.PhaseAwaitingQuestionResponse
			return &models.EngineReply{
				Reply:        fmt.Sprintf("%s\n\nAny questions about %s?", topic.InfoBlurb, topic.Title),
				QuickReplies: quickReplies("No", "Yes"),
				ActiveTopic:  id,
			}
		}
	}
	return nil
}

// generate runs one guarded generator call: concurrency slot, bounded
// timeout, and rate-limit retries with backoff.
func (e *Engine) generate(ctx context.Context, s *sessionState, topic models.Topic, text string) (*models.GeneratorResult, error) {
	if e.generator == nil {
		return nil, models.ErrGenerationFailed
	}
	// The rolling request window counts outbound generation calls, not
	// message intake.
	if err := e.guard.AllowGeneration(sessionKey(s.chatbotID, s.sessionID)); err != nil {
		return nil, err
	}
	req := models.GeneratorRequest{
		UserMessage:     text,
		CurrentTopic:    topic,
		BusinessContext: e.opts.BusinessContext,
		RecentHistory:   s.recentHistory(historyWindow),
	}

	var result *models.GeneratorResult
	err := e.guard.Enqueue(ctx, func(ctx context.Context) error {
		return e.guard.DoWithRetry(ctx, func(ctx context.Context) error {
			genCtx, cancel := context.WithTimeout(ctx, e.opts.GenerationTimeout)
			defer cancel()
			r, err := e.generator.GenerateResponse(genCtx, req)
			if err != nil {
				if genCtx.Err() == context.DeadlineExceeded && !errors.Is(err, models.ErrRateLimited) {
					return fmt.Errorf("%w: generation timed out", models.ErrGenerationFailed)
				}
				return err
			}
			result = r
			return nil
		})
	})
	if err != nil {
		slog.Error("Engine.generate: generation failed",
			"chatbotID", s.chatbotID, "sessionID", s.sessionID, "topic", topic.ID, "error", err)
		return nil, err
	}
	return result, nil
}

// fallbackTurn substitutes a static reply for a failed generation. Session
// state is not advanced so the user can retry the same step.
func (e *Engine) fallbackTurn(s *sessionState, text string, genErr error) *models.EngineReply {
	if errors.Is(genErr, ratelimit.ErrMaxRetriesExhausted) || errors.Is(genErr, models.ErrRateLimited) {
		return &models.EngineReply{Reply: noticeRateLimited, ActiveTopic: s.currentTopic}
	}
	return &models.EngineReply{Reply: fallbackReply(s.currentTopic, text), ActiveTopic: s.currentTopic}
}

// persistCompletion upserts the lead at a topic-completion boundary. Write
// failures are flagged for retry at the next boundary and never block the
// reply. A completed lead triggers the notifier.
func (e *Engine) persistCompletion(ctx context.Context, s *sessionState, topic models.TopicID) {
	lead, err := e.store.UpsertLeadOnTopicComplete(s.chatbotID, s.sessionID, topic, s.fields, s.history)
	if err != nil {
		s.pendingSave = true
		slog.Error("Engine.persistCompletion: lead upsert failed, holding state in memory",
			"chatbotID", s.chatbotID, "sessionID", s.sessionID, "topic", topic, "error", err)
		return
	}
	if s.pendingSave {
		slog.Info("Engine.persistCompletion: recovered previously failed save",
			"chatbotID", s.chatbotID, "sessionID", s.sessionID)
		s.pendingSave = false
	}
	if lead.IsCompleted && e.notifier != nil {
		if err := e.notifier.NotifyLeadCompleted(ctx, lead); err != nil {
			slog.Warn("Engine.persistCompletion: lead notification failed",
				"chatbotID", s.chatbotID, "leadID", lead.ID, "error", err)
		}
	}
}

func busyReply(topic models.TopicID) *models.EngineReply {
	return &models.EngineReply{Reply: noticeBusy, ActiveTopic: topic}
}

func quickReplies(texts ...string) []models.QuickReply {
	qr := make([]models.QuickReply, 0, len(texts))
	for _, t := range texts {
		qr = append(qr, models.NewQuickReply(t))
	}
	return qr
}

func quickRepliesFrom(texts []string) []models.QuickReply {
	if len(texts) == 0 {
		return nil
	}
	return quickReplies(texts...)
}
