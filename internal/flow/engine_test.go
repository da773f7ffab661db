package flow

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/scarryhott/ChatbotWiz-sub000/internal/models"
	"github.com/scarryhott/ChatbotWiz-sub000/internal/ratelimit"
	"github.com/scarryhott/ChatbotWiz-sub000/internal/store"
	"github.com/scarryhott/ChatbotWiz-sub000/internal/topics"
)

// mockGenerator implements ResponseGenerator for testing.
type mockGenerator struct {
	mu     sync.Mutex
	calls  int
	result *models.GeneratorResult
	err    error
	block  chan struct{}
}

func (m *mockGenerator) GenerateResponse(ctx context.Context, req models.GeneratorRequest) (*models.GeneratorResult, error) {
	m.mu.Lock()
	m.calls++
	block := m.block
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &models.GeneratorResult{Message: "generated reply"}, nil
}

func (m *mockGenerator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestEngine(t *testing.T, gen ResponseGenerator, opts ...Option) (*Engine, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	guard := ratelimit.NewGuard(
		ratelimit.WithDebounce(0),
		ratelimit.WithWindowLimit(time.Minute, 1000),
		ratelimit.WithRetry(3, time.Millisecond, 2.0, 5*time.Millisecond),
	)
	t.Cleanup(guard.Stop)
	engine, err := NewEngine(topics.NewRegistry(), gen, st, guard, nil, opts...)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine, st
}

func TestWizardScenarioWhyToWhat(t *testing.T) {
	gen := &mockGenerator{}
	engine, st := newTestEngine(t, gen, WithMode(models.FlowModeWizard))
	ctx := context.Background()

	start, err := engine.StartConversation(ctx, "bot1", "sess1")
	if err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}
	if start.ActiveTopic != models.TopicWhy {
		t.Fatalf("expected conversation to open on WHY, got %s", start.ActiveTopic)
	}
	if len(start.QuickReplies) != 2 {
		t.Errorf("expected No/Yes quick replies, got %v", start.QuickReplies)
	}

	// "no" to "any questions about WHY?" yields the direct WHY question.
	reply, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "no")
	if err != nil {
		t.Fatalf("HandleUserMessage failed: %v", err)
	}
	registry := topics.NewRegistry()
	whyTopic, _ := registry.GetTopic(models.TopicWhy)
	if reply.Reply != whyTopic.PromptQuestion {
		t.Errorf("expected the WHY question %q, got %q", whyTopic.PromptQuestion, reply.Reply)
	}

	// Answering completes WHY, stores the message, advances to WHAT.
	reply, err = engine.HandleUserMessage(ctx, "bot1", "sess1", "I want to cut energy costs")
	if err != nil {
		t.Fatalf("HandleUserMessage failed: %v", err)
	}
	if reply.TopicJustCompleted != models.TopicWhy {
		t.Errorf("expected WHY just completed, got %q", reply.TopicJustCompleted)
	}
	if reply.ActiveTopic != models.TopicWhat {
		t.Errorf("expected active topic WHAT, got %s", reply.ActiveTopic)
	}

	lead, err := st.GetLead("bot1", "sess1")
	if err != nil || lead == nil {
		t.Fatalf("expected lead record, got lead=%v err=%v", lead, err)
	}
	if lead.Fields.Message != "I want to cut energy costs" {
		t.Errorf("expected message stored, got %q", lead.Fields.Message)
	}
	if !lead.HasCompletedTopic(models.TopicWhy) {
		t.Error("expected WHY in completed topics")
	}
	if gen.callCount() != 0 {
		t.Errorf("wizard path must not call the generator, got %d calls", gen.callCount())
	}
}

func TestWizardVisitsEveryTopicOnce(t *testing.T) {
	gen := &mockGenerator{}
	engine, st := newTestEngine(t, gen, WithMode(models.FlowModeWizard))
	ctx := context.Background()

	if _, err := engine.StartConversation(ctx, "bot1", "sess1"); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}

	var completions []models.TopicID
	answers := map[models.TopicID]string{
		models.TopicWhy:   "lower my bills",
		models.TopicWhat:  "solar panels",
		models.TopicWhere: "Austin, TX",
		models.TopicWhen:  "next month",
		models.TopicWho:   "pat@example.com",
	}
	current := models.TopicWhy
	for i := 0; i < 5; i++ {
		reply, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "nope, go ahead")
		if err != nil {
			t.Fatalf("question response failed: %v", err)
		}
		reply, err = engine.HandleUserMessage(ctx, "bot1", "sess1", answers[current])
		if err != nil {
			t.Fatalf("topic answer failed: %v", err)
		}
		if reply.TopicJustCompleted == "" {
			t.Fatalf("round %d: expected a completion, got reply %q", i, reply.Reply)
		}
		completions = append(completions, reply.TopicJustCompleted)
		current = reply.ActiveTopic
	}

	want := topics.DefaultOrder
	if len(completions) != len(want) {
		t.Fatalf("expected %d completions, got %v", len(want), completions)
	}
	for i, topic := range want {
		if completions[i] != topic {
			t.Errorf("completion %d: expected %s, got %s", i, topic, completions[i])
		}
	}

	lead, err := st.GetLead("bot1", "sess1")
	if err != nil || lead == nil {
		t.Fatalf("expected lead record, got lead=%v err=%v", lead, err)
	}
	if !lead.IsCompleted {
		t.Error("expected lead completed after all topics")
	}
	if lead.Fields.Email != "pat@example.com" {
		t.Errorf("expected email extracted, got %q", lead.Fields.Email)
	}

	// Post-completion chit-chat gets a canned thank-you.
	reply, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "thanks!")
	if err != nil {
		t.Fatalf("post-completion message failed: %v", err)
	}
	if !strings.Contains(reply.Reply, "Thanks") {
		t.Errorf("expected thank-you reply, got %q", reply.Reply)
	}
}

func TestWizardYesAsksGeneratorThenLoops(t *testing.T) {
	gen := &mockGenerator{result: &models.GeneratorResult{Message: "We install panels in 2 weeks."}}
	engine, _ := newTestEngine(t, gen, WithMode(models.FlowModeWizard))
	ctx := context.Background()

	if _, err := engine.StartConversation(ctx, "bot1", "sess1"); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}
	reply, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "yes")
	if err != nil {
		t.Fatalf("HandleUserMessage failed: %v", err)
	}
	if !strings.Contains(reply.Reply, "what would you like to know") {
		t.Errorf("expected question prompt, got %q", reply.Reply)
	}

	reply, err = engine.HandleUserMessage(ctx, "bot1", "sess1", "how long does installation take?")
	if err != nil {
		t.Fatalf("HandleUserMessage failed: %v", err)
	}
	if !strings.Contains(reply.Reply, "We install panels in 2 weeks.") {
		t.Errorf("expected generated answer, got %q", reply.Reply)
	}
	if !strings.Contains(reply.Reply, "other questions") {
		t.Errorf("expected loop back to question prompt, got %q", reply.Reply)
	}
	if gen.callCount() != 1 {
		t.Errorf("expected exactly one generator call, got %d", gen.callCount())
	}
}

func TestAmbiguousReplyDefaultsToYes(t *testing.T) {
	gen := &mockGenerator{}
	engine, _ := newTestEngine(t, gen, WithMode(models.FlowModeWizard))
	ctx := context.Background()

	if _, err := engine.StartConversation(ctx, "bot1", "sess1"); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}
	reply, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "hmm maybe")
	if err != nil {
		t.Fatalf("HandleUserMessage failed: %v", err)
	}
	if !strings.Contains(reply.Reply, "what would you like to know") {
		t.Errorf("ambiguous reply should be treated as yes, got %q", reply.Reply)
	}
}

func TestFreeformGeneratorDrivesTransitions(t *testing.T) {
	gen := &mockGenerator{result: &models.GeneratorResult{
		Message:            "Great, and what service do you need?",
		SuggestedNextTopic: models.TopicWhat,
		TopicComplete:      true,
		ExtractedFields:    models.LeadFields{Message: "wants lower bills"},
	}}
	engine, st := newTestEngine(t, gen, WithMode(models.FlowModeFreeform))
	ctx := context.Background()

	reply, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "I'd like to lower my energy bills")
	if err != nil {
		t.Fatalf("HandleUserMessage failed: %v", err)
	}
	if reply.TopicJustCompleted != models.TopicWhy {
		t.Errorf("expected WHY completion signaled, got %q", reply.TopicJustCompleted)
	}
	if reply.ActiveTopic != models.TopicWhat {
		t.Errorf("expected switch to WHAT before attribution, got %s", reply.ActiveTopic)
	}

	lead, err := st.GetLead("bot1", "sess1")
	if err != nil || lead == nil {
		t.Fatalf("expected lead record, got lead=%v err=%v", lead, err)
	}
	if lead.Fields.Message != "wants lower bills" {
		t.Errorf("expected generator-extracted field stored, got %q", lead.Fields.Message)
	}
}

func TestFreeformIgnoresNoopTopicSuggestion(t *testing.T) {
	gen := &mockGenerator{result: &models.GeneratorResult{
		Message:            "Tell me more.",
		SuggestedNextTopic: models.TopicWhy,
	}}
	engine, _ := newTestEngine(t, gen, WithMode(models.FlowModeFreeform))

	reply, err := engine.HandleUserMessage(context.Background(), "bot1", "sess1", "hello")
	if err != nil {
		t.Fatalf("HandleUserMessage failed: %v", err)
	}
	if reply.ActiveTopic != models.TopicWhy {
		t.Errorf("no-op suggestion must not switch topic, got %s", reply.ActiveTopic)
	}
	if reply.TopicJustCompleted != "" {
		t.Errorf("expected no completion, got %q", reply.TopicJustCompleted)
	}
}

func TestDisengagementOffersOtherTopics(t *testing.T) {
	gen := &mockGenerator{result: &models.GeneratorResult{Message: "Could you say more about your goals?"}}
	engine, _ := newTestEngine(t, gen, WithMode(models.FlowModeFreeform))
	ctx := context.Background()

	if _, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "no"); err != nil {
		t.Fatalf("first message failed: %v", err)
	}
	callsAfterFirst := gen.callCount()

	reply, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "no")
	if err != nil {
		t.Fatalf("second message failed: %v", err)
	}
	if !strings.Contains(reply.Reply, "instead") {
		t.Errorf("expected topic suggestion reply, got %q", reply.Reply)
	}
	if len(reply.QuickReplies) == 0 || len(reply.QuickReplies) > 2 {
		t.Errorf("expected up to 2 alternative topics, got %v", reply.QuickReplies)
	}
	if gen.callCount() != callsAfterFirst {
		t.Error("disengagement check must run before the generator is invoked")
	}
}

func TestDisengagementChoiceSwitchesTopic(t *testing.T) {
	gen := &mockGenerator{result: &models.GeneratorResult{Message: "ok"}}
	engine, _ := newTestEngine(t, gen, WithMode(models.FlowModeFreeform))
	ctx := context.Background()

	if _, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "no"); err != nil {
		t.Fatalf("first message failed: %v", err)
	}
	reply, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "no")
	if err != nil {
		t.Fatalf("second message failed: %v", err)
	}
	if len(reply.QuickReplies) == 0 {
		t.Fatalf("expected alternatives offered, got %q", reply.Reply)
	}
	choice := reply.QuickReplies[0]

	reply, err = engine.HandleUserMessage(ctx, "bot1", "sess1", choice.Value)
	if err != nil {
		t.Fatalf("choice message failed: %v", err)
	}
	if string(reply.ActiveTopic) != choice.Value {
		t.Errorf("expected switch to chosen topic %s, got %s", choice.Value, reply.ActiveTopic)
	}
}

func TestDebounceRejectsRapidSends(t *testing.T) {
	gen := &mockGenerator{}
	st := store.NewInMemoryStore()
	guard := ratelimit.NewGuard(ratelimit.WithDebounce(time.Second))
	t.Cleanup(guard.Stop)
	engine, err := NewEngine(topics.NewRegistry(), gen, st, guard, nil, WithMode(models.FlowModeFreeform))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(engine.Close)
	ctx := context.Background()

	if _, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "hello"); err != nil {
		t.Fatalf("first message failed: %v", err)
	}
	calls := gen.callCount()

	reply, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "hello again")
	if err != nil {
		t.Fatalf("second message failed: %v", err)
	}
	if reply.Reply != noticeSlowDown {
		t.Errorf("expected wait notice, got %q", reply.Reply)
	}
	if gen.callCount() != calls {
		t.Error("debounced message must not invoke the generator")
	}
}

func TestGeneratorFailureFallsBackWithoutAdvancing(t *testing.T) {
	gen := &mockGenerator{err: models.ErrGenerationFailed}
	engine, st := newTestEngine(t, gen, WithMode(models.FlowModeFreeform))
	ctx := context.Background()

	reply, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "how much does it cost?")
	if err != nil {
		t.Fatalf("HandleUserMessage must not error on generation failure, got %v", err)
	}
	if reply.Reply == "" {
		t.Fatal("expected a displayable fallback reply")
	}
	if reply.TopicJustCompleted != "" {
		t.Errorf("fallback turn must not complete a topic, got %q", reply.TopicJustCompleted)
	}
	if reply.ActiveTopic != models.TopicWhy {
		t.Errorf("fallback turn must not advance the topic, got %s", reply.ActiveTopic)
	}

	lead, err := st.GetLead("bot1", "sess1")
	if err != nil {
		t.Fatalf("GetLead failed: %v", err)
	}
	if lead != nil {
		t.Error("fallback turn must not persist a lead")
	}
}

func TestRateLimitRetriesThenSurfacesNotice(t *testing.T) {
	gen := &mockGenerator{err: models.ErrRateLimited}
	engine, _ := newTestEngine(t, gen, WithMode(models.FlowModeFreeform))

	reply, err := engine.HandleUserMessage(context.Background(), "bot1", "sess1", "hello")
	if err != nil {
		t.Fatalf("HandleUserMessage must not error after exhausted retries, got %v", err)
	}
	if reply.Reply != noticeRateLimited {
		t.Errorf("expected rate-limit notice, got %q", reply.Reply)
	}
	if gen.callCount() != 3 {
		t.Errorf("expected 3 retry attempts, got %d", gen.callCount())
	}
}

func TestConcurrentSendSameSessionRejected(t *testing.T) {
	block := make(chan struct{})
	gen := &mockGenerator{block: block}
	engine, _ := newTestEngine(t, gen, WithMode(models.FlowModeFreeform))
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = engine.HandleUserMessage(ctx, "bot1", "sess1", "first")
	}()
	// Give the first message time to take the session.
	time.Sleep(20 * time.Millisecond)

	reply, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "second")
	if err != nil {
		t.Fatalf("second message failed: %v", err)
	}
	if reply.Reply != noticeBusy {
		t.Errorf("expected busy notice, got %q", reply.Reply)
	}

	close(block)
	<-done
}

func TestPersistenceFailureStillDeliversReply(t *testing.T) {
	gen := &mockGenerator{}
	st := &failingStore{}
	guard := ratelimit.NewGuard(ratelimit.WithDebounce(0))
	t.Cleanup(guard.Stop)
	engine, err := NewEngine(topics.NewRegistry(), gen, st, guard, nil, WithMode(models.FlowModeWizard))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(engine.Close)
	ctx := context.Background()

	if _, err := engine.StartConversation(ctx, "bot1", "sess1"); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}
	if _, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "no"); err != nil {
		t.Fatalf("question response failed: %v", err)
	}
	reply, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "lower my bills")
	if err != nil {
		t.Fatalf("topic answer must not fail on persistence error, got %v", err)
	}
	if reply.TopicJustCompleted != models.TopicWhy {
		t.Errorf("topic completion must survive a failed save, got %q", reply.TopicJustCompleted)
	}
	if reply.ActiveTopic != models.TopicWhat {
		t.Errorf("expected advance to WHAT despite failed save, got %s", reply.ActiveTopic)
	}
}

func TestConcurrentSendsKeepSessionConsistent(t *testing.T) {
	// Rejected senders read the active topic while the winning handler
	// switches topics; run a storm of sends so the race detector can see
	// both sides.
	gen := &mockGenerator{result: &models.GeneratorResult{
		Message:       "noted",
		TopicComplete: true,
	}}
	engine, _ := newTestEngine(t, gen, WithMode(models.FlowModeFreeform))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "here you go")
			if err != nil {
				t.Errorf("HandleUserMessage failed: %v", err)
				return
			}
			if reply == nil || reply.Reply == "" {
				t.Error("expected a displayable reply on every send")
			}
		}()
	}
	wg.Wait()
}

func TestWizardIntakeNotChargedAgainstGenerationWindow(t *testing.T) {
	gen := &mockGenerator{}
	st := store.NewInMemoryStore()
	guard := ratelimit.NewGuard(
		ratelimit.WithDebounce(0),
		ratelimit.WithWindowLimit(time.Minute, 1),
	)
	t.Cleanup(guard.Stop)
	engine, err := NewEngine(topics.NewRegistry(), gen, st, guard, nil, WithMode(models.FlowModeWizard))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(engine.Close)
	ctx := context.Background()

	if _, err := engine.StartConversation(ctx, "bot1", "sess1"); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}
	// Ten messages on the no-questions path, well past the window limit of
	// one, with zero generation calls.
	for i := 0; i < 5; i++ {
		reply, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "nope, go ahead")
		if err != nil {
			t.Fatalf("question response %d failed: %v", i, err)
		}
		if reply.Reply == noticeRateLimited {
			t.Fatalf("round %d: intake must not be rate limited without generation", i)
		}
		reply, err = engine.HandleUserMessage(ctx, "bot1", "sess1", "anything you like")
		if err != nil {
			t.Fatalf("topic answer %d failed: %v", i, err)
		}
		if reply.Reply == noticeRateLimited {
			t.Fatalf("round %d: intake must not be rate limited without generation", i)
		}
	}
	if gen.callCount() != 0 {
		t.Errorf("expected no generator calls, got %d", gen.callCount())
	}
}

func TestGenerationWindowLimitSurfacesNotice(t *testing.T) {
	gen := &mockGenerator{result: &models.GeneratorResult{Message: "sure"}}
	st := store.NewInMemoryStore()
	guard := ratelimit.NewGuard(
		ratelimit.WithDebounce(0),
		ratelimit.WithWindowLimit(time.Minute, 1),
	)
	t.Cleanup(guard.Stop)
	engine, err := NewEngine(topics.NewRegistry(), gen, st, guard, nil, WithMode(models.FlowModeFreeform))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(engine.Close)
	ctx := context.Background()

	if _, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "hello"); err != nil {
		t.Fatalf("first message failed: %v", err)
	}
	reply, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "and another thing")
	if err != nil {
		t.Fatalf("second message failed: %v", err)
	}
	if reply.Reply != noticeRateLimited {
		t.Errorf("expected rate-limit notice once the window is full, got %q", reply.Reply)
	}
	if gen.callCount() != 1 {
		t.Errorf("expected exactly one generator call, got %d", gen.callCount())
	}
}

func TestRefusalAtTopicQuestionOffersAlternatives(t *testing.T) {
	gen := &mockGenerator{}
	engine, st := newTestEngine(t, gen, WithMode(models.FlowModeWizard))
	ctx := context.Background()

	if _, err := engine.StartConversation(ctx, "bot1", "sess1"); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}
	// "no" to "any questions?" yields the WHY question.
	if _, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "no"); err != nil {
		t.Fatalf("question response failed: %v", err)
	}
	// A second "no", given as the answer itself, is disengagement rather
	// than field data.
	reply, err := engine.HandleUserMessage(ctx, "bot1", "sess1", "no")
	if err != nil {
		t.Fatalf("refusal answer failed: %v", err)
	}
	if !strings.Contains(reply.Reply, "instead") {
		t.Fatalf("expected alternative topics offered, got %q", reply.Reply)
	}
	if len(reply.QuickReplies) == 0 || len(reply.QuickReplies) > 2 {
		t.Errorf("expected up to 2 alternative topics, got %v", reply.QuickReplies)
	}
	if reply.TopicJustCompleted != "" {
		t.Errorf("refusal must not complete the topic, got %q", reply.TopicJustCompleted)
	}
	lead, err := st.GetLead("bot1", "sess1")
	if err != nil {
		t.Fatalf("GetLead failed: %v", err)
	}
	if lead != nil {
		t.Error("refusal must not be stored as a lead field")
	}

	// Choosing an offered topic switches and restarts the wizard prompt.
	choice := reply.QuickReplies[0]
	reply, err = engine.HandleUserMessage(ctx, "bot1", "sess1", choice.Value)
	if err != nil {
		t.Fatalf("choice message failed: %v", err)
	}
	if string(reply.ActiveTopic) != choice.Value {
		t.Errorf("expected switch to chosen topic %s, got %s", choice.Value, reply.ActiveTopic)
	}
	if !strings.Contains(reply.Reply, "Any questions about") {
		t.Errorf("expected wizard prompt for the chosen topic, got %q", reply.Reply)
	}
}

// failingStore implements store.Store with always-failing writes.
type failingStore struct{}

func (f *failingStore) UpsertLeadOnTopicComplete(chatbotID, sessionID string, topic models.TopicID, fields models.LeadFields, transcript []models.ConversationTurn) (*models.LeadRecord, error) {
	return nil, models.ErrPersistenceFailed
}
func (f *failingStore) GetLead(chatbotID, sessionID string) (*models.LeadRecord, error) {
	return nil, nil
}
func (f *failingStore) GetLeadByID(id string) (*models.LeadRecord, error) { return nil, nil }
func (f *failingStore) ListLeads(chatbotID string) ([]models.LeadRecord, error) {
	return nil, nil
}
func (f *failingStore) DeleteLead(id string) error { return nil }
func (f *failingStore) Close() error               { return nil }
