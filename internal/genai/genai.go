// Package genai provides GenAI-enhanced response generation using the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/scarryhott/ChatbotWiz-sub000/internal/models"
)

// Default generation parameters.
const (
	DefaultModel               = openai.ChatModelGPT4oMini
	DefaultTemperature         = 0.7
	DefaultMaxCompletionTokens = 600
	// historyWindow bounds how many recent turns are replayed to the model.
	historyWindow = 10
)

// ErrNoChoicesReturned indicates the API returned an empty choice list.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionService adapts the OpenAI SDK completion service to chatService.
type completionService struct {
	svc openai.ChatCompletionService
}

func (c completionService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	// APIKey for OpenAI. Falls back to OPENAI_API_KEY when empty.
	APIKey string
	// Model overrides the default chat model.
	Model string
	// Temperature overrides the default sampling temperature.
	Temperature float64
	// MaxCompletionTokens overrides the default completion token cap.
	MaxCompletionTokens int
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxCompletionTokens sets the completion token cap.
func WithMaxCompletionTokens(n int) Option {
	return func(o *Opts) { o.MaxCompletionTokens = n }
}

// Client wraps the OpenAI ChatCompletion service for generating chatbot replies.
type Client struct {
	chat                chatService
	model               openai.ChatModel
	temperature         float64
	maxCompletionTokens int
}

// NewClient initializes a new GenAI client. The API key comes from options or
// the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	model := openai.ChatModel(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = DefaultTemperature
	}
	maxTokens := cfg.MaxCompletionTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxCompletionTokens
	}
	slog.Debug("GenAI.NewClient: creating client", "model", model, "temperature", temperature, "maxCompletionTokens", maxTokens)

	cli := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{
		chat:                completionService{svc: cli.Chat.Completions},
		model:               model,
		temperature:         temperature,
		maxCompletionTokens: maxTokens,
	}, nil
}

// structuredReply is the JSON shape the model is instructed to produce.
type structuredReply struct {
	Message            string            `json:"message"`
	SuggestedNextTopic string            `json:"suggested_next_topic"`
	TopicComplete      bool              `json:"topic_complete"`
	ExtractedFields    map[string]string `json:"extracted_fields"`
	QuickReplies       []string          `json:"quick_replies"`
}

// GenerateResponse produces the assistant reply for the current turn. API
// rate limiting surfaces as models.ErrRateLimited; every other failure is
// wrapped in models.ErrGenerationFailed so callers can fall back without
// inspecting transport details.
func (c *Client) GenerateResponse(ctx context.Context, req models.GeneratorRequest) (*models.GeneratorResult, error) {
	messages := c.buildMessages(req)
	params := openai.ChatCompletionNewParams{
		Model:               c.model,
		Messages:            messages,
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(int64(c.maxCompletionTokens)),
	}

	slog.Debug("GenAI.GenerateResponse: calling chat completion",
		"model", c.model, "messageCount", len(messages), "topic", req.CurrentTopic.ID)
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			slog.Warn("GenAI.GenerateResponse: rate limited by API")
			return nil, fmt.Errorf("%w: %v", models.ErrRateLimited, err)
		}
		slog.Error("GenAI.GenerateResponse: chat completion failed", "error", err)
		return nil, fmt.Errorf("%w: %v", models.ErrGenerationFailed, err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("GenAI.GenerateResponse: empty choice list")
		return nil, fmt.Errorf("%w: %v", models.ErrGenerationFailed, ErrNoChoicesReturned)
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	result := parseStructuredReply(content)
	slog.Debug("GenAI.GenerateResponse: generated reply",
		"topicComplete", result.TopicComplete, "suggestedNextTopic", result.SuggestedNextTopic,
		"quickReplies", len(result.QuickReplies))
	return result, nil
}

// parseStructuredReply decodes the model's JSON reply. Non-JSON output is
// tolerated: the raw content becomes the user-facing message with no
// extraction or completion signals.
func parseStructuredReply(content string) *models.GeneratorResult {
	// Models sometimes fence JSON in markdown code blocks.
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var reply structuredReply
	if err := json.Unmarshal([]byte(trimmed), &reply); err != nil || reply.Message == "" {
		slog.Debug("GenAI.parseStructuredReply: falling back to raw content", "jsonError", err != nil)
		return &models.GeneratorResult{Message: content}
	}

	result := &models.GeneratorResult{
		Message:       reply.Message,
		TopicComplete: reply.TopicComplete,
		QuickReplies:  reply.QuickReplies,
	}
	if models.IsValidTopicID(models.TopicID(reply.SuggestedNextTopic)) {
		result.SuggestedNextTopic = models.TopicID(reply.SuggestedNextTopic)
	}
	result.ExtractedFields = fieldsFromMap(reply.ExtractedFields)
	return result
}

func fieldsFromMap(m map[string]string) models.LeadFields {
	var f models.LeadFields
	for k, v := range m {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		switch strings.ToLower(k) {
		case "name":
			f.Name = v
		case "email":
			f.Email = v
		case "phone":
			f.Phone = v
		case "location":
			f.Location = v
		case "service":
			f.Service = v
		case "timing":
			f.Timing = v
		case "message":
			f.Message = v
		case "contact_preference", "contactpreference":
			f.ContactPreference = v
		}
	}
	return f
}

// buildMessages assembles the system prompt, the recent transcript, and the
// incoming user message.
func (c *Client) buildMessages(req models.GeneratorRequest) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(buildSystemPrompt(req)),
	}
	history := req.RecentHistory
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	for _, turn := range history {
		switch turn.Role {
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.UserMessage))
	return messages
}

func buildSystemPrompt(req models.GeneratorRequest) string {
	var b strings.Builder
	b.WriteString("You are a friendly lead-capture assistant for a business website chat widget. ")
	b.WriteString("Keep replies short, conversational, and focused on learning about the visitor.\n\n")
	if req.BusinessContext != "" {
		b.WriteString("Business context:\n")
		b.WriteString(req.BusinessContext)
		b.WriteString("\n\n")
	}
	if req.CurrentTopic.ID != "" {
		fmt.Fprintf(&b, "The conversation is currently exploring the %q topic: %s\n", req.CurrentTopic.Title, req.CurrentTopic.PromptQuestion)
		if req.CurrentTopic.InfoBlurb != "" {
			fmt.Fprintf(&b, "Background for this topic: %s\n", req.CurrentTopic.InfoBlurb)
		}
		b.WriteString("\n")
	}
	b.WriteString("Respond ONLY with a JSON object of this shape:\n")
	b.WriteString(`{"message": "<your reply>", "suggested_next_topic": "<WHY|WHAT|WHERE|WHEN|WHO or empty>", "topic_complete": <true|false>, "extracted_fields": {"name": "", "email": "", "phone": "", "location": "", "service": "", "timing": "", "message": "", "contact_preference": ""}, "quick_replies": ["..."]}`)
	b.WriteString("\nOmit extracted_fields entries you did not learn this turn. ")
	b.WriteString("Set topic_complete true only when the visitor has substantively answered the current topic.")
	return b.String()
}
