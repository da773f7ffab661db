// Package notify sends lead alerts to the business owner over Twilio SMS.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/scarryhott/ChatbotWiz-sub000/internal/models"
)

// messageCreator is the slice of the Twilio REST API the notifier uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts holds configuration options for the SMS notifier.
type Opts struct {
	AccountSID string
	AuthToken  string
	// From is the Twilio phone number sending the alert.
	From string
	// To is the business owner's phone number receiving lead alerts.
	To string
}

// Option defines a configuration option for the SMS notifier.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.From = from }
}

// WithToNumber sets the business owner's phone number.
func WithToNumber(to string) Option {
	return func(o *Opts) { o.To = to }
}

// Client sends completed-lead summaries as SMS messages.
type Client struct {
	api  messageCreator
	from string
	to   string
}

// NewClient creates an SMS notifier. Credentials fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER, and
// LEAD_NOTIFY_NUMBER environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.To == "" {
		cfg.To = os.Getenv("LEAD_NOTIFY_NUMBER")
	}
	slog.Debug("Notify.NewClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "",
		"To_set", cfg.To != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" || cfg.To == "" {
		return nil, fmt.Errorf("from and to numbers must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &Client{api: client.Api, from: cfg.From, to: cfg.To}, nil
}

// NotifyLeadCompleted sends a one-message summary of a completed lead.
func (c *Client) NotifyLeadCompleted(ctx context.Context, lead *models.LeadRecord) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(c.to)
	params.SetFrom(c.from)
	params.SetBody(formatLeadSummary(lead))

	if _, err := c.api.CreateMessage(params); err != nil {
		slog.Error("Notify.NotifyLeadCompleted: send failed", "leadID", lead.ID, "error", err)
		return fmt.Errorf("failed to send lead notification for %s: %w", lead.ID, err)
	}
	slog.Info("Notify.NotifyLeadCompleted: lead alert sent", "leadID", lead.ID, "chatbotID", lead.ChatbotID)
	return nil
}

// formatLeadSummary builds the SMS body from the lead's populated fields.
func formatLeadSummary(lead *models.LeadRecord) string {
	var b strings.Builder
	b.WriteString("New completed lead")
	if lead.ChatbotID != "" {
		fmt.Fprintf(&b, " (chatbot %s)", lead.ChatbotID)
	}
	b.WriteString(":\n")

	line := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, value)
		}
	}
	line("Name", lead.Fields.Name)
	line("Email", lead.Fields.Email)
	line("Phone", lead.Fields.Phone)
	line("Contact", lead.Fields.ContactPreference)
	line("Service", lead.Fields.Service)
	line("Location", lead.Fields.Location)
	line("Timing", lead.Fields.Timing)
	line("Goal", lead.Fields.Message)
	return strings.TrimRight(b.String(), "\n")
}
