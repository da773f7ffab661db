package flow

import (
	"testing"

	"github.com/scarryhott/ChatbotWiz-sub000/internal/models"
)

func TestExtractPhoneFromContactReply(t *testing.T) {
	f := extractForTopic(models.TopicWho, "Call me at 555-123-4567")
	if f.Phone != "555-123-4567" {
		t.Errorf("expected phone extracted, got %q", f.Phone)
	}
	if f.ContactPreference != "phone" {
		t.Errorf("expected contact preference phone, got %q", f.ContactPreference)
	}
	if f.Email != "" {
		t.Errorf("expected no email, got %q", f.Email)
	}
}

func TestExtractFreeTextContactPreference(t *testing.T) {
	f := extractForTopic(models.TopicWho, "just email me")
	if f.Phone != "" {
		t.Errorf("expected no phone, got %q", f.Phone)
	}
	if f.ContactPreference != "just email me" {
		t.Errorf("expected raw reply as preference, got %q", f.ContactPreference)
	}
}

func TestExtractEmailWinsOverPhone(t *testing.T) {
	f := extractForTopic(models.TopicWho, "pat@example.com or 555-123-4567")
	if f.Email != "pat@example.com" {
		t.Errorf("expected email extracted first, got %q", f.Email)
	}
	if f.Phone != "" {
		t.Errorf("email match must short-circuit phone extraction, got %q", f.Phone)
	}
	if f.ContactPreference != "email" {
		t.Errorf("expected contact preference email, got %q", f.ContactPreference)
	}
}

func TestExtractShortNumberNotAPhone(t *testing.T) {
	f := extractForTopic(models.TopicWho, "my lucky numbers are 123 456 789")
	if f.Phone != "" {
		t.Errorf("expected digit guard to reject short number, got %q", f.Phone)
	}
	if f.ContactPreference != "my lucky numbers are 123 456 789" {
		t.Errorf("expected raw reply stored, got %q", f.ContactPreference)
	}
}

func TestExtractParenthesizedPhone(t *testing.T) {
	f := extractForTopic(models.TopicWho, "(512) 555-0199 works best")
	if f.Phone == "" {
		t.Error("expected parenthesized phone to match")
	}
}

func TestExtractRawFieldsPerTopic(t *testing.T) {
	if f := extractForTopic(models.TopicWhy, " lower my bills "); f.Message != "lower my bills" {
		t.Errorf("WHY should trim and store message, got %q", f.Message)
	}
	if f := extractForTopic(models.TopicWhat, "solar install"); f.Service != "solar install" {
		t.Errorf("WHAT should store service, got %q", f.Service)
	}
	if f := extractForTopic(models.TopicWhere, "Austin"); f.Location != "Austin" {
		t.Errorf("WHERE should store location, got %q", f.Location)
	}
	if f := extractForTopic(models.TopicWhen, "next month"); f.Timing != "next month" {
		t.Errorf("WHEN should store timing, got %q", f.Timing)
	}
}

func TestIsRefusalExactMatch(t *testing.T) {
	for _, yes := range []string{"no", "  No ", "NOPE", "not really"} {
		if !isRefusal(yes) {
			t.Errorf("expected %q to count as refusal", yes)
		}
	}
	for _, not := range []string{"no thanks", "nope, go ahead", "not really sure what to ask"} {
		if isRefusal(not) {
			t.Errorf("expected %q to not count as refusal", not)
		}
	}
}

func TestFallbackReplyKeywordMatching(t *testing.T) {
	pricing := fallbackReply(models.TopicWhy, "how much does it cost?")
	if pricing == fallbackReplies[models.TopicWhy][intentGeneric] {
		t.Error("expected pricing-specific fallback for cost question")
	}
	generic := fallbackReply(models.TopicWhere, "anything")
	if generic == "" {
		t.Error("expected a generic fallback for WHERE")
	}
	unknown := fallbackReply(models.TopicID("BOGUS"), "hello")
	if unknown == "" {
		t.Error("expected general fallback for unknown topic")
	}
}
