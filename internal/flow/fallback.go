package flow

import (
	"strings"

	"github.com/scarryhott/ChatbotWiz-sub000/internal/models"
)

// fallbackIntent is a keyword-matched bucket for static replies used when
// the response generator is unavailable.
type fallbackIntent int

const (
	intentGeneric fallbackIntent = iota
	intentPricing
	intentContact
	intentTiming
)

var intentKeywords = []struct {
	intent   fallbackIntent
	keywords []string
}{
	{intentPricing, []string{"price", "cost", "quote", "how much", "expensive"}},
	{intentContact, []string{"call", "email", "phone", "reach", "contact"}},
	{intentTiming, []string{"when", "soon", "schedule", "available", "today", "tomorrow"}},
}

func classifyIntent(text string) fallbackIntent {
	lower := strings.ToLower(text)
	for _, entry := range intentKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.intent
			}
		}
	}
	return intentGeneric
}

// fallbackReplies are static answers keyed by topic and intent. They keep
// the conversation alive while the generator is failing; the session state
// does not advance on a fallback turn.
var fallbackReplies = map[models.TopicID]map[fallbackIntent]string{
	models.TopicWhy: {
		intentGeneric: "That's helpful context, thank you. Could you tell me a bit more about what brought you here today?",
		intentPricing: "Pricing depends on the specifics, and the team will follow up with exact numbers. What's the main goal you're hoping to achieve?",
	},
	models.TopicWhat: {
		intentGeneric: "Got it. Which of our services are you most interested in?",
		intentPricing: "The team can put together a detailed quote once we know which service fits. What are you looking for?",
	},
	models.TopicWhere: {
		intentGeneric: "Thanks! Whereabouts are you located, so we can confirm we serve your area?",
	},
	models.TopicWhen: {
		intentGeneric: "Understood. Roughly when would you like to get started?",
		intentTiming:  "We can usually accommodate most timelines. When works best for you?",
	},
	models.TopicWho: {
		intentGeneric: "Almost done! What's the best way to reach you, email or phone?",
		intentContact: "Sure, just leave an email address or phone number and the team will get in touch.",
	},
	models.TopicGeneral: {
		intentGeneric: "Thanks for your message! A member of the team will follow up with you shortly.",
		intentPricing: "The team will be happy to walk through pricing with you when they follow up.",
		intentContact: "We'll be in touch using the contact details you shared. Thank you!",
	},
}

// fallbackReply returns a static reply for the topic matched against the
// user's message keywords.
func fallbackReply(topic models.TopicID, userMessage string) string {
	intents, ok := fallbackReplies[topic]
	if !ok {
		intents = fallbackReplies[models.TopicGeneral]
	}
	if reply, ok := intents[classifyIntent(userMessage)]; ok {
		return reply
	}
	return intents[intentGeneric]
}
