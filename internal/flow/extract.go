package flow

import (
	"regexp"
	"strings"

	"github.com/scarryhott/ChatbotWiz-sub000/internal/models"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}`)
)

// digitCount counts decimal digits in s.
func digitCount(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

// extractForTopic derives lead fields from a free-text answer for the given
// topic. Extraction is deterministic and permissive: only the phone digit
// count acts as a semantic guard.
func extractForTopic(topic models.TopicID, text string) models.LeadFields {
	var f models.LeadFields
	raw := strings.TrimSpace(text)

	switch topic {
	case models.TopicWho:
		if email := emailRe.FindString(raw); email != "" {
			f.Email = email
			f.ContactPreference = "email"
			return f
		}
		if phone := phoneRe.FindString(raw); phone != "" && digitCount(phone) >= 10 {
			f.Phone = phone
			f.ContactPreference = "phone"
			return f
		}
		f.ContactPreference = raw
	case models.TopicWhere:
		f.Location = raw
	case models.TopicWhen:
		f.Timing = raw
	case models.TopicWhat:
		f.Service = raw
	case models.TopicWhy:
		f.Message = raw
	}
	return f
}
