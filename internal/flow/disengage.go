package flow

import (
	"strings"

	"github.com/scarryhott/ChatbotWiz-sub000/internal/models"
)

const (
	// disengageWindow is how many recent turns of the current topic are
	// inspected for refusals.
	disengageWindow = 6
	// disengageRefusals is the refusal count that triggers the guard.
	disengageRefusals = 2
	// disengageSuggestions caps how many alternative topics are offered.
	disengageSuggestions = 2
)

// refusalPhrases match exactly after trimming and lowercasing.
var refusalPhrases = map[string]bool{
	"no":         true,
	"nope":       true,
	"not really": true,
}

func isRefusal(text string) bool {
	return refusalPhrases[strings.ToLower(strings.TrimSpace(text))]
}

// isDisengaged reports whether the session shows disengagement on the
// current topic: at least two exact refusals within the topic's recent
// turns, or the follow-up budget exceeded. Runs before any generator call
// so a disengaged user never costs a generation.
func isDisengaged(s *sessionState, maxFollowUps int) bool {
	if s.followUpCount > maxFollowUps {
		return true
	}
	refusals := 0
	for _, turn := range s.recentTopicTurns(disengageWindow) {
		if turn.Role == models.RoleUser && isRefusal(turn.Content) {
			refusals++
		}
	}
	return refusals >= disengageRefusals
}
