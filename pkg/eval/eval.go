// Package eval computes the lightweight quality summary attached to a
// call_ended notice. Full QA analytics live in a separate system; this is
// only the score/grade pair the caller sees.
package eval

import (
	"strings"

	"github.com/voicedesk/voicedesk/pkg/gateway/signal/session"
)

// Summary is the optional evaluation payload for call_ended.
type Summary struct {
	Score int
	Grade string
}

// minEvaluableEntries guards against scoring a call that never got going.
const minEvaluableEntries = 2

var positiveMarkers = []string{
	"thank you", "thanks", "great", "helpful", "appreciate", "perfect", "wonderful",
}

var negativeMarkers = []string{
	"useless", "terrible", "angry", "frustrated", "complaint", "unacceptable", "worst",
}

var courtesyMarkers = []string{
	"happy to help", "i understand", "i apologize", "let me help", "of course",
}

// Evaluate scores one finished transcript. Returns nil when the transcript
// is too short to say anything meaningful.
func Evaluate(entries []session.Entry) *Summary {
	if len(entries) < minEvaluableEntries {
		return nil
	}

	score := 70
	var agentTurns, customerTurns int
	for _, e := range entries {
		text := strings.ToLower(e.Text)
		switch e.Speaker {
		case "agent":
			agentTurns++
			score += countMatches(text, courtesyMarkers) * 3
		case "customer":
			customerTurns++
			score += countMatches(text, positiveMarkers) * 4
			score -= countMatches(text, negativeMarkers) * 6
		}
	}

	// A call with no back-and-forth was not a conversation.
	if agentTurns == 0 || customerTurns == 0 {
		score -= 20
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return &Summary{Score: score, Grade: grade(score)}
}

func grade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 75:
		return "B"
	case score >= 60:
		return "C"
	case score >= 40:
		return "D"
	default:
		return "F"
	}
}

func countMatches(text string, markers []string) int {
	n := 0
	for _, m := range markers {
		if strings.Contains(text, m) {
			n++
		}
	}
	return n
}
