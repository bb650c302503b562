package engine

import (
	"math"
	"strings"
	"unicode"

	"github.com/omnii/recall/internal/apperr"
	"github.com/omnii/recall/internal/memory"
)

// Content size limits.
const (
	maxContentChars = 16000
	maxConceptChars = 120
	maxSummaryChars = 600
	maxMentions     = 32
)

// validateMessage checks an incoming message before anything is written.
// Returns a sanitized copy with concept ids resolved and duplicate mentions
// merged (strongest wins).
func validateMessage(in IncomingMessage) (IncomingMessage, error) {
	const op = "engine.ingest"

	in.UserID = strings.TrimSpace(in.UserID)
	if in.UserID == "" {
		return in, apperr.Validation(op, "user_id is required")
	}
	if strings.TrimSpace(in.Content) == "" {
		return in, apperr.Validation(op, "content is required")
	}
	if len(in.Content) > maxContentChars {
		return in, apperr.Validation(op, "content exceeds %d characters", maxContentChars)
	}
	if !in.Channel.Valid() {
		return in, apperr.Validation(op, "invalid channel %q", in.Channel)
	}
	if len(in.Mentions) > maxMentions {
		return in, apperr.Validation(op, "at most %d mentions per message", maxMentions)
	}

	merged := make([]memory.Mention, 0, len(in.Mentions))
	index := map[string]int{}
	for _, m := range in.Mentions {
		name := sanitizeConceptName(m.Name)
		if name == "" {
			return in, apperr.Validation(op, "mention with empty concept name")
		}
		if math.IsNaN(m.Strength) || m.Strength < 0 || m.Strength > 1 {
			return in, apperr.Validation(op, "mention %q strength %v outside [0,1]", name, m.Strength)
		}
		id := memory.ConceptID(in.UserID, name)
		if i, ok := index[id]; ok {
			if m.Strength > merged[i].Strength {
				merged[i].Strength = m.Strength
			}
			continue
		}
		index[id] = len(merged)
		merged = append(merged, memory.Mention{ConceptID: id, Name: name, Strength: m.Strength})
	}
	in.Mentions = merged
	return in, nil
}

// sanitizeConceptName collapses whitespace and drops control characters.
// Case is preserved for display; identity uses memory.NormalizeName.
func sanitizeConceptName(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, name)
	name = strings.Join(strings.Fields(name), " ")
	if len(name) > maxConceptChars {
		name = truncateClean(name, maxConceptChars)
	}
	return name
}

// truncateClean truncates a string to maxLen, cutting at the last word boundary
// to avoid mid-word breaks.
func truncateClean(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	truncated := strings.ToValidUTF8(s[:maxLen], "")
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > maxLen/2 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated)
}
