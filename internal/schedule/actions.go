package schedule

import (
	"sort"
	"strings"

	"github.com/omnii/recall/internal/temporal"
)

// Action is a pending assistant action awaiting execution.
type Action struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`      // domain, e.g. "calendar", "task", "email"
	Operation string         `json:"operation"` // e.g. "create", "update", "find_free_time", "sync"
	Urgency   string         `json:"urgency,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Score     float64        `json:"score"`
}

const UrgencyImmediate = "immediate"

type Prioritizer struct {
	boosts ActionBoosts
	table  temporal.PriorityTable
}

// NewPrioritizer shares the urgency multipliers of table with the scorer.
func NewPrioritizer(boosts ActionBoosts, table temporal.PriorityTable) *Prioritizer {
	return &Prioritizer{boosts: boosts, table: table}
}

// Prioritize returns a copy of actions with Score set, ordered by score
// descending. Equal scores keep their input order. The input is not modified.
func (p *Prioritizer) Prioritize(actions []Action) []Action {
	out := make([]Action, len(actions))
	copy(out, actions)
	for i := range out {
		out[i].Score = p.score(out[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

func (p *Prioritizer) score(a Action) float64 {
	score := 1.0
	if strings.EqualFold(a.Type, "calendar") {
		switch normalizeOp(a.Operation) {
		case "create", "update":
			score *= p.boosts.CalendarWrite
		case "find_free_time", "sync":
			score *= p.boosts.CalendarTimeCritical
		}
	}
	if strings.EqualFold(a.Urgency, UrgencyImmediate) {
		score *= p.table.Multiplier(temporal.PriorityImmediate)
	}
	return score
}

// normalizeOp folds spellings like "findFreeTime", "find-free-time" and
// "create_event" onto one canonical operation name.
func normalizeOp(op string) string {
	var b strings.Builder
	for i, r := range op {
		switch {
		case r == '-' || r == ' ':
			b.WriteByte('_')
		case r >= 'A' && r <= 'Z':
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune(r)
		}
	}
	s := b.String()
	for _, known := range []string{"find_free_time", "create", "update", "sync"} {
		if s == known || strings.HasPrefix(s, known+"_") {
			return known
		}
	}
	return s
}
