package engine

// Concept activation:
//   - stored activation decays exponentially with the time since
//     last_mentioned, halving every ActivationHalfLife
//   - a new mention boosts the decayed value toward 1 by its extraction
//     strength: a' = a + (1-a)*s
//   - semantic_weight saturates with mention count: 1 - exp(-count/5)
//   - decay is computed in Go because modernc.org/sqlite lacks pow()
//
// Nothing is persisted on decay alone. Reads that need the current value
// (working memory, analysis) call Effective with their reference time.

import (
	"math"
	"time"

	"github.com/omnii/recall/internal/memory"
)

// Decay returns activation after elapsed time without a mention.
func Decay(activation float64, elapsed, halfLife time.Duration) float64 {
	if elapsed <= 0 || halfLife <= 0 {
		return memory.Clamp01(activation)
	}
	return memory.Clamp01(activation * math.Pow(0.5, elapsed.Hours()/halfLife.Hours()))
}

// Effective is a concept's activation decayed to at.
func Effective(c memory.Concept, at time.Time, halfLife time.Duration) float64 {
	return Decay(c.ActivationStrength, at.Sub(c.LastMentioned), halfLife)
}

func semanticWeight(mentions int) float64 {
	return memory.Clamp01(1 - math.Exp(-float64(mentions)/5))
}

// activator returns the Ingestion.Activate callback for a mention at ts.
func activator(ts time.Time, halfLife time.Duration) func(*memory.Concept, memory.Mention) memory.Concept {
	return func(prev *memory.Concept, m memory.Mention) memory.Concept {
		c := memory.Concept{Name: m.Name, MentionCount: 1, LastMentioned: ts}
		base := 0.0
		if prev != nil {
			base = Effective(*prev, ts, halfLife)
			c.MentionCount = prev.MentionCount + 1
			// Out-of-order ingestion must not move last_mentioned backwards.
			if prev.LastMentioned.After(ts) {
				c.LastMentioned = prev.LastMentioned
			}
		}
		c.ActivationStrength = memory.Clamp01(base + (1-base)*memory.Clamp01(m.Strength))
		c.SemanticWeight = semanticWeight(c.MentionCount)
		return c
	}
}

// associator returns the Ingestion.Associate callback.
func associator(rate float64) func(float64, memory.Mention, memory.Mention) float64 {
	return func(prev float64, a, b memory.Mention) float64 {
		s := math.Min(a.Strength, b.Strength)
		return memory.Clamp01(prev + rate*(1-prev)*memory.Clamp01(s))
	}
}
