package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omnii/recall/internal/apperr"
	"github.com/omnii/recall/internal/memory"
	"github.com/omnii/recall/internal/retry"
	"github.com/omnii/recall/internal/temporal"
)

// ActiveConcept is a concept with its activation decayed to the reference time.
type ActiveConcept struct {
	Concept             memory.Concept `json:"concept"`
	EffectiveActivation float64        `json:"effective_activation"`
}

// MemoryContext holds all three memory tiers for one user.
type MemoryContext struct {
	Working  WorkingMemory   `json:"working_memory"`
	Episodic []memory.Memory `json:"episodic_memory"`
	Semantic []ActiveConcept `json:"semantic_memory"`
}

const recentMemories = 10

// GetMemoryContext fetches working, episodic and semantic memory in parallel.
func (e *Engine) GetMemoryContext(ctx context.Context, userID string, ref time.Time) (MemoryContext, error) {
	if strings.TrimSpace(userID) == "" {
		return MemoryContext{}, apperr.Validation("engine.memory_context", "user_id is required")
	}

	var mc MemoryContext
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		mc.Working, err = e.GetWorkingMemory(gctx, userID, ref)
		return err
	})
	g.Go(func() error {
		var err error
		mc.Episodic, err = retry.Value(gctx, e.cfg.RetryBackoff, func(ctx context.Context) ([]memory.Memory, error) {
			return e.graph.MemoriesForUser(ctx, userID, recentMemories)
		})
		return err
	})
	g.Go(func() error {
		var err error
		mc.Semantic, err = e.activeConcepts(gctx, userID, ref)
		return err
	})
	if err := g.Wait(); err != nil {
		return MemoryContext{}, err
	}
	if mc.Episodic == nil {
		mc.Episodic = []memory.Memory{}
	}
	return mc, nil
}

// activeConcepts re-ranks stored concepts by activation decayed to ref.
// Stored order is only a prefilter, so a wider candidate set is loaded.
func (e *Engine) activeConcepts(ctx context.Context, userID string, ref time.Time) ([]ActiveConcept, error) {
	limit := e.cfg.ActiveConceptLimit
	concepts, err := retry.Value(ctx, e.cfg.RetryBackoff, func(ctx context.Context) ([]memory.Concept, error) {
		return e.graph.ConceptsForUser(ctx, userID, limit*5)
	})
	if err != nil {
		return nil, err
	}
	out := make([]ActiveConcept, 0, len(concepts))
	for _, c := range concepts {
		out = append(out, ActiveConcept{Concept: c, EffectiveActivation: Effective(c, ref, e.cfg.ActivationHalfLife)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EffectiveActivation > out[j].EffectiveActivation
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Pattern is a detected temporal trend.
type Pattern struct {
	Type        string         `json:"pattern_type"`
	Confidence  float64        `json:"confidence"`
	Description string         `json:"description"`
	Counts      map[string]int `json:"temporal_distribution"`
}

// Recommendation is an actionable hint derived from the memory state.
type Recommendation struct {
	Type        string   `json:"recommendation_type"`
	Confidence  float64  `json:"confidence"`
	Description string   `json:"description"`
	ConceptIDs  []string `json:"concepts_involved"`
}

type Analysis struct {
	ActiveConcepts  []ActiveConcept  `json:"active_concepts"`
	Patterns        []Pattern        `json:"temporal_patterns"`
	Recommendations []Recommendation `json:"consolidation_recommendations"`
	MemoryStrength  float64          `json:"memory_strength"`
}

// consolidationThreshold is the active-concept count above which
// consolidation is recommended.
const consolidationThreshold = 5

// AnalyzeMemory derives activity trends and consolidation hints.
func (e *Engine) AnalyzeMemory(ctx context.Context, userID string, ref time.Time) (Analysis, error) {
	mc, err := e.GetMemoryContext(ctx, userID, ref)
	if err != nil {
		return Analysis{}, err
	}

	a := Analysis{
		ActiveConcepts:  []ActiveConcept{},
		Patterns:        []Pattern{},
		Recommendations: []Recommendation{},
		MemoryStrength:  mc.Working.MemoryStrength,
	}
	for _, c := range mc.Semantic {
		if c.EffectiveActivation >= e.cfg.ActiveThreshold {
			a.ActiveConcepts = append(a.ActiveConcepts, c)
		}
	}

	prev, cur := len(mc.Working.PreviousWeek), len(mc.Working.CurrentWeek)
	counts := map[string]int{
		"previous_week": prev,
		"current_week":  cur,
		"next_week":     len(mc.Working.NextWeek),
	}
	switch {
	case cur > prev:
		a.Patterns = append(a.Patterns, Pattern{
			Type: "increasing_activity", Confidence: 0.8,
			Description: "More messages this week than last week", Counts: counts,
		})
	case cur < prev:
		a.Patterns = append(a.Patterns, Pattern{
			Type: "decreasing_activity", Confidence: 0.8,
			Description: "Fewer messages this week than last week", Counts: counts,
		})
	}

	if len(a.ActiveConcepts) > consolidationThreshold {
		ids := make([]string, 0, consolidationThreshold)
		for _, c := range a.ActiveConcepts[:consolidationThreshold] {
			ids = append(ids, c.Concept.ID)
		}
		a.Recommendations = append(a.Recommendations, Recommendation{
			Type: "memory_consolidation", Confidence: 0.85,
			Description: "High concept activity suggests a consolidation opportunity",
			ConceptIDs:  ids,
		})
	}
	return a, nil
}

// ContextItem is one ranked entry of a relevant-context listing.
type ContextItem struct {
	Kind   string    `json:"kind"` // "message" or "concept"
	ID     string    `json:"id"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
	Score  float64   `json:"score"`
	Window string    `json:"window,omitempty"`
}

type RelevantContext struct {
	UserID        string        `json:"user_id"`
	ReferenceTime time.Time     `json:"reference_time"`
	Items         []ContextItem `json:"items"`
}

// RelevantContext ranks working-memory messages by temporal relevance and
// active concepts by decayed activation weighted by mention frequency.
func (e *Engine) RelevantContext(ctx context.Context, userID string, ref time.Time, limit int) (RelevantContext, error) {
	if limit <= 0 {
		limit = 15
	}
	mc, err := e.GetMemoryContext(ctx, userID, ref)
	if err != nil {
		return RelevantContext{}, err
	}

	seen := map[string]bool{}
	var msgs []memory.ChatMessage
	for _, group := range [][]memory.ChatMessage{mc.Working.RecentlyModified, mc.Working.NextWeek, mc.Working.CurrentWeek} {
		for _, m := range group {
			if !seen[m.ID] {
				seen[m.ID] = true
				msgs = append(msgs, m)
			}
		}
	}

	items := make([]ContextItem, 0, len(msgs)+len(mc.Semantic))
	for _, r := range temporal.Rank(e.scorer, msgs, func(m memory.ChatMessage) time.Time { return m.Timestamp }, ref) {
		items = append(items, ContextItem{
			Kind:   "message",
			ID:     r.Item.ID,
			Text:   truncateClean(strings.Join(strings.Fields(r.Item.Content), " "), 280),
			At:     r.Item.Timestamp,
			Score:  r.Relevance.Score,
			Window: string(r.Relevance.Window),
		})
	}
	for _, c := range mc.Semantic {
		items = append(items, ContextItem{
			Kind:  "concept",
			ID:    c.Concept.ID,
			Text:  c.Concept.Name,
			At:    c.Concept.LastMentioned,
			Score: conceptScore(c),
		})
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > limit {
		items = items[:limit]
	}
	return RelevantContext{UserID: userID, ReferenceTime: ref, Items: items}, nil
}

// conceptScore weights decayed activation by mention frequency with
// diminishing returns: 1 mention -> x1, 4 -> x1.5, 16 -> x2.
func conceptScore(c ActiveConcept) float64 {
	boost := 1.0
	if c.Concept.MentionCount > 1 {
		boost += 0.25 * math.Log2(float64(c.Concept.MentionCount))
	}
	return memory.Clamp01(c.EffectiveActivation * boost)
}

// Markdown renders the context block for prompt injection.
func (rc RelevantContext) Markdown() string {
	var b strings.Builder
	b.WriteString("<context>\n## Recall: Relevant Context\n")

	var concepts, messages []ContextItem
	for _, it := range rc.Items {
		if it.Kind == "concept" {
			concepts = append(concepts, it)
		} else {
			messages = append(messages, it)
		}
	}

	if len(concepts) > 0 {
		b.WriteString("\n### Active Concepts\n")
		for _, c := range concepts {
			fmt.Fprintf(&b, "- %s (%.2f)\n", c.Text, c.Score)
		}
	}
	if len(messages) > 0 {
		b.WriteString("\n### Messages\n")
		for _, m := range messages {
			fmt.Fprintf(&b, "- [%s] %s\n", m.At.Format("2006-01-02 15:04"), m.Text)
		}
	}

	b.WriteString("</context>")
	return b.String()
}
