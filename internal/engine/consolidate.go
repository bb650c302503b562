package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/omnii/recall/internal/apperr"
	"github.com/omnii/recall/internal/memory"
	"github.com/omnii/recall/internal/retry"
)

// EpisodeRequest asks for a message cluster to be folded into one Memory.
// The clustering itself happens upstream. An empty Summary is generated from
// the cluster's most mentioned concepts.
type EpisodeRequest struct {
	UserID     string   `json:"user_id"`
	MessageIDs []string `json:"message_ids"`
	Summary    string   `json:"summary,omitempty"`
}

type Consolidated struct {
	Memory  memory.Memory `json:"memory"`
	Created bool          `json:"created"`
}

const maxEpisodeMessages = 500

// ConsolidateEpisode creates the Memory node for a cluster. Running it again
// on the same cluster returns the existing node with Created=false.
func (e *Engine) ConsolidateEpisode(ctx context.Context, req EpisodeRequest) (Consolidated, error) {
	const op = "engine.consolidate"

	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return Consolidated{}, apperr.Validation(op, "user_id is required")
	}
	ids := make([]string, 0, len(req.MessageIDs))
	seen := map[string]bool{}
	for _, id := range req.MessageIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return Consolidated{}, apperr.Validation(op, "empty message id")
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return Consolidated{}, apperr.Validation(op, "at least one message id is required")
	}
	if len(ids) > maxEpisodeMessages {
		return Consolidated{}, apperr.Validation(op, "at most %d messages per episode", maxEpisodeMessages)
	}

	at := e.now().UTC().Truncate(time.Millisecond)

	msgs, err := retry.Value(ctx, e.cfg.RetryBackoff, func(ctx context.Context) ([]memory.ChatMessage, error) {
		return e.graph.GetMessages(ctx, ids)
	})
	if err != nil {
		return Consolidated{}, e.consolidationFailure(op, ids, err)
	}
	for _, m := range msgs {
		if m.UserID != req.UserID {
			return Consolidated{}, apperr.Validation(op, "message %s does not belong to user", m.ID)
		}
	}
	mentions, err := retry.Value(ctx, e.cfg.RetryBackoff, func(ctx context.Context) (map[string][]memory.Mention, error) {
		return e.graph.MentionsFor(ctx, ids)
	})
	if err != nil {
		return Consolidated{}, e.consolidationFailure(op, ids, err)
	}

	summary := strings.TrimSpace(req.Summary)
	if summary == "" {
		summary = summarize(msgs, mentions)
	}
	summary = truncateClean(summary, maxSummaryChars)

	ep := memory.Episode{
		UserID:     req.UserID,
		MessageIDs: ids,
		Summary:    summary,
		Strength:   e.episodeStrength(msgs, mentions, at),
		At:         at,
	}

	type out struct {
		mem     memory.Memory
		created bool
	}
	res, err := retry.Value(ctx, e.cfg.RetryBackoff, func(ctx context.Context) (out, error) {
		mem, created, err := e.graph.Consolidate(ctx, ep)
		return out{mem, created}, err
	})
	if err != nil {
		return Consolidated{}, e.consolidationFailure(op, ids, err)
	}

	if res.created {
		e.log.Info("episode consolidated", "memory_id", res.mem.ID, "user_id", req.UserID,
			"messages", len(ids), "strength", res.mem.ConsolidationStrength)
	}
	return Consolidated{Memory: res.mem, Created: res.created}, nil
}

func (e *Engine) consolidationFailure(op string, ids []string, err error) error {
	if !apperr.IsUnavailable(err) {
		return err
	}
	e.log.Error("consolidation rolled back", "message_ids", strings.Join(ids, ","), "error", err)
	return apperr.Consolidation(op, ids, err)
}

// episodeStrength weighs semantic overlap (mean pairwise Jaccard of the
// messages' concept sets) against recency (mean recency score at the
// consolidation time).
func (e *Engine) episodeStrength(msgs []memory.ChatMessage, mentions map[string][]memory.Mention, at time.Time) float64 {
	if len(msgs) == 0 {
		return 0
	}

	sets := make([]map[string]bool, len(msgs))
	for i, m := range msgs {
		sets[i] = map[string]bool{}
		for _, mn := range mentions[m.ID] {
			sets[i][mn.ConceptID] = true
		}
	}
	overlap := 0.5
	if len(msgs) > 1 {
		sum, pairs := 0.0, 0
		for i := 0; i < len(sets); i++ {
			for j := i + 1; j < len(sets); j++ {
				sum += jaccard(sets[i], sets[j])
				pairs++
			}
		}
		overlap = sum / float64(pairs)
	}

	recency := 0.0
	for _, m := range msgs {
		recency += e.scorer.Score(m.Timestamp, at).RecencyScore
	}
	recency /= float64(len(msgs))

	return memory.Clamp01(0.6*overlap + 0.4*recency)
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// summarize lists the cluster's most mentioned concepts, falling back to the
// earliest message's content.
func summarize(msgs []memory.ChatMessage, mentions map[string][]memory.Mention) string {
	type tally struct {
		name  string
		count int
		total float64
	}
	byID := map[string]*tally{}
	for _, m := range msgs {
		for _, mn := range mentions[m.ID] {
			t, ok := byID[mn.ConceptID]
			if !ok {
				t = &tally{name: mn.Name}
				byID[mn.ConceptID] = t
			}
			t.count++
			t.total += mn.Strength
		}
	}
	if len(byID) == 0 {
		earliest := msgs[0]
		for _, m := range msgs[1:] {
			if m.Timestamp.Before(earliest.Timestamp) {
				earliest = m
			}
		}
		return strings.Join(strings.Fields(earliest.Content), " ")
	}

	ranked := make([]*tally, 0, len(byID))
	for _, t := range byID {
		ranked = append(ranked, t)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		if ranked[i].total != ranked[j].total {
			return ranked[i].total > ranked[j].total
		}
		return ranked[i].name < ranked[j].name
	})
	if len(ranked) > 5 {
		ranked = ranked[:5]
	}
	names := make([]string, len(ranked))
	for i, t := range ranked {
		names[i] = t.name
	}
	return "Discussed: " + strings.Join(names, ", ")
}
