// Package temporal scores timestamped items by recency and urgency relative
// to an explicit reference time.
//
// Classification:
//   - past items (ts < ref) are always ARCHIVE, with a flat urgency dampener
//   - future items are ACTIVE, PLANNING or AWARENESS by distance; anything past
//     the awareness horizon collapses into AWARENESS
//
// Collapsed items are flagged with BeyondHorizon and keep their signed
// DistanceDays, so callers can tell "31 days out" from "two years out".
//
// The scorer holds no mutable state and is safe for concurrent use.
package temporal

import (
	"math"
	"sort"
	"time"
)

type Window string

const (
	WindowActive    Window = "ACTIVE"
	WindowPlanning  Window = "PLANNING"
	WindowAwareness Window = "AWARENESS"
	WindowArchive   Window = "ARCHIVE"
)

type Priority string

const (
	PriorityImmediate Priority = "IMMEDIATE"
	PriorityUrgent    Priority = "URGENT"
	PriorityNormal    Priority = "NORMAL"
	PriorityLow       Priority = "LOW"
	PriorityMinimal   Priority = "MINIMAL"
)

// Relevance is the scorer's verdict for one timestamp.
type Relevance struct {
	Score             float64  `json:"score"`
	Priority          Priority `json:"priority"`
	Window            Window   `json:"window"`
	UrgencyMultiplier float64  `json:"urgency_multiplier"`
	RecencyScore      float64  `json:"recency_score"`
	DistanceDays      float64  `json:"distance_days"`
	BeyondHorizon     bool     `json:"beyond_horizon"`
}

type Scorer struct {
	cfg Config
}

// NewScorer returns a scorer for cfg. Validate cfg first; NewScorer trusts it.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Config returns the scorer's configuration.
func (s *Scorer) Config() Config {
	return s.cfg
}

// Classify returns only the window for ts.
func (s *Scorer) Classify(ts, ref time.Time) Window {
	if ts.Before(ref) {
		return WindowArchive
	}
	ahead := ts.Sub(ref)
	switch {
	case ahead <= s.cfg.Horizons.Active:
		return WindowActive
	case ahead <= s.cfg.Horizons.Planning:
		return WindowPlanning
	default:
		return WindowAwareness
	}
}

// Score computes the full relevance of ts as seen from ref.
// ts == ref is treated as the nearest possible future: ACTIVE and IMMEDIATE.
func (s *Scorer) Score(ts, ref time.Time) Relevance {
	delta := ts.Sub(ref)
	r := Relevance{
		Window:       s.Classify(ts, ref),
		DistanceDays: delta.Hours() / 24,
	}

	if delta < 0 {
		hoursAgo := -delta.Hours()
		r.RecencyScore = math.Exp(-hoursAgo / s.cfg.PastDecayHours)
		r.UrgencyMultiplier = s.cfg.Priorities.Past
		r.Priority = PriorityMinimal
		r.BeyondHorizon = -delta > s.cfg.Horizons.ArchiveLookback
	} else {
		hoursAhead := delta.Hours()
		r.RecencyScore = math.Max(s.cfg.FutureFloor, 1-hoursAhead/s.cfg.FutureDecayHours)
		r.Priority = s.cfg.Priorities.Level(delta)
		r.UrgencyMultiplier = s.cfg.Priorities.Multiplier(r.Priority)
		r.BeyondHorizon = delta > s.cfg.Horizons.Awareness
	}

	r.Score = clamp01(r.RecencyScore * r.UrgencyMultiplier)
	return r
}

// Ranked pairs an item with its relevance.
type Ranked[T any] struct {
	Item      T         `json:"item"`
	Relevance Relevance `json:"relevance"`
}

// Rank scores every item and returns them by score descending. Ties keep
// their input order.
func Rank[T any](s *Scorer, items []T, at func(T) time.Time, ref time.Time) []Ranked[T] {
	out := make([]Ranked[T], len(items))
	for i, it := range items {
		out[i] = Ranked[T]{Item: it, Relevance: s.Score(at(it), ref)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Relevance.Score > out[j].Relevance.Score
	})
	return out
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
