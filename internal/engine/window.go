package engine

import (
	"context"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omnii/recall/internal/apperr"
	"github.com/omnii/recall/internal/memory"
	"github.com/omnii/recall/internal/retry"
)

// Buckets is the working-memory view around a reference time.
//
//	previous_week  ref-2w <= ts <= ref-1w
//	current_week   ref-1w <  ts <= ref
//	next_week      ref    <  ts <= ref+1w
//
// recently_modified is independent of the week buckets.
type Buckets struct {
	PreviousWeek     []memory.ChatMessage `json:"previous_week"`
	CurrentWeek      []memory.ChatMessage `json:"current_week"`
	NextWeek         []memory.ChatMessage `json:"next_week"`
	RecentlyModified []memory.ChatMessage `json:"recently_modified"`
}

// WorkingMemory is Buckets plus the derived strength scalar.
type WorkingMemory struct {
	Buckets
	ReferenceTime  time.Time `json:"reference_time"`
	MemoryStrength float64   `json:"memory_strength"`
}

func (e *Engine) GetMessagesInTimeWindow(ctx context.Context, userID string, ref time.Time) (Buckets, error) {
	if strings.TrimSpace(userID) == "" {
		return Buckets{}, apperr.Validation("engine.time_window", "user_id is required")
	}
	span := e.cfg.WeekSpan
	from, to := ref.Add(-2*span), ref.Add(span)

	var (
		window   []memory.ChatMessage
		modified []memory.ChatMessage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		window, err = retry.Value(gctx, e.cfg.RetryBackoff, func(ctx context.Context) ([]memory.ChatMessage, error) {
			return e.graph.MessagesBetween(ctx, userID, from, to)
		})
		return err
	})
	g.Go(func() error {
		var err error
		modified, err = e.recentlyModified(gctx, userID, ref, e.cfg.RecentlyModifiedLookback)
		return err
	})
	if err := g.Wait(); err != nil {
		return Buckets{}, err
	}

	b := Buckets{
		PreviousWeek:     []memory.ChatMessage{},
		CurrentWeek:      []memory.ChatMessage{},
		NextWeek:         []memory.ChatMessage{},
		RecentlyModified: modified,
	}
	prevEdge := ref.Add(-span)
	for _, m := range window {
		switch {
		case !m.Timestamp.After(prevEdge):
			b.PreviousWeek = append(b.PreviousWeek, m)
		case !m.Timestamp.After(ref):
			b.CurrentWeek = append(b.CurrentWeek, m)
		default:
			b.NextWeek = append(b.NextWeek, m)
		}
	}
	return b, nil
}

// GetRecentlyModifiedMessages returns messages whose last_modified falls
// within the threshold before ref. A non-positive threshold uses the
// configured lookback.
func (e *Engine) GetRecentlyModifiedMessages(ctx context.Context, userID string, ref time.Time, threshold time.Duration) ([]memory.ChatMessage, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Validation("engine.recently_modified", "user_id is required")
	}
	if threshold <= 0 {
		threshold = e.cfg.RecentlyModifiedLookback
	}
	return e.recentlyModified(ctx, userID, ref, threshold)
}

func (e *Engine) recentlyModified(ctx context.Context, userID string, ref time.Time, threshold time.Duration) ([]memory.ChatMessage, error) {
	msgs, err := retry.Value(ctx, e.cfg.RetryBackoff, func(ctx context.Context) ([]memory.ChatMessage, error) {
		return e.graph.MessagesModifiedSince(ctx, userID, ref.Add(-threshold))
	})
	if err != nil {
		return nil, err
	}
	out := make([]memory.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.LastModified != nil && !m.LastModified.After(ref) {
			out = append(out, m)
		}
	}
	return out, nil
}

// CalculateMemoryStrength scores how evenly messages spread over the three
// week buckets, plus a bonus when anything was recently modified.
//
// balance is the Shannon entropy of the bucket shares normalized by log(3):
// 1 for an even split, 0 for a single non-empty bucket or no messages.
func CalculateMemoryStrength(b Buckets) float64 {
	counts := []int{len(b.PreviousWeek), len(b.CurrentWeek), len(b.NextWeek)}
	balance := Balance(counts...)
	bonus := 0.0
	if len(b.RecentlyModified) > 0 {
		bonus = 0.2
	}
	return memory.Clamp01(0.8*balance + bonus)
}

// Balance is the normalized Shannon entropy of counts.
func Balance(counts ...int) float64 {
	if len(counts) < 2 {
		return 0
	}
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 0
	}
	h := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		h -= p * math.Log(p)
	}
	return memory.Clamp01(h / math.Log(float64(len(counts))))
}

// GetWorkingMemory returns the week buckets and the memory strength at ref.
func (e *Engine) GetWorkingMemory(ctx context.Context, userID string, ref time.Time) (WorkingMemory, error) {
	b, err := e.GetMessagesInTimeWindow(ctx, userID, ref)
	if err != nil {
		return WorkingMemory{}, err
	}
	return WorkingMemory{
		Buckets:        b,
		ReferenceTime:  ref,
		MemoryStrength: CalculateMemoryStrength(b),
	}, nil
}
