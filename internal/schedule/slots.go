// Package schedule finds free time between busy calendar events and orders
// pending assistant actions by urgency. Everything here is pure computation
// over caller-supplied data.
package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/omnii/recall/internal/apperr"
	"github.com/omnii/recall/internal/temporal"
)

type Event struct {
	ID    string    `json:"id"`
	Title string    `json:"title,omitempty"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type Slot struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationMinutes int       `json:"duration_minutes"`
	Confidence      float64   `json:"confidence"`
	Reason          string    `json:"reason"`
}

type Conflict struct {
	Event1       Event     `json:"event1"`
	Event2       Event     `json:"event2"`
	OverlapStart time.Time `json:"overlap_start"`
	OverlapEnd   time.Time `json:"overlap_end"`
}

// Analysis is the full result of FindFreeSlots.
type Analysis struct {
	Slots            []Slot     `json:"slots"`
	TotalFreeMinutes int        `json:"total_free_minutes"`
	LongestSlot      Slot       `json:"longest_slot"`
	OptimalSlots     []Slot     `json:"optimal_slots"`
	Conflicts        []Conflict `json:"conflicts"`
	Suggestions      []string   `json:"suggestions"`
}

// Slot reasons.
const (
	ReasonAfterHours = "after-hours"
	ReasonLunch      = "lunch"
	ReasonOptimal    = "optimal-hours"
	ReasonLong       = "long-slot"
	ReasonStandard   = "standard"
	ReasonNone       = "none"
)

type Analyzer struct {
	scorer *temporal.Scorer
	cfg    SlotConfig
}

func NewAnalyzer(scorer *temporal.Scorer, cfg SlotConfig) *Analyzer {
	return &Analyzer{scorer: scorer, cfg: cfg}
}

// FindFreeSlots returns the gaps between busy events that are at least
// minDurationMinutes long. Only events that are in progress at ref or start
// inside the ACTIVE or PLANNING windows are considered. An empty tz means UTC.
func (a *Analyzer) FindFreeSlots(events []Event, minDurationMinutes int, tz string, ref time.Time) (Analysis, error) {
	const op = "schedule.find_free_slots"
	if minDurationMinutes <= 0 {
		return Analysis{}, apperr.Validation(op, "min duration must be positive, got %d", minDurationMinutes)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Analysis{}, apperr.Validation(op, "unknown timezone %q", tz)
	}
	for _, ev := range events {
		if ev.End.Before(ev.Start) {
			return Analysis{}, apperr.Validation(op, "event %q ends before it starts", ev.ID)
		}
	}

	busy := a.inScope(events, ref)
	minDur := time.Duration(minDurationMinutes) * time.Minute

	var slots []Slot
	if len(busy) == 0 {
		if s, ok := a.slot(ref, ref.Add(a.scorer.Config().Horizons.Planning), minDur, loc); ok {
			slots = append(slots, s)
		}
	} else {
		cursor := ref
		for _, ev := range busy {
			if ev.Start.After(cursor) {
				if s, ok := a.slot(cursor, ev.Start, minDur, loc); ok {
					slots = append(slots, s)
				}
			}
			if ev.End.After(cursor) {
				cursor = ev.End
			}
		}
	}

	out := Analysis{
		Slots:        nonNil(slots),
		LongestSlot:  Slot{Start: ref.In(loc), End: ref.In(loc), Reason: ReasonNone},
		OptimalSlots: []Slot{},
		Conflicts:    findConflicts(busy),
	}
	for _, s := range out.Slots {
		out.TotalFreeMinutes += s.DurationMinutes
		if s.DurationMinutes > out.LongestSlot.DurationMinutes {
			out.LongestSlot = s
		}
		if a.inOptimalBand(s.Start.Hour()) {
			out.OptimalSlots = append(out.OptimalSlots, s)
		}
	}
	out.Suggestions = a.suggest(out, minDurationMinutes)
	return out, nil
}

func (a *Analyzer) inScope(events []Event, ref time.Time) []Event {
	var out []Event
	for _, ev := range events {
		inProgress := ev.Start.Before(ref) && ev.End.After(ref)
		w := a.scorer.Classify(ev.Start, ref)
		if inProgress || w == temporal.WindowActive || w == temporal.WindowPlanning {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].End.Before(out[j].End)
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

func (a *Analyzer) slot(start, end time.Time, minDur time.Duration, loc *time.Location) (Slot, bool) {
	d := end.Sub(start)
	if d < minDur {
		return Slot{}, false
	}
	start, end = start.In(loc), end.In(loc)
	s := Slot{Start: start, End: end, DurationMinutes: int(d / time.Minute)}
	s.Confidence, s.Reason = a.grade(s)
	return s, true
}

// grade returns the confidence and reason for a slot. Reason precedence is
// after-hours, lunch, optimal, long, standard.
func (a *Analyzer) grade(s Slot) (float64, string) {
	c := a.cfg
	conf := 0.5
	h := s.Start.Hour()

	optimal := a.inOptimalBand(h)
	lunch := overlapsDailyBand(s.Start, s.End, c.LunchStartHour, c.LunchEndHour)
	afterHours := h >= c.AfterHoursStartHour || h < c.WorkdayStartHour
	long := s.DurationMinutes >= c.LongSlotMinutes

	if optimal {
		conf += 0.3
	}
	if lunch {
		conf -= 0.2
	}
	if afterHours {
		conf -= 0.3
	}
	if long {
		conf += 0.2
	}
	conf = min(1, max(0, conf))

	switch {
	case afterHours:
		return conf, ReasonAfterHours
	case lunch:
		return conf, ReasonLunch
	case optimal:
		return conf, ReasonOptimal
	case long:
		return conf, ReasonLong
	default:
		return conf, ReasonStandard
	}
}

func (a *Analyzer) inOptimalBand(hour int) bool {
	return hour >= a.cfg.OptimalStartHour && hour < a.cfg.OptimalEndHour
}

// overlapsDailyBand reports whether [start, end) touches the [fromHour, toHour)
// band on any calendar day it spans, in start's location.
func overlapsDailyBand(start, end time.Time, fromHour, toHour int) bool {
	loc := start.Location()
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	for !day.After(end) {
		bandStart := time.Date(day.Year(), day.Month(), day.Day(), fromHour, 0, 0, 0, loc)
		bandEnd := time.Date(day.Year(), day.Month(), day.Day(), toHour, 0, 0, 0, loc)
		if start.Before(bandEnd) && end.After(bandStart) {
			return true
		}
		day = day.AddDate(0, 0, 1)
	}
	return false
}

// findConflicts does a pairwise overlap check. Touching events do not conflict.
func findConflicts(events []Event) []Conflict {
	out := []Conflict{}
	for i := 0; i < len(events); i++ {
		for j := i + 1; j < len(events); j++ {
			e1, e2 := events[i], events[j]
			start := e1.Start
			if e2.Start.After(start) {
				start = e2.Start
			}
			end := e1.End
			if e2.End.Before(end) {
				end = e2.End
			}
			if start.Before(end) {
				out = append(out, Conflict{Event1: e1, Event2: e2, OverlapStart: start, OverlapEnd: end})
			}
		}
	}
	return out
}

func (a *Analyzer) suggest(an Analysis, minMinutes int) []string {
	var out []string
	n := len(an.Slots)
	if n == 0 {
		out = append(out, fmt.Sprintf("Fully booked: no free slots of %d minutes or more", minMinutes))
	}
	if k := len(an.OptimalSlots); k > 0 {
		out = append(out, fmt.Sprintf("%d optimal %s available between %02d:00 and %02d:00",
			k, plural(k, "slot", "slots"), a.cfg.OptimalStartHour, a.cfg.OptimalEndHour))
	} else if n > 0 {
		out = append(out, "No free slots fall inside optimal hours")
	}
	if n > 0 && n <= 2 {
		out = append(out, fmt.Sprintf("Limited availability: only %d free %s", n, plural(n, "slot", "slots")))
	}
	long := 0
	for _, s := range an.Slots {
		if s.DurationMinutes >= a.cfg.LongSlotMinutes {
			long++
		}
	}
	if long > 0 {
		out = append(out, fmt.Sprintf("%d %s of %d+ minutes for deep work",
			long, plural(long, "slot", "slots"), a.cfg.LongSlotMinutes))
	}
	if c := len(an.Conflicts); c > 0 {
		out = append(out, fmt.Sprintf("%d scheduling %s to resolve", c, plural(c, "conflict", "conflicts")))
	}
	return out
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func nonNil(s []Slot) []Slot {
	if s == nil {
		return []Slot{}
	}
	return s
}
