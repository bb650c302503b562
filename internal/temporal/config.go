package temporal

import (
	"time"

	"github.com/omnii/recall/internal/apperr"
)

// Horizons bound the future windows and the archive lookback.
type Horizons struct {
	Active          time.Duration `yaml:"active"`
	Planning        time.Duration `yaml:"planning"`
	Awareness       time.Duration `yaml:"awareness"`
	ArchiveLookback time.Duration `yaml:"archive_lookback"`
}

// PriorityTable maps hours-ahead thresholds to priority levels and urgency
// multipliers. The same table feeds the scorer and the action prioritizer.
type PriorityTable struct {
	ImmediateWithin time.Duration `yaml:"immediate_within"`
	UrgentWithin    time.Duration `yaml:"urgent_within"`
	NormalWithin    time.Duration `yaml:"normal_within"`
	LowWithin       time.Duration `yaml:"low_within"`

	Immediate float64 `yaml:"immediate"`
	Urgent    float64 `yaml:"urgent"`
	Normal    float64 `yaml:"normal"`
	Low       float64 `yaml:"low"`
	Minimal   float64 `yaml:"minimal"`
	Past      float64 `yaml:"past"`
}

// Config holds every tunable constant of the scorer.
type Config struct {
	Horizons   Horizons      `yaml:"horizons"`
	Priorities PriorityTable `yaml:"priorities"`

	PastDecayHours   float64 `yaml:"past_decay_hours"`   // e-folding time for past items
	FutureDecayHours float64 `yaml:"future_decay_hours"` // linear falloff span for future items
	FutureFloor      float64 `yaml:"future_floor"`
}

// DefaultConfig returns the stock windows and priority table.
func DefaultConfig() Config {
	return Config{
		Horizons: Horizons{
			Active:          24 * time.Hour,
			Planning:        7 * 24 * time.Hour,
			Awareness:       30 * 24 * time.Hour,
			ArchiveLookback: 30 * 24 * time.Hour,
		},
		Priorities: PriorityTable{
			ImmediateWithin: 2 * time.Hour,
			UrgentWithin:    24 * time.Hour,
			NormalWithin:    7 * 24 * time.Hour,
			LowWithin:       30 * 24 * time.Hour,
			Immediate:       1.5,
			Urgent:          1.2,
			Normal:          1.0,
			Low:             0.8,
			Minimal:         0.5,
			Past:            0.2,
		},
		PastDecayHours:   24,
		FutureDecayHours: 24 * 7,
		FutureFloor:      0.1,
	}
}

// Validate rejects tables that would make classification ambiguous.
func (c Config) Validate() error {
	const op = "temporal.config"
	h := c.Horizons
	if h.Active <= 0 || h.Planning <= 0 || h.Awareness <= 0 || h.ArchiveLookback <= 0 {
		return apperr.Validation(op, "all horizons must be positive")
	}
	if h.Active > h.Planning || h.Planning > h.Awareness {
		return apperr.Validation(op, "horizons must satisfy active <= planning <= awareness")
	}

	p := c.Priorities
	if p.ImmediateWithin <= 0 || p.ImmediateWithin > p.UrgentWithin ||
		p.UrgentWithin > p.NormalWithin || p.NormalWithin > p.LowWithin {
		return apperr.Validation(op, "priority thresholds must be positive and non-decreasing")
	}
	for name, m := range map[string]float64{
		"immediate": p.Immediate, "urgent": p.Urgent, "normal": p.Normal,
		"low": p.Low, "minimal": p.Minimal, "past": p.Past,
	} {
		if m < 0 {
			return apperr.Validation(op, "multiplier %s must not be negative", name)
		}
	}

	if c.PastDecayHours <= 0 || c.FutureDecayHours <= 0 {
		return apperr.Validation(op, "decay spans must be positive")
	}
	if c.FutureFloor < 0 || c.FutureFloor > 1 {
		return apperr.Validation(op, "future floor must be within [0,1]")
	}
	return nil
}

// Level returns the priority for an item the given distance in the future.
func (t PriorityTable) Level(ahead time.Duration) Priority {
	switch {
	case ahead <= t.ImmediateWithin:
		return PriorityImmediate
	case ahead <= t.UrgentWithin:
		return PriorityUrgent
	case ahead <= t.NormalWithin:
		return PriorityNormal
	case ahead <= t.LowWithin:
		return PriorityLow
	default:
		return PriorityMinimal
	}
}

// Multiplier is the typed lookup of a priority's urgency multiplier.
func (t PriorityTable) Multiplier(p Priority) float64 {
	switch p {
	case PriorityImmediate:
		return t.Immediate
	case PriorityUrgent:
		return t.Urgent
	case PriorityNormal:
		return t.Normal
	case PriorityLow:
		return t.Low
	default:
		return t.Minimal
	}
}
