package engine

import (
	"time"

	"github.com/omnii/recall/internal/apperr"
)

// Config holds the consolidation engine's tunables.
type Config struct {
	// WeekSpan is the width of each working-memory bucket.
	WeekSpan time.Duration `yaml:"week_span"`

	// RecentlyModifiedLookback bounds the recently_modified bucket.
	RecentlyModifiedLookback time.Duration `yaml:"recently_modified_lookback"`

	// ActivationHalfLife is how long an unmentioned concept takes to lose
	// half its activation.
	ActivationHalfLife time.Duration `yaml:"activation_half_life"`

	// AssociationRate is the fraction of the remaining headroom a
	// co-mention adds to a RELATED_TO edge.
	AssociationRate float64 `yaml:"association_rate"`

	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	ActiveConceptLimit int           `yaml:"active_concept_limit"`

	// ActiveThreshold is the effective activation above which a concept
	// counts as active for analysis.
	ActiveThreshold float64 `yaml:"active_threshold"`

	// MaxDepth caps semantic traversal.
	MaxDepth int `yaml:"max_depth"`
}

func DefaultConfig() Config {
	return Config{
		WeekSpan:                 7 * 24 * time.Hour,
		RecentlyModifiedLookback: 2 * time.Hour,
		ActivationHalfLife:       72 * time.Hour,
		AssociationRate:          0.3,
		RetryBackoff:             200 * time.Millisecond,
		ActiveConceptLimit:       20,
		ActiveThreshold:          0.3,
		MaxDepth:                 3,
	}
}

func (c Config) Validate() error {
	const op = "engine.config"
	if c.WeekSpan <= 0 {
		return apperr.Validation(op, "week_span must be positive")
	}
	if c.RecentlyModifiedLookback <= 0 {
		return apperr.Validation(op, "recently_modified_lookback must be positive")
	}
	if c.ActivationHalfLife <= 0 {
		return apperr.Validation(op, "activation_half_life must be positive")
	}
	if c.AssociationRate <= 0 || c.AssociationRate > 1 {
		return apperr.Validation(op, "association_rate must be within (0,1]")
	}
	if c.RetryBackoff < 0 {
		return apperr.Validation(op, "retry_backoff must not be negative")
	}
	if c.ActiveConceptLimit <= 0 {
		return apperr.Validation(op, "active_concept_limit must be positive")
	}
	if c.ActiveThreshold < 0 || c.ActiveThreshold > 1 {
		return apperr.Validation(op, "active_threshold must be within [0,1]")
	}
	if c.MaxDepth < 1 || c.MaxDepth > 5 {
		return apperr.Validation(op, "max_depth must be between 1 and 5")
	}
	return nil
}
