package cache

import (
	"time"

	"github.com/omnii/recall/internal/apperr"
)

// DataType names an upstream source. The five constants carry default TTLs;
// any other non-empty type is accepted as long as the caller passes a TTL.
type DataType string

const (
	TypeConcept  DataType = "concept"
	TypeTask     DataType = "task"
	TypeCalendar DataType = "calendar"
	TypeContact  DataType = "contact"
	TypeEmail    DataType = "email"
)

// TTLPolicy is the per-source freshness table.
type TTLPolicy struct {
	Concept  time.Duration `yaml:"concept"`
	Task     time.Duration `yaml:"task"`
	Calendar time.Duration `yaml:"calendar"`
	Contact  time.Duration `yaml:"contact"`
	Email    time.Duration `yaml:"email"`
}

func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Concept:  24 * time.Hour,
		Task:     30 * time.Minute,
		Calendar: 2 * time.Hour,
		Contact:  24 * time.Hour,
		Email:    5 * time.Minute,
	}
}

// Lookup returns the default TTL for dt. ok is false for types without one.
func (p TTLPolicy) Lookup(dt DataType) (ttl time.Duration, ok bool) {
	switch dt {
	case TypeConcept:
		return p.Concept, true
	case TypeTask:
		return p.Task, true
	case TypeCalendar:
		return p.Calendar, true
	case TypeContact:
		return p.Contact, true
	case TypeEmail:
		return p.Email, true
	}
	return 0, false
}

func (p TTLPolicy) Validate() error {
	for _, dt := range []DataType{TypeConcept, TypeTask, TypeCalendar, TypeContact, TypeEmail} {
		if ttl, _ := p.Lookup(dt); ttl <= 0 {
			return apperr.Validation("cache.policy", "ttl for %s must be positive", dt)
		}
	}
	return nil
}
