package schedule

import "github.com/omnii/recall/internal/apperr"

// SlotConfig holds the hour bands used to grade free slots. Hours are local
// to the timezone passed to FindFreeSlots.
type SlotConfig struct {
	OptimalStartHour    int `yaml:"optimal_start_hour"`
	OptimalEndHour      int `yaml:"optimal_end_hour"`
	LunchStartHour      int `yaml:"lunch_start_hour"`
	LunchEndHour        int `yaml:"lunch_end_hour"`
	AfterHoursStartHour int `yaml:"after_hours_start_hour"`
	WorkdayStartHour    int `yaml:"workday_start_hour"`
	LongSlotMinutes     int `yaml:"long_slot_minutes"`
}

func DefaultSlotConfig() SlotConfig {
	return SlotConfig{
		OptimalStartHour:    10,
		OptimalEndHour:      15,
		LunchStartHour:      12,
		LunchEndHour:        13,
		AfterHoursStartHour: 17,
		WorkdayStartHour:    8,
		LongSlotMinutes:     60,
	}
}

func (c SlotConfig) Validate() error {
	const op = "schedule.config"
	for name, h := range map[string]int{
		"optimal_start_hour": c.OptimalStartHour, "optimal_end_hour": c.OptimalEndHour,
		"lunch_start_hour": c.LunchStartHour, "lunch_end_hour": c.LunchEndHour,
		"after_hours_start_hour": c.AfterHoursStartHour, "workday_start_hour": c.WorkdayStartHour,
	} {
		if h < 0 || h > 24 {
			return apperr.Validation(op, "%s must be within 0..24, got %d", name, h)
		}
	}
	if c.OptimalStartHour >= c.OptimalEndHour {
		return apperr.Validation(op, "optimal band is empty")
	}
	if c.LunchStartHour >= c.LunchEndHour {
		return apperr.Validation(op, "lunch band is empty")
	}
	if c.WorkdayStartHour >= c.AfterHoursStartHour {
		return apperr.Validation(op, "workday must start before after-hours")
	}
	if c.LongSlotMinutes <= 0 {
		return apperr.Validation(op, "long_slot_minutes must be positive")
	}
	return nil
}

// ActionBoosts are the domain-type multipliers applied by the Prioritizer.
type ActionBoosts struct {
	CalendarWrite        float64 `yaml:"calendar_write"`
	CalendarTimeCritical float64 `yaml:"calendar_time_critical"`
}

func DefaultActionBoosts() ActionBoosts {
	return ActionBoosts{CalendarWrite: 1.2, CalendarTimeCritical: 1.5}
}

func (b ActionBoosts) Validate() error {
	if b.CalendarWrite < 0 || b.CalendarTimeCritical < 0 {
		return apperr.Validation("schedule.boosts", "action boosts must not be negative")
	}
	return nil
}
