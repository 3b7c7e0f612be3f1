// Package schedule turns a savings plan configuration into its deposit calendar.
//
// Generation is pure: the same configuration and start instant always yield the
// same schedule, so the calendar can be rebuilt at any time instead of stored.
package schedule

import (
	"time"

	"github.com/mcclellann/fredSavings/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	// DaysPerMonth is the product's fixed month length for deposits, interest and end dates.
	DaysPerMonth = 30

	Day = 24 * time.Hour
)

var (
	MinimumFixedAmount = decimal.NewFromInt(300)

	allowedFrequencies = map[int]bool{5: true, 10: true}
	allowedDurations   = map[int]bool{1: true, 2: true, 3: true, 6: true}
)

// Config is the user-chosen shape of a plan.
type Config struct {
	FixedAmount    decimal.Decimal `json:"fixed_amount" yaml:"fixed_amount"`
	FrequencyDays  int             `json:"frequency_days" yaml:"frequency_days"`
	DurationMonths int             `json:"duration_months" yaml:"duration_months"`
}

// Schedule is the derived deposit calendar of a plan.
type Schedule struct {
	TotalDeposits     int             `json:"total_deposits" yaml:"total_deposits"`
	DueDates          []time.Time     `json:"due_dates" yaml:"due_dates"`
	StartDate         time.Time       `json:"start_date" yaml:"start_date"`
	EndDate           time.Time       `json:"end_date" yaml:"end_date"`
	ExpectedPrincipal decimal.Decimal `json:"expected_principal" yaml:"expected_principal"`
}

// Validate checks a configuration against the product limits.
func (c Config) Validate() error {
	if c.FixedAmount.LessThan(MinimumFixedAmount) {
		return models.NewValidationError("fixed_amount", "must be at least "+MinimumFixedAmount.String())
	}
	if !allowedFrequencies[c.FrequencyDays] {
		return models.NewValidationError("frequency_days", "must be 5 or 10")
	}
	if !allowedDurations[c.DurationMonths] {
		return models.NewValidationError("duration_months", "must be 1, 2, 3 or 6")
	}
	return nil
}

// TotalDeposits returns floor(durationMonths*30/frequencyDays).
func TotalDeposits(frequencyDays, durationMonths int) int {
	if frequencyDays <= 0 {
		return 0
	}
	return durationMonths * DaysPerMonth / frequencyDays
}

// EndDate is the plan's nominal end: start + durationMonths*30 days.
func EndDate(start time.Time, durationMonths int) time.Time {
	return start.Add(time.Duration(durationMonths*DaysPerMonth) * Day)
}

// Generate validates cfg and lays out one due date every FrequencyDays after start.
func Generate(cfg Config, start time.Time) (*Schedule, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	total := TotalDeposits(cfg.FrequencyDays, cfg.DurationMonths)
	due := make([]time.Time, 0, total)
	for k := 1; k <= total; k++ {
		due = append(due, start.Add(time.Duration(k*cfg.FrequencyDays)*Day))
	}

	return &Schedule{
		TotalDeposits:     total,
		DueDates:          due,
		StartDate:         start,
		EndDate:           EndDate(start, cfg.DurationMonths),
		ExpectedPrincipal: cfg.FixedAmount.Mul(decimal.NewFromInt(int64(total))),
	}, nil
}

// ForPlan regenerates the schedule of an existing plan.
func ForPlan(p *models.SavingsPlan) (*Schedule, error) {
	return Generate(Config{
		FixedAmount:    p.FixedAmount,
		FrequencyDays:  p.FrequencyDays,
		DurationMonths: p.DurationMonths,
	}, p.CreatedAt)
}

// NextDueDate returns the first due date strictly after the deposits already made, or nil when none remain.
func (s *Schedule) NextDueDate(depositsMade int) *time.Time {
	if depositsMade < 0 || depositsMade >= len(s.DueDates) {
		return nil
	}
	d := s.DueDates[depositsMade]
	return &d
}
