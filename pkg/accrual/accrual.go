// Package accrual decides which monthly interest periods of a plan are due and
// asks the ledger to post them. It keeps no state of its own.
package accrual

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredSavings/pkg/models"
	"github.com/mcclellann/fredSavings/pkg/schedule"
	"github.com/shopspring/decimal"
)

// Poster books one interest period. Implemented by *ledger.Ledger.
type Poster interface {
	PostInterest(ctx context.Context, planID uuid.UUID, period int, rate decimal.Decimal, at time.Time) (*models.InterestEntry, bool, error)
}

type Engine struct {
	poster Poster
	rate   decimal.Decimal
}

func NewEngine(p Poster, rate decimal.Decimal) *Engine {
	return &Engine{poster: p, rate: rate}
}

// CompletedPeriods is the number of whole 30-day months between createdAt and now.
func CompletedPeriods(createdAt, now time.Time) int {
	if now.Before(createdAt) {
		return 0
	}
	return int(now.Sub(createdAt) / (schedule.DaysPerMonth * schedule.Day))
}

// DuePeriods lists the period indexes that have elapsed but are not posted yet,
// oldest first. Periods past the plan's duration are never due.
func DuePeriods(plan *models.SavingsPlan, now time.Time) []int {
	last := CompletedPeriods(plan.CreatedAt, now)
	if last > plan.DurationMonths {
		last = plan.DurationMonths
	}
	var due []int
	for k := plan.LastInterestPeriod + 1; k < last; k++ {
		due = append(due, k)
	}
	return due
}

// Accrue posts every due period in order. Missed ticks are caught up in one call.
// It stops at the first failure and returns the entries posted so far.
func (e *Engine) Accrue(ctx context.Context, plan *models.SavingsPlan, now time.Time) ([]*models.InterestEntry, error) {
	var posted []*models.InterestEntry
	for _, k := range DuePeriods(plan, now) {
		entry, created, err := e.poster.PostInterest(ctx, plan.ID, k, e.rate, now)
		if err != nil {
			return posted, fmt.Errorf("failed to post interest for period %d: %w", k, err)
		}
		if created {
			posted = append(posted, entry)
		}
	}
	return posted, nil
}
