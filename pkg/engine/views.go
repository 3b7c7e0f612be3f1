package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredSavings/pkg/models"
	"github.com/mcclellann/fredSavings/pkg/reminder"
	"github.com/mcclellann/fredSavings/pkg/schedule"
	"github.com/mcclellann/fredSavings/pkg/withdrawal"
	"github.com/shopspring/decimal"
)

// StatusView is the saver-facing summary of a plan.
type StatusView struct {
	PlanID                uuid.UUID                   `json:"plan_id" yaml:"plan_id"`
	OwnerID               string                      `json:"owner_id" yaml:"owner_id"`
	Status                models.PlanStatus           `json:"status" yaml:"status"`
	FixedAmount           decimal.Decimal             `json:"fixed_amount" yaml:"fixed_amount"`
	FrequencyDays         int                         `json:"frequency_days" yaml:"frequency_days"`
	DurationMonths        int                         `json:"duration_months" yaml:"duration_months"`
	Balance               decimal.Decimal             `json:"balance" yaml:"balance"`
	TotalInterest         decimal.Decimal             `json:"total_interest" yaml:"total_interest"`
	DepositsMade          int                         `json:"deposits_made" yaml:"deposits_made"`
	TotalDepositsRequired int                         `json:"total_deposits_required" yaml:"total_deposits_required"`
	CompletionPercentage  int                         `json:"completion_percentage" yaml:"completion_percentage"`
	MissedDeposits        int                         `json:"missed_deposits" yaml:"missed_deposits"`
	NextDueDate           *time.Time                  `json:"next_due_date,omitempty" yaml:"next_due_date,omitempty"`
	RemainingDays         int                         `json:"remaining_days" yaml:"remaining_days"`
	PlanEndDate           time.Time                   `json:"plan_end_date" yaml:"plan_end_date"`
	PendingWithdrawals    []*models.WithdrawalRequest `json:"pending_withdrawals,omitempty" yaml:"pending_withdrawals,omitempty"`
	FinalBalance          *decimal.Decimal            `json:"final_balance,omitempty" yaml:"final_balance,omitempty"`
	FinalInterest         *decimal.Decimal            `json:"final_interest,omitempty" yaml:"final_interest,omitempty"`
	CompletedAt           *time.Time                  `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	ClosedAt              *time.Time                  `json:"closed_at,omitempty" yaml:"closed_at,omitempty"`
	SuccessorPlanID       *uuid.UUID                  `json:"successor_plan_id,omitempty" yaml:"successor_plan_id,omitempty"`
}

// GetStatus builds the status view of a plan as of the engine's clock.
func (e *Engine) GetStatus(ctx context.Context, planID uuid.UUID) (*StatusView, error) {
	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()

	v := &StatusView{
		PlanID:                plan.ID,
		OwnerID:               plan.OwnerID,
		Status:                plan.Status,
		FixedAmount:           plan.FixedAmount,
		FrequencyDays:         plan.FrequencyDays,
		DurationMonths:        plan.DurationMonths,
		Balance:               plan.Balance,
		TotalInterest:         plan.TotalInterest,
		DepositsMade:          plan.DepositsMade,
		TotalDepositsRequired: plan.TotalDeposits,
		CompletionPercentage:  plan.CompletionPercentage(),
		PlanEndDate:           plan.EndDate,
		CompletedAt:           plan.CompletedAt,
		ClosedAt:              plan.ClosedAt,
		SuccessorPlanID:       plan.SuccessorPlanID,
	}

	if plan.Status == models.PlanStatusActive {
		sched, err := schedule.ForPlan(plan)
		if err != nil {
			return nil, fmt.Errorf("failed to rebuild schedule: %w", err)
		}
		v.NextDueDate = sched.NextDueDate(plan.DepositsMade)
		v.RemainingDays = withdrawal.RemainingDays(plan.EndDate, now)

		reminders, err := e.store.ListReminders(ctx, planID)
		if err != nil {
			return nil, fmt.Errorf("failed to list reminders: %w", err)
		}
		v.MissedDeposits = len(reminder.Overdue(reminders, now))
	}
	if plan.Status == models.PlanStatusCompleted || plan.Status == models.PlanStatusClosed {
		fb, fi := plan.FinalBalance, plan.FinalInterest
		v.FinalBalance = &fb
		v.FinalInterest = &fi
	}

	withdrawals, err := e.store.ListWithdrawals(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	for _, w := range withdrawals {
		if w.Status == models.WithdrawalStatusPending {
			v.PendingWithdrawals = append(v.PendingWithdrawals, w)
		}
	}
	return v, nil
}

func (e *Engine) GetPlan(ctx context.Context, planID uuid.UUID) (*models.SavingsPlan, error) {
	return e.store.GetPlan(ctx, planID)
}

// ListPlans returns the plans of ownerID, or every plan when ownerID is empty.
func (e *Engine) ListPlans(ctx context.Context, ownerID string) ([]*models.SavingsPlan, error) {
	return e.store.ListPlans(ctx, ownerID)
}

// Schedule rebuilds the deposit calendar of an existing plan.
func (e *Engine) Schedule(ctx context.Context, planID uuid.UUID) (*schedule.Schedule, error) {
	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	return schedule.ForPlan(plan)
}

// PreviewSchedule shows the calendar a configuration would get if created now.
func (e *Engine) PreviewSchedule(cfg schedule.Config) (*schedule.Schedule, error) {
	return schedule.Generate(cfg, e.clock.Now())
}

func (e *Engine) Deposits(ctx context.Context, planID uuid.UUID) ([]*models.Deposit, error) {
	if _, err := e.store.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	return e.ledger.Deposits(ctx, planID)
}

func (e *Engine) InterestEntries(ctx context.Context, planID uuid.UUID) ([]*models.InterestEntry, error) {
	if _, err := e.store.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	return e.ledger.InterestEntries(ctx, planID)
}

func (e *Engine) Withdrawals(ctx context.Context, planID uuid.UUID) ([]*models.WithdrawalRequest, error) {
	if _, err := e.store.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	return e.ledger.Withdrawals(ctx, planID)
}

func (e *Engine) Reminders(ctx context.Context, planID uuid.UUID) ([]*models.Reminder, error) {
	if _, err := e.store.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	return e.store.ListReminders(ctx, planID)
}

// BalanceAudit compares the running balance with one recomputed from the entries.
type BalanceAudit struct {
	PlanID     uuid.UUID       `json:"plan_id" yaml:"plan_id"`
	Stored     decimal.Decimal `json:"stored" yaml:"stored"`
	Recomputed decimal.Decimal `json:"recomputed" yaml:"recomputed"`
	Consistent bool            `json:"consistent" yaml:"consistent"`
}

func (e *Engine) AuditBalance(ctx context.Context, planID uuid.UUID) (*BalanceAudit, error) {
	unlock := e.lock(planID)
	defer unlock()

	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	recomputed, err := e.ledger.RecomputeBalance(ctx, planID)
	if err != nil {
		return nil, err
	}
	return &BalanceAudit{
		PlanID:     planID,
		Stored:     plan.Balance,
		Recomputed: recomputed,
		Consistent: recomputed.Equal(plan.Balance),
	}, nil
}
