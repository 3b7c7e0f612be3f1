// Package withdrawal decides whether a withdrawal is early and what it costs.
package withdrawal

import (
	"fmt"
	"math"
	"time"

	"github.com/mcclellann/fredSavings/pkg/models"
	"github.com/mcclellann/fredSavings/pkg/schedule"
	"github.com/shopspring/decimal"
)

// DefaultPenaltyRate applies to the requested amount of an early withdrawal.
var DefaultPenaltyRate = decimal.NewFromFloat(0.10)

// Options carries the operator override for a force majeure withdrawal.
type Options struct {
	ForceMajeure bool   `json:"force_majeure"`
	OperatorID   string `json:"operator_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Decision is the outcome of evaluating a withdrawal against a plan.
type Decision struct {
	IsEarly       bool
	RemainingDays int
	PenaltyAmount decimal.Decimal
	NetAmount     decimal.Decimal
	ForceMajeure  bool
	// NeedsConfirmation is set when the user or an operator must approve before money moves.
	NeedsConfirmation bool
}

type Policy struct {
	PenaltyRate decimal.Decimal
}

func NewPolicy(penaltyRate decimal.Decimal) *Policy {
	return &Policy{PenaltyRate: penaltyRate}
}

// Evaluate checks amount against the plan's state and balance, then prices it.
// Withdrawing before the end date costs PenaltyRate of the requested amount unless
// an operator invoked force majeure.
func (p *Policy) Evaluate(plan *models.SavingsPlan, amount decimal.Decimal, now time.Time, opts Options) (*Decision, error) {
	if !amount.IsPositive() {
		return nil, models.NewValidationError("amount", "must be positive")
	}
	if !plan.AcceptsLedgerMutations() {
		return nil, &models.StateTransitionError{From: plan.Status, Action: "withdraw from"}
	}
	if opts.ForceMajeure && opts.OperatorID == "" {
		return nil, models.NewValidationError("operator_id", "required for force majeure")
	}
	if amount.GreaterThan(plan.Balance) {
		return nil, fmt.Errorf("%w: requested %s, balance %s", models.ErrInsufficientBalance,
			amount.StringFixed(2), plan.Balance.StringFixed(2))
	}

	d := &Decision{
		PenaltyAmount: decimal.Zero,
		NetAmount:     amount,
		ForceMajeure:  opts.ForceMajeure,
	}
	if plan.Status == models.PlanStatusCompleted || !now.Before(plan.EndDate) {
		return d, nil
	}

	d.IsEarly = true
	d.RemainingDays = RemainingDays(plan.EndDate, now)
	d.NeedsConfirmation = true
	if !opts.ForceMajeure {
		d.PenaltyAmount = amount.Mul(p.PenaltyRate).Round(2)
		d.NetAmount = amount.Sub(d.PenaltyAmount)
	}
	return d, nil
}

// RemainingDays counts whole or partial days left until end.
func RemainingDays(end, now time.Time) int {
	left := end.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(float64(left) / float64(schedule.Day)))
}

// Request builds the pending withdrawal record for a decision.
func Request(plan *models.SavingsPlan, amount decimal.Decimal, now time.Time, d *Decision, opts Options) *models.WithdrawalRequest {
	return &models.WithdrawalRequest{
		PlanID:          plan.ID,
		RequestedAmount: amount,
		RequestedAt:     now,
		IsEarly:         d.IsEarly,
		RemainingDays:   d.RemainingDays,
		PenaltyAmount:   d.PenaltyAmount,
		NetAmount:       d.NetAmount,
		Status:          models.WithdrawalStatusPending,
		ForceMajeure:    opts.ForceMajeure,
		OperatorID:      opts.OperatorID,
		Reason:          opts.Reason,
	}
}
