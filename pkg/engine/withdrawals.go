package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredSavings/pkg/models"
	"github.com/mcclellann/fredSavings/pkg/store"
	"github.com/mcclellann/fredSavings/pkg/withdrawal"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// RequestWithdrawal prices a withdrawal and, when no confirmation is needed, applies it.
//
// An early withdrawal is stored as PendingConfirmation and returned together with
// models.ErrEarlyWithdrawalPenaltyPending so the caller can show the penalty. A force
// majeure request is stored pending without a penalty and returns no error; an
// operator confirms it separately.
func (e *Engine) RequestWithdrawal(ctx context.Context, planID uuid.UUID, amount decimal.Decimal, opts withdrawal.Options) (*models.WithdrawalRequest, error) {
	unlock := e.lock(planID)
	defer unlock()

	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	req, decision, err := e.openWithdrawal(ctx, e.store, plan, amount, now, opts)
	if err != nil {
		return nil, err
	}

	if decision.NeedsConfirmation {
		if decision.ForceMajeure {
			return req, nil
		}
		return req, models.ErrEarlyWithdrawalPenaltyPending
	}
	return e.ledger.RecordWithdrawal(ctx, req.ID, now)
}

func (e *Engine) openWithdrawal(ctx context.Context, s store.Storage, plan *models.SavingsPlan, amount decimal.Decimal, now time.Time, opts withdrawal.Options) (*models.WithdrawalRequest, *withdrawal.Decision, error) {
	decision, err := e.policy.Evaluate(plan, amount, now, opts)
	if err != nil {
		return nil, nil, err
	}
	req := withdrawal.Request(plan, amount, now, decision, opts)
	req.ID = uuid.New()
	if err := s.CreateWithdrawal(ctx, req); err != nil {
		return nil, nil, err
	}

	e.log.WithFields(logrus.Fields{
		"plan_id":        plan.ID,
		"withdrawal_id":  req.ID,
		"amount":         amount.StringFixed(2),
		"early":          decision.IsEarly,
		"penalty":        decision.PenaltyAmount.StringFixed(2),
		"remaining_days": decision.RemainingDays,
		"force_majeure":  decision.ForceMajeure,
		"operator_id":    opts.OperatorID,
	}).Info("withdrawal requested")
	return req, decision, nil
}

// ConfirmWithdrawal applies a pending request on the terms it was quoted with.
// Force majeure requests are refused here; see ConfirmForceMajeureWithdrawal.
func (e *Engine) ConfirmWithdrawal(ctx context.Context, requestID uuid.UUID) (*models.WithdrawalRequest, error) {
	req, err := e.store.GetWithdrawal(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.ForceMajeure {
		return nil, fmt.Errorf("%w: force majeure withdrawal %s needs operator confirmation", models.ErrInvalidStateTransition, requestID)
	}
	unlock := e.lock(req.PlanID)
	defer unlock()
	return e.ledger.RecordWithdrawal(ctx, requestID, e.clock.Now())
}

// ConfirmForceMajeureWithdrawal is the operator's approval of a penalty-free
// force majeure request.
func (e *Engine) ConfirmForceMajeureWithdrawal(ctx context.Context, requestID uuid.UUID, operatorID string) (*models.WithdrawalRequest, error) {
	if operatorID == "" {
		return nil, models.NewValidationError("operator_id", "required to confirm a force majeure withdrawal")
	}
	req, err := e.store.GetWithdrawal(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !req.ForceMajeure {
		return nil, fmt.Errorf("%w: withdrawal %s is not a force majeure request", models.ErrInvalidStateTransition, requestID)
	}
	unlock := e.lock(req.PlanID)
	defer unlock()

	confirmed, err := e.ledger.RecordWithdrawal(ctx, requestID, e.clock.Now())
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"plan_id":       confirmed.PlanID,
		"withdrawal_id": confirmed.ID,
		"requested_by":  confirmed.OperatorID,
		"confirmed_by":  operatorID,
	}).Info("force majeure withdrawal confirmed")
	return confirmed, nil
}

// CancelWithdrawal drops a pending request. The ledger is untouched.
// Cancelling an already cancelled request returns it unchanged.
func (e *Engine) CancelWithdrawal(ctx context.Context, requestID uuid.UUID) (*models.WithdrawalRequest, error) {
	req, err := e.store.GetWithdrawal(ctx, requestID)
	if err != nil {
		return nil, err
	}
	unlock := e.lock(req.PlanID)
	defer unlock()

	if req, err = e.store.GetWithdrawal(ctx, requestID); err != nil {
		return nil, err
	}
	switch req.Status {
	case models.WithdrawalStatusCancelled:
		return req, nil
	case models.WithdrawalStatusConfirmed:
		return nil, fmt.Errorf("%w: withdrawal %s is already confirmed", models.ErrInvalidStateTransition, requestID)
	}

	now := e.clock.Now()
	req.Status = models.WithdrawalStatusCancelled
	req.ResolvedAt = &now
	if err := e.store.UpdateWithdrawal(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to cancel withdrawal: %w", err)
	}
	e.log.WithFields(logrus.Fields{"plan_id": req.PlanID, "withdrawal_id": req.ID}).Info("withdrawal cancelled")
	return req, nil
}
