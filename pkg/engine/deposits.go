package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredSavings/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DepositResult is the outcome of a deposit command. Duplicate is set when the
// source reference had already been applied; Deposit is then the first record.
type DepositResult struct {
	Deposit   *models.Deposit `json:"deposit"`
	Duplicate bool            `json:"duplicate"`
}

// RecordDeposit applies a confirmed deposit. Replays of the same sourceRef succeed
// without touching the ledger.
func (e *Engine) RecordDeposit(ctx context.Context, planID uuid.UUID, sourceRef string, amount decimal.Decimal) (*DepositResult, error) {
	unlock := e.lock(planID)
	defer unlock()
	return e.recordDeposit(ctx, planID, sourceRef, amount, e.clock.Now())
}

func (e *Engine) recordDeposit(ctx context.Context, planID uuid.UUID, sourceRef string, amount decimal.Decimal, now time.Time) (*DepositResult, error) {
	dep, err := e.ledger.RecordDeposit(ctx, planID, sourceRef, amount, now)
	if errors.Is(err, models.ErrDuplicateDeposit) {
		return &DepositResult{Deposit: dep, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &DepositResult{Deposit: dep}, nil
}

// InitiateDeposit charges the saver's next installment and tracks the pending payment.
// The deposit is recorded only once the gateway confirms the reference.
func (e *Engine) InitiateDeposit(ctx context.Context, planID uuid.UUID) (*models.PaymentAttempt, error) {
	if e.gateway == nil {
		return nil, errors.New("no payment gateway configured")
	}
	unlock := e.lock(planID)
	defer unlock()

	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.AcceptsLedgerMutations() {
		return nil, &models.StateTransitionError{From: plan.Status, Action: "deposit into"}
	}
	now := e.clock.Now()
	inFlight, err := e.pendingPayments(ctx, planID, now)
	if err != nil {
		return nil, err
	}
	if plan.DepositsMade+inFlight >= plan.TotalDeposits {
		return nil, fmt.Errorf("%w: %d made, %d awaiting confirmation", models.ErrDepositLimitReached, plan.DepositsMade, inFlight)
	}

	ref, err := e.gateway.Charge(ctx, plan.OwnerID, plan.FixedAmount)
	if err != nil {
		return nil, fmt.Errorf("failed to charge deposit: %w", err)
	}

	attempt := &models.PaymentAttempt{
		Reference: ref,
		PlanID:    plan.ID,
		Amount:    plan.FixedAmount,
		Status:    models.PaymentStatusPending,
		CreatedAt: now,
		Deadline:  now.Add(e.confirmTimeout),
	}
	if err := e.store.CreatePaymentAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"plan_id":   plan.ID,
		"reference": ref,
		"deadline":  attempt.Deadline,
	}).Info("deposit payment initiated")
	return attempt, nil
}

// pendingPayments counts the charges of a plan still waiting for the gateway.
func (e *Engine) pendingPayments(ctx context.Context, planID uuid.UUID, now time.Time) (int, error) {
	attempts, err := e.store.ListPaymentAttempts(ctx, planID)
	if err != nil {
		return 0, fmt.Errorf("failed to list payment attempts: %w", err)
	}
	n := 0
	for _, a := range attempts {
		if a.Status == models.PaymentStatusPending && !now.After(a.Deadline) {
			n++
		}
	}
	return n, nil
}

// refusedByPlan reports whether a deposit error is a final answer from the plan
// rather than a storage failure worth retrying.
func refusedByPlan(err error) bool {
	return errors.Is(err, models.ErrDepositLimitReached) ||
		errors.Is(err, models.ErrInvalidStateTransition) ||
		errors.Is(err, models.ErrAmountMismatch) ||
		errors.Is(err, models.ErrValidation)
}

// ConfirmPayment handles the gateway's confirmation of a charge. Confirmations are
// idempotent; a confirmation arriving after the attempt timed out is refused with
// models.ErrPaymentUnconfirmed and never recorded as a deposit. A charge the plan
// cannot take (closed, all slots filled) ends Rejected and the plan error is returned.
func (e *Engine) ConfirmPayment(ctx context.Context, reference string, amount decimal.Decimal) (*DepositResult, error) {
	attempt, err := e.store.GetPaymentAttempt(ctx, reference)
	if err != nil {
		return nil, err
	}
	unlock := e.lock(attempt.PlanID)
	defer unlock()

	// Reload under the lock; a tick may have expired it meanwhile.
	if attempt, err = e.store.GetPaymentAttempt(ctx, reference); err != nil {
		return nil, err
	}
	now := e.clock.Now()
	log := e.log.WithFields(logrus.Fields{"plan_id": attempt.PlanID, "reference": reference})

	switch attempt.Status {
	case models.PaymentStatusConfirmed:
		dep, err := e.store.GetDepositBySource(ctx, attempt.PlanID, reference)
		if err != nil {
			return nil, err
		}
		return &DepositResult{Deposit: dep, Duplicate: true}, nil
	case models.PaymentStatusFailed, models.PaymentStatusRejected:
		return nil, fmt.Errorf("%w: payment %s is %s", models.ErrInvalidStateTransition, reference, attempt.Status)
	case models.PaymentStatusUnconfirmed:
		log.Warn("late confirmation for unconfirmed payment refused")
		return nil, models.ErrPaymentUnconfirmed
	}

	if now.After(attempt.Deadline) {
		if err := e.resolvePayment(ctx, attempt, models.PaymentStatusUnconfirmed, now); err != nil {
			return nil, err
		}
		log.Warn("payment confirmation arrived after deadline, marked unconfirmed")
		return nil, models.ErrPaymentUnconfirmed
	}
	if !amount.Equal(attempt.Amount) {
		return nil, fmt.Errorf("%w: confirmed %s, charged %s", models.ErrAmountMismatch, amount.StringFixed(2), attempt.Amount.StringFixed(2))
	}

	res, err := e.recordDeposit(ctx, attempt.PlanID, reference, amount, now)
	if err != nil {
		if refusedByPlan(err) {
			if rerr := e.resolvePayment(ctx, attempt, models.PaymentStatusRejected, now); rerr != nil {
				return nil, rerr
			}
			log.WithError(err).Warn("confirmed payment rejected by plan, refund required")
		}
		return nil, err
	}
	id := res.Deposit.ID
	attempt.DepositID = &id
	if err := e.resolvePayment(ctx, attempt, models.PaymentStatusConfirmed, now); err != nil {
		return nil, err
	}
	log.Info("payment confirmed")
	return res, nil
}

// FailPayment records the gateway's rejection of a charge. Nothing reaches the ledger.
func (e *Engine) FailPayment(ctx context.Context, reference string) (*models.PaymentAttempt, error) {
	attempt, err := e.store.GetPaymentAttempt(ctx, reference)
	if err != nil {
		return nil, err
	}
	unlock := e.lock(attempt.PlanID)
	defer unlock()

	if attempt, err = e.store.GetPaymentAttempt(ctx, reference); err != nil {
		return nil, err
	}
	switch attempt.Status {
	case models.PaymentStatusFailed:
		return attempt, nil
	case models.PaymentStatusPending:
	default:
		return nil, fmt.Errorf("%w: payment %s is %s", models.ErrInvalidStateTransition, reference, attempt.Status)
	}

	if err := e.resolvePayment(ctx, attempt, models.PaymentStatusFailed, e.clock.Now()); err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{"plan_id": attempt.PlanID, "reference": reference}).Info("payment failed")
	return attempt, nil
}

func (e *Engine) GetPayment(ctx context.Context, reference string) (*models.PaymentAttempt, error) {
	return e.store.GetPaymentAttempt(ctx, reference)
}

// ExpirePayments moves pending attempts past their deadline to the terminal
// Unconfirmed status and returns how many were expired.
func (e *Engine) ExpirePayments(ctx context.Context, now time.Time) (int, error) {
	expired, err := e.store.ListExpiredPaymentAttempts(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired payments: %w", err)
	}

	n := 0
	for _, a := range expired {
		ok, err := e.expirePayment(ctx, a.PlanID, a.Reference, now)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (e *Engine) expirePayment(ctx context.Context, planID uuid.UUID, reference string, now time.Time) (bool, error) {
	unlock := e.lock(planID)
	defer unlock()

	attempt, err := e.store.GetPaymentAttempt(ctx, reference)
	if err != nil {
		return false, err
	}
	if attempt.Status != models.PaymentStatusPending || !now.After(attempt.Deadline) {
		return false, nil
	}
	if err := e.resolvePayment(ctx, attempt, models.PaymentStatusUnconfirmed, now); err != nil {
		return false, err
	}
	e.log.WithFields(logrus.Fields{
		"plan_id":   planID,
		"reference": reference,
		"deadline":  attempt.Deadline,
	}).Warn("payment unconfirmed by gateway, shown to saver as pending")
	return true, nil
}

func (e *Engine) resolvePayment(ctx context.Context, a *models.PaymentAttempt, status models.PaymentStatus, now time.Time) error {
	a.Status = status
	a.ResolvedAt = &now
	if err := e.store.UpdatePaymentAttempt(ctx, a); err != nil {
		return fmt.Errorf("failed to update payment %s: %w", a.Reference, err)
	}
	return nil
}
