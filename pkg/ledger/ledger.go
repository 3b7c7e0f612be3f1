package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredSavings/pkg/models"
	"github.com/mcclellann/fredSavings/pkg/reminder"
	"github.com/mcclellann/fredSavings/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	// DefaultInterestRate is the flat monthly benefit on the running balance.
	DefaultInterestRate = decimal.NewFromFloat(0.05)
)

// Ledger is the only writer of a plan's money: deposits, interest and withdrawals.
// Each operation runs in its own store transaction. Callers serialize commands per plan.
type Ledger struct {
	storage  store.Storage
	notifier Notifier
	log      logrus.FieldLogger
}

// Notifier receives ledger events after they are committed.
type Notifier interface {
	InterestPosted(ctx context.Context, planID uuid.UUID, amount decimal.Decimal) error
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, n Notifier, log logrus.FieldLogger) *Ledger {
	if log == nil {
		l := logrus.New()
		l.Out = io.Discard
		log = l
	}
	return &Ledger{storage: s, notifier: n, log: log}
}

// RecordDeposit appends a deposit identified by sourceRef.
//
// A repeated sourceRef returns the deposit recorded the first time together with
// models.ErrDuplicateDeposit and leaves the ledger untouched.
func (l *Ledger) RecordDeposit(ctx context.Context, planID uuid.UUID, sourceRef string, amount decimal.Decimal, at time.Time) (*models.Deposit, error) {
	if sourceRef == "" {
		return nil, models.NewValidationError("source_reference", "must not be empty")
	}

	var deposit *models.Deposit
	err := l.storage.WithTx(ctx, func(tx store.Storage) error {
		plan, err := tx.GetPlan(ctx, planID)
		if err != nil {
			return err
		}

		prior, err := tx.GetDepositBySource(ctx, planID, sourceRef)
		if err != nil {
			return fmt.Errorf("failed to look up deposit source: %w", err)
		}
		if prior != nil {
			return models.ErrDuplicateDeposit
		}

		if !plan.AcceptsLedgerMutations() {
			return &models.StateTransitionError{From: plan.Status, Action: "deposit into"}
		}
		if !amount.Equal(plan.FixedAmount) {
			return fmt.Errorf("%w: got %s, want %s", models.ErrAmountMismatch, amount.StringFixed(2), plan.FixedAmount.StringFixed(2))
		}
		if plan.DepositsMade >= plan.TotalDeposits {
			return models.ErrDepositLimitReached
		}

		deposit = &models.Deposit{
			ID:              uuid.New(),
			PlanID:          plan.ID,
			SequenceNumber:  plan.DepositsMade + 1,
			Amount:          amount,
			RecordedAt:      at,
			SourceReference: sourceRef,
		}
		if err := tx.CreateDeposit(ctx, deposit); err != nil {
			return err
		}

		plan.DepositsMade++
		plan.Balance = plan.Balance.Add(amount)
		plan.UpdatedAt = at
		if err := tx.UpdatePlan(ctx, plan); err != nil {
			return fmt.Errorf("failed to update plan balance: %w", err)
		}

		reminders, err := tx.ListReminders(ctx, planID)
		if err != nil {
			return fmt.Errorf("failed to load reminders: %w", err)
		}
		if r := reminder.Satisfy(reminders, deposit); r != nil {
			if err := tx.UpdateReminder(ctx, r); err != nil {
				return fmt.Errorf("failed to satisfy reminder: %w", err)
			}
		}
		return nil
	})
	if errors.Is(err, models.ErrDuplicateDeposit) {
		// A concurrent writer may have won the unique constraint; report what is stored.
		prior, lookupErr := l.storage.GetDepositBySource(ctx, planID, sourceRef)
		if lookupErr != nil || prior == nil {
			return nil, err
		}
		l.log.WithFields(logrus.Fields{
			"plan_id":          planID,
			"source_reference": sourceRef,
		}).Info("duplicate deposit confirmation ignored")
		return prior, models.ErrDuplicateDeposit
	}
	if err != nil {
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"plan_id":          planID,
		"sequence":         deposit.SequenceNumber,
		"amount":           amount.StringFixed(2),
		"source_reference": sourceRef,
	}).Info("deposit recorded")
	return deposit, nil
}

// PostInterest books the interest of one period at rate on the current balance.
// The boolean is false when the period was already posted; the existing entry is returned.
func (l *Ledger) PostInterest(ctx context.Context, planID uuid.UUID, period int, rate decimal.Decimal, at time.Time) (*models.InterestEntry, bool, error) {
	if period < 0 {
		return nil, false, models.NewValidationError("period_index", "must not be negative")
	}

	var (
		entry  *models.InterestEntry
		posted bool
	)
	err := l.storage.WithTx(ctx, func(tx store.Storage) error {
		existing, err := tx.GetInterestEntry(ctx, planID, period)
		if err != nil {
			return fmt.Errorf("failed to look up interest entry: %w", err)
		}
		if existing != nil {
			entry = existing
			return nil
		}

		plan, err := tx.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		if !plan.AcceptsLedgerMutations() {
			return &models.StateTransitionError{From: plan.Status, Action: "post interest to"}
		}

		entry = &models.InterestEntry{
			ID:           uuid.New(),
			PlanID:       planID,
			PeriodIndex:  period,
			Amount:       plan.Balance.Mul(rate).Round(2),
			BasisBalance: plan.Balance,
			ComputedAt:   at,
		}
		if err := tx.CreateInterestEntry(ctx, entry); err != nil {
			return err
		}

		plan.Balance = plan.Balance.Add(entry.Amount)
		plan.TotalInterest = plan.TotalInterest.Add(entry.Amount)
		if period > plan.LastInterestPeriod {
			plan.LastInterestPeriod = period
		}
		plan.UpdatedAt = at
		if err := tx.UpdatePlan(ctx, plan); err != nil {
			return fmt.Errorf("failed to update plan after interest: %w", err)
		}
		posted = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !posted {
		return entry, false, nil
	}

	log := l.log.WithFields(logrus.Fields{
		"plan_id": planID,
		"period":  period,
		"basis":   entry.BasisBalance.StringFixed(2),
		"amount":  entry.Amount.StringFixed(2),
	})
	log.Info("interest posted")
	if l.notifier != nil {
		if err := l.notifier.InterestPosted(ctx, planID, entry.Amount); err != nil {
			log.WithError(err).Warn("interest notification failed")
		}
	}
	return entry, true, nil
}

// RecordWithdrawal confirms a pending withdrawal request and takes its gross amount
// off the balance. The penalty stays with the ledger; only the net amount is paid out.
func (l *Ledger) RecordWithdrawal(ctx context.Context, requestID uuid.UUID, at time.Time) (*models.WithdrawalRequest, error) {
	var request *models.WithdrawalRequest
	err := l.storage.WithTx(ctx, func(tx store.Storage) error {
		var err error
		request, err = l.ApplyWithdrawal(ctx, tx, requestID, at)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"plan_id":       request.PlanID,
		"withdrawal_id": request.ID,
		"gross":         request.RequestedAmount.StringFixed(2),
		"penalty":       request.PenaltyAmount.StringFixed(2),
		"net":           request.NetAmount.StringFixed(2),
	}).Info("withdrawal recorded")
	return request, nil
}

// ApplyWithdrawal is RecordWithdrawal against a transaction the caller already holds.
//
// An early request confirmed once the plan has reached its end date is paid without
// the quoted penalty.
func (l *Ledger) ApplyWithdrawal(ctx context.Context, tx store.Storage, requestID uuid.UUID, at time.Time) (*models.WithdrawalRequest, error) {
	request, err := tx.GetWithdrawal(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status != models.WithdrawalStatusPending {
		return nil, fmt.Errorf("%w: withdrawal %s is %s", models.ErrInvalidStateTransition, request.ID, request.Status)
	}

	plan, err := tx.GetPlan(ctx, request.PlanID)
	if err != nil {
		return nil, err
	}
	if !plan.AcceptsLedgerMutations() {
		return nil, &models.StateTransitionError{From: plan.Status, Action: "withdraw from"}
	}
	if request.RequestedAmount.GreaterThan(plan.Balance) {
		return nil, fmt.Errorf("%w: requested %s, balance %s", models.ErrInsufficientBalance,
			request.RequestedAmount.StringFixed(2), plan.Balance.StringFixed(2))
	}

	matured := plan.Status == models.PlanStatusCompleted || !at.Before(plan.EndDate)
	if matured && request.PenaltyAmount.IsPositive() {
		l.log.WithFields(logrus.Fields{
			"plan_id":       plan.ID,
			"withdrawal_id": request.ID,
			"penalty":       request.PenaltyAmount.StringFixed(2),
		}).Info("plan matured before confirmation, penalty waived")
		request.PenaltyAmount = decimal.Zero
		request.NetAmount = request.RequestedAmount
		request.RemainingDays = 0
	}

	plan.Balance = plan.Balance.Sub(request.RequestedAmount)
	plan.UpdatedAt = at
	if err := tx.UpdatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to update plan balance: %w", err)
	}

	request.Status = models.WithdrawalStatusConfirmed
	request.ResolvedAt = &at
	if err := tx.UpdateWithdrawal(ctx, request); err != nil {
		return nil, fmt.Errorf("failed to confirm withdrawal: %w", err)
	}
	return request, nil
}

// RecomputeBalance derives the balance from the ledger entries:
// deposits plus interest minus the gross of confirmed withdrawals.
func (l *Ledger) RecomputeBalance(ctx context.Context, planID uuid.UUID) (decimal.Decimal, error) {
	deposits, err := l.storage.ListDeposits(ctx, planID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to list deposits: %w", err)
	}
	interest, err := l.storage.ListInterestEntries(ctx, planID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to list interest entries: %w", err)
	}
	withdrawals, err := l.storage.ListWithdrawals(ctx, planID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to list withdrawals: %w", err)
	}

	balance := decimal.Zero
	for _, d := range deposits {
		balance = balance.Add(d.Amount)
	}
	for _, e := range interest {
		balance = balance.Add(e.Amount)
	}
	for _, w := range withdrawals {
		if w.Status == models.WithdrawalStatusConfirmed {
			balance = balance.Sub(w.RequestedAmount)
		}
	}
	return balance, nil
}

// GetPlan retrieves a plan by its ID.
func (l *Ledger) GetPlan(ctx context.Context, id uuid.UUID) (*models.SavingsPlan, error) {
	return l.storage.GetPlan(ctx, id)
}

func (l *Ledger) Deposits(ctx context.Context, planID uuid.UUID) ([]*models.Deposit, error) {
	return l.storage.ListDeposits(ctx, planID)
}

func (l *Ledger) InterestEntries(ctx context.Context, planID uuid.UUID) ([]*models.InterestEntry, error) {
	return l.storage.ListInterestEntries(ctx, planID)
}

func (l *Ledger) Withdrawals(ctx context.Context, planID uuid.UUID) ([]*models.WithdrawalRequest, error) {
	return l.storage.ListWithdrawals(ctx, planID)
}
