package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredSavings/pkg/models"
)

// Storage defines the persistence operations for savings plans and their ledgers.
// Lookups of a missing record return an error wrapping the matching models.Err*NotFound.
type Storage interface {
	CreatePlan(ctx context.Context, plan *models.SavingsPlan) error
	GetPlan(ctx context.Context, id uuid.UUID) (*models.SavingsPlan, error)
	UpdatePlan(ctx context.Context, plan *models.SavingsPlan) error
	ListPlans(ctx context.Context, ownerID string) ([]*models.SavingsPlan, error)
	ListPlansByStatus(ctx context.Context, status models.PlanStatus) ([]*models.SavingsPlan, error)

	CreateDeposit(ctx context.Context, deposit *models.Deposit) error
	GetDepositBySource(ctx context.Context, planID uuid.UUID, sourceReference string) (*models.Deposit, error)
	ListDeposits(ctx context.Context, planID uuid.UUID) ([]*models.Deposit, error)

	CreateInterestEntry(ctx context.Context, entry *models.InterestEntry) error
	GetInterestEntry(ctx context.Context, planID uuid.UUID, periodIndex int) (*models.InterestEntry, error)
	ListInterestEntries(ctx context.Context, planID uuid.UUID) ([]*models.InterestEntry, error)

	CreateReminders(ctx context.Context, reminders []*models.Reminder) error
	UpdateReminder(ctx context.Context, reminder *models.Reminder) error
	ListReminders(ctx context.Context, planID uuid.UUID) ([]*models.Reminder, error)

	CreateWithdrawal(ctx context.Context, request *models.WithdrawalRequest) error
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error)
	UpdateWithdrawal(ctx context.Context, request *models.WithdrawalRequest) error
	ListWithdrawals(ctx context.Context, planID uuid.UUID) ([]*models.WithdrawalRequest, error)

	CreatePaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error
	GetPaymentAttempt(ctx context.Context, reference string) (*models.PaymentAttempt, error)
	UpdatePaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error
	ListPaymentAttempts(ctx context.Context, planID uuid.UUID) ([]*models.PaymentAttempt, error)
	ListExpiredPaymentAttempts(ctx context.Context, now time.Time) ([]*models.PaymentAttempt, error)

	// WithTx runs fn against a Storage bound to a single transaction. The transaction
	// commits when fn returns nil and rolls back otherwise. Nested calls join the outer one.
	WithTx(ctx context.Context, fn func(tx Storage) error) error

	Close() error
}
