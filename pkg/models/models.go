package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PlanStatus string

const (
	PlanStatusConfiguring PlanStatus = "configuring"
	PlanStatusActive      PlanStatus = "active"
	PlanStatusCompleted   PlanStatus = "completed"
	PlanStatusClosed      PlanStatus = "closed"
)

// CloseChoice is the user's decision when leaving a completed plan.
type CloseChoice string

const (
	CloseChoiceRestart     CloseChoice = "restart"
	CloseChoiceWithdrawAll CloseChoice = "withdraw"
	CloseChoiceKeepBalance CloseChoice = "keep"
)

type SavingsPlan struct {
	ID                 uuid.UUID       `json:"id"`
	OwnerID            string          `json:"owner_id"` // Link to external user system
	FixedAmount        decimal.Decimal `json:"fixed_amount"`
	FrequencyDays      int             `json:"frequency_days"`
	DurationMonths     int             `json:"duration_months"`
	TotalDeposits      int             `json:"total_deposits_required"`
	DepositsMade       int             `json:"deposits_made"`
	Balance            decimal.Decimal `json:"balance"`
	TotalInterest      decimal.Decimal `json:"total_interest"`
	LastInterestPeriod int             `json:"last_interest_period"` // -1 until the first month is posted
	Status             PlanStatus      `json:"status"`
	SetupFeeReference  string          `json:"setup_fee_reference"`
	CreatedAt          time.Time       `json:"created_at"`
	EndDate            time.Time       `json:"end_date"`
	UpdatedAt          time.Time       `json:"updated_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	FinalBalance       decimal.Decimal `json:"final_balance"`
	FinalInterest      decimal.Decimal `json:"final_interest"`
	ClosedAt           *time.Time      `json:"closed_at,omitempty"`
	CloseChoice        CloseChoice     `json:"close_choice,omitempty"`
	SuccessorPlanID    *uuid.UUID      `json:"successor_plan_id,omitempty"`
}

// CompletionPercentage is depositsMade / totalDepositsRequired rounded to a whole percent, clamped to [0,100].
func (p *SavingsPlan) CompletionPercentage() int {
	if p.TotalDeposits <= 0 {
		return 0
	}
	pct := decimal.NewFromInt(int64(p.DepositsMade)).
		Div(decimal.NewFromInt(int64(p.TotalDeposits))).
		Mul(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	// Rounding can reach 100 one deposit early on long schedules.
	if pct == 100 && p.DepositsMade < p.TotalDeposits {
		return 99
	}
	return int(pct)
}

// AcceptsLedgerMutations reports whether deposits and withdrawals may touch the plan.
func (p *SavingsPlan) AcceptsLedgerMutations() bool {
	return p.Status == PlanStatusActive || p.Status == PlanStatusCompleted
}

type Deposit struct {
	ID              uuid.UUID       `json:"id"`
	PlanID          uuid.UUID       `json:"plan_id"`
	SequenceNumber  int             `json:"sequence_number"`
	Amount          decimal.Decimal `json:"amount"`
	RecordedAt      time.Time       `json:"recorded_at"`
	SourceReference string          `json:"source_reference"` // Idempotency key from the payment confirmation
}

type InterestEntry struct {
	ID           uuid.UUID       `json:"id"`
	PlanID       uuid.UUID       `json:"plan_id"`
	PeriodIndex  int             `json:"period_index"`
	Amount       decimal.Decimal `json:"amount"`
	BasisBalance decimal.Decimal `json:"basis_balance"`
	ComputedAt   time.Time       `json:"computed_at"`
}

type Reminder struct {
	ID                   uuid.UUID  `json:"id"`
	PlanID               uuid.UUID  `json:"plan_id"`
	DepositSequence      int        `json:"deposit_sequence"`
	DueDate              time.Time  `json:"due_date"`
	ReminderDate         time.Time  `json:"reminder_date"`
	Acknowledged         bool       `json:"acknowledged"`
	SatisfiedByDepositID *uuid.UUID `json:"satisfied_by_deposit_id,omitempty"`
	NotifiedAt           *time.Time `json:"notified_at,omitempty"` // Set once the reminder event was delivered
}

type WithdrawalStatus string

const (
	WithdrawalStatusPending   WithdrawalStatus = "pending_confirmation"
	WithdrawalStatusConfirmed WithdrawalStatus = "confirmed"
	WithdrawalStatusCancelled WithdrawalStatus = "cancelled"
)

type WithdrawalRequest struct {
	ID              uuid.UUID        `json:"id"`
	PlanID          uuid.UUID        `json:"plan_id"`
	RequestedAmount decimal.Decimal  `json:"requested_amount"`
	RequestedAt     time.Time        `json:"requested_at"`
	IsEarly         bool             `json:"is_early"`
	RemainingDays   int              `json:"remaining_days"`
	PenaltyAmount   decimal.Decimal  `json:"penalty_amount"`
	NetAmount       decimal.Decimal  `json:"net_amount"`
	Status          WithdrawalStatus `json:"status"`
	ForceMajeure    bool             `json:"force_majeure"`
	OperatorID      string           `json:"operator_id,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
}

type PaymentStatus string

const (
	PaymentStatusPending     PaymentStatus = "pending"
	PaymentStatusConfirmed   PaymentStatus = "confirmed"
	PaymentStatusFailed      PaymentStatus = "failed"
	PaymentStatusUnconfirmed PaymentStatus = "unconfirmed" // Terminal: the gateway never answered in time
	PaymentStatusRejected    PaymentStatus = "rejected"    // Terminal: charged, but the plan could not take the deposit
)

// PaymentAttempt tracks one gateway charge for a deposit until it is resolved.
type PaymentAttempt struct {
	Reference  string          `json:"reference"`
	PlanID     uuid.UUID       `json:"plan_id"`
	Amount     decimal.Decimal `json:"amount"`
	Status     PaymentStatus   `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	Deadline   time.Time       `json:"deadline"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	DepositID  *uuid.UUID      `json:"deposit_id,omitempty"`
}

// UserStatus is what the product shows the saver: an unconfirmed charge is still "pending" to them.
func (a *PaymentAttempt) UserStatus() string {
	if a.Status == PaymentStatusUnconfirmed {
		return string(PaymentStatusPending)
	}
	return string(a.Status)
}
