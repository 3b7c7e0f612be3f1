// Package engine runs the lifecycle of savings plans: creation, periodic ticks,
// deposits, withdrawals and closing. It is the command surface the API and CLI use.
//
// Commands against one plan are serialized by a per-plan lock; different plans
// proceed independently. Notifications are sent after the state change is committed.
package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredSavings/pkg/accrual"
	"github.com/mcclellann/fredSavings/pkg/ledger"
	"github.com/mcclellann/fredSavings/pkg/models"
	"github.com/mcclellann/fredSavings/pkg/notify"
	"github.com/mcclellann/fredSavings/pkg/payment"
	"github.com/mcclellann/fredSavings/pkg/reminder"
	"github.com/mcclellann/fredSavings/pkg/schedule"
	"github.com/mcclellann/fredSavings/pkg/store"
	"github.com/mcclellann/fredSavings/pkg/withdrawal"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DefaultPaymentConfirmTimeout bounds how long a charge may stay pending.
const DefaultPaymentConfirmTimeout = 15 * time.Minute

type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

type Options struct {
	InterestRate          decimal.Decimal
	PenaltyRate           decimal.Decimal
	PaymentConfirmTimeout time.Duration
	Clock                 Clock
	Logger                logrus.FieldLogger
}

type Engine struct {
	store          store.Storage
	ledger         *ledger.Ledger
	accrual        *accrual.Engine
	policy         *withdrawal.Policy
	notifier       notify.Notifier
	gateway        payment.Gateway
	clock          Clock
	confirmTimeout time.Duration
	locks          sync.Map // uuid.UUID -> *sync.Mutex
	log            logrus.FieldLogger
}

// New wires an engine. A nil notifier logs events; zero options take the product defaults.
func New(s store.Storage, n notify.Notifier, g payment.Gateway, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.Out = io.Discard
		log = l
	}
	if n == nil {
		n = notify.NewLogNotifier(log)
	}
	if opts.InterestRate.IsZero() {
		opts.InterestRate = ledger.DefaultInterestRate
	}
	if opts.PenaltyRate.IsZero() {
		opts.PenaltyRate = withdrawal.DefaultPenaltyRate
	}
	if opts.PaymentConfirmTimeout <= 0 {
		opts.PaymentConfirmTimeout = DefaultPaymentConfirmTimeout
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}

	l := ledger.NewLedger(s, n, log)
	return &Engine{
		store:          s,
		ledger:         l,
		accrual:        accrual.NewEngine(l, opts.InterestRate),
		policy:         withdrawal.NewPolicy(opts.PenaltyRate),
		notifier:       n,
		gateway:        g,
		clock:          opts.Clock,
		confirmTimeout: opts.PaymentConfirmTimeout,
		log:            log,
	}
}

func (e *Engine) lock(planID uuid.UUID) func() {
	v, _ := e.locks.LoadOrStore(planID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// PlanConfig is what a saver submits to open a plan.
type PlanConfig struct {
	OwnerID           string          `json:"owner_id"`
	FixedAmount       decimal.Decimal `json:"fixed_amount"`
	FrequencyDays     int             `json:"frequency_days"`
	DurationMonths    int             `json:"duration_months"`
	SetupFeeReference string          `json:"setup_fee_reference"`
}

func (c PlanConfig) schedule() schedule.Config {
	return schedule.Config{FixedAmount: c.FixedAmount, FrequencyDays: c.FrequencyDays, DurationMonths: c.DurationMonths}
}

// CreatePlan validates the configuration and stores an Active plan together with
// its reminders. The setup fee must already be paid.
func (e *Engine) CreatePlan(ctx context.Context, cfg PlanConfig) (*models.SavingsPlan, error) {
	var plan *models.SavingsPlan
	err := e.store.WithTx(ctx, func(tx store.Storage) error {
		var err error
		plan, err = e.insertPlan(ctx, tx, cfg, e.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"plan_id":         plan.ID,
		"owner_id":        plan.OwnerID,
		"fixed_amount":    plan.FixedAmount.StringFixed(2),
		"frequency_days":  plan.FrequencyDays,
		"duration_months": plan.DurationMonths,
		"total_deposits":  plan.TotalDeposits,
	}).Info("plan created")
	return plan, nil
}

func (e *Engine) insertPlan(ctx context.Context, tx store.Storage, cfg PlanConfig, now time.Time) (*models.SavingsPlan, error) {
	if cfg.OwnerID == "" {
		return nil, models.NewValidationError("owner_id", "must not be empty")
	}
	sched, err := schedule.Generate(cfg.schedule(), now)
	if err != nil {
		return nil, err
	}
	if cfg.SetupFeeReference == "" {
		return nil, models.NewValidationError("setup_fee_reference", "setup fee must be paid before the plan starts")
	}

	plan := &models.SavingsPlan{
		ID:                 uuid.New(),
		OwnerID:            cfg.OwnerID,
		FixedAmount:        cfg.FixedAmount,
		FrequencyDays:      cfg.FrequencyDays,
		DurationMonths:     cfg.DurationMonths,
		TotalDeposits:      sched.TotalDeposits,
		Balance:            decimal.Zero,
		TotalInterest:      decimal.Zero,
		LastInterestPeriod: -1,
		Status:             models.PlanStatusActive,
		SetupFeeReference:  cfg.SetupFeeReference,
		CreatedAt:          now,
		EndDate:            sched.EndDate,
		UpdatedAt:          now,
		FinalBalance:       decimal.Zero,
		FinalInterest:      decimal.Zero,
	}
	if err := tx.CreatePlan(ctx, plan); err != nil {
		return nil, err
	}
	if err := tx.CreateReminders(ctx, reminder.Build(plan.ID, sched)); err != nil {
		return nil, fmt.Errorf("failed to create reminders: %w", err)
	}
	return plan, nil
}

// PlanError is a per-plan failure during a tick.
type PlanError struct {
	PlanID uuid.UUID `json:"plan_id" yaml:"plan_id"`
	Error  string    `json:"error" yaml:"error"`
}

// TickReport summarizes the work done by one OnTick call.
type TickReport struct {
	At              time.Time   `json:"at" yaml:"at"`
	PlansProcessed  int         `json:"plans_processed" yaml:"plans_processed"`
	InterestPosted  int         `json:"interest_posted" yaml:"interest_posted"`
	RemindersSent   int         `json:"reminders_sent" yaml:"reminders_sent"`
	PlansCompleted  int         `json:"plans_completed" yaml:"plans_completed"`
	PaymentsExpired int         `json:"payments_expired" yaml:"payments_expired"`
	Errors          []PlanError `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// OnTick does the time-driven work due at now: interest for elapsed months, completion
// of plans past their end date, reminders for tomorrow's deposits and expiry of
// unanswered payments. A failing plan is reported and does not stop the others.
func (e *Engine) OnTick(ctx context.Context, now time.Time) (*TickReport, error) {
	plans, err := e.store.ListPlansByStatus(ctx, models.PlanStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active plans: %w", err)
	}

	report := &TickReport{At: now}
	for _, p := range plans {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.PlansProcessed++
		if err := e.tickPlan(ctx, p.ID, now, report); err != nil {
			e.log.WithError(err).WithField("plan_id", p.ID).Error("tick failed for plan")
			report.Errors = append(report.Errors, PlanError{PlanID: p.ID, Error: err.Error()})
		}
	}

	expired, err := e.ExpirePayments(ctx, now)
	report.PaymentsExpired = expired
	if err != nil {
		return report, err
	}

	e.log.WithFields(logrus.Fields{
		"plans":     report.PlansProcessed,
		"interest":  report.InterestPosted,
		"reminders": report.RemindersSent,
		"completed": report.PlansCompleted,
		"expired":   report.PaymentsExpired,
		"errors":    len(report.Errors),
	}).Info("tick finished")
	return report, nil
}

func (e *Engine) tickPlan(ctx context.Context, planID uuid.UUID, now time.Time, report *TickReport) error {
	unlock := e.lock(planID)
	defer unlock()

	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if plan.Status != models.PlanStatusActive {
		return nil
	}

	posted, err := e.accrual.Accrue(ctx, plan, now)
	report.InterestPosted += len(posted)
	if err != nil {
		return err
	}

	if !now.Before(plan.EndDate) {
		completed, err := e.complete(ctx, planID, now)
		if err != nil {
			return err
		}
		if completed {
			report.PlansCompleted++
		}
		return nil
	}

	sent, err := e.sendReminders(ctx, planID, now)
	report.RemindersSent += sent
	return err
}

// complete moves an Active plan to Completed and freezes its final figures.
// It reports false when the plan had already left Active.
func (e *Engine) complete(ctx context.Context, planID uuid.UUID, now time.Time) (bool, error) {
	var plan *models.SavingsPlan
	err := e.store.WithTx(ctx, func(tx store.Storage) error {
		var err error
		plan, err = tx.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		if plan.Status != models.PlanStatusActive {
			plan = nil
			return nil
		}
		plan.Status = models.PlanStatusCompleted
		plan.CompletedAt = &now
		plan.FinalBalance = plan.Balance
		plan.FinalInterest = plan.TotalInterest
		plan.UpdatedAt = now
		return tx.UpdatePlan(ctx, plan)
	})
	if err != nil {
		return false, fmt.Errorf("failed to complete plan: %w", err)
	}
	if plan == nil {
		return false, nil
	}

	log := e.log.WithFields(logrus.Fields{
		"plan_id":        planID,
		"final_balance":  plan.FinalBalance.StringFixed(2),
		"final_interest": plan.FinalInterest.StringFixed(2),
		"deposits_made":  plan.DepositsMade,
	})
	log.Info("plan completed")
	if err := e.notifier.PlanCompleted(ctx, planID, plan.FinalBalance); err != nil {
		log.WithError(err).Warn("completion notification failed")
	}
	return true, nil
}

// sendReminders emits the reminders due today. A reminder is marked as notified only
// after the notifier accepted it, so a failed delivery is retried on the next tick.
func (e *Engine) sendReminders(ctx context.Context, planID uuid.UUID, now time.Time) (int, error) {
	reminders, err := e.store.ListReminders(ctx, planID)
	if err != nil {
		return 0, fmt.Errorf("failed to list reminders: %w", err)
	}

	sent := 0
	for _, r := range reminder.DueOn(reminders, now) {
		log := e.log.WithFields(logrus.Fields{"plan_id": planID, "deposit_sequence": r.DepositSequence})
		if err := e.notifier.ReminderDue(ctx, planID, r.DepositSequence, r.DueDate); err != nil {
			log.WithError(err).Warn("reminder notification failed, will retry")
			continue
		}
		at := now
		r.NotifiedAt = &at
		if err := e.store.UpdateReminder(ctx, r); err != nil {
			return sent, fmt.Errorf("failed to mark reminder notified: %w", err)
		}
		sent++
	}
	return sent, nil
}
