package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/mcclellann/fredSavings/pkg/models"
	mock_notify "github.com/mcclellann/fredSavings/pkg/notify/mocks"
	mock_payment "github.com/mcclellann/fredSavings/pkg/payment/mocks"
	"github.com/mcclellann/fredSavings/pkg/schedule"
	"github.com/mcclellann/fredSavings/pkg/store"
	"github.com/mcclellann/fredSavings/pkg/withdrawal"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	eng      *Engine
	store    store.Storage
	clock    *fakeClock
	notifier *mock_notify.MockNotifier
	gateway  *mock_payment.MockGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	logger, _ := test.NewNullLogger()
	f := &fixture{
		store:    store.NewMemoryStore(),
		clock:    &fakeClock{now: day0},
		notifier: mock_notify.NewMockNotifier(ctrl),
		gateway:  mock_payment.NewMockGateway(ctrl),
	}
	f.eng = New(f.store, f.notifier, f.gateway, Options{
		PaymentConfirmTimeout: 10 * time.Minute,
		Clock:                 f.clock,
		Logger:                logger,
	})
	return f
}

// quiet accepts any notification; tests that care set their own expectations first.
func (f *fixture) quiet() {
	f.notifier.EXPECT().ReminderDue(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	f.notifier.EXPECT().InterestPosted(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	f.notifier.EXPECT().PlanCompleted(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
}

type decimalEq struct{ want decimal.Decimal }

func (m decimalEq) Matches(x interface{}) bool {
	d, ok := x.(decimal.Decimal)
	return ok && d.Equal(m.want)
}

func (m decimalEq) String() string { return "is equal to " + m.want.String() }

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func (f *fixture) createPlan(t *testing.T, freq, months int) *models.SavingsPlan {
	t.Helper()
	plan, err := f.eng.CreatePlan(context.Background(), PlanConfig{
		OwnerID:           "alice",
		FixedAmount:       dec(300),
		FrequencyDays:     freq,
		DurationMonths:    months,
		SetupFeeReference: "fee_" + uuid.NewString(),
	})
	require.NoError(t, err)
	return plan
}

func (f *fixture) deposit(t *testing.T, planID uuid.UUID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.eng.RecordDeposit(context.Background(), planID, fmt.Sprintf("src_%s_%d", planID, i), dec(300))
		require.NoError(t, err)
	}
}

func (f *fixture) plan(t *testing.T, id uuid.UUID) *models.SavingsPlan {
	t.Helper()
	p, err := f.store.GetPlan(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestCreatePlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plan := f.createPlan(t, 10, 3)
	assert.Equal(t, models.PlanStatusActive, plan.Status)
	assert.Equal(t, 9, plan.TotalDeposits)
	assert.Equal(t, -1, plan.LastInterestPeriod)
	assert.Equal(t, day0.AddDate(0, 0, 90), plan.EndDate)

	reminders, err := f.eng.Reminders(ctx, plan.ID)
	require.NoError(t, err)
	assert.Len(t, reminders, 9)
}

func TestCreatePlan_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		cfg   PlanConfig
		field string
	}{
		{"small amount", PlanConfig{OwnerID: "a", FixedAmount: dec(299), FrequencyDays: 5, DurationMonths: 1, SetupFeeReference: "f"}, "fixed_amount"},
		{"bad frequency", PlanConfig{OwnerID: "a", FixedAmount: dec(300), FrequencyDays: 7, DurationMonths: 1, SetupFeeReference: "f"}, "frequency_days"},
		{"bad duration", PlanConfig{OwnerID: "a", FixedAmount: dec(300), FrequencyDays: 5, DurationMonths: 4, SetupFeeReference: "f"}, "duration_months"},
		{"no owner", PlanConfig{FixedAmount: dec(300), FrequencyDays: 5, DurationMonths: 1, SetupFeeReference: "f"}, "owner_id"},
		{"setup fee unpaid", PlanConfig{OwnerID: "a", FixedAmount: dec(300), FrequencyDays: 5, DurationMonths: 1}, "setup_fee_reference"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.eng.CreatePlan(ctx, tt.cfg)
			require.ErrorIs(t, err, models.ErrValidation)
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	plans, err := f.eng.ListPlans(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestScenario_FirstMonthInterest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, 10, 3)

	f.notifier.EXPECT().InterestPosted(gomock.Any(), plan.ID, decimalEq{dec(135)}).Return(nil).Times(1)
	f.quiet()

	f.deposit(t, plan.ID, 9)
	report, err := f.eng.OnTick(ctx, day0.AddDate(0, 0, 30))
	require.NoError(t, err)
	assert.Equal(t, 1, report.InterestPosted)

	got := f.plan(t, plan.ID)
	assert.True(t, got.Balance.Equal(dec(2835)), "balance %s", got.Balance)

	// Same period again: nothing new.
	report, err = f.eng.OnTick(ctx, day0.AddDate(0, 0, 30).Add(6*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, report.InterestPosted)
	entries, err := f.eng.InterestEntries(ctx, plan.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOnTick_CatchesUpMissedPeriods(t *testing.T) {
	f := newFixture(t)
	f.quiet()
	ctx := context.Background()
	plan := f.createPlan(t, 10, 6)
	f.deposit(t, plan.ID, 3)

	report, err := f.eng.OnTick(ctx, day0.AddDate(0, 0, 95))
	require.NoError(t, err)
	assert.Equal(t, 3, report.InterestPosted)

	entries, err := f.eng.InterestEntries(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, i, e.PeriodIndex)
	}
	// 900 compounding monthly at 5%: 945, 992.25, 1041.86
	assert.True(t, f.plan(t, plan.ID).Balance.Equal(decimal.RequireFromString("1041.86")))
}

func TestOnTick_CompletesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, 10, 1)

	f.notifier.EXPECT().InterestPosted(gomock.Any(), plan.ID, decimalEq{dec(45)}).Return(nil).Times(1)
	f.notifier.EXPECT().PlanCompleted(gomock.Any(), plan.ID, decimalEq{dec(945)}).Return(nil).Times(1)
	f.quiet()

	f.deposit(t, plan.ID, 3)

	report, err := f.eng.OnTick(ctx, day0.AddDate(0, 0, 29))
	require.NoError(t, err)
	assert.Zero(t, report.PlansCompleted)
	assert.Equal(t, models.PlanStatusActive, f.plan(t, plan.ID).Status)

	end := day0.AddDate(0, 0, 30)
	report, err = f.eng.OnTick(ctx, end)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PlansCompleted)
	assert.Equal(t, 1, report.InterestPosted)

	got := f.plan(t, plan.ID)
	assert.Equal(t, models.PlanStatusCompleted, got.Status)
	assert.True(t, got.FinalBalance.Equal(dec(945)))
	assert.True(t, got.FinalInterest.Equal(dec(45)))
	require.NotNil(t, got.CompletedAt)

	report, err = f.eng.OnTick(ctx, end.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, report.PlansCompleted)
	assert.Zero(t, report.PlansProcessed)
}

func TestOnTick_RemindersFireOnceAndRetryOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, 5, 1)

	gomock.InOrder(
		f.notifier.EXPECT().ReminderDue(gomock.Any(), plan.ID, 1, gomock.Any()).Return(errors.New("push gateway down")),
		f.notifier.EXPECT().ReminderDue(gomock.Any(), plan.ID, 1, gomock.Any()).Return(nil),
	)

	day4 := day0.AddDate(0, 0, 4)
	report, err := f.eng.OnTick(ctx, day4)
	require.NoError(t, err)
	assert.Zero(t, report.RemindersSent)

	report, err = f.eng.OnTick(ctx, day4.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.RemindersSent)

	// Already delivered today.
	report, err = f.eng.OnTick(ctx, day4.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, report.RemindersSent)
}

func TestOnTick_NoReminderForSatisfiedSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, 5, 1)
	f.deposit(t, plan.ID, 1)

	// Slot 1 was paid early, so day 4 sends nothing; gomock fails on any call.
	report, err := f.eng.OnTick(ctx, day0.AddDate(0, 0, 4))
	require.NoError(t, err)
	assert.Zero(t, report.RemindersSent)
}

func TestRecordDeposit_DuplicateReturnsPriorDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, 10, 1)

	first, err := f.eng.RecordDeposit(ctx, plan.ID, "webhook-1", dec(300))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	again, err := f.eng.RecordDeposit(ctx, plan.ID, "webhook-1", dec(300))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Deposit.ID, again.Deposit.ID)
	assert.True(t, f.plan(t, plan.ID).Balance.Equal(dec(300)))

	_, err = f.eng.RecordDeposit(ctx, plan.ID, "webhook-2", dec(301))
	assert.ErrorIs(t, err, models.ErrAmountMismatch)
}

func TestCompletionPercentageIsMonotonic(t *testing.T) {
	f := newFixture(t)
	f.quiet()
	ctx := context.Background()
	plan := f.createPlan(t, 5, 6)

	last := -1
	for i := 0; i < plan.TotalDeposits; i++ {
		_, err := f.eng.RecordDeposit(ctx, plan.ID, fmt.Sprintf("d%d", i), dec(300))
		require.NoError(t, err)
		status, err := f.eng.GetStatus(ctx, plan.ID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, status.CompletionPercentage, last)
		if i < plan.TotalDeposits-1 {
			assert.Less(t, status.CompletionPercentage, 100)
		}
		last = status.CompletionPercentage
	}
	assert.Equal(t, 100, last)
}

func TestRequestWithdrawal_EarlyNeedsConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, 10, 3)
	f.deposit(t, plan.ID, 9)

	f.clock.Set(day0.AddDate(0, 0, 45))
	req, err := f.eng.RequestWithdrawal(ctx, plan.ID, dec(1000), withdrawal.Options{})
	require.ErrorIs(t, err, models.ErrEarlyWithdrawalPenaltyPending)
	require.NotNil(t, req)
	assert.Equal(t, models.WithdrawalStatusPending, req.Status)
	assert.True(t, req.IsEarly)
	assert.Equal(t, 45, req.RemainingDays)
	assert.True(t, req.PenaltyAmount.Equal(dec(100)))
	assert.True(t, req.NetAmount.Equal(dec(900)))
	assert.True(t, f.plan(t, plan.ID).Balance.Equal(dec(2700)), "no ledger effect before confirmation")

	status, err := f.eng.GetStatus(ctx, plan.ID)
	require.NoError(t, err)
	assert.Len(t, status.PendingWithdrawals, 1)

	confirmed, err := f.eng.ConfirmWithdrawal(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusConfirmed, confirmed.Status)
	assert.True(t, f.plan(t, plan.ID).Balance.Equal(dec(1700)))

	_, err = f.eng.CancelWithdrawal(ctx, req.ID)
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
}

func TestCancelWithdrawal_LeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, 10, 1)
	f.deposit(t, plan.ID, 3)

	req, err := f.eng.RequestWithdrawal(ctx, plan.ID, dec(600), withdrawal.Options{})
	require.ErrorIs(t, err, models.ErrEarlyWithdrawalPenaltyPending)

	cancelled, err := f.eng.CancelWithdrawal(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusCancelled, cancelled.Status)

	again, err := f.eng.CancelWithdrawal(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusCancelled, again.Status)

	_, err = f.eng.ConfirmWithdrawal(ctx, req.ID)
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
	assert.True(t, f.plan(t, plan.ID).Balance.Equal(dec(900)))

	_, err = f.eng.CancelWithdrawal(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrWithdrawalNotFound)
}

func TestRequestWithdrawal_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, 5, 2)
	f.deposit(t, plan.ID, 6) // 1800

	before := f.plan(t, plan.ID)
	_, err := f.eng.RequestWithdrawal(ctx, plan.ID, dec(2835), withdrawal.Options{})
	require.ErrorIs(t, err, models.ErrInsufficientBalance)

	after := f.plan(t, plan.ID)
	assert.True(t, before.Balance.Equal(after.Balance))
	ws, err := f.eng.Withdrawals(ctx, plan.ID)
	require.NoError(t, err)
	assert.Empty(t, ws)
}

func TestRequestWithdrawal_ForceMajeure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, 10, 3)
	f.deposit(t, plan.ID, 5)

	req, err := f.eng.RequestWithdrawal(ctx, plan.ID, dec(1500), withdrawal.Options{ForceMajeure: true, OperatorID: "op-1", Reason: "hospitalisation"})
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusPending, req.Status)
	assert.True(t, req.ForceMajeure)
	assert.True(t, req.PenaltyAmount.IsZero())
	assert.True(t, f.plan(t, plan.ID).Balance.Equal(dec(1500)), "operator must confirm first")

	_, err = f.eng.ConfirmWithdrawal(ctx, req.ID)
	require.ErrorIs(t, err, models.ErrInvalidStateTransition, "the saver cannot approve a waiver")
	_, err = f.eng.ConfirmForceMajeureWithdrawal(ctx, req.ID, "")
	require.ErrorIs(t, err, models.ErrValidation)
	assert.True(t, f.plan(t, plan.ID).Balance.Equal(dec(1500)))

	confirmed, err := f.eng.ConfirmForceMajeureWithdrawal(ctx, req.ID, "op-2")
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusConfirmed, confirmed.Status)
	assert.True(t, confirmed.NetAmount.Equal(dec(1500)))
	assert.True(t, f.plan(t, plan.ID).Balance.IsZero())

	stored, err := f.eng.Withdrawals(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "op-1", stored[0].OperatorID)
	assert.Equal(t, "hospitalisation", stored[0].Reason)
}

func TestConfirmForceMajeureWithdrawal_RejectsOrdinaryRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, 10, 1)
	f.deposit(t, plan.ID, 3)

	req, err := f.eng.RequestWithdrawal(ctx, plan.ID, dec(300), withdrawal.Options{})
	require.ErrorIs(t, err, models.ErrEarlyWithdrawalPenaltyPending)

	_, err = f.eng.ConfirmForceMajeureWithdrawal(ctx, req.ID, "op-1")
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
	assert.True(t, f.plan(t, plan.ID).Balance.Equal(dec(900)))
}

func TestConfirmWithdrawal_PenaltyWaivedOnceMatured(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.quiet()
	plan := f.createPlan(t, 10, 1)
	f.deposit(t, plan.ID, 3)

	f.clock.Set(day0.AddDate(0, 0, 20))
	req, err := f.eng.RequestWithdrawal(ctx, plan.ID, dec(300), withdrawal.Options{})
	require.ErrorIs(t, err, models.ErrEarlyWithdrawalPenaltyPending)
	assert.True(t, req.PenaltyAmount.Equal(dec(30)))

	end := day0.AddDate(0, 0, 30)
	_, err = f.eng.OnTick(ctx, end)
	require.NoError(t, err)
	require.Equal(t, models.PlanStatusCompleted, f.plan(t, plan.ID).Status)

	f.clock.Set(end.Add(time.Hour))
	confirmed, err := f.eng.ConfirmWithdrawal(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, confirmed.PenaltyAmount.IsZero())
	assert.True(t, confirmed.NetAmount.Equal(dec(300)))
	assert.Zero(t, confirmed.RemainingDays)
	assert.True(t, f.plan(t, plan.ID).Balance.Equal(dec(645)))

	stored, err := f.eng.Withdrawals(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].PenaltyAmount.IsZero())
}

func completedPlan(t *testing.T, f *fixture) *models.SavingsPlan {
	t.Helper()
	f.quiet()
	plan := f.createPlan(t, 10, 1)
	f.deposit(t, plan.ID, 3)
	end := day0.AddDate(0, 0, 30)
	_, err := f.eng.OnTick(context.Background(), end)
	require.NoError(t, err)
	f.clock.Set(end.Add(time.Hour))
	return f.plan(t, plan.ID)
}

func TestWithdrawalAfterCompletionHasNoPenalty(t *testing.T) {
	f := newFixture(t)
	plan := completedPlan(t, f)

	req, err := f.eng.RequestWithdrawal(context.Background(), plan.ID, dec(500), withdrawal.Options{})
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusConfirmed, req.Status)
	assert.False(t, req.IsEarly)
	assert.True(t, req.PenaltyAmount.IsZero())
	assert.True(t, f.plan(t, plan.ID).Balance.Equal(dec(445)))
}

func TestClosePlan(t *testing.T) {
	ctx := context.Background()

	t.Run("only from completed", func(t *testing.T) {
		f := newFixture(t)
		plan := f.createPlan(t, 10, 1)
		_, err := f.eng.ClosePlan(ctx, plan.ID, CloseRequest{Choice: models.CloseChoiceKeepBalance})
		assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
	})

	t.Run("keep balance", func(t *testing.T) {
		f := newFixture(t)
		plan := completedPlan(t, f)
		res, err := f.eng.ClosePlan(ctx, plan.ID, CloseRequest{Choice: models.CloseChoiceKeepBalance})
		require.NoError(t, err)
		assert.Equal(t, models.PlanStatusClosed, res.Plan.Status)
		assert.True(t, res.Plan.Balance.Equal(dec(945)))
		assert.Nil(t, res.Withdrawal)

		_, err = f.eng.RecordDeposit(ctx, plan.ID, "late", dec(300))
		assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
		_, err = f.eng.RequestWithdrawal(ctx, plan.ID, dec(10), withdrawal.Options{})
		assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
		_, err = f.eng.ClosePlan(ctx, plan.ID, CloseRequest{Choice: models.CloseChoiceKeepBalance})
		assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
	})

	t.Run("withdraw all", func(t *testing.T) {
		f := newFixture(t)
		plan := completedPlan(t, f)
		res, err := f.eng.ClosePlan(ctx, plan.ID, CloseRequest{Choice: models.CloseChoiceWithdrawAll})
		require.NoError(t, err)
		require.NotNil(t, res.Withdrawal)
		assert.True(t, res.Withdrawal.NetAmount.Equal(dec(945)))
		assert.True(t, res.Withdrawal.PenaltyAmount.IsZero())
		assert.True(t, res.Plan.Balance.IsZero())
		assert.True(t, res.Plan.FinalBalance.Equal(dec(945)), "final figures stay frozen")
	})

	t.Run("restart", func(t *testing.T) {
		f := newFixture(t)
		plan := completedPlan(t, f)

		_, err := f.eng.ClosePlan(ctx, plan.ID, CloseRequest{Choice: models.CloseChoiceRestart})
		require.ErrorIs(t, err, models.ErrValidation)

		res, err := f.eng.ClosePlan(ctx, plan.ID, CloseRequest{
			Choice:            models.CloseChoiceRestart,
			NewConfig:         &schedule.Config{FixedAmount: dec(500), FrequencyDays: 5, DurationMonths: 2},
			SetupFeeReference: "fee-2",
		})
		require.NoError(t, err)
		require.NotNil(t, res.Successor)
		assert.Equal(t, models.PlanStatusActive, res.Successor.Status)
		assert.Equal(t, 12, res.Successor.TotalDeposits)
		assert.Equal(t, "alice", res.Successor.OwnerID)
		require.NotNil(t, res.Plan.SuccessorPlanID)
		assert.Equal(t, res.Successor.ID, *res.Plan.SuccessorPlanID)
		assert.True(t, res.Plan.Balance.Equal(dec(945)), "balance retained")

		plans, err := f.eng.ListPlans(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, plans, 2)
	})

	t.Run("unknown choice", func(t *testing.T) {
		f := newFixture(t)
		plan := completedPlan(t, f)
		_, err := f.eng.ClosePlan(ctx, plan.ID, CloseRequest{Choice: "donate"})
		assert.ErrorIs(t, err, models.ErrValidation)
	})
}

// closeFails refuses to persist a Closed plan, standing in for a storage fault
// between the payout and the status change.
type closeFails struct {
	store.Storage
}

func (s closeFails) WithTx(ctx context.Context, fn func(tx store.Storage) error) error {
	return s.Storage.WithTx(ctx, func(tx store.Storage) error {
		return fn(closeFails{Storage: tx})
	})
}

func (s closeFails) UpdatePlan(ctx context.Context, plan *models.SavingsPlan) error {
	if plan.Status == models.PlanStatusClosed {
		return errors.New("disk full")
	}
	return s.Storage.UpdatePlan(ctx, plan)
}

func TestClosePlan_WithdrawIsAtomic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	plan := completedPlan(t, f)
	before := f.plan(t, plan.ID)

	logger, _ := test.NewNullLogger()
	eng := New(closeFails{Storage: f.store}, f.notifier, f.gateway, Options{Clock: f.clock, Logger: logger})
	_, err := eng.ClosePlan(ctx, plan.ID, CloseRequest{Choice: models.CloseChoiceWithdrawAll})
	require.Error(t, err)

	after := f.plan(t, plan.ID)
	assert.Equal(t, models.PlanStatusCompleted, after.Status)
	assert.True(t, after.Balance.Equal(before.Balance), "payout rolled back with the close")
	ws, err := f.eng.Withdrawals(ctx, plan.ID)
	require.NoError(t, err)
	assert.Empty(t, ws)

	res, err := f.eng.ClosePlan(ctx, plan.ID, CloseRequest{Choice: models.CloseChoiceWithdrawAll})
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusClosed, res.Plan.Status)
	assert.True(t, res.Plan.Balance.IsZero())
	require.NotNil(t, res.Withdrawal)
	assert.True(t, res.Withdrawal.NetAmount.Equal(before.Balance))
}

func TestPaymentFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, 10, 1)

	f.gateway.EXPECT().Charge(gomock.Any(), "alice", decimalEq{dec(300)}).Return("pay_1", nil)
	attempt, err := f.eng.InitiateDeposit(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, attempt.Status)
	assert.Equal(t, day0.Add(10*time.Minute), attempt.Deadline)

	res, err := f.eng.ConfirmPayment(ctx, "pay_1", dec(300))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 1, res.Deposit.SequenceNumber)

	// Webhook retry.
	res, err = f.eng.ConfirmPayment(ctx, "pay_1", dec(300))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.True(t, f.plan(t, plan.ID).Balance.Equal(dec(300)))

	got, err := f.eng.GetPayment(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusConfirmed, got.Status)
	require.NotNil(t, got.DepositID)
	assert.Equal(t, res.Deposit.ID, *got.DepositID)
}

func TestPaymentFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, 10, 1)

	f.gateway.EXPECT().Charge(gomock.Any(), gomock.Any(), gomock.Any()).Return("pay_2", nil)
	_, err := f.eng.InitiateDeposit(ctx, plan.ID)
	require.NoError(t, err)

	failed, err := f.eng.FailPayment(ctx, "pay_2")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, failed.Status)

	_, err = f.eng.ConfirmPayment(ctx, "pay_2", dec(300))
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
	assert.True(t, f.plan(t, plan.ID).Balance.IsZero())

	_, err = f.eng.FailPayment(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrPaymentNotFound)
}

func TestPaymentTimeoutIsUnconfirmedNotSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, 10, 1)

	f.gateway.EXPECT().Charge(gomock.Any(), gomock.Any(), gomock.Any()).Return("pay_3", nil)
	_, err := f.eng.InitiateDeposit(ctx, plan.ID)
	require.NoError(t, err)

	report, err := f.eng.OnTick(ctx, day0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, report.PaymentsExpired)

	report, err = f.eng.OnTick(ctx, day0.Add(11*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, report.PaymentsExpired)

	got, err := f.eng.GetPayment(ctx, "pay_3")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusUnconfirmed, got.Status)
	assert.Equal(t, "pending", got.UserStatus())

	f.clock.Set(day0.Add(12 * time.Minute))
	_, err = f.eng.ConfirmPayment(ctx, "pay_3", dec(300))
	assert.ErrorIs(t, err, models.ErrPaymentUnconfirmed)
	assert.True(t, f.plan(t, plan.ID).Balance.IsZero())
}

func TestPaymentConfirmedAfterDeadlineBeforeTick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, 10, 1)

	f.gateway.EXPECT().Charge(gomock.Any(), gomock.Any(), gomock.Any()).Return("pay_4", nil)
	_, err := f.eng.InitiateDeposit(ctx, plan.ID)
	require.NoError(t, err)

	f.clock.Set(day0.Add(time.Hour))
	_, err = f.eng.ConfirmPayment(ctx, "pay_4", dec(300))
	assert.ErrorIs(t, err, models.ErrPaymentUnconfirmed)

	got, err := f.eng.GetPayment(ctx, "pay_4")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusUnconfirmed, got.Status)
}

func TestInitiateDeposit_CountsChargesAwaitingConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, 10, 1)
	f.deposit(t, plan.ID, 2)

	f.gateway.EXPECT().Charge(gomock.Any(), gomock.Any(), gomock.Any()).Return("pay_last", nil)
	_, err := f.eng.InitiateDeposit(ctx, plan.ID)
	require.NoError(t, err)

	// The last slot is already being paid for.
	_, err = f.eng.InitiateDeposit(ctx, plan.ID)
	require.ErrorIs(t, err, models.ErrDepositLimitReached)

	// Once that charge lapses the slot can be charged again.
	f.clock.Set(day0.Add(11 * time.Minute))
	f.gateway.EXPECT().Charge(gomock.Any(), gomock.Any(), gomock.Any()).Return("pay_retry", nil)
	_, err = f.eng.InitiateDeposit(ctx, plan.ID)
	require.NoError(t, err)
}

func TestConfirmPayment_RefusedDepositIsRejectedNotPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.quiet()
	plan := f.createPlan(t, 10, 1)
	f.deposit(t, plan.ID, 2)

	f.gateway.EXPECT().Charge(gomock.Any(), gomock.Any(), gomock.Any()).Return("pay_b", nil)
	_, err := f.eng.InitiateDeposit(ctx, plan.ID)
	require.NoError(t, err)

	// The last slot is filled by another channel before the gateway answers.
	_, err = f.eng.RecordDeposit(ctx, plan.ID, "manual_3", dec(300))
	require.NoError(t, err)

	_, err = f.eng.ConfirmPayment(ctx, "pay_b", dec(300))
	require.ErrorIs(t, err, models.ErrDepositLimitReached)

	got, err := f.eng.GetPayment(ctx, "pay_b")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRejected, got.Status)
	assert.Equal(t, "rejected", got.UserStatus())
	require.NotNil(t, got.ResolvedAt)

	report, err := f.eng.OnTick(ctx, day0.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, report.PaymentsExpired)
	got, err = f.eng.GetPayment(ctx, "pay_b")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRejected, got.Status)

	_, err = f.eng.ConfirmPayment(ctx, "pay_b", dec(300))
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
	assert.True(t, f.plan(t, plan.ID).Balance.Equal(dec(900)))
}

func TestInitiateDeposit_GatewayError(t *testing.T) {
	f := newFixture(t)
	plan := f.createPlan(t, 10, 1)

	f.gateway.EXPECT().Charge(gomock.Any(), gomock.Any(), gomock.Any()).Return("", errors.New("card declined"))
	_, err := f.eng.InitiateDeposit(context.Background(), plan.ID)
	require.Error(t, err)

	_, err = f.eng.InitiateDeposit(context.Background(), uuid.New())
	assert.ErrorIs(t, err, models.ErrPlanNotFound)
}

func TestConcurrentCommandsKeepLedgerConsistent(t *testing.T) {
	f := newFixture(t)
	f.quiet()
	ctx := context.Background()
	plan := f.createPlan(t, 5, 6) // 36 slots
	other := f.createPlan(t, 5, 6)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			// Every deposit is delivered twice.
			_, _ = f.eng.RecordDeposit(ctx, plan.ID, fmt.Sprintf("p%d", i%15), dec(300))
		}(i)
		go func(i int) {
			defer wg.Done()
			_, _ = f.eng.RecordDeposit(ctx, other.ID, fmt.Sprintf("o%d", i), dec(300))
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.eng.OnTick(ctx, day0.AddDate(0, 0, 31))
		}()
	}
	wg.Wait()

	p := f.plan(t, plan.ID)
	assert.Equal(t, 15, p.DepositsMade)
	assert.Equal(t, 30, f.plan(t, other.ID).DepositsMade)

	for _, id := range []uuid.UUID{plan.ID, other.ID} {
		audit, err := f.eng.AuditBalance(ctx, id)
		require.NoError(t, err)
		assert.True(t, audit.Consistent, "stored %s recomputed %s", audit.Stored, audit.Recomputed)
		entries, err := f.eng.InterestEntries(ctx, id)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	}
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.createPlan(t, 10, 1)
	f.deposit(t, plan.ID, 1)

	f.clock.Set(day0.AddDate(0, 0, 22))
	v, err := f.eng.GetStatus(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 33, v.CompletionPercentage)
	require.NotNil(t, v.NextDueDate)
	assert.Equal(t, day0.AddDate(0, 0, 20), *v.NextDueDate)
	assert.Equal(t, 8, v.RemainingDays)
	assert.Equal(t, 1, v.MissedDeposits)
	assert.Nil(t, v.FinalBalance)

	_, err = f.eng.GetStatus(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrPlanNotFound)
}
