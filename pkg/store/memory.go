package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredSavings/pkg/models"
)

// MemoryStore is an in-process Storage. Records are copied on the way in and out,
// so callers never share memory with the store. Transactions are serialized and
// roll back by restoring a snapshot.
type MemoryStore struct {
	st *memState
	tx bool
}

type memState struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data *memData
}

type memData struct {
	plans       map[uuid.UUID]*models.SavingsPlan
	deposits    map[uuid.UUID][]*models.Deposit
	interest    map[uuid.UUID][]*models.InterestEntry
	reminders   map[uuid.UUID][]*models.Reminder
	withdrawals map[uuid.UUID]*models.WithdrawalRequest
	payments    map[string]*models.PaymentAttempt
}

func newMemData() *memData {
	return &memData{
		plans:       make(map[uuid.UUID]*models.SavingsPlan),
		deposits:    make(map[uuid.UUID][]*models.Deposit),
		interest:    make(map[uuid.UUID][]*models.InterestEntry),
		reminders:   make(map[uuid.UUID][]*models.Reminder),
		withdrawals: make(map[uuid.UUID]*models.WithdrawalRequest),
		payments:    make(map[string]*models.PaymentAttempt),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.plans {
		c.plans[k] = copyPlan(v)
	}
	for k, v := range d.deposits {
		c.deposits[k] = append([]*models.Deposit(nil), v...)
	}
	for k, v := range d.interest {
		c.interest[k] = append([]*models.InterestEntry(nil), v...)
	}
	for k, v := range d.reminders {
		rs := make([]*models.Reminder, len(v))
		for i, r := range v {
			rs[i] = copyReminder(r)
		}
		c.reminders[k] = rs
	}
	for k, v := range d.withdrawals {
		c.withdrawals[k] = copyWithdrawal(v)
	}
	for k, v := range d.payments {
		c.payments[k] = copyPayment(v)
	}
	return c
}

func copyPlan(p *models.SavingsPlan) *models.SavingsPlan {
	c := *p
	return &c
}

func copyDeposit(d *models.Deposit) *models.Deposit {
	c := *d
	return &c
}

func copyInterest(e *models.InterestEntry) *models.InterestEntry {
	c := *e
	return &c
}

func copyReminder(r *models.Reminder) *models.Reminder {
	c := *r
	return &c
}

func copyWithdrawal(w *models.WithdrawalRequest) *models.WithdrawalRequest {
	c := *w
	return &c
}

func copyPayment(a *models.PaymentAttempt) *models.PaymentAttempt {
	c := *a
	return &c
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: &memState{data: newMemData()}}
}

func (m *MemoryStore) write(fn func(d *memData) error) error {
	if !m.tx {
		m.st.txMu.Lock()
		defer m.st.txMu.Unlock()
	}
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return fn(m.st.data)
}

func (m *MemoryStore) read(fn func(d *memData) error) error {
	m.st.mu.RLock()
	defer m.st.mu.RUnlock()
	return fn(m.st.data)
}

// WithTx runs fn with exclusive write access and restores the previous state if fn fails.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Storage) error) error {
	if m.tx {
		return fn(m)
	}
	m.st.txMu.Lock()
	defer m.st.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	m.st.mu.RLock()
	snapshot := m.st.data.clone()
	m.st.mu.RUnlock()

	if err := fn(&MemoryStore{st: m.st, tx: true}); err != nil {
		m.st.mu.Lock()
		m.st.data = snapshot
		m.st.mu.Unlock()
		return err
	}
	return nil
}

func (m *MemoryStore) CreatePlan(ctx context.Context, plan *models.SavingsPlan) error {
	return m.write(func(d *memData) error {
		if _, ok := d.plans[plan.ID]; ok {
			return fmt.Errorf("failed to create plan: %w", ErrConflict)
		}
		d.plans[plan.ID] = copyPlan(plan)
		return nil
	})
}

func (m *MemoryStore) GetPlan(ctx context.Context, id uuid.UUID) (*models.SavingsPlan, error) {
	var plan *models.SavingsPlan
	err := m.read(func(d *memData) error {
		p, ok := d.plans[id]
		if !ok {
			return fmt.Errorf("plan %s: %w", id, models.ErrPlanNotFound)
		}
		plan = copyPlan(p)
		return nil
	})
	return plan, err
}

func (m *MemoryStore) UpdatePlan(ctx context.Context, plan *models.SavingsPlan) error {
	return m.write(func(d *memData) error {
		if _, ok := d.plans[plan.ID]; !ok {
			return fmt.Errorf("plan %s: %w", plan.ID, models.ErrPlanNotFound)
		}
		d.plans[plan.ID] = copyPlan(plan)
		return nil
	})
}

func (m *MemoryStore) ListPlans(ctx context.Context, ownerID string) ([]*models.SavingsPlan, error) {
	return m.filterPlans(func(p *models.SavingsPlan) bool { return ownerID == "" || p.OwnerID == ownerID })
}

func (m *MemoryStore) ListPlansByStatus(ctx context.Context, status models.PlanStatus) ([]*models.SavingsPlan, error) {
	return m.filterPlans(func(p *models.SavingsPlan) bool { return p.Status == status })
}

func (m *MemoryStore) filterPlans(keep func(p *models.SavingsPlan) bool) ([]*models.SavingsPlan, error) {
	var plans []*models.SavingsPlan
	err := m.read(func(d *memData) error {
		for _, p := range d.plans {
			if keep(p) {
				plans = append(plans, copyPlan(p))
			}
		}
		return nil
	})
	sort.Slice(plans, func(i, j int) bool { return plans[i].CreatedAt.Before(plans[j].CreatedAt) })
	return plans, err
}

func (m *MemoryStore) CreateDeposit(ctx context.Context, deposit *models.Deposit) error {
	return m.write(func(d *memData) error {
		if _, ok := d.plans[deposit.PlanID]; !ok {
			return fmt.Errorf("plan %s: %w", deposit.PlanID, models.ErrPlanNotFound)
		}
		for _, existing := range d.deposits[deposit.PlanID] {
			if existing.SourceReference == deposit.SourceReference || existing.SequenceNumber == deposit.SequenceNumber {
				return fmt.Errorf("failed to create deposit: %w", models.ErrDuplicateDeposit)
			}
		}
		d.deposits[deposit.PlanID] = append(d.deposits[deposit.PlanID], copyDeposit(deposit))
		return nil
	})
}

func (m *MemoryStore) GetDepositBySource(ctx context.Context, planID uuid.UUID, sourceReference string) (*models.Deposit, error) {
	var found *models.Deposit
	err := m.read(func(d *memData) error {
		for _, dep := range d.deposits[planID] {
			if dep.SourceReference == sourceReference {
				found = copyDeposit(dep)
				break
			}
		}
		return nil
	})
	return found, err
}

func (m *MemoryStore) ListDeposits(ctx context.Context, planID uuid.UUID) ([]*models.Deposit, error) {
	var deposits []*models.Deposit
	err := m.read(func(d *memData) error {
		for _, dep := range d.deposits[planID] {
			deposits = append(deposits, copyDeposit(dep))
		}
		return nil
	})
	sort.Slice(deposits, func(i, j int) bool { return deposits[i].SequenceNumber < deposits[j].SequenceNumber })
	return deposits, err
}

func (m *MemoryStore) CreateInterestEntry(ctx context.Context, entry *models.InterestEntry) error {
	return m.write(func(d *memData) error {
		for _, existing := range d.interest[entry.PlanID] {
			if existing.PeriodIndex == entry.PeriodIndex {
				return fmt.Errorf("failed to create interest entry: %w", ErrConflict)
			}
		}
		d.interest[entry.PlanID] = append(d.interest[entry.PlanID], copyInterest(entry))
		return nil
	})
}

func (m *MemoryStore) GetInterestEntry(ctx context.Context, planID uuid.UUID, periodIndex int) (*models.InterestEntry, error) {
	var found *models.InterestEntry
	err := m.read(func(d *memData) error {
		for _, e := range d.interest[planID] {
			if e.PeriodIndex == periodIndex {
				found = copyInterest(e)
				break
			}
		}
		return nil
	})
	return found, err
}

func (m *MemoryStore) ListInterestEntries(ctx context.Context, planID uuid.UUID) ([]*models.InterestEntry, error) {
	var entries []*models.InterestEntry
	err := m.read(func(d *memData) error {
		for _, e := range d.interest[planID] {
			entries = append(entries, copyInterest(e))
		}
		return nil
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].PeriodIndex < entries[j].PeriodIndex })
	return entries, err
}

func (m *MemoryStore) CreateReminders(ctx context.Context, reminders []*models.Reminder) error {
	return m.write(func(d *memData) error {
		for _, r := range reminders {
			d.reminders[r.PlanID] = append(d.reminders[r.PlanID], copyReminder(r))
		}
		return nil
	})
}

func (m *MemoryStore) UpdateReminder(ctx context.Context, reminder *models.Reminder) error {
	return m.write(func(d *memData) error {
		for i, r := range d.reminders[reminder.PlanID] {
			if r.ID == reminder.ID {
				d.reminders[reminder.PlanID][i] = copyReminder(reminder)
				return nil
			}
		}
		return fmt.Errorf("reminder %s not found", reminder.ID)
	})
}

func (m *MemoryStore) ListReminders(ctx context.Context, planID uuid.UUID) ([]*models.Reminder, error) {
	var reminders []*models.Reminder
	err := m.read(func(d *memData) error {
		for _, r := range d.reminders[planID] {
			reminders = append(reminders, copyReminder(r))
		}
		return nil
	})
	sort.Slice(reminders, func(i, j int) bool { return reminders[i].DepositSequence < reminders[j].DepositSequence })
	return reminders, err
}

func (m *MemoryStore) CreateWithdrawal(ctx context.Context, request *models.WithdrawalRequest) error {
	return m.write(func(d *memData) error {
		d.withdrawals[request.ID] = copyWithdrawal(request)
		return nil
	})
}

func (m *MemoryStore) GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	var found *models.WithdrawalRequest
	err := m.read(func(d *memData) error {
		w, ok := d.withdrawals[id]
		if !ok {
			return fmt.Errorf("withdrawal %s: %w", id, models.ErrWithdrawalNotFound)
		}
		found = copyWithdrawal(w)
		return nil
	})
	return found, err
}

func (m *MemoryStore) UpdateWithdrawal(ctx context.Context, request *models.WithdrawalRequest) error {
	return m.write(func(d *memData) error {
		if _, ok := d.withdrawals[request.ID]; !ok {
			return fmt.Errorf("withdrawal %s: %w", request.ID, models.ErrWithdrawalNotFound)
		}
		d.withdrawals[request.ID] = copyWithdrawal(request)
		return nil
	})
}

func (m *MemoryStore) ListWithdrawals(ctx context.Context, planID uuid.UUID) ([]*models.WithdrawalRequest, error) {
	var requests []*models.WithdrawalRequest
	err := m.read(func(d *memData) error {
		for _, w := range d.withdrawals {
			if w.PlanID == planID {
				requests = append(requests, copyWithdrawal(w))
			}
		}
		return nil
	})
	sort.Slice(requests, func(i, j int) bool { return requests[i].RequestedAt.Before(requests[j].RequestedAt) })
	return requests, err
}

func (m *MemoryStore) CreatePaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	return m.write(func(d *memData) error {
		if _, ok := d.payments[attempt.Reference]; ok {
			return fmt.Errorf("failed to create payment attempt: %w", ErrConflict)
		}
		d.payments[attempt.Reference] = copyPayment(attempt)
		return nil
	})
}

func (m *MemoryStore) GetPaymentAttempt(ctx context.Context, reference string) (*models.PaymentAttempt, error) {
	var found *models.PaymentAttempt
	err := m.read(func(d *memData) error {
		a, ok := d.payments[reference]
		if !ok {
			return fmt.Errorf("payment %s: %w", reference, models.ErrPaymentNotFound)
		}
		found = copyPayment(a)
		return nil
	})
	return found, err
}

func (m *MemoryStore) UpdatePaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	return m.write(func(d *memData) error {
		if _, ok := d.payments[attempt.Reference]; !ok {
			return fmt.Errorf("payment %s: %w", attempt.Reference, models.ErrPaymentNotFound)
		}
		d.payments[attempt.Reference] = copyPayment(attempt)
		return nil
	})
}

func (m *MemoryStore) ListPaymentAttempts(ctx context.Context, planID uuid.UUID) ([]*models.PaymentAttempt, error) {
	var attempts []*models.PaymentAttempt
	err := m.read(func(d *memData) error {
		for _, a := range d.payments {
			if a.PlanID == planID {
				attempts = append(attempts, copyPayment(a))
			}
		}
		return nil
	})
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].CreatedAt.Before(attempts[j].CreatedAt) })
	return attempts, err
}

func (m *MemoryStore) ListExpiredPaymentAttempts(ctx context.Context, now time.Time) ([]*models.PaymentAttempt, error) {
	var expired []*models.PaymentAttempt
	err := m.read(func(d *memData) error {
		for _, a := range d.payments {
			if a.Status == models.PaymentStatusPending && a.Deadline.Before(now) {
				expired = append(expired, copyPayment(a))
			}
		}
		return nil
	})
	sort.Slice(expired, func(i, j int) bool { return expired[i].CreatedAt.Before(expired[j].CreatedAt) })
	return expired, err
}

func (m *MemoryStore) Close() error {
	return nil
}
