package reminder

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredSavings/pkg/models"
	"github.com/mcclellann/fredSavings/pkg/schedule"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var created = time.Date(2025, 5, 1, 10, 30, 0, 0, time.UTC)

func buildFixture(t *testing.T) []*models.Reminder {
	t.Helper()
	s, err := schedule.Generate(schedule.Config{FixedAmount: decimal.NewFromInt(300), FrequencyDays: 10, DurationMonths: 1}, created)
	require.NoError(t, err)
	return Build(uuid.New(), s)
}

func TestBuild_OneReminderPerDueDate(t *testing.T) {
	rs := buildFixture(t)
	require.Len(t, rs, 3)
	for i, r := range rs {
		assert.Equal(t, i+1, r.DepositSequence)
		assert.Equal(t, created.AddDate(0, 0, 10*(i+1)), r.DueDate)
		assert.Equal(t, r.DueDate.AddDate(0, 0, -1), r.ReminderDate)
		assert.False(t, r.Acknowledged)
		assert.Nil(t, r.SatisfiedByDepositID)
	}
}

func TestDueOn(t *testing.T) {
	rs := buildFixture(t)

	// Day 9, any hour: first reminder fires.
	due := DueOn(rs, created.AddDate(0, 0, 9).Add(-10*time.Hour))
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].DepositSequence)

	// Nothing fires on the due date itself.
	assert.Empty(t, DueOn(rs, created.AddDate(0, 0, 10)))

	// Once delivered it does not fire again the same day.
	now := created.AddDate(0, 0, 9)
	rs[0].NotifiedAt = &now
	assert.Empty(t, DueOn(rs, now))
}

func TestDueOn_SkipsAcknowledgedSlots(t *testing.T) {
	rs := buildFixture(t)
	Satisfy(rs, &models.Deposit{ID: uuid.New(), SequenceNumber: 2})

	assert.Empty(t, DueOn(rs, created.AddDate(0, 0, 19)))
}

func TestSatisfy_EarlyOrLateDepositStillClosesItsSlot(t *testing.T) {
	rs := buildFixture(t)

	dep := &models.Deposit{ID: uuid.New(), SequenceNumber: 1}
	r := Satisfy(rs, dep)
	require.NotNil(t, r)
	assert.True(t, r.Acknowledged)
	require.NotNil(t, r.SatisfiedByDepositID)
	assert.Equal(t, dep.ID, *r.SatisfiedByDepositID)

	// Already fired reminder is satisfied just the same.
	fired := created.AddDate(0, 0, 19)
	rs[1].NotifiedAt = &fired
	r = Satisfy(rs, &models.Deposit{ID: uuid.New(), SequenceNumber: 2})
	require.NotNil(t, r)
	assert.True(t, r.Acknowledged)

	assert.Nil(t, Satisfy(rs, &models.Deposit{ID: uuid.New(), SequenceNumber: 9}))
}

func TestOverdue(t *testing.T) {
	rs := buildFixture(t)
	Satisfy(rs, &models.Deposit{ID: uuid.New(), SequenceNumber: 1})

	overdue := Overdue(rs, created.AddDate(0, 0, 25))
	require.Len(t, overdue, 1)
	assert.Equal(t, 2, overdue[0].DepositSequence)
}

func TestSameDay(t *testing.T) {
	a := time.Date(2025, 5, 10, 0, 0, 1, 0, time.UTC)
	b := time.Date(2025, 5, 10, 23, 59, 59, 0, time.UTC)
	c := time.Date(2025, 5, 11, 0, 0, 0, 0, time.UTC)
	assert.True(t, SameDay(a, b))
	assert.False(t, SameDay(b, c))
}
