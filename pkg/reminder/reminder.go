// Package reminder derives deposit reminders from a plan's schedule and tracks which
// deposit slot each one belongs to. A missed slot is not an error: reminders are only
// nudges, and the deposit count follows actual deposits.
package reminder

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredSavings/pkg/models"
	"github.com/mcclellann/fredSavings/pkg/schedule"
)

// LeadTime is how long before a due date the reminder fires.
const LeadTime = schedule.Day

// Build creates one reminder per due date in the schedule.
func Build(planID uuid.UUID, s *schedule.Schedule) []*models.Reminder {
	reminders := make([]*models.Reminder, 0, len(s.DueDates))
	for i, due := range s.DueDates {
		reminders = append(reminders, &models.Reminder{
			ID:              uuid.New(),
			PlanID:          planID,
			DepositSequence: i + 1,
			DueDate:         due,
			ReminderDate:    due.Add(-LeadTime),
		})
	}
	return reminders
}

// SameDay compares calendar days in UTC.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// DueOn returns the reminders that should fire on the calendar day of now:
// reminder date is today, the slot is still open and no event was delivered yet.
func DueOn(reminders []*models.Reminder, now time.Time) []*models.Reminder {
	var due []*models.Reminder
	for _, r := range reminders {
		if r.Acknowledged || r.NotifiedAt != nil {
			continue
		}
		if SameDay(r.ReminderDate, now) {
			due = append(due, r)
		}
	}
	return due
}

// Satisfy marks the reminder of the deposit's slot as acknowledged and links the deposit.
// It returns the updated reminder, or nil if the slot has no reminder.
func Satisfy(reminders []*models.Reminder, deposit *models.Deposit) *models.Reminder {
	for _, r := range reminders {
		if r.DepositSequence != deposit.SequenceNumber {
			continue
		}
		id := deposit.ID
		r.Acknowledged = true
		r.SatisfiedByDepositID = &id
		return r
	}
	return nil
}

// Overdue lists open reminders whose due date has passed. Informational only.
func Overdue(reminders []*models.Reminder, now time.Time) []*models.Reminder {
	var overdue []*models.Reminder
	for _, r := range reminders {
		if !r.Acknowledged && r.DueDate.Before(now) {
			overdue = append(overdue, r)
		}
	}
	return overdue
}
