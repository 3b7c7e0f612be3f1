// Package notify defines the events the savings engine emits to the outside world.
// Delivery (push, SMS, e-mail) belongs to the implementation.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Notifier receives savings plan events.
//
//go:generate mockgen -destination=mocks/mock_notify.go -source=notify.go Notifier
type Notifier interface {
	ReminderDue(ctx context.Context, planID uuid.UUID, depositSequence int, dueDate time.Time) error
	InterestPosted(ctx context.Context, planID uuid.UUID, amount decimal.Decimal) error
	PlanCompleted(ctx context.Context, planID uuid.UUID, finalBalance decimal.Decimal) error
}

// LogNotifier writes every event to a logrus logger. It is the default sink when no
// delivery channel is configured.
type LogNotifier struct {
	L logrus.FieldLogger
}

func NewLogNotifier(l logrus.FieldLogger) *LogNotifier {
	return &LogNotifier{L: l}
}

func (n *LogNotifier) ReminderDue(ctx context.Context, planID uuid.UUID, depositSequence int, dueDate time.Time) error {
	n.L.WithFields(logrus.Fields{
		"event":            "reminder_due",
		"plan_id":          planID,
		"deposit_sequence": depositSequence,
		"due_date":         dueDate.Format(time.DateOnly),
	}).Info("deposit reminder")
	return nil
}

func (n *LogNotifier) InterestPosted(ctx context.Context, planID uuid.UUID, amount decimal.Decimal) error {
	n.L.WithFields(logrus.Fields{
		"event":   "interest_posted",
		"plan_id": planID,
		"amount":  amount.StringFixed(2),
	}).Info("interest posted")
	return nil
}

func (n *LogNotifier) PlanCompleted(ctx context.Context, planID uuid.UUID, finalBalance decimal.Decimal) error {
	n.L.WithFields(logrus.Fields{
		"event":         "plan_completed",
		"plan_id":       planID,
		"final_balance": finalBalance.StringFixed(2),
	}).Info("plan completed")
	return nil
}
