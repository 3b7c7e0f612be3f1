// Package payment holds the port to the upstream payment collaborator.
//
// A charge only yields a pending reference. The outcome arrives later, through
// the webhook handled by the API, as a confirmation or a failure for that reference.
package payment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Gateway starts charges against a saver's payment method.
//
//go:generate mockgen -destination=mocks/mock_payment.go -source=payment.go Gateway
type Gateway interface {
	Charge(ctx context.Context, ownerID string, amount decimal.Decimal) (string, error)
}

// LocalGateway issues references without contacting a processor. Confirmations are
// expected from whoever settles the charge out of band (operators, a sandbox, tests).
type LocalGateway struct {
	Prefix string
	L      logrus.FieldLogger
}

func NewLocalGateway(prefix string, l logrus.FieldLogger) *LocalGateway {
	return &LocalGateway{Prefix: prefix, L: l}
}

func (g *LocalGateway) Charge(ctx context.Context, ownerID string, amount decimal.Decimal) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("charge amount must be positive, got %s", amount)
	}
	ref := g.Prefix + uuid.NewString()
	g.L.WithFields(logrus.Fields{
		"owner_id":  ownerID,
		"amount":    amount.StringFixed(2),
		"reference": ref,
	}).Info("charge issued, awaiting confirmation")
	return ref, nil
}
