package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/fredSavings/pkg/models"
	"github.com/mcclellann/fredSavings/pkg/schedule"
	"github.com/mcclellann/fredSavings/pkg/store"
	"github.com/mcclellann/fredSavings/pkg/withdrawal"
	"github.com/sirupsen/logrus"
)

// CloseRequest is the saver's decision for a completed plan.
type CloseRequest struct {
	Choice models.CloseChoice `json:"choice"`
	// NewConfig overrides the successor's shape on restart; nil reuses the current one.
	NewConfig         *schedule.Config `json:"new_config,omitempty"`
	SetupFeeReference string           `json:"setup_fee_reference,omitempty"`
	// WithdrawBalance pays out the balance before a restart.
	WithdrawBalance bool `json:"withdraw_balance,omitempty"`
}

type CloseResult struct {
	Plan       *models.SavingsPlan       `json:"plan"`
	Successor  *models.SavingsPlan       `json:"successor,omitempty"`
	Withdrawal *models.WithdrawalRequest `json:"withdrawal,omitempty"`
}

// ClosePlan moves a Completed plan to Closed according to the saver's choice:
// withdraw everything, keep the balance, or restart with a successor plan.
func (e *Engine) ClosePlan(ctx context.Context, planID uuid.UUID, req CloseRequest) (*CloseResult, error) {
	unlock := e.lock(planID)
	defer unlock()

	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != models.PlanStatusCompleted {
		return nil, &models.StateTransitionError{From: plan.Status, Action: "close"}
	}

	var successorCfg PlanConfig
	withdraw := false
	switch req.Choice {
	case models.CloseChoiceWithdrawAll:
		withdraw = true
	case models.CloseChoiceKeepBalance:
	case models.CloseChoiceRestart:
		if req.SetupFeeReference == "" {
			return nil, models.NewValidationError("setup_fee_reference", "required to restart a plan")
		}
		successorCfg = PlanConfig{
			OwnerID:           plan.OwnerID,
			FixedAmount:       plan.FixedAmount,
			FrequencyDays:     plan.FrequencyDays,
			DurationMonths:    plan.DurationMonths,
			SetupFeeReference: req.SetupFeeReference,
		}
		if req.NewConfig != nil {
			successorCfg.FixedAmount = req.NewConfig.FixedAmount
			successorCfg.FrequencyDays = req.NewConfig.FrequencyDays
			successorCfg.DurationMonths = req.NewConfig.DurationMonths
		}
		if err := successorCfg.schedule().Validate(); err != nil {
			return nil, err
		}
		withdraw = req.WithdrawBalance
	default:
		return nil, models.NewValidationError("choice", fmt.Sprintf("unknown close choice %q", req.Choice))
	}

	now := e.clock.Now()
	result := &CloseResult{}
	err = e.store.WithTx(ctx, func(tx store.Storage) error {
		p, err := tx.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		if withdraw && p.Balance.IsPositive() {
			// Completed plans are never early, so the payout is penalty free.
			w, _, err := e.openWithdrawal(ctx, tx, p, p.Balance, now, withdrawal.Options{})
			if err != nil {
				return err
			}
			if result.Withdrawal, err = e.ledger.ApplyWithdrawal(ctx, tx, w.ID, now); err != nil {
				return err
			}
			if p, err = tx.GetPlan(ctx, planID); err != nil {
				return err
			}
		}
		if req.Choice == models.CloseChoiceRestart {
			succ, err := e.insertPlan(ctx, tx, successorCfg, now)
			if err != nil {
				return err
			}
			result.Successor = succ
			p.SuccessorPlanID = &succ.ID
		}
		p.Status = models.PlanStatusClosed
		p.CloseChoice = req.Choice
		p.ClosedAt = &now
		p.UpdatedAt = now
		result.Plan = p
		return tx.UpdatePlan(ctx, p)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to close plan: %w", err)
	}

	fields := logrus.Fields{
		"plan_id": planID,
		"choice":  req.Choice,
		"balance": result.Plan.Balance.StringFixed(2),
	}
	if result.Successor != nil {
		fields["successor_plan_id"] = result.Successor.ID
	}
	if result.Withdrawal != nil {
		fields["withdrawal_id"] = result.Withdrawal.ID
		fields["paid_out"] = result.Withdrawal.NetAmount.StringFixed(2)
	}
	e.log.WithFields(fields).Info("plan closed")
	return result, nil
}
