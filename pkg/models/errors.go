package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation                    = errors.New("validation failed")
	ErrAmountMismatch                = errors.New("deposit amount does not match the plan's fixed amount")
	ErrDuplicateDeposit              = errors.New("deposit already recorded for this source reference")
	ErrDepositLimitReached           = errors.New("all scheduled deposits have been made")
	ErrInsufficientBalance           = errors.New("insufficient balance")
	ErrEarlyWithdrawalPenaltyPending = errors.New("early withdrawal penalty requires confirmation")
	ErrPlanNotFound                  = errors.New("plan not found")
	ErrWithdrawalNotFound            = errors.New("withdrawal request not found")
	ErrPaymentNotFound               = errors.New("payment not found")
	ErrInvalidStateTransition        = errors.New("invalid state transition")
	ErrPaymentUnconfirmed            = errors.New("payment unconfirmed")
)

// ValidationError reports a rejected configuration or command argument.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StateTransitionError reports an action attempted from a status that does not allow it.
type StateTransitionError struct {
	From   PlanStatus
	Action string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("cannot %s a plan in status %q", e.Action, e.From)
}

func (e *StateTransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}
