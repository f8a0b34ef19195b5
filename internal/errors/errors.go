// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// Standard sentinel errors
var (
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrInvalidOrder       = errors.New("invalid order")
	ErrOrderRejected      = errors.New("order rejected")
	ErrForbiddenOperation = errors.New("forbidden operation")
	ErrRecordNotFound     = errors.New("record not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrIntentNotClaimable = errors.New("intent not claimable")
	ErrInvalidIntent      = errors.New("invalid intent")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrDatabaseError      = errors.New("database error")
	ErrReadOnlyMode       = errors.New("operation blocked: read-only mode enabled")
	ErrNoMarketPrice      = errors.New("no market price available")
	ErrGuardBlocked       = errors.New("blocked by execution guard")
	ErrRiskBlocked        = errors.New("blocked by risk gate")
)

// BrokerError represents an error from the broker API.
type BrokerError struct {
	Code    string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s]: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(code, message string, err error) *BrokerError {
	return &BrokerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	CommandID string
	Symbol    string
	Action    string
	Reason    string
	Err       error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.CommandID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.CommandID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(commandID, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		CommandID: commandID,
		Symbol:    symbol,
		Action:    action,
		Reason:    reason,
		Err:       err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// Unwrap lets callers match validation failures with ErrInvalidOrder.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidOrder
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// RiskError represents a risk management error.
type RiskError struct {
	Rule    string
	Current float64
	Limit   float64
	Message string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk violation [%s]: %s (current: %.2f, limit: %.2f)", e.Rule, e.Message, e.Current, e.Limit)
}

func (e *RiskError) Unwrap() error {
	return ErrRiskBlocked
}

// NewRiskError creates a new RiskError.
func NewRiskError(rule string, current, limit float64, message string) *RiskError {
	return &RiskError{
		Rule:    rule,
		Current: current,
		Limit:   limit,
		Message: message,
	}
}

// LegRejection is the guard's verdict on a single leg of a batch.
type LegRejection struct {
	Index    int
	Strategy string
	Symbol   string
	Rule     string
	Message  string
}

func (r LegRejection) Error() string {
	return fmt.Sprintf("leg %d %s/%s: %s: %s", r.Index, r.Strategy, r.Symbol, r.Rule, r.Message)
}

// GuardError carries one rejection per blocked leg of a batch.
type GuardError struct {
	Rejections []LegRejection
}

func (e *GuardError) Error() string {
	var err error
	for _, r := range e.Rejections {
		err = multierr.Append(err, r)
	}
	return fmt.Sprintf("execution guard rejected batch: %v", err)
}

func (e *GuardError) Unwrap() error {
	return ErrGuardBlocked
}

// Rejection returns the rejection for the leg at index, if any.
func (e *GuardError) Rejection(index int) (LegRejection, bool) {
	for _, r := range e.Rejections {
		if r.Index == index {
			return r, true
		}
	}
	return LegRejection{}, false
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// New is errors.New, re-exported so callers need a single import.
func New(text string) error {
	return errors.New(text)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
