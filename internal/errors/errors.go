// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// Standard sentinel errors
var (
	ErrRateLimited       = errors.New("rate limited")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrTimeout           = errors.New("operation timed out")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrOrderRejected     = errors.New("order rejected")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOrderNotFound     = errors.New("order not found")
	ErrTradingHalted     = errors.New("trading halted: drawdown limit breached")
	ErrZeroSize          = errors.New("order size is zero")
	ErrDecisionTimeout   = errors.New("decision source timed out")
	ErrMalformedDecision = errors.New("malformed decision")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrDataNotFound      = errors.New("data not found")
	ErrDatabaseError     = errors.New("database error")
	ErrQueueFull         = errors.New("queue full")
)

// Class is the handling class of an error.
type Class string

const (
	// ClassTransient errors are retried (network, timeout, rate limit).
	ClassTransient Class = "TRANSIENT"
	// ClassRejected errors are terminal business-rule failures, never retried.
	ClassRejected Class = "REJECTED"
	// ClassFatal errors stop all future trading.
	ClassFatal Class = "FATAL"
	// ClassDegradedInput errors fall back to no-trade for one cycle.
	ClassDegradedInput Class = "DEGRADED_INPUT"
)

// ExchangeError represents an error from the exchange API.
type ExchangeError struct {
	Class   Class
	Code    string
	Message string
	Err     error
}

func (e *ExchangeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exchange error [%s %s]: %s: %v", e.Class, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("exchange error [%s %s]: %s", e.Class, e.Code, e.Message)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a retryable ExchangeError.
func NewTransientError(code, message string, err error) *ExchangeError {
	return &ExchangeError{Class: ClassTransient, Code: code, Message: message, Err: err}
}

// NewRejectedError creates a terminal ExchangeError.
func NewRejectedError(code, message string, err error) *ExchangeError {
	return &ExchangeError{Class: ClassRejected, Code: code, Message: message, Err: err}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	ClientOrderID string
	Symbol        string
	Action        string
	Reason        string
	Err           error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.ClientOrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.ClientOrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(clientOrderID, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Action:        action,
		Reason:        reason,
		Err:           err,
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
	return fmt.Sprintf("risk violation [%s]: %s (current: %.4f, limit: %.4f)", e.Rule, e.Message, e.Current, e.Limit)
}

func (e *RiskError) Unwrap() error {
	return ErrTradingHalted
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

// DecisionError represents a degraded response from the decision source.
type DecisionError struct {
	Source string
	Symbol string
	Err    error
}

func (e *DecisionError) Error() string {
	return fmt.Sprintf("decision error [%s] %s: %v", e.Source, e.Symbol, e.Err)
}

func (e *DecisionError) Unwrap() error {
	return e.Err
}

// NewDecisionError creates a new DecisionError.
func NewDecisionError(source, symbol string, err error) *DecisionError {
	return &DecisionError{Source: source, Symbol: symbol, Err: err}
}

// Classify maps an error onto its handling class. Errors that carry no
// explicit class are treated as transient only when they look like transport
// failures; anything else is terminal so that it is never blindly retried.
func Classify(err error) Class {
	if err == nil {
		return ""
	}

	var exErr *ExchangeError
	if errors.As(err, &exErr) && exErr.Class != "" {
		return exErr.Class
	}

	var riskErr *RiskError
	if errors.As(err, &riskErr) || errors.Is(err, ErrTradingHalted) {
		return ClassFatal
	}

	var decErr *DecisionError
	if errors.As(err, &decErr) || errors.Is(err, ErrDecisionTimeout) || errors.Is(err, ErrMalformedDecision) {
		return ClassDegradedInput
	}

	switch {
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrConnectionFailed),
		errors.Is(err, ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return ClassTransient
	case errors.Is(err, ErrInvalidOrder),
		errors.Is(err, ErrOrderRejected),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrZeroSize):
		return ClassRejected
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassRejected
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
