// Package apperror defines the two error classes the billing core surfaces to
// callers: validation failures and business rule violations. Both wrap a
// domain sentinel so callers can keep matching with errors.Is.
package apperror

import (
	"errors"
	"fmt"
)

// ValidationError reports bad input shape or range. It is never retried.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`

	cause error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.cause }

// Validation builds a ValidationError whose code is the sentinel text.
func Validation(cause error, field, message string) error {
	code := "invalid_request"
	if cause != nil {
		code = cause.Error()
	}
	return &ValidationError{Field: field, Code: code, Message: message, cause: cause}
}

// BusinessRuleViolation reports a request that is well formed but not allowed
// in the current state. Remediation tells the operator how to proceed.
type BusinessRuleViolation struct {
	Rule        string `json:"rule"`
	Reason      string `json:"reason"`
	Remediation string `json:"remediation,omitempty"`

	cause error
}

func (e *BusinessRuleViolation) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Reason)
}

func (e *BusinessRuleViolation) Unwrap() error { return e.cause }

func Violation(cause error, reason, remediation string) error {
	rule := "business_rule"
	if cause != nil {
		rule = cause.Error()
	}
	return &BusinessRuleViolation{Rule: rule, Reason: reason, Remediation: remediation, cause: cause}
}

func AsValidation(err error) (*ValidationError, bool) {
	var v *ValidationError
	if errors.As(err, &v) && v != nil {
		return v, true
	}
	return nil, false
}

func AsViolation(err error) (*BusinessRuleViolation, bool) {
	var v *BusinessRuleViolation
	if errors.As(err, &v) && v != nil {
		return v, true
	}
	return nil, false
}
