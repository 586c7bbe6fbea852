package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy for the pipeline. Handlers map these onto HTTP statuses;
// workers decide retry behavior from them.
var (
	// ErrValidation marks malformed input rejected before any side effect.
	ErrValidation = errors.New("validation error")

	// ErrConflict marks a rule overlap rejected before persistence.
	ErrConflict = errors.New("rule conflict")

	// ErrDependency marks a deletion blocked by live references.
	ErrDependency = errors.New("dependency error")

	// ErrDelivery marks a transient network/HTTP delivery failure.
	ErrDelivery = errors.New("delivery error")

	// ErrNotFound marks a missing record.
	ErrNotFound = errors.New("record not found")
)

// Validate checks the structural invariants of a rule.
func (r *FraudRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if r.Type == "" {
		return fmt.Errorf("%w: type is required", ErrValidation)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("%w: at least one condition is required", ErrValidation)
	}
	if r.Priority < 1 || r.Priority > 100 {
		return fmt.Errorf("%w: priority must be between 1 and 100", ErrValidation)
	}
	for i, c := range r.Conditions {
		if c.Field == "" {
			return fmt.Errorf("%w: condition %d is missing a field", ErrValidation, i)
		}
		if c.Operator == "" {
			return fmt.Errorf("%w: condition %d is missing an operator", ErrValidation, i)
		}
	}
	for i, a := range r.Actions {
		if a.Type == "" {
			return fmt.Errorf("%w: action %d is missing a type", ErrValidation, i)
		}
	}
	return nil
}
