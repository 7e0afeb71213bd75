// Package validation enforces structural and transition rules for flow state documents
package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/flowstate-dev/flowstate/pkg/flow"
	"github.com/flowstate-dev/flowstate/pkg/store"
)

// Validator checks flow state documents for structural integrity before they
// are persisted. It accumulates every problem instead of stopping at the
// first one, so callers can report the full damage of a corrupted document.
type Validator struct {
	validate *validator.Validate
}

// New creates a Validator backed by a shared validator instance.
func New() *Validator {
	return &Validator{validate: validator.New()}
}

// Validate returns nil for a structurally sound state, or an Invalid store
// error listing every violated constraint.
func (v *Validator) Validate(state *flow.State) error {
	if state == nil {
		return store.NewError(store.KindInvalid, "Validate", "", "",
			fmt.Errorf("%w: state is nil", store.ErrInvalidState))
	}

	problems := v.structuralProblems(state)
	if len(problems) == 0 {
		return nil
	}

	return store.NewError(store.KindInvalid, "Validate", state.FlowID, state.TenantID,
		fmt.Errorf("%w: %s", store.ErrInvalidState, strings.Join(problems, "; ")))
}

func (v *Validator) structuralProblems(state *flow.State) []string {
	var problems []string

	// Scalar constraints are expressed as struct tags; collection and
	// timestamp rules need explicit checks because the tags cannot tell a
	// nil map from an empty one.
	if err := v.validate.Struct(state); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			for _, fieldErr := range validationErrors {
				problems = append(problems, fmt.Sprintf("field %s violates %s", fieldErr.Field(), fieldErr.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	if !state.CurrentPhase.Valid() {
		problems = append(problems, fmt.Sprintf("unknown phase %q", state.CurrentPhase))
	}

	if !state.Status.Valid() {
		problems = append(problems, fmt.Sprintf("unknown status %q", state.Status))
	}

	if state.PhaseCompletion == nil {
		problems = append(problems, "phase_completion is nil")
	} else {
		for phase := range state.PhaseCompletion {
			if !phase.Valid() {
				problems = append(problems, fmt.Sprintf("phase_completion references unknown phase %q", phase))
			}
		}
	}

	if state.Errors == nil {
		problems = append(problems, "errors is nil")
	}

	if state.Warnings == nil {
		problems = append(problems, "warnings is nil")
	}

	if state.WorkflowLog == nil {
		problems = append(problems, "workflow_log is nil")
	}

	if state.Data == nil {
		problems = append(problems, "data is nil")
	}

	if state.CreatedAt.IsZero() {
		problems = append(problems, "created_at is zero")
	}

	if state.UpdatedAt.IsZero() {
		problems = append(problems, "updated_at is zero")
	}

	if !state.CreatedAt.IsZero() && !state.UpdatedAt.IsZero() && state.UpdatedAt.Before(state.CreatedAt) {
		problems = append(problems, "updated_at precedes created_at")
	}

	return problems
}

// ValidateTransition checks whether a flow may advance from its current
// phase to target. Only the immediately following phase is reachable;
// terminal flows and same-phase re-entry are rejected.
func ValidateTransition(current *flow.State, target flow.Phase) error {
	if current == nil {
		return store.NewError(store.KindInvalid, "ValidateTransition", "", "",
			fmt.Errorf("%w: state is nil", store.ErrInvalidState))
	}

	transitionErr := func(format string, args ...any) error {
		return store.NewError(store.KindInvalidTransition, "ValidateTransition", current.FlowID, current.TenantID,
			fmt.Errorf("%w: %s", store.ErrInvalidTransition, fmt.Sprintf(format, args...)))
	}

	if current.Status.Terminal() {
		return transitionErr("flow is %s and admits no further transitions", current.Status)
	}

	if !target.Valid() {
		return transitionErr("unknown target phase %q", target)
	}

	if target == current.CurrentPhase {
		return transitionErr("flow is already in phase %s", target)
	}

	next, ok := current.CurrentPhase.Next()
	if !ok {
		return transitionErr("phase %s has no successor", current.CurrentPhase)
	}

	if next != target {
		return transitionErr("cannot skip from %s to %s, next phase is %s", current.CurrentPhase, target, next)
	}

	return nil
}
