package validation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstate-dev/flowstate/pkg/flow"
	"github.com/flowstate-dev/flowstate/pkg/store"
	"github.com/flowstate-dev/flowstate/pkg/validation"
)

func TestValidator_Validate_ValidState(t *testing.T) {
	t.Parallel()

	validator := validation.New()
	state := flow.NewState("flow-123", "tenant-456")

	assert.NoError(t, validator.Validate(state))
}

func TestValidator_Validate_ValidStateAllPhases(t *testing.T) {
	t.Parallel()

	validator := validation.New()

	for _, phase := range flow.Phases() {
		t.Run(string(phase), func(t *testing.T) {
			state := flow.NewState("flow-123", "tenant-456")
			state.CurrentPhase = phase
			state.ProgressPercentage = phase.Progress()
			state.Status = flow.StatusRunning

			assert.NoError(t, validator.Validate(state))
		})
	}
}

func TestValidator_Validate_NilState(t *testing.T) {
	t.Parallel()

	err := validation.New().Validate(nil)
	require.Error(t, err)
	assert.True(t, store.IsInvalid(err))
}

func TestValidator_Validate_Problems(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		mutate  func(*flow.State)
		problem string
	}{
		{
			name:    "missing flow id",
			mutate:  func(s *flow.State) { s.FlowID = "" },
			problem: "FlowID",
		},
		{
			name:    "missing tenant id",
			mutate:  func(s *flow.State) { s.TenantID = "" },
			problem: "TenantID",
		},
		{
			name:    "unknown phase",
			mutate:  func(s *flow.State) { s.CurrentPhase = "deployment" },
			problem: `unknown phase "deployment"`,
		},
		{
			name:    "unknown status",
			mutate:  func(s *flow.State) { s.Status = "exploded" },
			problem: `unknown status "exploded"`,
		},
		{
			name:    "progress above bound",
			mutate:  func(s *flow.State) { s.ProgressPercentage = 150 },
			problem: "ProgressPercentage",
		},
		{
			name:    "progress below bound",
			mutate:  func(s *flow.State) { s.ProgressPercentage = -3 },
			problem: "ProgressPercentage",
		},
		{
			name:    "nil phase completion",
			mutate:  func(s *flow.State) { s.PhaseCompletion = nil },
			problem: "phase_completion is nil",
		},
		{
			name:    "unknown phase completion key",
			mutate:  func(s *flow.State) { s.PhaseCompletion[flow.Phase("bogus")] = true },
			problem: `unknown phase "bogus"`,
		},
		{
			name:    "nil errors",
			mutate:  func(s *flow.State) { s.Errors = nil },
			problem: "errors is nil",
		},
		{
			name:    "nil warnings",
			mutate:  func(s *flow.State) { s.Warnings = nil },
			problem: "warnings is nil",
		},
		{
			name:    "nil workflow log",
			mutate:  func(s *flow.State) { s.WorkflowLog = nil },
			problem: "workflow_log is nil",
		},
		{
			name:    "nil data",
			mutate:  func(s *flow.State) { s.Data = nil },
			problem: "data is nil",
		},
		{
			name:    "zero created at",
			mutate:  func(s *flow.State) { s.CreatedAt = time.Time{} },
			problem: "created_at is zero",
		},
		{
			name: "updated before created",
			mutate: func(s *flow.State) {
				s.UpdatedAt = s.CreatedAt.Add(-time.Hour)
			},
			problem: "updated_at precedes created_at",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			state := flow.NewState("flow-123", "tenant-456")
			tc.mutate(state)

			err := validation.New().Validate(state)
			require.Error(t, err)
			assert.True(t, store.IsInvalid(err))
			assert.Contains(t, err.Error(), tc.problem)
		})
	}
}

func TestValidator_Validate_AccumulatesAllProblems(t *testing.T) {
	t.Parallel()

	state := flow.NewState("flow-123", "tenant-456")
	state.CurrentPhase = "deployment"
	state.Status = "exploded"
	state.Data = nil
	state.Errors = nil

	err := validation.New().Validate(state)
	require.Error(t, err)

	// One error reports every violation, not just the first
	assert.Contains(t, err.Error(), `unknown phase "deployment"`)
	assert.Contains(t, err.Error(), `unknown status "exploded"`)
	assert.Contains(t, err.Error(), "data is nil")
	assert.Contains(t, err.Error(), "errors is nil")
}
