// Package testutil provides test data builders and container helpers for testing.
package testutil

import (
	"github.com/google/uuid"

	"github.com/flowstate-dev/flowstate/pkg/flow"
)

// CreateTestState creates a flow state with default values that can be overridden.
func CreateTestState(overrides ...func(*flow.State)) *flow.State {
	state := flow.NewState(uuid.New().String(), uuid.New().String())
	state.Status = flow.StatusRunning
	state.Data = map[string]any{
		"raw_data":     "id,name\n1,Alice\n2,Bob",
		"record_count": float64(2),
	}

	for _, override := range overrides {
		override(state)
	}

	return state
}

// WithIdentity pins the flow and tenant identifiers.
func WithIdentity(flowID, tenantID string) func(*flow.State) {
	return func(s *flow.State) {
		s.FlowID = flowID
		s.TenantID = tenantID
	}
}

// WithPhase moves the state to a phase and syncs the progress percentage.
func WithPhase(phase flow.Phase) func(*flow.State) {
	return func(s *flow.State) {
		s.CurrentPhase = phase
		s.ProgressPercentage = phase.Progress()
	}
}

// WithStatus sets the lifecycle status.
func WithStatus(status flow.Status) func(*flow.State) {
	return func(s *flow.State) {
		s.Status = status
	}
}

// WithData merges entries into the state's data payload.
func WithData(data map[string]any) func(*flow.State) {
	return func(s *flow.State) {
		for key, value := range data {
			s.Data[key] = value
		}
	}
}

// WithCompletedPhases marks phases done in the completion map.
func WithCompletedPhases(phases ...flow.Phase) func(*flow.State) {
	return func(s *flow.State) {
		for _, phase := range phases {
			s.MarkPhaseComplete(phase)
		}
	}
}
