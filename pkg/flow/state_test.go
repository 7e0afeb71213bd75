package flow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewState_InitialShape(t *testing.T) {
	state := NewState("flow-123", "tenant-456")

	assert.Equal(t, "flow-123", state.FlowID)
	assert.Equal(t, "tenant-456", state.TenantID)
	assert.Equal(t, PhaseInitialization, state.CurrentPhase)
	assert.Equal(t, StatusInitialized, state.Status)
	assert.Zero(t, state.ProgressPercentage)

	// Collections are empty but never nil
	assert.NotNil(t, state.PhaseCompletion)
	assert.NotNil(t, state.Errors)
	assert.NotNil(t, state.Warnings)
	assert.NotNil(t, state.WorkflowLog)
	assert.NotNil(t, state.Data)
	assert.Empty(t, state.PhaseCompletion)
	assert.Empty(t, state.Errors)

	assert.False(t, state.CreatedAt.IsZero())
	assert.False(t, state.UpdatedAt.Before(state.CreatedAt))
}

func TestState_Clone_DeepCopy(t *testing.T) {
	original := NewState("flow-123", "tenant-456")
	original.Data["raw_data"] = map[string]any{
		"rows": []any{"a", "b"},
	}
	original.Data["source"] = "csv"
	original.PhaseCompletion[PhaseInitialization] = true
	original.AppendLog(PhaseInitialization, "flow created", map[string]any{"by": "test"})
	original.RecordError(PhaseDataImport, "import_failed", "connection refused")

	clone := original.Clone()
	require.NotNil(t, clone)
	assert.Equal(t, original, clone)

	// Mutating the clone must not leak back into the original
	clone.Data["source"] = "api"
	clone.Data["raw_data"].(map[string]any)["rows"].([]any)[0] = "z"
	clone.PhaseCompletion[PhaseDataImport] = true
	clone.WorkflowLog[0].Details["by"] = "mutated"
	clone.Errors[0].Message = "changed"

	assert.Equal(t, "csv", original.Data["source"])
	assert.Equal(t, "a", original.Data["raw_data"].(map[string]any)["rows"].([]any)[0])
	assert.NotContains(t, original.PhaseCompletion, PhaseDataImport)
	assert.Equal(t, "test", original.WorkflowLog[0].Details["by"])
	assert.Equal(t, "connection refused", original.Errors[0].Message)
}

func TestState_Clone_Nil(t *testing.T) {
	var state *State

	assert.Nil(t, state.Clone())
}

func TestState_AppendLog(t *testing.T) {
	state := NewState("flow-123", "tenant-456")
	before := state.UpdatedAt

	state.AppendLog(PhaseDiscovery, "schema detected", map[string]any{"tables": 4})

	require.Len(t, state.WorkflowLog, 1)
	entry := state.WorkflowLog[0]
	assert.Equal(t, PhaseDiscovery, entry.Phase)
	assert.Equal(t, "schema detected", entry.Message)
	assert.Equal(t, 4, entry.Details["tables"])
	assert.False(t, entry.Timestamp.IsZero())
	assert.False(t, state.UpdatedAt.Before(before))
}

func TestState_RecordErrorAndWarning(t *testing.T) {
	state := NewState("flow-123", "tenant-456")

	state.RecordError(PhaseTransformation, "transform_failed", "divide by zero")
	state.RecordWarning(PhaseTransformation, "slow_step", "step took 40s")

	require.Len(t, state.Errors, 1)
	assert.Equal(t, "transform_failed", state.Errors[0].Code)
	assert.Equal(t, "divide by zero", state.Errors[0].Message)

	require.Len(t, state.Warnings, 1)
	assert.Equal(t, "slow_step", state.Warnings[0].Code)
}

func TestState_MarkPhaseComplete(t *testing.T) {
	state := NewState("flow-123", "tenant-456")
	state.PhaseCompletion = nil // simulate a state loaded from a sparse document

	state.MarkPhaseComplete(PhaseDataImport)

	assert.True(t, state.PhaseCompletion[PhaseDataImport])
	assert.False(t, state.PhaseCompletion[PhaseDiscovery])
}

func TestState_JSONSerialization(t *testing.T) {
	original := NewState("flow-123", "tenant-456")
	original.CurrentPhase = PhaseFieldMapping
	original.Status = StatusRunning
	original.ProgressPercentage = 60
	original.Data["field_mappings"] = map[string]any{
		"customer_name": "full_name",
	}

	jsonData, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(jsonData), `"flow_id":"flow-123"`)
	assert.Contains(t, string(jsonData), `"tenant_id":"tenant-456"`)
	assert.Contains(t, string(jsonData), `"current_phase":"field_mapping"`)
	assert.Contains(t, string(jsonData), `"status":"running"`)

	var deserialized State

	err = json.Unmarshal(jsonData, &deserialized)
	require.NoError(t, err)

	assert.Equal(t, original.FlowID, deserialized.FlowID)
	assert.Equal(t, original.TenantID, deserialized.TenantID)
	assert.Equal(t, original.CurrentPhase, deserialized.CurrentPhase)
	assert.Equal(t, original.Status, deserialized.Status)
	assert.InEpsilon(t, 60.0, deserialized.ProgressPercentage, 0.0001)

	mappings := deserialized.Data["field_mappings"].(map[string]any)
	assert.Equal(t, "full_name", mappings["customer_name"])
}

func TestCheckpoint_JSONSerialization(t *testing.T) {
	state := NewState("flow-123", "tenant-456")
	checkpoint := Checkpoint{
		ID:        "chk-1",
		FlowID:    state.FlowID,
		TenantID:  state.TenantID,
		Phase:     PhaseDiscovery,
		State:     state,
		CreatedAt: state.CreatedAt,
	}

	jsonData, err := json.Marshal(checkpoint)
	require.NoError(t, err)
	assert.Contains(t, string(jsonData), `"checkpoint_id":"chk-1"`)
	assert.Contains(t, string(jsonData), `"phase":"discovery"`)

	var deserialized Checkpoint

	err = json.Unmarshal(jsonData, &deserialized)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.ID, deserialized.ID)
	require.NotNil(t, deserialized.State)
	assert.Equal(t, state.FlowID, deserialized.State.FlowID)
}
