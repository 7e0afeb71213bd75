package memory_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstate-dev/flowstate/pkg/flow"
	"github.com/flowstate-dev/flowstate/pkg/store"
	"github.com/flowstate-dev/flowstate/pkg/store/memory"
)

func int64Ptr(v int64) *int64 {
	return &v
}

func TestStore_SaveAndLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewStore(store.Retention{})

	state := flow.NewState("flow-123", "tenant-456")
	state.Data["raw_data"] = "payload"

	version, err := s.Save(ctx, "flow-123", "tenant-456", state, flow.PhaseInitialization, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	loaded, loadedVersion, err := s.Load(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loadedVersion)
	assert.Equal(t, "payload", loaded.Data["raw_data"])
	assert.Equal(t, state.FlowID, loaded.FlowID)
}

func TestStore_Load_NotFound(t *testing.T) {
	t.Parallel()

	s := memory.NewStore(store.Retention{})

	_, _, err := s.Load(context.Background(), "missing", "tenant-456")
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestStore_Save_VersionSequence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewStore(store.Retention{})

	state := flow.NewState("flow-123", "tenant-456")

	// N successful optimistic writes yield versions 1..N
	for expected := int64(1); expected <= 10; expected++ {
		version, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, int64Ptr(expected-1))
		require.NoError(t, err)
		assert.Equal(t, expected, version)
	}

	versions, err := s.Versions(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	require.Len(t, versions, 10)

	for i, info := range versions {
		assert.Equal(t, int64(i+1), info.Version, "history must ascend without gaps")
	}
}

func TestStore_Save_StaleVersionConflict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewStore(store.Retention{})

	state := flow.NewState("flow-123", "tenant-456")
	state.Data["winner"] = "first"

	_, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, nil)
	require.NoError(t, err)

	second := state.Clone()
	second.Data["winner"] = "second"
	_, err = s.Save(ctx, "flow-123", "tenant-456", second, second.CurrentPhase, int64Ptr(1))
	require.NoError(t, err)

	// A writer still holding version 1 must lose
	stale := state.Clone()
	stale.Data["winner"] = "stale"
	_, err = s.Save(ctx, "flow-123", "tenant-456", stale, stale.CurrentPhase, int64Ptr(1))
	require.Error(t, err)
	assert.True(t, store.IsConflict(err))

	// The losing write left no partial effect
	loaded, version, err := s.Load(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.Equal(t, "second", loaded.Data["winner"])
}

func TestStore_Save_ExpectZeroMeansCreate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewStore(store.Retention{})

	state := flow.NewState("flow-123", "tenant-456")

	version, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, int64Ptr(0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	// A second expect-zero write finds the record and conflicts
	_, err = s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, int64Ptr(0))
	require.Error(t, err)
	assert.True(t, store.IsConflict(err))
}

func TestStore_Save_ExpectedVersionOnMissingFlow(t *testing.T) {
	t.Parallel()

	s := memory.NewStore(store.Retention{})
	state := flow.NewState("flow-123", "tenant-456")

	_, err := s.Save(context.Background(), "flow-123", "tenant-456", state, state.CurrentPhase, int64Ptr(3))
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestStore_Save_UnconditionalWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewStore(store.Retention{})

	state := flow.NewState("flow-123", "tenant-456")

	for i := 0; i < 3; i++ {
		_, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, nil)
		require.NoError(t, err)
	}

	_, version, err := s.Load(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
}

func TestStore_Save_RejectsMissingIdentity(t *testing.T) {
	t.Parallel()

	s := memory.NewStore(store.Retention{})
	state := flow.NewState("", "")

	_, err := s.Save(context.Background(), "", "tenant-456", state, state.CurrentPhase, nil)
	require.Error(t, err)
	assert.True(t, store.IsInvalid(err))

	_, err = s.Save(context.Background(), "flow-123", "", state, state.CurrentPhase, nil)
	require.Error(t, err)
	assert.True(t, store.IsInvalid(err))
}

func TestStore_Load_ReturnsIndependentCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewStore(store.Retention{})

	state := flow.NewState("flow-123", "tenant-456")
	state.Data["payload"] = map[string]any{"keep": "original"}

	_, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, nil)
	require.NoError(t, err)

	// Mutations after Save must not reach the stored document
	state.Data["payload"].(map[string]any)["keep"] = "mutated-after-save"

	first, _, err := s.Load(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	assert.Equal(t, "original", first.Data["payload"].(map[string]any)["keep"])

	// Mutations of a loaded copy must not reach the stored document either
	first.Data["payload"].(map[string]any)["keep"] = "mutated-after-load"

	second, _, err := s.Load(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	assert.Equal(t, "original", second.Data["payload"].(map[string]any)["keep"])
}

func TestStore_TenantIsolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewStore(store.Retention{})

	stateA := flow.NewState("flow-123", "tenant-a")
	stateA.Data["owner"] = "a"
	stateB := flow.NewState("flow-123", "tenant-b")
	stateB.Data["owner"] = "b"

	_, err := s.Save(ctx, "flow-123", "tenant-a", stateA, stateA.CurrentPhase, nil)
	require.NoError(t, err)
	_, err = s.Save(ctx, "flow-123", "tenant-b", stateB, stateB.CurrentPhase, nil)
	require.NoError(t, err)

	loadedA, _, err := s.Load(ctx, "flow-123", "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "a", loadedA.Data["owner"])

	loadedB, _, err := s.Load(ctx, "flow-123", "tenant-b")
	require.NoError(t, err)
	assert.Equal(t, "b", loadedB.Data["owner"])
}

func TestStore_CreateCheckpoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewStore(store.Retention{})

	state := flow.NewState("flow-123", "tenant-456")
	state.Data["step"] = "one"

	_, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, nil)
	require.NoError(t, err)

	id, err := s.CreateCheckpoint(ctx, "flow-123", "tenant-456", flow.PhaseInitialization)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	checkpoints, err := s.Checkpoints(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	assert.Equal(t, id, checkpoints[0].ID)
	assert.Equal(t, flow.PhaseInitialization, checkpoints[0].Phase)
	assert.Equal(t, "one", checkpoints[0].State.Data["step"])
}

func TestStore_CreateCheckpoint_MissingFlow(t *testing.T) {
	t.Parallel()

	s := memory.NewStore(store.Retention{})

	_, err := s.CreateCheckpoint(context.Background(), "missing", "tenant-456", flow.PhaseInitialization)
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestStore_CheckpointRetentionBound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewStore(store.Retention{Checkpoints: 10})

	state := flow.NewState("flow-123", "tenant-456")

	_, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, nil)
	require.NoError(t, err)

	// 13 checkpoints against a bound of 10: only the 10 most recent survive
	ids := make([]string, 0, 13)

	for i := 0; i < 13; i++ {
		state.Data["iteration"] = fmt.Sprintf("%d", i)
		_, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, nil)
		require.NoError(t, err)

		id, err := s.CreateCheckpoint(ctx, "flow-123", "tenant-456", state.CurrentPhase)
		require.NoError(t, err)

		ids = append(ids, id)
	}

	checkpoints, err := s.Checkpoints(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	require.Len(t, checkpoints, 10)

	// Oldest first, and exactly the last 10 created
	for i, checkpoint := range checkpoints {
		assert.Equal(t, ids[i+3], checkpoint.ID)
	}

	assert.Equal(t, "12", checkpoints[9].State.Data["iteration"])
}

func TestStore_Versions_Ascending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewStore(store.Retention{})

	state := flow.NewState("flow-123", "tenant-456")

	phases := []flow.Phase{flow.PhaseInitialization, flow.PhaseDataImport, flow.PhaseDiscovery}
	for _, phase := range phases {
		state.CurrentPhase = phase
		_, err := s.Save(ctx, "flow-123", "tenant-456", state, phase, nil)
		require.NoError(t, err)
	}

	versions, err := s.Versions(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	require.Len(t, versions, 3)

	assert.Equal(t, int64(1), versions[0].Version)
	assert.Equal(t, flow.PhaseInitialization, versions[0].Phase)
	assert.Equal(t, int64(3), versions[2].Version)
	assert.Equal(t, flow.PhaseDiscovery, versions[2].Phase)
}

func TestStore_CleanupVersions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewStore(store.Retention{})

	state := flow.NewState("flow-123", "tenant-456")

	for i := 0; i < 5; i++ {
		_, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, nil)
		require.NoError(t, err)
	}

	removed, err := s.CleanupVersions(ctx, "flow-123", "tenant-456", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	versions, err := s.Versions(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, int64(4), versions[0].Version)
	assert.Equal(t, int64(5), versions[1].Version)
}

func TestStore_CleanupVersions_NeverDropsCurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewStore(store.Retention{})

	state := flow.NewState("flow-123", "tenant-456")

	for i := 0; i < 3; i++ {
		_, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, nil)
		require.NoError(t, err)
	}

	// keep=0 still retains the current version's row
	removed, err := s.CleanupVersions(ctx, "flow-123", "tenant-456", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	versions, err := s.Versions(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, int64(3), versions[0].Version)
}

func TestStore_CleanupVersions_NothingToRemove(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewStore(store.Retention{})

	state := flow.NewState("flow-123", "tenant-456")

	_, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, nil)
	require.NoError(t, err)

	removed, err := s.CleanupVersions(ctx, "flow-123", "tenant-456", 10)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestStore_ArchiveCorrupted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewStore(store.Retention{Archives: 5})

	state := flow.NewState("flow-123", "tenant-456")

	_, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, nil)
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		blob, marshalErr := json.Marshal(map[string]any{"attempt": i})
		require.NoError(t, marshalErr)

		err = s.ArchiveCorrupted(ctx, "flow-123", "tenant-456", flow.ArchivedState{
			ID:     fmt.Sprintf("archive-%d", i),
			Reason: "unrepairable state",
			State:  blob,
		})
		require.NoError(t, err)
	}

	archived, err := s.ArchivedSnapshots(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	require.Len(t, archived, 5)

	// Oldest two evicted
	assert.Equal(t, "archive-2", archived[0].ID)
	assert.Equal(t, "archive-6", archived[4].ID)
	assert.Equal(t, "unrepairable state", archived[0].Reason)
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewStore(store.Retention{})

	state := flow.NewState("flow-123", "tenant-456")

	_, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "flow-123", "tenant-456"))

	_, _, err = s.Load(ctx, "flow-123", "tenant-456")
	assert.True(t, store.IsNotFound(err))

	err = s.Delete(ctx, "flow-123", "tenant-456")
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestStore_ListFlows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewStore(store.Retention{})

	for _, id := range []struct{ flowID, tenantID string }{
		{"flow-b", "tenant-1"},
		{"flow-a", "tenant-1"},
		{"flow-c", "tenant-2"},
	} {
		state := flow.NewState(id.flowID, id.tenantID)
		state.Status = flow.StatusRunning
		_, err := s.Save(ctx, id.flowID, id.tenantID, state, flow.PhaseDataImport, nil)
		require.NoError(t, err)
	}

	all, err := s.ListFlows(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "flow-a", all[0].FlowID)
	assert.Equal(t, "flow-b", all[1].FlowID)
	assert.Equal(t, "tenant-2", all[2].TenantID)
	assert.Equal(t, flow.PhaseDataImport, all[0].Phase)
	assert.Equal(t, flow.StatusRunning, all[0].Status)
	assert.Equal(t, int64(1), all[0].Version)

	scoped, err := s.ListFlows(ctx, "tenant-2")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "flow-c", scoped[0].FlowID)
}

func TestStore_HealthCheckAndClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memory.NewStore(store.Retention{})

	assert.NoError(t, s.HealthCheck(ctx))
	assert.NoError(t, s.Close(ctx))
}
