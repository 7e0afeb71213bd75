package sqlite_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstate-dev/flowstate/pkg/flow"
	"github.com/flowstate-dev/flowstate/pkg/store"
	"github.com/flowstate-dev/flowstate/pkg/store/sqlite"
)

func int64Ptr(v int64) *int64 {
	return &v
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T, retention store.Retention) *sqlite.Store {
	t.Helper()

	ctx := context.Background()

	s, err := sqlite.NewStore(ctx, testLogger(), ":memory:", retention)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, s.Close(ctx))
	})

	return s
}

func TestStore_SaveAndLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t, store.Retention{})

	state := flow.NewState("flow-123", "tenant-456")
	state.Data["raw_data"] = "payload"
	state.MarkPhaseComplete(flow.PhaseInitialization)

	version, err := s.Save(ctx, "flow-123", "tenant-456", state, flow.PhaseDataImport, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	loaded, loadedVersion, err := s.Load(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loadedVersion)
	assert.Equal(t, "payload", loaded.Data["raw_data"])
	assert.True(t, loaded.PhaseCompletion[flow.PhaseInitialization])
	assert.Equal(t, state.FlowID, loaded.FlowID)
	assert.Equal(t, state.TenantID, loaded.TenantID)
}

func TestStore_Load_NotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, store.Retention{})

	_, _, err := s.Load(context.Background(), "missing", "tenant-456")
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestStore_OptimisticConcurrency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t, store.Retention{})

	state := flow.NewState("flow-123", "tenant-456")
	state.Data["winner"] = "first"

	// Consecutive optimistic writes walk the version sequence
	for expected := int64(1); expected <= 5; expected++ {
		version, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, int64Ptr(expected-1))
		require.NoError(t, err)
		assert.Equal(t, expected, version)
	}

	stale := state.Clone()
	stale.Data["winner"] = "stale"
	_, err := s.Save(ctx, "flow-123", "tenant-456", stale, stale.CurrentPhase, int64Ptr(2))
	require.Error(t, err)
	assert.True(t, store.IsConflict(err))

	// The losing write left no partial effect
	loaded, version, err := s.Load(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	assert.Equal(t, int64(5), version)
	assert.Equal(t, "first", loaded.Data["winner"])

	versions, err := s.Versions(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	require.Len(t, versions, 5)
}

func TestStore_Save_ExpectZeroMeansCreate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t, store.Retention{})

	state := flow.NewState("flow-123", "tenant-456")

	version, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, int64Ptr(0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	_, err = s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, int64Ptr(0))
	require.Error(t, err)
	assert.True(t, store.IsConflict(err))
}

func TestStore_Save_ExpectedVersionOnMissingFlow(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, store.Retention{})
	state := flow.NewState("flow-123", "tenant-456")

	_, err := s.Save(context.Background(), "flow-123", "tenant-456", state, state.CurrentPhase, int64Ptr(3))
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestStore_Save_RejectsMissingIdentity(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, store.Retention{})
	state := flow.NewState("flow-123", "tenant-456")

	_, err := s.Save(context.Background(), "", "tenant-456", state, state.CurrentPhase, nil)
	require.Error(t, err)
	assert.True(t, store.IsInvalid(err))
}

func TestStore_CheckpointRetention(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t, store.Retention{Checkpoints: 3})

	state := flow.NewState("flow-123", "tenant-456")
	_, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, nil)
	require.NoError(t, err)

	ids := make([]string, 0, 5)

	for i := 0; i < 5; i++ {
		id, err := s.CreateCheckpoint(ctx, "flow-123", "tenant-456", flow.PhaseDiscovery)
		require.NoError(t, err)

		ids = append(ids, id)
	}

	checkpoints, err := s.Checkpoints(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	require.Len(t, checkpoints, 3)

	// Oldest two were evicted, creation order preserved
	for i, checkpoint := range checkpoints {
		assert.Equal(t, ids[i+2], checkpoint.ID)
		assert.Equal(t, flow.PhaseDiscovery, checkpoint.Phase)
		require.NotNil(t, checkpoint.State)
		assert.Equal(t, "flow-123", checkpoint.State.FlowID)
	}
}

func TestStore_CreateCheckpoint_MissingFlow(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, store.Retention{})

	_, err := s.CreateCheckpoint(context.Background(), "missing", "tenant-456", flow.PhaseDiscovery)
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestStore_Versions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t, store.Retention{})

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

	for i, info := range versions {
		assert.Equal(t, int64(i+1), info.Version)
		assert.Equal(t, phases[i], info.Phase)
		assert.False(t, info.CreatedAt.IsZero())
	}
}

func TestStore_CleanupVersions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t, store.Retention{})

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

	// The current version's row survives even with keep 0
	removed, err = s.CleanupVersions(ctx, "flow-123", "tenant-456", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	versions, err = s.Versions(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, int64(5), versions[0].Version)
}

func TestStore_ArchiveRetention(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t, store.Retention{Archives: 2})

	state := flow.NewState("flow-123", "tenant-456")
	_, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, nil)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		err := s.ArchiveCorrupted(ctx, "flow-123", "tenant-456", flow.ArchivedState{
			ID:     string(rune('a' + i)),
			Reason: "unreadable document",
			State:  []byte(`{"broken":true}`),
		})
		require.NoError(t, err)
	}

	archived, err := s.ArchivedSnapshots(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	require.Len(t, archived, 2)
	assert.Equal(t, "c", archived[0].ID)
	assert.Equal(t, "d", archived[1].ID)
	assert.JSONEq(t, `{"broken":true}`, string(archived[1].State))
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t, store.Retention{})

	state := flow.NewState("flow-123", "tenant-456")
	_, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, nil)
	require.NoError(t, err)

	err = s.Delete(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)

	_, _, err = s.Load(ctx, "flow-123", "tenant-456")
	assert.True(t, store.IsNotFound(err))

	// History rows go with the flow
	_, err = s.Versions(ctx, "flow-123", "tenant-456")
	assert.True(t, store.IsNotFound(err))

	err = s.Delete(ctx, "flow-123", "tenant-456")
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestStore_ListFlows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t, store.Retention{})

	for _, id := range []struct{ flowID, tenantID string }{
		{"flow-b", "tenant-1"},
		{"flow-a", "tenant-1"},
		{"flow-c", "tenant-2"},
	} {
		state := flow.NewState(id.flowID, id.tenantID)
		_, err := s.Save(ctx, id.flowID, id.tenantID, state, state.CurrentPhase, nil)
		require.NoError(t, err)
	}

	all, err := s.ListFlows(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "flow-a", all[0].FlowID)
	assert.Equal(t, "flow-b", all[1].FlowID)
	assert.Equal(t, "flow-c", all[2].FlowID)

	scoped, err := s.ListFlows(ctx, "tenant-2")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "flow-c", scoped[0].FlowID)
	assert.Equal(t, int64(1), scoped[0].Version)
	assert.Equal(t, flow.StatusInitialized, scoped[0].Status)
}

func TestStore_SurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "flowstate.db")

	first, err := sqlite.NewStore(ctx, testLogger(), "sqlite://"+path, store.Retention{})
	require.NoError(t, err)

	state := flow.NewState("flow-123", "tenant-456")
	state.Data["raw_data"] = "payload"

	_, err = first.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, nil)
	require.NoError(t, err)

	_, err = first.CreateCheckpoint(ctx, "flow-123", "tenant-456", flow.PhaseInitialization)
	require.NoError(t, err)

	require.NoError(t, first.Close(ctx))

	second, err := sqlite.NewStore(ctx, testLogger(), "sqlite://"+path, store.Retention{})
	require.NoError(t, err)

	defer func() {
		require.NoError(t, second.Close(ctx))
	}()

	loaded, version, err := second.Load(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, "payload", loaded.Data["raw_data"])

	checkpoints, err := second.Checkpoints(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	assert.Len(t, checkpoints, 1)
}

func TestStore_HealthCheck(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, store.Retention{})
	assert.NoError(t, s.HealthCheck(context.Background()))
}
