package postgres_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/flowstate-dev/flowstate/pkg/flow"
	"github.com/flowstate-dev/flowstate/pkg/store"
	"github.com/flowstate-dev/flowstate/pkg/store/postgres"
)

var postgresContainer *pgcontainer.PostgresContainer

func int64Ptr(v int64) *int64 {
	return &v
}

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"flow_state_versions", "flow_states", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestStore(t *testing.T, retention store.Retention) (*postgres.Store, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = pgcontainer.Run(ctx,
			"postgres:16-alpine",
			pgcontainer.WithDatabase("flowstate_test"),
			pgcontainer.WithUsername("flowstate"),
			pgcontainer.WithPassword("flowstate"),
			pgcontainer.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	s, err := postgres.NewStore(ctx, logger, databaseURL, retention)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = s.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return s, ctx, databaseURL
}

func TestNewStore_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestStore(t, store.Retention{})

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	// Verify tables were created
	var exists bool

	err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = 'flow_states')`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists, "flow_states table should exist")

	err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = 'flow_state_versions')`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists, "flow_state_versions table should exist")

	err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.columns WHERE table_name = 'flow_states' AND column_name = 'archived_snapshots')`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists, "archived_snapshots column should exist after migration 2")

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestNewStore_HealthCheck(t *testing.T) {
	s, ctx, _ := setupTestStore(t, store.Retention{})

	err := s.HealthCheck(ctx)
	assert.NoError(t, err)
}

func TestStore_SaveAndLoad(t *testing.T) {
	s, ctx, _ := setupTestStore(t, store.Retention{})

	state := flow.NewState("flow-123", "tenant-456")
	state.Data["raw_data"] = "payload"
	state.Data["record_count"] = float64(1200)
	state.MarkPhaseComplete(flow.PhaseInitialization)
	state.AppendLog(flow.PhaseInitialization, "import started", nil)

	version, err := s.Save(ctx, "flow-123", "tenant-456", state, flow.PhaseDataImport, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	loaded, loadedVersion, err := s.Load(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loadedVersion)
	assert.Equal(t, "payload", loaded.Data["raw_data"])
	assert.Equal(t, float64(1200), loaded.Data["record_count"]) // JSON unmarshals numbers as float64
	assert.True(t, loaded.PhaseCompletion[flow.PhaseInitialization])
	require.Len(t, loaded.WorkflowLog, 1)
	assert.Equal(t, "import started", loaded.WorkflowLog[0].Message)
}

func TestStore_Load_NotFound(t *testing.T) {
	s, ctx, _ := setupTestStore(t, store.Retention{})

	_, _, err := s.Load(ctx, "missing", "tenant-456")
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestStore_OptimisticConcurrency(t *testing.T) {
	s, ctx, _ := setupTestStore(t, store.Retention{})

	state := flow.NewState("flow-123", "tenant-456")
	state.Data["winner"] = "first"

	for expected := int64(1); expected <= 4; expected++ {
		version, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, int64Ptr(expected-1))
		require.NoError(t, err)
		assert.Equal(t, expected, version)
	}

	stale := state.Clone()
	stale.Data["winner"] = "stale"
	_, err := s.Save(ctx, "flow-123", "tenant-456", stale, stale.CurrentPhase, int64Ptr(1))
	require.Error(t, err)
	assert.True(t, store.IsConflict(err))

	// The losing write left no partial effect
	loaded, version, err := s.Load(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	assert.Equal(t, int64(4), version)
	assert.Equal(t, "first", loaded.Data["winner"])

	versions, err := s.Versions(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	require.Len(t, versions, 4)

	for i, info := range versions {
		assert.Equal(t, int64(i+1), info.Version)
	}
}

func TestStore_Save_ExpectZeroMeansCreate(t *testing.T) {
	s, ctx, _ := setupTestStore(t, store.Retention{})

	state := flow.NewState("flow-123", "tenant-456")

	version, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, int64Ptr(0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	_, err = s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, int64Ptr(0))
	require.Error(t, err)
	assert.True(t, store.IsConflict(err))

	_, err = s.Save(ctx, "other-flow", "tenant-456", state, state.CurrentPhase, int64Ptr(7))
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestStore_CheckpointRetention(t *testing.T) {
	s, ctx, _ := setupTestStore(t, store.Retention{Checkpoints: 3})

	state := flow.NewState("flow-123", "tenant-456")
	state.Data["raw_data"] = "payload"

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

	for i, checkpoint := range checkpoints {
		assert.Equal(t, ids[i+2], checkpoint.ID)
		require.NotNil(t, checkpoint.State)
		assert.Equal(t, "payload", checkpoint.State.Data["raw_data"])
	}
}

func TestStore_CleanupVersions(t *testing.T) {
	s, ctx, _ := setupTestStore(t, store.Retention{})

	state := flow.NewState("flow-123", "tenant-456")

	for i := 0; i < 6; i++ {
		_, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, nil)
		require.NoError(t, err)
	}

	removed, err := s.CleanupVersions(ctx, "flow-123", "tenant-456", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(4), removed)

	versions, err := s.Versions(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, int64(5), versions[0].Version)
	assert.Equal(t, int64(6), versions[1].Version)
}

func TestStore_ArchiveCorrupted(t *testing.T) {
	s, ctx, _ := setupTestStore(t, store.Retention{Archives: 2})

	state := flow.NewState("flow-123", "tenant-456")
	_, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, nil)
	require.NoError(t, err)

	for _, id := range []string{"arch-1", "arch-2", "arch-3"} {
		err := s.ArchiveCorrupted(ctx, "flow-123", "tenant-456", flow.ArchivedState{
			ID:         id,
			Reason:     "unreadable document",
			State:      []byte(`{"broken":true}`),
			ArchivedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	archived, err := s.ArchivedSnapshots(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)
	require.Len(t, archived, 2)
	assert.Equal(t, "arch-2", archived[0].ID)
	assert.Equal(t, "arch-3", archived[1].ID)
	assert.JSONEq(t, `{"broken":true}`, string(archived[1].State))
}

func TestStore_Delete(t *testing.T) {
	s, ctx, _ := setupTestStore(t, store.Retention{})

	state := flow.NewState("flow-123", "tenant-456")
	_, err := s.Save(ctx, "flow-123", "tenant-456", state, state.CurrentPhase, nil)
	require.NoError(t, err)

	err = s.Delete(ctx, "flow-123", "tenant-456")
	require.NoError(t, err)

	_, _, err = s.Load(ctx, "flow-123", "tenant-456")
	assert.True(t, store.IsNotFound(err))

	_, err = s.Versions(ctx, "flow-123", "tenant-456")
	assert.True(t, store.IsNotFound(err))

	err = s.Delete(ctx, "flow-123", "tenant-456")
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestStore_ListFlows(t *testing.T) {
	s, ctx, _ := setupTestStore(t, store.Retention{})

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
	assert.False(t, all[0].UpdatedAt.IsZero())

	scoped, err := s.ListFlows(ctx, "tenant-2")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "flow-c", scoped[0].FlowID)
}
