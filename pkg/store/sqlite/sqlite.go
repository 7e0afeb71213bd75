// Package sqlite provides a flow state store backed by an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/flowstate-dev/flowstate/pkg/flow"
	"github.com/flowstate-dev/flowstate/pkg/store"
)

// Store implements store.Store on a single SQLite database file. Writers are
// serialized by the database, so it suits single-node deployments, tooling,
// and tests rather than high-concurrency services.
type Store struct {
	db        *sql.DB
	logger    *slog.Logger
	retention store.Retention
}

var _ store.Store = (*Store)(nil)

// NewStore opens (or creates) the SQLite database at the given path and
// initializes the schema. The path may carry a sqlite:// prefix; ":memory:"
// opens a transient database.
func NewStore(ctx context.Context, logger *slog.Logger, dsn string, retention store.Retention) (*Store, error) {
	path := strings.TrimPrefix(dsn, "sqlite://")

	database, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// A single connection avoids SQLITE_BUSY between pooled writers.
	database.SetMaxOpenConns(1)

	if err := database.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	s := &Store{
		db:        database,
		logger:    logger.With("component", "sqlite_store"),
		retention: retention.WithDefaults(),
	}

	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS flow_states (
			flow_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			state TEXT NOT NULL,
			version INTEGER NOT NULL,
			current_phase TEXT NOT NULL,
			status TEXT NOT NULL,
			checkpoints TEXT NOT NULL DEFAULT '[]',
			archived_snapshots TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (flow_id, tenant_id)
		);
		CREATE TABLE IF NOT EXISTS flow_state_versions (
			flow_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			phase TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (flow_id, tenant_id, version)
		);
		CREATE INDEX IF NOT EXISTS idx_flow_states_tenant ON flow_states(tenant_id);
	`)

	return err
}

func checkIdentity(op, flowID, tenantID string) error {
	if flowID == "" || tenantID == "" {
		return store.NewError(store.KindInvalid, op, flowID, tenantID,
			fmt.Errorf("%w: flow and tenant identifiers are required", store.ErrInvalidState))
	}

	return nil
}

func (s *Store) Save(ctx context.Context, flowID, tenantID string, state *flow.State, phase flow.Phase, expectedVersion *int64) (int64, error) {
	if err := checkIdentity("Save", flowID, tenantID); err != nil {
		return 0, err
	}

	if state == nil {
		return 0, store.NewError(store.KindInvalid, "Save", flowID, tenantID,
			fmt.Errorf("%w: state is nil", store.ErrInvalidState))
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return 0, store.NewError(store.KindSerialization, "Save", flowID, tenantID,
			fmt.Errorf("%w: %v", store.ErrSerialization, err))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, store.NewError(store.KindFatal, "Save", flowID, tenantID, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()

	var current int64

	err = tx.QueryRowContext(ctx,
		`SELECT version FROM flow_states WHERE flow_id = ? AND tenant_id = ?`,
		flowID, tenantID).Scan(&current)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expectedVersion != nil && *expectedVersion != 0 {
			return 0, store.NewError(store.KindNotFound, "Save", flowID, tenantID, store.ErrNotFound)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO flow_states (flow_id, tenant_id, state, version, current_phase, status, created_at, updated_at)
			VALUES (?, ?, ?, 1, ?, ?, ?, ?)`,
			flowID, tenantID, string(stateJSON), string(phase), string(state.Status),
			now.UnixNano(), now.UnixNano(),
		)
		if err != nil {
			return 0, store.NewError(store.KindFatal, "Save", flowID, tenantID, err)
		}

		current = 0
	case err != nil:
		return 0, store.NewError(store.KindFatal, "Save", flowID, tenantID, err)
	default:
		if expectedVersion != nil && *expectedVersion != current {
			return 0, store.NewError(store.KindConflict, "Save", flowID, tenantID,
				fmt.Errorf("%w: expected version %d, stored version is %d",
					store.ErrConcurrentModification, *expectedVersion, current))
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE flow_states
			SET state = ?, version = version + 1, current_phase = ?, status = ?, updated_at = ?
			WHERE flow_id = ? AND tenant_id = ? AND version = ?`,
			string(stateJSON), string(phase), string(state.Status), now.UnixNano(),
			flowID, tenantID, current,
		)
		if err != nil {
			return 0, store.NewError(store.KindFatal, "Save", flowID, tenantID, err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return 0, store.NewError(store.KindFatal, "Save", flowID, tenantID, err)
		}

		if affected == 0 {
			return 0, store.NewError(store.KindConflict, "Save", flowID, tenantID,
				fmt.Errorf("%w: version %d was overwritten concurrently",
					store.ErrConcurrentModification, current))
		}
	}

	next := current + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO flow_state_versions (flow_id, tenant_id, version, phase, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		flowID, tenantID, next, string(phase), string(state.Status), now.UnixNano(),
	)
	if err != nil {
		return 0, store.NewError(store.KindFatal, "Save", flowID, tenantID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, store.NewError(store.KindFatal, "Save", flowID, tenantID, err)
	}

	s.logger.DebugContext(ctx, "Flow state saved", "flow_id", flowID, "tenant_id", tenantID, "version", next)

	return next, nil
}

func (s *Store) Load(ctx context.Context, flowID, tenantID string) (*flow.State, int64, error) {
	if err := checkIdentity("Load", flowID, tenantID); err != nil {
		return nil, 0, err
	}

	var (
		stateJSON string
		version   int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT state, version FROM flow_states WHERE flow_id = ? AND tenant_id = ?`,
		flowID, tenantID).Scan(&stateJSON, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, store.NewError(store.KindNotFound, "Load", flowID, tenantID, store.ErrNotFound)
	}

	if err != nil {
		return nil, 0, store.NewError(store.KindFatal, "Load", flowID, tenantID, err)
	}

	var state flow.State
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, 0, store.NewError(store.KindSerialization, "Load", flowID, tenantID,
			fmt.Errorf("%w: %v", store.ErrSerialization, err))
	}

	return &state, version, nil
}

func (s *Store) CreateCheckpoint(ctx context.Context, flowID, tenantID string, phase flow.Phase) (string, error) {
	if err := checkIdentity("CreateCheckpoint", flowID, tenantID); err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", store.NewError(store.KindFatal, "CreateCheckpoint", flowID, tenantID, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	var stateJSON, checkpointsJSON string

	err = tx.QueryRowContext(ctx,
		`SELECT state, checkpoints FROM flow_states WHERE flow_id = ? AND tenant_id = ?`,
		flowID, tenantID).Scan(&stateJSON, &checkpointsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.NewError(store.KindNotFound, "CreateCheckpoint", flowID, tenantID, store.ErrNotFound)
	}

	if err != nil {
		return "", store.NewError(store.KindFatal, "CreateCheckpoint", flowID, tenantID, err)
	}

	var state flow.State
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return "", store.NewError(store.KindSerialization, "CreateCheckpoint", flowID, tenantID,
			fmt.Errorf("%w: %v", store.ErrSerialization, err))
	}

	var checkpoints []flow.Checkpoint
	if err := json.Unmarshal([]byte(checkpointsJSON), &checkpoints); err != nil {
		return "", store.NewError(store.KindSerialization, "CreateCheckpoint", flowID, tenantID,
			fmt.Errorf("%w: %v", store.ErrSerialization, err))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", store.NewError(store.KindFatal, "CreateCheckpoint", flowID, tenantID, err)
	}

	checkpoints = append(checkpoints, flow.Checkpoint{
		ID:        id.String(),
		FlowID:    flowID,
		TenantID:  tenantID,
		Phase:     phase,
		State:     &state,
		CreatedAt: time.Now().UTC(),
	})

	if len(checkpoints) > s.retention.Checkpoints {
		checkpoints = checkpoints[len(checkpoints)-s.retention.Checkpoints:]
	}

	updated, err := json.Marshal(checkpoints)
	if err != nil {
		return "", store.NewError(store.KindSerialization, "CreateCheckpoint", flowID, tenantID,
			fmt.Errorf("%w: %v", store.ErrSerialization, err))
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE flow_states SET checkpoints = ? WHERE flow_id = ? AND tenant_id = ?`,
		string(updated), flowID, tenantID,
	)
	if err != nil {
		return "", store.NewError(store.KindFatal, "CreateCheckpoint", flowID, tenantID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", store.NewError(store.KindFatal, "CreateCheckpoint", flowID, tenantID, err)
	}

	s.logger.DebugContext(ctx, "Checkpoint created", "flow_id", flowID, "tenant_id", tenantID, "checkpoint_id", id.String())

	return id.String(), nil
}

func (s *Store) Checkpoints(ctx context.Context, flowID, tenantID string) ([]flow.Checkpoint, error) {
	if err := checkIdentity("Checkpoints", flowID, tenantID); err != nil {
		return nil, err
	}

	var checkpointsJSON string

	err := s.db.QueryRowContext(ctx,
		`SELECT checkpoints FROM flow_states WHERE flow_id = ? AND tenant_id = ?`,
		flowID, tenantID).Scan(&checkpointsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewError(store.KindNotFound, "Checkpoints", flowID, tenantID, store.ErrNotFound)
	}

	if err != nil {
		return nil, store.NewError(store.KindFatal, "Checkpoints", flowID, tenantID, err)
	}

	var checkpoints []flow.Checkpoint
	if err := json.Unmarshal([]byte(checkpointsJSON), &checkpoints); err != nil {
		return nil, store.NewError(store.KindSerialization, "Checkpoints", flowID, tenantID,
			fmt.Errorf("%w: %v", store.ErrSerialization, err))
	}

	return checkpoints, nil
}

func (s *Store) Versions(ctx context.Context, flowID, tenantID string) ([]flow.VersionInfo, error) {
	if err := checkIdentity("Versions", flowID, tenantID); err != nil {
		return nil, err
	}

	exists, err := s.exists(ctx, flowID, tenantID)
	if err != nil {
		return nil, store.NewError(store.KindFatal, "Versions", flowID, tenantID, err)
	}

	if !exists {
		return nil, store.NewError(store.KindNotFound, "Versions", flowID, tenantID, store.ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT version, phase, status, created_at
		FROM flow_state_versions
		WHERE flow_id = ? AND tenant_id = ?
		ORDER BY version ASC`,
		flowID, tenantID,
	)
	if err != nil {
		return nil, store.NewError(store.KindFatal, "Versions", flowID, tenantID, err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	versions := make([]flow.VersionInfo, 0)

	for rows.Next() {
		var (
			info      flow.VersionInfo
			phase     string
			status    string
			createdAt int64
		)

		if err := rows.Scan(&info.Version, &phase, &status, &createdAt); err != nil {
			return nil, store.NewError(store.KindFatal, "Versions", flowID, tenantID, err)
		}

		info.Phase = flow.Phase(phase)
		info.Status = flow.Status(status)
		info.CreatedAt = time.Unix(0, createdAt).UTC()
		versions = append(versions, info)
	}

	if err := rows.Err(); err != nil {
		return nil, store.NewError(store.KindFatal, "Versions", flowID, tenantID, err)
	}

	return versions, nil
}

func (s *Store) CleanupVersions(ctx context.Context, flowID, tenantID string, keep int) (int64, error) {
	if err := checkIdentity("CleanupVersions", flowID, tenantID); err != nil {
		return 0, err
	}

	exists, err := s.exists(ctx, flowID, tenantID)
	if err != nil {
		return 0, store.NewError(store.KindFatal, "CleanupVersions", flowID, tenantID, err)
	}

	if !exists {
		return 0, store.NewError(store.KindNotFound, "CleanupVersions", flowID, tenantID, store.ErrNotFound)
	}

	// The current version's row always survives
	if keep < 1 {
		keep = 1
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM flow_state_versions
		WHERE flow_id = ? AND tenant_id = ?
		  AND version <= (
			SELECT MAX(version) FROM flow_state_versions WHERE flow_id = ? AND tenant_id = ?
		  ) - ?`,
		flowID, tenantID, flowID, tenantID, keep,
	)
	if err != nil {
		return 0, store.NewError(store.KindFatal, "CleanupVersions", flowID, tenantID, err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, store.NewError(store.KindFatal, "CleanupVersions", flowID, tenantID, err)
	}

	return removed, nil
}

func (s *Store) ArchiveCorrupted(ctx context.Context, flowID, tenantID string, snap flow.ArchivedState) error {
	if err := checkIdentity("ArchiveCorrupted", flowID, tenantID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.NewError(store.KindFatal, "ArchiveCorrupted", flowID, tenantID, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	var archivedJSON string

	err = tx.QueryRowContext(ctx,
		`SELECT archived_snapshots FROM flow_states WHERE flow_id = ? AND tenant_id = ?`,
		flowID, tenantID).Scan(&archivedJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return store.NewError(store.KindNotFound, "ArchiveCorrupted", flowID, tenantID, store.ErrNotFound)
	}

	if err != nil {
		return store.NewError(store.KindFatal, "ArchiveCorrupted", flowID, tenantID, err)
	}

	var archived []flow.ArchivedState
	if err := json.Unmarshal([]byte(archivedJSON), &archived); err != nil {
		return store.NewError(store.KindSerialization, "ArchiveCorrupted", flowID, tenantID,
			fmt.Errorf("%w: %v", store.ErrSerialization, err))
	}

	archived = append(archived, snap)

	if len(archived) > s.retention.Archives {
		archived = archived[len(archived)-s.retention.Archives:]
	}

	updated, err := json.Marshal(archived)
	if err != nil {
		return store.NewError(store.KindSerialization, "ArchiveCorrupted", flowID, tenantID,
			fmt.Errorf("%w: %v", store.ErrSerialization, err))
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE flow_states SET archived_snapshots = ? WHERE flow_id = ? AND tenant_id = ?`,
		string(updated), flowID, tenantID,
	)
	if err != nil {
		return store.NewError(store.KindFatal, "ArchiveCorrupted", flowID, tenantID, err)
	}

	if err := tx.Commit(); err != nil {
		return store.NewError(store.KindFatal, "ArchiveCorrupted", flowID, tenantID, err)
	}

	return nil
}

func (s *Store) ArchivedSnapshots(ctx context.Context, flowID, tenantID string) ([]flow.ArchivedState, error) {
	if err := checkIdentity("ArchivedSnapshots", flowID, tenantID); err != nil {
		return nil, err
	}

	var archivedJSON string

	err := s.db.QueryRowContext(ctx,
		`SELECT archived_snapshots FROM flow_states WHERE flow_id = ? AND tenant_id = ?`,
		flowID, tenantID).Scan(&archivedJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewError(store.KindNotFound, "ArchivedSnapshots", flowID, tenantID, store.ErrNotFound)
	}

	if err != nil {
		return nil, store.NewError(store.KindFatal, "ArchivedSnapshots", flowID, tenantID, err)
	}

	var archived []flow.ArchivedState
	if err := json.Unmarshal([]byte(archivedJSON), &archived); err != nil {
		return nil, store.NewError(store.KindSerialization, "ArchivedSnapshots", flowID, tenantID,
			fmt.Errorf("%w: %v", store.ErrSerialization, err))
	}

	return archived, nil
}

func (s *Store) Delete(ctx context.Context, flowID, tenantID string) error {
	if err := checkIdentity("Delete", flowID, tenantID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.NewError(store.KindFatal, "Delete", flowID, tenantID, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM flow_states WHERE flow_id = ? AND tenant_id = ?`,
		flowID, tenantID,
	)
	if err != nil {
		return store.NewError(store.KindFatal, "Delete", flowID, tenantID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return store.NewError(store.KindFatal, "Delete", flowID, tenantID, err)
	}

	if affected == 0 {
		return store.NewError(store.KindNotFound, "Delete", flowID, tenantID, store.ErrNotFound)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM flow_state_versions WHERE flow_id = ? AND tenant_id = ?`,
		flowID, tenantID,
	)
	if err != nil {
		return store.NewError(store.KindFatal, "Delete", flowID, tenantID, err)
	}

	if err := tx.Commit(); err != nil {
		return store.NewError(store.KindFatal, "Delete", flowID, tenantID, err)
	}

	return nil
}

func (s *Store) ListFlows(ctx context.Context, tenantID string) ([]flow.FlowRef, error) {
	query := `
		SELECT flow_id, tenant_id, current_phase, status, version, updated_at
		FROM flow_states`

	args := make([]any, 0, 1)

	if tenantID != "" {
		query += ` WHERE tenant_id = ?`

		args = append(args, tenantID)
	}

	query += ` ORDER BY tenant_id, flow_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.NewError(store.KindFatal, "ListFlows", "", tenantID, err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	refs := make([]flow.FlowRef, 0)

	for rows.Next() {
		var (
			ref       flow.FlowRef
			phase     string
			status    string
			updatedAt int64
		)

		if err := rows.Scan(&ref.FlowID, &ref.TenantID, &phase, &status, &ref.Version, &updatedAt); err != nil {
			return nil, store.NewError(store.KindFatal, "ListFlows", "", tenantID, err)
		}

		ref.Phase = flow.Phase(phase)
		ref.Status = flow.Status(status)
		ref.UpdatedAt = time.Unix(0, updatedAt).UTC()
		refs = append(refs, ref)
	}

	if err := rows.Err(); err != nil {
		return nil, store.NewError(store.KindFatal, "ListFlows", "", tenantID, err)
	}

	return refs, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (s *Store) Close(_ context.Context) error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

func (s *Store) exists(ctx context.Context, flowID, tenantID string) (bool, error) {
	var one int

	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM flow_states WHERE flow_id = ? AND tenant_id = ?`,
		flowID, tenantID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}
