// Package postgres provides the canonical PostgreSQL flow state store.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/flowstate-dev/flowstate/pkg/flow"
	"github.com/flowstate-dev/flowstate/pkg/store"
	"github.com/flowstate-dev/flowstate/pkg/store/sqlbase"
)

// Store implements store.Store on PostgreSQL. State documents live in a JSONB
// column keyed by (flow_id, tenant_id); every successful save also appends a
// row to the flow_state_versions history table in the same transaction.
type Store struct {
	db        *sql.DB
	logger    *slog.Logger
	retention store.Retention
}

// NewStore connects to PostgreSQL, runs pending migrations, and returns a
// ready store.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string, retention store.Retention) (*Store, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	s := &Store{
		db:        database,
		logger:    logger.With("component", "postgres_store"),
		retention: retention.WithDefaults(),
	}

	// Run migrations on initialization
	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
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
		`SELECT version FROM flow_states WHERE flow_id = $1 AND tenant_id = $2`,
		flowID, tenantID).Scan(&current)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expectedVersion != nil && *expectedVersion != 0 {
			return 0, store.NewError(store.KindNotFound, "Save", flowID, tenantID, store.ErrNotFound)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO flow_states (flow_id, tenant_id, state, version, current_phase, status, created_at, updated_at)
			VALUES ($1, $2, $3, 1, $4, $5, $6, $7)
			ON CONFLICT (flow_id, tenant_id) DO NOTHING`,
			flowID, tenantID, stateJSON, string(phase), string(state.Status), now, now,
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
				fmt.Errorf("%w: flow was created concurrently", store.ErrConcurrentModification))
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
			SET state = $1, version = version + 1, current_phase = $2, status = $3, updated_at = $4
			WHERE flow_id = $5 AND tenant_id = $6 AND version = $7`,
			stateJSON, string(phase), string(state.Status), now,
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
		VALUES ($1, $2, $3, $4, $5, $6)`,
		flowID, tenantID, next, string(phase), string(state.Status), now,
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
		stateJSON []byte
		version   int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT state, version FROM flow_states WHERE flow_id = $1 AND tenant_id = $2`,
		flowID, tenantID).Scan(&stateJSON, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, store.NewError(store.KindNotFound, "Load", flowID, tenantID, store.ErrNotFound)
	}

	if err != nil {
		return nil, 0, store.NewError(store.KindFatal, "Load", flowID, tenantID, err)
	}

	var state flow.State
	if err := json.Unmarshal(stateJSON, &state); err != nil {
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

	var stateJSON, checkpointsJSON []byte

	// FOR UPDATE keeps two checkpointers from trimming each other's entry
	err = tx.QueryRowContext(ctx,
		`SELECT state, checkpoints FROM flow_states WHERE flow_id = $1 AND tenant_id = $2 FOR UPDATE`,
		flowID, tenantID).Scan(&stateJSON, &checkpointsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.NewError(store.KindNotFound, "CreateCheckpoint", flowID, tenantID, store.ErrNotFound)
	}

	if err != nil {
		return "", store.NewError(store.KindFatal, "CreateCheckpoint", flowID, tenantID, err)
	}

	var state flow.State
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return "", store.NewError(store.KindSerialization, "CreateCheckpoint", flowID, tenantID,
			fmt.Errorf("%w: %v", store.ErrSerialization, err))
	}

	var checkpoints []flow.Checkpoint
	if err := json.Unmarshal(checkpointsJSON, &checkpoints); err != nil {
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
		`UPDATE flow_states SET checkpoints = $1 WHERE flow_id = $2 AND tenant_id = $3`,
		updated, flowID, tenantID,
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

	var checkpointsJSON []byte

	err := s.db.QueryRowContext(ctx,
		`SELECT checkpoints FROM flow_states WHERE flow_id = $1 AND tenant_id = $2`,
		flowID, tenantID).Scan(&checkpointsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewError(store.KindNotFound, "Checkpoints", flowID, tenantID, store.ErrNotFound)
	}

	if err != nil {
		return nil, store.NewError(store.KindFatal, "Checkpoints", flowID, tenantID, err)
	}

	var checkpoints []flow.Checkpoint
	if err := json.Unmarshal(checkpointsJSON, &checkpoints); err != nil {
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
		WHERE flow_id = $1 AND tenant_id = $2
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
			info   flow.VersionInfo
			phase  string
			status string
		)

		if err := rows.Scan(&info.Version, &phase, &status, &info.CreatedAt); err != nil {
			return nil, store.NewError(store.KindFatal, "Versions", flowID, tenantID, err)
		}

		info.Phase = flow.Phase(phase)
		info.Status = flow.Status(status)
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
		WHERE flow_id = $1 AND tenant_id = $2
		  AND version <= (
			SELECT MAX(version) FROM flow_state_versions WHERE flow_id = $1 AND tenant_id = $2
		  ) - $3`,
		flowID, tenantID, keep,
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

	var archivedJSON []byte

	err = tx.QueryRowContext(ctx,
		`SELECT archived_snapshots FROM flow_states WHERE flow_id = $1 AND tenant_id = $2 FOR UPDATE`,
		flowID, tenantID).Scan(&archivedJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return store.NewError(store.KindNotFound, "ArchiveCorrupted", flowID, tenantID, store.ErrNotFound)
	}

	if err != nil {
		return store.NewError(store.KindFatal, "ArchiveCorrupted", flowID, tenantID, err)
	}

	var archived []flow.ArchivedState
	if err := json.Unmarshal(archivedJSON, &archived); err != nil {
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
		`UPDATE flow_states SET archived_snapshots = $1 WHERE flow_id = $2 AND tenant_id = $3`,
		updated, flowID, tenantID,
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

	var archivedJSON []byte

	err := s.db.QueryRowContext(ctx,
		`SELECT archived_snapshots FROM flow_states WHERE flow_id = $1 AND tenant_id = $2`,
		flowID, tenantID).Scan(&archivedJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewError(store.KindNotFound, "ArchivedSnapshots", flowID, tenantID, store.ErrNotFound)
	}

	if err != nil {
		return nil, store.NewError(store.KindFatal, "ArchivedSnapshots", flowID, tenantID, err)
	}

	var archived []flow.ArchivedState
	if err := json.Unmarshal(archivedJSON, &archived); err != nil {
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
		`DELETE FROM flow_states WHERE flow_id = $1 AND tenant_id = $2`,
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
		`DELETE FROM flow_state_versions WHERE flow_id = $1 AND tenant_id = $2`,
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
		query += ` WHERE tenant_id = $1`

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
			ref    flow.FlowRef
			phase  string
			status string
		)

		if err := rows.Scan(&ref.FlowID, &ref.TenantID, &phase, &status, &ref.Version, &ref.UpdatedAt); err != nil {
			return nil, store.NewError(store.KindFatal, "ListFlows", "", tenantID, err)
		}

		ref.Phase = flow.Phase(phase)
		ref.Status = flow.Status(status)
		refs = append(refs, ref)
	}

	if err := rows.Err(); err != nil {
		return nil, store.NewError(store.KindFatal, "ListFlows", "", tenantID, err)
	}

	return refs, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close(_ context.Context) error {
	if s.db != nil {
		err := s.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

func (s *Store) exists(ctx context.Context, flowID, tenantID string) (bool, error) {
	var one int

	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM flow_states WHERE flow_id = $1 AND tenant_id = $2`,
		flowID, tenantID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}
