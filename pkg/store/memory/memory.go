// Package memory provides an in-memory flow state store for tests and local development
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowstate-dev/flowstate/pkg/flow"
	"github.com/flowstate-dev/flowstate/pkg/store"
)

// record is the stored form of one flow. States are cloned on the way in and
// out so callers can never alias the stored document.
type record struct {
	state       *flow.State
	version     int64
	phase       flow.Phase
	status      flow.Status
	checkpoints []flow.Checkpoint
	archived    []flow.ArchivedState
	versions    []flow.VersionInfo
	createdAt   time.Time
	updatedAt   time.Time
}

// Store implements store.Store backed by a process-local map.
type Store struct {
	mu        sync.RWMutex
	flows     map[string]*record
	retention store.Retention
}

// NewStore creates an empty in-memory store.
func NewStore(retention store.Retention) *Store {
	return &Store{
		flows:     make(map[string]*record),
		retention: retention.WithDefaults(),
	}
}

func key(flowID, tenantID string) string {
	return tenantID + "/" + flowID
}

func checkIdentity(op, flowID, tenantID string) error {
	if flowID == "" || tenantID == "" {
		return store.NewError(store.KindInvalid, op, flowID, tenantID,
			fmt.Errorf("%w: flow and tenant identifiers are required", store.ErrInvalidState))
	}

	return nil
}

func (s *Store) Save(_ context.Context, flowID, tenantID string, state *flow.State, phase flow.Phase, expectedVersion *int64) (int64, error) {
	if err := checkIdentity("Save", flowID, tenantID); err != nil {
		return 0, err
	}

	if state == nil {
		return 0, store.NewError(store.KindInvalid, "Save", flowID, tenantID,
			fmt.Errorf("%w: state is nil", store.ErrInvalidState))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	rec, exists := s.flows[key(flowID, tenantID)]
	if !exists {
		if expectedVersion != nil && *expectedVersion != 0 {
			return 0, store.NewError(store.KindNotFound, "Save", flowID, tenantID, store.ErrNotFound)
		}

		rec = &record{
			state:     state.Clone(),
			version:   1,
			phase:     phase,
			status:    state.Status,
			createdAt: now,
			updatedAt: now,
			versions: []flow.VersionInfo{{
				Version:   1,
				Phase:     phase,
				Status:    state.Status,
				CreatedAt: now,
			}},
		}
		s.flows[key(flowID, tenantID)] = rec

		return 1, nil
	}

	if expectedVersion != nil && *expectedVersion != rec.version {
		return 0, store.NewError(store.KindConflict, "Save", flowID, tenantID,
			fmt.Errorf("%w: expected version %d, stored version is %d",
				store.ErrConcurrentModification, *expectedVersion, rec.version))
	}

	rec.version++
	rec.state = state.Clone()
	rec.phase = phase
	rec.status = state.Status
	rec.updatedAt = now
	rec.versions = append(rec.versions, flow.VersionInfo{
		Version:   rec.version,
		Phase:     phase,
		Status:    state.Status,
		CreatedAt: now,
	})

	return rec.version, nil
}

func (s *Store) Load(_ context.Context, flowID, tenantID string) (*flow.State, int64, error) {
	if err := checkIdentity("Load", flowID, tenantID); err != nil {
		return nil, 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.flows[key(flowID, tenantID)]
	if !exists {
		return nil, 0, store.NewError(store.KindNotFound, "Load", flowID, tenantID, store.ErrNotFound)
	}

	return rec.state.Clone(), rec.version, nil
}

func (s *Store) CreateCheckpoint(_ context.Context, flowID, tenantID string, phase flow.Phase) (string, error) {
	if err := checkIdentity("CreateCheckpoint", flowID, tenantID); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.flows[key(flowID, tenantID)]
	if !exists {
		return "", store.NewError(store.KindNotFound, "CreateCheckpoint", flowID, tenantID, store.ErrNotFound)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", store.NewError(store.KindFatal, "CreateCheckpoint", flowID, tenantID, err)
	}

	rec.checkpoints = append(rec.checkpoints, flow.Checkpoint{
		ID:        id.String(),
		FlowID:    flowID,
		TenantID:  tenantID,
		Phase:     phase,
		State:     rec.state.Clone(),
		CreatedAt: time.Now().UTC(),
	})

	if len(rec.checkpoints) > s.retention.Checkpoints {
		rec.checkpoints = rec.checkpoints[len(rec.checkpoints)-s.retention.Checkpoints:]
	}

	return id.String(), nil
}

func (s *Store) Checkpoints(_ context.Context, flowID, tenantID string) ([]flow.Checkpoint, error) {
	if err := checkIdentity("Checkpoints", flowID, tenantID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.flows[key(flowID, tenantID)]
	if !exists {
		return nil, store.NewError(store.KindNotFound, "Checkpoints", flowID, tenantID, store.ErrNotFound)
	}

	checkpoints := make([]flow.Checkpoint, len(rec.checkpoints))
	for i, checkpoint := range rec.checkpoints {
		checkpoints[i] = checkpoint
		checkpoints[i].State = checkpoint.State.Clone()
	}

	return checkpoints, nil
}

func (s *Store) Versions(_ context.Context, flowID, tenantID string) ([]flow.VersionInfo, error) {
	if err := checkIdentity("Versions", flowID, tenantID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.flows[key(flowID, tenantID)]
	if !exists {
		return nil, store.NewError(store.KindNotFound, "Versions", flowID, tenantID, store.ErrNotFound)
	}

	versions := make([]flow.VersionInfo, len(rec.versions))
	copy(versions, rec.versions)

	return versions, nil
}

func (s *Store) CleanupVersions(_ context.Context, flowID, tenantID string, keep int) (int64, error) {
	if err := checkIdentity("CleanupVersions", flowID, tenantID); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.flows[key(flowID, tenantID)]
	if !exists {
		return 0, store.NewError(store.KindNotFound, "CleanupVersions", flowID, tenantID, store.ErrNotFound)
	}

	// The current version's row always survives
	if keep < 1 {
		keep = 1
	}

	if len(rec.versions) <= keep {
		return 0, nil
	}

	removed := len(rec.versions) - keep
	rec.versions = rec.versions[removed:]

	return int64(removed), nil
}

func (s *Store) ArchiveCorrupted(_ context.Context, flowID, tenantID string, snap flow.ArchivedState) error {
	if err := checkIdentity("ArchiveCorrupted", flowID, tenantID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.flows[key(flowID, tenantID)]
	if !exists {
		return store.NewError(store.KindNotFound, "ArchiveCorrupted", flowID, tenantID, store.ErrNotFound)
	}

	snap.State = append(json.RawMessage(nil), snap.State...)
	rec.archived = append(rec.archived, snap)

	if len(rec.archived) > s.retention.Archives {
		rec.archived = rec.archived[len(rec.archived)-s.retention.Archives:]
	}

	return nil
}

func (s *Store) ArchivedSnapshots(_ context.Context, flowID, tenantID string) ([]flow.ArchivedState, error) {
	if err := checkIdentity("ArchivedSnapshots", flowID, tenantID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.flows[key(flowID, tenantID)]
	if !exists {
		return nil, store.NewError(store.KindNotFound, "ArchivedSnapshots", flowID, tenantID, store.ErrNotFound)
	}

	archived := make([]flow.ArchivedState, len(rec.archived))
	copy(archived, rec.archived)

	return archived, nil
}

func (s *Store) Delete(_ context.Context, flowID, tenantID string) error {
	if err := checkIdentity("Delete", flowID, tenantID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.flows[key(flowID, tenantID)]; !exists {
		return store.NewError(store.KindNotFound, "Delete", flowID, tenantID, store.ErrNotFound)
	}

	delete(s.flows, key(flowID, tenantID))

	return nil
}

func (s *Store) ListFlows(_ context.Context, tenantID string) ([]flow.FlowRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make([]flow.FlowRef, 0, len(s.flows))

	for _, rec := range s.flows {
		if tenantID != "" && rec.state.TenantID != tenantID {
			continue
		}

		refs = append(refs, flow.FlowRef{
			FlowID:    rec.state.FlowID,
			TenantID:  rec.state.TenantID,
			Phase:     rec.phase,
			Status:    rec.status,
			Version:   rec.version,
			UpdatedAt: rec.updatedAt,
		})
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].TenantID != refs[j].TenantID {
			return refs[i].TenantID < refs[j].TenantID
		}

		return refs[i].FlowID < refs[j].FlowID
	})

	return refs, nil
}

func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

func (s *Store) Close(_ context.Context) error {
	return nil
}
