// Package file provides a JSON-file flow state store for local development
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowstate-dev/flowstate/pkg/flow"
	"github.com/flowstate-dev/flowstate/pkg/store"
)

// document is the on-disk form of one flow: the live state plus its version
// history and the bounded checkpoint and archive arrays.
type document struct {
	State       *flow.State          `json:"state"`
	Version     int64                `json:"version"`
	Phase       flow.Phase           `json:"current_phase"`
	Status      flow.Status          `json:"status"`
	Checkpoints []flow.Checkpoint    `json:"checkpoints"`
	Versions    []flow.VersionInfo   `json:"versions"`
	Archived    []flow.ArchivedState `json:"archived_snapshots"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// Store implements store.Store with one JSON document per flow at
// <root>/<tenant_id>/<flow_id>.json. A store-wide mutex serializes writers;
// documents are written to a temp file and renamed into place.
type Store struct {
	root      string
	mu        sync.Mutex
	retention store.Retention
}

// NewStore creates a file store rooted at the given directory. A file://
// prefix is accepted and stripped.
func NewStore(root string, retention store.Retention) *Store {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Store{
		root:      cleanRoot,
		retention: retention.WithDefaults(),
	}
}

func (s *Store) flowPath(flowID, tenantID string) string {
	return filepath.Clean(path.Join(s.root, tenantID, flowID+".json"))
}

func (s *Store) readDocument(op, flowID, tenantID string) (*document, error) {
	body, err := os.ReadFile(s.flowPath(flowID, tenantID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.NewError(store.KindNotFound, op, flowID, tenantID, store.ErrNotFound)
		}

		return nil, store.NewError(store.KindFatal, op, flowID, tenantID,
			fmt.Errorf("failed to read flow document: %w", err))
	}

	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, store.NewError(store.KindSerialization, op, flowID, tenantID,
			fmt.Errorf("%w: failed to unmarshal flow document: %w", store.ErrSerialization, err))
	}

	return &doc, nil
}

func (s *Store) writeDocument(op, flowID, tenantID string, doc *document) error {
	filePath := s.flowPath(flowID, tenantID)

	if err := os.MkdirAll(filepath.Dir(filePath), 0750); err != nil {
		return store.NewError(store.KindFatal, op, flowID, tenantID,
			fmt.Errorf("failed to create tenant directory: %w", err))
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return store.NewError(store.KindSerialization, op, flowID, tenantID,
			fmt.Errorf("%w: failed to marshal flow document: %w", store.ErrSerialization, err))
	}

	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return store.NewError(store.KindFatal, op, flowID, tenantID,
			fmt.Errorf("failed to write flow document: %w", err))
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		return store.NewError(store.KindFatal, op, flowID, tenantID,
			fmt.Errorf("failed to commit flow document: %w", err))
	}

	return nil
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

	doc, err := s.readDocument("Save", flowID, tenantID)
	if err != nil {
		if !store.IsNotFound(err) {
			return 0, err
		}

		if expectedVersion != nil && *expectedVersion != 0 {
			return 0, err
		}

		doc = &document{
			State:       state.Clone(),
			Version:     1,
			Phase:       phase,
			Status:      state.Status,
			Checkpoints: []flow.Checkpoint{},
			Archived:    []flow.ArchivedState{},
			CreatedAt:   now,
			UpdatedAt:   now,
			Versions: []flow.VersionInfo{{
				Version:   1,
				Phase:     phase,
				Status:    state.Status,
				CreatedAt: now,
			}},
		}

		if err := s.writeDocument("Save", flowID, tenantID, doc); err != nil {
			return 0, err
		}

		return 1, nil
	}

	if expectedVersion != nil && *expectedVersion != doc.Version {
		return 0, store.NewError(store.KindConflict, "Save", flowID, tenantID,
			fmt.Errorf("%w: expected version %d, stored version is %d",
				store.ErrConcurrentModification, *expectedVersion, doc.Version))
	}

	doc.Version++
	doc.State = state.Clone()
	doc.Phase = phase
	doc.Status = state.Status
	doc.UpdatedAt = now
	doc.Versions = append(doc.Versions, flow.VersionInfo{
		Version:   doc.Version,
		Phase:     phase,
		Status:    state.Status,
		CreatedAt: now,
	})

	if err := s.writeDocument("Save", flowID, tenantID, doc); err != nil {
		return 0, err
	}

	return doc.Version, nil
}

func (s *Store) Load(_ context.Context, flowID, tenantID string) (*flow.State, int64, error) {
	if err := checkIdentity("Load", flowID, tenantID); err != nil {
		return nil, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument("Load", flowID, tenantID)
	if err != nil {
		return nil, 0, err
	}

	return doc.State, doc.Version, nil
}

func (s *Store) CreateCheckpoint(_ context.Context, flowID, tenantID string, phase flow.Phase) (string, error) {
	if err := checkIdentity("CreateCheckpoint", flowID, tenantID); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument("CreateCheckpoint", flowID, tenantID)
	if err != nil {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", store.NewError(store.KindFatal, "CreateCheckpoint", flowID, tenantID, err)
	}

	doc.Checkpoints = append(doc.Checkpoints, flow.Checkpoint{
		ID:        id.String(),
		FlowID:    flowID,
		TenantID:  tenantID,
		Phase:     phase,
		State:     doc.State.Clone(),
		CreatedAt: time.Now().UTC(),
	})

	if len(doc.Checkpoints) > s.retention.Checkpoints {
		doc.Checkpoints = doc.Checkpoints[len(doc.Checkpoints)-s.retention.Checkpoints:]
	}

	if err := s.writeDocument("CreateCheckpoint", flowID, tenantID, doc); err != nil {
		return "", err
	}

	return id.String(), nil
}

func (s *Store) Checkpoints(_ context.Context, flowID, tenantID string) ([]flow.Checkpoint, error) {
	if err := checkIdentity("Checkpoints", flowID, tenantID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument("Checkpoints", flowID, tenantID)
	if err != nil {
		return nil, err
	}

	return doc.Checkpoints, nil
}

func (s *Store) Versions(_ context.Context, flowID, tenantID string) ([]flow.VersionInfo, error) {
	if err := checkIdentity("Versions", flowID, tenantID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument("Versions", flowID, tenantID)
	if err != nil {
		return nil, err
	}

	return doc.Versions, nil
}

func (s *Store) CleanupVersions(_ context.Context, flowID, tenantID string, keep int) (int64, error) {
	if err := checkIdentity("CleanupVersions", flowID, tenantID); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument("CleanupVersions", flowID, tenantID)
	if err != nil {
		return 0, err
	}

	// The current version's row always survives
	if keep < 1 {
		keep = 1
	}

	if len(doc.Versions) <= keep {
		return 0, nil
	}

	removed := len(doc.Versions) - keep
	doc.Versions = doc.Versions[removed:]

	if err := s.writeDocument("CleanupVersions", flowID, tenantID, doc); err != nil {
		return 0, err
	}

	return int64(removed), nil
}

func (s *Store) ArchiveCorrupted(_ context.Context, flowID, tenantID string, snap flow.ArchivedState) error {
	if err := checkIdentity("ArchiveCorrupted", flowID, tenantID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument("ArchiveCorrupted", flowID, tenantID)
	if err != nil {
		return err
	}

	doc.Archived = append(doc.Archived, snap)

	if len(doc.Archived) > s.retention.Archives {
		doc.Archived = doc.Archived[len(doc.Archived)-s.retention.Archives:]
	}

	return s.writeDocument("ArchiveCorrupted", flowID, tenantID, doc)
}

func (s *Store) ArchivedSnapshots(_ context.Context, flowID, tenantID string) ([]flow.ArchivedState, error) {
	if err := checkIdentity("ArchivedSnapshots", flowID, tenantID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument("ArchivedSnapshots", flowID, tenantID)
	if err != nil {
		return nil, err
	}

	return doc.Archived, nil
}

func (s *Store) Delete(_ context.Context, flowID, tenantID string) error {
	if err := checkIdentity("Delete", flowID, tenantID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.flowPath(flowID, tenantID))
	if err != nil {
		if os.IsNotExist(err) {
			return store.NewError(store.KindNotFound, "Delete", flowID, tenantID, store.ErrNotFound)
		}

		return store.NewError(store.KindFatal, "Delete", flowID, tenantID,
			fmt.Errorf("failed to delete flow document: %w", err))
	}

	return nil
}

func (s *Store) ListFlows(_ context.Context, tenantID string) ([]flow.FlowRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenants, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []flow.FlowRef{}, nil
		}

		return nil, store.NewError(store.KindFatal, "ListFlows", "", tenantID,
			fmt.Errorf("failed to list tenants: %w", err))
	}

	refs := make([]flow.FlowRef, 0)

	for _, tenant := range tenants {
		if !tenant.IsDir() {
			continue
		}

		if tenantID != "" && tenant.Name() != tenantID {
			continue
		}

		files, err := os.ReadDir(path.Join(s.root, tenant.Name()))
		if err != nil {
			return nil, store.NewError(store.KindFatal, "ListFlows", "", tenantID,
				fmt.Errorf("failed to list flows for tenant %s: %w", tenant.Name(), err))
		}

		for _, entry := range files {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}

			flowID := strings.TrimSuffix(entry.Name(), ".json")

			doc, err := s.readDocument("ListFlows", flowID, tenant.Name())
			if err != nil {
				return nil, err
			}

			refs = append(refs, flow.FlowRef{
				FlowID:    flowID,
				TenantID:  tenant.Name(),
				Phase:     doc.Phase,
				Status:    doc.Status,
				Version:   doc.Version,
				UpdatedAt: doc.UpdatedAt,
			})
		}
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].TenantID != refs[j].TenantID {
			return refs[i].TenantID < refs[j].TenantID
		}

		return refs[i].FlowID < refs[j].FlowID
	})

	return refs, nil
}

// HealthCheck verifies the root directory exists and is writable, creating
// it when missing.
func (s *Store) HealthCheck(_ context.Context) error {
	return os.MkdirAll(s.root, 0750)
}

func (s *Store) Close(_ context.Context) error {
	return nil
}
