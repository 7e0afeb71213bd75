package store

import (
	"context"

	"github.com/flowstate-dev/flowstate/pkg/flow"
)

// Retention bounds the embedded per-flow collections. Zero values fall back
// to the domain defaults.
type Retention struct {
	Checkpoints int
	Archives    int
}

// WithDefaults fills unset bounds with the domain defaults.
func (r Retention) WithDefaults() Retention {
	if r.Checkpoints <= 0 {
		r.Checkpoints = flow.DefaultCheckpointRetention
	}

	if r.Archives <= 0 {
		r.Archives = flow.DefaultArchiveRetention
	}

	return r
}

// Store persists flow state documents with optimistic concurrency control,
// bounded checkpoints, and version history. All identifiers are explicit;
// implementations never rely on ambient tenancy.
//
// Save semantics: the first write creates the record at version 1. When
// expectedVersion is nil the write is unconditional; when set, the write
// fails with a conflict unless the stored version matches (0 means "expect
// no record yet"). Every successful write increments the version and records
// a history row in the same transaction.
type Store interface {
	Save(ctx context.Context, flowID, tenantID string, state *flow.State, phase flow.Phase, expectedVersion *int64) (int64, error)
	Load(ctx context.Context, flowID, tenantID string) (*flow.State, int64, error)

	CreateCheckpoint(ctx context.Context, flowID, tenantID string, phase flow.Phase) (string, error)

	// Checkpoints returns the retained snapshots in creation order, oldest
	// first.
	Checkpoints(ctx context.Context, flowID, tenantID string) ([]flow.Checkpoint, error)

	// Versions returns the history in ascending version order.
	Versions(ctx context.Context, flowID, tenantID string) ([]flow.VersionInfo, error)
	CleanupVersions(ctx context.Context, flowID, tenantID string, keep int) (int64, error)

	ArchiveCorrupted(ctx context.Context, flowID, tenantID string, snap flow.ArchivedState) error
	ArchivedSnapshots(ctx context.Context, flowID, tenantID string) ([]flow.ArchivedState, error)

	Delete(ctx context.Context, flowID, tenantID string) error

	// ListFlows returns summary refs for a tenant, or for every tenant when
	// tenantID is empty.
	ListFlows(ctx context.Context, tenantID string) ([]flow.FlowRef, error)

	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
