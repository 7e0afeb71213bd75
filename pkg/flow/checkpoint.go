package flow

import (
	"encoding/json"
	"time"
)

const (
	// DefaultCheckpointRetention bounds the checkpoints kept per flow; the
	// oldest is evicted when a new one exceeds the bound.
	DefaultCheckpointRetention = 10

	// DefaultArchiveRetention bounds the corrupted snapshots kept per flow
	// for forensic inspection.
	DefaultArchiveRetention = 5
)

// Checkpoint is an immutable snapshot of a flow taken at a phase boundary.
type Checkpoint struct {
	ID        string    `json:"checkpoint_id"`
	FlowID    string    `json:"flow_id"`
	TenantID  string    `json:"tenant_id"`
	Phase     Phase     `json:"phase"`
	State     *State    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// ArchivedState preserves a corrupted state blob, verbatim, for later
// inspection after a recovery reset.
type ArchivedState struct {
	ID         string          `json:"archive_id"`
	Reason     string          `json:"reason"`
	State      json.RawMessage `json:"state"`
	ArchivedAt time.Time       `json:"archived_at"`
}

// VersionInfo summarizes one committed write in a flow's version history.
type VersionInfo struct {
	Version   int64     `json:"version"`
	Phase     Phase     `json:"phase"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// FlowRef identifies one stored flow together with its summary columns.
// Listing operations return refs instead of full state documents.
type FlowRef struct {
	FlowID    string    `json:"flow_id"`
	TenantID  string    `json:"tenant_id"`
	Phase     Phase     `json:"current_phase"`
	Status    Status    `json:"status"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}
