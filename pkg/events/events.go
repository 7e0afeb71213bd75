// Package events defines event types and structures for flow lifecycle notifications.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/flowstate-dev/flowstate/pkg/flow"
)

type EventType string

// Topic carries every flow lifecycle event.
const Topic = "flowstate.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Flow lifecycle events.
	FlowCreatedEvent   EventType = "flow.created"
	FlowSavedEvent     EventType = "flow.state.saved"
	FlowFailedEvent    EventType = "flow.failed"
	FlowRecoveredEvent EventType = "flow.recovered"
	FlowCleanedUpEvent EventType = "flow.cleaned_up"

	// Phase progression events.
	PhaseTransitionedEvent EventType = "flow.phase.transitioned"
	PhaseCompletedEvent    EventType = "flow.phase.completed"

	// Checkpoint events.
	CheckpointCreatedEvent EventType = "flow.checkpoint.created"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	FlowID    string         `json:"flow_id"`
	TenantID  string         `json:"tenant_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type FlowCreated struct {
	BaseEvent

	Version int64      `json:"version"`
	Phase   flow.Phase `json:"phase"`
}

func (f FlowCreated) GetType() EventType {
	return FlowCreatedEvent
}

type FlowSaved struct {
	BaseEvent

	Version int64       `json:"version"`
	Phase   flow.Phase  `json:"phase"`
	Status  flow.Status `json:"status"`
}

func (f FlowSaved) GetType() EventType {
	return FlowSavedEvent
}

type PhaseTransitioned struct {
	BaseEvent

	FromPhase    flow.Phase `json:"from_phase"`
	ToPhase      flow.Phase `json:"to_phase"`
	Forced       bool       `json:"forced,omitempty"`
	Version      int64      `json:"version"`
	CheckpointID string     `json:"checkpoint_id,omitempty"`
}

func (p PhaseTransitioned) GetType() EventType {
	return PhaseTransitionedEvent
}

type PhaseCompleted struct {
	BaseEvent

	Phase        flow.Phase `json:"phase"`
	Version      int64      `json:"version"`
	CheckpointID string     `json:"checkpoint_id,omitempty"`
}

func (p PhaseCompleted) GetType() EventType {
	return PhaseCompletedEvent
}

type CheckpointCreated struct {
	BaseEvent

	CheckpointID string     `json:"checkpoint_id"`
	Phase        flow.Phase `json:"phase"`
}

func (c CheckpointCreated) GetType() EventType {
	return CheckpointCreatedEvent
}

type FlowFailed struct {
	BaseEvent

	Phase   flow.Phase `json:"phase"`
	Code    string     `json:"code,omitempty"`
	Error   string     `json:"error"`
	Version int64      `json:"version"`
}

func (f FlowFailed) GetType() EventType {
	return FlowFailedEvent
}

type FlowRecovered struct {
	BaseEvent

	// Outcome is the recovery path taken: recovered_from_checkpoint,
	// repaired, or reset_to_initial.
	Outcome      string `json:"outcome"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Version      int64  `json:"version"`
}

func (f FlowRecovered) GetType() EventType {
	return FlowRecoveredEvent
}

type FlowCleanedUp struct {
	BaseEvent

	CheckpointID    string `json:"checkpoint_id"`
	RemovedVersions int64  `json:"removed_versions"`
}

func (f FlowCleanedUp) GetType() EventType {
	return FlowCleanedUpEvent
}

func NewBaseEvent(eventType EventType, flowID, tenantID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		FlowID:    flowID,
		TenantID:  tenantID,
		Metadata:  make(map[string]any),
	}
}
