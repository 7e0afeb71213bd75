// Package manager exposes the flow state engine as lifecycle operations:
// create, guarded phase transitions, completion, error handling with
// automatic recovery, cleanup, and cross-environment transfer.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowstate-dev/flowstate/pkg/codec"
	"github.com/flowstate-dev/flowstate/pkg/eventbus"
	"github.com/flowstate-dev/flowstate/pkg/events"
	"github.com/flowstate-dev/flowstate/pkg/flow"
	"github.com/flowstate-dev/flowstate/pkg/metrics"
	"github.com/flowstate-dev/flowstate/pkg/otelhelper"
	"github.com/flowstate-dev/flowstate/pkg/recovery"
	"github.com/flowstate-dev/flowstate/pkg/store"
	"github.com/flowstate-dev/flowstate/pkg/validation"
)

// DefaultKeepVersions bounds the history retained by Cleanup when the config
// leaves it unset.
const DefaultKeepVersions = 20

// Config carries the manager's write-path policy knobs.
type Config struct {
	KeepVersions int
}

// Manager composes the validator, store, and recovery engine into the
// engine's public lifecycle operations. Every operation takes explicit flow
// and tenant identifiers; there is no ambient tenancy.
//
// A single logical owner drives each flow at a time. Cross-flow calls are
// independent, and concurrent writers to one flow are serialized by the
// store's optimistic version check.
type Manager struct {
	store     store.Store
	validator *validation.Validator
	recovery  *recovery.Engine
	codec     *codec.Codec
	cfg       Config
	bus       eventbus.EventBus
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

// Option wires optional collaborators into the manager.
type Option func(*Manager)

// WithEventBus publishes lifecycle events to bus. Without it the manager
// stays silent.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithMetrics records engine counters and latencies.
func WithMetrics(met *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithTracer opens a span per operation.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) { m.tracer = tracer }
}

// NewManager builds the façade over the given store. The store is usually a
// cache.CachedStore, so sealed fields and cache population come with it.
func NewManager(st store.Store, validator *validation.Validator, engine *recovery.Engine, cdc *codec.Codec, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if cfg.KeepVersions <= 0 {
		cfg.KeepVersions = DefaultKeepVersions
	}

	m := &Manager{
		store:     st,
		validator: validator,
		recovery:  engine,
		codec:     cdc,
		cfg:       cfg,
		logger:    logger.With("component", "flow_manager"),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Create seeds a new flow at the initialization phase. A flow that already
// exists is rejected with a conflict.
func (m *Manager) Create(ctx context.Context, flowID, tenantID string, data map[string]any) (_ *flow.State, _ int64, err error) {
	ctx, end := m.span(ctx, "manager.create", flowID, tenantID)
	defer func() { end(err) }()

	state := flow.NewState(flowID, tenantID)
	for key, value := range data {
		state.Data[key] = value
	}

	state.AppendLog(flow.PhaseInitialization, "Flow created", nil)

	if err = m.validator.Validate(state); err != nil {
		return nil, 0, err
	}

	start := time.Now()
	expected := int64(0)

	version, err := m.store.Save(ctx, flowID, tenantID, state, state.CurrentPhase, &expected)
	m.observeSave(start, err)

	if err != nil {
		return nil, 0, err
	}

	m.logger.InfoContext(ctx, "Flow created", "flow_id", flowID, "tenant_id", tenantID)
	m.publish(ctx, flowID, events.FlowCreated{
		BaseEvent: events.NewBaseEvent(events.FlowCreatedEvent, flowID, tenantID),
		Version:   version,
		Phase:     state.CurrentPhase,
	})

	return state, version, nil
}

// UpdateResult reports a committed write.
type UpdateResult struct {
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Update validates state and writes it with the optimistic version check.
// A stale expectedVersion surfaces as a conflict; the caller reloads and
// decides, the engine never retries on its own.
func (m *Manager) Update(ctx context.Context, flowID, tenantID string, state *flow.State, expectedVersion int64) (_ *UpdateResult, err error) {
	ctx, end := m.span(ctx, "manager.update", flowID, tenantID)
	defer func() { end(err) }()

	if state == nil {
		return nil, store.NewError(store.KindInvalid, "Update", flowID, tenantID,
			fmt.Errorf("%w: state is nil", store.ErrInvalidState))
	}

	next := state.Clone()
	next.FlowID = flowID
	next.TenantID = tenantID
	next.UpdatedAt = time.Now().UTC()

	if err = m.validator.Validate(next); err != nil {
		return nil, err
	}

	start := time.Now()

	version, err := m.store.Save(ctx, flowID, tenantID, next, next.CurrentPhase, &expectedVersion)
	m.observeSave(start, err)

	if err != nil {
		return nil, err
	}

	m.publish(ctx, flowID, events.FlowSaved{
		BaseEvent: events.NewBaseEvent(events.FlowSavedEvent, flowID, tenantID),
		Version:   version,
		Phase:     next.CurrentPhase,
		Status:    next.Status,
	})

	return &UpdateResult{Version: version, UpdatedAt: next.UpdatedAt}, nil
}

// TransitionPhase advances the flow to target. Unless forced, the transition
// graph only admits the immediately following phase. A checkpoint of the
// pre-transition state is taken first, so recovery can roll the flow back to
// the boundary it just left. Forced transitions skip the graph check only;
// the written document is always validated structurally.
func (m *Manager) TransitionPhase(ctx context.Context, flowID, tenantID string, target flow.Phase, force bool) (_ *flow.State, _ int64, err error) {
	ctx, end := m.span(ctx, "manager.transition_phase", flowID, tenantID)
	defer func() { end(err) }()

	state, version, err := m.store.Load(ctx, flowID, tenantID)
	if err != nil {
		return nil, 0, err
	}

	if !force {
		if err = validation.ValidateTransition(state, target); err != nil {
			return nil, 0, err
		}
	} else if !target.Valid() {
		return nil, 0, store.NewError(store.KindInvalid, "TransitionPhase", flowID, tenantID,
			fmt.Errorf("%w: unknown target phase %q", store.ErrInvalidState, target))
	}

	checkpointID, err := m.checkpoint(ctx, flowID, tenantID, state.CurrentPhase)
	if err != nil {
		return nil, 0, fmt.Errorf("pre-transition checkpoint: %w", err)
	}

	from := state.CurrentPhase

	next := state.Clone()
	next.CurrentPhase = target
	next.ProgressPercentage = target.Progress()

	if target == flow.PhaseCompleted {
		next.Status = flow.StatusCompleted
	} else {
		next.Status = flow.StatusRunning
	}

	next.AppendLog(target, "Phase transition", map[string]any{
		"from_phase":    from,
		"to_phase":      target,
		"forced":        force,
		"checkpoint_id": checkpointID,
	})

	if err = m.validator.Validate(next); err != nil {
		return nil, 0, err
	}

	start := time.Now()

	newVersion, err := m.store.Save(ctx, flowID, tenantID, next, target, &version)
	m.observeSave(start, err)

	if err != nil {
		return nil, 0, err
	}

	m.logger.InfoContext(ctx, "Phase transition",
		"flow_id", flowID, "tenant_id", tenantID, "from_phase", from, "to_phase", target, "forced", force)
	m.publish(ctx, flowID, events.PhaseTransitioned{
		BaseEvent:    events.NewBaseEvent(events.PhaseTransitionedEvent, flowID, tenantID),
		FromPhase:    from,
		ToPhase:      target,
		Forced:       force,
		Version:      newVersion,
		CheckpointID: checkpointID,
	})

	return next, newVersion, nil
}

// CompletePhase marks the flow's current phase done, merges the phase results
// into the data payload, and advances to the successor phase in the same
// write. The committed document is then checkpointed, so a later restore
// resumes exactly at the boundary between the finished phase and the next.
func (m *Manager) CompletePhase(ctx context.Context, flowID, tenantID string, phase flow.Phase, results map[string]any) (_ *flow.State, _ int64, err error) {
	ctx, end := m.span(ctx, "manager.complete_phase", flowID, tenantID)
	defer func() { end(err) }()

	state, version, err := m.store.Load(ctx, flowID, tenantID)
	if err != nil {
		return nil, 0, err
	}

	if phase != state.CurrentPhase {
		return nil, 0, store.NewError(store.KindInvalid, "CompletePhase", flowID, tenantID,
			fmt.Errorf("%w: cannot complete phase %s while flow is in %s", store.ErrInvalidState, phase, state.CurrentPhase))
	}

	successor, hasSuccessor := phase.Next()
	if hasSuccessor {
		if err = validation.ValidateTransition(state, successor); err != nil {
			return nil, 0, err
		}
	}

	next := state.Clone()
	next.MarkPhaseComplete(phase)

	for key, value := range results {
		next.Data[key] = value
	}

	next.AppendLog(phase, "Phase completed", nil)

	if hasSuccessor {
		next.CurrentPhase = successor
		next.ProgressPercentage = successor.Progress()

		if successor == flow.PhaseCompleted {
			next.Status = flow.StatusCompleted
		} else {
			next.Status = flow.StatusRunning
		}

		next.AppendLog(successor, "Phase transition", map[string]any{
			"from_phase": phase,
			"to_phase":   successor,
		})
	} else {
		next.Status = flow.StatusCompleted
	}

	if err = m.validator.Validate(next); err != nil {
		return nil, 0, err
	}

	start := time.Now()

	newVersion, err := m.store.Save(ctx, flowID, tenantID, next, next.CurrentPhase, &version)
	m.observeSave(start, err)

	if err != nil {
		return nil, 0, err
	}

	// The snapshot is taken after the write so a restore lands on the
	// completed-phase boundary, not before it. Losing the checkpoint does not
	// undo the committed completion.
	checkpointID, cpErr := m.checkpoint(ctx, flowID, tenantID, phase)
	if cpErr != nil {
		m.logger.WarnContext(ctx, "Completion checkpoint failed",
			"flow_id", flowID, "tenant_id", tenantID, "phase", phase, "error", cpErr)
	}

	m.logger.InfoContext(ctx, "Phase completed",
		"flow_id", flowID, "tenant_id", tenantID, "phase", phase, "version", newVersion)
	m.publish(ctx, flowID, events.PhaseCompleted{
		BaseEvent:    events.NewBaseEvent(events.PhaseCompletedEvent, flowID, tenantID),
		Phase:        phase,
		Version:      newVersion,
		CheckpointID: checkpointID,
	})

	if hasSuccessor {
		m.publish(ctx, flowID, events.PhaseTransitioned{
			BaseEvent:    events.NewBaseEvent(events.PhaseTransitionedEvent, flowID, tenantID),
			FromPhase:    phase,
			ToPhase:      successor,
			Version:      newVersion,
			CheckpointID: checkpointID,
		})
	}

	return next, newVersion, nil
}

// HandleError records a structured error on the flow, flips it to failed, and
// immediately runs the recovery engine over it. The recovery result tells the
// caller how the flow came back, or the error escalates when policy and
// checkpoints are exhausted.
func (m *Manager) HandleError(ctx context.Context, flowID, tenantID, code, message string) (_ *recovery.Result, err error) {
	ctx, end := m.span(ctx, "manager.handle_error", flowID, tenantID)
	defer func() { end(err) }()

	state, version, err := m.store.Load(ctx, flowID, tenantID)
	if err != nil {
		return nil, err
	}

	next := state.Clone()
	next.RecordError(next.CurrentPhase, code, message)
	next.Status = flow.StatusFailed
	next.AppendLog(next.CurrentPhase, "Flow failed", map[string]any{"code": code})

	start := time.Now()

	newVersion, err := m.store.Save(ctx, flowID, tenantID, next, next.CurrentPhase, &version)
	m.observeSave(start, err)

	if err != nil {
		return nil, err
	}

	m.logger.WarnContext(ctx, "Flow failed",
		"flow_id", flowID, "tenant_id", tenantID, "phase", next.CurrentPhase, "code", code, "error", message)
	m.publish(ctx, flowID, events.FlowFailed{
		BaseEvent: events.NewBaseEvent(events.FlowFailedEvent, flowID, tenantID),
		Phase:     next.CurrentPhase,
		Code:      code,
		Error:     message,
		Version:   newVersion,
	})

	return m.Recover(ctx, flowID, tenantID)
}

// Recover runs the recovery ladder over the flow: newest valid checkpoint,
// then automated repair, then the configured reset-or-escalate fallback.
func (m *Manager) Recover(ctx context.Context, flowID, tenantID string) (_ *recovery.Result, err error) {
	ctx, end := m.span(ctx, "manager.recover", flowID, tenantID)
	defer func() { end(err) }()

	result, err := m.recovery.Recover(ctx, flowID, tenantID)
	if err != nil {
		return nil, err
	}

	m.metrics.RecordRecovery(string(result.Outcome))

	if result.Outcome != recovery.OutcomeNone {
		m.publish(ctx, flowID, events.FlowRecovered{
			BaseEvent:    events.NewBaseEvent(events.FlowRecoveredEvent, flowID, tenantID),
			Outcome:      string(result.Outcome),
			CheckpointID: result.CheckpointID,
			Version:      result.Version,
		})
	}

	return result, nil
}

// Load returns the current state document and its version.
func (m *Manager) Load(ctx context.Context, flowID, tenantID string) (_ *flow.State, _ int64, err error) {
	ctx, end := m.span(ctx, "manager.load", flowID, tenantID)
	defer func() { end(err) }()

	state, version, err := m.store.Load(ctx, flowID, tenantID)

	return state, version, err
}

// Versions returns the flow's committed history, oldest first.
func (m *Manager) Versions(ctx context.Context, flowID, tenantID string) (_ []flow.VersionInfo, err error) {
	ctx, end := m.span(ctx, "manager.versions", flowID, tenantID)
	defer func() { end(err) }()

	versions, err := m.store.Versions(ctx, flowID, tenantID)

	return versions, err
}

// ListFlows returns summary refs for a tenant, or for every tenant when
// tenantID is empty.
func (m *Manager) ListFlows(ctx context.Context, tenantID string) ([]flow.FlowRef, error) {
	return m.store.ListFlows(ctx, tenantID)
}

// checkpoint snapshots the stored document at phase and announces it.
func (m *Manager) checkpoint(ctx context.Context, flowID, tenantID string, phase flow.Phase) (string, error) {
	id, err := m.store.CreateCheckpoint(ctx, flowID, tenantID, phase)
	if err != nil {
		return "", err
	}

	m.metrics.RecordCheckpoint()
	m.publish(ctx, flowID, events.CheckpointCreated{
		BaseEvent:    events.NewBaseEvent(events.CheckpointCreatedEvent, flowID, tenantID),
		CheckpointID: id,
		Phase:        phase,
	})

	return id, nil
}

// publish sends a lifecycle event when a bus is wired. Delivery failures are
// logged and swallowed; the store stays authoritative.
func (m *Manager) publish(ctx context.Context, key string, event eventbus.Event) {
	if m.bus == nil {
		return
	}

	if err := m.bus.Publish(ctx, key, event); err != nil {
		m.logger.WarnContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "key", key, "error", err)
	}
}

// observeSave records one write attempt against the save metrics.
func (m *Manager) observeSave(start time.Time, err error) {
	switch {
	case err == nil:
		m.metrics.RecordSave("success", time.Since(start))
	case store.IsConflict(err):
		m.metrics.RecordConflict()
		m.metrics.RecordSave("conflict", time.Since(start))
	default:
		m.metrics.RecordSave("error", time.Since(start))
	}
}

// span opens an operation span when a tracer is wired. The returned end
// function takes the operation's final error.
func (m *Manager) span(ctx context.Context, name, flowID, tenantID string) (context.Context, func(error)) {
	if m.tracer == nil {
		return ctx, func(error) {}
	}

	ctx, sp := otelhelper.StartSpan(ctx, m.tracer, name,
		attribute.String(otelhelper.FlowIDKey, flowID),
		attribute.String(otelhelper.TenantIDKey, tenantID),
	)

	return ctx, func(err error) {
		if err != nil {
			otelhelper.SetError(sp, err)
		}

		sp.End()
	}
}
