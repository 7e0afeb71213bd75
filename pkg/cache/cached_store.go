package cache

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/flowstate-dev/flowstate/pkg/codec"
	"github.com/flowstate-dev/flowstate/pkg/flow"
	"github.com/flowstate-dev/flowstate/pkg/metrics"
	"github.com/flowstate-dev/flowstate/pkg/store"
)

// entry is the wire form of one cache slot: the codec's output plus the
// store version, so a hit can serve Load without touching the backend.
type entry struct {
	Version int64      `json:"version"`
	Phase   flow.Phase `json:"phase"`
	Payload []byte     `json:"payload"`
}

// CachedStore decorates a backend store with the secure cache and the state
// codec. Writes seal sensitive fields before they reach the backend and land
// in the cache fully encoded; reads prefer the cache and fall back to the
// backend, repopulating on the way out. The backend stays authoritative:
// cache failures degrade to misses, and clearing the cache changes nothing
// but latency.
type CachedStore struct {
	backend store.Store
	cache   Cache
	codec   *codec.Codec
	policy  TTLPolicy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ store.Store = (*CachedStore)(nil)

// NewCachedStore wires the decorator. A nil cache falls back to Noop and a
// nil metrics handle records nothing.
func NewCachedStore(backend store.Store, c Cache, cdc *codec.Codec, policy TTLPolicy, m *metrics.Metrics, logger *slog.Logger) *CachedStore {
	if c == nil {
		c = NewNoop()
	}

	return &CachedStore{
		backend: backend,
		cache:   c,
		codec:   cdc,
		policy:  policy.WithDefaults(),
		metrics: m,
		logger:  logger.With("component", "cached_store"),
	}
}

func (s *CachedStore) Save(ctx context.Context, flowID, tenantID string, state *flow.State, phase flow.Phase, expectedVersion *int64) (int64, error) {
	sealed, err := s.codec.EncryptSensitive(state)
	if err != nil {
		return 0, err
	}

	version, err := s.backend.Save(ctx, flowID, tenantID, sealed, phase, expectedVersion)
	if err != nil {
		return 0, err
	}

	s.populate(ctx, flowID, tenantID, sealed, phase, version)

	return version, nil
}

func (s *CachedStore) Load(ctx context.Context, flowID, tenantID string) (*flow.State, int64, error) {
	current := CurrentKey(tenantID, flowID)

	if raw, ok := s.cache.Get(ctx, current); ok {
		state, version, err := s.decodeEntry(raw)
		if err == nil {
			s.metrics.RecordCacheRequest("hit")

			return state, version, nil
		}

		s.logger.WarnContext(ctx, "Discarding undecodable cache entry", "flow_id", flowID, "error", err)
		s.cache.Invalidate(ctx, current)
	}

	s.metrics.RecordCacheRequest("miss")

	state, version, err := s.backend.Load(ctx, flowID, tenantID)
	if err != nil {
		return nil, 0, err
	}

	s.populate(ctx, flowID, tenantID, state, state.CurrentPhase, version)

	opened, err := s.codec.DecryptSensitive(state)
	if err != nil {
		return nil, 0, err
	}

	return opened, version, nil
}

func (s *CachedStore) CreateCheckpoint(ctx context.Context, flowID, tenantID string, phase flow.Phase) (string, error) {
	id, err := s.backend.CreateCheckpoint(ctx, flowID, tenantID, phase)
	if err != nil {
		return "", err
	}

	// Cache the snapshot under its checkpoint key so a restore skips the
	// backend read while the entry lives.
	state, version, err := s.backend.Load(ctx, flowID, tenantID)
	if err != nil {
		return id, nil
	}

	wrapped, err := s.encodeEntry(state, phase, version)
	if err != nil {
		s.logger.WarnContext(ctx, "Skipping checkpoint cache entry", "flow_id", flowID, "error", err)

		return id, nil
	}

	key := CheckpointKey(tenantID, flowID, id)
	s.cache.Set(ctx, key, wrapped, s.policy.For(key))

	return id, nil
}

func (s *CachedStore) Checkpoints(ctx context.Context, flowID, tenantID string) ([]flow.Checkpoint, error) {
	checkpoints, err := s.backend.Checkpoints(ctx, flowID, tenantID)
	if err != nil {
		return nil, err
	}

	for i, checkpoint := range checkpoints {
		if checkpoint.State == nil {
			continue
		}

		opened, err := s.codec.DecryptSensitive(checkpoint.State)
		if err != nil {
			return nil, err
		}

		checkpoints[i].State = opened
	}

	return checkpoints, nil
}

func (s *CachedStore) Versions(ctx context.Context, flowID, tenantID string) ([]flow.VersionInfo, error) {
	return s.backend.Versions(ctx, flowID, tenantID)
}

func (s *CachedStore) CleanupVersions(ctx context.Context, flowID, tenantID string, keep int) (int64, error) {
	return s.backend.CleanupVersions(ctx, flowID, tenantID, keep)
}

func (s *CachedStore) ArchiveCorrupted(ctx context.Context, flowID, tenantID string, snap flow.ArchivedState) error {
	return s.backend.ArchiveCorrupted(ctx, flowID, tenantID, snap)
}

func (s *CachedStore) ArchivedSnapshots(ctx context.Context, flowID, tenantID string) ([]flow.ArchivedState, error) {
	return s.backend.ArchivedSnapshots(ctx, flowID, tenantID)
}

func (s *CachedStore) Delete(ctx context.Context, flowID, tenantID string) error {
	err := s.backend.Delete(ctx, flowID, tenantID)
	if err != nil {
		return err
	}

	s.evict(ctx, flowID, tenantID)

	return nil
}

func (s *CachedStore) ListFlows(ctx context.Context, tenantID string) ([]flow.FlowRef, error) {
	return s.backend.ListFlows(ctx, tenantID)
}

func (s *CachedStore) HealthCheck(ctx context.Context) error {
	return s.backend.HealthCheck(ctx)
}

func (s *CachedStore) Close(ctx context.Context) error {
	if err := s.cache.Close(); err != nil {
		s.logger.Warn("Failed to close cache", "error", err)
	}

	return s.backend.Close(ctx)
}

func (s *CachedStore) encodeEntry(state *flow.State, phase flow.Phase, version int64) ([]byte, error) {
	payload, err := s.codec.Encode(state)
	if err != nil {
		return nil, err
	}

	return json.Marshal(entry{Version: version, Phase: phase, Payload: payload})
}

// decodeEntry reverses encodeEntry and opens sealed fields, so a cache hit
// hands back exactly what a backend read would.
func (s *CachedStore) decodeEntry(raw []byte) (*flow.State, int64, error) {
	var cached entry
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, 0, err
	}

	state, err := s.codec.Decode(cached.Payload)
	if err != nil {
		return nil, 0, err
	}

	opened, err := s.codec.DecryptSensitive(state)
	if err != nil {
		return nil, 0, err
	}

	return opened, cached.Version, nil
}

// populate refreshes the current slot and the phase-shaped key, dropping the
// superseded phase entry when the flow advanced.
func (s *CachedStore) populate(ctx context.Context, flowID, tenantID string, state *flow.State, phase flow.Phase, version int64) {
	wrapped, err := s.encodeEntry(state, phase, version)
	if err != nil {
		s.logger.WarnContext(ctx, "Skipping cache population", "flow_id", flowID, "error", err)

		return
	}

	current := CurrentKey(tenantID, flowID)

	if raw, ok := s.cache.Get(ctx, current); ok {
		var prev entry
		if err := json.Unmarshal(raw, &prev); err == nil && prev.Phase != phase {
			s.cache.Invalidate(ctx, StateKey(tenantID, flowID, prev.Phase))
		}
	}

	s.cache.Set(ctx, current, wrapped, s.policy.For(current))

	stateKey := StateKey(tenantID, flowID, phase)
	s.cache.Set(ctx, stateKey, wrapped, s.policy.For(stateKey))
}

// evict drops the live slots. Checkpoint entries expire by TTL.
func (s *CachedStore) evict(ctx context.Context, flowID, tenantID string) {
	current := CurrentKey(tenantID, flowID)

	if raw, ok := s.cache.Get(ctx, current); ok {
		var prev entry
		if err := json.Unmarshal(raw, &prev); err == nil {
			s.cache.Invalidate(ctx, StateKey(tenantID, flowID, prev.Phase))
		}
	}

	s.cache.Invalidate(ctx, current)
}
