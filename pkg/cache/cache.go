// Package cache provides the secure read-through cache in front of a flow state store.
package cache

import (
	"context"
	"strings"
	"time"

	"github.com/flowstate-dev/flowstate/pkg/flow"
)

const (
	// DefaultLiveTTL expires live-state entries.
	DefaultLiveTTL = 10 * time.Minute
	// DefaultCheckpointTTL expires checkpoint entries. Checkpoints never
	// change once written, so they may linger longer.
	DefaultCheckpointTTL = time.Hour
)

// Cache stores encoded state payloads under opaque keys. Implementations
// swallow their own failures: a broken cache degrades to a miss, never to an
// error, because the store stays authoritative.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Invalidate(ctx context.Context, key string)
	Close() error
}

// TTLPolicy selects entry lifetimes by key shape.
type TTLPolicy struct {
	Live       time.Duration
	Checkpoint time.Duration
}

// WithDefaults fills unset durations.
func (p TTLPolicy) WithDefaults() TTLPolicy {
	if p.Live <= 0 {
		p.Live = DefaultLiveTTL
	}

	if p.Checkpoint <= 0 {
		p.Checkpoint = DefaultCheckpointTTL
	}

	return p
}

// For returns the lifetime for a key based on its shape.
func (p TTLPolicy) For(key string) time.Duration {
	if strings.Contains(key, ":checkpoint:") {
		return p.Checkpoint
	}

	return p.Live
}

// StateKey is the cache key for a flow's document at a given phase.
func StateKey(tenantID, flowID string, phase flow.Phase) string {
	return tenantID + ":" + flowID + ":" + string(phase)
}

// CurrentKey is the slot Load consults; it always holds the newest committed
// document regardless of phase.
func CurrentKey(tenantID, flowID string) string {
	return tenantID + ":" + flowID + ":current"
}

// CheckpointKey is the cache key for one checkpoint snapshot.
func CheckpointKey(tenantID, flowID, checkpointID string) string {
	return tenantID + ":" + flowID + ":checkpoint:" + checkpointID
}

// Noop satisfies Cache without storing anything. It stands in wherever
// caching is disabled.
type Noop struct{}

// NewNoop returns the disabled cache.
func NewNoop() *Noop {
	return &Noop{}
}

func (*Noop) Get(context.Context, string) ([]byte, bool) { return nil, false }

func (*Noop) Set(context.Context, string, []byte, time.Duration) {}

func (*Noop) Invalidate(context.Context, string) {}

func (*Noop) Close() error { return nil }
