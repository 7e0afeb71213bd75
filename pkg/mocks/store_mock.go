// Package mocks provides testify mocks for the engine's interfaces.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/flowstate-dev/flowstate/pkg/flow"
	"github.com/flowstate-dev/flowstate/pkg/store"
)

// MockStore is a mock implementation of the store.Store interface.
type MockStore struct {
	mock.Mock
}

var _ store.Store = (*MockStore)(nil)

func (m *MockStore) Save(ctx context.Context, flowID, tenantID string, state *flow.State, phase flow.Phase, expectedVersion *int64) (int64, error) {
	args := m.Called(ctx, flowID, tenantID, state, phase, expectedVersion)

	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) Load(ctx context.Context, flowID, tenantID string) (*flow.State, int64, error) {
	args := m.Called(ctx, flowID, tenantID)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}

	return args.Get(0).(*flow.State), args.Get(1).(int64), args.Error(2)
}

func (m *MockStore) CreateCheckpoint(ctx context.Context, flowID, tenantID string, phase flow.Phase) (string, error) {
	args := m.Called(ctx, flowID, tenantID, phase)

	return args.String(0), args.Error(1)
}

func (m *MockStore) Checkpoints(ctx context.Context, flowID, tenantID string) ([]flow.Checkpoint, error) {
	args := m.Called(ctx, flowID, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]flow.Checkpoint), args.Error(1)
}

func (m *MockStore) Versions(ctx context.Context, flowID, tenantID string) ([]flow.VersionInfo, error) {
	args := m.Called(ctx, flowID, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]flow.VersionInfo), args.Error(1)
}

func (m *MockStore) CleanupVersions(ctx context.Context, flowID, tenantID string, keep int) (int64, error) {
	args := m.Called(ctx, flowID, tenantID, keep)

	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) ArchiveCorrupted(ctx context.Context, flowID, tenantID string, snap flow.ArchivedState) error {
	args := m.Called(ctx, flowID, tenantID, snap)

	return args.Error(0)
}

func (m *MockStore) ArchivedSnapshots(ctx context.Context, flowID, tenantID string) ([]flow.ArchivedState, error) {
	args := m.Called(ctx, flowID, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]flow.ArchivedState), args.Error(1)
}

func (m *MockStore) Delete(ctx context.Context, flowID, tenantID string) error {
	args := m.Called(ctx, flowID, tenantID)

	return args.Error(0)
}

func (m *MockStore) ListFlows(ctx context.Context, tenantID string) ([]flow.FlowRef, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]flow.FlowRef), args.Error(1)
}

func (m *MockStore) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockStore) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
