package eventbus_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstate-dev/flowstate/pkg/channels/gochannel"
	"github.com/flowstate-dev/flowstate/pkg/eventbus"
	"github.com/flowstate-dev/flowstate/pkg/events"
	"github.com/flowstate-dev/flowstate/pkg/flow"
)

func newTestBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)

	received := make(chan *events.FlowSaved, 1)

	err := bus.Handle(events.FlowSavedEvent, func(_ context.Context, event any) error {
		saved, ok := event.(*events.FlowSaved)
		if !ok {
			return fmt.Errorf("unexpected event payload %T", event)
		}

		received <- saved

		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Subscribe(ctx))

	published := events.FlowSaved{
		BaseEvent: events.NewBaseEvent(events.FlowSavedEvent, "flow-1", "tenant-1"),
		Version:   3,
		Phase:     flow.PhaseDiscovery,
		Status:    flow.StatusRunning,
	}
	require.NoError(t, bus.Publish(ctx, "tenant-1:flow-1", published))

	select {
	case got := <-received:
		assert.Equal(t, "flow-1", got.FlowID)
		assert.Equal(t, "tenant-1", got.TenantID)
		assert.Equal(t, int64(3), got.Version)
		assert.Equal(t, flow.PhaseDiscovery, got.Phase)
		assert.Equal(t, flow.StatusRunning, got.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestWatermillEventBus_DispatchesByType(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)

	recovered := make(chan *events.FlowRecovered, 1)
	checkpoints := make(chan *events.CheckpointCreated, 1)

	err := bus.Handle(events.FlowRecoveredEvent, func(_ context.Context, event any) error {
		recovered <- event.(*events.FlowRecovered)

		return nil
	})
	require.NoError(t, err)

	err = bus.Handle(events.CheckpointCreatedEvent, func(_ context.Context, event any) error {
		checkpoints <- event.(*events.CheckpointCreated)

		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "tenant-1:flow-1", events.CheckpointCreated{
		BaseEvent:    events.NewBaseEvent(events.CheckpointCreatedEvent, "flow-1", "tenant-1"),
		CheckpointID: "ckpt-9",
		Phase:        flow.PhaseAssessment,
	}))
	require.NoError(t, bus.Publish(ctx, "tenant-1:flow-1", events.FlowRecovered{
		BaseEvent: events.NewBaseEvent(events.FlowRecoveredEvent, "flow-1", "tenant-1"),
		Outcome:   "recovered_from_checkpoint",
		Version:   7,
	}))

	select {
	case got := <-checkpoints:
		assert.Equal(t, "ckpt-9", got.CheckpointID)
		assert.Equal(t, flow.PhaseAssessment, got.Phase)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for checkpoint event")
	}

	select {
	case got := <-recovered:
		assert.Equal(t, "recovered_from_checkpoint", got.Outcome)
		assert.Equal(t, int64(7), got.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for recovery event")
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newTestBus(t)

	first := bus.GenerateID()
	second := bus.GenerateID()

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}
