package agentbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbus-dev/agentbus/bus"
	"github.com/agentbus-dev/agentbus/event"
	"github.com/agentbus-dev/agentbus/pkg/config"
	"github.com/agentbus-dev/agentbus/store"
)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Backend = "memory"
	cfg.Store.PersistAll = true
	cfg.Store.BatchSize = 1
	cfg.Observability.Enabled = false
	return cfg
}

func TestOpen_MemorySystem(t *testing.T) {
	ctx := context.Background()
	sys, err := Open(ctx, memoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.Close(ctx) })

	received := make(chan *event.Event, 1)
	_, err = sys.Bus().Subscribe("observer", []event.Type{event.TypeTaskCompleted},
		bus.HandlerFunc(func(_ context.Context, ev *event.Event) error {
			received <- ev
			return nil
		}))
	require.NoError(t, err)

	ev := event.New(event.TypeTaskCompleted, "worker-1", &event.TaskCompleted{TaskID: "t1"})
	require.NoError(t, sys.Store.Publish(ctx, ev))

	select {
	case got := <-received:
		assert.Equal(t, ev.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	// The event was also persisted and is queryable.
	events, err := sys.Store.Query(ctx, store.Filter{Types: []event.Type{event.TypeTaskCompleted}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev.ID, events[0].ID)
}

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = "dynamo"

	_, err := Open(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestClose_Idempotent(t *testing.T) {
	ctx := context.Background()
	sys, err := Open(ctx, memoryConfig())
	require.NoError(t, err)

	require.NoError(t, sys.Close(ctx))
	require.NoError(t, sys.Close(ctx), "second close is a no-op")
}

func TestLoadConfig_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Backend)
}
