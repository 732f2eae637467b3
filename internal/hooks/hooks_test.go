package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"zero queue", &Config{QueueSize: 0}, true},
		{"queue too large", &Config{QueueSize: 1 << 20}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestHookManager_Routing(t *testing.T) {
	hm, err := NewHookManager(nil, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	record := func(tag string) HookHandler {
		return func(ctx context.Context, e immunity.Event) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, tag+":"+string(e.Type))
			return nil
		}
	}
	hm.RegisterHandler(immunity.EventStepAnalyzed, record("analyzed"))
	hm.RegisterHandler(Wildcard, record("all"))

	ctx := context.Background()
	hm.Emit(ctx, immunity.Event{Type: immunity.EventStepAnalyzed, StepID: "s1"})
	hm.Emit(ctx, immunity.Event{Type: immunity.EventPatternRecorded})
	require.NoError(t, hm.Close(ctx))

	assert.Equal(t, []string{
		"analyzed:step.analyzed",
		"all:step.analyzed",
		"all:pattern.recorded",
	}, got)

	hm.Emit(ctx, immunity.Event{Type: immunity.EventStepAnalyzed})
	assert.Equal(t, int64(1), hm.Dropped())
	assert.NoError(t, hm.Close(ctx))
}

func TestHookManager_HandlerFailuresAreContained(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	hm, err := NewHookManager(nil, zap.New(core))
	require.NoError(t, err)

	delivered := make(chan struct{}, 1)
	hm.RegisterHandler(Wildcard, func(context.Context, immunity.Event) error { return errors.New("boom") })
	hm.RegisterHandler(Wildcard, func(context.Context, immunity.Event) error { panic("bad handler") })
	hm.RegisterHandler(Wildcard, func(context.Context, immunity.Event) error {
		delivered <- struct{}{}
		return nil
	})

	hm.Emit(context.Background(), immunity.Event{Type: immunity.EventStepRepaired})
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("later handler was not called")
	}
	require.NoError(t, hm.Close(context.Background()))
	assert.Equal(t, 1, logs.FilterMessage("hook handler failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("hook handler panicked").Len())
}

func TestHookManager_EmitDoesNotBlock(t *testing.T) {
	hm, err := NewHookManager(&Config{QueueSize: 1}, nil)
	require.NoError(t, err)

	release := make(chan struct{})
	hm.RegisterHandler(Wildcard, func(context.Context, immunity.Event) error {
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hm.Emit(context.Background(), immunity.Event{Type: immunity.EventStepAnalyzed})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked")
	}
	assert.GreaterOrEqual(t, hm.Dropped(), int64(8))
	close(release)
	require.NoError(t, hm.Close(context.Background()))
}

func TestHookManager_Execute(t *testing.T) {
	hm, err := NewHookManager(nil, nil)
	require.NoError(t, err)
	defer hm.Close(context.Background())

	assert.NoError(t, hm.Execute(context.Background(), immunity.Event{Type: immunity.EventStepAnalyzed}))

	hm.RegisterHandler(immunity.EventDoctrineReloaded, func(context.Context, immunity.Event) error {
		return errors.New("reload rejected")
	})
	err = hm.Execute(context.Background(), immunity.Event{Type: immunity.EventDoctrineReloaded})
	assert.ErrorContains(t, err, "hook doctrine.reloaded failed")
}

func TestHookManager_IsEmitter(t *testing.T) {
	hm, err := NewHookManager(nil, nil)
	require.NoError(t, err)
	defer hm.Close(context.Background())

	var _ immunity.EventEmitter = hm
	r := immunity.NewRegistry()
	c, err := immunity.NewCoordinator(r, immunity.DefaultConfig(), immunity.WithEmitter(hm))
	require.NoError(t, err)
	require.NoError(t, c.Close(context.Background()))
}
