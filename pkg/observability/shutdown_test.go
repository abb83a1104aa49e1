package observability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShutdownManager_ReverseOrder(t *testing.T) {
	sm := NewShutdownManager(nil, nil, time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string) ShutdownFunc {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	sm.Register("control-db", record("control-db"))
	sm.Register("tenant-cache", record("tenant-cache"))
	sm.Register("nil", nil)

	assert.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, []string{"tenant-cache", "control-db"}, order)
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), nil, 0)
	assert.Equal(t, 30*time.Second, sm.shutdownTimeout)

	boom := errors.New("boom")
	ran := false
	sm.Register("first", func(context.Context) error { ran = true; return nil })
	sm.Register("second", func(context.Context) error { return boom })

	err := sm.Shutdown(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.True(t, ran, "later failures must not skip earlier steps")
}

func TestShutdownManager_IgnoresParentCancellation(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), nil, time.Second)

	var sawLive bool
	sm.Register("check", func(ctx context.Context) error {
		sawLive = ctx.Err() == nil
		return nil
	})

	parent, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, sm.Shutdown(parent))
	assert.True(t, sawLive)
}
