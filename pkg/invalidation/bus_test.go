package invalidation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisClientTest(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func startBus(t *testing.T, bus *Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- bus.Subscribe(ctx, ready) }()

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("subscriber exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber not ready")
	}

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestBus_DispatchesByKind(t *testing.T) {
	_, client := setupRedisClientTest(t)
	bus := NewBus(client, "", nil)

	tenants := &recorder{}
	perms := &recorder{}
	bus.Handle(KindTenant, tenants.handle)
	bus.Handle(KindPermissions, perms.handle)
	startBus(t, bus)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, Message{Kind: KindTenant, TenantID: "acme"}))
	require.NoError(t, bus.Publish(ctx, Message{Kind: KindPermissions, TenantID: "acme", UserID: "u1"}))

	require.Eventually(t, func() bool {
		return len(tenants.snapshot()) == 1 && len(perms.snapshot()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, Message{Kind: KindTenant, TenantID: "acme"}, tenants.snapshot()[0])
	assert.Equal(t, "u1", perms.snapshot()[0].UserID)
}

func TestBus_SurvivesBadPayloadAndFailingHandler(t *testing.T) {
	_, client := setupRedisClientTest(t)
	bus := NewBus(client, "test:channel", nil)

	good := &recorder{}
	bus.Handle(KindTenant, func(context.Context, Message) error { return errors.New("evict failed") })
	bus.Handle(KindTenant, good.handle)
	startBus(t, bus)

	ctx := context.Background()
	require.NoError(t, client.Publish(ctx, "test:channel", "{not json").Err())
	require.NoError(t, bus.Publish(ctx, Message{Kind: KindTenant, TenantID: "acme"}))

	require.Eventually(t, func() bool { return len(good.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestBus_PublishRequiresTenant(t *testing.T) {
	_, client := setupRedisClientTest(t)
	bus := NewBus(client, "", nil)

	assert.Error(t, bus.Publish(context.Background(), Message{Kind: KindTenant}))
}

func TestBus_PublishFailsWhenRedisDown(t *testing.T) {
	mr, client := setupRedisClientTest(t)
	bus := NewBus(client, "", nil)
	mr.Close()

	assert.Error(t, bus.Publish(context.Background(), Message{Kind: KindTenant, TenantID: "acme"}))
}

func TestNewRedisClient(t *testing.T) {
	mr, _ := setupRedisClientTest(t)

	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	client.Close()

	_, err = NewRedisClient(context.Background(), "://bad")
	assert.Error(t, err)
}
