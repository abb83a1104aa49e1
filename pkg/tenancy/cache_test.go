package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/shopkeep/pkg/observability"
	"github.com/platinummonkey/shopkeep/pkg/retry"
)

type memoryStore struct {
	mu      sync.Mutex
	tenants map[string]*Tenant
}

func newMemoryStore(tenants ...*Tenant) *memoryStore {
	s := &memoryStore{tenants: make(map[string]*Tenant)}
	for _, t := range tenants {
		s.tenants[t.ID] = t
	}
	return s
}

func (s *memoryStore) GetTenant(_ context.Context, id string) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func activeTenant(id string) *Tenant {
	return &Tenant{ID: id, DatabaseName: id, Password: "pw-" + id, Status: StatusActive}
}

// sqliteOpener opens a private in-memory database per call and stamps it with
// the tenant id, so a handle can prove which tenant it was opened for.
type sqliteOpener struct {
	calls atomic.Int32
	gate  func(call int32) // optional, runs before the open
	fail  func(call int32) error

	mu     sync.Mutex
	opened []*sql.DB
}

func (o *sqliteOpener) Open(ctx context.Context, t *Tenant) (*sql.DB, error) {
	call := o.calls.Add(1)
	if o.gate != nil {
		o.gate(call)
	}
	if o.fail != nil {
		if err := o.fail(call); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `CREATE TABLE owner (tenant_id TEXT, password TEXT)`); err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO owner VALUES ($1, $2)`, t.ID, t.Password); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.opened = append(o.opened, db)
	o.mu.Unlock()
	return db, nil
}

func owner(t *testing.T, h *Handle) (string, string) {
	t.Helper()
	var tenantID, password string
	require.NoError(t, h.DB.QueryRow(`SELECT tenant_id, password FROM owner`).Scan(&tenantID, &password))
	return tenantID, password
}

func fastCacheConfig(attempts int) CacheConfig {
	return CacheConfig{
		ConnectTimeout: 5 * time.Second,
		Retry:          retry.Config{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	}
}

func TestConnectionCache_TenantIsolation(t *testing.T) {
	tenants := []string{"t1", "t2", "t3", "t4"}
	store := newMemoryStore()
	for _, id := range tenants {
		store.tenants[id] = activeTenant(id)
	}
	opener := &sqliteOpener{}
	cache := NewConnectionCache(store, opener, fastCacheConfig(1))
	defer cache.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]map[*Handle]bool)

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			h, err := cache.Get(context.Background(), id)
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, id, h.TenantID)
			mu.Lock()
			if seen[id] == nil {
				seen[id] = make(map[*Handle]bool)
			}
			seen[id][h] = true
			mu.Unlock()
		}(tenants[i%len(tenants)])
	}
	wg.Wait()

	owners := make(map[*Handle]string)
	for _, id := range tenants {
		require.Len(t, seen[id], 1, "tenant %s must observe exactly one handle", id)
		for h := range seen[id] {
			gotTenant, gotPassword := owner(t, h)
			assert.Equal(t, id, gotTenant)
			assert.Equal(t, "pw-"+id, gotPassword)
			_, dup := owners[h]
			assert.False(t, dup, "handle shared across tenants")
			owners[h] = id
		}
	}
	assert.Equal(t, int32(len(tenants)), opener.calls.Load())
}

func TestConnectionCache_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	opener := &sqliteOpener{gate: func(int32) { <-release }}
	cache := NewConnectionCache(newMemoryStore(activeTenant("acme")), opener, fastCacheConfig(1))
	defer cache.Close()

	const callers = 50
	var wg sync.WaitGroup
	handles := make([]*Handle, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := cache.Get(context.Background(), "acme")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}

	require.Eventually(t, func() bool { return opener.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), opener.calls.Load())
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
}

func TestConnectionCache_DifferentTenantsDoNotBlock(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	store := newMemoryStore(activeTenant("slow"), activeTenant("fast"))
	opener := &sqliteOpener{}
	opener.gate = func(call int32) {
		if call == 1 {
			<-release
		}
	}
	cache := NewConnectionCache(store, opener, fastCacheConfig(1))

	go cache.Get(context.Background(), "slow")
	require.Eventually(t, func() bool { return opener.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h, err := cache.Get(ctx, "fast")
	require.NoError(t, err)
	assert.Equal(t, "fast", h.TenantID)
}

func TestConnectionCache_CallerCancellationLeavesCacheUsable(t *testing.T) {
	release := make(chan struct{})
	opener := &sqliteOpener{gate: func(int32) { <-release }}
	cache := NewConnectionCache(newMemoryStore(activeTenant("acme")), opener, fastCacheConfig(1))
	defer cache.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx, "acme")
		errCh <- err
	}()

	require.Eventually(t, func() bool { return opener.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	require.Eventually(t, func() bool { return cache.Len() == 1 }, time.Second, time.Millisecond)

	h, err := cache.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", h.TenantID)
	assert.Equal(t, int32(1), opener.calls.Load(), "abandoned open must be reused, not repeated")
}

func TestConnectionCache_UnknownTenant(t *testing.T) {
	opener := &sqliteOpener{}
	cache := NewConnectionCache(newMemoryStore(), opener, fastCacheConfig(3))

	_, err := cache.Get(context.Background(), "acme")
	assert.ErrorIs(t, err, ErrTenantNotFound)
	assert.Zero(t, opener.calls.Load())

	_, err = cache.Get(context.Background(), "")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestConnectionCache_InactiveTenantLooksUnknown(t *testing.T) {
	tenant := activeTenant("acme")
	tenant.Status = StatusInactive
	opener := &sqliteOpener{}
	cache := NewConnectionCache(newMemoryStore(tenant), opener, fastCacheConfig(3))

	_, err := cache.Get(context.Background(), "acme")
	assert.ErrorIs(t, err, ErrTenantNotFound)
	assert.Zero(t, opener.calls.Load())
}

func TestConnectionCache_RetriesThenFails(t *testing.T) {
	down := errors.New("connection refused")
	opener := &sqliteOpener{fail: func(int32) error { return down }}
	cache := NewConnectionCache(newMemoryStore(activeTenant("acme")), opener, fastCacheConfig(3))

	_, err := cache.Get(context.Background(), "acme")
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "acme", connErr.TenantID)
	assert.Equal(t, 3, connErr.Attempts)
	assert.ErrorIs(t, err, down)
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, int32(3), opener.calls.Load())

	// A failed open leaves nothing behind; the next caller starts over
	_, err = cache.Get(context.Background(), "acme")
	require.Error(t, err)
	assert.Equal(t, int32(6), opener.calls.Load())
	assert.Zero(t, cache.Len())
}

func TestConnectionCache_RecoversFromTransientFailure(t *testing.T) {
	opener := &sqliteOpener{fail: func(call int32) error {
		if call < 3 {
			return fmt.Errorf("attempt %d: timeout", call)
		}
		return nil
	}}
	cache := NewConnectionCache(newMemoryStore(activeTenant("acme")), opener, fastCacheConfig(5))
	defer cache.Close()

	h, err := cache.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", h.TenantID)
	assert.Equal(t, int32(3), opener.calls.Load())
}

// flakyCredentialStore fails the first failures reads, then delegates
type flakyCredentialStore struct {
	*memoryStore
	failures int32
	reads    atomic.Int32
}

func (s *flakyCredentialStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	if s.reads.Add(1) <= s.failures {
		return nil, errors.New("control db: connection reset by peer")
	}
	return s.memoryStore.GetTenant(ctx, id)
}

func TestConnectionCache_RetriesTransientCredentialRead(t *testing.T) {
	store := &flakyCredentialStore{memoryStore: newMemoryStore(activeTenant("acme")), failures: 1}
	opener := &sqliteOpener{}
	cache := NewConnectionCache(store, opener, fastCacheConfig(3))
	defer cache.Close()

	h, err := cache.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", h.TenantID)
	assert.Equal(t, int32(2), store.reads.Load())
	assert.Equal(t, int32(1), opener.calls.Load())
}

func TestConnectionCache_CredentialReadRetriesAreBounded(t *testing.T) {
	store := &flakyCredentialStore{memoryStore: newMemoryStore(activeTenant("acme")), failures: 100}
	opener := &sqliteOpener{}
	cache := NewConnectionCache(store, opener, fastCacheConfig(3))

	_, err := cache.Get(context.Background(), "acme")
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, 3, connErr.Attempts)
	assert.ErrorContains(t, err, "connection reset by peer")
	assert.Equal(t, int32(3), store.reads.Load())
	assert.Zero(t, opener.calls.Load())
}

func TestConnectionCache_UnknownTenantIsNotRetried(t *testing.T) {
	store := &flakyCredentialStore{memoryStore: newMemoryStore()}
	cache := NewConnectionCache(store, &sqliteOpener{}, fastCacheConfig(3))

	_, err := cache.Get(context.Background(), "globex")
	assert.ErrorIs(t, err, ErrTenantNotFound)
	assert.Equal(t, int32(1), store.reads.Load())
}

func TestConnectionCache_Evict(t *testing.T) {
	store := newMemoryStore(activeTenant("acme"))
	opener := &sqliteOpener{}
	cache := NewConnectionCache(store, opener, fastCacheConfig(1))
	defer cache.Close()
	ctx := context.Background()

	first, err := cache.Get(ctx, "acme")
	require.NoError(t, err)

	// Rotate credentials, then evict
	store.mu.Lock()
	store.tenants["acme"].Password = "rotated"
	store.mu.Unlock()
	require.NoError(t, cache.Evict("acme"))

	assert.Error(t, first.DB.Ping(), "evicted handle must be closed")

	second, err := cache.Get(ctx, "acme")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	_, password := owner(t, second)
	assert.Equal(t, "rotated", password)

	assert.NoError(t, cache.Evict("never-opened"))
}

func TestConnectionCache_EvictDuringOpenDiscardsStaleHandle(t *testing.T) {
	store := newMemoryStore(activeTenant("acme"))
	release := make(chan struct{})
	opener := &sqliteOpener{}
	opener.gate = func(call int32) {
		if call == 1 {
			<-release
		}
	}
	cache := NewConnectionCache(store, opener, fastCacheConfig(1))
	defer cache.Close()

	type result struct {
		h   *Handle
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		h, err := cache.Get(context.Background(), "acme")
		resCh <- result{h, err}
	}()
	require.Eventually(t, func() bool { return opener.calls.Load() == 1 }, time.Second, time.Millisecond)

	store.mu.Lock()
	store.tenants["acme"].Password = "rotated"
	store.mu.Unlock()
	require.NoError(t, cache.Evict("acme"))
	close(release)

	res := <-resCh
	require.NoError(t, res.err)
	_, password := owner(t, res.h)
	assert.Equal(t, "rotated", password, "open that raced an eviction must not publish old credentials")

	opener.mu.Lock()
	stale := opener.opened[0]
	opener.mu.Unlock()
	assert.Error(t, stale.Ping(), "stale pool must be closed")
	assert.Equal(t, 1, cache.Len())
}

func TestConnectionCache_Close(t *testing.T) {
	store := newMemoryStore(activeTenant("a"), activeTenant("b"))
	cache := NewConnectionCache(store, &sqliteOpener{}, fastCacheConfig(1))
	ctx := context.Background()

	ha, err := cache.Get(ctx, "a")
	require.NoError(t, err)
	hb, err := cache.Get(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, cache.Close())
	require.NoError(t, cache.Close())

	assert.Error(t, ha.DB.Ping())
	assert.Error(t, hb.DB.Ping())
	assert.Zero(t, cache.Len())

	_, err = cache.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheClosed)
	assert.True(t, IsUnavailable(err))
}

func TestConnectionCache_HealthCheckAndStats(t *testing.T) {
	store := newMemoryStore(activeTenant("a"), activeTenant("b"))
	cache := NewConnectionCache(store, &sqliteOpener{}, fastCacheConfig(1))
	defer cache.Close()
	ctx := context.Background()

	_, err := cache.Get(ctx, "a")
	require.NoError(t, err)
	hb, err := cache.Get(ctx, "b")
	require.NoError(t, err)
	hb.DB.Close()

	health := cache.HealthCheck(ctx)
	require.Len(t, health, 2)
	assert.NoError(t, health["a"])
	assert.Error(t, health["b"])

	stats := cache.Stats()
	assert.Equal(t, 1, stats["a"].MaxOpenConnections)
}

func TestConnectionCache_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	cache := NewConnectionCache(newMemoryStore(activeTenant("acme")), &sqliteOpener{}, fastCacheConfig(1), WithMetrics(metrics))
	defer cache.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cache.Get(ctx, "acme")
		require.NoError(t, err)
	}
	_, err := cache.Get(ctx, "ghost")
	require.ErrorIs(t, err, ErrTenantNotFound)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.TenantCacheHitsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.TenantCacheMissesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TenantOpensTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TenantHandlesOpen))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TenantOpenFailuresTotal.WithLabelValues("not_found")))

	require.NoError(t, cache.Evict("acme"))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.TenantHandlesOpen))
}
