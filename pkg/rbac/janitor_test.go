package rbac

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/shopkeep/pkg/audit"
)

func TestJanitor_RunOnce(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clk := newClock(t0)
	ctx := context.Background()

	acme := setupTestDB(t)
	globex := setupTestDB(t)
	store := NewStore(acme)
	expires := t0.Add(time.Hour)
	require.NoError(t, store.UpsertGrant(ctx, &Grant{UserID: "u1", Resource: ResourceSale, Actions: []Action{ActionRead}, Granted: true, ExpiresAt: &expires}))
	require.NoError(t, store.UpsertGrant(ctx, &Grant{UserID: "u2", Resource: ResourceSale, Actions: []Action{ActionRead}, Granted: true}))

	dir := &tenantDirectory{dbs: map[string]*sql.DB{"acme": acme, "globex": globex}}
	rec := &recordingAudit{}
	janitor := NewJanitor(dir, newDirectoryResolver(dir), WithJanitorClock(clk.Now), WithJanitorAudit(rec))

	deleted, err := janitor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"acme": 0, "globex": 0}, deleted)
	assert.Empty(t, rec.Events())

	clk.Advance(2 * time.Hour)
	deleted, err = janitor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted["acme"])

	grants, err := store.ListGrants(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, grants)
	grants, err = store.ListGrants(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, grants, 1)

	events := rec.ofType(audit.EventTypeGrantPurge)
	require.Len(t, events, 1)
	assert.Equal(t, "acme", events[0].TenantID)
	assert.EqualValues(t, 1, events[0].Metadata["deleted"])
}

func TestJanitor_SkipsFailingTenant(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	good := setupTestDB(t)
	expires := t0.Add(-time.Minute)
	require.NoError(t, NewStore(good).UpsertGrant(ctx, &Grant{UserID: "u1", Resource: ResourceTax, Actions: []Action{ActionRead}, Granted: true, ExpiresAt: &expires}))

	broken, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	require.NoError(t, broken.Close())

	dir := &tenantDirectory{dbs: map[string]*sql.DB{"good": good, "broken": broken}}
	janitor := NewJanitor(dir, newDirectoryResolver(dir), WithJanitorClock(func() time.Time { return t0 }))

	deleted, err := janitor.RunOnce(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant broken")
	assert.Equal(t, int64(1), deleted["good"])
	_, ok := deleted["broken"]
	assert.False(t, ok)
}

func TestJanitor_StartStop(t *testing.T) {
	dir := &tenantDirectory{dbs: map[string]*sql.DB{}}
	janitor := NewJanitor(dir, newDirectoryResolver(dir))

	assert.Error(t, janitor.Start("every tuesday"))
	assert.NoError(t, janitor.Stop(context.Background()), "stop without start is a no-op")

	require.NoError(t, janitor.Start(""))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, janitor.Stop(ctx))
}

type fakeCleaner struct {
	mu       sync.Mutex
	policies []audit.RetentionPolicy
	deleted  int64
	err      error
}

func (c *fakeCleaner) Cleanup(_ context.Context, policy audit.RetentionPolicy) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies = append(c.policies, policy)
	return c.deleted, c.err
}

func TestJanitor_RunRetention(t *testing.T) {
	dir := &tenantDirectory{dbs: map[string]*sql.DB{}}
	ctx := context.Background()

	t.Run("not configured", func(t *testing.T) {
		janitor := NewJanitor(dir, newDirectoryResolver(dir))
		n, err := janitor.RunRetention(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("zero days keeps everything", func(t *testing.T) {
		cleaner := &fakeCleaner{deleted: 7}
		janitor := NewJanitor(dir, newDirectoryResolver(dir),
			WithAuditRetention(cleaner, audit.RetentionPolicy{RetentionDays: 0}, ""))
		n, err := janitor.RunRetention(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Empty(t, cleaner.policies)
	})

	t.Run("applies policy", func(t *testing.T) {
		cleaner := &fakeCleaner{deleted: 7}
		janitor := NewJanitor(dir, newDirectoryResolver(dir),
			WithAuditRetention(cleaner, audit.RetentionPolicy{RetentionDays: 30}, ""))
		n, err := janitor.RunRetention(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(7), n)
		assert.Equal(t, []audit.RetentionPolicy{{RetentionDays: 30}}, cleaner.policies)
	})

	t.Run("cleanup error", func(t *testing.T) {
		cleaner := &fakeCleaner{err: errors.New("control db down")}
		janitor := NewJanitor(dir, newDirectoryResolver(dir),
			WithAuditRetention(cleaner, audit.DefaultRetentionPolicy(), ""))
		_, err := janitor.RunRetention(ctx)
		assert.ErrorContains(t, err, "control db down")
	})
}

func TestJanitor_StartRejectsBadRetentionSchedule(t *testing.T) {
	dir := &tenantDirectory{dbs: map[string]*sql.DB{}}
	janitor := NewJanitor(dir, newDirectoryResolver(dir),
		WithAuditRetention(&fakeCleaner{}, audit.DefaultRetentionPolicy(), "nightly"))

	err := janitor.Start("")
	assert.ErrorContains(t, err, "audit retention schedule")
	assert.NoError(t, janitor.Stop(context.Background()))
}
