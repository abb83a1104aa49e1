package rbac

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/shopkeep/pkg/auth"
	"github.com/platinummonkey/shopkeep/pkg/retry"
	"github.com/platinummonkey/shopkeep/pkg/tenancy"
)

// tenantDirectory maps tenant ids to test databases
type tenantDirectory struct {
	mu  sync.Mutex
	dbs map[string]*sql.DB
	err error
	// gate, when set, holds every open until closed
	gate chan struct{}
}

func (d *tenantDirectory) GetTenant(_ context.Context, id string) (*tenancy.Tenant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.dbs[id]; !ok {
		return nil, tenancy.ErrTenantNotFound
	}
	return &tenancy.Tenant{ID: id, DatabaseName: id, Status: tenancy.StatusActive}, nil
}

func (d *tenantDirectory) Open(_ context.Context, t *tenancy.Tenant) (*sql.DB, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.dbs[t.ID], nil
}

func (d *tenantDirectory) ListTenants(_ context.Context, status tenancy.Status) ([]*tenancy.Tenant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*tenancy.Tenant
	for id := range d.dbs {
		out = append(out, &tenancy.Tenant{ID: id, Status: status})
	}
	return out, nil
}

func newDirectoryResolver(dir *tenantDirectory) *tenancy.Resolver {
	cfg := tenancy.CacheConfig{
		ConnectTimeout: time.Second,
		Retry:          retry.Config{MaxAttempts: 1, InitialInterval: time.Millisecond},
	}
	return tenancy.NewResolver(tenancy.NewConnectionCache(dir, dir, cfg))
}

func withPrincipal(r *http.Request, userID, tenantID string) *http.Request {
	return r.WithContext(auth.WithPrincipal(r.Context(), &auth.Principal{UserID: userID, TenantID: tenantID}))
}

func TestEnforcer_RequirePermission(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	require.NoError(t, store.UpsertGrant(ctx, &Grant{
		UserID: "u1", Resource: ResourceInventory, Actions: []Action{ActionUpdate}, StoreID: strPtr("s1"), Granted: true,
	}))
	require.NoError(t, store.UpsertGrant(ctx, &Grant{
		UserID: "u1", Resource: ResourceInvoice, Actions: []Action{ActionRead}, InstanceID: strPtr("inv-1"), Granted: true,
	}))

	dir := &tenantDirectory{dbs: map[string]*sql.DB{"acme": db}}
	rec := &recordingAudit{}
	enforcer := NewEnforcer(newDirectoryResolver(dir), NewGuard(NewResolver(fastResolverConfig()), rec), nil)

	var gotTenant string
	ok := func(w http.ResponseWriter, r *http.Request, h *tenancy.Handle) {
		gotTenant = h.TenantID
		w.WriteHeader(http.StatusTeapot)
	}

	router := mux.NewRouter()
	router.Handle("/stores/{storeID}/inventory", enforcer.RequirePermission(ResourceInventory, ActionUpdate, ok))
	router.Handle("/inventory", enforcer.RequirePermission(ResourceInventory, ActionUpdate, ok))
	router.Handle("/invoices/{instanceID}", enforcer.RequirePermission(ResourceInvoice, ActionRead, ok))

	tests := []struct {
		name   string
		path   string
		user   string
		tenant string
		want   int
	}{
		{"store from route", "/stores/s1/inventory", "u1", "acme", http.StatusTeapot},
		{"other store from route", "/stores/s2/inventory", "u1", "acme", http.StatusForbidden},
		{"store from query", "/inventory?store_id=s1", "u1", "acme", http.StatusTeapot},
		{"no store", "/inventory", "u1", "acme", http.StatusForbidden},
		{"instance from route", "/invoices/inv-1", "u1", "acme", http.StatusTeapot},
		{"other instance", "/invoices/inv-2", "u1", "acme", http.StatusForbidden},
		{"unknown tenant", "/stores/s1/inventory", "u1", "globex", http.StatusForbidden},
		{"no principal", "/stores/s1/inventory", "", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotTenant = ""
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.user != "" {
				req = withPrincipal(req, tt.user, tt.tenant)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusTeapot {
				assert.Equal(t, "acme", gotTenant)
			}
			if tt.want == http.StatusForbidden {
				// Every denial looks the same
				assert.JSONEq(t, `{"error":"access denied"}`, w.Body.String())
			}
		})
	}
}

func TestEnforcer_TenantUnavailable(t *testing.T) {
	dir := &tenantDirectory{
		dbs: map[string]*sql.DB{"acme": nil},
		err: errors.New("connection refused"),
	}
	enforcer := NewEnforcer(newDirectoryResolver(dir), NewGuard(NewResolver(fastResolverConfig()), nil), nil)
	called := false
	handler := enforcer.RequirePermission(ResourceProduct, ActionRead, func(w http.ResponseWriter, r *http.Request, h *tenancy.Handle) {
		called = true
	})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, withPrincipal(httptest.NewRequest(http.MethodGet, "/products", nil), "u1", "acme"))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")
	assert.False(t, called)
}

func TestEnforcer_CanceledRequestWritesNothing(t *testing.T) {
	dir := &tenantDirectory{dbs: map[string]*sql.DB{"acme": setupTestDB(t)}, gate: make(chan struct{})}
	t.Cleanup(func() { close(dir.gate) })
	enforcer := NewEnforcer(newDirectoryResolver(dir), NewGuard(NewResolver(fastResolverConfig()), nil), nil)
	handler := enforcer.RequirePermission(ResourceProduct, ActionRead, func(w http.ResponseWriter, r *http.Request, h *tenancy.Handle) {
		t.Fatal("handler must not run")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/products", nil).WithContext(ctx), "u1", "acme")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Empty(t, w.Body.String())
}
