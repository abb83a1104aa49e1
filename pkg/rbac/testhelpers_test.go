package rbac

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/shopkeep/pkg/audit"
	"github.com/platinummonkey/shopkeep/pkg/retry"
	"github.com/platinummonkey/shopkeep/pkg/tenancy"
)

// setupTestDB returns an in-memory tenant database with the permission schema applied
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// Every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if err := MigrateTenant(context.Background(), db, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return db
}

func testHandle(db *sql.DB, tenantID string) *tenancy.Handle {
	return &tenancy.Handle{TenantID: tenantID, DB: db, OpenedAt: time.Now()}
}

func fastResolverConfig() ResolverConfig {
	return ResolverConfig{
		MaxChainDepth: 16,
		Retry:         retry.Config{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	}
}

// clock is a settable time source
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t0 time.Time) *clock {
	return &clock{now: t0}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func createTemplate(t *testing.T, store *Store, name string, parent *RoleTemplate, priority int, entries ...TemplateEntry) *RoleTemplate {
	t.Helper()
	tmpl := &RoleTemplate{
		Name:     name,
		Entries:  entries,
		Active:   true,
		Priority: priority,
	}
	if parent != nil {
		tmpl.ParentID = strPtr(parent.ID)
	}
	require.NoError(t, store.CreateTemplate(context.Background(), tmpl))
	return tmpl
}

func entry(resource Resource, action Action) TemplateEntry {
	return TemplateEntry{Resource: resource, Action: action}
}

func storeEntry(resource Resource, action Action, storeID string) TemplateEntry {
	return TemplateEntry{Resource: resource, Action: action, StoreID: strPtr(storeID)}
}

// recordingAudit keeps every event and optionally fails
type recordingAudit struct {
	mu     sync.Mutex
	events []*audit.Event
	err    error
}

func (r *recordingAudit) Log(_ context.Context, event *audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) Events() []*audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*audit.Event(nil), r.events...)
}

func (r *recordingAudit) ofType(eventType audit.EventType) []*audit.Event {
	var out []*audit.Event
	for _, e := range r.Events() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
