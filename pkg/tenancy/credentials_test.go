package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupControlDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, MigrateControl(context.Background(), db, nil))
	return db
}

func TestSQLCredentialStore_UpsertAndGet(t *testing.T) {
	db := setupControlDB(t)
	store := NewSQLCredentialStore(db, testBox(t))
	ctx := context.Background()

	tenant := &Tenant{
		ID:           "acme",
		Name:         "Acme Retail",
		Host:         "db.internal",
		DatabaseName: "acme",
		Username:     "acme_app",
		Password:     "first",
	}
	require.NoError(t, store.UpsertTenant(ctx, tenant))
	assert.Equal(t, StatusActive, tenant.Status)
	assert.Equal(t, 5432, tenant.Port)

	got, err := store.GetTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Password)
	assert.Equal(t, "db.internal", got.Host)
	assert.True(t, got.Active())

	// Rotation replaces the row instead of adding one
	tenant.Password = "second"
	require.NoError(t, store.UpsertTenant(ctx, tenant))

	got, err = store.GetTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Password)

	var stored string
	require.NoError(t, db.QueryRow("SELECT password_ciphertext FROM tenants WHERE id = 'acme'").Scan(&stored))
	assert.NotContains(t, stored, "second")
}

func TestSQLCredentialStore_UnknownTenant(t *testing.T) {
	store := NewSQLCredentialStore(setupControlDB(t), testBox(t))

	_, err := store.GetTenant(context.Background(), "acme")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestSQLCredentialStore_SetStatusAndList(t *testing.T) {
	store := NewSQLCredentialStore(setupControlDB(t), testBox(t))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.UpsertTenant(ctx, &Tenant{ID: id, Name: id, Host: "h", DatabaseName: id, Username: id, Password: "pw"}))
	}
	require.NoError(t, store.SetStatus(ctx, "b", StatusInactive))

	active, err := store.ListTenants(ctx, StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "c", active[1].ID)
	assert.Empty(t, active[0].Password, "listing must not decrypt credentials")

	all, err := store.ListTenants(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	assert.ErrorIs(t, store.SetStatus(ctx, "missing", StatusInactive), ErrTenantNotFound)
	assert.Error(t, store.SetStatus(ctx, "a", Status("paused")))
}

func TestSQLCredentialStore_Validation(t *testing.T) {
	store := NewSQLCredentialStore(setupControlDB(t), testBox(t))
	ctx := context.Background()

	assert.Error(t, store.UpsertTenant(ctx, &Tenant{}))
	assert.Error(t, store.UpsertTenant(ctx, &Tenant{ID: "x", Status: Status("bogus")}))
}

func TestSQLCredentialStore_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM tenants WHERE id = \\$1").
		WithArgs("acme").
		WillReturnError(errors.New("connection reset"))

	store := NewSQLCredentialStore(db, testBox(t))
	_, err = store.GetTenant(context.Background(), "acme")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTenantNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
