package tenancy

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	dsn := DSN(&Tenant{
		Host:         "db.internal",
		DatabaseName: "acme",
		Username:     "acme_app",
		Password:     "p@ss/word?#",
	}, "shopkeep")

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "postgres", u.Scheme)
	assert.Equal(t, "db.internal:5432", u.Host)
	assert.Equal(t, "/acme", u.Path)
	assert.Equal(t, "acme_app", u.User.Username())
	password, _ := u.User.Password()
	assert.Equal(t, "p@ss/word?#", password)
	assert.Equal(t, "require", u.Query().Get("sslmode"))
	assert.Equal(t, "shopkeep", u.Query().Get("application_name"))
}

func TestDSN_ExplicitPortAndSSLMode(t *testing.T) {
	dsn := DSN(&Tenant{Host: "::1", Port: 6543, DatabaseName: "x", Username: "u", SSLMode: "disable"}, "")

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "[::1]:6543", u.Host)
	assert.Equal(t, "disable", u.Query().Get("sslmode"))
	assert.False(t, u.Query().Has("application_name"))
}

func TestPostgresOpener_UnreachableHost(t *testing.T) {
	opener := NewPostgresOpener(DefaultPoolConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := opener.Open(ctx, &Tenant{Host: "127.0.0.1", Port: 1, DatabaseName: "x", Username: "u", Password: "p", SSLMode: "disable"})
	assert.Error(t, err)
}
