package tenancy

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/lib/pq"
)

// Opener opens a connection pool for a tenant's database
type Opener interface {
	Open(ctx context.Context, t *Tenant) (*sql.DB, error)
}

// OpenerFunc adapts a function to Opener
type OpenerFunc func(ctx context.Context, t *Tenant) (*sql.DB, error)

// Open calls f
func (f OpenerFunc) Open(ctx context.Context, t *Tenant) (*sql.DB, error) {
	return f(ctx, t)
}

// PoolConfig sizes each tenant's pool. Every tenant gets its own pool, so
// MaxOpenConns multiplied by the tenant count bounds connections per process.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ApplicationName string
}

// DefaultPoolConfig returns conservative per-tenant pool limits
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ApplicationName: "shopkeep",
	}
}

// PostgresOpener opens tenant databases through lib/pq
type PostgresOpener struct {
	pool PoolConfig
}

// NewPostgresOpener creates an opener with the given pool limits
func NewPostgresOpener(pool PoolConfig) *PostgresOpener {
	return &PostgresOpener{pool: pool}
}

// Open builds a pool for t and verifies it with a ping bounded by ctx
func (o *PostgresOpener) Open(ctx context.Context, t *Tenant) (*sql.DB, error) {
	connector, err := pq.NewConnector(DSN(t, o.pool.ApplicationName))
	if err != nil {
		return nil, fmt.Errorf("failed to build connector: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(o.pool.MaxOpenConns)
	db.SetMaxIdleConns(o.pool.MaxIdleConns)
	db.SetConnMaxLifetime(o.pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(o.pool.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping tenant database: %w", err)
	}

	return db, nil
}

// DSN renders a postgres:// URL for t. Credentials are URL-escaped.
func DSN(t *Tenant, applicationName string) string {
	port := t.Port
	if port == 0 {
		port = 5432
	}
	sslMode := t.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	if applicationName != "" {
		q.Set("application_name", applicationName)
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(t.Username, t.Password),
		Host:     net.JoinHostPort(t.Host, strconv.Itoa(port)),
		Path:     "/" + t.DatabaseName,
		RawQuery: q.Encode(),
	}
	return u.String()
}
