package tenancy

import (
	"database/sql"
	"time"
)

// Status is the lifecycle state of a tenant
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusInactive
}

// Tenant is a client organization and the descriptor of its isolated database
type Tenant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	DatabaseName string    `json:"database_name"`
	Username     string    `json:"username"`
	Password     string    `json:"-"`
	SSLMode      string    `json:"ssl_mode"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Active reports whether the tenant may be served
func (t *Tenant) Active() bool {
	return t.Status == StatusActive
}

// Handle is an open connection pool bound to one tenant.
// A Handle is only ever returned for the tenant id it was opened for.
type Handle struct {
	TenantID string
	DB       *sql.DB
	OpenedAt time.Time
}
