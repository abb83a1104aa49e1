package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CredentialStore yields the connection descriptor for a tenant
type CredentialStore interface {
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
}

// SQLCredentialStore keeps tenant descriptors in the control database
type SQLCredentialStore struct {
	db  *sql.DB
	box *SecretBox
	now func() time.Time
}

// NewSQLCredentialStore creates a credential store over the control database
func NewSQLCredentialStore(db *sql.DB, box *SecretBox) *SQLCredentialStore {
	return &SQLCredentialStore{db: db, box: box, now: time.Now}
}

const tenantColumns = `id, name, host, port, database_name, username, password_ciphertext, ssl_mode, status, created_at, updated_at`

// GetTenant returns the tenant with its password decrypted.
// Inactive tenants are returned as-is; the cache decides what inactive means.
func (s *SQLCredentialStore) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, tenantID)

	t, sealed, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}

	t.Password, err = s.box.Open(t.ID, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials for tenant %s: %w", t.ID, err)
	}
	return t, nil
}

// UpsertTenant creates the tenant or replaces its descriptor, sealing the password
func (s *SQLCredentialStore) UpsertTenant(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		return errors.New("tenant id is required")
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	if !t.Status.Valid() {
		return fmt.Errorf("invalid tenant status %q", t.Status)
	}
	if t.Port == 0 {
		t.Port = 5432
	}
	if t.SSLMode == "" {
		t.SSLMode = "require"
	}

	sealed, err := s.box.Seal(t.ID, t.Password)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			database_name = EXCLUDED.database_name,
			username = EXCLUDED.username,
			password_ciphertext = EXCLUDED.password_ciphertext,
			ssl_mode = EXCLUDED.ssl_mode,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`, t.ID, t.Name, t.Host, t.Port, t.DatabaseName, t.Username, sealed, t.SSLMode, string(t.Status), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}

	t.UpdatedAt = now
	return nil
}

// SetStatus activates or deactivates a tenant
func (s *SQLCredentialStore) SetStatus(ctx context.Context, tenantID string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid tenant status %q", status)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), s.now().UTC(), tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to update tenant status: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// ListTenants lists tenants, optionally filtered by status. Passwords are not decrypted.
func (s *SQLCredentialStore) ListTenants(ctx context.Context, status Status) ([]*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, _, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTenant(row rowScanner) (*Tenant, string, error) {
	var (
		t      Tenant
		sealed string
		status string
	)
	err := row.Scan(&t.ID, &t.Name, &t.Host, &t.Port, &t.DatabaseName, &t.Username,
		&sealed, &t.SSLMode, &status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, "", err
	}
	t.Status = Status(status)
	return &t, sealed, nil
}
