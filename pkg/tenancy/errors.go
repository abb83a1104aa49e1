package tenancy

import (
	"errors"
	"fmt"
)

var (
	// ErrTenantNotFound covers both unknown and inactive tenants so callers cannot
	// discover which tenant ids exist.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrCacheClosed is returned once the connection cache has been shut down
	ErrCacheClosed = errors.New("tenant connection cache is closed")
)

// ConnectionError reports a tenant store that stayed unreachable after retries
type ConnectionError struct {
	TenantID string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("tenant %s unreachable after %d attempt(s): %v", e.TenantID, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err should surface as a service-unavailable outcome
func IsUnavailable(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr) || errors.Is(err, ErrCacheClosed)
}
