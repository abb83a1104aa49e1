package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// DBLogger writes audit events to the audit_logs table
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-based audit logger. The schema is
// created by Migrate.
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBLogger{db: db}, nil
}

// Log inserts an audit event, assigning a UUID when it has no ID
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	var metadataJSON []byte
	if len(event.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	id := event.ID
	if id == "" {
		id = uuid.NewString()
	}

	query := `
		INSERT INTO audit_logs (
			id, timestamp, event_type, status,
			tenant_id, user_id,
			store_id, resource, action, instance_id,
			request_id, message, cause, metadata
		) VALUES (
			$1, $2, $3, $4,
			$5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14
		)
	`

	_, err := l.db.ExecContext(ctx, query,
		id, event.Timestamp, string(event.EventType), string(event.Status),
		event.TenantID, event.UserID,
		event.StoreID, event.Resource, event.Action, event.InstanceID,
		event.RequestID, event.Message, event.Cause, nullableJSON(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	event.ID = id
	return nil
}

// Close is a no-op; the database is owned by the caller
func (l *DBLogger) Close() error {
	return nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
