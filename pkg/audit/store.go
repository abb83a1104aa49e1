package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrEventNotFound is returned by Get when no event matches
var ErrEventNotFound = errors.New("audit event not found")

// Store provides methods for querying and managing audit logs
type Store interface {
	// Search searches audit logs based on filters
	Search(ctx context.Context, filter SearchFilter) ([]*Event, error)

	// Get retrieves one event of a tenant
	Get(ctx context.Context, tenantID, id string) (*Event, error)

	// GetStats summarizes a tenant's audit logs in an optional time range
	GetStats(ctx context.Context, tenantID string, startTime, endTime *time.Time) (*Stats, error)

	// Export writes matching audit logs to w in the given format
	Export(ctx context.Context, w io.Writer, filter SearchFilter, format ExportFormat) error

	// Cleanup removes audit logs older than the retention period
	Cleanup(ctx context.Context, policy RetentionPolicy) (int64, error)
}

// DBStore implements Store over the audit_logs table written by DBLogger
type DBStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewDBStore creates a store reading the logger's database
func NewDBStore(logger *DBLogger) *DBStore {
	return &DBStore{db: logger.db, now: time.Now}
}

const eventColumns = `
	id, timestamp, event_type, status,
	tenant_id, user_id,
	store_id, resource, action, instance_id,
	request_id, message, cause, metadata`

// Search searches audit logs based on filters, newest first unless SortOrder is "asc"
func (s *DBStore) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	where, args := filter.where()

	order := "DESC"
	if strings.EqualFold(filter.SortOrder, "asc") {
		order = "ASC"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf("SELECT %s FROM audit_logs %s ORDER BY timestamp %s, id %s LIMIT %d OFFSET %d",
		eventColumns, where, order, order, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit logs: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit logs: %w", err)
	}
	return events, nil
}

// Get retrieves one event; events of other tenants are reported as missing
func (s *DBStore) Get(ctx context.Context, tenantID, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM audit_logs WHERE id = $1 AND tenant_id = $2", eventColumns),
		id, tenantID)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

// GetStats summarizes a tenant's audit logs
func (s *DBStore) GetStats(ctx context.Context, tenantID string, startTime, endTime *time.Time) (*Stats, error) {
	filter := SearchFilter{TenantID: tenantID, StartTime: startTime, EndTime: endTime}
	where, args := filter.where()

	stats := &Stats{
		EventsByType:   make(map[EventType]int64),
		EventsByStatus: make(map[EventStatus]int64),
	}
	if startTime != nil || endTime != nil {
		stats.TimeRange = &TimeRange{Start: startTime, End: endTime}
	}

	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*), COUNT(DISTINCT NULLIF(user_id, '')) FROM audit_logs %s", where), args...,
	).Scan(&stats.TotalEvents, &stats.UniqueUsers)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit logs: %w", err)
	}

	if err := s.countBy(ctx, "event_type", where, args, func(key string, n int64) {
		stats.EventsByType[EventType(key)] = n
	}); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "status", where, args, func(key string, n int64) {
		stats.EventsByStatus[EventStatus(key)] = n
	}); err != nil {
		return nil, err
	}

	stats.Denials = stats.EventsByStatus[EventStatusDenied] + stats.EventsByStatus[EventStatusError]
	return stats, nil
}

func (s *DBStore) countBy(ctx context.Context, column, where string, args []interface{}, add func(string, int64)) error {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s, COUNT(*) FROM audit_logs %s GROUP BY %s", column, where, column), args...)
	if err != nil {
		return fmt.Errorf("failed to count audit logs by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan %s count: %w", column, err)
		}
		add(key, n)
	}
	return rows.Err()
}

// Export writes matching audit logs to w. Unknown formats are rejected before
// anything is written.
func (s *DBStore) Export(ctx context.Context, w io.Writer, filter SearchFilter, format ExportFormat) error {
	write, err := exporterFor(format)
	if err != nil {
		return err
	}
	events, err := s.Search(ctx, filter)
	if err != nil {
		return err
	}
	return write(w, events)
}

// Cleanup removes audit logs older than the retention period
func (s *DBStore) Cleanup(ctx context.Context, policy RetentionPolicy) (int64, error) {
	if policy.RetentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive, got %d", policy.RetentionDays)
	}
	cutoff := s.now().UTC().AddDate(0, 0, -policy.RetentionDays)

	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE timestamp < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired audit logs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted audit logs: %w", err)
	}
	return n, nil
}

// where renders the filter as a WHERE clause with $N placeholders
func (f SearchFilter) where() (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.StartTime != nil {
		add("timestamp >= $%d", f.StartTime.UTC())
	}
	if f.EndTime != nil {
		add("timestamp <= $%d", f.EndTime.UTC())
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.StoreID != "" {
		add("store_id = $%d", f.StoreID)
	}
	if f.Resource != "" {
		add("resource = $%d", f.Resource)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if len(f.EventTypes) > 0 {
		placeholders := make([]string, len(f.EventTypes))
		for i, et := range f.EventTypes {
			args = append(args, string(et))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conds = append(conds, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scanner) (*Event, error) {
	var (
		event             Event
		eventType, status string
		tenantID, userID  sql.NullString
		storeID, resource sql.NullString
		action, instance  sql.NullString
		requestID         sql.NullString
		message, cause    sql.NullString
		payload           sql.NullString
	)
	err := row.Scan(
		&event.ID, &event.Timestamp, &eventType, &status,
		&tenantID, &userID,
		&storeID, &resource, &action, &instance,
		&requestID, &message, &cause, &payload,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}

	event.EventType = EventType(eventType)
	event.Status = EventStatus(status)
	event.TenantID = tenantID.String
	event.UserID = userID.String
	event.StoreID = storeID.String
	event.Resource = resource.String
	event.Action = action.String
	event.InstanceID = instance.String
	event.RequestID = requestID.String
	event.Message = message.String
	event.Cause = cause.String
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit metadata: %w", err)
		}
	}
	return &event, nil
}
