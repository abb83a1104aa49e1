package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authorization decisions
	EventTypeAuthzDecision EventType = "authz.decision"

	// Permission administration
	EventTypeTemplateCreate   EventType = "admin.template_create"
	EventTypeTemplateUpdate   EventType = "admin.template_update"
	EventTypeTemplateDelete   EventType = "admin.template_delete"
	EventTypeAssignmentChange EventType = "admin.assignment_change"
	EventTypeAssignmentRemove EventType = "admin.assignment_remove"
	EventTypeGrantUpsert      EventType = "admin.grant_upsert"
	EventTypeGrantRevoke      EventType = "admin.grant_revoke"
	EventTypeGrantBulk        EventType = "admin.grant_bulk"
	EventTypeGrantPurge       EventType = "admin.grant_purge"

	// Tenant lifecycle
	EventTypeTenantProvision  EventType = "tenant.provision"
	EventTypeTenantRotate     EventType = "tenant.rotate"
	EventTypeTenantDeactivate EventType = "tenant.deactivate"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusAllowed EventStatus = "allowed"
	EventStatusDenied  EventStatus = "denied"
	// EventStatusError marks a decision that failed closed on a resolver error
	EventStatusError   EventStatus = "error"
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
)

// Event represents a single audit log entry
type Event struct {
	ID        string      `json:"id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor
	TenantID string `json:"tenant_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`

	// Target
	StoreID    string `json:"store_id,omitempty"`
	Resource   string `json:"resource,omitempty"`
	Action     string `json:"action,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`

	RequestID string `json:"request_id,omitempty"`
	Message   string `json:"message,omitempty"`
	// Cause is the operator-facing reason for a denial or failure
	Cause    string                 `json:"cause,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an audit event from JSON
func FromJSON(data []byte) (*Event, error) {
	var event Event
	err := json.Unmarshal(data, &event)
	return &event, err
}

// SearchFilter narrows an audit search; zero fields match everything
type SearchFilter struct {
	// Time range
	StartTime *time.Time
	EndTime   *time.Time

	// Actor filters
	TenantID string
	UserID   string

	// Target filters
	StoreID  string
	Resource string

	// Event filters
	EventTypes []EventType
	Status     EventStatus

	// Pagination
	Limit  int
	Offset int
	// SortOrder is "asc" or "desc" by timestamp; anything else means desc
	SortOrder string
}

const (
	// DefaultSearchLimit applies when a filter has no limit
	DefaultSearchLimit = 100
	// MaxSearchLimit caps a single page
	MaxSearchLimit = 1000
)

// ExportFormat represents the format for exporting audit logs
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)

// Stats summarizes audit activity
type Stats struct {
	TotalEvents    int64                 `json:"total_events"`
	EventsByType   map[EventType]int64   `json:"events_by_type"`
	EventsByStatus map[EventStatus]int64 `json:"events_by_status"`
	UniqueUsers    int64                 `json:"unique_users"`
	// Denials counts denied and failed-closed authorization decisions
	Denials   int64      `json:"denials"`
	TimeRange *TimeRange `json:"time_range,omitempty"`
}

// TimeRange represents a time range for statistics
type TimeRange struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// RetentionPolicy defines how long audit logs are kept
type RetentionPolicy struct {
	RetentionDays int
}

// DefaultRetentionPolicy keeps audit logs for 90 days
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{RetentionDays: 90}
}
