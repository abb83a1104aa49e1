package audit

import (
	"context"
	"time"

	"github.com/platinummonkey/shopkeep/pkg/contextkeys"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log records an audit event
	Log(ctx context.Context, event *Event) error

	// Close closes the logger and flushes any buffered events
	Close() error
}

// NewEvent creates an event stamped with the current time and the request id from ctx
func NewEvent(ctx context.Context, eventType EventType, status EventStatus) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		RequestID: contextkeys.GetRequestID(ctx),
		UserID:    contextkeys.GetUserID(ctx),
		Metadata:  make(map[string]interface{}),
	}
}

// NoOpLogger discards every event
type NoOpLogger struct{}

// Log does nothing
func (NoOpLogger) Log(context.Context, *Event) error { return nil }

// Close does nothing
func (NoOpLogger) Close() error { return nil }
