package audit

import (
	"context"
	"time"

	"github.com/dealerdesk/accesskit/pkg/observability"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// LogMutation logs a state change to an authorization relation
	LogMutation(ctx context.Context, eventType EventType, actorID *int64, tenantID int64, resourceType ResourceType, resourceID string, changes *ChangeDetails, message string) error

	// LogDenied logs a sensitive access denial
	LogDenied(ctx context.Context, userID *int64, tenantID int64, permissionCode, reason string) error

	// Search queries the audit trail
	Search(ctx context.Context, filter SearchFilter) ([]Event, error)

	// Close closes the logger and flushes any buffered events
	Close() error
}

// contextKey is the type for context keys
type contextKey string

// AuditLoggerKey is the context key for the audit logger
const AuditLoggerKey contextKey = "audit_logger"

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, AuditLoggerKey, logger)
}

// FromContext retrieves the audit logger from context
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(AuditLoggerKey).(Logger); ok {
		return logger
	}
	// Return a no-op logger if none is set
	return &noOpLogger{}
}

// buildBaseEvent creates a base audit event with common fields populated
func buildBaseEvent(ctx context.Context, eventType EventType, status EventStatus) *Event {
	event := &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		Metadata:  make(map[string]interface{}),
	}
	if requestID := observability.GetRequestID(ctx); requestID != "" {
		event.RequestID = requestID
	}
	if principalID := observability.GetPrincipalID(ctx); principalID != 0 {
		event.ActorID = &principalID
	}
	return event
}

// noOpLogger is a logger that does nothing (used when no logger is configured)
type noOpLogger struct{}

// NewNoOpLogger returns a logger that discards every event.
func NewNoOpLogger() Logger {
	return &noOpLogger{}
}

func (l *noOpLogger) Log(ctx context.Context, event *Event) error {
	return nil
}

func (l *noOpLogger) LogMutation(ctx context.Context, eventType EventType, actorID *int64, tenantID int64, resourceType ResourceType, resourceID string, changes *ChangeDetails, message string) error {
	return nil
}

func (l *noOpLogger) LogDenied(ctx context.Context, userID *int64, tenantID int64, permissionCode, reason string) error {
	return nil
}

func (l *noOpLogger) Search(ctx context.Context, filter SearchFilter) ([]Event, error) {
	return nil, nil
}

func (l *noOpLogger) Close() error {
	return nil
}
