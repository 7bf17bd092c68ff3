package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// DBLogger implements audit logging to PostgreSQL
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-backed audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBLogger{db: db}, nil
}

// Log logs an audit event to the database
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	var metadataJSON, changesJSON []byte
	var err error

	if event.Metadata != nil {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}
	if event.Changes != nil {
		changesJSON, err = json.Marshal(event.Changes)
		if err != nil {
			return fmt.Errorf("failed to marshal changes: %w", err)
		}
	}

	query := `
		INSERT INTO audit_events (
			timestamp, event_type, status,
			actor_id, tenant_id, target_user_id,
			resource_type, resource_id, request_id,
			message, error_message, metadata, changes
		) VALUES (
			$1, $2, $3,
			$4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13
		) RETURNING id
	`

	err = l.db.QueryRowContext(ctx, query,
		event.Timestamp, event.EventType, event.Status,
		event.ActorID, event.TenantID, event.TargetUserID,
		event.ResourceType, event.ResourceID, event.RequestID,
		event.Message, event.ErrorMessage, metadataJSON, changesJSON,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// LogMutation logs a state change to an authorization relation
func (l *DBLogger) LogMutation(ctx context.Context, eventType EventType, actorID *int64, tenantID int64, resourceType ResourceType, resourceID string, changes *ChangeDetails, message string) error {
	event := buildBaseEvent(ctx, eventType, EventStatusSuccess)
	if actorID != nil {
		event.ActorID = actorID
	}
	event.TenantID = &tenantID
	event.ResourceType = resourceType
	event.ResourceID = resourceID
	event.Changes = changes
	event.Message = message
	return l.Log(ctx, event)
}

// LogDenied logs a sensitive access denial
func (l *DBLogger) LogDenied(ctx context.Context, userID *int64, tenantID int64, permissionCode, reason string) error {
	event := buildBaseEvent(ctx, EventTypeAccessDenied, EventStatusDenied)
	event.TargetUserID = userID
	event.TenantID = &tenantID
	event.ResourceType = ResourceTypePermission
	event.ResourceID = permissionCode
	event.Message = fmt.Sprintf("Access denied: %s", reason)
	return l.Log(ctx, event)
}

// Search queries the audit trail with the given filters
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]Event, error) {
	var conditions []string
	var args []interface{}
	argn := 0

	next := func(v interface{}) string {
		argn++
		args = append(args, v)
		return fmt.Sprintf("$%d", argn)
	}

	if filter.StartTime != nil {
		conditions = append(conditions, "timestamp >= "+next(*filter.StartTime))
	}
	if filter.EndTime != nil {
		conditions = append(conditions, "timestamp <= "+next(*filter.EndTime))
	}
	if filter.ActorID != nil {
		conditions = append(conditions, "actor_id = "+next(*filter.ActorID))
	}
	if filter.TenantID != nil {
		conditions = append(conditions, "tenant_id = "+next(*filter.TenantID))
	}
	if filter.TargetUserID != nil {
		conditions = append(conditions, "target_user_id = "+next(*filter.TargetUserID))
	}
	if len(filter.EventTypes) > 0 {
		types := make([]string, len(filter.EventTypes))
		for i, t := range filter.EventTypes {
			types[i] = string(t)
		}
		conditions = append(conditions, "event_type = ANY("+next(pq.Array(types))+")")
	}
	if filter.Status != nil {
		conditions = append(conditions, "status = "+next(string(*filter.Status)))
	}
	if filter.ResourceType != "" {
		conditions = append(conditions, "resource_type = "+next(string(filter.ResourceType)))
	}
	if filter.ResourceID != "" {
		conditions = append(conditions, "resource_id = "+next(filter.ResourceID))
	}

	query := `
		SELECT id, timestamp, event_type, status,
		       actor_id, tenant_id, target_user_id,
		       resource_type, resource_id, request_id,
		       message, error_message, metadata, changes
		FROM audit_events
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT " + next(limit)
	if filter.Offset > 0 {
		query += " OFFSET " + next(filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var actorID, tenantID, targetUserID sql.NullInt64
		var resourceType, resourceID, requestID, message, errorMessage sql.NullString
		var metadataJSON, changesJSON []byte

		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.EventType, &e.Status,
			&actorID, &tenantID, &targetUserID,
			&resourceType, &resourceID, &requestID,
			&message, &errorMessage, &metadataJSON, &changesJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}

		if actorID.Valid {
			v := actorID.Int64
			e.ActorID = &v
		}
		if tenantID.Valid {
			v := tenantID.Int64
			e.TenantID = &v
		}
		if targetUserID.Valid {
			v := targetUserID.Int64
			e.TargetUserID = &v
		}
		e.ResourceType = ResourceType(resourceType.String)
		e.ResourceID = resourceID.String
		e.RequestID = requestID.String
		e.Message = message.String
		e.ErrorMessage = errorMessage.String

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit metadata: %w", err)
			}
		}
		if len(changesJSON) > 0 {
			var c ChangeDetails
			if err := json.Unmarshal(changesJSON, &c); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit changes: %w", err)
			}
			e.Changes = &c
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close is a no-op; the database handle is owned by the caller
func (l *DBLogger) Close() error {
	return nil
}
