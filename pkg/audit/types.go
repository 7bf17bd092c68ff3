package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Role lifecycle events
	EventTypeRoleCreate    EventType = "role.create"
	EventTypeRoleCustomize EventType = "role.customize"
	EventTypeRoleMove      EventType = "role.move"

	// Override lifecycle events
	EventTypeOverrideCreate    EventType = "override.create"
	EventTypeOverrideRevoke    EventType = "override.revoke"
	EventTypeOverrideExpire    EventType = "override.expire"
	EventTypeOverrideReviewDue EventType = "override.review_due"
	EventTypeOverrideReviewed  EventType = "override.reviewed"

	// Assignment events
	EventTypeAssignmentCreate     EventType = "assignment.create"
	EventTypeAssignmentDeactivate EventType = "assignment.deactivate"

	// Organizational unit events
	EventTypeUnitCreate     EventType = "unit.create"
	EventTypeUnitMove       EventType = "unit.move"
	EventTypeUnitDeactivate EventType = "unit.deactivate"

	// Decision events (sensitive denials only; allows are too hot to log)
	EventTypeAccessDenied EventType = "authz.access_denied"

	// Cache events
	EventTypeCacheInvalidateFailed EventType = "cache.invalidate_failed"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType represents the type of resource being acted on
type ResourceType string

const (
	ResourceTypeRole       ResourceType = "role"
	ResourceTypePermission ResourceType = "permission"
	ResourceTypeOverride   ResourceType = "override"
	ResourceTypeAssignment ResourceType = "assignment"
	ResourceTypeUnit       ResourceType = "organizational_unit"
	ResourceTypeCache      ResourceType = "permission_cache"
)

// Event represents a single audit log entry
type Event struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor information
	ActorID  *int64 `json:"actor_id,omitempty"`
	TenantID *int64 `json:"tenant_id,omitempty"`

	// Subject of the change, when it differs from the actor
	TargetUserID *int64 `json:"target_user_id,omitempty"`

	// Resource information
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`

	// Request context
	RequestID string `json:"request_id,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	// Changes tracking (before/after for customizations)
	Changes *ChangeDetails `json:"changes,omitempty"`
}

// ChangeDetails tracks before/after values for updates
type ChangeDetails struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
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

// SearchFilter represents filters for querying the audit trail
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	ActorID      *int64
	TenantID     *int64
	TargetUserID *int64

	EventTypes []EventType
	Status     *EventStatus

	ResourceType ResourceType
	ResourceID   string

	Limit  int
	Offset int
}
