package authz

import (
	"context"
	"time"
)

// Conditions is the structured constraint payload optionally attached to a
// role-permission binding. All listed constraints must hold; any unmet or
// unevaluable constraint fails closed.
type Conditions struct {
	// TimeWindow restricts the permission to a daily window, "HH:MM" local
	// to the evaluation clock, inclusive start, exclusive end.
	TimeWindow *TimeWindow `json:"time_window,omitempty"`

	// DaysOfWeek restricts the permission to the listed weekdays
	// (0 = Sunday .. 6 = Saturday).
	DaysOfWeek []int `json:"days_of_week,omitempty"`

	// LocationIDs restricts the permission to requests carrying one of the
	// listed location ids in their organizational context.
	LocationIDs []int64 `json:"location_ids,omitempty"`

	// OwnedOnly restricts the permission to resources the principal owns.
	// Ownership itself is answered by the resource's own module through the
	// OwnershipChecker hook.
	OwnedOnly bool `json:"owned_only,omitempty"`
}

// TimeWindow is a daily time-of-day window.
type TimeWindow struct {
	Start string `json:"start"` // "09:00"
	End   string `json:"end"`   // "17:30"
}

// OwnershipChecker answers resource-ownership questions. Concrete ownership
// logic lives with the resource's own collaborator module.
type OwnershipChecker interface {
	Owns(ctx context.Context, userID int64, resourceID string) (bool, error)
}

// ConstraintInput is the calling context a binding's conditions are
// evaluated against.
type ConstraintInput struct {
	Now        time.Time
	UserID     int64
	LocationID *int64
	ResourceID *string
}

// Evaluator evaluates binding conditions. It is pure apart from the
// ownership hook and holds no mutable state.
type Evaluator struct {
	ownership OwnershipChecker
}

// NewEvaluator creates a constraint evaluator. The ownership checker may be
// nil; OwnedOnly conditions then always fail closed.
func NewEvaluator(ownership OwnershipChecker) *Evaluator {
	return &Evaluator{ownership: ownership}
}

// Evaluate reports whether every condition holds for the given input.
// Nil conditions always hold.
func (e *Evaluator) Evaluate(ctx context.Context, c *Conditions, in ConstraintInput) bool {
	if c == nil {
		return true
	}

	if c.TimeWindow != nil && !inTimeWindow(c.TimeWindow, in.Now) {
		return false
	}

	if len(c.DaysOfWeek) > 0 && !containsInt(c.DaysOfWeek, int(in.Now.Weekday())) {
		return false
	}

	if len(c.LocationIDs) > 0 {
		if in.LocationID == nil || !containsInt64(c.LocationIDs, *in.LocationID) {
			return false
		}
	}

	if c.OwnedOnly {
		if e.ownership == nil || in.ResourceID == nil {
			return false
		}
		owns, err := e.ownership.Owns(ctx, in.UserID, *in.ResourceID)
		if err != nil || !owns {
			return false
		}
	}

	return true
}

func inTimeWindow(w *TimeWindow, now time.Time) bool {
	start, okStart := parseClock(w.Start)
	end, okEnd := parseClock(w.End)
	if !okStart || !okEnd {
		// Malformed window payloads deny
		return false
	}

	minute := now.Hour()*60 + now.Minute()
	if start <= end {
		return minute >= start && minute < end
	}
	// Window crossing midnight, e.g. 22:00-06:00
	return minute >= start || minute < end
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsInt64(list []int64, v int64) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
