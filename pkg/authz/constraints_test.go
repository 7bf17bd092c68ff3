package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeOwnership struct {
	owns map[string]bool
	err  error
}

func (f *fakeOwnership) Owns(ctx context.Context, userID int64, resourceID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.owns[resourceID], nil
}

func strPtr(s string) *string { return &s }
func i64Ptr(v int64) *int64   { return &v }

func TestEvaluate_NilConditionsAlwaysHold(t *testing.T) {
	e := NewEvaluator(nil)
	assert.True(t, e.Evaluate(context.Background(), nil, ConstraintInput{}))
}

func TestEvaluate_TimeWindow(t *testing.T) {
	e := NewEvaluator(nil)
	c := &Conditions{TimeWindow: &TimeWindow{Start: "09:00", End: "17:30"}}

	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		hour int
		min  int
		want bool
	}{
		{"before start", 8, 59, false},
		{"at start", 9, 0, true},
		{"inside", 12, 30, true},
		{"just before end", 17, 29, true},
		{"at end is exclusive", 17, 30, false},
		{"after end", 20, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := day.Add(time.Duration(tt.hour)*time.Hour + time.Duration(tt.min)*time.Minute)
			got := e.Evaluate(context.Background(), c, ConstraintInput{Now: now})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_TimeWindowCrossingMidnight(t *testing.T) {
	e := NewEvaluator(nil)
	c := &Conditions{TimeWindow: &TimeWindow{Start: "22:00", End: "06:00"}}

	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	assert.True(t, e.Evaluate(context.Background(), c, ConstraintInput{Now: day.Add(23 * time.Hour)}))
	assert.True(t, e.Evaluate(context.Background(), c, ConstraintInput{Now: day.Add(3 * time.Hour)}))
	assert.False(t, e.Evaluate(context.Background(), c, ConstraintInput{Now: day.Add(12 * time.Hour)}))
}

func TestEvaluate_MalformedTimeWindowDenies(t *testing.T) {
	e := NewEvaluator(nil)
	c := &Conditions{TimeWindow: &TimeWindow{Start: "nine", End: "17:00"}}
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	assert.False(t, e.Evaluate(context.Background(), c, ConstraintInput{Now: now}))
}

func TestEvaluate_DaysOfWeek(t *testing.T) {
	e := NewEvaluator(nil)
	c := &Conditions{DaysOfWeek: []int{1, 2, 3, 4, 5}} // weekdays

	monday := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	sunday := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	assert.True(t, e.Evaluate(context.Background(), c, ConstraintInput{Now: monday}))
	assert.False(t, e.Evaluate(context.Background(), c, ConstraintInput{Now: sunday}))
}

func TestEvaluate_LocationIDs(t *testing.T) {
	e := NewEvaluator(nil)
	c := &Conditions{LocationIDs: []int64{10, 20}}

	assert.True(t, e.Evaluate(context.Background(), c, ConstraintInput{LocationID: i64Ptr(10)}))
	assert.False(t, e.Evaluate(context.Background(), c, ConstraintInput{LocationID: i64Ptr(30)}))
	// No location in the request context fails closed
	assert.False(t, e.Evaluate(context.Background(), c, ConstraintInput{}))
}

func TestEvaluate_OwnedOnly(t *testing.T) {
	c := &Conditions{OwnedOnly: true}

	owned := NewEvaluator(&fakeOwnership{owns: map[string]bool{"lead-42": true}})
	assert.True(t, owned.Evaluate(context.Background(), c, ConstraintInput{UserID: 1, ResourceID: strPtr("lead-42")}))
	assert.False(t, owned.Evaluate(context.Background(), c, ConstraintInput{UserID: 1, ResourceID: strPtr("lead-43")}))

	// Ownership check errors fail closed
	broken := NewEvaluator(&fakeOwnership{err: errors.New("upstream down")})
	assert.False(t, broken.Evaluate(context.Background(), c, ConstraintInput{UserID: 1, ResourceID: strPtr("lead-42")}))

	// No checker wired fails closed
	none := NewEvaluator(nil)
	assert.False(t, none.Evaluate(context.Background(), c, ConstraintInput{UserID: 1, ResourceID: strPtr("lead-42")}))

	// No resource in the request fails closed
	assert.False(t, owned.Evaluate(context.Background(), c, ConstraintInput{UserID: 1}))
}

func TestEvaluate_AllConditionsMustHold(t *testing.T) {
	e := NewEvaluator(nil)
	c := &Conditions{
		TimeWindow:  &TimeWindow{Start: "09:00", End: "17:00"},
		LocationIDs: []int64{10},
	}
	inWindow := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	assert.True(t, e.Evaluate(context.Background(), c, ConstraintInput{Now: inWindow, LocationID: i64Ptr(10)}))
	assert.False(t, e.Evaluate(context.Background(), c, ConstraintInput{Now: inWindow, LocationID: i64Ptr(99)}))
}
