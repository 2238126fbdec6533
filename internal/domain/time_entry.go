package domain

import (
	"errors"
	"fmt"
	"time"
)

// Source records how a time entry entered the local ledger.
type Source string

const (
	SourceManual   Source = "manual"
	SourceExternal Source = "external"
	SourceCalendar Source = "calendar_derived"
)

// SyncStatus is the reconciliation state of a local entry relative to Toggl.
type SyncStatus string

const (
	StatusSynced      SyncStatus = "synced"
	StatusPendingPush SyncStatus = "pending_push"
	StatusPendingPull SyncStatus = "pending_pull"
	StatusConflict    SyncStatus = "conflict"
)

var transitions = map[SyncStatus][]SyncStatus{
	StatusSynced:      {StatusSynced, StatusPendingPush, StatusPendingPull},
	StatusPendingPush: {StatusPendingPush, StatusSynced, StatusConflict},
	StatusPendingPull: {StatusSynced, StatusPendingPush},
	StatusConflict:    {StatusPendingPush, StatusPendingPull},
}

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether an entry in status s may move to status to.
// conflict is only reachable from pending_push.
func (s SyncStatus) CanTransition(to SyncStatus) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// TimeEntry is the canonical, locally owned record of time spent.
type TimeEntry struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	Description       *string    `json:"description,omitempty"`
	Start             time.Time  `json:"start"`
	End               *time.Time `json:"end,omitempty"`
	DurationSeconds   *int64     `json:"durationSeconds"`
	GoalID            *string    `json:"goalId,omitempty"`
	ExternalEntryID   *string    `json:"externalEntryId,omitempty"`
	ExternalProjectID *string    `json:"externalProjectId,omitempty"`
	Billable          bool       `json:"billable"`
	Source            Source     `json:"source"`
	SyncStatus        SyncStatus `json:"syncStatus"`
	ContentHash       *string    `json:"contentHash,omitempty"`
	RemoteHash        *string    `json:"-"`
	Revision          int64      `json:"revision"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Open reports whether the entry is still running.
func (e *TimeEntry) Open() bool { return e.End == nil }

// Linked reports whether the entry is bound to a remote entry.
func (e *TimeEntry) Linked() bool { return e.ExternalEntryID != nil && *e.ExternalEntryID != "" }

// SetEnd sets the end timestamp and recomputes the derived duration.
func (e *TimeEntry) SetEnd(end *time.Time) {
	e.End = end
	e.DurationSeconds = Duration(e.Start, end)
}

// Transition moves the entry to status to, rejecting moves the state machine forbids.
func (e *TimeEntry) Transition(to SyncStatus) error {
	if !e.SyncStatus.CanTransition(to) {
		return &Error{Kind: KindInvalid, Op: "transition", Err: fmt.Errorf("%s -> %s not allowed", e.SyncStatus, to)}
	}
	e.SyncStatus = to
	return nil
}

// Validate checks the entry's structural invariants.
func (e *TimeEntry) Validate() error {
	var errs []error
	if e.UserID == "" {
		errs = append(errs, errors.New("user id is required"))
	}
	if e.Start.IsZero() {
		errs = append(errs, errors.New("start is required"))
	}
	if e.End != nil && e.End.Before(e.Start) {
		errs = append(errs, errors.New("end is before start"))
	}
	want := Duration(e.Start, e.End)
	if (want == nil) != (e.DurationSeconds == nil) || (want != nil && *want != *e.DurationSeconds) {
		errs = append(errs, errors.New("duration does not match start/end"))
	}
	if e.Source == SourceExternal && !e.Linked() {
		errs = append(errs, errors.New("external entry requires an external entry id"))
	}
	if !e.SyncStatus.Valid() {
		errs = append(errs, fmt.Errorf("unknown sync status %q", e.SyncStatus))
	}
	if len(errs) > 0 {
		return &Error{Kind: KindInvalid, Op: "validate entry", Err: errors.Join(errs...)}
	}
	return nil
}

// Duration returns the whole seconds between start and end, or nil when the
// entry is open or not strictly positive.
func Duration(start time.Time, end *time.Time) *int64 {
	if end == nil || !end.After(start) {
		return nil
	}
	d := int64(end.Sub(start) / time.Second)
	return &d
}

// Summary aggregates closed entries. Open entries are counted but never
// contribute to durations.
type Summary struct {
	TotalSeconds  int64            `json:"totalSeconds"`
	ByGoal        map[string]int64 `json:"byGoal"`
	Uncategorized int64            `json:"uncategorizedSeconds"`
	Closed        int              `json:"closed"`
	Open          int              `json:"open"`
}

// Summarize totals durations overall and per goal.
func Summarize(entries []TimeEntry) Summary {
	s := Summary{ByGoal: map[string]int64{}}
	for _, e := range entries {
		if e.End == nil {
			s.Open++
			continue
		}
		s.Closed++
		var d int64
		if e.DurationSeconds != nil {
			d = *e.DurationSeconds
		}
		s.TotalSeconds += d
		if e.GoalID != nil {
			s.ByGoal[*e.GoalID] += d
		} else {
			s.Uncategorized += d
		}
	}
	return s
}
