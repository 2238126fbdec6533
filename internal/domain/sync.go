package domain

import (
	"time"
)

// SyncWindow is the bounded remote date range reconciled in one run.
type SyncWindow struct {
	UserID string
	Start  time.Time
	End    time.Time
}

// Validate rejects empty, inverted or overly long windows.
func (w SyncWindow) Validate(maxSpan time.Duration) error {
	switch {
	case w.UserID == "":
		return Errorf(KindInvalid, "sync window", "user id is required")
	case w.Start.IsZero() || w.End.IsZero():
		return Errorf(KindInvalid, "sync window", "start and end are required")
	case !w.End.After(w.Start):
		return Errorf(KindInvalid, "sync window", "end must be after start")
	case maxSpan > 0 && w.End.Sub(w.Start) > maxSpan:
		return Errorf(KindInvalid, "sync window", "window exceeds %s", maxSpan)
	}
	return nil
}

// Contains reports whether t falls in [Start, End).
func (w SyncWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// RemoteEntry is a time entry as reported by Toggl.
type RemoteEntry struct {
	ID          string
	WorkspaceID int64
	UserID      int64
	Description *string
	ProjectID   *string
	Billable    bool
	Start       time.Time
	End         *time.Time
}

// RemoteEntryFields is the write payload for creating or updating a remote entry.
type RemoteEntryFields struct {
	Description *string
	ProjectID   *string
	Billable    bool
	Start       time.Time
	End         *time.Time
}

// FieldsOf extracts the remotely mirrored fields of a local entry.
func FieldsOf(e TimeEntry) RemoteEntryFields {
	return RemoteEntryFields{
		Description: e.Description,
		ProjectID:   e.ExternalProjectID,
		Billable:    e.Billable,
		Start:       e.Start,
		End:         e.End,
	}
}

// RemotePage is one page of a windowed listing.
type RemotePage struct {
	Page    int
	Entries []RemoteEntry
	HasMore bool
}

// RemoteUser is the identity behind a Toggl credential.
type RemoteUser struct {
	ID                 int64
	Email              string
	Fullname           string
	DefaultWorkspaceID int64
}

// Credential is a user's Toggl API token and workspace.
type Credential struct {
	UserID      string
	APIToken    string
	WorkspaceID int64
}

// Failure describes one entry (or page) the run could not reconcile.
type Failure struct {
	ExternalEntryID string `json:"externalEntryId,omitempty"`
	EntryID         string `json:"entryId,omitempty"`
	Kind            string `json:"kind"`
	Reason          string `json:"reason"`
}

// RunResult summarizes one reconciliation run.
type RunResult struct {
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Skipped    int       `json:"skipped"`
	Conflicted int       `json:"conflicted"`
	Failed     int       `json:"failed"`
	Pushed     int       `json:"pushed"`
	Deferred   int       `json:"deferred"`
	Incomplete bool      `json:"incomplete"`
	Failures   []Failure `json:"failures"`
}
