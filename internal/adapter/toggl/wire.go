package toggl

import (
	"strconv"
	"time"

	"toggl-sync/internal/domain"
)

// rawTimeEntry mirrors the JSON from Toggl v9.
type rawTimeEntry struct {
	ID          int64      `json:"id"`
	Description *string    `json:"description"`
	ProjectID   *int64     `json:"project_id"`
	WorkspaceID *int64     `json:"workspace_id"`
	UserID      int64      `json:"user_id"`
	Billable    bool       `json:"billable"`
	Tags        []string   `json:"tags"`
	Start       time.Time  `json:"start"`
	Stop        *time.Time `json:"stop"`
	Duration    int64      `json:"duration"` // Negative means running in Toggl API semantics
}

func (r rawTimeEntry) toDomain() domain.RemoteEntry {
	out := domain.RemoteEntry{
		ID:          strconv.FormatInt(r.ID, 10),
		UserID:      r.UserID,
		Description: r.Description,
		Billable:    r.Billable,
		Start:       r.Start,
	}
	if r.WorkspaceID != nil {
		out.WorkspaceID = *r.WorkspaceID
	}
	if r.ProjectID != nil {
		p := strconv.FormatInt(*r.ProjectID, 10)
		out.ProjectID = &p
	}
	if r.Stop != nil && r.Duration >= 0 {
		stop := *r.Stop
		out.End = &stop
	}
	return out
}

// rawWriteEntry is the create/update body.
type rawWriteEntry struct {
	CreatedWith string     `json:"created_with"`
	Description *string    `json:"description,omitempty"`
	ProjectID   *int64     `json:"project_id,omitempty"`
	WorkspaceID int64      `json:"workspace_id"`
	Billable    bool       `json:"billable"`
	Start       time.Time  `json:"start"`
	Stop        *time.Time `json:"stop,omitempty"`
	Duration    int64      `json:"duration"`
}

// rawUpdateEntry is the update body. PUT merges keys, so cleared fields are
// sent as explicit nulls instead of being left out.
type rawUpdateEntry struct {
	CreatedWith string     `json:"created_with"`
	Description string     `json:"description"`
	ProjectID   *int64     `json:"project_id"`
	WorkspaceID int64      `json:"workspace_id"`
	Billable    bool       `json:"billable"`
	Start       time.Time  `json:"start"`
	Stop        *time.Time `json:"stop"`
	Duration    int64      `json:"duration"`
}

func (w rawWriteEntry) forUpdate() rawUpdateEntry {
	u := rawUpdateEntry{
		CreatedWith: w.CreatedWith,
		ProjectID:   w.ProjectID,
		WorkspaceID: w.WorkspaceID,
		Billable:    w.Billable,
		Start:       w.Start,
		Stop:        w.Stop,
		Duration:    w.Duration,
	}
	if w.Description != nil {
		u.Description = *w.Description
	}
	return u
}

type rawMe struct {
	ID                 int64  `json:"id"`
	Email              string `json:"email"`
	Fullname           string `json:"fullname"`
	DefaultWorkspaceID int64  `json:"default_workspace_id"`
}

type rawProject struct {
	ID          int64     `json:"id"`
	WorkspaceID int64     `json:"workspace_id"`
	Name        string    `json:"name"`
	Active      bool      `json:"active"`
	Private     bool      `json:"is_private"`
	Color       string    `json:"color"`
	ClientID    *int64    `json:"client_id"`
	At          time.Time `json:"at"`
}
