package domain

import "time"

// Project represents a Toggl project in the domain layer.
type Project struct {
	ID          string    `json:"id"`
	WorkspaceID int64     `json:"workspaceId"`
	Name        string    `json:"name"`
	Active      bool      `json:"active"`
	Private     bool      `json:"private"`
	Color       string    `json:"color"`
	ClientID    *int64    `json:"clientId,omitempty"`
	At          time.Time `json:"at"` // Last update timestamp from Toggl
}

// ProjectGoalMapping binds a remote project to a local goal for one user.
// At most one active mapping may exist per (UserID, ExternalProjectID).
type ProjectGoalMapping struct {
	ID                string    `json:"id"`
	UserID            string    `json:"userId"`
	ExternalProjectID string    `json:"externalProjectId"`
	GoalID            string    `json:"goalId"`
	IsActive          bool      `json:"isActive"`
	AutoCategorize    bool      `json:"autoCategorize"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Applies reports whether the mapping should categorize entries for userID.
func (m *ProjectGoalMapping) Applies(userID string) bool {
	return m != nil && m.UserID == userID && m.IsActive && m.AutoCategorize
}
