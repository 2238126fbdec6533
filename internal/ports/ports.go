package ports

import (
	"context"
	"time"

	"toggl-sync/internal/domain"
)

// TimeTracker is the gateway to the remote time-tracking service. Every
// remote call in the system goes through an implementation of it.
type TimeTracker interface {
	Authenticate(ctx context.Context) (domain.RemoteUser, error)
	ListEntries(ctx context.Context, window domain.SyncWindow, page int) (domain.RemotePage, error)
	CreateEntry(ctx context.Context, fields domain.RemoteEntryFields) (domain.RemoteEntry, error)
	UpdateEntry(ctx context.Context, id string, fields domain.RemoteEntryFields) (domain.RemoteEntry, error)
	DeleteEntry(ctx context.Context, id string) error
	ListProjects(ctx context.Context) ([]domain.Project, error)
}

// TrackerFactory builds a TimeTracker bound to one user's credential.
type TrackerFactory interface {
	ForUser(ctx context.Context, userID string) (TimeTracker, error)
}

// EntryStore persists the time-entry ledger. Writes are single-row and scoped
// to (id, user id); Update fails with domain.KindStale when the stored
// revision differs from e.Revision.
type EntryStore interface {
	CreateEntry(ctx context.Context, e *domain.TimeEntry) error
	UpdateEntry(ctx context.Context, e *domain.TimeEntry) error
	DeleteEntry(ctx context.Context, userID, id string) error
	GetEntry(ctx context.Context, userID, id string) (domain.TimeEntry, error)
	ListEntries(ctx context.Context, userID string, from, to time.Time) ([]domain.TimeEntry, error)
	EntriesByExternalID(ctx context.Context, userID string, externalIDs []string) (map[string]domain.TimeEntry, error)
	PendingPush(ctx context.Context, userID string, from, to time.Time) ([]domain.TimeEntry, error)
}

// MappingStore persists project-goal mappings. Lookups are always scoped by user.
type MappingStore interface {
	ActiveMapping(ctx context.Context, userID, externalProjectID string) (*domain.ProjectGoalMapping, error)
	GetMapping(ctx context.Context, userID, id string) (domain.ProjectGoalMapping, error)
	ListMappings(ctx context.Context, userID string) ([]domain.ProjectGoalMapping, error)
	CreateMapping(ctx context.Context, m *domain.ProjectGoalMapping) error
	UpdateMapping(ctx context.Context, m *domain.ProjectGoalMapping) error
	DeleteMapping(ctx context.Context, userID, id string) error
}

// GoalDirectory answers goal ownership questions for the goals collaborator.
type GoalDirectory interface {
	GoalOwnedBy(ctx context.Context, userID, goalID string) (bool, error)
}

// CredentialStore supplies per-user remote credentials.
type CredentialStore interface {
	Credential(ctx context.Context, userID string) (domain.Credential, error)
	PutCredential(ctx context.Context, c domain.Credential) error
}
