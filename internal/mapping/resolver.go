// Package mapping binds remote Toggl projects to local goals.
package mapping

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"toggl-sync/internal/domain"
	"toggl-sync/internal/ports"
)

// Resolver answers "which goal should entries of this project get" and manages
// the mappings behind that answer.
type Resolver struct {
	Log   *slog.Logger
	Store ports.MappingStore
	Goals ports.GoalDirectory
	Now   func() time.Time
}

func New(log *slog.Logger, store ports.MappingStore, goals ports.GoalDirectory) *Resolver {
	return &Resolver{Log: log, Store: store, Goals: goals, Now: time.Now}
}

// Resolve returns the goal id to auto-apply for userID's entries in
// externalProjectID, or nil when nothing applies. The owner of the stored
// mapping is checked on every call.
func (r *Resolver) Resolve(ctx context.Context, userID, externalProjectID string) (*string, error) {
	if userID == "" || strings.TrimSpace(externalProjectID) == "" {
		return nil, nil
	}
	m, err := r.Store.ActiveMapping(ctx, userID, externalProjectID)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !m.Applies(userID) || m.ExternalProjectID != externalProjectID {
		return nil, nil
	}
	goal := m.GoalID
	return &goal, nil
}

// Create stores a new mapping. It fails with domain.KindConflict when an active
// mapping already exists for the same user and project, and with
// domain.KindInvalid when the goal is not owned by the user.
func (r *Resolver) Create(ctx context.Context, m domain.ProjectGoalMapping) (domain.ProjectGoalMapping, error) {
	const op = "create mapping"
	m.ExternalProjectID = strings.TrimSpace(m.ExternalProjectID)
	m.GoalID = strings.TrimSpace(m.GoalID)
	if err := validate(op, m); err != nil {
		return m, err
	}
	if err := r.checkGoal(ctx, op, m.UserID, m.GoalID); err != nil {
		return m, err
	}
	if m.IsActive {
		if err := r.ensureNoActive(ctx, op, m.UserID, m.ExternalProjectID, ""); err != nil {
			return m, err
		}
	}
	now := r.Now().UTC()
	m.ID = uuid.NewString()
	m.CreatedAt, m.UpdatedAt = now, now
	if err := r.Store.CreateMapping(ctx, &m); err != nil {
		return m, err
	}
	r.Log.Info("mapping created",
		slog.String("user", m.UserID),
		slog.String("project", m.ExternalProjectID),
		slog.String("goal", m.GoalID),
	)
	return m, nil
}

// Patch is a partial mapping update.
type Patch struct {
	GoalID         *string `json:"goalId"`
	IsActive       *bool   `json:"isActive"`
	AutoCategorize *bool   `json:"autoCategorize"`
}

// Update applies p to mapping id. Activating a mapping while another active one
// exists for the same project is a domain.KindConflict.
func (r *Resolver) Update(ctx context.Context, userID, id string, p Patch) (domain.ProjectGoalMapping, error) {
	const op = "update mapping"
	m, err := r.Store.GetMapping(ctx, userID, id)
	if err != nil {
		return m, err
	}
	if p.GoalID != nil && strings.TrimSpace(*p.GoalID) != m.GoalID {
		goal := strings.TrimSpace(*p.GoalID)
		if err := r.checkGoal(ctx, op, userID, goal); err != nil {
			return m, err
		}
		m.GoalID = goal
	}
	if p.AutoCategorize != nil {
		m.AutoCategorize = *p.AutoCategorize
	}
	if p.IsActive != nil {
		if *p.IsActive && !m.IsActive {
			if err := r.ensureNoActive(ctx, op, userID, m.ExternalProjectID, m.ID); err != nil {
				return m, err
			}
		}
		m.IsActive = *p.IsActive
	}
	if err := validate(op, m); err != nil {
		return m, err
	}
	m.UpdatedAt = r.Now().UTC()
	if err := r.Store.UpdateMapping(ctx, &m); err != nil {
		return m, err
	}
	return m, nil
}

// Delete removes a mapping. Entries already categorized through it keep their goal.
func (r *Resolver) Delete(ctx context.Context, userID, id string) error {
	if err := r.Store.DeleteMapping(ctx, userID, id); err != nil {
		return err
	}
	r.Log.Info("mapping deleted", slog.String("user", userID), slog.String("id", id))
	return nil
}

func (r *Resolver) List(ctx context.Context, userID string) ([]domain.ProjectGoalMapping, error) {
	return r.Store.ListMappings(ctx, userID)
}

func (r *Resolver) checkGoal(ctx context.Context, op, userID, goalID string) error {
	ok, err := r.Goals.GoalOwnedBy(ctx, userID, goalID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Errorf(domain.KindInvalid, op, "goal %s not found for user", goalID)
	}
	return nil
}

func (r *Resolver) ensureNoActive(ctx context.Context, op, userID, projectID, exceptID string) error {
	existing, err := r.Store.ActiveMapping(ctx, userID, projectID)
	switch {
	case domain.IsKind(err, domain.KindNotFound):
		return nil
	case err != nil:
		return err
	case existing.ID != exceptID:
		return domain.Errorf(domain.KindConflict, op, "project %s already has an active mapping", projectID)
	}
	return nil
}

func validate(op string, m domain.ProjectGoalMapping) error {
	switch {
	case m.UserID == "":
		return domain.Errorf(domain.KindInvalid, op, "user id is required")
	case m.ExternalProjectID == "":
		return domain.Errorf(domain.KindInvalid, op, "externalProjectId is required")
	case m.GoalID == "":
		return domain.Errorf(domain.KindInvalid, op, "goalId is required")
	}
	return nil
}
