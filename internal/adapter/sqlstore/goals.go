package sqlstore

import (
	"context"
	"strings"
	"time"

	"toggl-sync/internal/domain"
)

// Goal is the slice of the goals collaborator's table this store reads.
type Goal struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// GoalOwnedBy reports whether goalID exists and belongs to userID.
func (s *Store) GoalOwnedBy(ctx context.Context, userID, goalID string) (bool, error) {
	owner, err := s.goalOwner(ctx, goalID)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return owner == userID, nil
}

// PutGoal upserts a goal row. Goals are owned by another service; this keeps
// the local copy used for ownership checks current.
func (s *Store) PutGoal(ctx context.Context, g Goal) error {
	g.Title = strings.TrimSpace(g.Title)
	if g.ID == "" || g.UserID == "" {
		return domain.Errorf(domain.KindInvalid, "put goal", "id and user id are required")
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	owner, err := s.goalOwner(ctx, g.ID)
	switch {
	case domain.IsKind(err, domain.KindNotFound):
		_, err = s.exec(ctx, `INSERT INTO goals (id, user_id, title, created_at) VALUES (?, ?, ?, ?)`,
			g.ID, g.UserID, g.Title, ts(g.CreatedAt))
		return s.mapErr("put goal", err)
	case err != nil:
		return err
	case owner != g.UserID:
		return domain.Errorf(domain.KindConflict, "put goal", "goal %s belongs to another user", g.ID)
	}
	_, err = s.exec(ctx, `UPDATE goals SET title = ? WHERE id = ? AND user_id = ?`, g.Title, g.ID, g.UserID)
	return s.mapErr("put goal", err)
}

func (s *Store) goalOwner(ctx context.Context, goalID string) (string, error) {
	var owner string
	err := s.queryRow(ctx, `SELECT user_id FROM goals WHERE id = ?`, goalID).Scan(&owner)
	return owner, s.mapErr("goal owner", err)
}
