package sqlstore

import (
	"context"

	"toggl-sync/internal/domain"
)

const mappingColumns = `id, user_id, external_project_id, goal_id, is_active, auto_categorize, created_at, updated_at`

func scanMapping(sc scanner) (domain.ProjectGoalMapping, error) {
	var m domain.ProjectGoalMapping
	err := sc.Scan(&m.ID, &m.UserID, &m.ExternalProjectID, &m.GoalID, &m.IsActive, &m.AutoCategorize, &m.CreatedAt, &m.UpdatedAt)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, err
}

// ActiveMapping returns the active mapping of userID for projectID, or
// domain.KindNotFound.
func (s *Store) ActiveMapping(ctx context.Context, userID, projectID string) (*domain.ProjectGoalMapping, error) {
	row := s.queryRow(ctx, `SELECT `+mappingColumns+` FROM project_goal_mappings
WHERE user_id = ? AND external_project_id = ? AND is_active = ?`, userID, projectID, true)
	m, err := scanMapping(row)
	if err != nil {
		return nil, s.mapErr("active mapping", err)
	}
	return &m, nil
}

func (s *Store) GetMapping(ctx context.Context, userID, id string) (domain.ProjectGoalMapping, error) {
	row := s.queryRow(ctx, `SELECT `+mappingColumns+` FROM project_goal_mappings WHERE id = ? AND user_id = ?`, id, userID)
	m, err := scanMapping(row)
	return m, s.mapErr("get mapping", err)
}

func (s *Store) ListMappings(ctx context.Context, userID string) ([]domain.ProjectGoalMapping, error) {
	rows, err := s.query(ctx, `SELECT `+mappingColumns+` FROM project_goal_mappings
WHERE user_id = ? ORDER BY external_project_id ASC, created_at ASC`, userID)
	if err != nil {
		return nil, s.mapErr("list mappings", err)
	}
	defer rows.Close()
	out := []domain.ProjectGoalMapping{}
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, s.mapErr("list mappings", err)
		}
		out = append(out, m)
	}
	return out, s.mapErr("list mappings", rows.Err())
}

// CreateMapping inserts m. The schema's unique index on active mappings turns
// a concurrent duplicate into domain.KindConflict.
func (s *Store) CreateMapping(ctx context.Context, m *domain.ProjectGoalMapping) error {
	_, err := s.exec(ctx, `INSERT INTO project_goal_mappings (`+mappingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.ExternalProjectID, m.GoalID, m.IsActive, m.AutoCategorize, ts(m.CreatedAt), ts(m.UpdatedAt))
	return s.mapErr("create mapping", err)
}

func (s *Store) UpdateMapping(ctx context.Context, m *domain.ProjectGoalMapping) error {
	res, err := s.exec(ctx, `UPDATE project_goal_mappings SET goal_id = ?, is_active = ?, auto_categorize = ?, updated_at = ?
WHERE id = ? AND user_id = ?`, m.GoalID, m.IsActive, m.AutoCategorize, ts(m.UpdatedAt), m.ID, m.UserID)
	if err != nil {
		return s.mapErr("update mapping", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Errorf(domain.KindNotFound, "update mapping", "mapping %s not found", m.ID)
	}
	return nil
}

// DeleteMapping removes the mapping only; entries categorized through it keep their goal.
func (s *Store) DeleteMapping(ctx context.Context, userID, id string) error {
	res, err := s.exec(ctx, `DELETE FROM project_goal_mappings WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return s.mapErr("delete mapping", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Errorf(domain.KindNotFound, "delete mapping", "mapping %s not found", id)
	}
	return nil
}
