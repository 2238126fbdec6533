package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"toggl-sync/internal/domain"
)

const entryColumns = `id, user_id, description, start_at, end_at, duration_seconds, goal_id,
  external_entry_id, external_project_id, billable, source, sync_status,
  content_hash, remote_hash, revision, created_at, updated_at`

// inChunk bounds the size of IN lists.
const inChunk = 500

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (domain.TimeEntry, error) {
	var (
		e                          domain.TimeEntry
		desc, goal, extID, extProj sql.NullString
		hash, remote               sql.NullString
		end                        sql.NullTime
		dur                        sql.NullInt64
		source, status             string
	)
	if err := sc.Scan(&e.ID, &e.UserID, &desc, &e.Start, &end, &dur, &goal,
		&extID, &extProj, &e.Billable, &source, &status,
		&hash, &remote, &e.Revision, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return e, err
	}
	e.Description = strPtr(desc)
	e.End = timePtr(end)
	e.DurationSeconds = intPtr(dur)
	e.GoalID = strPtr(goal)
	e.ExternalEntryID = strPtr(extID)
	e.ExternalProjectID = strPtr(extProj)
	e.ContentHash = strPtr(hash)
	e.RemoteHash = strPtr(remote)
	e.Source = domain.Source(source)
	e.SyncStatus = domain.SyncStatus(status)
	e.Start = e.Start.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

// CreateEntry inserts e with revision 1. A second entry linked to the same
// remote id for the same user is a domain.KindConflict.
func (s *Store) CreateEntry(ctx context.Context, e *domain.TimeEntry) error {
	const q = `
INSERT INTO time_entries
  (` + entryColumns + `)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := ts(time.Now())
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	e.Revision = 1
	_, err := s.exec(ctx, q,
		e.ID, e.UserID, nullString(e.Description), ts(e.Start), nullTime(e.End), nullInt(e.DurationSeconds), nullString(e.GoalID),
		nullString(e.ExternalEntryID), nullString(e.ExternalProjectID), e.Billable, string(e.Source), string(e.SyncStatus),
		nullString(e.ContentHash), nullString(e.RemoteHash), e.Revision, ts(e.CreatedAt), ts(e.UpdatedAt),
	)
	return s.mapErr("create entry", err)
}

// UpdateEntry writes e if the stored revision still equals e.Revision, then
// bumps e.Revision. A missing row is domain.KindNotFound, a moved revision
// domain.KindStale.
func (s *Store) UpdateEntry(ctx context.Context, e *domain.TimeEntry) error {
	const q = `
UPDATE time_entries SET
  description = ?, start_at = ?, end_at = ?, duration_seconds = ?, goal_id = ?,
  external_entry_id = ?, external_project_id = ?, billable = ?, source = ?, sync_status = ?,
  content_hash = ?, remote_hash = ?, revision = revision + 1, updated_at = ?
WHERE id = ? AND user_id = ? AND revision = ?`
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	res, err := s.exec(ctx, q,
		nullString(e.Description), ts(e.Start), nullTime(e.End), nullInt(e.DurationSeconds), nullString(e.GoalID),
		nullString(e.ExternalEntryID), nullString(e.ExternalProjectID), e.Billable, string(e.Source), string(e.SyncStatus),
		nullString(e.ContentHash), nullString(e.RemoteHash), ts(e.UpdatedAt),
		e.ID, e.UserID, e.Revision,
	)
	if err != nil {
		return s.mapErr("update entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.mapErr("update entry", err)
	}
	if n == 0 {
		var rev int64
		err := s.queryRow(ctx, `SELECT revision FROM time_entries WHERE id = ? AND user_id = ?`, e.ID, e.UserID).Scan(&rev)
		if err != nil {
			return s.mapErr("update entry", err)
		}
		return domain.Errorf(domain.KindStale, "update entry", "entry %s is at revision %d, not %d", e.ID, rev, e.Revision)
	}
	e.Revision++
	return nil
}

func (s *Store) DeleteEntry(ctx context.Context, userID, id string) error {
	res, err := s.exec(ctx, `DELETE FROM time_entries WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return s.mapErr("delete entry", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Errorf(domain.KindNotFound, "delete entry", "entry %s not found", id)
	}
	return nil
}

func (s *Store) GetEntry(ctx context.Context, userID, id string) (domain.TimeEntry, error) {
	row := s.queryRow(ctx, `SELECT `+entryColumns+` FROM time_entries WHERE id = ? AND user_id = ?`, id, userID)
	e, err := scanEntry(row)
	return e, s.mapErr("get entry", err)
}

// ListEntries returns userID's entries starting in [from, to), oldest first.
func (s *Store) ListEntries(ctx context.Context, userID string, from, to time.Time) ([]domain.TimeEntry, error) {
	return s.list(ctx, "list entries",
		`SELECT `+entryColumns+` FROM time_entries
WHERE user_id = ? AND start_at >= ? AND start_at < ?
ORDER BY start_at ASC, id ASC`, userID, ts(from), ts(to))
}

// PendingPush returns entries starting in [from, to) waiting to be pushed.
func (s *Store) PendingPush(ctx context.Context, userID string, from, to time.Time) ([]domain.TimeEntry, error) {
	return s.list(ctx, "pending push",
		`SELECT `+entryColumns+` FROM time_entries
WHERE user_id = ? AND sync_status = ? AND start_at >= ? AND start_at < ?
ORDER BY start_at ASC, id ASC`, userID, string(domain.StatusPendingPush), ts(from), ts(to))
}

// EntriesByExternalID returns userID's entries linked to any of ids, keyed by remote id.
func (s *Store) EntriesByExternalID(ctx context.Context, userID string, ids []string) (map[string]domain.TimeEntry, error) {
	out := make(map[string]domain.TimeEntry, len(ids))
	for lo := 0; lo < len(ids); lo += inChunk {
		hi := lo + inChunk
		if hi > len(ids) {
			hi = len(ids)
		}
		chunk := ids[lo:hi]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, userID)
		for _, id := range chunk {
			args = append(args, id)
		}
		q := `SELECT ` + entryColumns + ` FROM time_entries
WHERE user_id = ? AND external_entry_id IN (` + placeholders(len(chunk)) + `)`
		entries, err := s.list(ctx, "entries by external id", q, args...)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			out[*e.ExternalEntryID] = e
		}
	}
	return out, nil
}

func (s *Store) list(ctx context.Context, op, q string, args ...any) ([]domain.TimeEntry, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, s.mapErr(op, err)
	}
	defer rows.Close()
	var out []domain.TimeEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, s.mapErr(op, err)
		}
		out = append(out, e)
	}
	return out, s.mapErr(op, rows.Err())
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
