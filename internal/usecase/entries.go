package usecase

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"toggl-sync/internal/domain"
	"toggl-sync/internal/ports"
)

// EntryService owns local ledger edits. Edits to remotely mirrored fields of a
// linked entry mark it pending_push; deletes never reach the remote.
type EntryService struct {
	Log   *slog.Logger
	Store ports.EntryStore
	Goals GoalResolver
	Now   func() time.Time
}

// NewEntry is the input for a manually created entry.
type NewEntry struct {
	UserID            string     `json:"userId"`
	Description       *string    `json:"description"`
	Start             time.Time  `json:"start"`
	End               *time.Time `json:"end"`
	GoalID            *string    `json:"goalId"`
	ExternalProjectID *string    `json:"externalProjectId"`
	Billable          bool       `json:"billable"`
	Source            string     `json:"source"`
}

// EntryPatch is a partial edit. Revision, when set, must match the stored one.
type EntryPatch struct {
	Description       *string    `json:"description"`
	Start             *time.Time `json:"start"`
	End               *time.Time `json:"end"`
	ClearEnd          bool       `json:"clearEnd"`
	GoalID            *string    `json:"goalId"`
	ExternalProjectID *string    `json:"externalProjectId"`
	Billable          *bool      `json:"billable"`
	Revision          *int64     `json:"revision"`
}

// Keep selects the side that wins a conflict resolution.
type Keep string

const (
	KeepLocal  Keep = "local"
	KeepRemote Keep = "remote"
)

// Create stores a manual (or calendar-derived) entry, synced immediately.
// A project with an applicable mapping fills an empty goal.
func (s *EntryService) Create(ctx context.Context, in NewEntry) (domain.TimeEntry, error) {
	src := domain.SourceManual
	switch in.Source {
	case "", string(domain.SourceManual):
	case string(domain.SourceCalendar):
		src = domain.SourceCalendar
	default:
		return domain.TimeEntry{}, domain.Errorf(domain.KindInvalid, "create entry", "source %q cannot be created locally", in.Source)
	}
	now := s.now()
	e := domain.TimeEntry{
		ID:                uuid.NewString(),
		UserID:            in.UserID,
		Description:       in.Description,
		Start:             in.Start.UTC(),
		GoalID:            in.GoalID,
		ExternalProjectID: blankToNil(in.ExternalProjectID),
		Billable:          in.Billable,
		Source:            src,
		SyncStatus:        domain.StatusSynced,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	e.SetEnd(utcPtr(in.End))
	if e.GoalID == nil && e.ExternalProjectID != nil && s.Goals != nil {
		goal, err := s.Goals.Resolve(ctx, e.UserID, *e.ExternalProjectID)
		if err != nil {
			return e, err
		}
		e.GoalID = goal
	}
	if err := e.Validate(); err != nil {
		return e, err
	}
	if err := s.Store.CreateEntry(ctx, &e); err != nil {
		return e, err
	}
	s.Log.Info("entry created", slog.String("user", e.UserID), slog.String("id", e.ID), slog.String("source", string(e.Source)))
	return e, nil
}

// Edit applies p. Changing a mirrored field of a linked entry moves it to
// pending_push; an entry in conflict keeps that status until resolved.
func (s *EntryService) Edit(ctx context.Context, userID, id string, p EntryPatch) (domain.TimeEntry, error) {
	e, err := s.Store.GetEntry(ctx, userID, id)
	if err != nil {
		return e, err
	}
	if p.Revision != nil && *p.Revision != e.Revision {
		return e, domain.Errorf(domain.KindStale, "edit entry", "revision %d is not current (%d)", *p.Revision, e.Revision)
	}
	mirrored := false
	if p.Description != nil && !sameString(p.Description, e.Description) {
		e.Description = p.Description
		mirrored = true
	}
	if p.Start != nil && !p.Start.Equal(e.Start) {
		e.Start = p.Start.UTC()
		e.SetEnd(e.End)
		mirrored = true
	}
	switch {
	case p.ClearEnd && e.End != nil:
		e.SetEnd(nil)
		mirrored = true
	case p.End != nil && (e.End == nil || !p.End.Equal(*e.End)):
		e.SetEnd(utcPtr(p.End))
		mirrored = true
	}
	if p.ExternalProjectID != nil && !sameString(blankToNil(p.ExternalProjectID), e.ExternalProjectID) {
		e.ExternalProjectID = blankToNil(p.ExternalProjectID)
		mirrored = true
	}
	if p.Billable != nil && *p.Billable != e.Billable {
		e.Billable = *p.Billable
		mirrored = true
	}
	if p.GoalID != nil {
		e.GoalID = blankToNil(p.GoalID)
	}
	if mirrored && e.Linked() && e.SyncStatus != domain.StatusConflict {
		if err := e.Transition(domain.StatusPendingPush); err != nil {
			return e, err
		}
	}
	if err := e.Validate(); err != nil {
		return e, err
	}
	e.UpdatedAt = s.now()
	if err := s.Store.UpdateEntry(ctx, &e); err != nil {
		return e, err
	}
	return e, nil
}

// Close ends a running entry.
func (s *EntryService) Close(ctx context.Context, userID, id string, end time.Time) (domain.TimeEntry, error) {
	return s.Edit(ctx, userID, id, EntryPatch{End: &end})
}

// Delete removes the entry locally, whatever its sync status.
func (s *EntryService) Delete(ctx context.Context, userID, id string) error {
	if err := s.Store.DeleteEntry(ctx, userID, id); err != nil {
		return err
	}
	s.Log.Info("entry deleted", slog.String("user", userID), slog.String("id", id))
	return nil
}

func (s *EntryService) Get(ctx context.Context, userID, id string) (domain.TimeEntry, error) {
	return s.Store.GetEntry(ctx, userID, id)
}

func (s *EntryService) List(ctx context.Context, userID string, from, to time.Time) ([]domain.TimeEntry, error) {
	return s.Store.ListEntries(ctx, userID, from, to)
}

// MarkForPush queues an entry for the next run's push phase. Unlinked entries
// are created remotely when pushed.
func (s *EntryService) MarkForPush(ctx context.Context, userID, id string) (domain.TimeEntry, error) {
	e, err := s.Store.GetEntry(ctx, userID, id)
	if err != nil {
		return e, err
	}
	if e.SyncStatus == domain.StatusConflict {
		return e, domain.Errorf(domain.KindInvalid, "mark for push", "entry is in conflict; resolve it first")
	}
	if e.SyncStatus == domain.StatusPendingPush {
		return e, nil
	}
	if err := e.Transition(domain.StatusPendingPush); err != nil {
		return e, err
	}
	e.UpdatedAt = s.now()
	if err := s.Store.UpdateEntry(ctx, &e); err != nil {
		return e, err
	}
	return e, nil
}

// ResolveConflict settles an entry in conflict. Keeping the local side adopts
// the remote fingerprint as the new baseline and queues a push; keeping the
// remote side makes the next run overwrite the local fields.
func (s *EntryService) ResolveConflict(ctx context.Context, userID, id string, keep Keep) (domain.TimeEntry, error) {
	const op = "resolve conflict"
	e, err := s.Store.GetEntry(ctx, userID, id)
	if err != nil {
		return e, err
	}
	if e.SyncStatus != domain.StatusConflict {
		return e, domain.Errorf(domain.KindInvalid, op, "entry is %s, not in conflict", e.SyncStatus)
	}
	switch Keep(strings.ToLower(string(keep))) {
	case KeepLocal:
		if e.RemoteHash != nil {
			e.ContentHash = e.RemoteHash
		}
		err = e.Transition(domain.StatusPendingPush)
	case KeepRemote:
		err = e.Transition(domain.StatusPendingPull)
	default:
		return e, domain.Errorf(domain.KindInvalid, op, "keep must be %q or %q", KeepLocal, KeepRemote)
	}
	if err != nil {
		return e, err
	}
	e.RemoteHash = nil
	e.UpdatedAt = s.now()
	if err := s.Store.UpdateEntry(ctx, &e); err != nil {
		return e, err
	}
	s.Log.Info("conflict resolved", slog.String("user", userID), slog.String("id", id), slog.String("keep", string(keep)))
	return e, nil
}

// Summary totals closed entries in [from, to).
func (s *EntryService) Summary(ctx context.Context, userID string, from, to time.Time) (domain.Summary, error) {
	entries, err := s.Store.ListEntries(ctx, userID, from, to)
	if err != nil {
		return domain.Summary{}, err
	}
	return domain.Summarize(entries), nil
}

func (s *EntryService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func blankToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
