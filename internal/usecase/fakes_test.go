package usecase

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"toggl-sync/internal/domain"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func strp(s string) *string { return &s }

func at(h, m int) time.Time { return time.Date(2025, 8, 1, h, m, 0, 0, time.UTC) }

func atp(h, m int) *time.Time { t := at(h, m); return &t }

// memEntries is an in-memory ports.EntryStore with revision checks.
type memEntries struct {
	mu      sync.Mutex
	rows    map[string]domain.TimeEntry
	updates int
	creates int

	// UpdateFunc, when set, runs before every update; a non-nil error is returned as is.
	UpdateFunc func(e *domain.TimeEntry) error
}

func newMemEntries(seed ...domain.TimeEntry) *memEntries {
	s := &memEntries{rows: map[string]domain.TimeEntry{}}
	for _, e := range seed {
		if e.Revision == 0 {
			e.Revision = 1
		}
		s.rows[e.ID] = e
	}
	return s
}

func (s *memEntries) CreateEntry(_ context.Context, e *domain.TimeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if e.ExternalEntryID != nil && r.ExternalEntryID != nil && r.UserID == e.UserID && *r.ExternalEntryID == *e.ExternalEntryID {
			return domain.Errorf(domain.KindConflict, "create entry", "duplicate external id")
		}
	}
	e.Revision = 1
	s.rows[e.ID] = *e
	s.creates++
	return nil
}

func (s *memEntries) UpdateEntry(_ context.Context, e *domain.TimeEntry) error {
	if s.UpdateFunc != nil {
		if err := s.UpdateFunc(e); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[e.ID]
	if !ok || cur.UserID != e.UserID {
		return domain.Errorf(domain.KindNotFound, "update entry", "%s", e.ID)
	}
	if cur.Revision != e.Revision {
		return domain.Errorf(domain.KindStale, "update entry", "revision moved")
	}
	e.Revision++
	s.rows[e.ID] = *e
	s.updates++
	return nil
}

func (s *memEntries) DeleteEntry(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.rows[id]; !ok || cur.UserID != userID {
		return domain.Errorf(domain.KindNotFound, "delete entry", "%s", id)
	}
	delete(s.rows, id)
	return nil
}

func (s *memEntries) GetEntry(_ context.Context, userID, id string) (domain.TimeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[id]
	if !ok || cur.UserID != userID {
		return domain.TimeEntry{}, domain.Errorf(domain.KindNotFound, "get entry", "%s", id)
	}
	return cur, nil
}

func (s *memEntries) ListEntries(_ context.Context, userID string, from, to time.Time) ([]domain.TimeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TimeEntry
	for _, e := range s.rows {
		if e.UserID == userID && !e.Start.Before(from) && e.Start.Before(to) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *memEntries) EntriesByExternalID(_ context.Context, userID string, ids []string) (map[string]domain.TimeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	out := map[string]domain.TimeEntry{}
	for _, e := range s.rows {
		if e.UserID == userID && e.Linked() && want[*e.ExternalEntryID] {
			out[*e.ExternalEntryID] = e
		}
	}
	return out, nil
}

func (s *memEntries) PendingPush(_ context.Context, userID string, from, to time.Time) ([]domain.TimeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TimeEntry
	for _, e := range s.rows {
		if e.UserID == userID && e.SyncStatus == domain.StatusPendingPush && !e.Start.Before(from) && e.Start.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memEntries) get(id string) domain.TimeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id]
}

func (s *memEntries) byExternal(ext string) (domain.TimeEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.rows {
		if e.Linked() && *e.ExternalEntryID == ext {
			return e, true
		}
	}
	return domain.TimeEntry{}, false
}

func (s *memEntries) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates + s.creates
}

// fakeRemote is an in-memory remote ledger implementing ports.TimeTracker.
// Function fields override individual calls.
type fakeRemote struct {
	mu       sync.Mutex
	entries  []domain.RemoteEntry
	pageSize int
	nextID   int
	calls    map[string]int

	ListFunc   func(page int) (domain.RemotePage, error)
	UpdateFunc func(id string, f domain.RemoteEntryFields) (domain.RemoteEntry, error)
	CreateFunc func(f domain.RemoteEntryFields) (domain.RemoteEntry, error)
}

func newFakeRemote(entries ...domain.RemoteEntry) *fakeRemote {
	return &fakeRemote{entries: entries, pageSize: 50, nextID: 1000, calls: map[string]int{}}
}

func (f *fakeRemote) called(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeRemote) record(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *fakeRemote) Authenticate(context.Context) (domain.RemoteUser, error) {
	f.record("auth")
	return domain.RemoteUser{ID: 1}, nil
}

func (f *fakeRemote) ListEntries(_ context.Context, _ domain.SyncWindow, page int) (domain.RemotePage, error) {
	f.record("list")
	if f.ListFunc != nil {
		return f.ListFunc(page)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lo := (page - 1) * f.pageSize
	if lo > len(f.entries) {
		lo = len(f.entries)
	}
	hi := lo + f.pageSize
	if hi > len(f.entries) {
		hi = len(f.entries)
	}
	out := append([]domain.RemoteEntry(nil), f.entries[lo:hi]...)
	return domain.RemotePage{Page: page, Entries: out, HasMore: hi-lo == f.pageSize}, nil
}

func (f *fakeRemote) CreateEntry(_ context.Context, fields domain.RemoteEntryFields) (domain.RemoteEntry, error) {
	f.record("create")
	if f.CreateFunc != nil {
		return f.CreateFunc(fields)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	e := remoteFrom(strconv.Itoa(f.nextID), fields)
	f.entries = append(f.entries, e)
	return e, nil
}

func (f *fakeRemote) UpdateEntry(_ context.Context, id string, fields domain.RemoteEntryFields) (domain.RemoteEntry, error) {
	f.record("update")
	if f.UpdateFunc != nil {
		return f.UpdateFunc(id, fields)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.entries {
		if e.ID == id {
			f.entries[i] = remoteFrom(id, fields)
			return f.entries[i], nil
		}
	}
	return domain.RemoteEntry{}, domain.Errorf(domain.KindNotFound, "update entry", "%s", id)
}

func (f *fakeRemote) DeleteEntry(context.Context, string) error {
	f.record("delete")
	return nil
}

func (f *fakeRemote) ListProjects(context.Context) ([]domain.Project, error) {
	return nil, nil
}

func remoteFrom(id string, f domain.RemoteEntryFields) domain.RemoteEntry {
	return domain.RemoteEntry{ID: id, Description: f.Description, ProjectID: f.ProjectID, Billable: f.Billable, Start: f.Start, End: f.End}
}

// goalMap resolves project -> goal for one user.
type goalMap struct {
	user  string
	goals map[string]string
	calls int
	mu    sync.Mutex
}

func (g *goalMap) Resolve(_ context.Context, userID, projectID string) (*string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if userID != g.user {
		return nil, nil
	}
	if goal, ok := g.goals[projectID]; ok {
		return &goal, nil
	}
	return nil, nil
}
