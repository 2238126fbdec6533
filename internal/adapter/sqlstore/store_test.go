package sqlstore_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"toggl-sync/internal/adapter/sqlstore"
	"toggl-sync/internal/credentials"
	"toggl-sync/internal/domain"
	"toggl-sync/internal/migrate"
)

func newStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	ctx := context.Background()
	db, err := sqlstore.Open(ctx, sqlstore.SQLite, filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := migrate.Run(ctx, db, sqlstore.SQLite, log); err != nil {
		t.Fatal(err)
	}
	sealer, err := credentials.NewSealer("test-passphrase")
	if err != nil {
		t.Fatal(err)
	}
	return sqlstore.New(db, sqlstore.SQLite, log, sealer)
}

func strp(s string) *string { return &s }

func entry(id, user string, start time.Time, ext *string) domain.TimeEntry {
	end := start.Add(time.Hour)
	e := domain.TimeEntry{
		ID: id, UserID: user, Description: strp("work"), Start: start,
		ExternalEntryID: ext, Source: domain.SourceManual, SyncStatus: domain.StatusSynced,
		CreatedAt: start, UpdatedAt: start,
	}
	if ext != nil {
		e.Source = domain.SourceExternal
	}
	e.SetEnd(&end)
	return e
}

var day = time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

func TestEntries_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	e := entry("e1", "u1", day.Add(9*time.Hour), strp("ext-1"))
	e.GoalID = strp("g1")
	e.ContentHash = strp("abc")
	if err := s.CreateEntry(ctx, &e); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetEntry(ctx, "u1", "e1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Start.Equal(e.Start) || got.End == nil || !got.End.Equal(*e.End) {
		t.Fatalf("times not preserved: %+v", got)
	}
	if *got.DurationSeconds != 3600 || *got.GoalID != "g1" || *got.ExternalEntryID != "ext-1" || got.Revision != 1 {
		t.Fatalf("unexpected entry %+v", got)
	}
	if got.RemoteHash != nil || got.ExternalProjectID != nil {
		t.Fatal("nulls not preserved")
	}
	if _, err := s.GetEntry(ctx, "u2", "e1"); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("another user must not read the entry: %v", err)
	}
}

func TestEntries_DuplicateExternalIDIsConflict(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := entry("a", "u1", day, strp("ext-1"))
	b := entry("b", "u1", day, strp("ext-1"))
	other := entry("c", "u2", day, strp("ext-1"))
	if err := s.CreateEntry(ctx, &a); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateEntry(ctx, &b); !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := s.CreateEntry(ctx, &other); err != nil {
		t.Fatalf("different users may link the same remote id: %v", err)
	}
}

func TestEntries_RevisionCheck(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	e := entry("e1", "u1", day, nil)
	if err := s.CreateEntry(ctx, &e); err != nil {
		t.Fatal(err)
	}
	first, second := e, e

	first.Description = strp("first")
	if err := s.UpdateEntry(ctx, &first); err != nil {
		t.Fatal(err)
	}
	if first.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", first.Revision)
	}
	second.Description = strp("second")
	if err := s.UpdateEntry(ctx, &second); !domain.IsKind(err, domain.KindStale) {
		t.Fatalf("expected stale, got %v", err)
	}
	got, _ := s.GetEntry(ctx, "u1", "e1")
	if *got.Description != "first" {
		t.Fatalf("stale write applied: %s", *got.Description)
	}

	missing := entry("nope", "u1", day, nil)
	if err := s.UpdateEntry(ctx, &missing); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEntries_WindowQueries(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	in := entry("in", "u1", day.Add(10*time.Hour), strp("x1"))
	in.SyncStatus = domain.StatusPendingPush
	out := entry("out", "u1", day.Add(30*time.Hour), strp("x2"))
	out.SyncStatus = domain.StatusPendingPush
	open := entry("open", "u1", day.Add(11*time.Hour), nil)
	open.SetEnd(nil)
	for _, e := range []*domain.TimeEntry{&in, &out, &open} {
		if err := s.CreateEntry(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListEntries(ctx, "u1", day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "in" || list[1].ID != "open" {
		t.Fatalf("unexpected window listing %+v", list)
	}
	if list[1].End != nil || list[1].DurationSeconds != nil {
		t.Fatal("open entry gained an end")
	}

	pending, err := s.PendingPush(ctx, "u1", day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "in" {
		t.Fatalf("unexpected pending %+v", pending)
	}

	byExt, err := s.EntriesByExternalID(ctx, "u1", []string{"x1", "x2", "x3"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byExt) != 2 || byExt["x2"].ID != "out" {
		t.Fatalf("unexpected lookup %+v", byExt)
	}
	if none, _ := s.EntriesByExternalID(ctx, "u2", []string{"x1"}); len(none) != 0 {
		t.Fatal("lookup crossed users")
	}
}

func TestEntries_DeleteScoped(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	e := entry("e1", "u1", day, nil)
	_ = s.CreateEntry(ctx, &e)
	if err := s.DeleteEntry(ctx, "u2", "e1"); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.DeleteEntry(ctx, "u1", "e1"); err != nil {
		t.Fatal(err)
	}
}

func TestMappings_ActiveUniqueness(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	mk := func(id, user string, active bool) *domain.ProjectGoalMapping {
		return &domain.ProjectGoalMapping{ID: id, UserID: user, ExternalProjectID: "p1", GoalID: "g1",
			IsActive: active, AutoCategorize: true, CreatedAt: day, UpdatedAt: day}
	}
	if err := s.CreateMapping(ctx, mk("m1", "u1", true)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateMapping(ctx, mk("m2", "u1", true)); !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("expected conflict on second active mapping, got %v", err)
	}
	if err := s.CreateMapping(ctx, mk("m3", "u1", false)); err != nil {
		t.Fatalf("inactive duplicate should be allowed: %v", err)
	}
	if err := s.CreateMapping(ctx, mk("m4", "u2", true)); err != nil {
		t.Fatalf("other users are independent: %v", err)
	}

	m, err := s.ActiveMapping(ctx, "u1", "p1")
	if err != nil || m.ID != "m1" {
		t.Fatalf("expected m1, got %v, %v", m, err)
	}
	m3 := mk("m3", "u1", true)
	if err := s.UpdateMapping(ctx, m3); !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("activating a second mapping must conflict, got %v", err)
	}
	if err := s.DeleteMapping(ctx, "u1", "m1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ActiveMapping(ctx, "u1", "p1"); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected no active mapping, got %v", err)
	}
	list, _ := s.ListMappings(ctx, "u1")
	if len(list) != 1 || list[0].ID != "m3" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestGoals_Ownership(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.PutGoal(ctx, sqlstore.Goal{ID: "g1", UserID: "u1", Title: "Ship"}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutGoal(ctx, sqlstore.Goal{ID: "g1", UserID: "u1", Title: "Ship"}); err != nil {
		t.Fatalf("repeat put should be a no-op: %v", err)
	}
	if err := s.PutGoal(ctx, sqlstore.Goal{ID: "g1", UserID: "u2"}); !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if ok, _ := s.GoalOwnedBy(ctx, "u1", "g1"); !ok {
		t.Fatal("u1 owns g1")
	}
	if ok, _ := s.GoalOwnedBy(ctx, "u2", "g1"); ok {
		t.Fatal("u2 does not own g1")
	}
	if ok, err := s.GoalOwnedBy(ctx, "u1", "missing"); ok || err != nil {
		t.Fatalf("missing goal: %v, %v", ok, err)
	}
}

func TestCredentials_SealedAtRest(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	if err := s.PutCredential(ctx, domain.Credential{UserID: "u1", APIToken: "tok-1", WorkspaceID: 7}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutCredential(ctx, domain.Credential{UserID: "u1", APIToken: "tok-2", WorkspaceID: 8}); err != nil {
		t.Fatal(err)
	}
	c, err := s.Credential(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if c.APIToken != "tok-2" || c.WorkspaceID != 8 {
		t.Fatalf("unexpected credential %+v", c)
	}
	var raw string
	if err := s.DB().QueryRowContext(ctx, "SELECT api_token FROM credentials WHERE user_id = ?", "u1").Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if raw == "tok-2" {
		t.Fatal("token stored in clear")
	}
	if _, err := s.Credential(ctx, "u2"); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	users, err := s.CredentialUsers(ctx)
	if err != nil || len(users) != 1 || users[0] != "u1" {
		t.Fatalf("unexpected users %v, %v", users, err)
	}
}

func TestEntries_ConcurrentWriters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := entry(string(rune('a'+i)), "u1", day.Add(time.Duration(i)*time.Minute), nil)
			errs <- s.CreateEntry(ctx, &e)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	list, _ := s.ListEntries(ctx, "u1", day, day.Add(time.Hour))
	if len(list) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(list))
	}
}
