package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"toggl-sync/internal/domain"
	"toggl-sync/internal/fingerprint"
	"toggl-sync/internal/ports"
)

const (
	DefaultWorkers    = 4
	DefaultRunTimeout = 30 * time.Second
	DefaultMaxWindow  = 31 * 24 * time.Hour
)

// GoalResolver maps a remote project to the goal auto-applied for a user.
type GoalResolver interface {
	Resolve(ctx context.Context, userID, externalProjectID string) (*string, error)
}

// Reconciler runs pull, diff and push for one user and window.
type Reconciler struct {
	Log        *slog.Logger
	Entries    ports.EntryStore
	Goals      GoalResolver
	Workers    int
	RunTimeout time.Duration
	MaxWindow  time.Duration
	Now        func() time.Time
}

// Run reconciles window against the remote ledger reachable through tracker.
// Per-entry failures are collected in the result; an error is returned only
// when the run could not start or was aborted by a systemic failure.
func (r *Reconciler) Run(ctx context.Context, tracker ports.TimeTracker, window domain.SyncWindow) (domain.RunResult, error) {
	var res domain.RunResult
	if tracker == nil || r.Entries == nil || r.Goals == nil {
		return res, errors.New("reconciler not initialized: missing dependencies")
	}
	maxWindow := r.MaxWindow
	if maxWindow == 0 {
		maxWindow = DefaultMaxWindow
	}
	if err := window.Validate(maxWindow); err != nil {
		return res, err
	}
	timeout := r.RunTimeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	st := &runState{
		log:      r.Log.With(slog.String("user", window.UserID)),
		user:     window.UserID,
		goals:    make(map[string]*string),
		skipPush: make(map[string]bool),
	}
	start := time.Now()
	st.log.Info("reconciliation started",
		slog.Time("from", window.Start),
		slog.Time("to", window.End),
	)

	remotes, seen, err := r.pull(runCtx, tracker, window, st)
	if err != nil {
		return st.result(), err
	}

	if err := r.diff(runCtx, remotes, st); err != nil {
		return st.result(), err
	}
	if st.aborted() != nil {
		return st.result(), st.aborted()
	}

	if err := r.push(runCtx, tracker, window, seen, st); err != nil {
		return st.result(), err
	}
	if err := st.aborted(); err != nil {
		return st.result(), err
	}

	res = st.result()
	st.log.Info("reconciliation completed",
		slog.Int("created", res.Created),
		slog.Int("updated", res.Updated),
		slog.Int("skipped", res.Skipped),
		slog.Int("conflicted", res.Conflicted),
		slog.Int("pushed", res.Pushed),
		slog.Int("failed", res.Failed),
		slog.Int("deferred", res.Deferred),
		slog.Bool("incomplete", res.Incomplete),
		slog.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

// pull pages through the window until a short page, or a page that adds no
// unseen ids. A failing page stops the pull; earlier pages are kept.
func (r *Reconciler) pull(ctx context.Context, tracker ports.TimeTracker, window domain.SyncWindow, st *runState) ([]domain.RemoteEntry, map[string]bool, error) {
	var out []domain.RemoteEntry
	seen := make(map[string]bool)
	for page := 1; ; page++ {
		p, err := tracker.ListEntries(ctx, window, page)
		if err != nil {
			if domain.Systemic(err) {
				st.log.Error("pull aborted", slog.String("error", err.Error()))
				return nil, nil, err
			}
			st.fail(domain.Failure{Kind: domain.KindOf(err).String(), Reason: "page " + strconv.Itoa(page) + ": " + err.Error()})
			st.markIncomplete()
			break
		}
		fresh := 0
		for _, e := range p.Entries {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			out = append(out, e)
			fresh++
		}
		st.log.Debug("pulled page", slog.Int("page", page), slog.Int("count", len(p.Entries)))
		if !p.HasMore || fresh == 0 {
			break
		}
	}
	return out, seen, nil
}

func (r *Reconciler) diff(ctx context.Context, remotes []domain.RemoteEntry, st *runState) error {
	if len(remotes) == 0 {
		return nil
	}
	ids := make([]string, 0, len(remotes))
	items := make([]fingerprint.Keyed, 0, len(remotes))
	for _, e := range remotes {
		ids = append(ids, e.ID)
		items = append(items, fingerprint.Keyed{Key: e.ID, Fields: fingerprint.Fields{
			Description: e.Description, Start: e.Start, End: e.End, ExternalProjectID: e.ProjectID,
		}})
	}
	hashes := fingerprint.Batch(items)
	locals, err := r.Entries.EntriesByExternalID(context.WithoutCancel(ctx), st.user, ids)
	if err != nil {
		return err
	}
	r.fanOut(ctx, st, len(remotes), func(jobCtx context.Context, i int) {
		remote := remotes[i]
		var local *domain.TimeEntry
		if l, ok := locals[remote.ID]; ok {
			local = &l
		}
		r.reconcileRemote(jobCtx, st, remote, local, hashes[remote.ID])
	})
	return nil
}

// reconcileRemote applies the create/update/conflict/skip decision for one remote entry.
func (r *Reconciler) reconcileRemote(ctx context.Context, st *runState, remote domain.RemoteEntry, local *domain.TimeEntry, hash string) {
	fail := func(err error) {
		f := domain.Failure{ExternalEntryID: remote.ID, Kind: domain.KindOf(err).String(), Reason: err.Error()}
		if local != nil {
			f.EntryID = local.ID
			st.noPush(local.ID)
		}
		st.entryFailed(f, err)
	}

	if local == nil {
		e, err := r.fromRemote(ctx, st, remote, hash)
		if err != nil {
			fail(err)
			return
		}
		if err := r.Entries.CreateEntry(ctx, &e); err != nil {
			fail(err)
			return
		}
		st.count(func(res *domain.RunResult) { res.Created++ })
		return
	}

	stored := ""
	if local.ContentHash != nil {
		stored = *local.ContentHash
	}
	switch {
	case local.SyncStatus == domain.StatusConflict:
		st.noPush(local.ID)
		st.count(func(res *domain.RunResult) { res.Skipped++ })
	case local.SyncStatus == domain.StatusPendingPull:
		r.applyRemote(ctx, st, local, remote, hash, fail)
	case stored == hash:
		st.count(func(res *domain.RunResult) { res.Skipped++ })
	case local.SyncStatus == domain.StatusSynced:
		r.applyRemote(ctx, st, local, remote, hash, fail)
	case local.SyncStatus == domain.StatusPendingPush:
		e := *local
		if err := e.Transition(domain.StatusConflict); err != nil {
			fail(err)
			return
		}
		h := hash
		e.RemoteHash = &h
		e.UpdatedAt = r.now()
		if err := r.Entries.UpdateEntry(ctx, &e); err != nil {
			fail(err)
			return
		}
		st.noPush(e.ID)
		st.log.Warn("conflict flagged",
			slog.String("entry", e.ID),
			slog.String("external", remote.ID),
		)
		st.count(func(res *domain.RunResult) { res.Conflicted++ })
	default:
		fail(domain.Errorf(domain.KindInvalid, "diff", "unknown sync status %q", local.SyncStatus))
	}
}

// applyRemote overwrites the mirrored fields of local with remote and marks it synced.
func (r *Reconciler) applyRemote(ctx context.Context, st *runState, local *domain.TimeEntry, remote domain.RemoteEntry, hash string, fail func(error)) {
	e := *local
	projectChanged := !sameString(local.ExternalProjectID, remote.ProjectID)
	e.Description = remote.Description
	e.Start = remote.Start.UTC()
	e.SetEnd(utcPtr(remote.End))
	e.ExternalProjectID = remote.ProjectID
	e.Billable = remote.Billable
	var goal *string
	if remote.ProjectID != nil {
		g, err := st.resolve(ctx, r.Goals, *remote.ProjectID)
		if err != nil {
			fail(err)
			return
		}
		goal = g
	}
	// An unmapped project keeps the goal; moving to another project drops it.
	if goal != nil || projectChanged {
		e.GoalID = goal
	}
	h := hash
	e.ContentHash = &h
	e.RemoteHash = nil
	if err := e.Transition(domain.StatusSynced); err != nil {
		fail(err)
		return
	}
	e.UpdatedAt = r.now()
	if err := e.Validate(); err != nil {
		fail(err)
		return
	}
	if err := r.Entries.UpdateEntry(ctx, &e); err != nil {
		fail(err)
		return
	}
	st.count(func(res *domain.RunResult) { res.Updated++ })
}

func (r *Reconciler) fromRemote(ctx context.Context, st *runState, remote domain.RemoteEntry, hash string) (domain.TimeEntry, error) {
	now := r.now()
	ext := remote.ID
	h := hash
	e := domain.TimeEntry{
		ID:                uuid.NewString(),
		UserID:            st.user,
		Description:       remote.Description,
		Start:             remote.Start.UTC(),
		ExternalEntryID:   &ext,
		ExternalProjectID: remote.ProjectID,
		Billable:          remote.Billable,
		Source:            domain.SourceExternal,
		SyncStatus:        domain.StatusSynced,
		ContentHash:       &h,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	e.SetEnd(utcPtr(remote.End))
	if remote.ProjectID != nil {
		goal, err := st.resolve(ctx, r.Goals, *remote.ProjectID)
		if err != nil {
			return e, err
		}
		e.GoalID = goal
	}
	return e, e.Validate()
}

// push sends every pending_push entry in the window that was not flagged or
// failed during diff.
func (r *Reconciler) push(ctx context.Context, tracker ports.TimeTracker, window domain.SyncWindow, seen map[string]bool, st *runState) error {
	// Local reads outlive the run deadline so expired runs still count what they defer.
	pending, err := r.Entries.PendingPush(context.WithoutCancel(ctx), st.user, window.Start, window.End)
	if err != nil {
		return err
	}
	var todo []domain.TimeEntry
	incomplete := st.incomplete()
	for _, e := range pending {
		if st.skipsPush(e.ID) {
			continue
		}
		if incomplete && e.Linked() && !seen[*e.ExternalEntryID] {
			// the remote copy may sit on a page we never saw
			st.deferN(1)
			continue
		}
		todo = append(todo, e)
	}
	r.fanOut(ctx, st, len(todo), func(jobCtx context.Context, i int) {
		r.pushOne(jobCtx, st, tracker, todo[i])
	})
	return nil
}

func (r *Reconciler) pushOne(ctx context.Context, st *runState, tracker ports.TimeTracker, e domain.TimeEntry) {
	fail := func(err error) {
		f := domain.Failure{EntryID: e.ID, Kind: domain.KindOf(err).String(), Reason: err.Error()}
		if e.Linked() {
			f.ExternalEntryID = *e.ExternalEntryID
		}
		st.entryFailed(f, err)
	}
	fields := domain.FieldsOf(e)
	var (
		remote  domain.RemoteEntry
		err     error
		created bool
	)
	if e.Linked() {
		remote, err = tracker.UpdateEntry(ctx, *e.ExternalEntryID, fields)
	} else {
		remote, err = tracker.CreateEntry(ctx, fields)
		created = true
	}
	if err != nil {
		fail(err)
		return
	}

	pushed := e
	if created {
		ext := remote.ID
		pushed.ExternalEntryID = &ext
	}
	h := fingerprint.OfPush(fields)
	pushed.ContentHash = &h
	pushed.RemoteHash = nil
	if err := pushed.Transition(domain.StatusSynced); err != nil {
		fail(err)
		return
	}
	pushed.UpdatedAt = r.now()
	err = r.Entries.UpdateEntry(ctx, &pushed)
	if err != nil && created {
		// The remote entry exists now; its id must be kept or the next run creates it again.
		if lerr := r.linkCreated(ctx, e, remote.ID, h); lerr != nil {
			if !domain.IsKind(err, domain.KindStale) && !domain.IsKind(lerr, domain.KindStale) {
				lerr = fmt.Errorf("%w (linking %s: %v)", err, remote.ID, lerr)
			}
			err = lerr
		} else {
			err = nil
		}
	}
	if err != nil {
		fail(err)
		return
	}
	st.count(func(res *domain.RunResult) { res.Pushed++ })
}

// linkCreated records externalID on the current copy of e, with pushedHash as
// the remote baseline. The entry is marked synced only if it still matches what
// was pushed; otherwise it stays pending and a Stale error is returned.
func (r *Reconciler) linkCreated(ctx context.Context, e domain.TimeEntry, externalID, pushedHash string) error {
	current, err := r.Entries.GetEntry(ctx, e.UserID, e.ID)
	if err != nil {
		return err
	}
	current.ExternalEntryID = &externalID
	h := pushedHash
	current.ContentHash = &h
	current.RemoteHash = nil
	unchanged := current.SyncStatus == domain.StatusPendingPush && fingerprint.OfEntry(current) == pushedHash
	if unchanged {
		if err := current.Transition(domain.StatusSynced); err != nil {
			return err
		}
	}
	current.UpdatedAt = r.now()
	if err := r.Entries.UpdateEntry(ctx, &current); err != nil {
		return err
	}
	if unchanged {
		return nil
	}
	return domain.Errorf(domain.KindStale, "push", "entry changed during push; linked to %s, still pending", externalID)
}

// fanOut runs job for 0..n-1 on at most Workers goroutines. Once ctx is done,
// or the run was aborted, remaining jobs are not started. Started jobs get a
// context detached from ctx so they can finish; the gateway bounds each call.
func (r *Reconciler) fanOut(ctx context.Context, st *runState, n int, job func(ctx context.Context, i int)) {
	workers := r.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	detached := context.WithoutCancel(ctx)
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if st.aborted() != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			st.deferN(n - i)
			st.log.Warn("run deadline reached", slog.Int("deferred", n-i))
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			job(detached, i)
		}(i)
	}
	wg.Wait()
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// runState is the mutable bookkeeping of one run, shared by its workers.
type runState struct {
	log  *slog.Logger
	user string

	mu       sync.Mutex
	res      domain.RunResult
	abort    error
	goals    map[string]*string
	skipPush map[string]bool
}

func (s *runState) count(f func(*domain.RunResult)) {
	s.mu.Lock()
	f(&s.res)
	s.mu.Unlock()
}

func (s *runState) fail(f domain.Failure) {
	s.mu.Lock()
	s.res.Failed++
	s.res.Failures = append(s.res.Failures, f)
	s.mu.Unlock()
	s.log.Warn("reconcile failure",
		slog.String("entry", f.EntryID),
		slog.String("external", f.ExternalEntryID),
		slog.String("kind", f.Kind),
		slog.String("reason", f.Reason),
	)
}

// entryFailed records a per-entry failure, or aborts the run when err is systemic.
func (s *runState) entryFailed(f domain.Failure, err error) {
	if domain.Systemic(err) {
		s.mu.Lock()
		if s.abort == nil {
			s.abort = err
		}
		s.mu.Unlock()
		s.log.Error("run aborted", slog.String("error", err.Error()))
		return
	}
	s.fail(f)
}

func (s *runState) aborted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abort
}

func (s *runState) markIncomplete() {
	s.mu.Lock()
	s.res.Incomplete = true
	s.mu.Unlock()
}

func (s *runState) incomplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res.Incomplete
}

func (s *runState) deferN(n int) {
	s.mu.Lock()
	s.res.Deferred += n
	s.mu.Unlock()
}

func (s *runState) noPush(id string) {
	s.mu.Lock()
	s.skipPush[id] = true
	s.mu.Unlock()
}

func (s *runState) skipsPush(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipPush[id]
}

// resolve memoizes goal lookups per project for the run. A run serves one
// user, so the memo never crosses owners. Errors are not memoized.
func (s *runState) resolve(ctx context.Context, g GoalResolver, projectID string) (*string, error) {
	s.mu.Lock()
	goal, ok := s.goals[projectID]
	s.mu.Unlock()
	if ok {
		return goal, nil
	}
	goal, err := g.Resolve(ctx, s.user, projectID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.goals[projectID] = goal
	s.mu.Unlock()
	return goal, nil
}

func (s *runState) result() domain.RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.res
	res.Failures = append([]domain.Failure(nil), s.res.Failures...)
	if res.Failures == nil {
		res.Failures = []domain.Failure{}
	}
	return res
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
