package toggl

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"toggl-sync/internal/domain"
	"toggl-sync/internal/fingerprint"
)

// recordingTimer fires immediately and remembers every requested wait.
type recordingTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	c     chan time.Time
}

func newRecordingTimer() *recordingTimer { return &recordingTimer{c: make(chan time.Time, 1)} }

func (t *recordingTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.waits = append(t.waits, d)
	t.mu.Unlock()
	t.c <- time.Now()
}
func (t *recordingTimer) Stop()               {}
func (t *recordingTimer) C() <-chan time.Time { return t.c }

func (t *recordingTimer) Waits() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.waits...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) (*Client, *recordingTimer) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	timer := newRecordingTimer()
	base := []Option{WithTimer(func() backoff.Timer { return timer }), WithCallTimeout(5 * time.Second)}
	return NewClient(srv.URL, "tok", 42, testLogger(), append(base, opts...)...), timer
}

func window() domain.SyncWindow {
	start := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	return domain.SyncWindow{UserID: "u1", Start: start, End: start.Add(24 * time.Hour)}
}

func TestCall_TransientIsAttemptedThreeTimes(t *testing.T) {
	var hits int32
	c, timer := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.ListEntries(context.Background(), window(), 1)
	if !domain.IsKind(err, domain.KindTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	waits := timer.Waits()
	if len(waits) != 2 || waits[0] != time.Second || waits[1] != 2*time.Second {
		t.Fatalf("expected waits [1s 2s], got %v", waits)
	}
}

func TestCall_AuthAndNotFoundAreNotRetried(t *testing.T) {
	cases := map[int]domain.Kind{
		http.StatusUnauthorized: domain.KindAuth,
		http.StatusForbidden:    domain.KindAuth,
		http.StatusNotFound:     domain.KindNotFound,
		http.StatusBadRequest:   domain.KindRejected,
	}
	for status, kind := range cases {
		var hits int32
		c, timer := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			w.WriteHeader(status)
		})
		_, err := c.UpdateEntry(context.Background(), "7", domain.RemoteEntryFields{Start: time.Now()})
		if !domain.IsKind(err, kind) {
			t.Errorf("status %d: expected %s, got %v", status, kind, err)
		}
		if hits != 1 || len(timer.Waits()) != 0 {
			t.Errorf("status %d: expected a single attempt, got %d attempts", status, hits)
		}
	}
}

func TestCall_MalformedBodyRetriedOnceThenProtocol(t *testing.T) {
	var hits int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[{"id": 1, "start": `))
	})
	_, err := c.ListEntries(context.Background(), window(), 1)
	if !domain.IsKind(err, domain.KindProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if hits != 2 {
		t.Fatalf("expected 2 attempts, got %d", hits)
	}
}

func TestCall_MalformedOnceThenRecovers(t *testing.T) {
	var hits int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			_, _ = w.Write([]byte(`{oops`))
			return
		}
		_, _ = w.Write([]byte(`{"id": 9, "email": "a@b.c", "default_workspace_id": 42}`))
	})
	me, err := c.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if me.ID != 9 || me.DefaultWorkspaceID != 42 {
		t.Fatalf("unexpected user %+v", me)
	}
}

func TestCall_RateLimitedWaitsAtLeastOneWindow(t *testing.T) {
	var hits int32
	policy := DefaultRetryPolicy()
	policy.InitialInterval = 10 * time.Millisecond
	c, timer := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}, WithRetryPolicy(policy))

	if _, err := c.ListEntries(context.Background(), window(), 1); err != nil {
		t.Fatalf("list: %v", err)
	}
	waits := timer.Waits()
	if len(waits) != 1 || waits[0] < time.Second {
		t.Fatalf("expected a single wait of at least 1s, got %v", waits)
	}
}

func TestListEntries_MapsAndFilters(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v9/me/time_entries" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("start_date") != "2025-08-01T00:00:00Z" || q.Get("page") != "2" || q.Get("per_page") != "2" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "tok" || pass != "api_token" {
			t.Errorf("missing basic auth")
		}
		_, _ = w.Write([]byte(`[
			{"id": 1, "description": "Design review", "project_id": 77, "workspace_id": 42, "start": "2025-08-01T09:00:00Z", "stop": "2025-08-01T10:00:00Z", "duration": 3600},
			{"id": 2, "description": "elsewhere", "workspace_id": 99, "start": "2025-08-01T11:00:00Z", "duration": -1}
		]`))
	}, WithPageSize(2))

	page, err := c.ListEntries(context.Background(), window(), 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !page.HasMore {
		t.Error("a full page should report HasMore")
	}
	if len(page.Entries) != 1 {
		t.Fatalf("expected entries from workspace 42 only, got %d", len(page.Entries))
	}
	e := page.Entries[0]
	if e.ID != "1" || *e.ProjectID != "77" || e.End == nil || e.End.Sub(e.Start) != time.Hour {
		t.Fatalf("unexpected mapping %+v", e)
	}
}

func TestCreateEntry_EncodesPayload(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v9/workspaces/42/time_entries" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["duration"].(float64) != 1800 || body["project_id"].(float64) != 5 || body["workspace_id"].(float64) != 42 {
			t.Errorf("unexpected body %v", body)
		}
		_, _ = w.Write([]byte(`{"id": 555, "workspace_id": 42, "start": "2025-08-01T09:00:00Z", "stop": "2025-08-01T09:30:00Z", "duration": 1800}`))
	})
	start := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)
	pid := "5"
	got, err := c.CreateEntry(context.Background(), domain.RemoteEntryFields{Start: start, End: &end, ProjectID: &pid})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got.ID != "555" {
		t.Fatalf("expected id 555, got %s", got.ID)
	}
}

// mergingTracker stores one entry and applies PUT bodies key by key.
type mergingTracker struct {
	mu    sync.Mutex
	entry map[string]any
}

func (m *mergingTracker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case r.Method == http.MethodPut && r.URL.Path == "/api/v9/workspaces/42/time_entries/7":
		var patch map[string]any
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for k, v := range patch {
			m.entry[k] = v
		}
		_ = json.NewEncoder(w).Encode(m.entry)
	case r.Method == http.MethodGet && r.URL.Path == "/api/v9/me/time_entries":
		_ = json.NewEncoder(w).Encode([]map[string]any{m.entry})
	default:
		http.NotFound(w, r)
	}
}

func TestUpdateEntry_ClearedFieldsReachRemote(t *testing.T) {
	tracker := &mergingTracker{entry: map[string]any{
		"id": 7, "description": "old", "project_id": 55, "workspace_id": 42,
		"start": "2025-08-01T09:00:00Z", "stop": "2025-08-01T10:00:00Z", "duration": 3600,
	}}
	c, _ := newTestClient(t, tracker.ServeHTTP)
	ctx := context.Background()

	fields := domain.RemoteEntryFields{Start: time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)}
	if _, err := c.UpdateEntry(ctx, "7", fields); err != nil {
		t.Fatalf("update: %v", err)
	}
	page, err := c.ListEntries(ctx, window(), 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(page.Entries))
	}
	got := page.Entries[0]
	if got.ProjectID != nil || got.End != nil {
		t.Fatalf("cleared fields survived on the remote: project %v, end %v", got.ProjectID, got.End)
	}
	if pushed, remote := fingerprint.OfPush(fields), fingerprint.OfRemote(got); pushed != remote {
		t.Fatalf("pushed hash %s differs from remote hash %s", pushed, remote)
	}
}

func TestUpdateEntry_RejectsNonNumericIDs(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := c.UpdateEntry(context.Background(), "abc", domain.RemoteEntryFields{})
	if !domain.IsKind(err, domain.KindInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func TestCall_AdmissionRefusalSurfacesAsRateLimited(t *testing.T) {
	var hits int32
	gate := NewAdmission(0.001, 1, 8, 10*time.Millisecond)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`[]`))
	}, WithAdmission(gate))

	if _, err := c.ListProjects(context.Background()); err != nil {
		t.Fatalf("first call should use the burst token: %v", err)
	}
	_, err := c.ListProjects(context.Background())
	if !domain.IsKind(err, domain.KindRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if hits != 1 {
		t.Fatalf("refused calls must not reach the server, got %d hits", hits)
	}
	if !strings.Contains(err.Error(), "admit") {
		t.Errorf("expected admission error, got %v", err)
	}
}
