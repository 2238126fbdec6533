package fingerprint

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"toggl-sync/internal/domain"
)

func ptr[T any](v T) *T { return &v }

func TestOf_DeterministicAcrossRepresentations(t *testing.T) {
	start := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	a := Fields{Description: ptr("Design review"), Start: start, End: &end, ExternalProjectID: ptr("p1")}
	b := Fields{
		ExternalProjectID: ptr("p1"),
		End:               ptr(end.In(berlin).Add(300 * time.Millisecond)),
		Start:             start.In(berlin),
		Description:       ptr("  Design review\n"),
	}
	if Of(a) != Of(a) {
		t.Fatal("fingerprint not stable across calls")
	}
	if Of(a) != Of(b) {
		t.Fatalf("logically identical fields hashed differently: %s vs %s", Of(a), Of(b))
	}
}

func TestOf_NilEqualsEmpty(t *testing.T) {
	start := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	if Of(Fields{Start: start}) != Of(Fields{Start: start, Description: ptr(""), ExternalProjectID: ptr("")}) {
		t.Fatal("nil and empty values should normalize to the same sentinel")
	}
}

func TestOf_SensitiveToEachField(t *testing.T) {
	start := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	base := Fields{Description: ptr("a"), Start: start, End: &end, ExternalProjectID: ptr("p1")}
	variants := map[string]Fields{
		"description": {Description: ptr("b"), Start: start, End: &end, ExternalProjectID: ptr("p1")},
		"start":       {Description: ptr("a"), Start: start.Add(time.Second), End: &end, ExternalProjectID: ptr("p1")},
		"end":         {Description: ptr("a"), Start: start, End: ptr(end.Add(time.Minute)), ExternalProjectID: ptr("p1")},
		"open":        {Description: ptr("a"), Start: start, ExternalProjectID: ptr("p1")},
		"project":     {Description: ptr("a"), Start: start, End: &end, ExternalProjectID: ptr("p2")},
	}
	for name, v := range variants {
		if Of(v) == Of(base) {
			t.Errorf("changing %s did not change the fingerprint", name)
		}
	}
}

func TestOf_DelimiterPreventsFieldBleed(t *testing.T) {
	start := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	a := Fields{Description: ptr("ab"), Start: start, ExternalProjectID: ptr("c")}
	b := Fields{Description: ptr("a"), Start: start, ExternalProjectID: ptr("bc")}
	if Of(a) == Of(b) {
		t.Fatal("fields bled into each other")
	}
}

func TestBatch_MatchesSingle(t *testing.T) {
	start := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	var items []Keyed
	for i := 0; i < 50; i++ {
		end := start.Add(time.Duration(i+1) * time.Minute)
		f := Fields{Description: ptr(fmt.Sprintf("task %d", i)), Start: start, End: &end}
		if i%3 == 0 {
			f.End = nil
		}
		if i%2 == 0 {
			f.ExternalProjectID = ptr("p")
		}
		items = append(items, Keyed{Key: fmt.Sprintf("e%d", i), Fields: f})
	}
	got := Batch(items)
	if len(got) != len(items) {
		t.Fatalf("expected %d hashes, got %d", len(items), len(got))
	}
	for _, it := range items {
		if got[it.Key] != Of(it.Fields) {
			t.Errorf("batch[%s] differs from single fingerprint", it.Key)
		}
	}
}

func TestOf_ConcurrentUse(t *testing.T) {
	start := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	f := Fields{Description: ptr("x"), Start: start}
	want := Of(f)
	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := Of(f); got != want {
				errs <- got
			}
		}()
	}
	wg.Wait()
	close(errs)
	for got := range errs {
		t.Errorf("concurrent fingerprint mismatch: %s", got)
	}
}

func TestOfEntryAndRemoteAgree(t *testing.T) {
	start := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	local := domain.TimeEntry{Description: ptr("Design review"), Start: start, End: &end, ExternalProjectID: ptr("p1")}
	remote := domain.RemoteEntry{ID: "ext-1", Description: ptr("Design review"), Start: start, End: &end, ProjectID: ptr("p1")}
	if OfEntry(local) != OfRemote(remote) {
		t.Fatal("local and remote projections of the same content disagree")
	}
	if OfPush(domain.FieldsOf(local)) != OfEntry(local) {
		t.Fatal("push payload fingerprint disagrees with entry fingerprint")
	}
}
