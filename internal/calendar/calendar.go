// Package calendar turns iCalendar events into calendar-derived ledger entries.
package calendar

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	ical "github.com/emersion/go-ical"

	"toggl-sync/internal/domain"
	"toggl-sync/internal/usecase"
)

// DefaultFetchTimeout bounds a calendar download when the caller passes no client.
const DefaultFetchTimeout = 30 * time.Second

var defaultClient = &http.Client{Timeout: DefaultFetchTimeout}

// Event represents a parsed calendar event.
type Event struct {
	Summary   string
	StartTime time.Time
	EndTime   time.Time
}

// Fetch retrieves and parses iCalendar events from a URL or file path,
// returning events that overlap with the given time window.
func Fetch(ctx context.Context, client *http.Client, source string, windowStart, windowEnd time.Time) ([]Event, error) {
	var r io.ReadCloser

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		if client == nil {
			client = defaultClient
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching calendar: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("calendar fetch returned status %d", resp.StatusCode)
		}
		r = resp.Body
	} else {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("opening calendar file: %w", err)
		}
		r = f
	}
	defer r.Close()
	return Parse(r, windowStart, windowEnd)
}

// Parse decodes every calendar in r and keeps the events overlapping
// [windowStart, windowEnd). Events without a summary or usable times are skipped.
func Parse(r io.Reader, windowStart, windowEnd time.Time) ([]Event, error) {
	dec := ical.NewDecoder(r)
	var events []Event

	for {
		cal, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing calendar: %w", err)
		}

		for _, component := range cal.Children {
			if component.Name != ical.CompEvent {
				continue
			}
			event := ical.Event{Component: component}

			start, err := event.DateTimeStart(time.UTC)
			if err != nil {
				continue
			}
			end, err := event.DateTimeEnd(time.UTC)
			if err != nil || !end.After(start) {
				continue
			}
			if !start.Before(windowEnd) || !end.After(windowStart) {
				continue
			}
			summary, _ := event.Props.Text(ical.PropSummary)
			summary = strings.TrimSpace(summary)
			if summary == "" {
				continue
			}
			events = append(events, Event{Summary: summary, StartTime: start.UTC(), EndTime: end.UTC()})
		}
	}

	return events, nil
}

// Ledger is the part of the entry service the importer writes through.
type Ledger interface {
	List(ctx context.Context, userID string, from, to time.Time) ([]domain.TimeEntry, error)
	Create(ctx context.Context, in usecase.NewEntry) (domain.TimeEntry, error)
}

// ImportResult counts what an import did.
type ImportResult struct {
	Created    int `json:"created"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

// Importer stores events as calendar_derived entries. Derived entries are
// created synced and are only pushed once a user marks them.
type Importer struct {
	Log    *slog.Logger
	Ledger Ledger
}

// Import writes events for userID, skipping any event whose start, end and
// description already match a stored entry.
func (im *Importer) Import(ctx context.Context, userID string, events []Event) (ImportResult, error) {
	var res ImportResult
	if len(events) == 0 {
		return res, nil
	}
	from, to := events[0].StartTime, events[0].StartTime
	for _, ev := range events[1:] {
		if ev.StartTime.Before(from) {
			from = ev.StartTime
		}
		if ev.StartTime.After(to) {
			to = ev.StartTime
		}
	}
	existing, err := im.Ledger.List(ctx, userID, from, to.Add(time.Second))
	if err != nil {
		return res, err
	}
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		if e.End == nil || e.Description == nil {
			continue
		}
		seen[key(e.Start, *e.End, *e.Description)] = true
	}

	for _, ev := range events {
		k := key(ev.StartTime, ev.EndTime, ev.Summary)
		if seen[k] {
			res.Duplicates++
			continue
		}
		desc, end := ev.Summary, ev.EndTime
		_, err := im.Ledger.Create(ctx, usecase.NewEntry{
			UserID:      userID,
			Description: &desc,
			Start:       ev.StartTime,
			End:         &end,
			Source:      string(domain.SourceCalendar),
		})
		if err != nil {
			if domain.KindOf(err) != domain.KindInvalid {
				return res, err
			}
			im.Log.Warn("calendar event skipped", slog.String("summary", ev.Summary), slog.String("error", err.Error()))
			res.Failed++
			continue
		}
		seen[k] = true
		res.Created++
	}
	im.Log.Info("calendar import complete",
		slog.String("user", userID),
		slog.Int("created", res.Created),
		slog.Int("duplicates", res.Duplicates),
		slog.Int("failed", res.Failed),
	)
	return res, nil
}

func key(start, end time.Time, desc string) string {
	return start.UTC().Truncate(time.Second).Format(time.RFC3339) + "|" +
		end.UTC().Truncate(time.Second).Format(time.RFC3339) + "|" + strings.TrimSpace(desc)
}
