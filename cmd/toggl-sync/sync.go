package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"toggl-sync/internal/app"
)

func syncCmd() *cobra.Command {
	var (
		once     bool
		daily    bool
		interval time.Duration
		from, to string
		user     string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the local ledger with Toggl",
		Long: `Reconcile the local ledger with Toggl.

Without --user every user with a stored credential is synced.

Examples:
  toggl-sync sync --once --user u1 --from 2025-08-01 --to 2025-08-07
  toggl-sync sync --daily
  toggl-sync sync --interval 15m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			loc := cfg.Location()
			now := time.Now().UTC()
			toTime, err := parseEnd(to, now, loc)
			if err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}
			fromTime, err := parseStart(from, toTime.Add(-24*time.Hour), loc)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}

			application, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer application.Close()

			run := func(ctx context.Context, start, end time.Time) error {
				return runSync(ctx, application, user, start, end)
			}

			if once {
				if err := run(ctx, fromTime, toTime); err != nil {
					return fmt.Errorf("sync failed: %w", err)
				}
				logger.Info("sync completed")
				return nil
			}
			if daily {
				return dailyLoop(ctx, loc, run)
			}
			return periodicLoop(ctx, interval, fromTime, toTime, run)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single sync and exit")
	cmd.Flags().BoolVar(&daily, "daily", false, "Run at local midnight each day (uses SYNC_TZ, default UTC)")
	cmd.Flags().DurationVar(&interval, "interval", 15*time.Minute, "Sync interval when not running once")
	cmd.Flags().StringVar(&from, "from", "", "RFC3339 or YYYY-MM-DD start (default: now - 24h)")
	cmd.Flags().StringVar(&to, "to", "", "RFC3339 or YYYY-MM-DD end, date-only is inclusive (default: now)")
	cmd.Flags().StringVar(&user, "user", "", "Sync only this user")
	return cmd
}

func runSync(ctx context.Context, application *app.App, user string, from, to time.Time) error {
	if user == "" {
		return application.RunAll(ctx, from, to)
	}
	res, err := application.RunOnce(ctx, user, from, to)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
	return err
}

// dailyLoop runs at each local midnight over the day that just ended.
func dailyLoop(ctx context.Context, loc *time.Location, run func(context.Context, time.Time, time.Time) error) error {
	logger.Info("starting daily sync at midnight", slog.String("tz", loc.String()))
	for {
		// Compute next local midnight
		next := nextMidnight(time.Now().In(loc))
		dur := time.Until(next)
		logger.Info("sleeping until next midnight", slog.Time("next", next), slog.Duration("sleep", dur))
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-time.After(dur):
			// Define window as [previous midnight, midnight) in local tz, expressed in UTC
			endUTC := next.UTC()
			startUTC := next.AddDate(0, 0, -1).UTC()
			if err := run(ctx, startUTC, endUTC); err != nil {
				logger.Error("daily sync failed", slog.String("error", err.Error()))
			} else {
				logger.Info("daily sync completed", slog.Time("from", startUTC), slog.Time("to", endUTC))
			}
		}
	}
}

// periodicLoop runs once over [from, to), then every interval over the trailing 24h.
func periodicLoop(ctx context.Context, interval time.Duration, from, to time.Time, run func(context.Context, time.Time, time.Time) error) error {
	if interval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Info("starting periodic sync", slog.Duration("interval", interval))
	// Kick off immediately
	if err := run(ctx, from, to); err != nil {
		logger.Error("initial sync failed", slog.String("error", err.Error()))
	}
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			end := time.Now().UTC()
			start := end.Add(-24 * time.Hour)
			if err := run(ctx, start, end); err != nil {
				logger.Error("periodic sync failed", slog.String("error", err.Error()))
			}
		}
	}
}

// parseStart parses a start boundary that may be RFC3339 or YYYY-MM-DD.
// Date-only form is midnight in loc. If empty, defaultVal is returned.
func parseStart(val string, defaultVal time.Time, loc *time.Location) (time.Time, error) {
	if val == "" {
		return defaultVal, nil
	}
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return t, nil
	}
	d, err := time.ParseInLocation("2006-01-02", val, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD, got %q", val)
	}
	return d, nil
}

// parseEnd parses an end boundary that may be RFC3339 or YYYY-MM-DD.
// Date-only form is treated as inclusive by converting to next-day 00:00 in loc.
// If empty, defaultVal is returned.
func parseEnd(val string, defaultVal time.Time, loc *time.Location) (time.Time, error) {
	if val == "" {
		return defaultVal, nil
	}
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return t, nil
	}
	d, err := time.ParseInLocation("2006-01-02", val, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD, got %q", val)
	}
	return d.AddDate(0, 0, 1), nil
}

// nextMidnight returns the next midnight after t in t's location.
func nextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	// t at or after today's midnight always schedules the following one
	return midnight.AddDate(0, 0, 1)
}
