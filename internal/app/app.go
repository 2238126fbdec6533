package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"toggl-sync/internal/adapter/sqlstore"
	tg "toggl-sync/internal/adapter/toggl"
	"toggl-sync/internal/calendar"
	"toggl-sync/internal/config"
	"toggl-sync/internal/credentials"
	"toggl-sync/internal/domain"
	"toggl-sync/internal/mapping"
	"toggl-sync/internal/migrate"
	"toggl-sync/internal/usecase"
)

var (
	// ErrRunInProgress is returned when a run for the same user is already active.
	ErrRunInProgress = errors.New("sync already running")
	// ErrNoCredential is returned when a user has no stored Toggl credential.
	ErrNoCredential = errors.New("no toggl credential for user")
)

// App wires adapters and use cases.
type App struct {
	log          *slog.Logger
	cfg          config.Config
	loc          *time.Location
	store        *sqlstore.Store
	factory      *tg.Factory
	mappings     *mapping.Resolver
	entries      *usecase.EntryService
	reconciler   *usecase.Reconciler
	importer     *calendar.Importer
	calendarHTTP *http.Client

	mu      sync.Mutex
	running map[string]bool
}

// Open connects to the configured database and applies pending migrations.
func Open(ctx context.Context, log *slog.Logger, cfg config.Config) (*sqlstore.Store, error) {
	d, err := sqlstore.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sqlstore.Open(ctx, d, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", d, err)
	}
	// Run migrations before opening the store for use
	if err := migrate.Run(ctx, db, d, log); err != nil {
		db.Close()
		return nil, err
	}
	var sealer *credentials.Sealer
	if cfg.Credentials.Passphrase != "" {
		if sealer, err = credentials.NewSealer(cfg.Credentials.Passphrase); err != nil {
			db.Close()
			return nil, err
		}
	} else {
		log.Warn("CREDENTIALS_PASSPHRASE not set; stored credentials are unavailable")
	}
	return sqlstore.New(db, d, log, sealer), nil
}

// New builds the application. opts are applied to every Toggl client.
func New(ctx context.Context, log *slog.Logger, cfg config.Config, opts ...tg.Option) (*App, error) {
	store, err := Open(ctx, log, cfg)
	if err != nil {
		return nil, err
	}

	admission := tg.NewAdmission(cfg.Toggl.RateLimit, cfg.Toggl.Burst, cfg.Toggl.MaxQueue, cfg.Toggl.MaxWait)
	clientOpts := append([]tg.Option{
		tg.WithPageSize(cfg.Toggl.PageSize),
		tg.WithCallTimeout(cfg.Toggl.CallTimeout),
	}, opts...)
	factory := tg.NewFactory(store, tg.NewClientCache(cfg.Toggl.ClientTTL), cfg.Toggl.BaseURL, admission, log, clientOpts...)

	resolver := mapping.New(log, store, store)
	a := &App{
		log:      log,
		cfg:      cfg,
		loc:      cfg.Location(),
		store:    store,
		factory:  factory,
		mappings: resolver,
		entries: &usecase.EntryService{
			Log:   log,
			Store: store,
			Goals: resolver,
		},
		reconciler: &usecase.Reconciler{
			Log:        log,
			Entries:    store,
			Goals:      resolver,
			Workers:    cfg.Sync.Workers,
			RunTimeout: cfg.Sync.RunTimeout,
			MaxWindow:  cfg.Sync.MaxWindow,
		},
		calendarHTTP: &http.Client{Timeout: cfg.Toggl.CallTimeout},
		running:      make(map[string]bool),
	}
	a.importer = &calendar.Importer{Log: log, Ledger: a.entries}
	return a, nil
}

func (a *App) Close() error { return a.store.Close() }

func (a *App) Mappings() *mapping.Resolver     { return a.mappings }
func (a *App) Entries() *usecase.EntryService { return a.entries }
func (a *App) Location() *time.Location       { return a.loc }

// RunOnce reconciles [from, to) for userID. Runs for the same user never overlap.
func (a *App) RunOnce(ctx context.Context, userID string, from, to time.Time) (domain.RunResult, error) {
	if !a.acquire(userID) {
		return domain.RunResult{Failures: []domain.Failure{}}, ErrRunInProgress
	}
	defer a.release(userID)

	tracker, err := a.factory.ForUser(ctx, userID)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return domain.RunResult{Failures: []domain.Failure{}}, fmt.Errorf("%w %s", ErrNoCredential, userID)
		}
		return domain.RunResult{Failures: []domain.Failure{}}, err
	}
	return a.reconciler.Run(ctx, tracker, domain.SyncWindow{UserID: userID, Start: from, End: to})
}

// RunAll runs every user with a stored credential, one after another.
func (a *App) RunAll(ctx context.Context, from, to time.Time) error {
	users, err := a.store.CredentialUsers(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, u := range users {
		if _, err := a.RunOnce(ctx, u, from, to); err != nil {
			a.log.Error("sync failed", slog.String("user", u), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("user %s: %w", u, err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

func (a *App) acquire(userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running[userID] {
		return false
	}
	a.running[userID] = true
	return true
}

func (a *App) release(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.running, userID)
}

// Projects lists userID's remote projects.
func (a *App) Projects(ctx context.Context, userID string) ([]domain.Project, error) {
	tracker, err := a.factory.ForUser(ctx, userID)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return nil, fmt.Errorf("%w %s", ErrNoCredential, userID)
		}
		return nil, err
	}
	return tracker.ListProjects(ctx)
}

// SetCredential verifies cred against Toggl and stores it. A zero workspace
// is replaced by the account's default workspace.
func (a *App) SetCredential(ctx context.Context, cred domain.Credential) (domain.RemoteUser, error) {
	me, err := a.factory.ForCredential(cred).Authenticate(ctx)
	if err != nil {
		return me, err
	}
	if cred.WorkspaceID == 0 {
		cred.WorkspaceID = me.DefaultWorkspaceID
	}
	if err := a.store.PutCredential(ctx, cred); err != nil {
		return me, err
	}
	a.log.Info("credential stored", slog.String("user", cred.UserID), slog.Int64("workspace_id", cred.WorkspaceID))
	return me, nil
}

// PutGoal records a goal in the local ownership table.
func (a *App) PutGoal(ctx context.Context, g sqlstore.Goal) error {
	return a.store.PutGoal(ctx, g)
}

// ImportCalendar fetches source and stores its events in [from, to) for userID.
func (a *App) ImportCalendar(ctx context.Context, userID, source string, from, to time.Time) (calendar.ImportResult, error) {
	events, err := calendar.Fetch(ctx, a.calendarHTTP, source, from, to)
	if err != nil {
		return calendar.ImportResult{}, err
	}
	return a.importer.Import(ctx, userID, events)
}
