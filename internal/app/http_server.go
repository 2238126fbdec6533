package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"toggl-sync/internal/domain"
	"toggl-sync/internal/mapping"
	"toggl-sync/internal/usecase"
)

// UserHeader carries the caller identity set by the upstream auth layer.
const UserHeader = "X-User-ID"

// HTTPServer returns a configured http.Server exposing sync, mapping and entry endpoints.
// Call ListenAndServe on the returned server in a goroutine and Shutdown it on exit.
func (a *App) HTTPServer(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}
	a.log.Info("http server configured", slog.String("addr", addr))
	return srv
}

// Handler builds the echo router.
func (a *App) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = a.errorHandler

	e.Use(loggingMiddleware(a.log))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	api := e.Group("")
	api.Use(requireUser)

	api.POST("/sync/run", a.handleSyncRun)

	api.GET("/mappings", a.handleListMappings)
	api.POST("/mappings", a.handleCreateMapping)
	api.PUT("/mappings/:id", a.handleUpdateMapping)
	api.DELETE("/mappings/:id", a.handleDeleteMapping)

	api.GET("/entries", a.handleListEntries)
	api.GET("/entries/summary", a.handleSummary)
	api.POST("/entries", a.handleCreateEntry)
	api.GET("/entries/:id", a.handleGetEntry)
	api.PATCH("/entries/:id", a.handleEditEntry)
	api.DELETE("/entries/:id", a.handleDeleteEntry)
	api.POST("/entries/:id/push", a.handlePushEntry)
	api.POST("/entries/:id/resolve", a.handleResolveEntry)

	api.GET("/projects", a.handleProjects)
	return e
}

// loggingMiddleware provides basic request logging.
func loggingMiddleware(log *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req, res := c.Request(), c.Response()
			log.Info("http request",
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.String("remote", req.RemoteAddr),
				slog.Int("status", res.Status),
				slog.Duration("dur", time.Since(start)),
			)
			return nil
		}
	}
}

func requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		user := strings.TrimSpace(c.Request().Header.Get(UserHeader))
		if user == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, UserHeader+" header required")
		}
		c.Set("user_id", user)
		return next(c)
	}
}

func userID(c echo.Context) string {
	s, _ := c.Get("user_id").(string)
	return s
}

// checkBodyUser rejects a body userId that names someone other than the caller.
func checkBodyUser(c echo.Context, bodyUser string) error {
	if bodyUser != "" && bodyUser != userID(c) {
		return echo.NewHTTPError(http.StatusForbidden, "userId does not match caller")
	}
	return nil
}

// errorHandler renders domain errors with the status their kind implies.
func (a *App) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, msg := statusFor(err)
	if status >= 500 {
		a.log.Error("request failed",
			slog.String("path", c.Request().URL.Path),
			slog.String("error", err.Error()),
		)
	}
	_ = c.JSON(status, map[string]string{"error": msg})
}

func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, fmt.Sprint(he.Message)
	}
	switch {
	case errors.Is(err, ErrRunInProgress):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ErrNoCredential):
		return http.StatusPreconditionFailed, err.Error()
	}
	switch domain.KindOf(err) {
	case domain.KindInvalid:
		return http.StatusBadRequest, err.Error()
	case domain.KindNotFound:
		return http.StatusNotFound, err.Error()
	case domain.KindConflict, domain.KindStale:
		return http.StatusConflict, err.Error()
	case domain.KindAuth, domain.KindProtocol, domain.KindTransient, domain.KindRejected:
		return http.StatusBadGateway, err.Error()
	case domain.KindRateLimited:
		return http.StatusTooManyRequests, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

type syncRunRequest struct {
	UserID    string `json:"userId"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

// POST /sync/run {userId, startDate, endDate}
// Dates accept RFC3339 or YYYY-MM-DD. If omitted, defaults to [now-24h, now].
func (a *App) handleSyncRun(c echo.Context) error {
	var req syncRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := checkBodyUser(c, req.UserID); err != nil {
		return err
	}

	now := time.Now().UTC()
	to, err := parseEndHTTP(req.EndDate, now, a.loc)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "endDate: "+err.Error())
	}
	from, err := parseStartHTTP(req.StartDate, to.Add(-24*time.Hour), a.loc)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "startDate: "+err.Error())
	}

	// Optional timeout override: ?timeout=5m
	ctx := c.Request().Context()
	if tStr := c.QueryParam("timeout"); tStr != "" {
		if d, err := time.ParseDuration(tStr); err == nil && d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	res, err := a.RunOnce(ctx, userID(c), from, to)
	if err != nil {
		status, msg := statusFor(err)
		return c.JSON(status, map[string]any{"error": msg, "result": res})
	}
	return c.JSON(http.StatusOK, res)
}

func (a *App) handleListMappings(c echo.Context) error {
	list, err := a.mappings.List(c.Request().Context(), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, list)
}

type createMappingRequest struct {
	UserID            string `json:"userId"`
	ExternalProjectID string `json:"externalProjectId"`
	GoalID            string `json:"goalId"`
	IsActive          *bool  `json:"isActive"`
	AutoCategorize    *bool  `json:"autoCategorize"`
}

func (a *App) handleCreateMapping(c echo.Context) error {
	var req createMappingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := checkBodyUser(c, req.UserID); err != nil {
		return err
	}
	m := domain.ProjectGoalMapping{
		UserID:            userID(c),
		ExternalProjectID: req.ExternalProjectID,
		GoalID:            req.GoalID,
		IsActive:          true,
		AutoCategorize:    true,
	}
	if req.IsActive != nil {
		m.IsActive = *req.IsActive
	}
	if req.AutoCategorize != nil {
		m.AutoCategorize = *req.AutoCategorize
	}
	created, err := a.mappings.Create(c.Request().Context(), m)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

func (a *App) handleUpdateMapping(c echo.Context) error {
	var p mapping.Patch
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	m, err := a.mappings.Update(c.Request().Context(), userID(c), c.Param("id"), p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}

func (a *App) handleDeleteMapping(c echo.Context) error {
	if err := a.mappings.Delete(c.Request().Context(), userID(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// rangeParams reads ?from&to, defaulting to the last 7 days.
func (a *App) rangeParams(c echo.Context) (time.Time, time.Time, error) {
	to, err := parseEndHTTP(c.QueryParam("to"), time.Now().UTC(), a.loc)
	if err != nil {
		return time.Time{}, time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "to: "+err.Error())
	}
	from, err := parseStartHTTP(c.QueryParam("from"), to.Add(-7*24*time.Hour), a.loc)
	if err != nil {
		return time.Time{}, time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "from: "+err.Error())
	}
	return from, to, nil
}

func (a *App) handleListEntries(c echo.Context) error {
	from, to, err := a.rangeParams(c)
	if err != nil {
		return err
	}
	list, err := a.entries.List(c.Request().Context(), userID(c), from, to)
	if err != nil {
		return err
	}
	if list == nil {
		list = []domain.TimeEntry{}
	}
	return c.JSON(http.StatusOK, list)
}

func (a *App) handleSummary(c echo.Context) error {
	from, to, err := a.rangeParams(c)
	if err != nil {
		return err
	}
	sum, err := a.entries.Summary(c.Request().Context(), userID(c), from, to)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

func (a *App) handleCreateEntry(c echo.Context) error {
	var in usecase.NewEntry
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := checkBodyUser(c, in.UserID); err != nil {
		return err
	}
	in.UserID = userID(c)
	e, err := a.entries.Create(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, e)
}

func (a *App) handleGetEntry(c echo.Context) error {
	e, err := a.entries.Get(c.Request().Context(), userID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

func (a *App) handleEditEntry(c echo.Context) error {
	var p usecase.EntryPatch
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	e, err := a.entries.Edit(c.Request().Context(), userID(c), c.Param("id"), p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

func (a *App) handleDeleteEntry(c echo.Context) error {
	if err := a.entries.Delete(c.Request().Context(), userID(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *App) handlePushEntry(c echo.Context) error {
	e, err := a.entries.MarkForPush(c.Request().Context(), userID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

func (a *App) handleResolveEntry(c echo.Context) error {
	var req struct {
		Keep usecase.Keep `json:"keep"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	e, err := a.entries.ResolveConflict(c.Request().Context(), userID(c), c.Param("id"), req.Keep)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

func (a *App) handleProjects(c echo.Context) error {
	projects, err := a.Projects(c.Request().Context(), userID(c))
	if err != nil {
		return err
	}
	if projects == nil {
		projects = []domain.Project{}
	}
	return c.JSON(http.StatusOK, projects)
}

// parseStartHTTP parses a start boundary that may be RFC3339 or YYYY-MM-DD.
// Date-only form is midnight in loc. If empty, defaultVal is returned.
func parseStartHTTP(val string, defaultVal time.Time, loc *time.Location) (time.Time, error) {
	if val == "" {
		return defaultVal, nil
	}
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return t, nil
	}
	d, err := time.ParseInLocation("2006-01-02", val, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor YYYY-MM-DD", val)
	}
	return d, nil
}

// parseEndHTTP parses an end boundary that may be RFC3339 or YYYY-MM-DD.
// Date-only form is treated as inclusive by converting to next-day 00:00 in loc.
// If empty, defaultVal is returned.
func parseEndHTTP(val string, defaultVal time.Time, loc *time.Location) (time.Time, error) {
	if val == "" {
		return defaultVal, nil
	}
	if t, err := time.Parse(time.RFC3339, val); err == nil {
		return t, nil
	}
	d, err := time.ParseInLocation("2006-01-02", val, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor YYYY-MM-DD", val)
	}
	return d.AddDate(0, 0, 1), nil
}
