package toggl

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"toggl-sync/internal/domain"
)

const (
	DefaultBaseURL     = "https://api.track.toggl.com"
	DefaultPageSize    = 200
	DefaultCallTimeout = 30 * time.Second

	maxBodyBytes = 8 << 20
	createdWith  = "toggl-sync"
)

// Client implements ports.TimeTracker using the Toggl Track API v9. It is the
// single egress point to Toggl: every request is admitted, classified and
// retried here.
type Client struct {
	baseURL     string
	auth        string
	http        *http.Client
	workspace   int64
	log         *slog.Logger
	admission   *Admission
	retry       RetryPolicy
	newTimer    func() backoff.Timer
	pageSize    int
	callTimeout time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithAdmission shares an admission gate between clients.
func WithAdmission(a *Admission) Option { return func(c *Client) { c.admission = a } }

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option { return func(c *Client) { c.retry = p } }

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithPageSize sets the per_page value used by ListEntries.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithCallTimeout bounds each call including retries and backoff.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithTimer supplies the backoff timer, mainly for tests.
func WithTimer(f func() backoff.Timer) Option { return func(c *Client) { c.newTimer = f } }

func NewClient(baseURL, apiToken string, workspaceID int64, log *slog.Logger, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		auth:      base64.StdEncoding.EncodeToString([]byte(apiToken + ":api_token")),
		workspace: workspaceID,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		log:         log,
		retry:       DefaultRetryPolicy(),
		pageSize:    DefaultPageSize,
		callTimeout: DefaultCallTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.admission == nil {
		c.admission = NewAdmission(DefaultRatePerSecond, DefaultBurst, DefaultMaxQueue, DefaultMaxWait)
	}
	return c
}

// Authenticate validates the credential with GET /api/v9/me.
func (c *Client) Authenticate(ctx context.Context) (domain.RemoteUser, error) {
	var me rawMe
	if err := c.call(ctx, "authenticate", http.MethodGet, "/api/v9/me", nil, nil, &me); err != nil {
		return domain.RemoteUser{}, err
	}
	return domain.RemoteUser{
		ID:                 me.ID,
		Email:              me.Email,
		Fullname:           me.Fullname,
		DefaultWorkspaceID: me.DefaultWorkspaceID,
	}, nil
}

// ListEntries fetches one page of entries intersecting window.
// Toggl v9: GET /api/v9/me/time_entries?start_date=...&end_date=...
func (c *Client) ListEntries(ctx context.Context, window domain.SyncWindow, page int) (domain.RemotePage, error) {
	if page < 1 {
		page = 1
	}
	q := url.Values{}
	q.Set("start_date", window.Start.UTC().Format(time.RFC3339))
	q.Set("end_date", window.End.UTC().Format(time.RFC3339))
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(c.pageSize))

	var raw []rawTimeEntry
	if err := c.call(ctx, "list entries", http.MethodGet, "/api/v9/me/time_entries", q, nil, &raw); err != nil {
		return domain.RemotePage{Page: page}, err
	}
	out := domain.RemotePage{Page: page, HasMore: len(raw) >= c.pageSize}
	for _, r := range raw {
		if c.workspace != 0 && r.WorkspaceID != nil && *r.WorkspaceID != c.workspace {
			continue
		}
		out.Entries = append(out.Entries, r.toDomain())
	}
	return out, nil
}

// CreateEntry creates a remote entry in the client's workspace.
func (c *Client) CreateEntry(ctx context.Context, fields domain.RemoteEntryFields) (domain.RemoteEntry, error) {
	body, err := c.payload(fields)
	if err != nil {
		return domain.RemoteEntry{}, err
	}
	var r rawTimeEntry
	path := fmt.Sprintf("/api/v9/workspaces/%d/time_entries", c.workspace)
	if err := c.call(ctx, "create entry", http.MethodPost, path, nil, body, &r); err != nil {
		return domain.RemoteEntry{}, err
	}
	return r.toDomain(), nil
}

// UpdateEntry replaces the mirrored fields of remote entry id.
func (c *Client) UpdateEntry(ctx context.Context, id string, fields domain.RemoteEntryFields) (domain.RemoteEntry, error) {
	entryID, err := remoteID(id)
	if err != nil {
		return domain.RemoteEntry{}, err
	}
	body, err := c.payload(fields)
	if err != nil {
		return domain.RemoteEntry{}, err
	}
	var r rawTimeEntry
	path := fmt.Sprintf("/api/v9/workspaces/%d/time_entries/%d", c.workspace, entryID)
	if err := c.call(ctx, "update entry", http.MethodPut, path, nil, body.forUpdate(), &r); err != nil {
		return domain.RemoteEntry{}, err
	}
	return r.toDomain(), nil
}

// DeleteEntry removes remote entry id.
func (c *Client) DeleteEntry(ctx context.Context, id string) error {
	entryID, err := remoteID(id)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/api/v9/workspaces/%d/time_entries/%d", c.workspace, entryID)
	return c.call(ctx, "delete entry", http.MethodDelete, path, nil, nil, nil)
}

// ListProjects fetches projects accessible to the configured token.
// If a workspace ID is configured, it scopes the request to that workspace.
func (c *Client) ListProjects(ctx context.Context) ([]domain.Project, error) {
	path := "/api/v9/me/projects"
	if c.workspace != 0 {
		path = fmt.Sprintf("/api/v9/workspaces/%d/projects", c.workspace)
	}
	var raw []rawProject
	if err := c.call(ctx, "list projects", http.MethodGet, path, nil, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]domain.Project, 0, len(raw))
	for _, p := range raw {
		out = append(out, domain.Project{
			ID:          strconv.FormatInt(p.ID, 10),
			WorkspaceID: p.WorkspaceID,
			Name:        p.Name,
			Active:      p.Active,
			Private:     p.Private,
			Color:       p.Color,
			ClientID:    p.ClientID,
			At:          p.At,
		})
	}
	return out, nil
}

// call performs one logical request: admission, classification and bounded
// retries. Malformed 2xx bodies are retried once, then surface as
// domain.KindProtocol.
func (c *Client) call(ctx context.Context, op, method, path string, q url.Values, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return domain.E(domain.KindInvalid, op, fmt.Errorf("marshaling request body: %w", err))
		}
		payload = b
	}

	sched := c.retry.schedule()
	retries := 0
	if c.retry.MaxAttempts > 1 {
		retries = c.retry.MaxAttempts - 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(sched, uint64(retries)), ctx)

	attempts, malformed := 0, 0
	start := time.Now()
	operation := func() error {
		attempts++
		err := c.attempt(ctx, op, method, u, payload, out)
		if err == nil {
			return nil
		}
		sched.last = domain.KindOf(err)
		if isDecodeError(err) {
			malformed++
			if malformed > 1 {
				return backoff.Permanent(asProtocol(err))
			}
		}
		if !domain.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Debug("toggl request retrying",
			slog.String("op", op),
			slog.Int("attempt", attempts),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}
	var timer backoff.Timer
	if c.newTimer != nil {
		timer = c.newTimer()
	}

	err := backoff.RetryNotifyWithTimer(operation, b, notify, timer)
	if err == nil {
		c.log.Debug("toggl request ok",
			slog.String("op", op),
			slog.Int("attempts", attempts),
			slog.Duration("elapsed", time.Since(start)),
		)
		return nil
	}
	if domain.KindOf(err) == domain.KindUnknown {
		// context expiry while waiting between attempts
		err = domain.E(domain.KindTransient, op, err)
	}
	if isDecodeError(err) && domain.KindOf(err) != domain.KindProtocol {
		err = asProtocol(err)
	}
	c.log.Warn("toggl request failed",
		slog.String("op", op),
		slog.String("kind", domain.KindOf(err).String()),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
	return err
}

func (c *Client) attempt(ctx context.Context, op, method, u string, payload []byte, out any) error {
	if err := c.admission.Admit(ctx); err != nil {
		return err
	}
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return domain.E(domain.KindInvalid, op, err)
	}
	// Basic auth: token:api_token
	req.Header.Set("Authorization", "Basic "+c.auth)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.E(domain.KindTransient, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &domain.Error{Kind: domain.KindTransient, Op: op, Status: resp.StatusCode, Err: err}
	}
	if kind := classify(resp.StatusCode); kind != domain.KindUnknown {
		return &domain.Error{Kind: kind, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("toggl: %s", truncate(string(data), 200))}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &domain.Error{Kind: domain.KindTransient, Op: op, Status: resp.StatusCode, Err: &decodeError{err}}
	}
	return nil
}

func asProtocol(err error) error {
	e := &domain.Error{Kind: domain.KindProtocol, Err: err}
	var de *domain.Error
	if errors.As(err, &de) {
		e.Op, e.Status, e.Err = de.Op, de.Status, de.Err
	}
	return e
}

func (c *Client) payload(f domain.RemoteEntryFields) (rawWriteEntry, error) {
	w := rawWriteEntry{
		CreatedWith: createdWith,
		Description: f.Description,
		Billable:    f.Billable,
		Start:       f.Start.UTC().Truncate(time.Second),
		WorkspaceID: c.workspace,
		Duration:    -1,
	}
	if f.End != nil {
		stop := f.End.UTC().Truncate(time.Second)
		w.Stop = &stop
		w.Duration = int64(stop.Sub(w.Start) / time.Second)
	}
	if f.ProjectID != nil && *f.ProjectID != "" {
		pid, err := strconv.ParseInt(*f.ProjectID, 10, 64)
		if err != nil {
			return w, domain.Errorf(domain.KindInvalid, "encode entry", "project id %q is not numeric", *f.ProjectID)
		}
		w.ProjectID = &pid
	}
	return w, nil
}

func remoteID(id string) (int64, error) {
	v, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, domain.Errorf(domain.KindInvalid, "remote id", "%q is not a toggl entry id", id)
	}
	return v, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
