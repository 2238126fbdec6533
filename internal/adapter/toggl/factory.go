package toggl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"toggl-sync/internal/domain"
	"toggl-sync/internal/ports"
)

// ClientCache holds constructed clients keyed by credential identity.
type ClientCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	clients map[string]cachedClient
}

type cachedClient struct {
	client    *Client
	expiresAt time.Time
}

func NewClientCache(ttl time.Duration) *ClientCache {
	return &ClientCache{ttl: ttl, now: time.Now, clients: make(map[string]cachedClient)}
}

// CacheKey identifies a credential without retaining the token itself.
func CacheKey(c domain.Credential) string {
	sum := sha256.Sum256([]byte(c.APIToken + "\x00" + strconv.FormatInt(c.WorkspaceID, 10)))
	return hex.EncodeToString(sum[:])
}

func (c *ClientCache) Get(key string) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc, ok := c.clients[key]
	if !ok {
		return nil
	}
	if c.ttl > 0 && c.now().After(cc.expiresAt) {
		delete(c.clients, key)
		return nil
	}
	return cc.client
}

func (c *ClientCache) Put(key string, client *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[key] = cachedClient{client: client, expiresAt: c.now().Add(c.ttl)}
}

func (c *ClientCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, key)
}

func (c *ClientCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// Factory builds per-user clients from stored credentials. All clients it
// builds share one Admission, so the process never exceeds the remote ceiling.
type Factory struct {
	creds   ports.CredentialStore
	cache   *ClientCache
	baseURL string
	log     *slog.Logger
	opts    []Option
}

// NewFactory returns a factory. cache may be nil to disable caching.
func NewFactory(creds ports.CredentialStore, cache *ClientCache, baseURL string, admission *Admission, log *slog.Logger, opts ...Option) *Factory {
	if admission == nil {
		admission = NewAdmission(DefaultRatePerSecond, DefaultBurst, DefaultMaxQueue, DefaultMaxWait)
	}
	return &Factory{
		creds:   creds,
		cache:   cache,
		baseURL: baseURL,
		log:     log,
		opts:    append([]Option{WithAdmission(admission)}, opts...),
	}
}

// ForUser returns a client bound to userID's credential.
func (f *Factory) ForUser(ctx context.Context, userID string) (ports.TimeTracker, error) {
	cred, err := f.creds.Credential(ctx, userID)
	if err != nil {
		return nil, err
	}
	return f.ForCredential(cred), nil
}

// ForCredential returns a client for cred, reusing a cached one when present.
func (f *Factory) ForCredential(cred domain.Credential) *Client {
	key := CacheKey(cred)
	if f.cache != nil {
		if c := f.cache.Get(key); c != nil {
			return c
		}
	}
	c := NewClient(f.baseURL, cred.APIToken, cred.WorkspaceID, f.log, f.opts...)
	if f.cache != nil {
		f.cache.Put(key, c)
	}
	return c
}
