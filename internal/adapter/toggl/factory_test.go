package toggl

import (
	"context"
	"testing"
	"time"

	"toggl-sync/internal/domain"
)

type staticCreds map[string]domain.Credential

func (s staticCreds) Credential(_ context.Context, userID string) (domain.Credential, error) {
	c, ok := s[userID]
	if !ok {
		return domain.Credential{}, domain.Errorf(domain.KindNotFound, "credential", "no credential for %s", userID)
	}
	return c, nil
}

func (s staticCreds) PutCredential(_ context.Context, c domain.Credential) error {
	s[c.UserID] = c
	return nil
}

func TestFactory_CachesByCredentialIdentity(t *testing.T) {
	creds := staticCreds{
		"a": {UserID: "a", APIToken: "t1", WorkspaceID: 1},
		"b": {UserID: "b", APIToken: "t2", WorkspaceID: 1},
	}
	cache := NewClientCache(time.Hour)
	f := NewFactory(creds, cache, "http://example.invalid", nil, testLogger())

	a1, err := f.ForUser(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := f.ForUser(context.Background(), "a")
	b1, _ := f.ForUser(context.Background(), "b")
	if a1 != a2 {
		t.Error("same credential should reuse the cached client")
	}
	if a1 == b1 {
		t.Error("different credentials must not share a client")
	}
	if a1.(*Client).admission != b1.(*Client).admission {
		t.Error("all clients must share one admission gate")
	}
	if cache.Len() != 2 {
		t.Errorf("expected 2 cached clients, got %d", cache.Len())
	}

	if _, err := f.ForUser(context.Background(), "missing"); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestClientCache_Expires(t *testing.T) {
	cache := NewClientCache(time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	c := NewClient("", "t", 1, nil)
	cache.Put("k", c)
	if cache.Get("k") != c {
		t.Fatal("expected cached client")
	}
	now = now.Add(2 * time.Minute)
	if cache.Get("k") != nil {
		t.Fatal("expected expired entry to be dropped")
	}
}

func TestCacheKey_DoesNotLeakToken(t *testing.T) {
	k := CacheKey(domain.Credential{APIToken: "secret-token", WorkspaceID: 3})
	if len(k) != 64 || k == "secret-token" {
		t.Fatalf("unexpected key %q", k)
	}
	if k == CacheKey(domain.Credential{APIToken: "secret-token", WorkspaceID: 4}) {
		t.Fatal("workspace must be part of the identity")
	}
}
