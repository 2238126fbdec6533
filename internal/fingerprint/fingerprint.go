// Package fingerprint computes content hashes over the mutable, remotely
// mirrored fields of a time entry.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"
	"time"

	"toggl-sync/internal/domain"
)

const (
	// Delimiter separates normalized fields inside the digest input.
	Delimiter = "\x1f"
	// Empty stands in for absent values.
	Empty = ""
)

// Fields is the hashed projection of an entry.
type Fields struct {
	Description       *string
	Start             time.Time
	End               *time.Time
	ExternalProjectID *string
}

// Keyed pairs Fields with the key used in batch results.
type Keyed struct {
	Key    string
	Fields Fields
}

// Of returns the hex SHA-256 fingerprint of f.
func Of(f Fields) string {
	return sum(sha256.New(), &strings.Builder{}, f)
}

// Batch fingerprints every item, reusing one digest. Result[k] equals Of(fields) for
// each item; later duplicates of a key overwrite earlier ones.
func Batch(items []Keyed) map[string]string {
	out := make(map[string]string, len(items))
	h := sha256.New()
	var b strings.Builder
	for _, it := range items {
		out[it.Key] = sum(h, &b, it.Fields)
	}
	return out
}

// OfEntry fingerprints a local entry.
func OfEntry(e domain.TimeEntry) string {
	return Of(Fields{Description: e.Description, Start: e.Start, End: e.End, ExternalProjectID: e.ExternalProjectID})
}

// OfRemote fingerprints a remote entry.
func OfRemote(r domain.RemoteEntry) string {
	return Of(Fields{Description: r.Description, Start: r.Start, End: r.End, ExternalProjectID: r.ProjectID})
}

// OfPush fingerprints a write payload.
func OfPush(f domain.RemoteEntryFields) string {
	return Of(Fields{Description: f.Description, Start: f.Start, End: f.End, ExternalProjectID: f.ProjectID})
}

func sum(h hash.Hash, b *strings.Builder, f Fields) string {
	h.Reset()
	b.Reset()
	b.WriteString(text(f.Description))
	b.WriteString(Delimiter)
	b.WriteString(Timestamp(f.Start))
	b.WriteString(Delimiter)
	if f.End != nil {
		b.WriteString(Timestamp(*f.End))
	} else {
		b.WriteString(Empty)
	}
	b.WriteString(Delimiter)
	b.WriteString(text(f.ExternalProjectID))
	h.Write([]byte(b.String()))
	return hex.EncodeToString(h.Sum(nil))
}

// Timestamp is the canonical textual form: UTC, whole seconds, RFC3339.
func Timestamp(t time.Time) string {
	if t.IsZero() {
		return Empty
	}
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func text(s *string) string {
	if s == nil {
		return Empty
	}
	return strings.TrimSpace(*s)
}
