// Package cache stores fetched resources keyed by canonical URL, with
// per-entry expiry, a size-bounded eviction policy and an in-memory hot layer.
package cache

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// QueryTTLKey sets the cache lifetime of the requested page, in seconds.
	QueryTTLKey = "gw_cache_ttl"
	// QueryForeverKey caches the requested page without expiry.
	QueryForeverKey = "gw_cache_forever"
)

// TTL is a cache lifetime in seconds. Negative values mean forever and
// UseDefault selects the store's default lifetime.
type TTL int

const (
	UseDefault TTL = math.MinInt32
	Forever    TTL = -1
)

// Seconds returns a TTL of n seconds.
func Seconds(n int) TTL { return TTL(n) }

func (t TTL) String() string {
	switch {
	case t == UseDefault:
		return "default"
	case t < 0:
		return "forever"
	default:
		return (time.Duration(t) * time.Second).String()
	}
}

// Meta is the metadata stored beside every payload.
type Meta struct {
	URL          string    `json:"url"`
	ContentType  string    `json:"content_type,omitempty"`
	Size         int64     `json:"size"`
	StoredAt     time.Time `json:"stored_at"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	AccessedAt   time.Time `json:"accessed_at,omitempty"`
	Hits         int64     `json:"hits,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	Tag          string    `json:"tag,omitempty"`
}

// Expired reports whether the entry is expired at now. A zero ExpiresAt
// never expires.
func (m Meta) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// Forever reports whether the entry has no expiry.
func (m Meta) Forever() bool { return m.ExpiresAt.IsZero() }

func encodeMeta(m Meta) ([]byte, error) { return json.Marshal(m) }

func decodeMeta(b []byte) (Meta, error) {
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, fmt.Errorf("decode meta: %w", err)
	}
	return m, nil
}

// Entry is a cached payload with its metadata.
type Entry struct {
	Meta
	Data []byte
}

// KeyFor canonicalizes u into a cache key: fragment, userinfo and query are
// dropped, scheme and host are lower-cased.
func KeyFor(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	c.User = nil
	c.RawQuery = ""
	c.ForceQuery = false
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	return c.String()
}

// QueryTTL returns the lifetime forced by the request query, if any. The
// forever marker wins over an explicit number of seconds, which must be a
// positive integer.
func QueryTTL(q url.Values) (TTL, bool) {
	if _, ok := q[QueryForeverKey]; ok {
		return Forever, true
	}
	if v := q.Get(QueryTTLKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return Seconds(n), true
		}
	}
	return UseDefault, false
}

// StripQueryTTL removes the cache override markers so they are not sent upstream.
func StripQueryTTL(q url.Values) url.Values {
	out := url.Values{}
	for k, v := range q {
		if k == QueryTTLKey || k == QueryForeverKey {
			continue
		}
		out[k] = v
	}
	return out
}

// MetaFromHeaders copies validators and content type from an origin response,
// using prev as fallback for missing fields.
func MetaFromHeaders(h http.Header, prev Meta) Meta {
	m := prev
	m.ETag = first(h, "ETag", prev.ETag)
	m.LastModified = first(h, "Last-Modified", prev.LastModified)
	m.ContentType = first(h, "Content-Type", prev.ContentType)
	return m
}

func first(h http.Header, k, fb string) string {
	if v := h.Get(k); v != "" {
		return v
	}
	return fb
}
