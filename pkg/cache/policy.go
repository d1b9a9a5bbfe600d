package cache

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Policy selects which entries are evicted when the size limit is reached.
type Policy string

const (
	LeastRecentlyStored Policy = "least-recently-stored"
	LeastRecentlyUsed   Policy = "least-recently-used"
	LeastFrequentlyUsed Policy = "least-frequently-used"
	NoEviction          Policy = "none"
)

// ParsePolicy validates an eviction policy name. The empty string selects
// least-recently-stored.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return LeastRecentlyStored, nil
	case LeastRecentlyStored, LeastRecentlyUsed, LeastFrequentlyUsed, NoEviction:
		return p, nil
	default:
		return "", fmt.Errorf("unknown cache eviction policy %q", s)
	}
}

type candidate struct {
	key  string
	meta Meta
}

// order sorts candidates so the first ones are evicted first. Expired
// entries always go before live ones.
func order(p Policy, now time.Time, cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i].meta, cs[j].meta
		ae, be := a.Expired(now), b.Expired(now)
		if ae != be {
			return ae
		}
		switch p {
		case LeastRecentlyUsed:
			return lastUse(a).Before(lastUse(b))
		case LeastFrequentlyUsed:
			if a.Hits != b.Hits {
				return a.Hits < b.Hits
			}
			return a.StoredAt.Before(b.StoredAt)
		default:
			return a.StoredAt.Before(b.StoredAt)
		}
	})
}

func lastUse(m Meta) time.Time {
	if m.AccessedAt.After(m.StoredAt) {
		return m.AccessedAt
	}
	return m.StoredAt
}
