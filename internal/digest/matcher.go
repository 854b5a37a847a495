// Package digest selects, ranks, and dispatches per-subscriber
// vulnerability digests from stored records and preference profiles.
package digest

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"biowatch/internal/store"
)

// ErrInvalidPreference marks a preference rejected at set time. Invalid
// preferences never reach the matcher.
var ErrInvalidPreference = errors.New("invalid digest preference")

// Config fixes the matcher's windows and bounds.
type Config struct {
	Lookback      time.Duration // window over updated_at
	DefaultLimit  int
	MaxLimit      int  // hard cap regardless of preference
	FallbackToTop bool // unfiltered top records when filters match nothing
}

func DefaultConfig() Config {
	return Config{
		Lookback:      24 * time.Hour,
		DefaultLimit:  10,
		MaxLimit:      25,
		FallbackToTop: true,
	}
}

// Matcher selects and ranks the records a preference qualifies for. It is
// read-only against storage and safe to run concurrently with ingestion.
type Matcher struct {
	store store.Store
	cfg   Config
}

func NewMatcher(st store.Store, cfg Config) *Matcher {
	return &Matcher{store: st, cfg: cfg}
}

// Match returns the ranked records for one preference as of the given time:
// effective filters (preference overrides or none), restricted to the
// lookback window, ordered by relevance score descending, severity
// descending, CVE id ascending, truncated to the effective limit.
func (m *Matcher) Match(pref *store.DigestPreference, asOf time.Time) ([]store.Entry, error) {
	limit := pref.Limit
	if limit <= 0 {
		limit = m.cfg.DefaultLimit
	}
	if limit > m.cfg.MaxLimit {
		limit = m.cfg.MaxLimit
	}

	filters := store.QueryFilters{
		Medical:        pref.Medical,
		ICS:            pref.ICS,
		BioKeyword:     pref.BioKeyword,
		KnownExploited: pref.KnownExploited,
		MinCVSS:        pref.MinCVSS,
		MinScore:       pref.MinScore,
		Since:          asOf.Add(-m.cfg.Lookback),
	}

	entries, err := m.store.Query(filters, limit, 0)
	if err != nil {
		return nil, fmt.Errorf("digest query failed: %w", err)
	}
	if len(entries) == 0 && m.cfg.FallbackToTop {
		// Nothing in the window matched; fall back to the unfiltered top
		// records so the digest is never empty while data exists.
		entries, err = m.store.Query(store.QueryFilters{}, limit, 0)
		if err != nil {
			return nil, fmt.Errorf("digest fallback query failed: %w", err)
		}
	}

	rank(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// rank enforces the deterministic digest order regardless of storage
// backend: relevance score desc, CVSS desc (missing scores last), CVE id
// asc.
func rank(entries []store.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Tags.Score != b.Tags.Score {
			return a.Tags.Score > b.Tags.Score
		}
		ac, bc := -1.0, -1.0
		if a.CVSSBase != nil {
			ac = *a.CVSSBase
		}
		if b.CVSSBase != nil {
			bc = *b.CVSSBase
		}
		if ac != bc {
			return ac > bc
		}
		return a.CVEID < b.CVEID
	})
}

// Due reports whether a preference's delivery time names this tick. A tick
// off the top of the hour never matches; preferences without a delivery
// time follow the default schedule and are not due here.
func Due(pref *store.DigestPreference, at time.Time) bool {
	if pref.DeliveryTime == "" || at.Minute() != 0 {
		return false
	}
	return pref.DeliveryTime == fmt.Sprintf("%02d:00", at.Hour())
}
