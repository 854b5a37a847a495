package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for an identifier.
var ErrNotFound = errors.New("record not found")

// Vulnerability is the merged view of every observation of one CVE.
type Vulnerability struct {
	CVEID        string    `json:"cve_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	CVSSBase     *float64  `json:"cvss_base"`
	CVSSVector   string    `json:"cvss_vector"`
	Severity     string    `json:"severity"`
	Published    time.Time `json:"published"`
	LastModified time.Time `json:"last_modified"`
	Vendor       string    `json:"vendor"`
	Product      string    `json:"product"`
	Sources      []string  `json:"sources"`
	Notes        []string  `json:"notes"`
	AdvisoryURL  string    `json:"advisory_url"`
	PlainSummary string    `json:"plain_summary"`
	SafeAction   string    `json:"safe_action"`

	// UpdatedAt is bumped by the store only when the record materially
	// changed, so digest windows don't re-report untouched records.
	UpdatedAt time.Time `json:"updated_at"`
}

// Confidence reflects source agreement on a record.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// TagSet holds the derived flags and relevance score for one record.
// It is recomputed in full on every upsert, never patched.
type TagSet struct {
	CVEID          string     `json:"cve_id"`
	KnownExploited bool       `json:"kev_flag"`
	ICS            bool       `json:"ics_flag"`
	Medical        bool       `json:"medical_flag"`
	BioKeyword     bool       `json:"bio_keyword_flag"`
	Recent         bool       `json:"recent_flag"`
	HighSeverity   bool       `json:"cvss_high_flag"`
	Score          int        `json:"score"`
	SourceCount    int        `json:"source_count"`
	Confidence     Confidence `json:"confidence"`
	Conflict       bool       `json:"conflict_flag"`
	Categories     []string   `json:"categories"`
	Notes          string     `json:"notes"`
	LastSeen       time.Time  `json:"last_seen"`
}

// Entry pairs a vulnerability with its tag set for query results.
type Entry struct {
	Vulnerability
	Tags TagSet
}

// DigestPreference is one subscriber's digest profile. Exactly one of
// UserID and ChannelID is set. Nil filter fields mean "no constraint".
type DigestPreference struct {
	ID             int64     `json:"id"`
	UserID         string    `json:"user_id"`
	ChannelID      string    `json:"channel_id"`
	Name           string    `json:"name"`
	Medical        *bool     `json:"medical_flag"`
	ICS            *bool     `json:"ics_flag"`
	BioKeyword     *bool     `json:"bio_keyword_flag"`
	KnownExploited *bool     `json:"kev_flag"`
	MinCVSS        *float64  `json:"min_cvss"`
	MinScore       *int      `json:"min_score"`
	Limit          int       `json:"limit"`
	DeliveryTime   string    `json:"delivery_time"` // "HH:00", empty for default schedule
	Enabled        bool      `json:"enabled"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Subscriber returns the delivery target, user taking precedence.
func (p *DigestPreference) Subscriber() string {
	if p.UserID != "" {
		return p.UserID
	}
	return p.ChannelID
}

// UpsertOutcome reports what an upsert actually did.
type UpsertOutcome string

const (
	OutcomeInserted  UpsertOutcome = "inserted"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
)

// QueryFilters narrows query results. Nil/zero fields are ignored.
type QueryFilters struct {
	Medical        *bool
	ICS            *bool
	BioKeyword     *bool
	KnownExploited *bool
	MinCVSS        *float64
	MinScore       *int
	Since          time.Time // lower bound on updated_at
	Search         string    // substring over cve_id, vendor, product, title
}

// Stats summarizes the stored corpus.
type Stats struct {
	Total          int       `json:"total"`
	KnownExploited int       `json:"known_exploited"`
	HighSeverity   int       `json:"high_severity"`
	Conflicts      int       `json:"conflicts"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Store is the storage collaborator: a transactional key-value-by-identifier
// view over vulnerabilities, tag sets, and digest preferences.
type Store interface {
	Close() error

	Get(cveID string) (*Vulnerability, *TagSet, error)
	Upsert(rec *Vulnerability, tags *TagSet) (UpsertOutcome, error)
	Query(f QueryFilters, limit, offset int) ([]Entry, error)
	Stats() (Stats, error)

	GetPreference(userID, channelID, name string) (*DigestPreference, error)
	SetPreference(p *DigestPreference) error
	ListEnabledPreferences() ([]DigestPreference, error)
	ListEnabledPreferencesDueAt(hour int) ([]DigestPreference, error)
}

// recordEqual compares every persisted vulnerability field. UpdatedAt is
// storage bookkeeping and excluded.
func recordEqual(a, b *Vulnerability) bool {
	if a.CVEID != b.CVEID || a.Title != b.Title || a.Description != b.Description ||
		a.CVSSVector != b.CVSSVector || a.Severity != b.Severity ||
		a.Vendor != b.Vendor || a.Product != b.Product ||
		a.AdvisoryURL != b.AdvisoryURL || a.PlainSummary != b.PlainSummary ||
		a.SafeAction != b.SafeAction {
		return false
	}
	if (a.CVSSBase == nil) != (b.CVSSBase == nil) {
		return false
	}
	if a.CVSSBase != nil && *a.CVSSBase != *b.CVSSBase {
		return false
	}
	if !a.Published.Equal(b.Published) || !a.LastModified.Equal(b.LastModified) {
		return false
	}
	return stringSlicesEqual(a.Sources, b.Sources) && stringSlicesEqual(a.Notes, b.Notes)
}

// tagsEqual compares every derived tag field. LastSeen is bumped on every
// touch and excluded.
func tagsEqual(a, b *TagSet) bool {
	return a.CVEID == b.CVEID &&
		a.KnownExploited == b.KnownExploited &&
		a.ICS == b.ICS &&
		a.Medical == b.Medical &&
		a.BioKeyword == b.BioKeyword &&
		a.Recent == b.Recent &&
		a.HighSeverity == b.HighSeverity &&
		a.Score == b.Score &&
		a.SourceCount == b.SourceCount &&
		a.Confidence == b.Confidence &&
		a.Conflict == b.Conflict &&
		a.Notes == b.Notes &&
		stringSlicesEqual(a.Categories, b.Categories)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
