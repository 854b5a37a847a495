// Package scoring derives the relevance score and tag set for a merged
// vulnerability record. Scoring is a pure function of the record, the fixed
// keyword configuration, and the evaluation time: identical input produces
// an identical TagSet.
package scoring

import (
	"sort"
	"strings"
	"time"

	"biowatch/internal/reconcile"
	"biowatch/internal/store"
)

// Point values per rule. The total is capped at Config.MaxScore; boolean
// flags always reflect the raw condition, capped or not.
const (
	pointsKnownExploited = 3
	pointsICS            = 2
	pointsMedical        = 2
	pointsHighSeverity   = 1
	pointsRecent         = 1
	pointsDomainKeyword  = 1
)

// KEVSource is the source name whose presence marks a record as
// known-exploited.
const KEVSource = "KEV"

// Engine scores records against a fixed configuration.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Score computes the full TagSet for a merged record. conflict is the
// reconciliation engine's verdict for this identifier; now anchors the
// recency rule.
func (e *Engine) Score(rec *store.Vulnerability, conflict bool, now time.Time) store.TagSet {
	text := strings.ToLower(strings.Join([]string{
		rec.Title, rec.Description, rec.Vendor, rec.Product,
	}, " "))

	tags := store.TagSet{
		CVEID:       rec.CVEID,
		SourceCount: len(rec.Sources),
		Conflict:    conflict,
		Confidence:  reconcile.Confidence(len(rec.Sources), conflict),
		Notes:       strings.Join(rec.Notes, ","),
		LastSeen:    now.UTC(),
	}

	score := 0
	var categories []string

	for _, src := range rec.Sources {
		if src == KEVSource {
			tags.KnownExploited = true
		}
	}
	if tags.KnownExploited {
		score += pointsKnownExploited
		categories = append(categories, "KEV")
	}

	if matchAny(text, e.cfg.ICSKeywords) {
		tags.ICS = true
		score += pointsICS
		categories = append(categories, "ICS")
	}
	if matchAny(text, e.cfg.MedicalKeywords) {
		tags.Medical = true
		score += pointsMedical
		categories = append(categories, "Medical")
	}
	if rec.CVSSBase != nil && *rec.CVSSBase >= e.cfg.HighSeverityThreshold {
		tags.HighSeverity = true
		score += pointsHighSeverity
		categories = append(categories, "HighSeverity")
	}
	if !rec.Published.IsZero() && now.Sub(rec.Published) <= e.cfg.RecentWindow {
		tags.Recent = true
		score += pointsRecent
		categories = append(categories, "Recent")
	}
	if matchAny(text, e.cfg.DomainKeywords) {
		tags.BioKeyword = true
		score += pointsDomainKeyword
		categories = append(categories, "Bio")
	}

	if rec.Severity != "" {
		categories = append(categories, titleCase(rec.Severity))
	}

	if score > e.cfg.MaxScore {
		score = e.cfg.MaxScore
	}
	tags.Score = score

	sort.Strings(categories)
	tags.Categories = categories
	return tags
}

// matchAny reports whether any keyword appears as a case-insensitive
// substring of text. text must already be lowercased.
func matchAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func titleCase(s string) string {
	s = strings.ToLower(s)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
