// Package reconcile merges per-source observations of the same CVE into a
// single record, resolving field-level conflicts and deriving a confidence
// level from source agreement.
package reconcile

import (
	"math"
	"sort"

	"biowatch/internal/feed"
	"biowatch/internal/store"
)

// ScoreTolerance is the maximum CVSS disagreement between sources that is
// still treated as agreement.
const ScoreTolerance = 0.1

// Result is the outcome of merging one observation into a record.
type Result struct {
	Record   store.Vulnerability
	Conflict bool
}

// Merge folds a new observation into the stored record for its CVE id.
// existing is nil on first sighting; priorConflict carries the conflict
// state already recorded for the identifier. Merge is pure and idempotent:
// applying the same observation twice changes nothing further.
func Merge(existing *store.Vulnerability, priorConflict bool, obs feed.Observation) Result {
	if existing == nil {
		rec := store.Vulnerability{
			CVEID:        obs.CVEID,
			Title:        obs.Title,
			Description:  obs.Description,
			CVSSVector:   obs.CVSSVector,
			Severity:     obs.Severity,
			Published:    obs.Published,
			LastModified: obs.LastModified,
			Vendor:       obs.Vendor,
			Product:      obs.Product,
			AdvisoryURL:  obs.AdvisoryURL,
			Sources:      []string{obs.Source},
		}
		if obs.CVSSBase != nil {
			v := *obs.CVSSBase
			rec.CVSSBase = &v
		}
		if rec.Severity == "" && rec.CVSSBase != nil {
			rec.Severity = feed.SeverityBand(*rec.CVSSBase)
		}
		return Result{Record: rec, Conflict: false}
	}

	rec := *existing
	rec.Sources = append([]string(nil), existing.Sources...)
	rec.Notes = append([]string(nil), existing.Notes...)
	conflict := priorConflict

	// Scalar descriptive fields: newest non-empty value wins, empty never
	// overwrites non-empty.
	rec.Title = preferNew(rec.Title, obs.Title)
	rec.Description = preferNew(rec.Description, obs.Description)
	rec.AdvisoryURL = preferNew(rec.AdvisoryURL, obs.AdvisoryURL)
	rec.CVSSVector = preferNew(rec.CVSSVector, obs.CVSSVector)

	// Vendor/product disagreements are material: flag them, then let the
	// newer observation win like the other scalars.
	if obs.Vendor != "" {
		if rec.Vendor != "" && rec.Vendor != obs.Vendor {
			conflict = true
			rec.Notes = appendNote(rec.Notes, "vendor_conflict")
		}
		rec.Vendor = obs.Vendor
	}
	if obs.Product != "" {
		if rec.Product != "" && rec.Product != obs.Product {
			conflict = true
			rec.Notes = appendNote(rec.Notes, "product_conflict")
		}
		rec.Product = obs.Product
	}

	// Severity score: within tolerance the newer value wins; beyond it the
	// sources disagree, so flag the conflict and keep the higher score.
	if obs.CVSSBase != nil {
		if rec.CVSSBase == nil {
			v := *obs.CVSSBase
			rec.CVSSBase = &v
		} else if math.Abs(*rec.CVSSBase-*obs.CVSSBase) > ScoreTolerance {
			conflict = true
			rec.Notes = appendNote(rec.Notes, "severity_conflict")
			v := math.Max(*rec.CVSSBase, *obs.CVSSBase)
			rec.CVSSBase = &v
		} else {
			v := *obs.CVSSBase
			rec.CVSSBase = &v
		}
	}
	if obs.Severity != "" {
		rec.Severity = obs.Severity
	}
	if rec.CVSSBase != nil {
		if band := feed.SeverityBand(*rec.CVSSBase); band != "" && rec.Severity == "" {
			rec.Severity = band
		}
	}

	// First disclosure wins for published; latest wins for last_modified.
	if !obs.Published.IsZero() && (rec.Published.IsZero() || obs.Published.Before(rec.Published)) {
		rec.Published = obs.Published
	}
	if !obs.LastModified.IsZero() && obs.LastModified.After(rec.LastModified) {
		rec.LastModified = obs.LastModified
	}

	rec.Sources = addSource(rec.Sources, obs.Source)
	if obs.KnownExploited {
		rec.Notes = appendNote(rec.Notes, "kev_enriched")
	}
	return Result{Record: rec, Conflict: conflict}
}

// Confidence derives the trust level from the final source count, with a
// conflict forcing it down one level.
func Confidence(sourceCount int, conflict bool) store.Confidence {
	var level store.Confidence
	switch {
	case sourceCount >= 3:
		level = store.ConfidenceHigh
	case sourceCount == 2:
		level = store.ConfidenceMedium
	default:
		level = store.ConfidenceLow
	}
	if conflict {
		switch level {
		case store.ConfidenceHigh:
			level = store.ConfidenceMedium
		case store.ConfidenceMedium:
			level = store.ConfidenceLow
		}
	}
	return level
}

func preferNew(current, incoming string) string {
	if incoming != "" {
		return incoming
	}
	return current
}

// addSource unions a source name into the sorted, deduplicated source list.
func addSource(sources []string, name string) []string {
	if name == "" {
		return sources
	}
	for _, s := range sources {
		if s == name {
			return sources
		}
	}
	sources = append(sources, name)
	sort.Strings(sources)
	return sources
}

func appendNote(notes []string, note string) []string {
	for _, n := range notes {
		if n == note {
			return notes
		}
	}
	return append(notes, note)
}
