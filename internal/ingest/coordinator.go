// Package ingest applies normalized observations to storage: reconcile
// against the stored record, re-score, and upsert, with a per-identifier
// critical section so concurrent observations of the same CVE never
// interleave their read-merge-write sequence.
package ingest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"biowatch/internal/feed"
	"biowatch/internal/reconcile"
	"biowatch/internal/scoring"
	"biowatch/internal/store"
)

// Coordinator serializes upserts per identifier. Different identifiers
// proceed concurrently without any shared lock.
type Coordinator struct {
	store  store.Store
	engine *scoring.Engine

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCoordinator(st store.Store, engine *scoring.Engine) *Coordinator {
	return &Coordinator{
		store:  st,
		engine: engine,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (c *Coordinator) lockFor(cveID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[cveID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[cveID] = l
	}
	return l
}

// Apply folds one observation into storage under the identifier's critical
// section: read the current record, merge, re-score the full tag set, and
// upsert. now anchors the recency rule and enrichment so a batch is
// reproducible.
func (c *Coordinator) Apply(obs feed.Observation, now time.Time) (store.UpsertOutcome, error) {
	l := c.lockFor(obs.CVEID)
	l.Lock()
	defer l.Unlock()

	existing, existingTags, err := c.store.Get(obs.CVEID)
	if err != nil && err != store.ErrNotFound {
		return "", fmt.Errorf("failed to read %s: %w", obs.CVEID, err)
	}
	priorConflict := existingTags != nil && existingTags.Conflict

	res := reconcile.Merge(existing, priorConflict, obs)
	tags := c.engine.Score(&res.Record, res.Conflict, now)
	enrich(&res.Record, &tags, obs, now)

	outcome, err := c.store.Upsert(&res.Record, &tags)
	if err != nil {
		return "", fmt.Errorf("failed to upsert %s: %w", obs.CVEID, err)
	}
	return outcome, nil
}

// enrich derives the plain-language summary and recommended action after
// scoring. Deterministic for a fixed observation and evaluation time.
func enrich(rec *store.Vulnerability, tags *store.TagSet, obs feed.Observation, now time.Time) {
	rec.PlainSummary = Summarize(rec.Description)
	rec.SafeAction = recommendAction(rec, tags, obs, now)
}

const kevActionPrefix = "Follow CISA KEV guidance"

func recommendAction(rec *store.Vulnerability, tags *store.TagSet, obs feed.Observation, now time.Time) string {
	if obs.KnownExploited && !obs.RemediationDue.IsZero() {
		action := fmt.Sprintf("%s; remediate before %s.", kevActionPrefix, obs.RemediationDue.Format("2006-01-02"))
		if obs.RemediationDue.Before(now) {
			action = strings.TrimSuffix(action, ".") + " (overdue)."
		}
		return action
	}
	// A KEV action already on the record outranks the generic fallbacks.
	if strings.HasPrefix(rec.SafeAction, kevActionPrefix) {
		return rec.SafeAction
	}
	switch {
	case rec.AdvisoryURL != "":
		return "Apply vendor guidance/patch per linked advisory."
	case tags.ICS:
		return "Segment affected ICS assets and restrict network access until patched."
	case tags.Medical:
		return "Coordinate with clinical engineering to apply vendor update with patient safety review."
	case tags.BioKeyword:
		return "Review lab controls and update firmware/software per vendor recommendations."
	case tags.HighSeverity:
		return "Prioritize remediation alongside other critical vulnerabilities."
	default:
		return "Review details and assess patch priority."
	}
}

// Summarize trims the description to its first sentence, capped at 280
// characters.
func Summarize(description string) string {
	if description == "" {
		return ""
	}
	summary := strings.ReplaceAll(strings.TrimSpace(description), "\n", " ")
	if idx := strings.Index(summary, ". "); idx >= 0 {
		summary = summary[:idx+1]
	}
	if len(summary) > 280 {
		summary = summary[:280]
	}
	return summary
}
