package feed

import (
	"fmt"
	"regexp"
	"time"
)

// Observation is the normalized, source-agnostic form of a single
// vulnerability report from one feed. Adapters produce Observations;
// reconciliation merges them by CVE id.
type Observation struct {
	CVEID        string    `json:"cve_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	CVSSBase     *float64  `json:"cvss_base"`
	CVSSVector   string    `json:"cvss_vector"`
	Severity     string    `json:"severity"` // "CRITICAL", "HIGH", "MEDIUM", "LOW"
	Published    time.Time `json:"published"`
	LastModified time.Time `json:"last_modified"`
	Vendor       string    `json:"vendor"`
	Product      string    `json:"product"`
	AdvisoryURL  string    `json:"advisory_url"`

	// Known-exploited enrichment (KEV feed only).
	KnownExploited bool      `json:"known_exploited"`
	RemediationDue time.Time `json:"remediation_due"`

	Source     string    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`
}

// SourceAdapter converts one feed's raw payload into Observations.
// Adding a new feed means adding one adapter; nothing downstream changes.
type SourceAdapter interface {
	Name() string
	Normalize(raw []byte) ([]Observation, error)
}

// MalformedRecordError marks a payload record that is missing a required
// field or is otherwise unparsable. The batch skips the record and moves on.
type MalformedRecordError struct {
	Source string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed %s record: %s", e.Source, e.Reason)
}

var cveIDPattern = regexp.MustCompile(`CVE-\d{4}-\d{4,}`)

// SeverityBand maps a CVSS base score to its named band. Thresholds follow
// the CVSS v3 qualitative rating scale.
func SeverityBand(score float64) string {
	switch {
	case score >= 9.0:
		return "CRITICAL"
	case score >= 7.0:
		return "HIGH"
	case score >= 4.0:
		return "MEDIUM"
	case score > 0:
		return "LOW"
	default:
		return ""
	}
}

// validate checks the invariants every adapter must satisfy before an
// observation leaves the normalizer.
func (o *Observation) validate() error {
	if o.CVEID == "" {
		return &MalformedRecordError{Source: o.Source, Reason: "missing CVE id"}
	}
	if o.Published.IsZero() && o.LastModified.IsZero() {
		return &MalformedRecordError{Source: o.Source, Reason: "no usable date"}
	}
	return nil
}
