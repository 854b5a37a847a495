package ingest

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"biowatch/internal/feed"
	"biowatch/internal/scoring"
	"biowatch/internal/store"
)

func newTestCoordinator(t *testing.T) (*Coordinator, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewCoordinator(st, scoring.NewEngine(scoring.DefaultConfig())), st
}

func floatPtr(v float64) *float64 { return &v }

func TestApplyInsertThenUnchanged(t *testing.T) {
	c, st := newTestCoordinator(t)
	now := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

	obs := feed.Observation{
		CVEID:        "CVE-2024-1000",
		Title:        "Pump firmware overflow",
		Description:  "Overflow in the dosing module. Exploitable over the network.",
		CVSSBase:     floatPtr(8.8),
		Published:    now.Add(-48 * time.Hour),
		LastModified: now.Add(-24 * time.Hour),
		Source:       "NVD",
	}

	outcome, err := c.Apply(obs, now)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if outcome != store.OutcomeInserted {
		t.Errorf("outcome = %q, want inserted", outcome)
	}

	// Same observation at the same evaluation time is a no-op.
	outcome, err = c.Apply(obs, now)
	if err != nil {
		t.Fatalf("re-Apply failed: %v", err)
	}
	if outcome != store.OutcomeUnchanged {
		t.Errorf("outcome = %q, want unchanged", outcome)
	}

	rec, tags, err := st.Get("CVE-2024-1000")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.PlainSummary != "Overflow in the dosing module." {
		t.Errorf("PlainSummary = %q", rec.PlainSummary)
	}
	// High severity 1 + recent 1.
	if tags.Score != 2 {
		t.Errorf("Score = %d, want 2", tags.Score)
	}
}

func TestApplyKEVEnrichment(t *testing.T) {
	c, st := newTestCoordinator(t)
	now := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

	first := feed.Observation{
		CVEID:        "CVE-2024-1001",
		Title:        "Controller auth bypass",
		CVSSBase:     floatPtr(9.1),
		Published:    now.Add(-72 * time.Hour),
		LastModified: now.Add(-72 * time.Hour),
		Source:       "NVD",
	}
	if _, err := c.Apply(first, now); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	kevObs := feed.Observation{
		CVEID:          "CVE-2024-1001",
		KnownExploited: true,
		RemediationDue: now.Add(14 * 24 * time.Hour),
		LastModified:   now.Add(-24 * time.Hour),
		Source:         "KEV",
	}
	outcome, err := c.Apply(kevObs, now)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if outcome != store.OutcomeUpdated {
		t.Errorf("outcome = %q, want updated", outcome)
	}

	rec, tags, err := st.Get("CVE-2024-1001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !tags.KnownExploited {
		t.Error("KEV observation must set the known-exploited flag")
	}
	if tags.SourceCount != 2 || tags.Confidence != store.ConfidenceMedium {
		t.Errorf("source_count/confidence = %d/%q", tags.SourceCount, tags.Confidence)
	}
	if !strings.Contains(rec.SafeAction, "CISA KEV") {
		t.Errorf("SafeAction = %q, want KEV guidance", rec.SafeAction)
	}
	if strings.Contains(rec.SafeAction, "overdue") {
		t.Errorf("SafeAction = %q, due date is still in the future", rec.SafeAction)
	}
}

func TestApplyOverdueRemediation(t *testing.T) {
	c, st := newTestCoordinator(t)
	now := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

	obs := feed.Observation{
		CVEID:          "CVE-2024-1002",
		KnownExploited: true,
		RemediationDue: now.Add(-48 * time.Hour),
		LastModified:   now.Add(-24 * time.Hour),
		Source:         "KEV",
	}
	if _, err := c.Apply(obs, now); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	rec, _, err := st.Get("CVE-2024-1002")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !strings.Contains(rec.SafeAction, "(overdue)") {
		t.Errorf("SafeAction = %q, want overdue marker", rec.SafeAction)
	}
}

func TestApplyConflictPersists(t *testing.T) {
	c, st := newTestCoordinator(t)
	now := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

	base := feed.Observation{
		CVEID:        "CVE-2024-1003",
		CVSSBase:     floatPtr(6.0),
		LastModified: now.Add(-72 * time.Hour),
		Source:       "NVD",
	}
	disagreeing := feed.Observation{
		CVEID:        "CVE-2024-1003",
		CVSSBase:     floatPtr(9.0),
		LastModified: now.Add(-48 * time.Hour),
		Source:       "VendorICS",
	}
	if _, err := c.Apply(base, now); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Apply(disagreeing, now); err != nil {
		t.Fatal(err)
	}

	// A later agreeing observation must not clear the recorded conflict.
	agreeing := feed.Observation{
		CVEID:        "CVE-2024-1003",
		CVSSBase:     floatPtr(9.0),
		LastModified: now.Add(-24 * time.Hour),
		Source:       "KEV",
	}
	if _, err := c.Apply(agreeing, now); err != nil {
		t.Fatal(err)
	}

	rec, tags, err := st.Get("CVE-2024-1003")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !tags.Conflict {
		t.Error("conflict flag must persist across later observations")
	}
	if *rec.CVSSBase != 9.0 {
		t.Errorf("CVSSBase = %v, want the higher score", *rec.CVSSBase)
	}
	if tags.Confidence != store.ConfidenceMedium {
		t.Errorf("Confidence = %q, want high downgraded to medium", tags.Confidence)
	}
}

func TestSummarize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"One sentence only", "One sentence only"},
		{"First sentence. Second sentence.", "First sentence."},
		{"Multi\nline text. More.", "Multi line text."},
		{strings.Repeat("a", 300), strings.Repeat("a", 280)},
	}
	for _, c := range cases {
		if got := Summarize(c.in); got != c.want {
			t.Errorf("Summarize(%.20q) = %q, want %q", c.in, got, c.want)
		}
	}
}
