package digest

import (
	"path/filepath"
	"testing"
	"time"

	"biowatch/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }

func putRecord(t *testing.T, s store.Store, cveID string, score int, cvss float64, kev bool) {
	t.Helper()
	rec := &store.Vulnerability{
		CVEID:        cveID,
		Title:        "Test record",
		CVSSBase:     &cvss,
		LastModified: time.Now().UTC(),
	}
	tags := &store.TagSet{
		CVEID:          cveID,
		Score:          score,
		KnownExploited: kev,
		SourceCount:    1,
		Confidence:     store.ConfidenceLow,
	}
	if _, err := s.Upsert(rec, tags); err != nil {
		t.Fatalf("upsert %s failed: %v", cveID, err)
	}
}

func TestMatchRankingAndLimit(t *testing.T) {
	s := newTestStore(t)
	putRecord(t, s, "CVE-2024-0001", 3, 5.0, false)
	putRecord(t, s, "CVE-2024-0002", 8, 9.0, true)
	putRecord(t, s, "CVE-2024-0003", 8, 9.5, true)
	putRecord(t, s, "CVE-2024-0004", 1, 2.0, false)

	m := NewMatcher(s, DefaultConfig())
	pref := &store.DigestPreference{UserID: "U1", Name: "default", Limit: 3}

	entries, err := m.Match(pref, time.Now())
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want the limit 3", len(entries))
	}
	want := []string{"CVE-2024-0003", "CVE-2024-0002", "CVE-2024-0001"}
	for i, id := range want {
		if entries[i].CVEID != id {
			t.Errorf("position %d = %s, want %s", i, entries[i].CVEID, id)
		}
	}
}

func TestMatchFilters(t *testing.T) {
	s := newTestStore(t)
	putRecord(t, s, "CVE-2024-0010", 9, 9.8, true)
	putRecord(t, s, "CVE-2024-0011", 4, 6.0, false)

	m := NewMatcher(s, DefaultConfig())
	pref := &store.DigestPreference{UserID: "U1", Name: "kev-only", KnownExploited: boolPtr(true)}

	entries, err := m.Match(pref, time.Now())
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(entries) != 1 || entries[0].CVEID != "CVE-2024-0010" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestMatchFallbackToTop(t *testing.T) {
	s := newTestStore(t)
	putRecord(t, s, "CVE-2024-0020", 6, 7.5, false)

	m := NewMatcher(s, DefaultConfig())
	// Nothing is known-exploited, so the filter matches nothing.
	pref := &store.DigestPreference{UserID: "U1", Name: "kev-only", KnownExploited: boolPtr(true)}

	entries, err := m.Match(pref, time.Now())
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(entries) != 1 || entries[0].CVEID != "CVE-2024-0020" {
		t.Errorf("fallback should return the top records, got %+v", entries)
	}

	cfg := DefaultConfig()
	cfg.FallbackToTop = false
	m = NewMatcher(s, cfg)
	entries, err = m.Match(pref, time.Now())
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("with fallback disabled the result should be empty, got %+v", entries)
	}
}

func TestMatchLimitCapped(t *testing.T) {
	s := newTestStore(t)
	cfg := DefaultConfig()
	cfg.MaxLimit = 2
	putRecord(t, s, "CVE-2024-0030", 5, 7.0, false)
	putRecord(t, s, "CVE-2024-0031", 5, 7.0, false)
	putRecord(t, s, "CVE-2024-0032", 5, 7.0, false)

	m := NewMatcher(s, cfg)
	pref := &store.DigestPreference{UserID: "U1", Name: "default", Limit: 99}
	entries, err := m.Match(pref, time.Now())
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("got %d entries, want the hard cap 2", len(entries))
	}
}

func TestRankMissingCVSSLast(t *testing.T) {
	entries := []store.Entry{
		{Vulnerability: store.Vulnerability{CVEID: "CVE-2"}, Tags: store.TagSet{Score: 5}},
		{Vulnerability: store.Vulnerability{CVEID: "CVE-1", CVSSBase: floatPtr(3.0)}, Tags: store.TagSet{Score: 5}},
	}
	rank(entries)
	if entries[0].CVEID != "CVE-1" {
		t.Errorf("missing CVSS must rank below any present score: %+v", entries)
	}
}

func TestDue(t *testing.T) {
	pref := &store.DigestPreference{DeliveryTime: "09:00"}
	onTheHour := time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)
	offTheHour := time.Date(2024, 6, 10, 9, 30, 0, 0, time.UTC)
	wrongHour := time.Date(2024, 6, 10, 17, 0, 0, 0, time.UTC)

	if !Due(pref, onTheHour) {
		t.Error("matching hour on the hour must be due")
	}
	if Due(pref, offTheHour) {
		t.Error("off the hour must never be due")
	}
	if Due(pref, wrongHour) {
		t.Error("wrong hour must not be due")
	}
	if Due(&store.DigestPreference{}, onTheHour) {
		t.Error("no delivery time means the default schedule, never due here")
	}
}
