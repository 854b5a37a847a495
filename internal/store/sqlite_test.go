package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(cveID string, score float64) (*Vulnerability, *TagSet) {
	rec := &Vulnerability{
		CVEID:        cveID,
		Title:        "Test vulnerability",
		Description:  "A description.",
		CVSSBase:     &score,
		Severity:     "HIGH",
		Published:    time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		LastModified: time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC),
		Vendor:       "acme",
		Product:      "widget",
		Sources:      []string{"NVD"},
	}
	tags := &TagSet{
		CVEID:       cveID,
		Score:       5,
		SourceCount: 1,
		Confidence:  ConfidenceLow,
		Categories:  []string{"High"},
	}
	return rec, tags
}

func TestUpsertLifecycle(t *testing.T) {
	s := newTestStore(t)
	rec, tags := testRecord("CVE-2024-0001", 8.1)

	outcome, err := s.Upsert(rec, tags)
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if outcome != OutcomeInserted {
		t.Errorf("outcome = %q, want inserted", outcome)
	}

	// Identical content is a no-op apart from last_seen.
	gotRec, gotTags, err := s.Get("CVE-2024-0001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	firstUpdatedAt := gotRec.UpdatedAt

	outcome, err = s.Upsert(rec, tags)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if outcome != OutcomeUnchanged {
		t.Errorf("outcome = %q, want unchanged", outcome)
	}
	gotRec, _, err = s.Get("CVE-2024-0001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !gotRec.UpdatedAt.Equal(firstUpdatedAt) {
		t.Error("unchanged upsert must not move updated_at")
	}

	// A material change moves updated_at.
	rec.Description = "A better description."
	outcome, err = s.Upsert(rec, tags)
	if err != nil {
		t.Fatalf("third upsert failed: %v", err)
	}
	if outcome != OutcomeUpdated {
		t.Errorf("outcome = %q, want updated", outcome)
	}
	gotRec, gotTags, err = s.Get("CVE-2024-0001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if gotRec.Description != "A better description." {
		t.Errorf("Description = %q", gotRec.Description)
	}
	if !gotRec.UpdatedAt.After(firstUpdatedAt) && !gotRec.UpdatedAt.Equal(firstUpdatedAt) {
		t.Error("updated_at went backwards")
	}
	if gotTags.Score != 5 {
		t.Errorf("Score = %d", gotTags.Score)
	}
}

func TestUpsertTagChangeAlone(t *testing.T) {
	s := newTestStore(t)
	rec, tags := testRecord("CVE-2024-0002", 7.0)

	if _, err := s.Upsert(rec, tags); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	// Recency expiring changes only the tag set; that still counts as a
	// material update.
	tags2 := *tags
	tags2.Recent = false
	tags2.Score = 4
	outcome, err := s.Upsert(rec, &tags2)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if outcome != OutcomeUpdated {
		t.Errorf("outcome = %q, want updated", outcome)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.Get("CVE-0000-0000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestQueryOrdering(t *testing.T) {
	s := newTestStore(t)

	put := func(cveID string, score int, cvss float64) {
		rec, tags := testRecord(cveID, cvss)
		tags.Score = score
		if _, err := s.Upsert(rec, tags); err != nil {
			t.Fatalf("upsert %s failed: %v", cveID, err)
		}
	}
	put("CVE-2024-0300", 5, 6.5)
	put("CVE-2024-0100", 9, 9.8)
	put("CVE-2024-0200", 5, 8.0)
	put("CVE-2024-0201", 5, 8.0)

	entries, err := s.Query(QueryFilters{}, 10, 0)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.CVEID)
	}
	want := []string{"CVE-2024-0100", "CVE-2024-0200", "CVE-2024-0201", "CVE-2024-0300"}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestQueryFilters(t *testing.T) {
	s := newTestStore(t)

	rec1, tags1 := testRecord("CVE-2024-0400", 9.1)
	tags1.KnownExploited = true
	rec2, tags2 := testRecord("CVE-2024-0401", 5.0)
	rec2.Vendor = "globex"
	if _, err := s.Upsert(rec1, tags1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Upsert(rec2, tags2); err != nil {
		t.Fatal(err)
	}

	kev := true
	entries, err := s.Query(QueryFilters{KnownExploited: &kev}, 10, 0)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 || entries[0].CVEID != "CVE-2024-0400" {
		t.Errorf("kev filter returned %+v", entries)
	}

	minCVSS := 8.0
	entries, err = s.Query(QueryFilters{MinCVSS: &minCVSS}, 10, 0)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 || entries[0].CVEID != "CVE-2024-0400" {
		t.Errorf("min cvss filter returned %+v", entries)
	}

	entries, err = s.Query(QueryFilters{Search: "globex"}, 10, 0)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 || entries[0].CVEID != "CVE-2024-0401" {
		t.Errorf("search filter returned %+v", entries)
	}
}

func TestQuerySince(t *testing.T) {
	s := newTestStore(t)
	rec, tags := testRecord("CVE-2024-0500", 7.0)
	if _, err := s.Upsert(rec, tags); err != nil {
		t.Fatal(err)
	}

	entries, err := s.Query(QueryFilters{Since: time.Now().UTC().Add(-time.Hour)}, 10, 0)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("recent window should include the fresh record, got %d", len(entries))
	}

	entries, err = s.Query(QueryFilters{Since: time.Now().UTC().Add(time.Hour)}, 10, 0)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("future window should be empty, got %d", len(entries))
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)

	rec1, tags1 := testRecord("CVE-2024-0600", 9.5)
	tags1.KnownExploited = true
	tags1.HighSeverity = true
	rec2, tags2 := testRecord("CVE-2024-0601", 5.0)
	tags2.Conflict = true
	if _, err := s.Upsert(rec1, tags1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Upsert(rec2, tags2); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 2 || stats.KnownExploited != 1 || stats.HighSeverity != 1 || stats.Conflicts != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.LastUpdated.IsZero() {
		t.Error("LastUpdated should be set")
	}
}

func TestPreferences(t *testing.T) {
	s := newTestStore(t)

	kev := true
	minScore := 5
	p := &DigestPreference{
		UserID:         "U123",
		Name:           "default",
		KnownExploited: &kev,
		MinScore:       &minScore,
		Limit:          15,
		DeliveryTime:   "09:00",
		Enabled:        true,
	}
	if err := s.SetPreference(p); err != nil {
		t.Fatalf("SetPreference failed: %v", err)
	}

	got, err := s.GetPreference("U123", "", "default")
	if err != nil {
		t.Fatalf("GetPreference failed: %v", err)
	}
	if got.KnownExploited == nil || !*got.KnownExploited {
		t.Error("kev filter lost")
	}
	if got.Medical != nil {
		t.Error("unset filter must stay nil")
	}
	if got.MinScore == nil || *got.MinScore != 5 {
		t.Errorf("MinScore = %v", got.MinScore)
	}
	if got.Limit != 15 || got.DeliveryTime != "09:00" {
		t.Errorf("limit/delivery = %d/%q", got.Limit, got.DeliveryTime)
	}

	// Re-setting the same key replaces the row.
	p.Limit = 20
	p.KnownExploited = nil
	if err := s.SetPreference(p); err != nil {
		t.Fatalf("SetPreference update failed: %v", err)
	}
	got, err = s.GetPreference("U123", "", "default")
	if err != nil {
		t.Fatalf("GetPreference failed: %v", err)
	}
	if got.Limit != 20 {
		t.Errorf("Limit = %d, want 20", got.Limit)
	}
	if got.KnownExploited != nil {
		t.Error("cleared filter must come back nil")
	}

	if _, err := s.GetPreference("U999", "", "default"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListEnabledPreferencesDueAt(t *testing.T) {
	s := newTestStore(t)

	put := func(user, name, deliveryTime string, enabled bool) {
		p := &DigestPreference{UserID: user, Name: name, DeliveryTime: deliveryTime, Limit: 10, Enabled: enabled}
		if err := s.SetPreference(p); err != nil {
			t.Fatalf("SetPreference failed: %v", err)
		}
	}
	put("U1", "default", "09:00", true)
	put("U2", "default", "17:00", true)
	put("U3", "default", "09:00", false)
	put("U4", "default", "", true)

	due, err := s.ListEnabledPreferencesDueAt(9)
	if err != nil {
		t.Fatalf("ListEnabledPreferencesDueAt failed: %v", err)
	}
	if len(due) != 1 || due[0].UserID != "U1" {
		t.Errorf("due at 9 = %+v", due)
	}

	all, err := s.ListEnabledPreferences()
	if err != nil {
		t.Fatalf("ListEnabledPreferences failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("enabled count = %d, want 3", len(all))
	}
}
