package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"biowatch/internal/feed"
	"biowatch/internal/scoring"
	"biowatch/internal/store"
)

// stubAdapter returns canned observations, or an error when obs is nil.
type stubAdapter struct {
	name string
	obs  []feed.Observation
}

func (a stubAdapter) Name() string { return a.name }

func (a stubAdapter) Normalize(raw []byte) ([]feed.Observation, error) {
	if a.obs == nil {
		return nil, &feed.MalformedRecordError{Source: a.name, Reason: "stub failure"}
	}
	return a.obs, nil
}

func newTestRunner(t *testing.T, workers int) *Runner {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewRunner(NewCoordinator(st, scoring.NewEngine(scoring.DefaultConfig())), workers)
}

func stubObservation(cveID, source string) feed.Observation {
	return feed.Observation{
		CVEID:        cveID,
		Title:        "Stub vulnerability",
		LastModified: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Source:       source,
	}
}

func TestRunCounts(t *testing.T) {
	r := newTestRunner(t, 4)

	payloads := []Payload{
		{Adapter: stubAdapter{name: "A", obs: []feed.Observation{
			stubObservation("CVE-2024-2000", "A"),
			stubObservation("CVE-2024-2001", "A"),
		}}},
		{Adapter: stubAdapter{name: "B", obs: []feed.Observation{
			stubObservation("CVE-2024-2000", "B"),
		}}},
		{Adapter: stubAdapter{name: "C"}},
	}

	report := r.Run(context.Background(), payloads)
	if report.BatchID == "" {
		t.Error("batch id missing")
	}
	if report.Inserted != 2 {
		t.Errorf("Inserted = %d, want 2", report.Inserted)
	}
	// The second source adds itself to CVE-2024-2000.
	if report.Updated != 1 {
		t.Errorf("Updated = %d, want 1", report.Updated)
	}
	if report.Malformed != 1 {
		t.Errorf("Malformed = %d, want 1", report.Malformed)
	}
	if report.Failed != 0 {
		t.Errorf("Failed = %d, want 0", report.Failed)
	}
}

func TestRunIdempotentSecondBatch(t *testing.T) {
	r := newTestRunner(t, 2)
	payloads := []Payload{
		{Adapter: stubAdapter{name: "A", obs: []feed.Observation{
			stubObservation("CVE-2024-2100", "A"),
		}}},
	}

	first := r.Run(context.Background(), payloads)
	if first.Inserted != 1 {
		t.Fatalf("Inserted = %d, want 1", first.Inserted)
	}

	second := r.Run(context.Background(), payloads)
	if second.Unchanged != 1 || second.Inserted != 0 || second.Updated != 0 {
		t.Errorf("second batch = %+v, want all unchanged", second)
	}
}

func TestRunCancelled(t *testing.T) {
	r := newTestRunner(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var obs []feed.Observation
	for i := 0; i < 50; i++ {
		obs = append(obs, stubObservation(fmt.Sprintf("CVE-2024-3%03d", i), "A"))
	}
	report := r.Run(ctx, []Payload{{Adapter: stubAdapter{name: "A", obs: obs}}})
	if report.Inserted+report.Updated+report.Unchanged+report.Failed != 0 {
		t.Errorf("cancelled batch applied records: %+v", report)
	}
}

func TestGroupByIdentifier(t *testing.T) {
	groups := groupByIdentifier([]feed.Observation{
		stubObservation("CVE-1", "A"),
		stubObservation("CVE-2", "A"),
		stubObservation("CVE-1", "B"),
	})
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if len(groups[0]) != 2 || groups[0][0].Source != "A" || groups[0][1].Source != "B" {
		t.Errorf("group 0 = %+v, arrival order lost", groups[0])
	}
}
