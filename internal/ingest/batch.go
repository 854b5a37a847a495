package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"biowatch/internal/feed"
	"biowatch/internal/store"
)

// Payload is one (source, raw bytes) pair delivered by the fetch
// collaborator.
type Payload struct {
	Adapter feed.SourceAdapter
	Raw     []byte
}

// Report summarizes one ingestion batch.
type Report struct {
	BatchID   string        `json:"batch_id"`
	Inserted  int           `json:"inserted"`
	Unchanged int           `json:"unchanged"`
	Updated   int           `json:"updated"`
	Failed    int           `json:"failed"`
	Malformed int           `json:"malformed"`
	Duration  time.Duration `json:"duration"`
}

// Runner drives a batch: normalize every payload, then reconcile and upsert
// concurrently across identifiers with a bounded worker pool.
type Runner struct {
	coordinator *Coordinator
	workers     int
}

func NewRunner(c *Coordinator, workers int) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{coordinator: c, workers: workers}
}

// Run normalizes the payloads and applies every observation. Malformed
// payloads and per-record storage failures are counted and logged, never
// fatal; cancellation is honored between records so no record is left
// half-written.
func (r *Runner) Run(ctx context.Context, payloads []Payload) Report {
	report := Report{BatchID: uuid.NewString()}
	start := time.Now()
	now := start.UTC()

	var observations []feed.Observation
	for _, p := range payloads {
		obs, err := p.Adapter.Normalize(p.Raw)
		if err != nil {
			report.Malformed++
			slog.Warn("skipping malformed payload", "batch_id", report.BatchID, "source", p.Adapter.Name(), "error", err)
			continue
		}
		observations = append(observations, obs...)
	}

	report = r.apply(ctx, report, observations, now)
	report.Duration = time.Since(start)
	slog.Info("ingestion batch finished",
		"batch_id", report.BatchID,
		"inserted", report.Inserted,
		"updated", report.Updated,
		"unchanged", report.Unchanged,
		"failed", report.Failed,
		"malformed", report.Malformed,
		"duration", report.Duration)
	return report
}

// apply fans identifier groups out over the worker pool. Observations of
// one identifier stay in arrival order on a single worker.
func (r *Runner) apply(ctx context.Context, report Report, observations []feed.Observation, now time.Time) Report {
	groups := groupByIdentifier(observations)

	work := make(chan []feed.Observation)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range work {
				for _, obs := range group {
					// Cooperative cancellation: check between records so a
					// record is never left half-written.
					if ctx.Err() != nil {
						return
					}
					outcome, err := r.coordinator.Apply(obs, now)
					mu.Lock()
					if err != nil {
						report.Failed++
						slog.Error("record upsert failed", "batch_id", report.BatchID, "cve_id", obs.CVEID, "error", err)
					} else {
						switch outcome {
						case store.OutcomeInserted:
							report.Inserted++
						case store.OutcomeUpdated:
							report.Updated++
						case store.OutcomeUnchanged:
							report.Unchanged++
						}
					}
					mu.Unlock()
				}
			}
		}()
	}

	for _, group := range groups {
		if ctx.Err() != nil {
			break
		}
		work <- group
	}
	close(work)
	wg.Wait()
	return report
}

// groupByIdentifier buckets observations by CVE id, preserving arrival
// order within each bucket and first-seen order across buckets.
func groupByIdentifier(observations []feed.Observation) [][]feed.Observation {
	index := make(map[string]int)
	var groups [][]feed.Observation
	for _, obs := range observations {
		i, ok := index[obs.CVEID]
		if !ok {
			i = len(groups)
			index[obs.CVEID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], obs)
	}
	return groups
}
