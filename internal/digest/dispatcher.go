package digest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"biowatch/internal/notify"
	"biowatch/internal/store"
)

// Dispatch lifecycle states. The dispatcher is idle between ticks, matching
// while selecting candidates, and delivering while the transport runs; it
// never retries internally.
const (
	StateIdle       = "idle"
	StateMatching   = "matching"
	StateDelivering = "delivering"
)

// Report counts one dispatch cycle.
type Report struct {
	Due       int `json:"due"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Dispatcher runs digest cycles: find due preferences, match, render, hand
// off to the delivery collaborator.
type Dispatcher struct {
	store    store.Store
	matcher  *Matcher
	notifier notify.Notifier
	cfg      Config
}

func NewDispatcher(st store.Store, matcher *Matcher, notifier notify.Notifier, cfg Config) *Dispatcher {
	return &Dispatcher{store: st, matcher: matcher, notifier: notifier, cfg: cfg}
}

// RunDueAt dispatches digests to every enabled preference due at the tick.
// A tick off the top of the hour is a scheduling mismatch: a silent no-op,
// not an error.
func (d *Dispatcher) RunDueAt(ctx context.Context, at time.Time) (Report, error) {
	if at.Minute() != 0 {
		slog.Debug("digest tick outside delivery window", "at", at)
		return Report{}, nil
	}
	prefs, err := d.store.ListEnabledPreferencesDueAt(at.Hour())
	if err != nil {
		return Report{}, err
	}
	return d.dispatch(ctx, prefs, at), nil
}

// RunAll dispatches digests to every enabled preference regardless of
// delivery time.
func (d *Dispatcher) RunAll(ctx context.Context, at time.Time) (Report, error) {
	prefs, err := d.store.ListEnabledPreferences()
	if err != nil {
		return Report{}, err
	}
	return d.dispatch(ctx, prefs, at), nil
}

// RunDefault delivers one unfiltered digest to a broadcast channel. Used
// for the team-wide daily digest that exists independent of subscriber
// preferences.
func (d *Dispatcher) RunDefault(ctx context.Context, channelID string, at time.Time) error {
	pref := store.DigestPreference{
		ChannelID: channelID,
		Name:      DefaultProfileName,
		Enabled:   true,
	}
	report := d.dispatch(ctx, []store.DigestPreference{pref}, at)
	if report.Failed > 0 {
		return fmt.Errorf("default channel digest failed for %s", channelID)
	}
	return nil
}

// dispatch runs the matching and delivery phases for each preference. A
// failure for one subscriber never blocks the rest; failures are counted
// and reported upward.
func (d *Dispatcher) dispatch(ctx context.Context, prefs []store.DigestPreference, at time.Time) Report {
	report := Report{Due: len(prefs)}
	stats := d.windowStats(at)

	for i := range prefs {
		pref := &prefs[i]
		if ctx.Err() != nil {
			break
		}

		slog.Debug("digest cycle", "state", StateMatching, "subscriber", pref.Subscriber(), "profile", pref.Name)
		entries, err := d.matcher.Match(pref, at)
		if err != nil {
			report.Failed++
			slog.Error("digest matching failed", "subscriber", pref.Subscriber(), "error", err)
			continue
		}

		rc := RenderContext{
			LookbackHours: int(d.cfg.Lookback / time.Hour),
			RecentCount:   stats.recent,
			KEVCount:      stats.kev,
			FilterLabel:   FilterLabel(pref),
			GeneratedAt:   at,
		}
		message := Render(entries, rc)

		slog.Debug("digest cycle", "state", StateDelivering, "subscriber", pref.Subscriber(), "entries", len(entries))
		if err := d.notifier.Send(ctx, pref.Subscriber(), message); err != nil {
			report.Failed++
			slog.Error("digest delivery failed", "subscriber", pref.Subscriber(), "error", err)
			continue
		}
		report.Delivered++
	}

	slog.Info("digest cycle finished", "state", StateIdle,
		"due", report.Due, "delivered", report.Delivered, "failed", report.Failed)
	return report
}

type windowStats struct {
	recent int
	kev    int
}

// windowStats counts the records the lookback window contains, for the
// digest header.
func (d *Dispatcher) windowStats(at time.Time) windowStats {
	entries, err := d.store.Query(store.QueryFilters{Since: at.Add(-d.cfg.Lookback)}, d.cfg.MaxLimit*4, 0)
	if err != nil {
		slog.Warn("failed to compute digest window stats", "error", err)
		return windowStats{}
	}
	var ws windowStats
	ws.recent = len(entries)
	for _, e := range entries {
		if e.Tags.KnownExploited {
			ws.kev++
		}
	}
	return ws
}
