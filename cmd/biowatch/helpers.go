package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"biowatch/internal/digest"
	"biowatch/internal/ingest"
	"biowatch/internal/notify"
	"biowatch/internal/scoring"
	"biowatch/internal/store"
)

func openStore() (store.Store, error) {
	st, err := store.New(store.Config{
		Type:             viper.GetString("store.type"),
		ConnectionString: viper.GetString("store.dsn"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

// scoringConfig builds the engine configuration, using the stock keyword
// tables unless the config overrides them.
func scoringConfig() scoring.Config {
	cfg := scoring.DefaultConfig()
	if kw := viper.GetStringSlice("scoring.ics_keywords"); len(kw) > 0 {
		cfg.ICSKeywords = kw
	}
	if kw := viper.GetStringSlice("scoring.medical_keywords"); len(kw) > 0 {
		cfg.MedicalKeywords = kw
	}
	if kw := viper.GetStringSlice("scoring.domain_keywords"); len(kw) > 0 {
		cfg.DomainKeywords = kw
	}
	return cfg
}

func digestConfig() digest.Config {
	return digest.Config{
		Lookback:      time.Duration(viper.GetInt("digest.lookback_hours")) * time.Hour,
		DefaultLimit:  viper.GetInt("digest.default_limit"),
		MaxLimit:      viper.GetInt("digest.max_limit"),
		FallbackToTop: viper.GetBool("digest.fallback_to_top"),
	}
}

func newRunner(st store.Store) *ingest.Runner {
	engine := scoring.NewEngine(scoringConfig())
	coordinator := ingest.NewCoordinator(st, engine)
	return ingest.NewRunner(coordinator, viper.GetInt("ingest.workers"))
}

// newNotifier picks the delivery transport: Slack when a token is
// configured, console otherwise (and always for dry runs).
func newNotifier(dryRun bool) (notify.Notifier, error) {
	if dryRun {
		return notify.NewConsoleNotifier(), nil
	}
	token := viper.GetString("slack.bot_token")
	if token == "" {
		token = os.Getenv("SLACK_BOT_TOKEN")
	}
	if token == "" {
		return notify.NewConsoleNotifier(), nil
	}
	return notify.NewSlackNotifier(token)
}
