package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Validate checks the loaded configuration for values the engines cannot
// work with. Called once at command startup.
func Validate() error {
	switch viper.GetString("store.type") {
	case "sqlite", "sqlite3", "postgres", "postgresql", "":
	default:
		return fmt.Errorf("invalid store.type %q (want sqlite or postgres)", viper.GetString("store.type"))
	}

	if d := viper.GetInt("fetch.lookback_days"); d < 1 || d > 120 {
		return fmt.Errorf("fetch.lookback_days must be between 1 and 120, got %d", d)
	}
	if w := viper.GetInt("ingest.workers"); w < 1 || w > 64 {
		return fmt.Errorf("ingest.workers must be between 1 and 64, got %d", w)
	}
	if h := viper.GetInt("digest.lookback_hours"); h < 1 {
		return fmt.Errorf("digest.lookback_hours must be positive, got %d", h)
	}
	if l := viper.GetInt("digest.default_limit"); l < 1 {
		return fmt.Errorf("digest.default_limit must be positive, got %d", l)
	}
	if max, def := viper.GetInt("digest.max_limit"), viper.GetInt("digest.default_limit"); max < def {
		return fmt.Errorf("digest.max_limit (%d) must be at least digest.default_limit (%d)", max, def)
	}
	if h := viper.GetInt("digest.default_hour"); h < 0 || h > 23 {
		return fmt.Errorf("digest.default_hour must be between 0 and 23, got %d", h)
	}
	if p := viper.GetInt("daemon.metrics_port"); p < 0 || p > 65535 {
		return fmt.Errorf("daemon.metrics_port must be a valid port, got %d", p)
	}
	return nil
}
