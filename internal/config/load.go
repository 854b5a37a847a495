package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load initializes the configuration from file and environment variables.
func Load(cfgFile string) {
	// explicit .env loading; missing file is fine
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("BIOWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// Config file is optional; env and defaults cover everything.
	_ = viper.ReadInConfig()
}

func setDefaults() {
	viper.SetDefault("store.type", "sqlite")
	viper.SetDefault("store.dsn", "biowatch.db")

	viper.SetDefault("fetch.lookback_days", 7)
	viper.SetDefault("fetch.nvd_enabled", true)
	viper.SetDefault("fetch.kev_enabled", true)
	viper.SetDefault("fetch.feeds", []string{})

	viper.SetDefault("ingest.workers", 4)

	viper.SetDefault("scoring.ics_keywords", []string{})
	viper.SetDefault("scoring.medical_keywords", []string{})
	viper.SetDefault("scoring.domain_keywords", []string{})

	viper.SetDefault("digest.lookback_hours", 24)
	viper.SetDefault("digest.default_limit", 10)
	viper.SetDefault("digest.max_limit", 25)
	viper.SetDefault("digest.fallback_to_top", true)
	viper.SetDefault("digest.default_channel", "")
	viper.SetDefault("digest.default_hour", 9)

	viper.SetDefault("slack.bot_token", "")
	viper.SetDefault("nvd.api_key", "")

	viper.SetDefault("daemon.ingest_schedule", "0 */6 * * *")
	viper.SetDefault("daemon.metrics_port", 2112)

	viper.SetDefault("verbose", false)
	viper.SetDefault("log_file", "")
}
