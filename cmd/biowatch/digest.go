package main

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"biowatch/internal/digest"
)

var (
	digestAll    bool
	digestDryRun bool
)

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Manage digest delivery",
}

var digestRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one digest dispatch cycle",
	Long: `Matches stored vulnerabilities against enabled digest preferences and
delivers the rendered digests.

Without --all, only preferences whose delivery time matches the current
top-of-hour are dispatched; off the hour this is a no-op. With --all,
every enabled preference is dispatched regardless of delivery time.`,
	RunE: runDigest,
}

func init() {
	rootCmd.AddCommand(digestCmd)
	digestCmd.AddCommand(digestRunCmd)
	digestRunCmd.Flags().BoolVar(&digestAll, "all", false, "Dispatch every enabled preference, ignoring delivery times")
	digestRunCmd.Flags().BoolVar(&digestDryRun, "dry-run", false, "Print digests to the console instead of delivering")
}

func runDigest(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	notifier, err := newNotifier(digestDryRun)
	if err != nil {
		return err
	}

	cfg := digestConfig()
	dispatcher := digest.NewDispatcher(st, digest.NewMatcher(st, cfg), notifier, cfg)

	now := time.Now()
	var report digest.Report
	if digestAll {
		report, err = dispatcher.RunAll(cmd.Context(), now)
	} else {
		report, err = dispatcher.RunDueAt(cmd.Context(), now)
	}
	if err != nil {
		return err
	}

	if channel := viper.GetString("digest.default_channel"); channel != "" {
		due := digestAll || (now.Minute() == 0 && now.Hour() == viper.GetInt("digest.default_hour"))
		if due {
			if err := dispatcher.RunDefault(cmd.Context(), channel, now); err != nil {
				return err
			}
		}
	}

	cmd.Printf("Digest cycle: %d due, %d delivered, %d failed\n", report.Due, report.Delivered, report.Failed)
	return nil
}
