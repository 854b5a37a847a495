package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"biowatch/internal/feed"
	"biowatch/internal/ingest"
)

var (
	ingestJSON     bool
	ingestLookback int
	ingestTimeout  time.Duration
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch all enabled feeds and run one ingestion batch",
	Long: `Fetches the enabled vulnerability sources (NVD, CISA KEV, vendor RSS
feeds), normalizes every record, reconciles against the stored corpus,
scores for bio-industry relevance, and writes the results to storage.

A source that fails to fetch is logged and skipped; the batch still runs
over whatever was retrieved.`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().BoolVar(&ingestJSON, "json", false, "Print the batch report as JSON")
	ingestCmd.Flags().IntVar(&ingestLookback, "lookback-days", 0, "Override the NVD lookback window in days")
	ingestCmd.Flags().DurationVar(&ingestTimeout, "timeout", 10*time.Minute, "Overall fetch+ingest deadline")
}

func runIngest(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), ingestTimeout)
	defer cancel()

	payloads := fetchPayloads(ctx)
	if len(payloads) == 0 {
		return fmt.Errorf("no feed payloads retrieved; check network and feed configuration")
	}

	report := newRunner(st).Run(ctx, payloads)

	if ingestJSON {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(out))
		return nil
	}

	cmd.Printf("Batch %s finished in %s\n", report.BatchID, report.Duration.Round(time.Millisecond))
	cmd.Printf("  inserted:  %d\n", report.Inserted)
	cmd.Printf("  updated:   %d\n", report.Updated)
	cmd.Printf("  unchanged: %d\n", report.Unchanged)
	cmd.Printf("  failed:    %d\n", report.Failed)
	cmd.Printf("  malformed: %d\n", report.Malformed)
	return nil
}

// fetchPayloads retrieves raw bytes from every enabled source. Fetch
// failures are logged per source and never abort the batch.
func fetchPayloads(ctx context.Context) []ingest.Payload {
	var payloads []ingest.Payload

	lookbackDays := viper.GetInt("fetch.lookback_days")
	if ingestLookback > 0 {
		lookbackDays = ingestLookback
	}
	since := time.Now().UTC().AddDate(0, 0, -lookbackDays)

	if viper.GetBool("fetch.nvd_enabled") {
		client := feed.NewNVDClient(viper.GetString("nvd.api_key"))
		raw, err := client.Fetch(ctx, since)
		if err != nil {
			slog.Error("NVD fetch failed", "error", err)
		} else {
			payloads = append(payloads, ingest.Payload{Adapter: feed.NVDAdapter{}, Raw: raw})
		}
	}

	if viper.GetBool("fetch.kev_enabled") {
		raw, err := feed.NewKEVClient().Fetch(ctx)
		if err != nil {
			slog.Error("KEV fetch failed", "error", err)
		} else {
			payloads = append(payloads, ingest.Payload{Adapter: feed.KEVAdapter{}, Raw: raw})
		}
	}

	for _, f := range rssFeeds() {
		raw, err := feed.NewRSSClient(f.url).Fetch(ctx)
		if err != nil {
			slog.Error("RSS fetch failed", "feed", f.name, "error", err)
			continue
		}
		payloads = append(payloads, ingest.Payload{Adapter: feed.RSSAdapter{SourceName: f.name}, Raw: raw})
	}

	return payloads
}

type rssFeed struct {
	name string
	url  string
}

// rssFeeds reads the configured vendor feeds. Each entry is a map with
// "name" and "url" keys; entries missing either are skipped.
func rssFeeds() []rssFeed {
	var feeds []rssFeed
	entries, _ := viper.Get("fetch.feeds").([]interface{})
	for _, entry := range entries {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		url, _ := m["url"].(string)
		if name == "" || url == "" {
			slog.Warn("skipping malformed feed entry", "entry", entry)
			continue
		}
		feeds = append(feeds, rssFeed{name: name, url: url})
	}
	return feeds
}
