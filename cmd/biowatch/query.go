package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"biowatch/internal/feed"
	"biowatch/internal/store"
)

var (
	queryJSON     bool
	queryLimit    int
	queryKEVOnly  bool
	queryMedical  bool
	queryICS      bool
	queryMinCVSS  float64
	queryMinScore int
	queryHours    int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query the stored vulnerability corpus",
}

var queryTopCmd = &cobra.Command{
	Use:   "top",
	Short: "Show the highest-ranked vulnerabilities",
	RunE:  runQueryTop,
}

var queryRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show vulnerabilities updated within a lookback window",
	RunE:  runQueryRecent,
}

var querySearchCmd = &cobra.Command{
	Use:   "search <term>",
	Short: "Search by CVE id, vendor, product, or title substring",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuerySearch,
}

var queryDetailCmd = &cobra.Command{
	Use:   "detail <cve-id>",
	Short: "Show the full record for one CVE",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueryDetail,
}

var queryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show corpus summary statistics",
	RunE:  runQueryStats,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.AddCommand(queryTopCmd, queryRecentCmd, querySearchCmd, queryDetailCmd, queryStatsCmd)

	queryCmd.PersistentFlags().BoolVar(&queryJSON, "json", false, "Output as JSON")
	queryCmd.PersistentFlags().IntVar(&queryLimit, "limit", 10, "Maximum results to show")
	queryCmd.PersistentFlags().BoolVar(&queryKEVOnly, "kev", false, "Only known-exploited vulnerabilities")
	queryCmd.PersistentFlags().BoolVar(&queryMedical, "medical", false, "Only medical-device matches")
	queryCmd.PersistentFlags().BoolVar(&queryICS, "ics", false, "Only ICS/OT matches")
	queryCmd.PersistentFlags().Float64Var(&queryMinCVSS, "min-cvss", 0, "Minimum CVSS base score")
	queryCmd.PersistentFlags().IntVar(&queryMinScore, "min-score", 0, "Minimum relevance score")
	queryRecentCmd.Flags().IntVar(&queryHours, "hours", 24, "Lookback window in hours")
}

// queryFilters assembles filters from the shared flags. Boolean flags only
// constrain when set; a false flag means "don't care", not "must be false".
func queryFilters() store.QueryFilters {
	f := store.QueryFilters{}
	if queryKEVOnly {
		t := true
		f.KnownExploited = &t
	}
	if queryMedical {
		t := true
		f.Medical = &t
	}
	if queryICS {
		t := true
		f.ICS = &t
	}
	if queryMinCVSS > 0 {
		v := queryMinCVSS
		f.MinCVSS = &v
	}
	if queryMinScore > 0 {
		v := queryMinScore
		f.MinScore = &v
	}
	return f
}

func runQueryTop(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.Query(queryFilters(), queryLimit, 0)
	if err != nil {
		return err
	}
	return printEntries(cmd, entries)
}

func runQueryRecent(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	f := queryFilters()
	f.Since = time.Now().UTC().Add(-time.Duration(queryHours) * time.Hour)
	entries, err := st.Query(f, queryLimit, 0)
	if err != nil {
		return err
	}
	return printEntries(cmd, entries)
}

func runQuerySearch(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	f := queryFilters()
	f.Search = args[0]
	entries, err := st.Query(f, queryLimit, 0)
	if err != nil {
		return err
	}
	return printEntries(cmd, entries)
}

func runQueryDetail(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	cveID := strings.ToUpper(args[0])
	rec, tags, err := st.Get(cveID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no record for %s", cveID)
		}
		return err
	}

	if queryJSON {
		return printJSON(cmd, store.Entry{Vulnerability: *rec, Tags: *tags})
	}

	cmd.Printf("%s  %s\n", rec.CVEID, rec.Title)
	if rec.CVSSBase != nil {
		cmd.Printf("CVSS:        %.1f (%s)\n", *rec.CVSSBase, rec.Severity)
	} else if rec.Severity != "" {
		cmd.Printf("Severity:    %s\n", rec.Severity)
	}
	if rec.Vendor != "" || rec.Product != "" {
		cmd.Printf("Affects:     %s %s\n", rec.Vendor, rec.Product)
	}
	cmd.Printf("Score:       %d (confidence %s)\n", tags.Score, tags.Confidence)
	cmd.Printf("Sources:     %s\n", strings.Join(rec.Sources, ", "))
	if !rec.Published.IsZero() {
		cmd.Printf("Published:   %s\n", rec.Published.Format("2006-01-02"))
	}
	if !rec.LastModified.IsZero() {
		cmd.Printf("Modified:    %s\n", rec.LastModified.Format("2006-01-02"))
	}
	if len(tags.Categories) > 0 {
		cmd.Printf("Categories:  %s\n", strings.Join(tags.Categories, ", "))
	}
	if tags.Conflict {
		cmd.Printf("Conflict:    sources disagree (%s)\n", tags.Notes)
	}
	if rec.PlainSummary != "" {
		cmd.Printf("\n%s\n", rec.PlainSummary)
	}
	if rec.SafeAction != "" {
		cmd.Printf("\nAction: %s\n", rec.SafeAction)
	}
	if rec.AdvisoryURL != "" {
		cmd.Printf("Advisory: %s\n", rec.AdvisoryURL)
	}
	cmd.Printf("Details: %s\n", feed.NVDURL(rec.CVEID))
	return nil
}

func runQueryStats(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats()
	if err != nil {
		return err
	}
	if queryJSON {
		return printJSON(cmd, stats)
	}
	cmd.Printf("Total records:    %d\n", stats.Total)
	cmd.Printf("Known exploited:  %d\n", stats.KnownExploited)
	cmd.Printf("High severity:    %d\n", stats.HighSeverity)
	cmd.Printf("With conflicts:   %d\n", stats.Conflicts)
	if !stats.LastUpdated.IsZero() {
		cmd.Printf("Last updated:     %s\n", stats.LastUpdated.Format(time.RFC3339))
	}
	return nil
}

func printEntries(cmd *cobra.Command, entries []store.Entry) error {
	if queryJSON {
		return printJSON(cmd, entries)
	}
	if len(entries) == 0 {
		cmd.Println("No matching records.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CVE\tSCORE\tCVSS\tSEV\tKEV\tVENDOR\tTITLE")
	for _, e := range entries {
		cvss := "-"
		if e.CVSSBase != nil {
			cvss = fmt.Sprintf("%.1f", *e.CVSSBase)
		}
		kev := ""
		if e.Tags.KnownExploited {
			kev = "yes"
		}
		title := e.Title
		if len(title) > 60 {
			title = title[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			e.CVEID, e.Tags.Score, cvss, e.Severity, kev, e.Vendor, title)
	}
	return w.Flush()
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(out))
	return nil
}
