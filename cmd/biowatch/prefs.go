package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"biowatch/internal/digest"
	"biowatch/internal/store"
)

var (
	prefUser     string
	prefChannel  string
	prefName     string
	prefMedical  bool
	prefICS      bool
	prefBio      bool
	prefKEV      bool
	prefMinCVSS  float64
	prefMinScore int
	prefLimit    int
	prefTime     string
	prefDisabled bool
	prefJSON     bool
)

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Manage digest preferences",
}

var prefsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Create or update a digest preference",
	Long: `Creates or updates one digest profile for a user or a channel.
Exactly one of --user and --channel must be given. Filter flags only
constrain when passed on the command line; re-running set with a
different flag set replaces the profile's filters wholesale.

Delivery times are accepted in several forms (09:00, 9am, 5 PM) and
stored on the hour.`,
	RunE: runPrefsSet,
}

var prefsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show one digest preference",
	RunE:  runPrefsShow,
}

var prefsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enabled digest preferences",
	RunE:  runPrefsList,
}

func init() {
	rootCmd.AddCommand(prefsCmd)
	prefsCmd.AddCommand(prefsSetCmd, prefsShowCmd, prefsListCmd)

	prefsCmd.PersistentFlags().StringVar(&prefUser, "user", "", "Slack user id the profile belongs to")
	prefsCmd.PersistentFlags().StringVar(&prefChannel, "channel", "", "Slack channel id the profile belongs to")
	prefsCmd.PersistentFlags().StringVar(&prefName, "name", digest.DefaultProfileName, "Profile name")
	prefsCmd.PersistentFlags().BoolVar(&prefJSON, "json", false, "Output as JSON")

	prefsSetCmd.Flags().BoolVar(&prefMedical, "medical", false, "Only medical-device matches")
	prefsSetCmd.Flags().BoolVar(&prefICS, "ics", false, "Only ICS/OT matches")
	prefsSetCmd.Flags().BoolVar(&prefBio, "bio", false, "Only bio-keyword matches")
	prefsSetCmd.Flags().BoolVar(&prefKEV, "kev", false, "Only known-exploited vulnerabilities")
	prefsSetCmd.Flags().Float64Var(&prefMinCVSS, "min-cvss", 0, "Minimum CVSS base score")
	prefsSetCmd.Flags().IntVar(&prefMinScore, "min-score", 0, "Minimum relevance score")
	prefsSetCmd.Flags().IntVar(&prefLimit, "limit", 0, "Maximum entries per digest (0 uses the default)")
	prefsSetCmd.Flags().StringVar(&prefTime, "time", "", "Delivery time, e.g. 09:00 or 9am")
	prefsSetCmd.Flags().BoolVar(&prefDisabled, "disabled", false, "Store the profile disabled")
}

func runPrefsSet(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	p := &store.DigestPreference{
		UserID:    prefUser,
		ChannelID: prefChannel,
		Name:      prefName,
		Limit:     prefLimit,
		Enabled:   !prefDisabled,
	}
	// Only flags passed on the command line become filters; the rest stay
	// nil, meaning "no constraint".
	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "medical":
			p.Medical = &prefMedical
		case "ics":
			p.ICS = &prefICS
		case "bio":
			p.BioKeyword = &prefBio
		case "kev":
			p.KnownExploited = &prefKEV
		case "min-cvss":
			p.MinCVSS = &prefMinCVSS
		case "min-score":
			p.MinScore = &prefMinScore
		}
	})
	if prefTime != "" {
		canonical, err := digest.ParseDeliveryTime(prefTime)
		if err != nil {
			return err
		}
		p.DeliveryTime = canonical
	}

	if err := digest.ValidatePreference(p, digestConfig().MaxLimit); err != nil {
		return err
	}
	if err := st.SetPreference(p); err != nil {
		return fmt.Errorf("failed to save preference: %w", err)
	}

	cmd.Printf("Saved profile %q for %s\n", p.Name, p.Subscriber())
	return nil
}

func runPrefsShow(cmd *cobra.Command, args []string) error {
	if (prefUser == "") == (prefChannel == "") {
		return fmt.Errorf("exactly one of --user and --channel is required")
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	p, err := st.GetPreference(prefUser, prefChannel, prefName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no profile %q for that subscriber", prefName)
		}
		return err
	}

	if prefJSON {
		return printJSON(cmd, p)
	}
	cmd.Printf("Profile:   %s (%s)\n", p.Name, p.Subscriber())
	cmd.Printf("Enabled:   %t\n", p.Enabled)
	cmd.Printf("Filters:   %s\n", describeFilters(p))
	if p.Limit > 0 {
		cmd.Printf("Limit:     %d\n", p.Limit)
	}
	if p.DeliveryTime != "" {
		cmd.Printf("Delivery:  %s\n", p.DeliveryTime)
	}
	return nil
}

func runPrefsList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	prefs, err := st.ListEnabledPreferences()
	if err != nil {
		return err
	}
	if prefJSON {
		return printJSON(cmd, prefs)
	}
	if len(prefs) == 0 {
		cmd.Println("No enabled preferences.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SUBSCRIBER\tNAME\tFILTERS\tLIMIT\tDELIVERY")
	for i := range prefs {
		p := &prefs[i]
		limit := "-"
		if p.Limit > 0 {
			limit = fmt.Sprintf("%d", p.Limit)
		}
		delivery := p.DeliveryTime
		if delivery == "" {
			delivery = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			p.Subscriber(), p.Name, describeFilters(p), limit, delivery)
	}
	return w.Flush()
}

func describeFilters(p *store.DigestPreference) string {
	var parts []string
	appendFlag := func(name string, v *bool) {
		if v != nil && *v {
			parts = append(parts, name)
		}
	}
	appendFlag("medical", p.Medical)
	appendFlag("ics", p.ICS)
	appendFlag("bio", p.BioKeyword)
	appendFlag("kev", p.KnownExploited)
	if p.MinCVSS != nil {
		parts = append(parts, fmt.Sprintf("cvss>=%.1f", *p.MinCVSS))
	}
	if p.MinScore != nil {
		parts = append(parts, fmt.Sprintf("score>=%d", *p.MinScore))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}
