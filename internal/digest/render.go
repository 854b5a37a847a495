package digest

import (
	"fmt"
	"strings"
	"time"

	"biowatch/internal/feed"
	"biowatch/internal/store"
)

const sectionDivider = "────────────────────────────────────────"

// RenderContext carries the numbers and filter description the digest
// header reports alongside the ranked entries.
type RenderContext struct {
	LookbackHours int
	RecentCount   int
	KEVCount      int
	FilterLabel   string
	GeneratedAt   time.Time
}

// Render produces the Slack mrkdwn digest message for a ranked result set.
func Render(entries []store.Entry, rc RenderContext) string {
	var b strings.Builder
	b.WriteString("*Bio-ISAC Daily Security Digest*\n")
	b.WriteString("_Automated Vulnerability Intelligence Report_\n\n")
	b.WriteString(sectionDivider + "\n\n")
	b.WriteString("*EXECUTIVE SUMMARY*\n\n")

	if len(entries) == 0 {
		b.WriteString("No high-priority vulnerabilities require immediate attention at this time.\n\n")
	} else {
		fmt.Fprintf(&b, "%d high-priority vulnerabilities identified in the last %d hours requiring security team review.\n\n",
			len(entries), rc.LookbackHours)
	}
	fmt.Fprintf(&b, "*MONITORING PERIOD:* Last %d hours\n", rc.LookbackHours)
	fmt.Fprintf(&b, "*TOTAL NEW/UPDATED:* %d vulnerabilities\n", rc.RecentCount)
	fmt.Fprintf(&b, "*KNOWN EXPLOITED (KEV):* %d\n", rc.KEVCount)
	if rc.FilterLabel != "" {
		fmt.Fprintf(&b, "*FILTERS:* %s\n", rc.FilterLabel)
	}

	if len(entries) > 0 {
		b.WriteString("\n" + sectionDivider + "\n\n")
		b.WriteString("*PRIORITY VULNERABILITIES*\n\n")
		for i, e := range entries {
			if i > 0 {
				b.WriteString("\n\n" + sectionDivider + "\n\n")
			}
			b.WriteString(renderEntry(e, i+1))
		}
	}

	b.WriteString("\n\n" + sectionDivider + "\n\n")
	fmt.Fprintf(&b, "_Generated: %s_", rc.GeneratedAt.UTC().Format("2006-01-02 15:04 UTC"))
	return b.String()
}

// renderEntry formats one vulnerability card.
func renderEntry(e store.Entry, position int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%d.*  *%s*  %s\n", position, e.CVEID, severityBadge(e))
	if indicators := priorityIndicators(e.Tags); indicators != "" {
		fmt.Fprintf(&b, "`%s`\n", indicators)
	}
	fmt.Fprintf(&b, "%s  •  %s\n", cvssLabel(e), vendorDevice(e))

	summary := e.PlainSummary
	if summary == "" && e.Description != "" {
		summary = e.Description
		if len(summary) > 200 {
			summary = summary[:200]
		}
	}
	if summary != "" {
		b.WriteString("\n" + summary + "\n")
	}

	action := e.SafeAction
	if action == "" {
		action = "Review details and assess patch priority."
	}
	fmt.Fprintf(&b, "\n*Recommended Action:*\n%s\n", action)

	var links []string
	nvdURL := feed.NVDURL(e.CVEID)
	if e.AdvisoryURL != "" && e.AdvisoryURL != nvdURL {
		links = append(links, fmt.Sprintf("<%s|Vendor Advisory>", e.AdvisoryURL))
	}
	if nvdURL != "" {
		links = append(links, fmt.Sprintf("<%s|NVD Details>", nvdURL))
	}
	if len(links) > 0 {
		fmt.Fprintf(&b, "\n*Advisory:* %s\n", strings.Join(links, " • "))
	}

	var meta []string
	if len(e.Sources) > 0 {
		meta = append(meta, "Sources: "+strings.Join(e.Sources, ", "))
	}
	meta = append(meta, fmt.Sprintf("Bio-Relevance: %d/10", e.Tags.Score))
	meta = append(meta, "Confidence: "+string(e.Tags.Confidence))
	fmt.Fprintf(&b, "\n_%s_", strings.Join(meta, " • "))
	return b.String()
}

func severityBadge(e store.Entry) string {
	severity := e.Severity
	if severity == "" && e.CVSSBase != nil {
		severity = feed.SeverityBand(*e.CVSSBase)
	}
	switch severity {
	case "CRITICAL":
		return "🔴 CRITICAL"
	case "HIGH":
		return "🟠 HIGH"
	case "MEDIUM":
		return "🟡 MEDIUM"
	case "LOW":
		return "🟢 LOW"
	default:
		return "⚪ UNRATED"
	}
}

func cvssLabel(e store.Entry) string {
	if e.CVSSBase == nil {
		return "No CVSS Score"
	}
	return fmt.Sprintf("CVSS %.1f", *e.CVSSBase)
}

func vendorDevice(e store.Entry) string {
	switch {
	case e.Vendor != "" && e.Product != "":
		return e.Vendor + "/" + e.Product
	case e.Vendor != "":
		return e.Vendor
	case e.Product != "":
		return e.Product
	default:
		return "Unspecified device"
	}
}

func priorityIndicators(t store.TagSet) string {
	var parts []string
	if t.KnownExploited {
		parts = append(parts, "KEV")
	}
	if t.Medical {
		parts = append(parts, "MEDICAL")
	}
	if t.ICS {
		parts = append(parts, "ICS")
	}
	if t.BioKeyword {
		parts = append(parts, "BIO-RELEVANT")
	}
	return strings.Join(parts, " • ")
}

// FilterLabel summarizes a preference's active filters for the digest
// header.
func FilterLabel(p *store.DigestPreference) string {
	var parts []string
	if p.Medical != nil && *p.Medical {
		parts = append(parts, "Medical devices")
	}
	if p.ICS != nil && *p.ICS {
		parts = append(parts, "ICS/SCADA")
	}
	if p.BioKeyword != nil && *p.BioKeyword {
		parts = append(parts, "Bio-keywords")
	}
	if p.KnownExploited != nil && *p.KnownExploited {
		parts = append(parts, "CISA KEV")
	}
	if p.MinCVSS != nil {
		parts = append(parts, fmt.Sprintf("CVSS ≥ %.1f", *p.MinCVSS))
	}
	if p.MinScore != nil {
		parts = append(parts, fmt.Sprintf("Bio-score ≥ %d", *p.MinScore))
	}
	return strings.Join(parts, ", ")
}
