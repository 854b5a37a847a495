package feed

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const kevCSVURL = "https://www.cisa.gov/sites/default/files/csv/known_exploited_vulnerabilities.csv"

// KEVAdapter normalizes the CISA Known Exploited Vulnerabilities CSV.
// Every row carries the known-exploited flag; vendor, product, and the
// vulnerability name enrich whatever NVD already reported.
type KEVAdapter struct{}

func (KEVAdapter) Name() string { return "KEV" }

func (a KEVAdapter) Normalize(raw []byte) ([]Observation, error) {
	reader := csv.NewReader(bytes.NewReader(raw))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, &MalformedRecordError{Source: a.Name(), Reason: fmt.Sprintf("unreadable CSV header: %v", err)}
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	if _, ok := col["cveID"]; !ok {
		return nil, &MalformedRecordError{Source: a.Name(), Reason: "missing cveID column"}
	}

	now := time.Now().UTC()
	var out []Observation
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			slog.Warn("skipping unreadable KEV row", "error", err)
			continue
		}
		field := func(name string) string {
			idx, ok := col[name]
			if !ok || idx >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[idx])
		}

		obs := Observation{
			CVEID:          field("cveID"),
			Title:          field("vulnerabilityName"),
			Description:    field("shortDescription"),
			Vendor:         field("vendorProject"),
			Product:        field("product"),
			Published:      parseKEVDate(field("dateAdded")),
			LastModified:   parseKEVDate(field("dateAdded")),
			KnownExploited: true,
			RemediationDue: parseKEVDate(field("dueDate")),
			Source:         a.Name(),
			ObservedAt:     now,
		}
		if err := obs.validate(); err != nil {
			slog.Warn("skipping malformed KEV row", "cve_id", obs.CVEID, "error", err)
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

// parseKEVDate handles the MM/DD/YYYY format the KEV CSV has shipped with,
// falling back to ISO dates.
func parseKEVDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{"01/02/2006", "2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// KEVClient fetches the KEV catalog CSV.
type KEVClient struct {
	HTTPClient *http.Client
	URL        string
}

func NewKEVClient() *KEVClient {
	return &KEVClient{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		URL:        kevCSVURL,
	}
}

func (c *KEVClient) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create KEV request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("KEV request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("KEV download returned status: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
