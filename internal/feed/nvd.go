package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const nvdAPIURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"

// NVDAdapter normalizes NVD CVE API 2.0 payloads.
type NVDAdapter struct{}

func (NVDAdapter) Name() string { return "NVD" }

type nvdResponse struct {
	TotalResults    int `json:"totalResults"`
	Vulnerabilities []struct {
		CVE nvdCVE `json:"cve"`
	} `json:"vulnerabilities"`
}

type nvdCVE struct {
	ID               string `json:"id"`
	SourceIdentifier string `json:"sourceIdentifier"`
	Published        string `json:"published"`
	LastModified     string `json:"lastModified"`
	Descriptions     []struct {
		Lang  string `json:"lang"`
		Value string `json:"value"`
	} `json:"descriptions"`
	Metrics struct {
		CVSSMetricV31 []nvdCVSSMetric `json:"cvssMetricV31"`
		CVSSMetricV30 []nvdCVSSMetric `json:"cvssMetricV30"`
	} `json:"metrics"`
	Configurations []struct {
		Nodes []struct {
			CPEMatch []struct {
				Criteria string `json:"criteria"`
			} `json:"cpeMatch"`
		} `json:"nodes"`
	} `json:"configurations"`
	References []struct {
		URL  string   `json:"url"`
		Tags []string `json:"tags"`
	} `json:"references"`
}

type nvdCVSSMetric struct {
	BaseSeverity string `json:"baseSeverity"`
	CVSSData     struct {
		BaseScore    float64 `json:"baseScore"`
		VectorString string  `json:"vectorString"`
	} `json:"cvssData"`
}

// Normalize converts an NVD API response body into one Observation per CVE.
// Entries without an id or any date are skipped and logged, not fatal.
func (a NVDAdapter) Normalize(raw []byte) ([]Observation, error) {
	var resp nvdResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &MalformedRecordError{Source: a.Name(), Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	now := time.Now().UTC()
	var out []Observation
	for _, item := range resp.Vulnerabilities {
		obs, err := a.normalizeOne(item.CVE, now)
		if err != nil {
			slog.Warn("skipping malformed NVD entry", "cve_id", item.CVE.ID, "error", err)
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

func (a NVDAdapter) normalizeOne(cve nvdCVE, now time.Time) (Observation, error) {
	obs := Observation{
		CVEID:      strings.TrimSpace(cve.ID),
		Title:      strings.TrimSpace(cve.SourceIdentifier),
		Source:     a.Name(),
		ObservedAt: now,
	}

	for _, d := range cve.Descriptions {
		if d.Lang == "en" || obs.Description == "" {
			obs.Description = strings.TrimSpace(d.Value)
			if d.Lang == "en" {
				break
			}
		}
	}

	// Prefer CVSS v3.1 over v3.0.
	metrics := cve.Metrics.CVSSMetricV31
	if len(metrics) == 0 {
		metrics = cve.Metrics.CVSSMetricV30
	}
	if len(metrics) > 0 {
		score := metrics[0].CVSSData.BaseScore
		obs.CVSSBase = &score
		obs.CVSSVector = metrics[0].CVSSData.VectorString
		obs.Severity = strings.ToUpper(metrics[0].BaseSeverity)
		if obs.Severity == "" {
			obs.Severity = SeverityBand(score)
		}
	}

	obs.Published = parseNVDTime(cve.Published)
	obs.LastModified = parseNVDTime(cve.LastModified)
	obs.Vendor, obs.Product = extractVendorProduct(cve)
	obs.AdvisoryURL = extractAdvisoryURL(cve)

	if err := obs.validate(); err != nil {
		return Observation{}, err
	}
	return obs, nil
}

func parseNVDTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{"2006-01-02T15:04:05.000", "2006-01-02T15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// extractVendorProduct pulls vendor and product from the first CPE 2.3
// criteria that carries both. Format: cpe:2.3:part:vendor:product:...
func extractVendorProduct(cve nvdCVE) (string, string) {
	var vendor, product string
	for _, cfg := range cve.Configurations {
		for _, node := range cfg.Nodes {
			for _, match := range node.CPEMatch {
				parts := strings.Split(match.Criteria, ":")
				if len(parts) < 5 {
					continue
				}
				if parts[3] != "" && parts[3] != "*" {
					vendor = parts[3]
				}
				if parts[4] != "" && parts[4] != "*" {
					product = parts[4]
				}
				if vendor != "" && product != "" {
					return vendor, product
				}
			}
		}
	}
	return vendor, product
}

var preferredAdvisoryDomains = []string{
	"nvd.nist.gov",
	"cve.mitre.org",
	"github.com",
	"githubusercontent.com",
}

var brokenURLPatterns = []string{"/error/", "/404"}

func looksBroken(u string) bool {
	lower := strings.ToLower(u)
	for _, p := range brokenURLPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// extractAdvisoryURL picks a reference URL, preferring well-maintained
// sources, then tagged vendor advisories, skipping anything that looks like
// an error page.
func extractAdvisoryURL(cve nvdCVE) string {
	for _, ref := range cve.References {
		lower := strings.ToLower(ref.URL)
		for _, domain := range preferredAdvisoryDomains {
			if strings.Contains(lower, domain) {
				return ref.URL
			}
		}
	}
	for _, ref := range cve.References {
		for _, tag := range ref.Tags {
			if tag == "Vendor Advisory" && ref.URL != "" && !looksBroken(ref.URL) {
				return ref.URL
			}
		}
	}
	for _, ref := range cve.References {
		if ref.URL != "" && !looksBroken(ref.URL) {
			return ref.URL
		}
	}
	if len(cve.References) > 0 {
		return cve.References[0].URL
	}
	return ""
}

// NVDURL returns the canonical NVD detail page for a CVE.
func NVDURL(cveID string) string {
	if cveID == "" {
		return ""
	}
	return "https://nvd.nist.gov/vuln/detail/" + cveID
}

// NVDClient fetches CVE payloads from the NVD 2.0 API.
type NVDClient struct {
	HTTPClient *http.Client
	APIURL     string
	APIKey     string
}

func NewNVDClient(apiKey string) *NVDClient {
	return &NVDClient{
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		APIURL:     nvdAPIURL,
		APIKey:     apiKey,
	}
}

// Fetch retrieves the raw payload for CVEs modified since the given time.
func (c *NVDClient) Fetch(ctx context.Context, since time.Time) ([]byte, error) {
	params := url.Values{}
	params.Set("lastModStartDate", since.UTC().Format("2006-01-02T15:04:05.000Z"))
	params.Set("lastModEndDate", time.Now().UTC().Format("2006-01-02T15:04:05.000Z"))
	params.Set("resultsPerPage", "2000")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.APIURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create NVD request: %w", err)
	}
	if c.APIKey != "" {
		req.Header.Set("apiKey", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("NVD request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("NVD API returned status: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
