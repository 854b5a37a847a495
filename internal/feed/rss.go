package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
)

// RSSAdapter normalizes vendor advisory RSS/Atom feeds. Items that do not
// reference a CVE id are dropped; the feed only ever enriches records the
// structured sources know about or seeds sparse ones.
type RSSAdapter struct {
	SourceName string
}

func (a RSSAdapter) Name() string {
	if a.SourceName != "" {
		return a.SourceName
	}
	return "RSS"
}

func (a RSSAdapter) Normalize(raw []byte) ([]Observation, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, &MalformedRecordError{Source: a.Name(), Reason: fmt.Sprintf("unparsable feed: %v", err)}
	}

	now := time.Now().UTC()
	var out []Observation
	for _, item := range parsed.Items {
		cveID := cveIDPattern.FindString(item.Title)
		if cveID == "" {
			cveID = cveIDPattern.FindString(item.Description)
		}
		if cveID == "" {
			continue
		}

		obs := Observation{
			CVEID:       cveID,
			Title:       item.Title,
			Description: item.Description,
			AdvisoryURL: item.Link,
			Source:      a.Name(),
			ObservedAt:  now,
		}
		if item.PublishedParsed != nil {
			obs.Published = item.PublishedParsed.UTC()
		}
		if item.UpdatedParsed != nil {
			obs.LastModified = item.UpdatedParsed.UTC()
		} else {
			obs.LastModified = obs.Published
		}
		if err := obs.validate(); err != nil {
			slog.Warn("skipping malformed feed item", "source", a.Name(), "cve_id", cveID, "error", err)
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

// RSSClient fetches a single advisory feed.
type RSSClient struct {
	HTTPClient *http.Client
	URL        string
}

func NewRSSClient(feedURL string) *RSSClient {
	return &RSSClient{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		URL:        feedURL,
	}
}

func (c *RSSClient) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create feed request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
