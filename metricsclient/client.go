// Package metricsclient implements the HTTP client for the Forgelink
// metrics service. It is the default tracker.Client: daily usage reports
// are submitted as one JSON batch per flush.
package metricsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"golang.org/x/xerrors"

	"github.com/forgelink/forgelink/buildinfo"
	"github.com/forgelink/forgelink/usage"
)

// VersionHeader reports the client's semantic version with every request.
const VersionHeader = "X-Forgelink-Version"

// Client submits usage reports to one metrics deployment.
type Client struct {
	usageURL   *url.URL
	httpClient *http.Client
}

// New returns a client for the metrics service at baseURL.
func New(baseURL string) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, xerrors.Errorf("parse metrics url: %w", err)
	}
	usageURL, err := parsed.Parse("/usage")
	if err != nil {
		return nil, xerrors.Errorf("parse usage url: %w", err)
	}
	return &Client{
		usageURL:   usageURL,
		httpClient: &http.Client{},
	}, nil
}

// PostUsage uploads a batch of daily usage reports. Any response other than
// 200 or 202 is an error; callers keep the reports locally and retry on a
// later flush, so duplicate submissions are possible and the service
// deduplicates by installation identifier and date.
func (c *Client) PostUsage(ctx context.Context, reports []usage.Entry) error {
	data, err := json.Marshal(reports)
	if err != nil {
		return xerrors.Errorf("marshal usage reports: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.usageURL.String(), bytes.NewReader(data))
	if err != nil {
		return xerrors.Errorf("create usage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(VersionHeader, buildinfo.Version())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Errorf("post usage: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return xerrors.Errorf("post usage: unexpected status %s", resp.Status)
	}
	return nil
}
