package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/banshee-data/calibration.collector/internal/collector"
	"github.com/banshee-data/calibration.collector/internal/httputil"
	"github.com/banshee-data/calibration.collector/internal/sensor"
)

// Client drives a running collector over HTTP.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient returns a client for the server at base, e.g.
// "http://localhost:8090". A nil hc uses http.DefaultClient.
func NewClient(base string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = httputil.NewStandardClient(nil)
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

// Capture triggers one capture. Like Collector.Capture, a rejected attempt
// is not an error.
func (c *Client) Capture(ctx context.Context) (collector.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/capture", nil)
	if err != nil {
		return collector.Result{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return collector.Result{}, fmt.Errorf("capture request: %w", err)
	}

	var body CaptureResponse
	status := resp.StatusCode
	err = httputil.DecodeJSON(resp, &body)
	if status == http.StatusConflict && body.Result.Outcome == collector.Rejected {
		return body.Result, nil
	}
	return body.Result, err
}

// SetLabels replaces the labels of the named sensor.
func (c *Client) SetLabels(ctx context.Context, name string, labels sensor.Labels) (sensor.Labels, error) {
	data, err := json.Marshal(labels)
	if err != nil {
		return sensor.Labels{}, err
	}
	u := c.base + "/api/sensors/" + url.PathEscape(name) + "/labels"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
	if err != nil {
		return sensor.Labels{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return sensor.Labels{}, fmt.Errorf("labels request: %w", err)
	}
	var out sensor.Labels
	err = httputil.DecodeJSON(resp, &out)
	return out, err
}

// Collections lists the recorded collections.
func (c *Client) Collections(ctx context.Context) ([]CollectionSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/collections", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("collections request: %w", err)
	}
	var out []CollectionSummary
	err = httputil.DecodeJSON(resp, &out)
	return out, err
}
