// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sink delivers classifications to the downstream endpoint.
// The endpoint answers transient back-pressure with a 406, which the
// submitter retries with doubling backoff before giving up on that
// classification.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/canonical/streampair/core/correlation"
)

var logger = loggo.GetLogger("streampair.sink")

// ErrBackpressure is returned by Client.Submit when the sink answers
// with its transient must-retry status.
var ErrBackpressure = errors.New("sink signalled backpressure")

// Client posts classifications to the sink endpoint.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient returns a client for the sink under baseURL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		url:        baseURL + "/sink/a",
		httpClient: httpClient,
	}
}

// Submit posts one classification. A 2xx response is success, the
// back-pressure status maps to ErrBackpressure, and any other outcome
// is an error the caller may retry.
func (c *Client) Submit(ctx context.Context, cl correlation.Classification) error {
	body, err := json.Marshal(cl)
	if err != nil {
		return errors.Trace(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Trace(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotAcceptable:
		return ErrBackpressure
	default:
		return errors.Errorf("sink returned %s", resp.Status)
	}
}
