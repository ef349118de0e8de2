// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/featurebasedb/ivm"
	"github.com/featurebasedb/ivm/dataflow"
	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/offset"
	"github.com/featurebasedb/ivm/replication"
	"github.com/featurebasedb/ivm/tracing"
)

// Client talks to an ivm server.
type Client struct {
	address string

	// The client to use for HTTP communication.
	httpClient *http.Client
}

// NewClient returns a client for the server at address, which may omit
// the scheme.
func NewClient(address string, httpClient *http.Client) (*Client, error) {
	if address == "" {
		return nil, errors.Errorf("address required")
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	if _, err := url.Parse(address); err != nil {
		return nil, errors.Wrap(err, "parsing address")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		address:    strings.TrimSuffix(address, "/"),
		httpClient: httpClient,
	}, nil
}

// GetHTTPClient returns an http.Client with pooled connections, using t
// for TLS when it is non-nil.
func GetHTTPClient(t *tls.Config) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          1000,
		MaxIdleConnsPerHost:   200,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if t != nil {
		transport.TLSClientConfig = t
	}
	return &http.Client{Transport: transport}
}

// Lookup reads a key from a view. Stale and Miss results are returned with
// a nil error; check the result's Status.
func (c *Client) Lookup(ctx context.Context, view string, k keys.Key, minOffset offset.Offset) (ivm.LookupResult, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "Client.Lookup")
	defer span.Finish()
	span.SetTag(tracing.TagView, view)

	q := url.Values{}
	if err := EncodeKey(q, k); err != nil {
		return ivm.LookupResult{}, err
	}
	if minOffset != nil {
		q.Set("offset", minOffset.String())
	}
	u := c.address + "/lookup/" + url.PathEscape(view) + "?" + q.Encode()

	req, err := http.NewRequest("GET", u, nil)
	if err != nil {
		return ivm.LookupResult{}, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.executeRequest(req.WithContext(ctx), http.StatusConflict, http.StatusServiceUnavailable)
	if err != nil {
		return ivm.LookupResult{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ivm.LookupResult{}, errors.Wrap(err, "reading response")
	}

	// Stale and Miss share their statuses with errors; only a result has
	// a status field.
	var probe struct {
		Status string `json:"status"`
	}
	if resp.StatusCode != http.StatusOK {
		if err := json.Unmarshal(body, &probe); err != nil || probe.Status == "" {
			return ivm.LookupResult{}, errors.WithMessagef(errors.UnmarshalJSON(bytes.NewReader(body)), "against %s %s", req.URL.String(), resp.Status)
		}
	}
	var res ivm.LookupResult
	if err := json.Unmarshal(body, &res); err != nil {
		return ivm.LookupResult{}, fmt.Errorf("json decode: %s", err)
	}
	return res, nil
}

// Migrate applies a graph diff.
func (c *Client) Migrate(ctx context.Context, diff dataflow.Diff) (ivm.Ack, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "Client.Migrate")
	defer span.Finish()

	buf, err := json.Marshal(diff)
	if err != nil {
		return ivm.Ack{}, errors.Wrap(err, "marshaling migration")
	}
	req, err := http.NewRequest("POST", c.address+"/migrate", bytes.NewReader(buf))
	if err != nil {
		return ivm.Ack{}, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Content-Type", "application/json")

	var ack ivm.Ack
	err = c.executeJSONRequest(req.WithContext(ctx), &ack)
	return ack, err
}

// Ingest sends replication events in order.
func (c *Client) Ingest(ctx context.Context, events []replication.Event) (IngestResponse, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "Client.Ingest")
	defer span.Finish()

	buf, err := json.Marshal(events)
	if err != nil {
		return IngestResponse{}, errors.Wrap(err, "marshaling events")
	}
	req, err := http.NewRequest("POST", c.address+"/ingest", bytes.NewReader(buf))
	if err != nil {
		return IngestResponse{}, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Content-Type", "application/json")

	var rsp IngestResponse
	err = c.executeJSONRequest(req.WithContext(ctx), &rsp)
	return rsp, err
}

// Views lists the views the server can answer lookups for.
func (c *Client) Views(ctx context.Context) ([]ViewInfo, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "Client.Views")
	defer span.Finish()

	req, err := http.NewRequest("GET", c.address+"/views", nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	var views []ViewInfo
	err = c.executeJSONRequest(req.WithContext(ctx), &views)
	return views, err
}

// Graphviz writes the server's graph in dot format to w.
func (c *Client) Graphviz(ctx context.Context, w io.Writer, detailed bool) error {
	u := c.address + "/debug/graphviz"
	if detailed {
		u += "?detailed=true"
	}
	req, err := http.NewRequest("GET", u, nil)
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	resp, err := c.executeRequest(req.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return errors.Wrap(err, "reading graphviz")
}

// executeJSONRequest decodes a JSON response into v.
func (c *Client) executeJSONRequest(req *http.Request, v interface{}) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.executeRequest(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("json decode: %s", err)
	}
	return nil
}

// executeRequest executes req and turns an error status into the coded
// error the server reported. Statuses in also are passed through like 2xx
// ones.
func (c *Client) executeRequest(req *http.Request, also ...int) (*http.Response, error) {
	req.Header.Set("User-Agent", "ivm/"+ivm.Version)
	tracing.GlobalTracer.InjectHTTPHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "getting response")
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	for _, s := range also {
		if resp.StatusCode == s {
			return resp, nil
		}
	}
	defer resp.Body.Close()
	return nil, errors.WithMessagef(errors.UnmarshalJSON(resp.Body), "against %s %s", req.URL.String(), resp.Status)
}
