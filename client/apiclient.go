package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// HTTP API client for a single host.
//
// The transport is plain net/http; per-account credentials are attached through the optional Auth seam.
type APIClient struct {
	HTTPClient     *http.Client
	Host           string
	Auth           AuthMethod
	DefaultHeaders http.Header
}

// Returns an APIClient for the given host ("https://host[:port]" prefix, no path) with a bounded-timeout pooled HTTP client.
func NewAPIClient(host string) *APIClient {
	return &APIClient{
		HTTPClient: &http.Client{
			Timeout:   time.Second * 15,
			Transport: cleanhttp.DefaultPooledTransport(),
		},
		Host: host,
	}
}

// High-level helper for simple JSON "Query" API calls. If out is non-nil, the response body is decoded into it.
func (c *APIClient) Get(ctx context.Context, endpoint string, params url.Values, out any) error {
	req := APIRequest{
		Method:      http.MethodGet,
		Endpoint:    endpoint,
		QueryParams: params,
		Headers: http.Header{
			"Accept": []string{"application/json"},
		},
	}
	resp, err := c.Do(ctx, &req)
	if err != nil {
		return err
	}
	return DecodeResponse(resp, out)
}

// High-level helper for simple JSON-to-JSON "Procedure" API calls. A nil body sends no request body; if out is non-nil, the response body is decoded into it.
func (c *APIClient) Post(ctx context.Context, endpoint string, body, out any) error {
	hdr := http.Header{
		"Accept": []string{"application/json"},
	}
	req := APIRequest{
		Method:   http.MethodPost,
		Endpoint: endpoint,
		Headers:  hdr,
	}
	if body != nil {
		bodyJSON, err := json.Marshal(body)
		if err != nil {
			return err
		}
		req.Body = bytes.NewReader(bodyJSON)
		hdr.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(ctx, &req)
	if err != nil {
		return err
	}
	return DecodeResponse(resp, out)
}

// Full-power method for API requests. The caller owns the response body.
func (c *APIClient) Do(ctx context.Context, req *APIRequest) (*http.Response, error) {
	httpReq, err := req.HTTPRequest(ctx, c.Host, c.DefaultHeaders)
	if err != nil {
		return nil, err
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	var resp *http.Response
	if c.Auth != nil {
		resp, err = c.Auth.DoWithAuth(httpReq, httpClient)
	} else {
		resp, err = httpClient.Do(httpReq)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Consumes and closes the response body. Non-2xx responses are decoded into an *APIError; on success the body is decoded into out when non-nil.
func DecodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if !(resp.StatusCode >= 200 && resp.StatusCode < 300) {
		var eb ErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil {
			return &APIError{StatusCode: resp.StatusCode}
		}
		return eb.APIError(resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// a success status with an undecodable body is a server fault, reported like any other remote error
		return &APIError{StatusCode: resp.StatusCode, Name: "InvalidResponse", Message: "expected JSON response body: " + err.Error()}
	}
	return nil
}
