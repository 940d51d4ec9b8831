package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

type APIRequest struct {
	// HTTP method, eg "GET" (required)
	Method string

	// API endpoint name, eg "com.atproto.server.createSession" (required)
	Endpoint string

	// optional request body. if this is provided, then a 'Content-Type' header should be specified
	Body io.Reader

	// optional query parameters. These will be encoded as provided.
	QueryParams url.Values

	// optional HTTP headers. Only the first value will be included for each header key ("Set" behavior).
	Headers http.Header
}

// Turns the API request in to an `http.Request`.
//
// `host` parameter should be a URL prefix: schema, hostname, port.
// `headers` parameters are treated as client-level defaults, clobbered by any request-level header values.
func (r *APIRequest) HTTPRequest(ctx context.Context, host string, headers http.Header) (*http.Request, error) {
	u, err := url.Parse(host)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("empty hostname in host URL")
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("empty scheme in host URL")
	}
	if r.Endpoint == "" {
		return nil, fmt.Errorf("empty request endpoint")
	}
	u.Path = "/xrpc/" + r.Endpoint
	u.RawQuery = ""
	if r.QueryParams != nil {
		u.RawQuery = r.QueryParams.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, r.Method, u.String(), r.Body)
	if err != nil {
		return nil, err
	}

	// first set default headers...
	for k := range headers {
		httpReq.Header.Set(k, headers.Get(k))
	}

	// ... then request-specific take priority (overwrite)
	for k := range r.Headers {
		httpReq.Header.Set(k, r.Headers.Get(k))
	}

	return httpReq, nil
}
