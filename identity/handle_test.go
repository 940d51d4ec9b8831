package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/meridian-social/meridian/syntax"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDNS struct {
	records map[string][]string
	err     error
	calls   int
}

func (f *fakeDNS) LookupTXT(ctx context.Context, name string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	recs, ok := f.records[name]
	if !ok {
		return nil, fmt.Errorf("lookup %s: no such host", name)
	}
	return recs, nil
}

type rewriteTransport struct {
	srvURL *url.URL
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = t.srvURL.Scheme
	req.URL.Host = t.srvURL.Host
	return http.DefaultTransport.RoundTrip(req)
}

// rewrites all outbound requests to the test server, regardless of hostname
func testServerClient(srv *httptest.Server) *http.Client {
	srvURL, _ := url.Parse(srv.URL)
	return &http.Client{Transport: rewriteTransport{srvURL: srvURL}}
}

func TestResolveHandleDNS(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	dns := &fakeDNS{records: map[string][]string{
		"_atproto.alice.example.com": {"did=did:plc:ewvi7nxzyoun6zhxrhs64oiz"},
	}}
	dir := BaseDirectory{Resolver: dns}

	did, err := dir.ResolveHandle(ctx, "alice.example.com")
	assert.NoError(err)
	assert.Equal(syntax.DID("did:plc:ewvi7nxzyoun6zhxrhs64oiz"), did)
	assert.Equal(1, dns.calls)
}

func TestResolveHandleExampleDomain(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	// documentation-reserved domains resolve like any other; dev setups point them at stubbed DNS
	dns := &fakeDNS{records: map[string][]string{
		"_atproto.alice.example": {"did=did:plc:abc123"},
	}}
	dir := BaseDirectory{Resolver: dns}

	did, err := dir.ResolveHandle(ctx, "alice.example")
	assert.NoError(err)
	assert.Equal(syntax.DID("did:plc:abc123"), did)
}

func TestResolveHandleDNSFirstMatchWins(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	dns := &fakeDNS{records: map[string][]string{
		"_atproto.alice.example.com": {
			"v=spf1 -all",
			"did=did:plc:aaaaaaaaaaaaaaaaaaaaaaaa",
			"did=did:plc:bbbbbbbbbbbbbbbbbbbbbbbb",
		},
	}}
	dir := BaseDirectory{Resolver: dns}

	did, err := dir.ResolveHandle(ctx, "alice.example.com")
	assert.NoError(err)
	assert.Equal(syntax.DID("did:plc:aaaaaaaaaaaaaaaaaaaaaaaa"), did)
}

func TestResolveHandleDNSInvalidDID(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	// a matching record with a malformed DID value fails the DNS method; with
	// no HTTP fallback configured the overall result is "not found"
	dns := &fakeDNS{records: map[string][]string{
		"_atproto.alice.example.com": {"did=bogus"},
	}}
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	dir := BaseDirectory{Resolver: dns, HTTPClient: testServerClient(srv)}

	_, err := dir.ResolveHandle(ctx, "alice.example.com")
	assert.ErrorIs(err, ErrHandleNotFound)
}

func TestResolveHandleWellKnownFallback(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal("/.well-known/atproto-did", r.URL.Path)
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "did:plc:ewvi7nxzyoun6zhxrhs64oiz\n")
	}))
	defer srv.Close()

	// DNS resolution fails outright; the HTTP method should still succeed
	dns := &fakeDNS{err: errors.New("dns timeout")}
	dir := BaseDirectory{Resolver: dns, HTTPClient: testServerClient(srv)}

	did, err := dir.ResolveHandle(ctx, "alice.example.com")
	assert.NoError(err)
	assert.Equal(syntax.DID("did:plc:ewvi7nxzyoun6zhxrhs64oiz"), did)
	assert.Equal(1, dns.calls)
}

func TestResolveHandleWellKnownInvalidBody(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>not a did</html>")
	}))
	defer srv.Close()

	dns := &fakeDNS{records: map[string][]string{}}
	dir := BaseDirectory{Resolver: dns, HTTPClient: testServerClient(srv)}

	_, err := dir.ResolveHandle(ctx, "alice.example.com")
	assert.ErrorIs(err, ErrHandleNotFound)
}

func TestResolveHandleNotFound(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dns := &fakeDNS{records: map[string][]string{}}
	dir := BaseDirectory{Resolver: dns, HTTPClient: testServerClient(srv)}

	_, err := dir.ResolveHandle(ctx, "nobody.example.com")
	assert.ErrorIs(err, ErrHandleNotFound)
}

func TestResolveHandleReservedTLD(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	dir := BaseDirectory{Resolver: &fakeDNS{}}
	_, err := dir.ResolveHandle(ctx, "laptop.local")
	assert.ErrorIs(err, ErrHandleReservedTLD)
}

func TestResolveHandleSkipDNS(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "did:plc:ewvi7nxzyoun6zhxrhs64oiz")
	}))
	defer srv.Close()

	dns := &fakeDNS{records: map[string][]string{
		"_atproto.alice.host.example.com": {"did=did:plc:aaaaaaaaaaaaaaaaaaaaaaaa"},
	}}
	dir := BaseDirectory{
		Resolver:              dns,
		HTTPClient:            testServerClient(srv),
		SkipDNSDomainSuffixes: []string{".host.example.com"},
	}

	did, err := dir.ResolveHandle(ctx, "alice.host.example.com")
	assert.NoError(err)
	assert.Equal(syntax.DID("did:plc:ewvi7nxzyoun6zhxrhs64oiz"), did)
	assert.Equal(0, dns.calls)
}

func TestResolveHandleCancellation(t *testing.T) {
	assert := assert.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dns := &fakeDNS{err: context.Canceled}
	dir := BaseDirectory{Resolver: dns}

	_, err := dir.ResolveHandle(ctx, "alice.example.com")
	assert.ErrorIs(err, context.Canceled)
}
