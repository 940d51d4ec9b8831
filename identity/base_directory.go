package identity

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/meridian-social/meridian/syntax"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

// Minimal interface for DNS TXT lookups, satisfied by *net.Resolver. Test code can substitute a fake.
type DNSResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Directory implementation which runs the resolution chain directly over the network, with no caching.
//
// The zero value ('BaseDirectory{}') is a usable Directory, using default HTTP and DNS clients.
type BaseDirectory struct {
	// if non-empty, this string should have URL method, hostname, and optional port; it should not have a path or trailing slash
	PLCURL string
	// If not nil, this limiter will be used to rate-limit requests to the PLCURL
	PLCLimiter *rate.Limiter
	// HTTP client used for did:web, did:plc, and HTTP (well-known) handle resolution
	HTTPClient *http.Client
	// DNS resolver used for DNS handle resolution. Calling code can use a custom Dialer to query against a specific DNS server, or substitute the interface for more control over the resolution process
	Resolver DNSResolver
	// set of handle domain suffixes for which DNS handle resolution will be skipped
	SkipDNSDomainSuffixes []string
	// User-Agent header for HTTP requests; defaults to a library identifier if empty
	UserAgent string

	plcOnce  sync.Once
	plcRetry *retryablehttp.Client
}

var _ Directory = (*BaseDirectory)(nil)
var _ Resolver = (*BaseDirectory)(nil)

const defaultUserAgent = "meridian-sdk"

func (d *BaseDirectory) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return http.DefaultClient
}

// Retrying HTTP client used only for PLC directory lookups, which are idempotent reads. Session refresh traffic never goes through this client.
func (d *BaseDirectory) plcClient() *retryablehttp.Client {
	d.plcOnce.Do(func() {
		c := retryablehttp.NewClient()
		c.HTTPClient = d.httpClient()
		c.RetryMax = 2
		c.RetryWaitMin = time.Millisecond * 100
		c.RetryWaitMax = time.Second
		c.Logger = nil
		d.plcRetry = c
	})
	return d.plcRetry
}

func (d *BaseDirectory) dnsResolver() DNSResolver {
	if d.Resolver != nil {
		return d.Resolver
	}
	return net.DefaultResolver
}

func (d *BaseDirectory) userAgent() string {
	if d.UserAgent != "" {
		return d.UserAgent
	}
	return defaultUserAgent
}

func (d *BaseDirectory) skipDNS(handle syntax.Handle) bool {
	for _, suffix := range d.SkipDNSDomainSuffixes {
		if strings.HasSuffix(handle.String(), suffix) {
			return true
		}
	}
	return false
}

func (d *BaseDirectory) LookupHandle(ctx context.Context, h syntax.Handle) (*Identity, error) {
	h = h.Normalize()
	did, err := d.ResolveHandle(ctx, h)
	if err != nil {
		return nil, err
	}
	doc, err := d.ResolveDID(ctx, did)
	if err != nil {
		return nil, err
	}
	ident := ParseIdentity(doc)
	// bi-directional verification: the DID document must declare the handle back
	declared, err := ident.DeclaredHandle()
	if err != nil || declared != h {
		ident.Handle = syntax.HandleInvalid
	} else {
		ident.Handle = h
	}
	return &ident, nil
}

func (d *BaseDirectory) LookupDID(ctx context.Context, did syntax.DID) (*Identity, error) {
	doc, err := d.ResolveDID(ctx, did)
	if err != nil {
		return nil, err
	}
	ident := ParseIdentity(doc)
	if declared, err := ident.DeclaredHandle(); err == nil {
		ident.Handle = declared
	}
	return &ident, nil
}

func (d *BaseDirectory) PurgeHandle(ctx context.Context, h syntax.Handle) error {
	return nil
}
