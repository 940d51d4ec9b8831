package identity

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/meridian-social/meridian/syntax"

	"github.com/hashicorp/go-cleanhttp"
)

// Low-level interface for resolving DIDs and handles.
//
// Most calling code should use the [Directory] interface instead.
type Resolver interface {
	ResolveDID(ctx context.Context, did syntax.DID) (*DIDDocument, error)
	ResolveHandle(ctx context.Context, handle syntax.Handle) (syntax.DID, error)
}

// Ergonomic interface for identity lookup, by DID or handle.
//
// The "Lookup" methods run the full resolution chain (handle to DID, DID to DID document) and return results in a compact, opinionated struct ([Identity]). Implementations of this interface could be:
//   - basic direct resolution on every call
//   - local in-memory caching layer to reduce network hits
//   - client for a shared network cache (eg, Redis)
type Directory interface {
	LookupHandle(ctx context.Context, handle syntax.Handle) (*Identity, error)
	LookupDID(ctx context.Context, did syntax.DID) (*Identity, error)

	// Flushes any cached state for the indicated handle. If the directory is not using caching, this can be a no-op.
	PurgeHandle(ctx context.Context, handle syntax.Handle) error
}

// Indicates that resolution completed successfully, but the handle does not exist. Resolution errors (network, DNS) are distinct, and wrap ErrHandleResolutionFailed instead.
var ErrHandleNotFound = errors.New("handle not found")

// Indicates that the handle resolution process itself failed. A wrapped error may provide more context.
var ErrHandleResolutionFailed = errors.New("handle resolution failed")

// Indicates that resolution completed successfully, but the DID does not exist.
var ErrDIDNotFound = errors.New("DID not found")

// Indicates that the DID resolution process failed. A wrapped error may provide more context.
var ErrDIDResolutionFailed = errors.New("DID resolution failed")

// The DID method is not one of the supported methods (plc, web). Callers should fail fast on this, not fall back to guessing.
var ErrDIDMethodUnsupported = errors.New("DID method not supported")

// The DID document resolved, but does not declare a PDS service endpoint.
var ErrServiceNotDeclared = errors.New("DID document does not declare a PDS endpoint")

// The DID document did not include any handle ("alsoKnownAs" entry).
var ErrHandleNotDeclared = errors.New("DID document did not declare a handle")

// Handle top-level domain (TLD) is one of the special "Reserved" suffixes, and not allowed for protocol use.
var ErrHandleReservedTLD = errors.New("handle top-level domain is disallowed")

var DefaultPLCURL = "https://plc.directory"

// Returns a reasonable Directory implementation for applications: a BaseDirectory with bounded timeouts, wrapped in an in-process cache.
func DefaultDirectory() Directory {
	base := BaseDirectory{
		PLCURL: DefaultPLCURL,
		HTTPClient: &http.Client{
			Timeout:   time.Second * 15,
			Transport: cleanhttp.DefaultPooledTransport(),
		},
		Resolver: &net.Resolver{
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{Timeout: time.Second * 5}
				return d.DialContext(ctx, network, address)
			},
		},
	}
	cached := NewCacheDirectory(&base, 250_000, time.Hour*24, time.Minute*2)
	return &cached
}
