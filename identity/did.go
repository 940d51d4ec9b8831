package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meridian-social/meridian/syntax"

	"github.com/hashicorp/go-retryablehttp"
)

// Resolves a DID to its DID document, dispatching on the DID method.
//
// Only the 'plc' and 'web' methods are supported; any other method fails fast with ErrDIDMethodUnsupported rather than guessing. Directory responses are authoritative: malformed JSON is a hard resolution failure, not swallowed.
func (d *BaseDirectory) ResolveDID(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	start := time.Now()
	var doc *DIDDocument
	var err error
	switch did.Method() {
	case "plc":
		doc, err = d.resolveDIDPLC(ctx, did)
	case "web":
		doc, err = d.resolveDIDWeb(ctx, did)
	default:
		return nil, fmt.Errorf("%w: %s", ErrDIDMethodUnsupported, did.Method())
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	didResolution.WithLabelValues(did.Method(), status).Inc()
	didResolutionDuration.WithLabelValues(did.Method(), status).Observe(time.Since(start).Seconds())
	return doc, err
}

func (d *BaseDirectory) resolveDIDPLC(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	plcURL := d.PLCURL
	if plcURL == "" {
		plcURL = DefaultPLCURL
	}
	if d.PLCLimiter != nil {
		if err := d.PLCLimiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, plcURL+"/"+did.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("constructing PLC directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", d.userAgent())

	resp, err := d.plcClient().Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: PLC directory lookup: %w", ErrDIDResolutionFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrDIDNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: PLC directory status=%d", ErrDIDResolutionFailed, resp.StatusCode)
	}

	var doc DIDDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: parsing PLC directory response: %w", ErrDIDResolutionFailed, err)
	}
	return &doc, nil
}

// did:web identifiers are the domain (and optional path) with ':' as separator and percent-encoding; a bare domain maps to the /.well-known/did.json route.
func didWebURL(did syntax.DID) (string, error) {
	raw, err := url.PathUnescape(did.Identifier())
	if err != nil {
		return "", fmt.Errorf("invalid percent-encoding in did:web identifier: %w", err)
	}
	parts := strings.Split(raw, ":")
	if _, err := syntax.ParseHandle(parts[0]); err != nil {
		return "", fmt.Errorf("did:web identifier is not a valid hostname: %s", parts[0])
	}
	if len(parts) == 1 {
		return "https://" + parts[0] + "/.well-known/did.json", nil
	}
	return "https://" + strings.Join(parts, "/") + "/did.json", nil
}

func (d *BaseDirectory) resolveDIDWeb(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	u, err := didWebURL(did)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDIDResolutionFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("constructing did:web request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", d.userAgent())

	resp, err := d.httpClient().Do(req)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, ErrDIDNotFound
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: did:web well-known fetch: %w", ErrDIDResolutionFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrDIDNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: did:web well-known status=%d", ErrDIDResolutionFailed, resp.StatusCode)
	}

	var doc DIDDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: parsing did:web document: %w", ErrDIDResolutionFailed, err)
	}
	return &doc, nil
}
