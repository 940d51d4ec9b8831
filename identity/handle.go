package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/meridian-social/meridian/syntax"
)

// Resolves a handle to a DID: DNS TXT lookup first, HTTP well-known fetch as fallback.
//
// DNS-level failures (no record, NXDOMAIN, timeout) are swallowed and progression continues to the HTTP method; only context cancellation short-circuits. When both methods come up empty the result is ErrHandleNotFound, which is an expected outcome for unregistered or mistyped handles, not a transport failure.
func (d *BaseDirectory) ResolveHandle(ctx context.Context, handle syntax.Handle) (syntax.DID, error) {
	handle = handle.Normalize()
	if !handle.AllowedTLD() {
		return "", ErrHandleReservedTLD
	}

	start := time.Now()
	if !d.skipDNS(handle) {
		ret, err := d.resolveHandleDNS(ctx, handle)
		if err == nil {
			handleResolution.WithLabelValues("dns", "success").Inc()
			handleResolutionDuration.WithLabelValues("dns", "success").Observe(time.Since(start).Seconds())
			return ret, nil
		}
		if ctx.Err() != nil {
			// resolution stops immediately on caller cancellation; this is not "not found"
			return "", ctx.Err()
		}
		handleResolution.WithLabelValues("dns", "error").Inc()
	}

	ret, err := d.resolveHandleWellKnown(ctx, handle)
	if err == nil {
		handleResolution.WithLabelValues("wellknown", "success").Inc()
		handleResolutionDuration.WithLabelValues("wellknown", "success").Observe(time.Since(start).Seconds())
		return ret, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "", err
	}
	handleResolution.WithLabelValues("wellknown", "error").Inc()
	handleResolutionDuration.WithLabelValues("wellknown", "error").Observe(time.Since(start).Seconds())

	return "", ErrHandleNotFound
}

func (d *BaseDirectory) resolveHandleDNS(ctx context.Context, handle syntax.Handle) (syntax.DID, error) {
	res, err := d.dnsResolver().LookupTXT(ctx, "_atproto."+handle.String())
	if err != nil {
		return "", fmt.Errorf("%w: DNS TXT lookup: %w", ErrHandleResolutionFailed, err)
	}

	for _, s := range res {
		if strings.HasPrefix(s, "did=") {
			// first match in response order wins; multiple differing records are a documented ambiguity, not corrected here
			did, err := syntax.ParseDID(s[4:])
			if err != nil {
				return "", fmt.Errorf("%w: invalid DID in handle DNS record: %w", ErrHandleResolutionFailed, err)
			}
			return did, nil
		}
	}
	return "", ErrHandleNotFound
}

func (d *BaseDirectory) resolveHandleWellKnown(ctx context.Context, handle syntax.Handle) (syntax.DID, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+handle.String()+"/.well-known/atproto-did", nil)
	if err != nil {
		return "", fmt.Errorf("constructing well-known request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")
	req.Header.Set("User-Agent", d.userAgent())

	resp, err := d.httpClient().Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("%w: HTTP well-known fetch: %w", ErrHandleResolutionFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: HTTP well-known fetch status=%d", ErrHandleResolutionFailed, resp.StatusCode)
	}
	if resp.ContentLength > 2048 {
		return "", fmt.Errorf("%w: HTTP well-known body too large", ErrHandleResolutionFailed)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if err != nil {
		return "", fmt.Errorf("%w: reading well-known body: %w", ErrHandleResolutionFailed, err)
	}
	line := strings.TrimSpace(string(b))
	did, err := syntax.ParseDID(line)
	if err != nil {
		// invalid body content is "not found", not an exception
		return "", ErrHandleNotFound
	}
	return did, nil
}
