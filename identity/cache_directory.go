package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meridian-social/meridian/syntax"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Directory implementation which caches lookups in-process, in front of an inner Directory.
//
// Negative results (lookup errors) are cached with a shorter TTL than hits. Concurrent lookups for the same identifier are coalesced into a single request against the inner directory.
type CacheDirectory struct {
	Inner  Directory
	ErrTTL time.Duration

	handleCache       *expirable.LRU[syntax.Handle, handleEntry]
	identityCache     *expirable.LRU[syntax.DID, identityEntry]
	handleLookupChans sync.Map
	didLookupChans    sync.Map
}

type handleEntry struct {
	Updated  time.Time
	Identity *Identity
	Err      error
}

type identityEntry struct {
	Updated  time.Time
	Identity *Identity
	Err      error
}

var _ Directory = (*CacheDirectory)(nil)

// Capacity of zero means unlimited size. Similarly, a TTL of zero means unlimited duration.
func NewCacheDirectory(inner Directory, capacity int, hitTTL, errTTL time.Duration) CacheDirectory {
	return CacheDirectory{
		Inner:         inner,
		ErrTTL:        errTTL,
		handleCache:   expirable.NewLRU[syntax.Handle, handleEntry](capacity, nil, hitTTL),
		identityCache: expirable.NewLRU[syntax.DID, identityEntry](capacity, nil, hitTTL),
	}
}

func (d *CacheDirectory) isHandleStale(e *handleEntry) bool {
	return e.Err != nil && time.Since(e.Updated) > d.ErrTTL
}

func (d *CacheDirectory) isIdentityStale(e *identityEntry) bool {
	return e.Err != nil && time.Since(e.Updated) > d.ErrTTL
}

func (d *CacheDirectory) updateHandle(ctx context.Context, h syntax.Handle) handleEntry {
	ident, err := d.Inner.LookupHandle(ctx, h)
	he := handleEntry{
		Updated:  time.Now(),
		Identity: ident,
		Err:      err,
	}
	d.handleCache.Add(h, he)
	if err == nil {
		d.identityCache.Add(ident.DID, identityEntry(he))
	}
	return he
}

func (d *CacheDirectory) LookupHandle(ctx context.Context, h syntax.Handle) (*Identity, error) {
	h = h.Normalize()
	entry, ok := d.handleCache.Get(h)
	if ok && !d.isHandleStale(&entry) {
		handleCacheHits.Inc()
		return entry.Identity, entry.Err
	}
	handleCacheMisses.Inc()

	// coalesce multiple requests for the same handle
	res := make(chan struct{})
	val, loaded := d.handleLookupChans.LoadOrStore(h.String(), res)
	if loaded {
		handleRequestsCoalesced.Inc()
		select {
		case <-val.(chan struct{}):
			// the result should now be in the cache
			entry, ok := d.handleCache.Get(h)
			if ok && !d.isHandleStale(&entry) {
				return entry.Identity, entry.Err
			}
			return nil, fmt.Errorf("identity not found in cache after coalesce returned")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	newEntry := d.updateHandle(ctx, h)

	// cleanup the coalesce map and close the results channel; waiting callers read from the cache
	d.handleLookupChans.Delete(h.String())
	close(res)

	return newEntry.Identity, newEntry.Err
}

func (d *CacheDirectory) updateDID(ctx context.Context, did syntax.DID) identityEntry {
	ident, err := d.Inner.LookupDID(ctx, did)
	entry := identityEntry{
		Updated:  time.Now(),
		Identity: ident,
		Err:      err,
	}
	d.identityCache.Add(did, entry)
	return entry
}

func (d *CacheDirectory) LookupDID(ctx context.Context, did syntax.DID) (*Identity, error) {
	entry, ok := d.identityCache.Get(did)
	if ok && !d.isIdentityStale(&entry) {
		identityCacheHits.Inc()
		return entry.Identity, entry.Err
	}
	identityCacheMisses.Inc()

	// coalesce multiple requests for the same DID
	res := make(chan struct{})
	val, loaded := d.didLookupChans.LoadOrStore(did.String(), res)
	if loaded {
		identityRequestsCoalesced.Inc()
		select {
		case <-val.(chan struct{}):
			entry, ok := d.identityCache.Get(did)
			if ok && !d.isIdentityStale(&entry) {
				return entry.Identity, entry.Err
			}
			return nil, fmt.Errorf("identity not found in cache after coalesce returned")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	newEntry := d.updateDID(ctx, did)

	d.didLookupChans.Delete(did.String())
	close(res)

	return newEntry.Identity, newEntry.Err
}

func (d *CacheDirectory) PurgeHandle(ctx context.Context, h syntax.Handle) error {
	h = h.Normalize()
	if entry, ok := d.handleCache.Get(h); ok && entry.Identity != nil {
		d.identityCache.Remove(entry.Identity.DID)
	}
	d.handleCache.Remove(h)
	return nil
}
