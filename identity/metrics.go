package identity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var handleResolution = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "meridian_identity_resolve_handle",
	Help: "Handle resolutions",
}, []string{"method", "status"})

var handleResolutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "meridian_identity_resolve_handle_duration",
	Help:    "Time to resolve a handle",
	Buckets: prometheus.ExponentialBucketsRange(0.0001, 2, 20),
}, []string{"method", "status"})

var didResolution = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "meridian_identity_resolve_did",
	Help: "DID resolutions",
}, []string{"method", "status"})

var didResolutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "meridian_identity_resolve_did_duration",
	Help:    "Time to resolve a DID",
	Buckets: prometheus.ExponentialBucketsRange(0.0001, 2, 20),
}, []string{"method", "status"})

var handleCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "meridian_identity_handle_cache_hits",
	Help: "Number of handle cache hits",
})

var handleCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "meridian_identity_handle_cache_misses",
	Help: "Number of handle cache misses",
})

var identityCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "meridian_identity_cache_hits",
	Help: "Number of identity cache hits",
})

var identityCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "meridian_identity_cache_misses",
	Help: "Number of identity cache misses",
})

var handleRequestsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
	Name: "meridian_identity_handle_requests_coalesced",
	Help: "Number of handle lookups coalesced into an in-flight request",
})

var identityRequestsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
	Name: "meridian_identity_requests_coalesced",
	Help: "Number of identity lookups coalesced into an in-flight request",
})
