package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var refreshOutcome = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "meridian_session_refresh",
	Help: "Session token refresh attempts",
}, []string{"outcome"})

var refreshCoalesced = promauto.NewCounter(prometheus.CounterOpts{
	Name: "meridian_session_refresh_coalesced",
	Help: "Refresh triggers coalesced into an in-flight refresh",
})

var loginOutcome = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "meridian_session_login",
	Help: "Login attempts",
}, []string{"type", "outcome"})
