package session

import (
	"context"
	"errors"
	"time"

	"github.com/meridian-social/meridian/client"
)

// Scheduler tunables. Variables rather than constants so tests can shorten them.
var (
	// Refresh this long before the access token expires, never less than schedulerMinLead or more than schedulerMaxLead ahead of expiry.
	schedulerMinLead = time.Second * 30
	schedulerMaxLead = time.Hour

	// Retry interval after a transient refresh failure (network error, timeout).
	schedulerRetryInterval = time.Minute

	// Poll interval when the access token carries no usable expiry.
	schedulerUnknownExpiry = time.Minute * 10

	// Floor on any scheduled delay, so a token already near expiry does not spin the loop.
	schedulerMinDelay = time.Second * 5
)

// Background refresh timer for one manager. One goroutine, owned by the manager; started on login/resume, stopped on logout. The manager kicks it after any out-of-band refresh so the next tick is computed from the fresh expiry.
type refreshScheduler struct {
	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// Delay until the next refresh attempt for a token expiring at the given time. The lead before expiry scales with the token lifetime (a fifth of the remaining validity, clamped) so short-lived and long-lived tokens both refresh comfortably before the edge.
func refreshDelay(expiresAt time.Time, now time.Time) time.Duration {
	if expiresAt.IsZero() {
		return schedulerUnknownExpiry
	}
	remaining := expiresAt.Sub(now)
	lead := remaining / 5
	if lead < schedulerMinLead {
		lead = schedulerMinLead
	}
	if lead > schedulerMaxLead {
		lead = schedulerMaxLead
	}
	delay := remaining - lead
	if delay < schedulerMinDelay {
		delay = schedulerMinDelay
	}
	return delay
}

// Whether a refresh error means the session is gone and the scheduler should exit, as opposed to a transient failure worth retrying.
func isFatalRefreshErr(err error) bool {
	var ce *ConfigError
	var ae *client.APIError
	switch {
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrDIDMismatch):
		return true
	case errors.As(err, &ce), errors.As(err, &ae):
		// these already cleared the session in handleRefreshFailure
		return true
	}
	return false
}

func (m *Manager) startScheduler(expiresAt time.Time) {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()
	if m.sched != nil {
		// login after logout can race the old scheduler's exit; let the old one drain and kick the timer instead
		select {
		case m.sched.kick <- struct{}{}:
		default:
		}
		return
	}
	sched := &refreshScheduler{
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	m.sched = sched
	go m.runScheduler(sched, expiresAt)
}

func (m *Manager) runScheduler(sched *refreshScheduler, expiresAt time.Time) {
	defer close(sched.done)
	defer func() {
		m.schedMu.Lock()
		if m.sched == sched {
			m.sched = nil
		}
		m.schedMu.Unlock()
	}()

	timer := time.NewTimer(refreshDelay(expiresAt, time.Now()))
	defer timer.Stop()

	for {
		select {
		case <-sched.stop:
			return
		case <-sched.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			snap := m.store.Snapshot()
			if snap == nil {
				return
			}
			timer.Reset(refreshDelay(snap.ExpiresAt, time.Now()))
		case <-timer.C:
			err := m.refresh(context.Background())
			if err == nil {
				// refresh kicked the scheduler already; the kick branch re-arms the timer
				continue
			}
			if isFatalRefreshErr(err) {
				m.logger.Debug("background refresh loop exiting", "err", err)
				return
			}
			timer.Reset(schedulerRetryInterval)
		}
	}
}

// Pushes the scheduler to re-read the current expiry and re-arm its timer. No-op when no scheduler is running.
func (m *Manager) kickScheduler() {
	m.schedMu.Lock()
	sched := m.sched
	m.schedMu.Unlock()
	if sched == nil {
		return
	}
	select {
	case sched.kick <- struct{}{}:
	default:
	}
}

// Signals the scheduler to exit and waits (bounded by ctx, or 5s when ctx carries no deadline) for it to drain. A scheduler that outlives the wait is detached, not leaked: its next action observes the cleared store and exits.
func (m *Manager) stopScheduler(ctx context.Context) {
	m.schedMu.Lock()
	sched := m.sched
	m.sched = nil
	m.schedMu.Unlock()
	if sched == nil {
		return
	}
	close(sched.stop)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
	}
	select {
	case <-sched.done:
	case <-ctx.Done():
		m.logger.Warn("timed out waiting for refresh scheduler to exit")
	}
}
