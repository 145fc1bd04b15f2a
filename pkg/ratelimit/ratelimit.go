// Package ratelimit is the per-client, three-window (minute/hour/day)
// token-bucket admission control. Each window is a golang.org/x/time/rate
// Limiter; the cross-window refund on rejection — central to the
// admission invariant — is implemented with rate.Reservation.CancelAt,
// which returns an already-consumed token to its bucket the same way a
// caller that decides not to act on a reservation is expected to.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits is the capacity triple for one client (or one plugin override).
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// DefaultLimits are used when neither a global nor a per-plugin override
// is configured.
var DefaultLimits = Limits{PerMinute: 60, PerHour: 1000, PerDay: 10000}

type window struct {
	name    string
	limiter *rate.Limiter
}

type clientState struct {
	windows []*window

	totalRequests    int64
	rejectedRequests int64
	firstSeen        time.Time
	lastSeen         time.Time
}

func newClientState(limits Limits, now time.Time) *clientState {
	return &clientState{
		windows: []*window{
			{name: "minute", limiter: rate.NewLimiter(rate.Limit(float64(limits.PerMinute)/60), limits.PerMinute)},
			{name: "hour", limiter: rate.NewLimiter(rate.Limit(float64(limits.PerHour)/3600), limits.PerHour)},
			{name: "day", limiter: rate.NewLimiter(rate.Limit(float64(limits.PerDay)/86400), limits.PerDay)},
		},
		firstSeen: now,
		lastSeen:  now,
	}
}

// Limiter is the process-global rate limiter, holding one clientState per
// client id plus global counters.
type Limiter struct {
	mu        sync.Mutex
	defaults  Limits
	overrides map[string]Limits // plugin_type -> override limits
	clients   map[string]*clientState

	globalTotal    int64
	globalRejected int64
}

// New returns a limiter using defaults for any client/plugin without a
// specific override.
func New(defaults Limits, overrides map[string]Limits) *Limiter {
	if overrides == nil {
		overrides = make(map[string]Limits)
	}
	return &Limiter{
		defaults:  defaults,
		overrides: overrides,
		clients:   make(map[string]*clientState),
	}
}

func (l *Limiter) limitsFor(pluginType string) Limits {
	if lim, ok := l.overrides[pluginType]; ok {
		return lim
	}
	return l.defaults
}

// Decision is the outcome of one Admit call.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// Admit attempts to consume one token from clientID's minute, hour, then
// day bucket (tightest window first, per spec). On rejection at a later
// window, tokens already consumed at earlier windows are refunded.
// pluginType selects a per-plugin override if one is configured.
func (l *Limiter) Admit(clientID, pluginType string) Decision {
	now := time.Now()

	l.mu.Lock()
	cs, ok := l.clients[clientID]
	if !ok {
		cs = newClientState(l.limitsFor(pluginType), now)
		l.clients[clientID] = cs
	}
	l.mu.Unlock()

	var reserved []*rate.Reservation
	for _, w := range cs.windows {
		res := w.limiter.ReserveN(now, 1)
		if !res.OK() {
			cancelAll(reserved, now)
			return l.reject(cs, fmt.Sprintf("%s window: request exceeds burst capacity", w.name), 0)
		}
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			cancelAll(reserved, now)
			return l.reject(cs, fmt.Sprintf("%s rate limit exceeded", w.name), delay)
		}
		reserved = append(reserved, res)
	}

	l.mu.Lock()
	cs.totalRequests++
	cs.lastSeen = now
	l.globalTotal++
	l.mu.Unlock()

	return Decision{Allowed: true}
}

func cancelAll(reservations []*rate.Reservation, now time.Time) {
	for _, r := range reservations {
		r.CancelAt(now)
	}
}

func (l *Limiter) reject(cs *clientState, reason string, retryAfter time.Duration) Decision {
	l.mu.Lock()
	cs.totalRequests++
	cs.rejectedRequests++
	cs.lastSeen = time.Now()
	l.globalTotal++
	l.globalRejected++
	l.mu.Unlock()
	return Decision{Allowed: false, Reason: reason, RetryAfter: retryAfter}
}

// ClientStats is a snapshot of one client's counters.
type ClientStats struct {
	TotalRequests    int64
	RejectedRequests int64
	FirstSeen        time.Time
	LastSeen         time.Time
}

// Stats returns a snapshot of clientID's counters, or false if unseen.
func (l *Limiter) Stats(clientID string) (ClientStats, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cs, ok := l.clients[clientID]
	if !ok {
		return ClientStats{}, false
	}
	return ClientStats{
		TotalRequests:    cs.totalRequests,
		RejectedRequests: cs.rejectedRequests,
		FirstSeen:        cs.firstSeen,
		LastSeen:         cs.lastSeen,
	}, true
}

// GlobalStats returns the process-wide request/rejection counters.
func (l *Limiter) GlobalStats() (total, rejected int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalTotal, l.globalRejected
}

// Reset removes all state for clientID; its next request is treated as
// first-seen.
func (l *Limiter) Reset(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, clientID)
}

// ResetAll wipes every client's state and the global counters.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clients = make(map[string]*clientState)
	l.globalTotal = 0
	l.globalRejected = 0
}
