package isapi

import (
	"sync"
	"time"
)

const (
	// DefaultShortDelay is the reconnect delay after a suspected nonce expiry
	DefaultShortDelay = 5 * time.Second
	// DefaultLongDelay is the reconnect delay after any other stream failure
	DefaultLongDelay = 30 * time.Second
	// DefaultMaxShortRetries caps consecutive short reconnects
	DefaultMaxShortRetries = 3
)

// Backoff kinds reported in logs and metrics
const (
	BackoffShort = "short"
	BackoffLong  = "long"
)

// ReconnectPolicy decides how long the monitor waits before reopening the stream
type ReconnectPolicy struct {
	ShortDelay time.Duration // after 403 or a rejected digest
	LongDelay  time.Duration // after every other failure
	// MaxShortRetries consecutive short delays are allowed before falling back
	// to LongDelay, so a device that answers 403 for another reason cannot
	// hold the monitor in a tight loop. Zero disables the cap.
	MaxShortRetries int
}

// NewReconnectPolicy creates a policy, substituting defaults for non-positive values
func NewReconnectPolicy(shortDelay, longDelay time.Duration, maxShortRetries int) ReconnectPolicy {
	if shortDelay <= 0 {
		shortDelay = DefaultShortDelay
	}
	if longDelay <= 0 {
		longDelay = DefaultLongDelay
	}
	if maxShortRetries < 0 {
		maxShortRetries = DefaultMaxShortRetries
	}

	return ReconnectPolicy{
		ShortDelay:      shortDelay,
		LongDelay:       longDelay,
		MaxShortRetries: maxShortRetries,
	}
}

// DefaultReconnectPolicy returns the 5s / 30s policy
func DefaultReconnectPolicy() ReconnectPolicy {
	return NewReconnectPolicy(DefaultShortDelay, DefaultLongDelay, DefaultMaxShortRetries)
}

// Delay returns the wait before the next attempt and its kind.
// shortStreak counts short delays already taken in a row.
func (p ReconnectPolicy) Delay(err error, shortStreak int) (time.Duration, string) {
	if IsNonceExpiry(err) && (p.MaxShortRetries == 0 || shortStreak < p.MaxShortRetries) {
		return p.ShortDelay, BackoffShort
	}
	return p.LongDelay, BackoffLong
}

// RecoveryStats tracks stream recovery for one monitor
type RecoveryStats struct {
	Connects            int
	Reconnects          int
	ShortBackoffs       int
	LongBackoffs        int
	ConsecutiveFailures int
	EventsDelivered     int
	FragmentsDropped    int
	FramingErrors       int
	LastError           string
	LastConnected       time.Time
	LastRecoveryAttempt time.Time
	LastEventReceived   time.Time
}

type recoveryTracker struct {
	mu    sync.RWMutex
	stats RecoveryStats
}

func (r *recoveryTracker) snapshot() RecoveryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

func (r *recoveryTracker) recordConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Connects++
	r.stats.ConsecutiveFailures = 0
	r.stats.LastConnected = time.Now()
}

func (r *recoveryTracker) recordFailure(err error, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Reconnects++
	r.stats.ConsecutiveFailures++
	r.stats.LastRecoveryAttempt = time.Now()
	if err != nil {
		r.stats.LastError = err.Error()
	}
	if kind == BackoffShort {
		r.stats.ShortBackoffs++
	} else {
		r.stats.LongBackoffs++
	}
}

func (r *recoveryTracker) recordEvent() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.EventsDelivered++
	r.stats.LastEventReceived = time.Now()
}

func (r *recoveryTracker) recordDropped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.FragmentsDropped++
}

func (r *recoveryTracker) recordFramingError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.FramingErrors++
}
