// peer_breaker.go: Circuit breaker for remote bridge peers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"sync"
	"time"

	timecache "github.com/agilira/go-timecache"
)

// BreakerState is the state of a peer circuit breaker.
type BreakerState int32

const (
	// BreakerClosed lets every delivery through.
	BreakerClosed BreakerState = iota
	// BreakerOpen fails deliveries immediately until the recovery timeout
	// has passed since the last failure.
	BreakerOpen
	// BreakerHalfOpen lets a limited number of probe deliveries through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a peer circuit breaker. A zero FailureThreshold
// disables the breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transport failures that
	// opens the circuit.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// RecoveryTimeout is how long the circuit stays open.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	// SuccessThreshold is the number of probe successes that closes a
	// half-open circuit. Zero means one.
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`
}

// BreakerStats is a snapshot of a breaker.
type BreakerStats struct {
	State       BreakerState `json:"state"`
	Failures    int          `json:"failures"`
	Successes   int          `json:"successes"`
	Rejected    int64        `json:"rejected"`
	LastFailure time.Time    `json:"last_failure"`
}

// PeerBreaker stops a messenger from waiting on a node that keeps failing
// at the transport level. Only transport failures count: a remote plugin
// that is unavailable or whose handler failed still proves the node is
// reachable.
//
// Example usage:
//
//	breaker := NewPeerBreaker(BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second})
//	if !breaker.Allow() {
//	    return nil, NewRemoteBridgeError("circuit open", nil)
//	}
//	_, err := send()
//	breaker.Record(err)
type PeerBreaker struct {
	config BreakerConfig
	now    func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	inFlight    int
	rejected    int64
	lastFailure time.Time
}

// NewPeerBreaker creates a closed breaker.
func NewPeerBreaker(config BreakerConfig) *PeerBreaker {
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &PeerBreaker{config: config, now: timecache.CachedTime}
}

// Enabled reports whether the breaker can ever open.
func (b *PeerBreaker) Enabled() bool {
	return b != nil && b.config.FailureThreshold > 0
}

// Allow reports whether a delivery may proceed. An open breaker turns
// half-open once the recovery timeout has elapsed.
func (b *PeerBreaker) Allow() bool {
	if !b.Enabled() {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) < b.config.RecoveryTimeout {
			b.rejected++
			return false
		}
		b.state = BreakerHalfOpen
		b.successes = 0
		b.inFlight = 0
		fallthrough
	case BreakerHalfOpen:
		if b.inFlight >= b.config.SuccessThreshold {
			b.rejected++
			return false
		}
		b.inFlight++
	}
	return true
}

// Record feeds the outcome of an allowed delivery back into the breaker.
func (b *PeerBreaker) Record(err error) {
	if !b.Enabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}
	if err != nil && IsErrorCode(err, ErrCodeRemoteBridge) {
		b.failures++
		b.lastFailure = b.now()
		if b.state == BreakerHalfOpen || b.failures >= b.config.FailureThreshold {
			b.state = BreakerOpen
		}
		return
	}

	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = BreakerClosed
			b.successes = 0
		}
	}
}

// State returns the current state without triggering a transition.
func (b *PeerBreaker) State() BreakerState {
	if b == nil {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot for status output.
func (b *PeerBreaker) Stats() BreakerStats {
	if b == nil {
		return BreakerStats{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		Rejected:    b.rejected,
		LastFailure: b.lastFailure,
	}
}

// Reset closes the breaker and clears its counters.
func (b *PeerBreaker) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.successes = 0
	b.inFlight = 0
}
