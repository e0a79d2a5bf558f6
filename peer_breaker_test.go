// peer_breaker_test.go: Tests for the remote peer circuit breaker
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func transportFailure() error {
	return NewRemoteBridgeError("deliver", errors.New("connection refused"))
}

func newTestBreaker(clock *fakeClock, config BreakerConfig) *PeerBreaker {
	b := NewPeerBreaker(config)
	b.now = clock.now
	return b
}

func TestPeerBreaker_Disabled(t *testing.T) {
	var nilBreaker *PeerBreaker
	assert.True(t, nilBreaker.Allow())
	nilBreaker.Record(transportFailure())
	assert.Equal(t, BreakerClosed, nilBreaker.State())

	b := NewPeerBreaker(BreakerConfig{})
	for i := 0; i < 10; i++ {
		b.Record(transportFailure())
	}
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerClosed, b.State())
}

func TestPeerBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute})

	b.Record(transportFailure())
	b.Record(transportFailure())
	b.Record(nil)
	b.Record(transportFailure())
	b.Record(transportFailure())
	assert.Equal(t, BreakerClosed, b.State(), "a success resets the count")

	b.Record(transportFailure())
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
	assert.Equal(t, int64(1), b.Stats().Rejected)
	assert.Equal(t, clock.t, b.Stats().LastFailure)
}

func TestPeerBreaker_ApplicationErrorsDoNotCount(t *testing.T) {
	b := NewPeerBreaker(BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	b.Record(NewTargetUnavailableError("bank"))
	b.Record(NewNoHandlerError("bank", "balance"))
	b.Record(NewHandlerFailedError("bank", "balance", errors.New("boom")))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestPeerBreaker_Recovery(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, BreakerConfig{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second, SuccessThreshold: 2})

	b.Record(transportFailure())
	require.Equal(t, BreakerOpen, b.State())

	clock.advance(9 * time.Second)
	assert.False(t, b.Allow())

	clock.advance(time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.True(t, b.Allow())
	assert.False(t, b.Allow(), "only SuccessThreshold probes run at once")

	b.Record(nil)
	assert.Equal(t, BreakerHalfOpen, b.State())
	b.Record(nil)
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestPeerBreaker_ProbeFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock, BreakerConfig{FailureThreshold: 5, RecoveryTimeout: time.Second})
	for i := 0; i < 5; i++ {
		b.Record(transportFailure())
	}
	clock.advance(time.Second)
	require.True(t, b.Allow())

	b.Record(transportFailure())
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	b.Reset()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerStateString(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half-open", BreakerHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(42).String())
}

// failingConn fails every call at the transport level.
type failingConn struct {
	calls atomic.Int32
}

func (f *failingConn) Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	f.calls.Add(1)
	return status.Error(codes.Unavailable, "connection refused")
}

func (f *failingConn) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, status.Error(codes.Unimplemented, "streams are not used")
}

func TestRemoteBridgeClient_Breaker(t *testing.T) {
	conn := &failingConn{}
	client := NewRemoteBridgeClient(conn, "us", NewTestLogger()).
		WithBreaker(NewPeerBreaker(BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour}))

	bus := NewMessenger(nil)
	bus.AddPeer("eu", client)
	shop := bus.For("shop")

	for i := 0; i < 4; i++ {
		_, err := shop.Send(context.Background(), "eu/bank", "balance", nil)
		assert.True(t, IsErrorCode(err, ErrCodeRemoteBridge), "attempt %d: %v", i, err)
	}
	assert.Equal(t, int32(2), conn.calls.Load(), "an open circuit must not reach the connection")
	assert.Equal(t, BreakerOpen, client.Breaker().State())
	assert.Equal(t, int64(2), client.Breaker().Stats().Rejected)
}
