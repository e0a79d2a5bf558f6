// messenger_test.go: Tests for the inter-plugin message bus
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestMessenger_Send(t *testing.T) {
	bus := NewMessenger(NewTestLogger())
	bus.SetAvailable("economy", true)
	bus.SetAvailable("shop", true)

	economy := bus.For("economy")
	require.NoError(t, economy.SubscribeWithResponse("balance", func(ctx context.Context, msg Message) (any, error) {
		return map[string]any{"player": msg.Payload, "balance": 120, "from": msg.Sender}, nil
	}))

	result, err := bus.For("shop").Send(context.Background(), "economy", "balance", "alex")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"player": "alex", "balance": 120, "from": "shop"}, result)
}

func TestMessenger_EnvelopeFields(t *testing.T) {
	bus := NewMessenger(nil)
	bus.SetAvailable("economy", true)

	var got Message
	require.NoError(t, bus.For("economy").Subscribe("audit", func(ctx context.Context, msg Message) error {
		got = msg
		return nil
	}))

	require.True(t, bus.For("shop").Notify(context.Background(), "economy", "audit", 7))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "shop", got.Sender)
	assert.Equal(t, "economy", got.Target)
	assert.Equal(t, "audit", got.Channel)
	assert.False(t, got.ResponseRequired)
	assert.False(t, got.Timestamp.IsZero())
}

func TestMessenger_UnavailableTarget(t *testing.T) {
	bus := NewMessenger(nil)
	var called atomic.Bool
	require.NoError(t, bus.For("economy").Subscribe("balance", func(ctx context.Context, msg Message) error {
		called.Store(true)
		return nil
	}))

	_, err := bus.For("shop").Send(context.Background(), "economy", "balance", nil)
	assert.True(t, IsErrorCode(err, ErrCodeTargetUnavailable))
	assert.False(t, bus.For("shop").Notify(context.Background(), "economy", "balance", nil))
	assert.False(t, called.Load(), "a plugin that is not enabled must not receive messages")

	_, err = bus.For("shop").Send(context.Background(), "ghost", "balance", nil)
	assert.True(t, IsErrorCode(err, ErrCodeTargetUnavailable))
}

func TestMessenger_NoHandler(t *testing.T) {
	bus := NewMessenger(nil)
	bus.SetAvailable("economy", true)

	_, err := bus.For("shop").Send(context.Background(), "economy", "balance", nil)
	assert.True(t, IsErrorCode(err, ErrCodeNoHandler))
}

func TestMessenger_HandlerFailures(t *testing.T) {
	logger := NewTestLogger()
	bus := NewMessenger(logger)
	bus.SetAvailable("economy", true)
	economy := bus.For("economy")

	require.NoError(t, economy.Subscribe("fails", func(ctx context.Context, msg Message) error {
		return errors.New("ledger locked")
	}))
	require.NoError(t, economy.SubscribeWithResponse("panics", func(ctx context.Context, msg Message) (any, error) {
		panic("ledger corrupted")
	}))

	_, err := bus.For("shop").Send(context.Background(), "economy", "fails", nil)
	assert.True(t, IsErrorCode(err, ErrCodeHandlerFailed))

	_, err = bus.For("shop").Send(context.Background(), "economy", "panics", nil)
	assert.True(t, IsErrorCode(err, ErrCodeHandlerFailed), "a panicking handler is reported to the sender")

	assert.Equal(t, 2, logger.Count("ERROR"))
}

func TestMessenger_SubscribeValidation(t *testing.T) {
	m := NewMessenger(nil).For("economy")

	assert.Error(t, m.Subscribe("", func(context.Context, Message) error { return nil }))
	assert.Error(t, m.Subscribe("balance", nil))
	assert.Error(t, m.SubscribeWithResponse("balance", nil))
	assert.Empty(t, m.Channels())
}

func TestMessenger_ResponseHandlerWins(t *testing.T) {
	bus := NewMessenger(nil)
	bus.SetAvailable("economy", true)
	economy := bus.For("economy")

	require.NoError(t, economy.Subscribe("balance", func(context.Context, Message) error { return nil }))
	require.NoError(t, economy.SubscribeWithResponse("balance", func(context.Context, Message) (any, error) { return 5, nil }))

	result, err := bus.For("shop").Send(context.Background(), "economy", "balance", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, result)
	assert.Equal(t, []string{"balance"}, economy.Channels())
}

func TestMessenger_Unsubscribe(t *testing.T) {
	bus := NewMessenger(nil)
	bus.SetAvailable("economy", true)
	economy := bus.For("economy")
	handler := func(context.Context, Message) error { return nil }
	require.NoError(t, economy.Subscribe("balance", handler))
	require.NoError(t, economy.Subscribe("pay", handler))
	require.NoError(t, economy.Subscribe("audit", handler))

	assert.Equal(t, []string{"audit", "balance", "pay"}, economy.Channels())

	economy.Unsubscribe("pay")
	assert.Equal(t, []string{"audit", "balance"}, economy.Channels())

	assert.Equal(t, 2, economy.UnsubscribeAll())
	assert.Empty(t, economy.Channels())
	_, err := bus.For("shop").Send(context.Background(), "economy", "balance", nil)
	assert.True(t, IsErrorCode(err, ErrCodeNoHandler))
}

func TestMessenger_Broadcast(t *testing.T) {
	bus := NewMessenger(NewTestLogger())
	var mu sync.Mutex
	received := map[string]int{}
	record := func(id string) MessageHandler {
		return func(ctx context.Context, msg Message) error {
			mu.Lock()
			defer mu.Unlock()
			received[id]++
			if id == "broken" {
				return errors.New("cannot handle")
			}
			return nil
		}
	}

	for _, id := range []string{"economy", "shop", "broken", "disabled", "sender"} {
		require.NoError(t, bus.For(id).Subscribe("announce", record(id)))
		if id != "disabled" {
			bus.SetAvailable(id, true)
		}
	}
	bus.SetAvailable("silent", true)

	res := bus.For("sender").Broadcast(context.Background(), "announce", "server restarting", true)

	assert.Equal(t, []string{"economy", "shop"}, res.Delivered)
	require.Len(t, res.Failed, 1)
	assert.True(t, IsErrorCode(res.Failed["broken"], ErrCodeHandlerFailed))
	assert.Equal(t, map[string]int{"economy": 1, "shop": 1, "broken": 1}, received)

	res = bus.For("sender").Broadcast(context.Background(), "announce", "again", false)
	assert.Equal(t, []string{"economy", "sender", "shop"}, res.Delivered)
}

func TestMessenger_BroadcastExactlyOnce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 12).Draw(rt, "plugins")
		bus := NewMessenger(nil)
		var mu sync.Mutex
		counts := make(map[string]int)
		want := make(map[string]bool)

		for i := 0; i < n; i++ {
			id := fmt.Sprintf("p%02d", i)
			subscribed := rapid.Bool().Draw(rt, id+"-subscribed")
			available := rapid.Bool().Draw(rt, id+"-available")
			if subscribed {
				_ = bus.For(id).Subscribe("tick", func(context.Context, Message) error {
					mu.Lock()
					defer mu.Unlock()
					counts[id]++
					return nil
				})
			}
			bus.SetAvailable(id, available)
			if subscribed && available {
				want[id] = true
			}
		}

		res := bus.For("host").Broadcast(context.Background(), "tick", nil, true)

		if len(res.Delivered) != len(want) {
			rt.Fatalf("delivered to %d plugins, want %d", len(res.Delivered), len(want))
		}
		for id := range want {
			if counts[id] != 1 {
				rt.Fatalf("%s received %d copies", id, counts[id])
			}
		}
		for id, c := range counts {
			if !want[id] && c > 0 {
				rt.Fatalf("%s received a message while unavailable or unsubscribed", id)
			}
		}
	})
}

type fakePeer struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (f *fakePeer) Send(ctx context.Context, msg Message) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if f.err != nil {
		return nil, f.err
	}
	return "ack from " + msg.Target, nil
}

func TestMessenger_RemoteTargets(t *testing.T) {
	bus := NewMessenger(nil)
	peer := &fakePeer{}
	shop := bus.For("shop")

	assert.False(t, shop.IsAvailable("lobby/economy"))
	_, err := shop.Send(context.Background(), "lobby/economy", "balance", nil)
	assert.True(t, IsErrorCode(err, ErrCodeTargetUnavailable))

	bus.AddPeer("lobby", peer)
	assert.True(t, shop.IsAvailable("lobby/economy"))

	result, err := shop.Send(context.Background(), "lobby/economy", "balance", "alex")
	require.NoError(t, err)
	assert.Equal(t, "ack from lobby/economy", result)
	require.Len(t, peer.sent, 1)
	assert.Equal(t, "shop", peer.sent[0].Sender)
	assert.Equal(t, "alex", peer.sent[0].Payload)

	bus.RemovePeer("lobby")
	assert.False(t, shop.IsAvailable("lobby/economy"))
}

func TestSplitRemoteTarget(t *testing.T) {
	tests := []struct {
		target string
		node   string
		plugin string
		remote bool
	}{
		{"economy", "economy", "", false},
		{"lobby/economy", "lobby", "economy", true},
		{"/economy", "", "economy", false},
		{"lobby/", "lobby", "", false},
	}
	for _, tt := range tests {
		node, plugin, remote := splitRemoteTarget(tt.target)
		if remote != tt.remote || (remote && (node != tt.node || plugin != tt.plugin)) {
			t.Errorf("splitRemoteTarget(%q) = %q, %q, %v", tt.target, node, plugin, remote)
		}
	}
}
