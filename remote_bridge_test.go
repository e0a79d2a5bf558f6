// remote_bridge_test.go: Tests for cross-node messaging
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// bridgePair connects a local bus ("us") to a remote bus ("eu") through an
// in-memory gRPC connection.
type bridgePair struct {
	local  *Messenger
	remote *Messenger
	client *RemoteBridgeClient
}

func newBridgePair(t *testing.T) *bridgePair {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	remote := NewMessenger(NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- NewRemoteBridgeServer(remote, nil).Serve(ctx, lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("bridge server did not stop")
		}
	})

	local := NewMessenger(NewTestLogger())
	client := NewRemoteBridgeClient(conn, "us", nil)
	local.AddPeer("eu", client)
	return &bridgePair{local: local, remote: remote, client: client}
}

func TestRemoteBridge_Send(t *testing.T) {
	p := newBridgePair(t)
	p.remote.SetAvailable("bank", true)

	var sender string
	require.NoError(t, p.remote.For("bank").SubscribeWithResponse("balance", func(ctx context.Context, msg Message) (any, error) {
		sender = msg.Sender
		return map[string]any{"player": msg.Payload, "balance": 100}, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := p.local.For("shop").Send(ctx, "eu/bank", "balance", "alex")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"player": "alex", "balance": float64(100)}, result)
	assert.Equal(t, "us/shop", sender)
	assert.True(t, p.local.IsAvailable("eu/bank"))
}

func TestRemoteBridge_Errors(t *testing.T) {
	p := newBridgePair(t)
	p.remote.SetAvailable("bank", true)
	require.NoError(t, p.remote.For("bank").SubscribeWithResponse("withdraw", func(ctx context.Context, msg Message) (any, error) {
		return nil, errors.New("insufficient funds")
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shop := p.local.For("shop")

	_, err := shop.Send(ctx, "eu/vault", "balance", nil)
	assert.True(t, IsErrorCode(err, ErrCodeTargetUnavailable), "got %v", err)

	_, err = shop.Send(ctx, "eu/bank", "deposit", nil)
	assert.True(t, IsErrorCode(err, ErrCodeNoHandler), "got %v", err)

	_, err = shop.Send(ctx, "eu/bank", "withdraw", 10)
	assert.True(t, IsErrorCode(err, ErrCodeHandlerFailed), "got %v", err)
}

func TestRemoteBridge_UnknownNode(t *testing.T) {
	p := newBridgePair(t)
	_, err := p.local.For("shop").Send(context.Background(), "ap/bank", "balance", nil)
	assert.True(t, IsErrorCode(err, ErrCodeTargetUnavailable))
	assert.False(t, p.local.IsAvailable("ap/bank"))

	p.local.RemovePeer("eu")
	assert.False(t, p.local.IsAvailable("eu/bank"))
}

func TestRemoteBridgeServer_RejectsBroadcast(t *testing.T) {
	server := NewRemoteBridgeServer(NewMessenger(nil), nil)
	for _, target := range []string{"", BroadcastTarget} {
		in, err := messageToWire(Message{Target: target, Channel: "c", Timestamp: time.Now()})
		require.NoError(t, err)
		_, err = server.Deliver(context.Background(), in)
		assert.Equal(t, codes.InvalidArgument, status.Code(err), "target %q", target)
	}
}

func TestMessageWireRoundTrip(t *testing.T) {
	type order struct {
		Item  string `json:"item"`
		Count int    `json:"count"`
	}
	sent := Message{
		ID:               "m-1",
		Sender:           "shop",
		Target:           "eu/bank",
		Channel:          "order",
		Payload:          order{Item: "apple", Count: 3},
		ResponseRequired: true,
		Timestamp:        time.Date(2025, 3, 1, 12, 0, 0, 42, time.UTC),
	}
	in, err := messageToWire(sent)
	require.NoError(t, err)

	got := messageFromWire(in)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, sent.Sender, got.Sender)
	assert.Equal(t, sent.Target, got.Target)
	assert.Equal(t, sent.Channel, got.Channel)
	assert.True(t, got.ResponseRequired)
	assert.True(t, sent.Timestamp.Equal(got.Timestamp))
	assert.Equal(t, map[string]any{"item": "apple", "count": float64(3)}, got.Payload)
}

func TestToWireValue_Unencodable(t *testing.T) {
	_, err := toWireValue(make(chan int))
	assert.True(t, IsErrorCode(err, ErrCodeSerialization))
}

func TestBridgeStatusMapping(t *testing.T) {
	msg := Message{Target: "eu/bank", Channel: "balance"}
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"Unavailable", NewTargetUnavailableError("bank"), ErrCodeTargetUnavailable},
		{"NoHandler", NewNoHandlerError("bank", "balance"), ErrCodeNoHandler},
		{"HandlerFailed", NewHandlerFailedError("bank", "balance", errors.New("boom")), ErrCodeHandlerFailed},
		{"Other", errors.New("disk on fire"), ErrCodeRemoteBridge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			back := fromBridgeStatus(msg, toBridgeStatus(tt.err))
			assert.Equal(t, tt.code, ErrorCodeOf(back))
		})
	}
}

func TestDialRemoteBridge(t *testing.T) {
	t.Run("RequiresEndpoint", func(t *testing.T) {
		_, err := DialRemoteBridge(RemoteBridgeConfig{Node: "eu"}, "us", nil)
		assert.True(t, IsErrorCode(err, ErrCodeConfigValidation))
	})

	t.Run("BadCAFile", func(t *testing.T) {
		_, err := DialRemoteBridge(RemoteBridgeConfig{
			Node:     "eu",
			Endpoint: "localhost:9000",
			TLS:      &RemoteTLSConfig{CAFile: "/does/not/exist.pem"},
		}, "us", nil)
		assert.True(t, IsErrorCode(err, ErrCodeConfigValidation))
	})

	t.Run("LazyConnect", func(t *testing.T) {
		client, err := DialRemoteBridge(RemoteBridgeConfig{Node: "eu", Endpoint: "localhost:1"}, "us", nil)
		require.NoError(t, err)
		assert.NoError(t, client.Close())
	})
}
