// remote_bridge.go: Cross-node messaging over gRPC
//
// A RemoteBridgeClient is a RemotePeer: the local Messenger routes any
// "node/plugin" target to the peer registered for node. The peer's
// RemoteBridgeServer hands the envelope to its own Messenger. Envelopes and
// results travel as google.protobuf.Struct, so the service needs no
// generated code.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	timecache "github.com/agilira/go-timecache"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	remoteBridgeService  = "pluginhost.RemoteBridge"
	remoteDeliverMethod  = "/" + remoteBridgeService + "/Deliver"
	remoteMaxMessageSize = 4 * 1024 * 1024
)

type remoteBridgeHandler interface {
	Deliver(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var remoteBridgeServiceDesc = grpc.ServiceDesc{
	ServiceName: remoteBridgeService,
	HandlerType: (*remoteBridgeHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: remoteDeliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pluginhost/remote_bridge.proto",
}

func remoteDeliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(remoteBridgeHandler).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: remoteDeliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(remoteBridgeHandler).Deliver(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// toWireValue converts an arbitrary payload into a protobuf Value. Values
// structpb cannot take directly go through JSON first.
func toWireValue(v any) (*structpb.Value, error) {
	if pv, err := structpb.NewValue(v); err == nil {
		return pv, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, NewSerializationError("remote payload", err)
	}
	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, NewSerializationError("remote payload", err)
	}
	pv, err := structpb.NewValue(plain)
	if err != nil {
		return nil, NewSerializationError("remote payload", err)
	}
	return pv, nil
}

func messageToWire(msg Message) (*structpb.Struct, error) {
	payload, err := toWireValue(msg.Payload)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":                structpb.NewStringValue(msg.ID),
		"sender":            structpb.NewStringValue(msg.Sender),
		"target":            structpb.NewStringValue(msg.Target),
		"channel":           structpb.NewStringValue(msg.Channel),
		"payload":           payload,
		"response_required": structpb.NewBoolValue(msg.ResponseRequired),
		"timestamp":         structpb.NewStringValue(msg.Timestamp.UTC().Format(time.RFC3339Nano)),
	}}, nil
}

func messageFromWire(in *structpb.Struct) Message {
	f := in.GetFields()
	msg := Message{
		ID:               f["id"].GetStringValue(),
		Sender:           f["sender"].GetStringValue(),
		Target:           f["target"].GetStringValue(),
		Channel:          f["channel"].GetStringValue(),
		ResponseRequired: f["response_required"].GetBoolValue(),
	}
	if p, ok := f["payload"]; ok {
		msg.Payload = p.AsInterface()
	}
	if ts, err := time.Parse(time.RFC3339Nano, f["timestamp"].GetStringValue()); err == nil {
		msg.Timestamp = ts
	} else {
		msg.Timestamp = timecache.CachedTime()
	}
	return msg
}

// RemoteBridgeServer serves envelopes from other nodes to the local
// Messenger.
type RemoteBridgeServer struct {
	messenger *Messenger
	logger    Logger
}

// NewRemoteBridgeServer creates a server delivering into messenger.
func NewRemoteBridgeServer(messenger *Messenger, logger Logger) *RemoteBridgeServer {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &RemoteBridgeServer{messenger: messenger, logger: logger}
}

// Register adds the bridge service to a gRPC server.
func (s *RemoteBridgeServer) Register(registrar grpc.ServiceRegistrar) {
	registrar.RegisterService(&remoteBridgeServiceDesc, s)
}

// Deliver implements the bridge RPC. The node part of the target is
// stripped; broadcasts are not accepted.
func (s *RemoteBridgeServer) Deliver(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	msg := messageFromWire(in)
	if _, plugin, remote := splitRemoteTarget(msg.Target); remote {
		msg.Target = plugin
	}
	if msg.Target == "" || msg.Target == BroadcastTarget {
		return nil, status.Error(codes.InvalidArgument, "remote delivery needs a single plugin target")
	}

	s.logger.Debug("Remote message received", "sender", msg.Sender, "plugin", msg.Target, "channel", msg.Channel)
	result, err := s.messenger.Deliver(ctx, msg)
	if err != nil {
		return nil, toBridgeStatus(err)
	}
	value, err := toWireValue(result)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"result": value}}, nil
}

// Serve runs a gRPC server carrying the bridge on lis until ctx is done,
// then stops it gracefully.
func (s *RemoteBridgeServer) Serve(ctx context.Context, lis net.Listener, opts ...grpc.ServerOption) error {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(remoteMaxMessageSize),
		grpc.MaxSendMsgSize(remoteMaxMessageSize),
	}, opts...)
	server := grpc.NewServer(opts...)
	s.Register(server)

	errCh := make(chan error, 1)
	go func() {
		defer withStackRecover(s.logger)()
		errCh <- server.Serve(lis)
	}()
	s.logger.Info("Remote bridge listening", "address", lis.Addr().String())

	select {
	case <-ctx.Done():
		server.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil {
			return NewRemoteBridgeError("serve "+lis.Addr().String(), err)
		}
		return nil
	}
}

func toBridgeStatus(err error) error {
	switch ErrorCodeOf(err) {
	case ErrCodeTargetUnavailable:
		return status.Error(codes.FailedPrecondition, err.Error())
	case ErrCodeNoHandler:
		return status.Error(codes.NotFound, err.Error())
	case ErrCodeHandlerFailed:
		return status.Error(codes.Aborted, err.Error())
	}
	return status.Error(codes.Unknown, err.Error())
}

// RemoteTLSConfig enables TLS on a bridge connection. CertFile and KeyFile
// are only needed for mutual TLS.
type RemoteTLSConfig struct {
	CAFile     string `yaml:"ca_file" json:"ca_file"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	ServerName string `yaml:"server_name" json:"server_name"`
}

// RemoteBridgeConfig configures a connection to one remote node.
type RemoteBridgeConfig struct {
	Node        string           `yaml:"node" json:"node"`
	Endpoint    string           `yaml:"endpoint" json:"endpoint"`
	TLS         *RemoteTLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`
	CallTimeout time.Duration    `yaml:"call_timeout" json:"call_timeout"`
	Breaker     BreakerConfig    `yaml:"breaker" json:"breaker"`
}

// RemoteBridgeClient forwards envelopes to a remote node. It implements
// RemotePeer.
type RemoteBridgeClient struct {
	conn        grpc.ClientConnInterface
	closer      func() error
	localNode   string
	peerNode    string
	callTimeout time.Duration
	breaker     *PeerBreaker
	logger      Logger
}

// NewRemoteBridgeClient wraps an existing connection. Senders are
// qualified with localNode so the remote side can answer back.
func NewRemoteBridgeClient(conn grpc.ClientConnInterface, localNode string, logger Logger) *RemoteBridgeClient {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &RemoteBridgeClient{conn: conn, localNode: localNode, logger: logger}
}

// DialRemoteBridge opens a connection to cfg.Endpoint.
func DialRemoteBridge(cfg RemoteBridgeConfig, localNode string, logger Logger) (*RemoteBridgeClient, error) {
	if cfg.Endpoint == "" {
		return nil, NewConfigValidationError("remote bridge endpoint is required", nil)
	}
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(remoteMaxMessageSize),
			grpc.MaxCallSendMsgSize(remoteMaxMessageSize),
		),
	}
	if cfg.TLS != nil {
		creds, err := buildBridgeCredentials(cfg.TLS)
		if err != nil {
			return nil, NewConfigValidationError("failed to build TLS credentials", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, NewRemoteBridgeError("dial "+cfg.Endpoint, err)
	}
	client := NewRemoteBridgeClient(conn, localNode, logger)
	client.closer = conn.Close
	client.peerNode = cfg.Node
	client.callTimeout = cfg.CallTimeout
	if cfg.Breaker.FailureThreshold > 0 {
		client.breaker = NewPeerBreaker(cfg.Breaker)
	}
	client.logger.Info("Remote bridge connected", "node", cfg.Node, "endpoint", cfg.Endpoint, "tls", cfg.TLS != nil)
	return client, nil
}

func buildBridgeCredentials(cfg *RemoteTLSConfig) (credentials.TransportCredentials, error) {
	config := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: cfg.ServerName,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile) // #nosec G304 -- operator-supplied path
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", cfg.CAFile)
		}
		config.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		config.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(config), nil
}

// Send implements RemotePeer.
func (c *RemoteBridgeClient) Send(ctx context.Context, msg Message) (any, error) {
	if c.localNode != "" && !strings.Contains(msg.Sender, "/") {
		msg.Sender = c.localNode + "/" + msg.Sender
	}
	in, err := messageToWire(msg)
	if err != nil {
		return nil, err
	}
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	if !c.breaker.Allow() {
		return nil, NewRemoteBridgeError("circuit open for node "+c.peerNode, nil).
			WithContext("breaker", c.breaker.State().String())
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, remoteDeliverMethod, in, out); err != nil {
		err = fromBridgeStatus(msg, err)
		c.breaker.Record(err)
		if IsErrorCode(err, ErrCodeRemoteBridge) && c.breaker.State() == BreakerOpen {
			c.logger.Warn("Remote peer circuit opened", "node", c.peerNode, "error", err)
		}
		return nil, err
	}
	c.breaker.Record(nil)
	if v, ok := out.GetFields()["result"]; ok {
		return v.AsInterface(), nil
	}
	return nil, nil
}

func fromBridgeStatus(msg Message, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return NewRemoteBridgeError("deliver to "+msg.Target, err)
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		return NewTargetUnavailableError(msg.Target)
	case codes.NotFound:
		return NewNoHandlerError(msg.Target, msg.Channel)
	case codes.Aborted:
		return NewHandlerFailedError(msg.Target, msg.Channel, errors.New(st.Message()))
	}
	return NewRemoteBridgeError("deliver to "+msg.Target, err)
}

// WithBreaker guards the client with breaker. A nil breaker disables it.
func (c *RemoteBridgeClient) WithBreaker(breaker *PeerBreaker) *RemoteBridgeClient {
	c.breaker = breaker
	return c
}

// Breaker returns the client's breaker, nil when none is configured.
func (c *RemoteBridgeClient) Breaker() *PeerBreaker { return c.breaker }

// Close releases the connection when the client dialed it.
func (c *RemoteBridgeClient) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}
