// plugin_serve.go: Plugin-side helpers for writing exec plugins in Go
//
// An exec plugin is any program speaking the exec protocol on its standard
// streams. Go programs can use ServeExec instead of implementing it:
//
//	func main() {
//	    err := pluginhost.ServeExec(context.Background(), pluginhost.ExecHandlers{
//	        pluginhost.ExecMethodEnable: func(ctx context.Context, host *pluginhost.ExecHost, _ json.RawMessage) (any, error) {
//	            return pluginhost.ExecEnableResult{Subscribe: []string{"balance"}}, nil
//	        },
//	        pluginhost.ExecMethodMessage: func(ctx context.Context, host *pluginhost.ExecHost, payload json.RawMessage) (any, error) {
//	            return map[string]int{"balance": 100}, nil
//	        },
//	    })
//	    if err != nil {
//	        os.Exit(1)
//	    }
//	}
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
)

// ExecHandler serves one method of an exec plugin.
type ExecHandler func(ctx context.Context, host *ExecHost, payload json.RawMessage) (any, error)

// ExecHandlers maps method names to handlers. Lifecycle methods without a
// handler succeed with no result.
type ExecHandlers map[string]ExecHandler

var lifecycleMethods = map[string]bool{
	ExecMethodLoad:         true,
	ExecMethodEnable:       true,
	ExecMethodDisable:      true,
	ExecMethodUnload:       true,
	ExecMethodSaveState:    true,
	ExecMethodRestoreState: true,
}

// ExecHost is the plugin's handle on the host services.
type ExecHost struct {
	conn *execConn
	info HandshakeInfo
}

// PluginID returns the id the host launched the plugin as.
func (h *ExecHost) PluginID() string { return h.info.PluginID }

// DataDir returns the plugin's data directory.
func (h *ExecHost) DataDir() string { return h.info.DataDir }

// Log writes a line to the plugin's host-side logger.
func (h *ExecHost) Log(ctx context.Context, level, message string, fields map[string]any) error {
	_, err := h.conn.call(ctx, HostMethodLog, execLogRequest{Level: level, Message: message, Fields: fields})
	return err
}

// Send calls another plugin through the host messenger.
func (h *ExecHost) Send(ctx context.Context, target, channel string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, NewSerializationError("send payload", err)
	}
	return h.conn.call(ctx, HostMethodSend, execSendRequest{Target: target, Channel: channel, Payload: raw})
}

// Broadcast fans a message out through the host and returns the number of
// plugins reached.
func (h *ExecHost) Broadcast(ctx context.Context, channel string, payload any) (int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, NewSerializationError("broadcast payload", err)
	}
	res, err := h.conn.call(ctx, HostMethodBroadcast, execSendRequest{Channel: channel, Payload: raw})
	if err != nil {
		return 0, err
	}
	var n int
	if err := json.Unmarshal(res, &n); err != nil {
		return 0, NewSerializationError("broadcast result", err)
	}
	return n, nil
}

// Subscribe asks the host to forward a channel's messages to this plugin.
func (h *ExecHost) Subscribe(ctx context.Context, channel string) error {
	_, err := h.conn.call(ctx, HostMethodSubscribe, execSendRequest{Channel: channel})
	return err
}

// ServeExec validates the launch environment, answers the handshake and
// serves the host on stdin/stdout until stdin closes.
func ServeExec(ctx context.Context, handlers ExecHandlers) error {
	hc := DefaultHandshakeConfig
	info, err := hc.ValidatePluginEnvironment()
	if err != nil {
		return err
	}
	return ServeExecIO(ctx, os.Stdin, os.Stdout, info, handlers)
}

// ServeExecIO is ServeExec over arbitrary streams.
func ServeExecIO(ctx context.Context, in io.Reader, out io.Writer, info HandshakeInfo, handlers ExecHandlers) error {
	line, err := json.Marshal(info)
	if err != nil {
		return NewSerializationError("handshake", err)
	}
	if _, err := out.Write(append(line, '\n')); err != nil {
		return NewHandshakeError("writing handshake", err)
	}

	host := &ExecHost{info: info}
	host.conn = newExecConn(out, func(ctx context.Context, method string, payload json.RawMessage) (any, error) {
		handler, ok := handlers[method]
		if !ok {
			if lifecycleMethods[method] {
				return nil, nil
			}
			return nil, errors.New("unsupported method " + method)
		}
		return handler(ctx, host, payload)
	}, nil)

	done := make(chan struct{})
	go func() {
		host.conn.readLoop(ctx, newFrameScanner(in))
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
