// exec_protocol.go: Line-delimited JSON RPC shared by exec plugins and the host
//
// Each line on the plugin's stdin or stdout is one frame. A frame with a
// method is a call; a frame without one answers the call with the same id.
// Both sides may call the other at any time, so ids are only unique per
// direction.
//
//	{"id":3,"method":"message","payload":{"sender":"shop","channel":"balance","payload":{"player":"alex"}}}
//	{"id":3,"result":{"balance":120}}
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// maxFrameSize bounds one protocol line.
const maxFrameSize = 4 << 20

// Methods the host calls on an exec plugin.
const (
	ExecMethodLoad         = "on_load"
	ExecMethodEnable       = "on_enable"
	ExecMethodDisable      = "on_disable"
	ExecMethodUnload       = "on_unload"
	ExecMethodSaveState    = "save_state"
	ExecMethodRestoreState = "restore_state"
	ExecMethodMessage      = "message"
)

// Methods an exec plugin calls on the host.
const (
	HostMethodLog         = "log"
	HostMethodSend        = "send"
	HostMethodNotify      = "notify"
	HostMethodBroadcast   = "broadcast"
	HostMethodSubscribe   = "subscribe"
	HostMethodUnsubscribe = "unsubscribe"
	HostMethodExecute     = "execute"
)

type execFrame struct {
	ID      uint64          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ExecMessage is the payload of a "message" call.
type ExecMessage struct {
	ID      string          `json:"id"`
	Sender  string          `json:"sender"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ExecLoadRequest is the payload of an "on_load" call.
type ExecLoadRequest struct {
	PluginID   string            `json:"plugin_id"`
	Version    string            `json:"version"`
	Properties map[string]string `json:"properties,omitempty"`
}

// ExecEnableResult is what an exec plugin may answer to "on_enable".
type ExecEnableResult struct {
	Subscribe []string `json:"subscribe,omitempty"`
}

type execCallHandler func(ctx context.Context, method string, payload json.RawMessage) (any, error)

// execConn multiplexes calls in both directions over one reader and one
// writer.
type execConn struct {
	w       io.Writer
	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan execFrame

	closed    chan struct{}
	closeErr  error
	closeOnce sync.Once

	serve  execCallHandler
	logger Logger
}

func newExecConn(w io.Writer, serve execCallHandler, logger Logger) *execConn {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &execConn{
		w:       w,
		pending: make(map[uint64]chan execFrame),
		closed:  make(chan struct{}),
		serve:   serve,
		logger:  logger,
	}
}

func newFrameScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxFrameSize)
	return scanner
}

// readLoop consumes frames until the reader ends. Incoming calls are served
// on their own goroutines so a handler may call back over the same conn.
func (c *execConn) readLoop(ctx context.Context, scanner *bufio.Scanner) {
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var f execFrame
		if err := json.Unmarshal(line, &f); err != nil {
			c.logger.Debug("Ignoring non-protocol output", "line", string(line))
			continue
		}
		if f.Method != "" {
			go c.handle(ctx, f)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.shutdown(err)
}

func (c *execConn) handle(ctx context.Context, f execFrame) {
	defer withStackRecover(c.logger)()
	reply := execFrame{ID: f.ID}
	if c.serve == nil {
		reply.Error = "no handler for " + f.Method
		c.send(reply)
		return
	}
	result, err := callGuardedValue(func() (any, error) { return c.serve(ctx, f.Method, f.Payload) })
	if err == nil && result != nil {
		reply.Result, err = json.Marshal(result)
	}
	if err != nil {
		reply.Error = err.Error()
		reply.Result = nil
	}
	c.send(reply)
}

func (c *execConn) send(f execFrame) {
	if err := c.write(f); err != nil {
		c.logger.Debug("Protocol reply not written", "id", f.ID, "error", err)
	}
}

func (c *execConn) write(f execFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return NewSerializationError("frame encoding failed", err)
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.w.Write(data)
	return err
}

// call sends a request and waits for its answer.
func (c *execConn) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, NewSerializationError("payload of "+method, err)
		}
		raw = data
	}

	id := c.nextID.Add(1)
	ch := make(chan execFrame, 1)
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return nil, NewProcessError("plugin connection closed", c.closeErr)
	default:
	}
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.write(execFrame{ID: id, Method: method, Payload: raw}); err != nil {
		forget()
		return nil, NewProtocolError("writing "+method, err)
	}

	select {
	case f := <-ch:
		if f.Error != "" {
			return nil, errors.New(f.Error)
		}
		return f.Result, nil
	case <-ctx.Done():
		forget()
		return nil, NewProcessError(method+" was not answered", ctx.Err())
	case <-c.closed:
		forget()
		return nil, NewProcessError("plugin connection closed during "+method, c.closeErr)
	}
}

func (c *execConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
	})
}

// decodeResult turns a raw result into plain Go data.
func decodeResult(raw json.RawMessage) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, NewSerializationError("result decoding failed", err)
	}
	return out, nil
}
