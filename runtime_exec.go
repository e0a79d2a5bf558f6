// runtime_exec.go: Out-of-process plugins speaking the exec protocol
//
// An "exec:<file>" entry is started as a child process in its own process
// group, with the bundle as working directory. Lifecycle hooks and message
// deliveries are calls over stdin/stdout; anything the plugin writes to
// stderr goes to its logger. Unloading closes stdin and waits for the
// process to exit, killing the group once the stop timeout expires.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ExecConfig tunes the exec runtime.
type ExecConfig struct {
	Handshake        HandshakeConfig
	HandshakeTimeout time.Duration
	// StopTimeout is how long a plugin has to exit after its stdin closes.
	StopTimeout time.Duration
	// CallTimeout bounds a single call into the plugin, zero means none.
	CallTimeout time.Duration
}

// ExecRuntime binds "exec:<file>" entries.
type ExecRuntime struct {
	config ExecConfig
	logger Logger
}

// NewExecRuntime creates the runtime, filling unset fields with defaults.
func NewExecRuntime(config ExecConfig, logger Logger) *ExecRuntime {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	if config.Handshake == (HandshakeConfig{}) {
		config.Handshake = DefaultHandshakeConfig
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = HandshakeTimeout
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 5 * time.Second
	}
	return &ExecRuntime{config: config, logger: logger}
}

// Kind implements Runtime.
func (r *ExecRuntime) Kind() EntryKind { return EntryExec }

// Bind starts the plugin process and completes the handshake.
func (r *ExecRuntime) Bind(ctx context.Context, req BindRequest) (Plugin, error) {
	id := req.Descriptor.ID
	path, err := req.Boundary.BundleFile(req.Entry.Target)
	if err != nil {
		return nil, err
	}
	if info, statErr := os.Stat(path); statErr != nil || !info.Mode().IsRegular() {
		return nil, NewEntryNotFoundError(id, req.Entry.String())
	}
	if err := r.config.Handshake.Validate(); err != nil {
		return nil, err
	}

	cmd := exec.Command(path) // #nosec G204 -- path is confined to the bundle directory
	cmd.Dir = req.Boundary.BundleDir()
	cmd.Env = r.config.Handshake.PrepareEnvironment(HandshakeInfo{
		ProtocolVersion: r.config.Handshake.ProtocolVersion,
		PluginID:        id,
		DataDir:         req.Context.DataDir(),
	})
	configureProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, NewProcessError("stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, NewProcessError("stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, NewProcessError("stderr pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, NewProcessError("failed to start plugin process", err).WithContext("plugin_id", id)
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	p := &execPlugin{
		id:          id,
		version:     req.Descriptor.Version,
		properties:  req.Descriptor.Properties,
		cmd:         cmd,
		stdin:       stdin,
		pctx:        req.Context,
		logger:      req.Context.Logger(),
		callTimeout: r.config.CallTimeout,
		stopTimeout: r.config.StopTimeout,
		cancel:      cancel,
		exited:      make(chan struct{}),
	}
	p.conn = newExecConn(stdin, p.serveHost, p.logger)
	req.Boundary.AddCloser("exec-process", p.stop)

	handshake := make(chan error, 1)
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.forwardStderr(stderr)
	}()
	go func() {
		defer readers.Done()
		p.readStdout(serveCtx, stdout, &r.config.Handshake, handshake)
	}()
	go func() {
		readers.Wait()
		p.exitErr = cmd.Wait()
		close(p.exited)
		if !p.isStopping() {
			p.logger.Warn("Exec plugin process exited", "pid", cmd.Process.Pid, "error", p.exitErr)
		}
	}()

	timer := time.NewTimer(r.config.HandshakeTimeout)
	defer timer.Stop()
	select {
	case err := <-handshake:
		if err != nil {
			return nil, err
		}
	case <-timer.C:
		return nil, NewHandshakeError("plugin did not complete the handshake in time", nil).WithContext("plugin_id", id)
	case <-ctx.Done():
		return nil, NewHandshakeError("handshake cancelled", ctx.Err()).WithContext("plugin_id", id)
	}

	r.logger.Info("Exec plugin started", "plugin", id, "pid", cmd.Process.Pid)
	return p, nil
}

type execPlugin struct {
	id         string
	version    string
	properties map[string]string
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	conn       *execConn
	pctx       *PluginContext
	logger     Logger

	callTimeout time.Duration
	stopTimeout time.Duration
	cancel      context.CancelFunc

	exited   chan struct{}
	exitErr  error
	stopOnce sync.Once
	mu       sync.Mutex
	stopping bool
}

func (p *execPlugin) readStdout(ctx context.Context, stdout io.Reader, hc *HandshakeConfig, handshake chan<- error) {
	scanner := newFrameScanner(stdout)
	if !scanner.Scan() {
		handshake <- NewHandshakeError("plugin exited before the handshake", scanner.Err()).WithContext("plugin_id", p.id)
		p.conn.shutdown(io.EOF)
		return
	}
	var info HandshakeInfo
	if err := json.Unmarshal(scanner.Bytes(), &info); err != nil {
		handshake <- NewHandshakeError("malformed handshake line", err).WithContext("plugin_id", p.id)
		p.conn.shutdown(err)
		_, _ = io.Copy(io.Discard, stdout)
		return
	}
	if err := hc.checkHandshake(p.id, info); err != nil {
		handshake <- err
		p.conn.shutdown(err)
		_, _ = io.Copy(io.Discard, stdout)
		return
	}
	handshake <- nil
	p.conn.readLoop(ctx, scanner)
}

func (p *execPlugin) forwardStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			p.logger.Info(line, "source", "stderr")
		}
	}
}

func (p *execPlugin) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	if p.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
	}
	return p.conn.call(ctx, method, payload)
}

func (p *execPlugin) hook(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	raw, err := p.call(ctx, method, payload)
	if err != nil {
		return nil, NewHookError(p.id, method, err)
	}
	return raw, nil
}

func (p *execPlugin) OnLoad(ctx context.Context) error {
	_, err := p.hook(ctx, ExecMethodLoad, ExecLoadRequest{PluginID: p.id, Version: p.version, Properties: p.properties})
	return err
}

// OnEnable subscribes the channels the plugin lists in its answer.
func (p *execPlugin) OnEnable(ctx context.Context) error {
	raw, err := p.hook(ctx, ExecMethodEnable, nil)
	if err != nil {
		return err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var res ExecEnableResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return NewProtocolError("on_enable result", err).WithContext("plugin_id", p.id)
	}
	for _, channel := range res.Subscribe {
		if err := p.subscribe(channel); err != nil {
			return err
		}
	}
	return nil
}

func (p *execPlugin) OnDisable(ctx context.Context) error {
	_, err := p.hook(ctx, ExecMethodDisable, nil)
	return err
}

func (p *execPlugin) OnUnload(ctx context.Context) error {
	_, err := p.hook(ctx, ExecMethodUnload, nil)
	return err
}

func (p *execPlugin) SaveState(ctx context.Context) (any, error) {
	raw, err := p.hook(ctx, ExecMethodSaveState, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult(raw)
}

func (p *execPlugin) RestoreState(ctx context.Context, state any) error {
	_, err := p.hook(ctx, ExecMethodRestoreState, state)
	return err
}

// subscribe forwards a channel's messages to the process.
func (p *execPlugin) subscribe(channel string) error {
	return p.pctx.Messenger().SubscribeWithResponse(channel, func(ctx context.Context, msg Message) (any, error) {
		payload, err := json.Marshal(msg.Payload)
		if err != nil {
			return nil, NewSerializationError("message payload", err)
		}
		raw, err := p.call(ctx, ExecMethodMessage, ExecMessage{
			ID:      msg.ID,
			Sender:  msg.Sender,
			Channel: msg.Channel,
			Payload: payload,
		})
		if err != nil {
			return nil, err
		}
		return decodeResult(raw)
	})
}

type execLogRequest struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

type execSendRequest struct {
	Target      string          `json:"target,omitempty"`
	Channel     string          `json:"channel"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ExcludeSelf *bool           `json:"exclude_self,omitempty"`
}

type execCommandRequest struct {
	Command string `json:"command"`
}

// serveHost answers calls the plugin makes on the host.
func (p *execPlugin) serveHost(ctx context.Context, method string, payload json.RawMessage) (any, error) {
	switch method {
	case HostMethodLog:
		var req execLogRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, NewProtocolError("log payload", err)
		}
		kv := make([]any, 0, 2*len(req.Fields))
		for _, k := range sortedAnyKeys(req.Fields) {
			kv = append(kv, k, req.Fields[k])
		}
		switch strings.ToUpper(req.Level) {
		case "DEBUG":
			p.logger.Debug(req.Message, kv...)
		case "WARN", "WARNING":
			p.logger.Warn(req.Message, kv...)
		case "ERROR":
			p.logger.Error(req.Message, kv...)
		default:
			p.logger.Info(req.Message, kv...)
		}
		return nil, nil

	case HostMethodSend, HostMethodNotify, HostMethodBroadcast, HostMethodSubscribe, HostMethodUnsubscribe:
		var req execSendRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, NewProtocolError(method+" payload", err)
		}
		data, err := decodeResult(req.Payload)
		if err != nil {
			return nil, err
		}
		m := p.pctx.Messenger()
		switch method {
		case HostMethodSend:
			return m.Send(ctx, req.Target, req.Channel, data)
		case HostMethodNotify:
			return m.Notify(ctx, req.Target, req.Channel, data), nil
		case HostMethodBroadcast:
			excludeSelf := req.ExcludeSelf == nil || *req.ExcludeSelf
			return len(m.Broadcast(ctx, req.Channel, data, excludeSelf).Delivered), nil
		case HostMethodSubscribe:
			return nil, p.subscribe(req.Channel)
		default:
			m.Unsubscribe(req.Channel)
			return nil, nil
		}

	case HostMethodExecute:
		executor := p.pctx.Commands()
		if executor == nil {
			return nil, errors.New("no command executor available")
		}
		var req execCommandRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, NewProtocolError("execute payload", err)
		}
		return executor.Execute(ctx, req.Command)
	}
	return nil, errors.New("unknown host method " + method)
}

func (p *execPlugin) isStopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// stop closes stdin and waits for the process, killing its group when it
// does not exit in time.
func (p *execPlugin) stop() error {
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopping = true
		p.mu.Unlock()
		p.cancel()
		_ = p.stdin.Close()

		select {
		case <-p.exited:
			return
		case <-time.After(p.stopTimeout):
		}
		p.logger.Warn("Exec plugin did not exit, killing its process group", "pid", p.cmd.Process.Pid)
		if kerr := killProcessGroup(p.cmd); kerr != nil {
			err = NewProcessError("kill failed", kerr).WithContext("plugin_id", p.id)
			return
		}
		select {
		case <-p.exited:
		case <-time.After(p.stopTimeout):
			err = NewProcessError("process did not exit after kill", nil).WithContext("plugin_id", p.id)
		}
	})
	return err
}
