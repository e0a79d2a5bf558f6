// runtime_extism.go: WebAssembly plugins hosted through Extism
//
// A "wasm:<file>" entry is instantiated with WASI enabled, the plugin data
// directory mounted at /data and the descriptor properties as Extism config.
// Shared libraries the descriptor declares are resolved through the
// boundary and linked into the manifest as extra modules under their
// library name, so the main module can import them.
//
// Exports the runtime calls, all optional: on_load, on_enable, on_disable,
// on_unload, save_state, restore_state and handle_message. on_enable may
// output {"subscribe":[...]}. handle_message receives the same JSON as the
// exec protocol "message" call. Host functions host_log, host_send and
// host_broadcast take and return JSON.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	extism "github.com/extism/go-sdk"
)

// WasmMessageExport is the export that receives channel messages.
const WasmMessageExport = "handle_message"

// WasmRuntime binds "wasm:<file>" entries.
type WasmRuntime struct {
	callTimeout time.Duration
	logger      Logger
}

// NewWasmRuntime creates the runtime. callTimeout bounds each export call;
// zero leaves calls unbounded.
func NewWasmRuntime(callTimeout time.Duration, logger Logger) *WasmRuntime {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &WasmRuntime{callTimeout: callTimeout, logger: logger}
}

// Kind implements Runtime.
func (r *WasmRuntime) Kind() EntryKind { return EntryWasm }

// Bind compiles and instantiates the module.
func (r *WasmRuntime) Bind(ctx context.Context, req BindRequest) (Plugin, error) {
	id := req.Descriptor.ID
	path, err := req.Boundary.BundleFile(req.Entry.Target)
	if err != nil {
		return nil, err
	}
	if info, statErr := os.Stat(path); statErr != nil || !info.Mode().IsRegular() {
		return nil, NewEntryNotFoundError(id, req.Entry.String())
	}

	var modules []extism.Wasm
	for _, lib := range req.Descriptor.LibraryDependencies {
		m, rerr := req.Boundary.ResolveKind(lib.Name, ".wasm")
		if rerr != nil {
			if lib.Optional {
				continue
			}
			return nil, rerr
		}
		if m.Tier == TierHost {
			continue
		}
		modules = append(modules, extism.WasmFile{Path: m.Path, Name: lib.Name})
	}
	modules = append(modules, extism.WasmFile{Path: path, Name: "main"})

	manifest := extism.Manifest{
		Wasm:   modules,
		Config: req.Descriptor.Properties,
	}
	if dir := req.Context.DataDir(); dir != "" {
		manifest.AllowedPaths = map[string]string{dir: "/data"}
	}
	if r.callTimeout > 0 {
		manifest.Timeout = uint64(r.callTimeout.Milliseconds())
	}

	p := &wasmPlugin{id: id, pctx: req.Context, logger: req.Context.Logger()}
	instance, err := extism.NewPlugin(ctx, manifest, extism.PluginConfig{EnableWasi: true}, p.hostFunctions())
	if err != nil {
		return nil, NewWasmError(id, "instantiating "+req.Entry.Target, err)
	}
	p.plugin = instance
	req.Boundary.AddCloser("wasm-instance", func() error {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.plugin.Close(context.Background())
	})

	r.logger.Debug("Wasm plugin instantiated", "plugin", id, "modules", len(modules))
	return p, nil
}

type wasmCallKey struct{}

type wasmPlugin struct {
	id     string
	plugin *extism.Plugin
	pctx   *PluginContext
	logger Logger
	mu     sync.Mutex
}

// call invokes an export when the module has it. Wasm instances are not
// re-entrant: a message routed back into the plugin while it is running
// fails instead of deadlocking.
func (p *wasmPlugin) call(ctx context.Context, export string, input []byte) ([]byte, bool, error) {
	if active, _ := ctx.Value(wasmCallKey{}).(*wasmPlugin); active == p {
		return nil, false, NewWasmError(p.id, "re-entrant call to "+export, nil)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.plugin.FunctionExists(export) {
		return nil, false, nil
	}
	ctx = context.WithValue(ctx, wasmCallKey{}, p)
	var out []byte
	err := callGuarded(func() error {
		code, data, cerr := p.plugin.CallWithContext(ctx, export, input)
		if cerr != nil {
			return cerr
		}
		if code != 0 {
			return fmt.Errorf("%s exited with code %d", export, code)
		}
		out = data
		return nil
	})
	if err != nil {
		return nil, true, NewWasmError(p.id, export, err)
	}
	return out, true, nil
}

func (p *wasmPlugin) hook(ctx context.Context, export string, input []byte) ([]byte, error) {
	out, _, err := p.call(ctx, export, input)
	if err != nil {
		return nil, NewHookError(p.id, export, err)
	}
	return out, nil
}

func (p *wasmPlugin) OnLoad(ctx context.Context) error {
	desc := p.pctx.Descriptor()
	input, err := json.Marshal(ExecLoadRequest{PluginID: p.id, Version: desc.Version, Properties: desc.Properties})
	if err != nil {
		return NewSerializationError("on_load input", err)
	}
	_, err = p.hook(ctx, ExecMethodLoad, input)
	return err
}

func (p *wasmPlugin) OnEnable(ctx context.Context) error {
	out, err := p.hook(ctx, ExecMethodEnable, nil)
	if err != nil || len(out) == 0 {
		return err
	}
	var res ExecEnableResult
	if err := json.Unmarshal(out, &res); err != nil {
		return NewProtocolError("on_enable output", err).WithContext("plugin_id", p.id)
	}
	for _, channel := range res.Subscribe {
		if err := p.pctx.Messenger().SubscribeWithResponse(channel, p.handleMessage); err != nil {
			return err
		}
	}
	return nil
}

func (p *wasmPlugin) OnDisable(ctx context.Context) error {
	_, err := p.hook(ctx, ExecMethodDisable, nil)
	return err
}

func (p *wasmPlugin) OnUnload(ctx context.Context) error {
	_, err := p.hook(ctx, ExecMethodUnload, nil)
	return err
}

func (p *wasmPlugin) SaveState(ctx context.Context) (any, error) {
	out, err := p.hook(ctx, ExecMethodSaveState, nil)
	if err != nil {
		return nil, err
	}
	return decodeResult(out)
}

func (p *wasmPlugin) RestoreState(ctx context.Context, state any) error {
	input, err := json.Marshal(state)
	if err != nil {
		return NewSerializationError("restore_state input", err)
	}
	_, err = p.hook(ctx, ExecMethodRestoreState, input)
	return err
}

func (p *wasmPlugin) handleMessage(ctx context.Context, msg Message) (any, error) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, NewSerializationError("message payload", err)
	}
	input, err := json.Marshal(ExecMessage{ID: msg.ID, Sender: msg.Sender, Channel: msg.Channel, Payload: payload})
	if err != nil {
		return nil, NewSerializationError("message envelope", err)
	}
	out, found, err := p.call(ctx, WasmMessageExport, input)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, NewNoHandlerError(p.id, msg.Channel)
	}
	return decodeResult(out)
}

// wasmHostReply is the JSON a host function writes back.
type wasmHostReply struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (p *wasmPlugin) hostFunctions() []extism.HostFunction {
	jsonIn := []extism.ValueType{extism.ValueTypeI64}
	jsonOut := []extism.ValueType{extism.ValueTypeI64}

	logFn := extism.NewHostFunctionWithStack("host_log",
		func(ctx context.Context, cp *extism.CurrentPlugin, stack []uint64) {
			var req execLogRequest
			data, err := cp.ReadBytes(stack[0])
			if err == nil {
				err = json.Unmarshal(data, &req)
			}
			if err != nil {
				p.logger.Warn("Malformed host_log call", "error", err)
				return
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
		}, jsonIn, nil)

	sendFn := extism.NewHostFunctionWithStack("host_send",
		func(ctx context.Context, cp *extism.CurrentPlugin, stack []uint64) {
			stack[0] = p.writeReply(cp, func(req execSendRequest, payload any) (any, error) {
				return p.pctx.Messenger().Send(ctx, req.Target, req.Channel, payload)
			}, stack[0])
		}, jsonIn, jsonOut)

	broadcastFn := extism.NewHostFunctionWithStack("host_broadcast",
		func(ctx context.Context, cp *extism.CurrentPlugin, stack []uint64) {
			stack[0] = p.writeReply(cp, func(req execSendRequest, payload any) (any, error) {
				excludeSelf := req.ExcludeSelf == nil || *req.ExcludeSelf
				res := p.pctx.Messenger().Broadcast(ctx, req.Channel, payload, excludeSelf)
				return len(res.Delivered), nil
			}, stack[0])
		}, jsonIn, jsonOut)

	return []extism.HostFunction{logFn, sendFn, broadcastFn}
}

// writeReply decodes a messaging request at offset, serves it and writes
// the JSON reply into plugin memory.
func (p *wasmPlugin) writeReply(cp *extism.CurrentPlugin, serve func(execSendRequest, any) (any, error), offset uint64) uint64 {
	var reply wasmHostReply
	data, err := cp.ReadBytes(offset)
	var req execSendRequest
	if err == nil {
		err = json.Unmarshal(data, &req)
	}
	var payload any
	if err == nil {
		payload, err = decodeResult(req.Payload)
	}
	if err == nil {
		reply.Result, err = serve(req, payload)
	}
	if err != nil {
		reply.Error = err.Error()
	}

	out, merr := json.Marshal(reply)
	if merr != nil {
		out, _ = json.Marshal(wasmHostReply{Error: merr.Error()})
	}
	ptr, werr := cp.WriteBytes(out)
	if werr != nil {
		p.logger.Error("Host function reply not written", "error", werr)
		return 0
	}
	return ptr
}
