// runtime_lua.go: Lua script plugins on a private gopher-lua state
//
// A "lua:<file>" entry runs in its own interpreter with only the base,
// table, string and math libraries open. Files are never loaded directly:
// require goes through the plugin's isolation boundary, and the host API is
// the "host" module. Lifecycle hooks are optional global functions:
//
//	local host = require("host")
//
//	function on_enable()
//	    host.subscribe("balance", function(payload, sender)
//	        return { player = payload.player, balance = 100 }
//	    end)
//	end
//
// A hook fails when it raises an error or returns false (optionally followed
// by a message). Handlers report failures by returning nil and a message.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Lua hook names.
const (
	luaHookLoad    = "on_load"
	luaHookEnable  = "on_enable"
	luaHookDisable = "on_disable"
	luaHookUnload  = "on_unload"
	luaHookSave    = "save_state"
	luaHookRestore = "restore_state"
)

// LuaRuntime binds "lua:<file>" entries.
type LuaRuntime struct {
	callTimeout time.Duration
	logger      Logger
}

// NewLuaRuntime creates the runtime. callTimeout bounds every call into a
// script; zero disables the bound.
func NewLuaRuntime(callTimeout time.Duration, logger Logger) *LuaRuntime {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &LuaRuntime{callTimeout: callTimeout, logger: logger}
}

// Kind implements Runtime.
func (r *LuaRuntime) Kind() EntryKind { return EntryLua }

// Bind creates the interpreter, installs the host API and runs the entry
// file once.
func (r *LuaRuntime) Bind(ctx context.Context, req BindRequest) (Plugin, error) {
	id := req.Descriptor.ID
	path, err := req.Boundary.BundleFile(req.Entry.Target)
	if err != nil {
		return nil, err
	}
	if info, statErr := os.Stat(path); statErr != nil || !info.Mode().IsRegular() {
		return nil, NewEntryNotFoundError(id, req.Entry.String())
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	L.SetTop(0)

	p := &luaPlugin{
		id:       id,
		L:        L,
		pctx:     req.Context,
		boundary: req.Boundary,
		timeout:  r.callTimeout,
		loaded:   make(map[string]lua.LValue),
		logger:   req.Context.Logger(),
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetGlobal("require", L.NewFunction(p.require))
	L.SetGlobal("print", L.NewFunction(p.print))
	req.Boundary.AddCloser("lua-state", p.close)

	if err := p.run(ctx, func() error { return L.DoFile(path) }); err != nil {
		return nil, NewScriptError(id, "loading "+req.Entry.Target, err)
	}
	r.logger.Debug("Lua plugin bound", "plugin", id, "entry", req.Entry.Target)
	return p, nil
}

// luaCallChain marks the Lua plugins whose host functions are on the
// current call path. A plugin found on the chain is re-entered without
// taking its lock.
type luaCallChain struct {
	plugin *luaPlugin
	parent *luaCallChain
}

type luaCallKey struct{}

func (c *luaCallChain) contains(p *luaPlugin) bool {
	for ; c != nil; c = c.parent {
		if c.plugin == p {
			return true
		}
	}
	return false
}

type luaPlugin struct {
	id       string
	L        *lua.LState
	pctx     *PluginContext
	boundary *Boundary
	timeout  time.Duration
	logger   Logger

	mu     sync.Mutex
	ctx    context.Context
	loaded map[string]lua.LValue
	closed bool
}

// run executes fn with exclusive access to the interpreter.
func (p *luaPlugin) run(ctx context.Context, fn func() error) error {
	chain, _ := ctx.Value(luaCallKey{}).(*luaCallChain)
	if chain.contains(p) {
		return callGuarded(fn)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return NewScriptError(p.id, "interpreter closed", nil)
	}

	ctx = context.WithValue(ctx, luaCallKey{}, &luaCallChain{plugin: p, parent: chain})
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	p.L.SetContext(ctx)
	defer p.L.RemoveContext()
	p.ctx = ctx
	defer func() { p.ctx = nil }()

	return callGuarded(fn)
}

// currentContext is the context of the call the interpreter is serving.
func (p *luaPlugin) currentContext() context.Context {
	if p.ctx != nil {
		return p.ctx
	}
	return context.Background()
}

// invoke calls fn with args and returns its first two results. The
// interpreter must be held.
func (p *luaPlugin) invoke(fn lua.LValue, args ...any) (lua.LValue, lua.LValue, error) {
	L := p.L
	L.Push(fn)
	for _, arg := range args {
		L.Push(toLuaValue(L, arg))
	}
	if err := L.PCall(len(args), 2, nil); err != nil {
		return lua.LNil, lua.LNil, err
	}
	first, second := L.Get(-2), L.Get(-1)
	L.Pop(2)
	return first, second, nil
}

// failure extracts the (nil|false, message) convention.
func failure(first, second lua.LValue) string {
	if first != lua.LNil && first != lua.LFalse {
		return ""
	}
	if msg, ok := second.(lua.LString); ok {
		return string(msg)
	}
	return ""
}

// callGlobal calls a global function if the script defines it.
func (p *luaPlugin) callGlobal(ctx context.Context, name string, args ...any) (result any, found bool, err error) {
	err = p.run(ctx, func() error {
		fn := p.L.GetGlobal(name)
		if fn.Type() != lua.LTFunction {
			return nil
		}
		found = true
		first, second, callErr := p.invoke(fn, args...)
		if callErr != nil {
			return callErr
		}
		if msg := failure(first, second); msg != "" {
			return errors.New(msg)
		}
		if first == lua.LFalse {
			return errors.New(name + " returned false")
		}
		result = fromLuaValue(first)
		return nil
	})
	return result, found, err
}

func (p *luaPlugin) hook(ctx context.Context, name string, args ...any) error {
	if _, _, err := p.callGlobal(ctx, name, args...); err != nil {
		return NewScriptError(p.id, name, err)
	}
	return nil
}

func (p *luaPlugin) OnLoad(ctx context.Context) error    { return p.hook(ctx, luaHookLoad) }
func (p *luaPlugin) OnEnable(ctx context.Context) error  { return p.hook(ctx, luaHookEnable) }
func (p *luaPlugin) OnDisable(ctx context.Context) error { return p.hook(ctx, luaHookDisable) }
func (p *luaPlugin) OnUnload(ctx context.Context) error  { return p.hook(ctx, luaHookUnload) }

// SaveState returns the value of save_state(), nil when undefined.
func (p *luaPlugin) SaveState(ctx context.Context) (any, error) {
	state, _, err := p.callGlobal(ctx, luaHookSave)
	if err != nil {
		return nil, NewScriptError(p.id, luaHookSave, err)
	}
	return state, nil
}

// RestoreState passes a snapshot to restore_state(state).
func (p *luaPlugin) RestoreState(ctx context.Context, state any) error {
	return p.hook(ctx, luaHookRestore, state)
}

func (p *luaPlugin) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.L.Close()
	return nil
}

func (p *luaPlugin) print(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	p.logger.Info(strings.Join(parts, "\t"), "source", "lua")
	return 0
}

// require resolves modules through the boundary: shared cache, bundle, then
// host modules. Results are memoized per interpreter.
func (p *luaPlugin) require(L *lua.LState) int {
	name := L.CheckString(1)
	if value, ok := p.loaded[name]; ok {
		L.Push(value)
		return 1
	}
	switch name {
	case "string", "table", "math":
		L.Push(L.GetGlobal(name))
		return 1
	}

	m, err := p.boundary.ResolveKind(name, ".lua")
	if err != nil {
		L.RaiseError("module %q not found: %s", name, err.Error())
		return 0
	}

	var value lua.LValue
	if m.Tier == TierHost {
		value = p.hostValue(L, m)
	} else {
		fn, loadErr := L.LoadFile(m.Path)
		if loadErr != nil {
			L.RaiseError("module %q failed to load: %s", name, loadErr.Error())
			return 0
		}
		L.Push(fn)
		L.Push(lua.LString(name))
		L.Call(1, 1)
		value = L.Get(-1)
		L.Pop(1)
	}
	if value == lua.LNil {
		value = lua.LTrue
	}
	p.loaded[name] = value
	L.Push(value)
	return 1
}

// hostValue turns a host-exported module into a Lua value. Loader functions
// are called once; other values are converted.
func (p *luaPlugin) hostValue(L *lua.LState, m ResolvedModule) lua.LValue {
	if m.Name == HostAPIModule {
		return p.hostModule(L)
	}
	var loader lua.LGFunction
	switch v := m.Value.(type) {
	case lua.LGFunction:
		loader = v
	case func(*lua.LState) int:
		loader = v
	default:
		return toLuaValue(L, m.Value)
	}
	L.Push(L.NewFunction(loader))
	L.Call(0, 1)
	value := L.Get(-1)
	L.Pop(1)
	return value
}

// hostModule builds the "host" API table bound to this plugin.
func (p *luaPlugin) hostModule(L *lua.LState) lua.LValue {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"debug":            p.logAt("DEBUG"),
		"info":             p.logAt("INFO"),
		"warn":             p.logAt("WARN"),
		"error":            p.logAt("ERROR"),
		"send":             p.hostSend,
		"notify":           p.hostNotify,
		"broadcast":        p.hostBroadcast,
		"subscribe":        p.hostSubscribe,
		"unsubscribe":      p.hostUnsubscribe,
		"is_available":     p.hostIsAvailable,
		"config":           p.hostConfig,
		"data_dir":         p.hostDataDir,
		"execute":          p.hostExecute,
		"register_command": p.hostRegisterCommand,
	})
	L.SetField(mod, "id", lua.LString(p.id))
	return mod
}

func (p *luaPlugin) logAt(level string) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.CheckString(1)
		var kv []any
		if fields, ok := L.Get(2).(*lua.LTable); ok {
			if m, ok := fromLuaValue(fields).(map[string]any); ok {
				for _, k := range sortedAnyKeys(m) {
					kv = append(kv, k, m[k])
				}
			}
		}
		switch level {
		case "DEBUG":
			p.logger.Debug(msg, kv...)
		case "WARN":
			p.logger.Warn(msg, kv...)
		case "ERROR":
			p.logger.Error(msg, kv...)
		default:
			p.logger.Info(msg, kv...)
		}
		return 0
	}
}

// pushFailure returns (nil, message) to the script.
func pushFailure(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

func (p *luaPlugin) hostSend(L *lua.LState) int {
	target, channel := L.CheckString(1), L.CheckString(2)
	payload := fromLuaValue(L.Get(3))
	result, err := p.pctx.Messenger().Send(p.currentContext(), target, channel, payload)
	if err != nil {
		return pushFailure(L, err)
	}
	L.Push(toLuaValue(L, result))
	return 1
}

func (p *luaPlugin) hostNotify(L *lua.LState) int {
	target, channel := L.CheckString(1), L.CheckString(2)
	ok := p.pctx.Messenger().Notify(p.currentContext(), target, channel, fromLuaValue(L.Get(3)))
	L.Push(lua.LBool(ok))
	return 1
}

func (p *luaPlugin) hostBroadcast(L *lua.LState) int {
	channel := L.CheckString(1)
	payload := fromLuaValue(L.Get(2))
	excludeSelf := L.OptBool(3, true)
	res := p.pctx.Messenger().Broadcast(p.currentContext(), channel, payload, excludeSelf)
	L.Push(lua.LNumber(len(res.Delivered)))
	return 1
}

func (p *luaPlugin) hostSubscribe(L *lua.LState) int {
	channel := L.CheckString(1)
	fn := L.CheckFunction(2)
	err := p.pctx.Messenger().SubscribeWithResponse(channel, func(ctx context.Context, msg Message) (any, error) {
		var result any
		err := p.run(ctx, func() error {
			first, second, callErr := p.invoke(fn, msg.Payload, msg.Sender, msg.Channel)
			if callErr != nil {
				return callErr
			}
			if reason := failure(first, second); reason != "" {
				return errors.New(reason)
			}
			result = fromLuaValue(first)
			return nil
		})
		return result, err
	})
	if err != nil {
		return pushFailure(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func (p *luaPlugin) hostUnsubscribe(L *lua.LState) int {
	p.pctx.Messenger().Unsubscribe(L.CheckString(1))
	return 0
}

func (p *luaPlugin) hostIsAvailable(L *lua.LState) int {
	L.Push(lua.LBool(p.pctx.Messenger().IsAvailable(L.CheckString(1))))
	return 1
}

func (p *luaPlugin) hostConfig(L *lua.LState) int {
	desc := p.pctx.Descriptor()
	L.Push(toLuaValue(L, desc.Properties))
	return 1
}

func (p *luaPlugin) hostDataDir(L *lua.LState) int {
	L.Push(lua.LString(p.pctx.DataDir()))
	return 1
}

func (p *luaPlugin) hostExecute(L *lua.LState) int {
	executor := p.pctx.Commands()
	if executor == nil {
		return pushFailure(L, errors.New("no command executor available"))
	}
	out, err := executor.Execute(p.currentContext(), L.CheckString(1))
	if err != nil {
		return pushFailure(L, err)
	}
	L.Push(lua.LString(out))
	return 1
}

func (p *luaPlugin) hostRegisterCommand(L *lua.LState) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)
	err := p.pctx.RegisterCommand(name, func(ctx context.Context, args []string) (string, error) {
		var out string
		err := p.run(ctx, func() error {
			first, second, callErr := p.invoke(fn, args)
			if callErr != nil {
				return callErr
			}
			if reason := failure(first, second); reason != "" {
				return errors.New(reason)
			}
			if first != lua.LNil {
				out = L.ToStringMeta(first).String()
			}
			return nil
		})
		return out, err
	})
	if err != nil {
		return pushFailure(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}
