// runtime_lua_test.go: Tests for Lua script plugins
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

type scriptBundle struct {
	desc  *Descriptor
	files map[string]string
}

// newScriptHost writes the bundles and builds an orchestrator over the
// given runtimes with the plugin failure policy.
func newScriptHost(t *testing.T, runtimes *RuntimeSet, logger *TestLogger, bundles ...scriptBundle) *Orchestrator {
	t.Helper()
	root := t.TempDir()
	pluginsDir := filepath.Join(root, "plugins")
	for _, b := range bundles {
		writeBundle(t, pluginsDir, b.desc.ID, b.desc, b.files)
	}
	orch, err := NewOrchestrator(OrchestratorConfig{
		PluginsDir: pluginsDir,
		DataDir:    filepath.Join(root, "data"),
		Policy:     FailurePlugin,
		Runtimes:   runtimes,
		Logger:     logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })
	return orch
}

func luaDescriptor(id, version string) *Descriptor {
	d := testDescriptor(id, version)
	d.Main = "lua:main.lua"
	return d
}

const economyScript = `
local host = require("host")
local util = require("util")
local count = 0

assert(os == nil and io == nil, "sandbox leaked os or io")
assert(dofile == nil and loadstring == nil, "sandbox leaked file loading")

function on_load()
  host.info("economy loading", { currency = host.config().currency })
end

function on_enable()
  host.subscribe("balance", function(payload, sender)
    count = count + 1
    return { player = payload.player, balance = util.double(50), sender = sender }
  end)
  host.subscribe("count", function() return count end)
  host.subscribe("refuse", function() return nil, "account frozen" end)
  host.register_command("bal", function(args)
    return "balance of " .. args[1] .. " is 100"
  end)
end

function save_state()
  return { count = count }
end

function restore_state(state)
  count = state.count
end
`

const utilScript = `
local M = {}
function M.double(x) return x * 2 end
return M
`

func TestLuaRuntime_Lifecycle(t *testing.T) {
	logger := NewTestLogger()
	desc := luaDescriptor("economy", "1.0.0")
	desc.Properties = map[string]string{"currency": "gold"}
	orch := newScriptHost(t, NewRuntimeSet(NewLuaRuntime(2*time.Second, logger)), logger,
		scriptBundle{desc: desc, files: map[string]string{"main.lua": economyScript, "lib/util.lua": utilScript}})

	report, err := orch.LoadAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Errors)
	state, _ := orch.State("economy")
	require.Equal(t, StateEnabled, state)
	assert.True(t, logger.HasMessage("INFO", "economy loading"))

	tester := orch.Messenger().For("tester")
	result, err := tester.Send(context.Background(), "economy", "balance", map[string]any{"player": "alex"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"player": "alex", "balance": int64(100), "sender": "tester"}, result)

	_, err = tester.Send(context.Background(), "economy", "refuse", nil)
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeHandlerFailed))

	out, err := orch.Commands().Dispatch(context.Background(), "bal", []string{"alex"})
	require.NoError(t, err)
	assert.Equal(t, "balance of alex is 100", out)

	require.NoError(t, orch.Reload(context.Background(), "economy"))
	count, err := tester.Send(context.Background(), "economy", "count", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "state survives a reload")

	require.NoError(t, orch.Disable(context.Background(), "economy"))
	_, err = tester.Send(context.Background(), "economy", "balance", nil)
	assert.True(t, IsErrorCode(err, ErrCodeTargetUnavailable))
}

func TestLuaRuntime_HookFailures(t *testing.T) {
	logger := NewTestLogger()
	orch := newScriptHost(t, NewRuntimeSet(NewLuaRuntime(200*time.Millisecond, logger)), logger,
		scriptBundle{desc: luaDescriptor("raises", "1.0.0"), files: map[string]string{
			"main.lua": `function on_enable() error("boom") end`,
		}},
		scriptBundle{desc: luaDescriptor("refuses", "1.0.0"), files: map[string]string{
			"main.lua": `function on_load() return false, "not ready" end`,
		}},
		scriptBundle{desc: luaDescriptor("spins", "1.0.0"), files: map[string]string{
			"main.lua": `function on_enable() while true do end end`,
		}},
		scriptBundle{desc: luaDescriptor("syntax", "1.0.0"), files: map[string]string{
			"main.lua": `function on_enable(`,
		}},
		scriptBundle{desc: luaDescriptor("missing-module", "1.0.0"), files: map[string]string{
			"main.lua": `local x = require("nowhere")`,
		}},
		scriptBundle{desc: luaDescriptor("fine", "1.0.0"), files: map[string]string{
			"main.lua": `function on_enable() return true end`,
		}},
	)

	_, err := orch.LoadAll(context.Background())
	require.NoError(t, err)

	for _, id := range []string{"raises", "refuses", "spins", "syntax", "missing-module"} {
		info, err := orch.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StateError, info.State, id)
		assert.NotEmpty(t, info.Error, id)
	}
	state, _ := orch.State("fine")
	assert.Equal(t, StateEnabled, state)

	info, _ := orch.Get("refuses")
	assert.True(t, IsErrorCode(info.Err, ErrCodeScript), "got %v", info.Err)
	info, _ = orch.Get("raises")
	assert.True(t, IsErrorCode(info.Err, ErrCodeEnableFailed), "got %v", info.Err)
}

func TestLuaRuntime_MissingEntry(t *testing.T) {
	logger := NewTestLogger()
	orch := newScriptHost(t, NewRuntimeSet(NewLuaRuntime(time.Second, logger)), logger,
		scriptBundle{desc: luaDescriptor("empty", "1.0.0")})

	_, err := orch.LoadAll(context.Background())
	require.NoError(t, err)
	info, _ := orch.Get("empty")
	assert.Equal(t, StateError, info.State)
	assert.True(t, IsErrorCode(info.Err, ErrCodeEntryNotFound), "got %v", info.Err)
}

func TestLuaRuntime_PluginsTalkToEachOther(t *testing.T) {
	logger := NewTestLogger()
	shop := luaDescriptor("shop", "1.0.0")
	shop.Dependencies = []string{"bank"}
	orch := newScriptHost(t, NewRuntimeSet(NewLuaRuntime(2*time.Second, logger)), logger,
		scriptBundle{desc: luaDescriptor("bank", "1.0.0"), files: map[string]string{
			"main.lua": `
local host = require("host")
function on_enable()
  host.subscribe("price", function(item) return #item * 10 end)
end`,
		}},
		scriptBundle{desc: shop, files: map[string]string{
			"main.lua": `
local host = require("host")
function on_enable()
  host.subscribe("buy", function(item)
    local price, err = host.send("bank", "price", item)
    if price == nil then return nil, err end
    return { item = item, price = price, reachable = host.is_available("bank") }
  end)
end`,
		}},
	)

	_, err := orch.LoadAll(context.Background())
	require.NoError(t, err)

	result, err := orch.Messenger().For("tester").Send(context.Background(), "shop", "buy", "sword")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"item": "sword", "price": int64(50), "reachable": true}, result)
}

func TestLuaValueConversion(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	in := map[string]any{
		"name":  "alex",
		"level": int64(3),
		"ratio": 0.5,
		"tags":  []any{"a", "b"},
		"ok":    true,
	}
	out := fromLuaValue(toLuaValue(L, in))
	assert.Equal(t, map[string]any{
		"name":  "alex",
		"level": int64(3),
		"ratio": 0.5,
		"tags":  []any{"a", "b"},
		"ok":    true,
	}, out)

	type point struct {
		X int `json:"x"`
	}
	assert.Equal(t, map[string]any{"x": int64(4)}, fromLuaValue(toLuaValue(L, point{X: 4})))

	cyclic := L.NewTable()
	cyclic.RawSetString("self", cyclic)
	assert.Equal(t, map[string]any{"self": nil}, fromLuaValue(cyclic))
}
