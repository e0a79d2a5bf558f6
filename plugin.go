// plugin.go: Plugin lifecycle contract, states and entry-point binding
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Plugin is the lifecycle contract every plugin instance satisfies,
// regardless of the runtime it was bound through.
//
// Hooks are called by the orchestrator, one at a time, in the order
// OnLoad, OnEnable, OnDisable, OnUnload. A hook returning an error moves the
// plugin to StateError. Hooks must not call back into orchestrator
// lifecycle operations synchronously.
//
// Example usage:
//
//	type economy struct {
//	    pctx *PluginContext
//	}
//
//	func (e *economy) Attach(pctx *PluginContext) { e.pctx = pctx }
//	func (e *economy) OnLoad(ctx context.Context) error   { return nil }
//	func (e *economy) OnEnable(ctx context.Context) error {
//	    return e.pctx.Messenger().SubscribeWithResponse("balance", e.balance)
//	}
//	func (e *economy) OnDisable(ctx context.Context) error { return nil }
//	func (e *economy) OnUnload(ctx context.Context) error  { return nil }
type Plugin interface {
	OnLoad(ctx context.Context) error
	OnEnable(ctx context.Context) error
	OnDisable(ctx context.Context) error
	OnUnload(ctx context.Context) error
}

// ContextAware plugins receive their capability context before OnEnable.
type ContextAware interface {
	Attach(pctx *PluginContext)
}

// StatefulPlugin instances can carry state across a reload. SaveState runs
// before the old instance is disabled and RestoreState after the new
// instance is enabled.
type StatefulPlugin interface {
	SaveState(ctx context.Context) (any, error)
	RestoreState(ctx context.Context, state any) error
}

// PluginState is the lifecycle state of a plugin record.
type PluginState string

const (
	StateUnloaded PluginState = "unloaded"
	StateLoaded   PluginState = "loaded"
	StateEnabled  PluginState = "enabled"
	StateDisabled PluginState = "disabled"
	StateError    PluginState = "error"
)

// canTransition reports whether a record may move from one state to
// another. StateError is reachable from anywhere; leaving it requires a
// reload, which goes through StateUnloaded.
func canTransition(from, to PluginState) bool {
	if to == StateError {
		return true
	}
	switch from {
	case StateUnloaded:
		return to == StateLoaded
	case StateLoaded:
		return to == StateEnabled || to == StateUnloaded
	case StateEnabled:
		return to == StateDisabled
	case StateDisabled:
		return to == StateEnabled || to == StateUnloaded
	case StateError:
		return to == StateUnloaded
	}
	return false
}

// EntryKind selects the runtime that binds an entry point.
type EntryKind string

const (
	EntryBuiltin EntryKind = "builtin"
	EntryLua     EntryKind = "lua"
	EntryExec    EntryKind = "exec"
	EntryWasm    EntryKind = "wasm"
)

// EntryRef is a parsed descriptor "main" field.
type EntryRef struct {
	Kind   EntryKind
	Target string
}

// String returns the entry in "kind:target" form.
func (e EntryRef) String() string {
	return string(e.Kind) + ":" + e.Target
}

// ParseEntryRef parses "kind:target". A reference without a kind is a
// builtin name. File targets must stay inside the bundle.
func ParseEntryRef(main string) (EntryRef, error) {
	main = strings.TrimSpace(main)
	kind, target, found := strings.Cut(main, ":")
	if !found {
		kind, target = string(EntryBuiltin), main
	}
	ref := EntryRef{Kind: EntryKind(strings.ToLower(kind)), Target: strings.TrimSpace(target)}
	if ref.Target == "" {
		return EntryRef{}, NewUnsupportedEntryError("", main)
	}

	switch ref.Kind {
	case EntryBuiltin:
		return ref, nil
	case EntryLua, EntryExec, EntryWasm:
		if filepath.IsAbs(ref.Target) || strings.Contains(ref.Target, "..") || strings.Contains(ref.Target, "\x00") {
			return EntryRef{}, NewPathTraversalError(ref.Target)
		}
		return ref, nil
	}
	return EntryRef{}, NewUnsupportedEntryError("", main)
}

// Capability names the host registers in its CapabilityRegistry and plugin
// constructors may require.
const (
	CapabilityLogger    = "logger"
	CapabilityMessenger = "messenger"
	CapabilityCommands  = "commands"
	CapabilityConfig    = "config"
	CapabilityLibraries = "libraries"
)

// Capabilities is the set of host services resolved for one constructor
// call. Only the names the constructor declared are present.
type Capabilities map[string]any

// Logger returns the plugin's logger, or a no-op logger.
func (c Capabilities) Logger() Logger {
	if l, ok := c[CapabilityLogger].(Logger); ok {
		return l
	}
	return NewNoOpLogger()
}

// Get returns a capability by name.
func (c Capabilities) Get(name string) (any, bool) {
	v, ok := c[name]
	return v, ok
}

// Constructor builds a plugin instance from an explicit set of required
// capabilities. A constructor with no requirements is the zero-argument
// fallback.
type Constructor struct {
	Requires []string
	New      func(caps Capabilities) (Plugin, error)
}

// BuiltinEntry is a compile-time registered plugin implementation.
type BuiltinEntry struct {
	Name         string
	Constructors []Constructor
}

// selectConstructor picks the constructor with the most requirements that
// are all available, falling back to one with none. It returns the missing
// capability names of the richest constructor when nothing fits.
func (e BuiltinEntry) selectConstructor(available func(string) bool) (Constructor, []string, bool) {
	ordered := append([]Constructor(nil), e.Constructors...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].Requires) > len(ordered[j].Requires)
	})

	var firstMissing []string
	for i, ctor := range ordered {
		var missing []string
		for _, name := range ctor.Requires {
			if !available(name) {
				missing = append(missing, name)
			}
		}
		if len(missing) == 0 {
			return ctor, nil, true
		}
		if i == 0 {
			firstMissing = missing
		}
	}
	return Constructor{}, firstMissing, false
}

// EntryRegistry holds the builtin entries a host binary links in. It is
// owned by the caller and passed to the orchestrator explicitly.
type EntryRegistry struct {
	mu      sync.RWMutex
	entries map[string]BuiltinEntry
}

// NewEntryRegistry creates an empty registry.
func NewEntryRegistry() *EntryRegistry {
	return &EntryRegistry{entries: make(map[string]BuiltinEntry)}
}

// Register adds a builtin entry. Names are unique.
func (r *EntryRegistry) Register(entry BuiltinEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[entry.Name]; exists {
		return NewEntryAlreadyExistsError(entry.Name)
	}
	r.entries[entry.Name] = entry
	return nil
}

// RegisterFunc registers a builtin entry with a single zero-requirement
// constructor.
func (r *EntryRegistry) RegisterFunc(name string, newFn func() Plugin) error {
	return r.Register(BuiltinEntry{
		Name: name,
		Constructors: []Constructor{{
			New: func(Capabilities) (Plugin, error) { return newFn(), nil },
		}},
	})
}

// Lookup returns the entry registered under name.
func (r *EntryRegistry) Lookup(name string) (BuiltinEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Names returns the registered entry names, sorted.
func (r *EntryRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
