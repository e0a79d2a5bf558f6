// capability_context.go: Host services handed to plugin instances
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"sort"
	"strings"
	"sync"

	goerrors "github.com/agilira/go-errors"
)

// CommandExecutor runs commands against the managed server. The host
// application supplies the implementation; the runtime only forwards it.
type CommandExecutor interface {
	// Execute sends a command and returns its immediate response.
	Execute(ctx context.Context, command string) (string, error)
	// ExecuteAndWait sends a command and waits for its full output.
	ExecuteAndWait(ctx context.Context, command string) (string, error)
	// ExecuteBatch runs commands one after another.
	ExecuteBatch(ctx context.Context, commands []string) ([]string, error)
	// ExecuteParallel runs commands concurrently; results keep input order.
	ExecuteParallel(ctx context.Context, commands []string) ([]string, error)
}

// LibraryResolver resolves a module name through a plugin's isolation
// boundary.
type LibraryResolver interface {
	Resolve(name string) (ResolvedModule, error)
}

// CapabilityRegistry holds host-registered data accessors and services that
// plugin constructors may require by name.
type CapabilityRegistry struct {
	mu    sync.RWMutex
	items map[string]any
}

// NewCapabilityRegistry creates an empty registry.
func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{items: make(map[string]any)}
}

// Register adds or replaces a capability.
func (r *CapabilityRegistry) Register(name string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[name] = value
}

// Get returns a capability by name.
func (r *CapabilityRegistry) Get(name string) (any, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[name]
	return v, ok
}

// Names returns the registered capability names, sorted.
func (r *CapabilityRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CommandHandler serves a command registered by a plugin.
type CommandHandler func(ctx context.Context, args []string) (string, error)

// OutputHandler observes server output lines.
type OutputHandler func(line string)

type ownedCommand struct {
	owner   string
	handler CommandHandler
}

type ownedOutput struct {
	owner   string
	handler OutputHandler
}

// CommandRegistry tracks the commands and output handlers plugins register,
// keyed by owner so a disabled plugin's registrations can be dropped in one
// call.
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[string]ownedCommand
	outputs  []ownedOutput
	logger   Logger
}

// NewCommandRegistry creates an empty command registry.
func NewCommandRegistry(logger Logger) *CommandRegistry {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &CommandRegistry{commands: make(map[string]ownedCommand), logger: logger}
}

// Register binds a command name to a plugin's handler. Names are
// case-insensitive and owned by the first registrant.
func (r *CommandRegistry) Register(owner, name string, handler CommandHandler) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || handler == nil {
		return goerrors.New(ErrCodeInstantiate, "command name and handler are required").
			WithContext("plugin_id", owner)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, taken := r.commands[key]; taken && existing.owner != owner {
		return goerrors.New(ErrCodeEntryAlreadyExists, "command already registered by "+existing.owner).
			WithContext("command", key).
			WithContext("plugin_id", owner)
	}
	r.commands[key] = ownedCommand{owner: owner, handler: handler}
	return nil
}

// AddOutputHandler registers an output observer for owner.
func (r *CommandRegistry) AddOutputHandler(owner string, handler OutputHandler) {
	if handler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = append(r.outputs, ownedOutput{owner: owner, handler: handler})
}

// RemoveOwner drops every command and output handler registered by owner
// and returns how many were removed.
func (r *CommandRegistry) RemoveOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, cmd := range r.commands {
		if cmd.owner == owner {
			delete(r.commands, key)
			removed++
		}
	}
	kept := r.outputs[:0]
	for _, out := range r.outputs {
		if out.owner == owner {
			removed++
			continue
		}
		kept = append(kept, out)
	}
	r.outputs = kept
	return removed
}

// Dispatch runs the handler registered for name.
func (r *CommandRegistry) Dispatch(ctx context.Context, name string, args []string) (string, error) {
	r.mu.RLock()
	cmd, ok := r.commands[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()
	if !ok {
		return "", goerrors.New(ErrCodeEntryNotFound, "no plugin command named "+name).
			WithContext("command", name)
	}
	var out string
	err := callGuarded(func() error {
		var herr error
		out, herr = cmd.handler(ctx, args)
		return herr
	})
	return out, err
}

// EmitOutput delivers a server output line to every registered handler.
// Handler panics are contained and logged.
func (r *CommandRegistry) EmitOutput(line string) {
	r.mu.RLock()
	outputs := append([]ownedOutput(nil), r.outputs...)
	r.mu.RUnlock()
	for _, out := range outputs {
		if err := callGuarded(func() error { out.handler(line); return nil }); err != nil {
			r.logger.Error("Output handler failed", "plugin", out.owner, "error", err)
		}
	}
}

// Commands returns the registered command names with their owners.
func (r *CommandRegistry) Commands() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.commands))
	for key, cmd := range r.commands {
		out[key] = cmd.owner
	}
	return out
}

// PluginContext is the capability context of one plugin. It is built when
// the plugin loads and attached to the instance before OnEnable.
type PluginContext struct {
	pluginID     string
	descriptor   *Descriptor
	logger       Logger
	dataDir      string
	config       *ConfigStore
	executor     CommandExecutor
	commands     *CommandRegistry
	messenger    *PluginMessenger
	capabilities *CapabilityRegistry
	libraries    LibraryResolver
}

// PluginID returns the id of the plugin the context belongs to.
func (c *PluginContext) PluginID() string { return c.pluginID }

// Descriptor returns a copy of the plugin's descriptor.
func (c *PluginContext) Descriptor() *Descriptor { return c.descriptor.Clone() }

// Logger returns a logger scoped to the plugin.
func (c *PluginContext) Logger() Logger { return c.logger }

// DataDir returns the plugin's private data directory.
func (c *PluginContext) DataDir() string { return c.dataDir }

// Config returns the plugin's configuration store.
func (c *PluginContext) Config() *ConfigStore { return c.config }

// Commands returns the host command executor, nil when the host has none.
func (c *PluginContext) Commands() CommandExecutor { return c.executor }

// Messenger returns the plugin's messaging handle.
func (c *PluginContext) Messenger() *PluginMessenger { return c.messenger }

// Libraries returns the resolver of the plugin's isolation boundary.
func (c *PluginContext) Libraries() LibraryResolver { return c.libraries }

// Capability returns a host-registered capability.
func (c *PluginContext) Capability(name string) (any, bool) {
	return c.capabilities.Get(name)
}

// RegisterCommand registers a command served by this plugin. It is removed
// automatically when the plugin is disabled.
func (c *PluginContext) RegisterCommand(name string, handler CommandHandler) error {
	return c.commands.Register(c.pluginID, name, handler)
}

// OnOutput registers a server output observer for this plugin. It is
// removed automatically when the plugin is disabled.
func (c *PluginContext) OnOutput(handler OutputHandler) {
	c.commands.AddOutputHandler(c.pluginID, handler)
}

// capabilityAvailable reports whether a constructor requirement can be met.
func (c *PluginContext) capabilityAvailable(name string) bool {
	switch name {
	case CapabilityLogger, CapabilityMessenger, CapabilityConfig, CapabilityLibraries:
		return true
	case CapabilityCommands:
		return c.executor != nil
	}
	_, ok := c.capabilities.Get(name)
	return ok
}

// capabilitiesFor builds the capability set a constructor declared.
func (c *PluginContext) capabilitiesFor(requires []string) Capabilities {
	caps := Capabilities{CapabilityLogger: c.logger}
	for _, name := range requires {
		switch name {
		case CapabilityLogger:
		case CapabilityMessenger:
			caps[name] = c.messenger
		case CapabilityConfig:
			caps[name] = c.config
		case CapabilityLibraries:
			caps[name] = c.libraries
		case CapabilityCommands:
			caps[name] = c.executor
		default:
			if v, ok := c.capabilities.Get(name); ok {
				caps[name] = v
			}
		}
	}
	return caps
}
