// loader.go: Per-plugin Load, Enable, Disable and Unload
//
// The loader owns the transitions of a single plugin record. Batch ordering,
// policy and locking belong to the Orchestrator; the loader never looks at
// other records.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	timecache "github.com/agilira/go-timecache"
)

// PluginInfo is a point-in-time view of a plugin record.
type PluginInfo struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Version      string      `json:"version"`
	Main         string      `json:"main"`
	State        PluginState `json:"state"`
	BundleDir    string      `json:"bundle_dir"`
	DataDir      string      `json:"data_dir"`
	MetadataPath string      `json:"metadata_path"`
	LoadedAt     time.Time   `json:"loaded_at,omitempty"`
	EnabledAt    time.Time   `json:"enabled_at,omitempty"`
	// Error is the message of the last failure, Err its full value.
	Error      string      `json:"error,omitempty"`
	Err        error       `json:"-"`
	Descriptor *Descriptor `json:"-"`
}

// record is the registry entry of one plugin. Its fields are guarded by mu
// so snapshot reads never wait on a running hook.
type record struct {
	mu        sync.RWMutex
	bundle    DiscoveredBundle
	state     PluginState
	loadedAt  time.Time
	enabledAt time.Time
	lastErr   error

	boundary *Boundary
	instance Plugin
	pctx     *PluginContext
}

func newRecord(bundle DiscoveredBundle) *record {
	return &record{bundle: bundle, state: StateUnloaded}
}

func (r *record) id() string { return r.bundle.Descriptor.ID }

func (r *record) descriptor() *Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bundle.Descriptor
}

func (r *record) currentState() PluginState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *record) live() (Plugin, *PluginContext, *Boundary) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instance, r.pctx, r.boundary
}

func (r *record) setState(state PluginState) {
	r.mu.Lock()
	r.state = state
	switch state {
	case StateLoaded:
		r.loadedAt = timecache.CachedTime()
		r.lastErr = nil
	case StateEnabled:
		r.enabledAt = timecache.CachedTime()
		r.lastErr = nil
	}
	r.mu.Unlock()
}

func (r *record) fail(err error) {
	r.mu.Lock()
	r.state = StateError
	r.lastErr = err
	r.mu.Unlock()
}

func (r *record) snapshot() PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d := r.bundle.Descriptor
	info := PluginInfo{
		ID:           d.ID,
		Name:         d.Name,
		Version:      d.Version,
		Main:         d.Main,
		State:        r.state,
		BundleDir:    r.bundle.BundleDir,
		DataDir:      r.bundle.DataDir,
		MetadataPath: r.bundle.MetadataPath,
		LoadedAt:     r.loadedAt,
		EnabledAt:    r.enabledAt,
		Err:          r.lastErr,
		Descriptor:   d.Clone(),
	}
	if r.lastErr != nil {
		info.Error = r.lastErr.Error()
	}
	return info
}

// LoaderConfig wires the loader to the host services.
type LoaderConfig struct {
	Runtimes     *RuntimeSet
	Cache        *LibraryCache
	HostModules  *HostModules
	Messenger    *Messenger
	Commands     *CommandRegistry
	Executor     CommandExecutor
	Capabilities *CapabilityRegistry
	Logger       Logger
	// DrainTimeout bounds the wait for running handlers on disable. Zero
	// means DefaultDrainTimeout, negative disables the wait.
	DrainTimeout time.Duration
}

// Loader performs the lifecycle transitions of single plugins.
type Loader struct {
	runtimes     *RuntimeSet
	cache        *LibraryCache
	hostModules  *HostModules
	messenger    *Messenger
	commands     *CommandRegistry
	executor     CommandExecutor
	capabilities *CapabilityRegistry
	drainTimeout time.Duration
	logger       Logger
}

// NewLoader creates a loader. Missing services are replaced by empty ones.
func NewLoader(cfg LoaderConfig) *Loader {
	l := &Loader{
		runtimes:     cfg.Runtimes,
		cache:        cfg.Cache,
		hostModules:  cfg.HostModules,
		messenger:    cfg.Messenger,
		commands:     cfg.Commands,
		executor:     cfg.Executor,
		capabilities: cfg.Capabilities,
		drainTimeout: cfg.DrainTimeout,
		logger:       cfg.Logger,
	}
	if l.drainTimeout == 0 {
		l.drainTimeout = DefaultDrainTimeout
	}
	if l.logger == nil {
		l.logger = NewNoOpLogger()
	}
	if l.runtimes == nil {
		l.runtimes = NewRuntimeSet(NewBuiltinRuntime(nil, l.logger))
	}
	if l.hostModules == nil {
		l.hostModules = NewHostModules()
	}
	if l.messenger == nil {
		l.messenger = NewMessenger(l.logger)
	}
	if l.commands == nil {
		l.commands = NewCommandRegistry(l.logger)
	}
	if l.capabilities == nil {
		l.capabilities = NewCapabilityRegistry()
	}
	return l
}

// callHook runs a lifecycle hook with panic containment. Errors that are
// not already coded are wrapped as hook failures.
func callHook(id, hook string, fn func() error) error {
	err := callGuarded(fn)
	if err != nil && ErrorCodeOf(err) == "" {
		return NewHookError(id, hook, err)
	}
	return err
}

// Load builds the isolation boundary, binds the entry point and calls
// OnLoad. On failure the record moves to StateError and the boundary is
// torn down.
func (l *Loader) Load(ctx context.Context, rec *record) (err error) {
	id := rec.id()
	ctx, span := startSpan(ctx, "pluginhost.Load", pluginAttr(id))
	defer func() { finishSpan(span, err) }()

	if from := rec.currentState(); !canTransition(from, StateLoaded) {
		return NewInvalidTransitionError(id, from, StateLoaded)
	}

	desc := rec.descriptor()
	logger := l.logger.With("plugin", id)

	var boundary *Boundary
	fail := func(cause error) error {
		if boundary != nil {
			if terr := boundary.Teardown(); terr != nil {
				logger.Warn("Boundary teardown after failed load reported errors", "error", terr)
			}
		}
		rec.mu.Lock()
		rec.boundary, rec.instance, rec.pctx = nil, nil, nil
		rec.mu.Unlock()
		rec.fail(cause)
		logger.Error("Plugin load failed", "error", cause)
		return cause
	}

	entry, err := ParseEntryRef(desc.Main)
	if err != nil {
		return fail(err)
	}
	rt, ok := l.runtimes.Get(entry.Kind)
	if !ok {
		return fail(NewUnsupportedEntryError(id, entry.String()))
	}

	boundary, err = NewBoundary(id, rec.bundle.BundleDir, l.cache, l.hostModules, l.logger)
	if err != nil {
		return fail(err)
	}
	if err := boundary.ConstrainLibraries(desc.LibraryDependencies); err != nil {
		return fail(err)
	}
	for _, lib := range desc.LibraryDependencies {
		if _, rerr := boundary.Resolve(lib.Name); rerr != nil {
			if lib.Optional {
				logger.Warn("Optional library not available", "library", lib.Name)
				continue
			}
			return fail(rerr)
		}
	}

	pctx := &PluginContext{
		pluginID:     id,
		descriptor:   desc,
		logger:       logger,
		dataDir:      rec.bundle.DataDir,
		config:       NewConfigStore(rec.bundle.DataDir, logger),
		executor:     l.executor,
		commands:     l.commands,
		messenger:    l.messenger.For(id),
		capabilities: l.capabilities,
		libraries:    boundary,
	}

	instance, err := rt.Bind(ctx, BindRequest{Descriptor: desc, Entry: entry, Boundary: boundary, Context: pctx})
	if err != nil {
		return fail(err)
	}

	rec.mu.Lock()
	rec.boundary, rec.instance, rec.pctx = boundary, instance, pctx
	rec.mu.Unlock()

	if err := callHook(id, "OnLoad", func() error { return instance.OnLoad(ctx) }); err != nil {
		return fail(err)
	}

	rec.setState(StateLoaded)
	logger.Info("Plugin loaded", "version", desc.Version, "entry", entry.String())
	return nil
}

// Enable attaches the capability context and calls OnEnable. The plugin
// becomes reachable through the messenger only after OnEnable succeeds.
func (l *Loader) Enable(ctx context.Context, rec *record) (err error) {
	id := rec.id()
	ctx, span := startSpan(ctx, "pluginhost.Enable", pluginAttr(id))
	defer func() { finishSpan(span, err) }()

	if from := rec.currentState(); !canTransition(from, StateEnabled) {
		return NewInvalidTransitionError(id, from, StateEnabled)
	}
	instance, pctx, _ := rec.live()
	if instance == nil {
		return NewEnableError(id, errors.New("no live instance"))
	}

	if aware, ok := instance.(ContextAware); ok {
		if err := callGuarded(func() error { aware.Attach(pctx); return nil }); err != nil {
			return l.failEnable(rec, err)
		}
	}
	if err := callHook(id, "OnEnable", func() error { return instance.OnEnable(ctx) }); err != nil {
		return l.failEnable(rec, err)
	}

	rec.setState(StateEnabled)
	l.messenger.SetAvailable(id, true)
	l.logger.Info("Plugin enabled", "plugin", id)
	return nil
}

func (l *Loader) failEnable(rec *record, cause error) error {
	id := rec.id()
	l.release(id)
	err := NewEnableError(id, cause)
	rec.fail(err)
	l.logger.Error("Plugin enable failed", "plugin", id, "error", cause)
	return err
}

// release drops everything the plugin registered with the host services.
func (l *Loader) release(id string) {
	l.messenger.SetAvailable(id, false)
	subs := l.messenger.UnsubscribeAll(id)
	cmds := l.commands.RemoveOwner(id)
	if subs+cmds > 0 {
		l.logger.Debug("Plugin registrations removed", "plugin", id, "subscriptions", subs, "commands", cmds)
	}
}

// Disable makes the plugin unreachable, calls OnDisable and drops its
// subscriptions, commands and output handlers. A failing OnDisable is
// logged and recorded but the plugin still ends up Disabled.
func (l *Loader) Disable(ctx context.Context, rec *record) (err error) {
	id := rec.id()
	ctx, span := startSpan(ctx, "pluginhost.Disable", pluginAttr(id))
	defer func() { finishSpan(span, err) }()

	if from := rec.currentState(); !canTransition(from, StateDisabled) {
		return NewInvalidTransitionError(id, from, StateDisabled)
	}
	instance, _, _ := rec.live()

	l.messenger.SetAvailable(id, false)
	l.drain(ctx, id)
	var hookErr error
	if instance != nil {
		hookErr = callHook(id, "OnDisable", func() error { return instance.OnDisable(ctx) })
	}
	l.release(id)
	rec.setState(StateDisabled)

	if hookErr != nil {
		warn := NewDisableError(id, hookErr)
		rec.mu.Lock()
		rec.lastErr = warn
		rec.mu.Unlock()
		l.logger.Warn("Plugin disable hook failed", "plugin", id, "error", hookErr)
	}
	l.logger.Info("Plugin disabled", "plugin", id)
	return nil
}

// drain waits for handlers that were already running when the plugin
// became unavailable.
func (l *Loader) drain(ctx context.Context, id string) {
	if l.drainTimeout < 0 || l.messenger.InFlight(id) == 0 {
		return
	}
	dctx, cancel := context.WithTimeout(ctx, l.drainTimeout)
	defer cancel()
	if err := l.messenger.Drain(dctx, id); err != nil {
		l.logger.Warn("Plugin still handling messages, disabling anyway",
			"plugin", id, "in_flight", l.messenger.InFlight(id), "timeout", l.drainTimeout)
	}
}

// Unload calls OnUnload, tears the boundary down and drops the instance.
// It accepts Loaded, Disabled and Error records. Hook and teardown
// failures are logged; the record always ends up Unloaded.
func (l *Loader) Unload(ctx context.Context, rec *record) (err error) {
	id := rec.id()
	ctx, span := startSpan(ctx, "pluginhost.Unload", pluginAttr(id))
	defer func() { finishSpan(span, err) }()

	from := rec.currentState()
	if from == StateUnloaded {
		return nil
	}
	if !canTransition(from, StateUnloaded) {
		return NewInvalidTransitionError(id, from, StateUnloaded)
	}

	instance, _, boundary := rec.live()
	if from == StateError {
		l.release(id)
	}
	if instance != nil {
		if herr := callHook(id, "OnUnload", func() error { return instance.OnUnload(ctx) }); herr != nil {
			l.logger.Warn("Plugin unload hook failed", "plugin", id, "error", herr)
		}
	}
	if terr := boundary.Teardown(); terr != nil {
		l.logger.Warn("Boundary teardown reported errors", "plugin", id, "error", terr)
	}

	rec.mu.Lock()
	rec.instance, rec.pctx, rec.boundary = nil, nil, nil
	rec.state = StateUnloaded
	rec.loadedAt, rec.enabledAt = time.Time{}, time.Time{}
	rec.mu.Unlock()

	runtime.GC()
	l.logger.Info("Plugin unloaded", "plugin", id)
	return nil
}

// saveState snapshots a stateful instance. Plugins without state return
// nil.
func (l *Loader) saveState(ctx context.Context, rec *record) (any, bool, error) {
	instance, _, _ := rec.live()
	stateful, ok := instance.(StatefulPlugin)
	if !ok {
		return nil, false, nil
	}
	var state any
	err := callHook(rec.id(), "SaveState", func() error {
		var serr error
		state, serr = stateful.SaveState(ctx)
		return serr
	})
	return state, err == nil, err
}

func (l *Loader) restoreState(ctx context.Context, rec *record, state any) error {
	instance, _, _ := rec.live()
	stateful, ok := instance.(StatefulPlugin)
	if !ok {
		return nil
	}
	return callHook(rec.id(), "RestoreState", func() error { return stateful.RestoreState(ctx, state) })
}
