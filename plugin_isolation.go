// plugin_isolation.go: Per-plugin isolation boundaries and module resolution
//
// Every loaded plugin owns one boundary. The boundary decides where a module
// name a plugin asks for comes from, in a fixed order:
//
//  1. the shared-library cache, for libraries reconciled across plugins
//  2. the plugin bundle's own files (<bundle>/<name>.*, <bundle>/lib/<name>.*)
//  3. modules exported by the host
//
// Host contract modules are always served by the host, never from a bundle
// or the cache, so every plugin sees the same contract. Runtimes register
// their resources on the boundary and Teardown releases them.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ModuleTier says which resolution tier served a module.
type ModuleTier string

const (
	TierShared ModuleTier = "shared"
	TierBundle ModuleTier = "bundle"
	TierHost   ModuleTier = "host"
)

// HostAPIModule is the contract module name every script runtime exposes to
// plugins (logging, messaging, configuration).
const HostAPIModule = "host"

// ResolvedModule is the outcome of a boundary lookup.
type ResolvedModule struct {
	Name string
	Tier ModuleTier
	// Path is the file backing a shared or bundle module.
	Path string
	// Version is set for shared modules.
	Version string
	// Value is the exported value of a host module.
	Value any
}

// HostModules is the set of contract modules the host exports to every
// plugin. It is shared by all boundaries.
type HostModules struct {
	mu      sync.RWMutex
	modules map[string]any
}

// NewHostModules creates a set holding the host API module.
func NewHostModules() *HostModules {
	return &HostModules{modules: map[string]any{HostAPIModule: nil}}
}

// Register exports value under name.
func (h *HostModules) Register(name string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.modules[name] = value
}

// Lookup returns the exported value and whether name is a host module.
func (h *HostModules) Lookup(name string) (any, bool) {
	if h == nil {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.modules[name]
	return v, ok
}

// Names returns the exported module names, sorted.
func (h *HostModules) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.modules))
	for name := range h.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type boundaryCloser struct {
	name string
	fn   func() error
}

// Boundary is the isolation context of one plugin.
type Boundary struct {
	pluginID  string
	bundleDir string
	cache     *LibraryCache
	host      *HostModules
	logger    Logger

	mu       sync.Mutex
	ranges   map[string]VersionRange
	resolved map[string]ResolvedModule
	order    []string
	closers  []boundaryCloser
	tornDown bool
}

// NewBoundary creates the boundary of a plugin rooted at bundleDir. cache
// and host may be nil.
func NewBoundary(pluginID, bundleDir string, cache *LibraryCache, host *HostModules, logger Logger) (*Boundary, error) {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	info, err := os.Stat(bundleDir)
	if err != nil {
		return nil, NewBoundaryError(pluginID, err)
	}
	if !info.IsDir() {
		return nil, NewBoundaryError(pluginID, errors.New("bundle path is not a directory"))
	}
	return &Boundary{
		pluginID:  pluginID,
		bundleDir: bundleDir,
		cache:     cache,
		host:      host,
		logger:    logger.With("plugin", pluginID),
		ranges:    make(map[string]VersionRange),
		resolved:  make(map[string]ResolvedModule),
	}, nil
}

// ConstrainLibraries pins the shared-cache tier to the effective version of
// each shared dependency. A staged version outside that range is refused.
func (b *Boundary) ConstrainLibraries(deps []LibraryDependency) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, dep := range deps {
		if dep.EffectiveSource() != LibraryShared {
			continue
		}
		rng, err := ParseVersionRange(dep.EffectiveVersion())
		if err != nil {
			return err
		}
		b.ranges[dep.Name] = rng
	}
	return nil
}

// PluginID returns the owning plugin id.
func (b *Boundary) PluginID() string { return b.pluginID }

// BundleDir returns the bundle root.
func (b *Boundary) BundleDir() string { return b.bundleDir }

// Resolve looks name up through the three tiers.
func (b *Boundary) Resolve(name string) (ResolvedModule, error) {
	return b.ResolveKind(name, "")
}

// ResolveKind is Resolve restricted to file modules with the given
// extension (".lua", ".wasm"). Host modules are not filtered.
func (b *Boundary) ResolveKind(name, ext string) (ResolvedModule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tornDown {
		return ResolvedModule{}, NewBoundaryTornDownError(b.pluginID)
	}
	if name == "" || strings.ContainsAny(name, `/\`+"\x00") || strings.Contains(name, "..") {
		return ResolvedModule{}, NewModuleNotFoundError(b.pluginID, name)
	}
	key := name + "|" + ext
	if m, ok := b.resolved[key]; ok {
		return m, nil
	}

	m, err := b.lookup(name, ext)
	if err != nil {
		return ResolvedModule{}, err
	}
	b.resolved[key] = m
	b.order = append(b.order, key)
	b.logger.Debug("Module resolved", "module", name, "tier", string(m.Tier), "path", m.Path)
	return m, nil
}

func (b *Boundary) lookup(name, ext string) (ResolvedModule, error) {
	if value, ok := b.host.Lookup(name); ok {
		return ResolvedModule{Name: name, Tier: TierHost, Value: value}, nil
	}

	if b.cache != nil {
		lib, ok := b.cache.Lookup(name)
		if rng, pinned := b.ranges[name]; pinned && ok {
			staged := lib.Version
			if lib, ok = b.cache.LookupMatching(name, rng); !ok {
				return ResolvedModule{}, NewLibraryOutOfRangeError(b.pluginID, name, staged, rng.String())
			}
		}
		if ok && (ext == "" || strings.EqualFold(filepath.Ext(lib.Path), ext)) {
			return ResolvedModule{Name: name, Tier: TierShared, Path: lib.Path, Version: lib.Version}, nil
		}
	}

	for _, dir := range []string{b.bundleDir, filepath.Join(b.bundleDir, "lib")} {
		if path, ok := findModuleFile(dir, name, ext); ok {
			return ResolvedModule{Name: name, Tier: TierBundle, Path: path}, nil
		}
	}
	return ResolvedModule{}, NewModuleNotFoundError(b.pluginID, name)
}

// findModuleFile returns the first regular file in dir named name+ext, or
// name.* when ext is empty. Descriptor files never match.
func findModuleFile(dir, name, ext string) (string, bool) {
	if ext != "" {
		path := filepath.Join(dir, name+ext)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, true
		}
		return "", false
	}
	matches, err := filepath.Glob(filepath.Join(dir, globEscape(name)+".*"))
	if err != nil {
		return "", false
	}
	sort.Strings(matches)
	for _, path := range matches {
		base := filepath.Base(path)
		if isMetadataFile(base) {
			continue
		}
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}

func isMetadataFile(base string) bool {
	for _, name := range MetadataFileNames {
		if strings.EqualFold(base, name) {
			return true
		}
	}
	return false
}

func globEscape(s string) string {
	replacer := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`)
	return replacer.Replace(s)
}

// BundleFile returns the absolute path of a file inside the bundle,
// rejecting paths that escape it.
func (b *Boundary) BundleFile(rel string) (string, error) {
	if filepath.IsAbs(rel) || strings.Contains(rel, "\x00") {
		return "", NewPathTraversalError(rel)
	}
	full := filepath.Join(b.bundleDir, filepath.FromSlash(rel))
	relCheck, err := filepath.Rel(b.bundleDir, full)
	if err != nil || relCheck == ".." || strings.HasPrefix(relCheck, ".."+string(filepath.Separator)) {
		return "", NewPathTraversalError(rel)
	}
	return full, nil
}

// Resolved returns the modules resolved so far, in resolution order.
func (b *Boundary) Resolved() []ResolvedModule {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ResolvedModule, 0, len(b.order))
	for _, key := range b.order {
		out = append(out, b.resolved[key])
	}
	return out
}

// AddCloser registers a resource release to run on Teardown. Closers run in
// reverse registration order. Registering on a torn-down boundary runs the
// closer immediately.
func (b *Boundary) AddCloser(name string, fn func() error) {
	b.mu.Lock()
	if b.tornDown {
		b.mu.Unlock()
		if err := callGuarded(fn); err != nil {
			b.logger.Warn("Late boundary closer failed", "resource", name, "error", err)
		}
		return
	}
	b.closers = append(b.closers, boundaryCloser{name: name, fn: fn})
	b.mu.Unlock()
}

// Teardown releases every registered resource. It is idempotent and safe on
// a partially initialized boundary; closer failures are logged and joined
// into the returned error but never stop the remaining closers.
func (b *Boundary) Teardown() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.tornDown {
		b.mu.Unlock()
		return nil
	}
	b.tornDown = true
	closers := b.closers
	b.closers = nil
	b.resolved = make(map[string]ResolvedModule)
	b.order = nil
	b.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if err := callGuarded(c.fn); err != nil {
			b.logger.Warn("Boundary resource release failed", "resource", c.name, "error", err)
			errs = append(errs, err)
		}
	}
	b.logger.Debug("Boundary torn down", "resources", len(closers))
	return errors.Join(errs...)
}

// IsTornDown reports whether Teardown has run.
func (b *Boundary) IsTornDown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tornDown
}
