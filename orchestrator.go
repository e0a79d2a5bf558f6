// orchestrator.go: Batch lifecycle of the plugin registry
//
// LoadAll runs scan, validate, resolve, fetch, sort, load and enable as one
// batch. Batch and single-plugin operations are serialized by opMu, which is
// held across lifecycle hooks. The record map is guarded by regMu, held
// only to copy or snapshot, so reads never wait on a hook.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// FailurePolicy decides how far a hard error reaches within a batch.
type FailurePolicy string

const (
	// FailureBatch aborts LoadAll on validation errors; resolution and
	// fetch errors block only the plugins that need the library.
	FailureBatch FailurePolicy = "batch"
	// FailurePlugin excludes only offending plugins and their dependents.
	FailurePlugin FailurePolicy = "plugin"
	// FailureStrict aborts the batch on any hard error.
	FailureStrict FailurePolicy = "strict"
)

// ParseFailurePolicy validates a policy name. The empty string selects
// FailureBatch.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailureBatch:
		return FailureBatch, nil
	case FailurePlugin:
		return FailurePlugin, nil
	case FailureStrict:
		return FailureStrict, nil
	}
	return "", NewConfigValidationError("unknown failure policy "+s, nil).
		WithContext("failure_policy", s)
}

// PluginOutcome is the state one plugin reached in a batch.
type PluginOutcome struct {
	ID    string      `json:"id"`
	State PluginState `json:"state"`
	Error string      `json:"error,omitempty"`
}

// LoadReport summarizes a LoadAll batch.
type LoadReport struct {
	Policy     FailurePolicy
	Order      []string
	Warnings   []string
	Errors     []string
	Outcomes   []PluginOutcome
	Rejected   []ScanRejection
	Validation ValidationResult
	Resolution *Resolution
	Aborted    bool
}

// Outcome returns the outcome of one plugin.
func (r *LoadReport) Outcome(id string) (PluginOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.ID == id {
			return o, true
		}
	}
	return PluginOutcome{}, false
}

// InState returns the ids that ended the batch in state, in load order.
func (r *LoadReport) InState(state PluginState) []string {
	var ids []string
	for _, o := range r.Outcomes {
		if o.State == state {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

func (r *LoadReport) addError(err error) {
	r.Errors = append(r.Errors, err.Error())
}

// OrchestratorConfig wires an Orchestrator. PluginsDir and DataDir are
// required; everything else has a default.
type OrchestratorConfig struct {
	PluginsDir         string
	DataDir            string
	Host               HostInfo
	Policy             FailurePolicy
	ConflictStrategy   ConflictStrategy
	ShowConflictReport bool

	Runtimes     *RuntimeSet
	Cache        *LibraryCache
	Fetcher      *LibraryFetcher
	HostModules  *HostModules
	Messenger    *Messenger
	Commands     *CommandRegistry
	Executor     CommandExecutor
	Capabilities *CapabilityRegistry
	Logger       Logger
	// DrainTimeout is handed to the loader, see LoaderConfig.
	DrainTimeout time.Duration
}

// Orchestrator owns the plugin registry and drives every lifecycle
// operation on it.
//
// Example usage:
//
//	orch, err := NewOrchestrator(OrchestratorConfig{
//	    PluginsDir: "plugins",
//	    DataDir:    "data",
//	    Runtimes:   NewRuntimeSet(NewBuiltinRuntime(entries, logger)),
//	    Logger:     logger,
//	})
//	report, err := orch.LoadAll(ctx)
//	defer orch.Shutdown(ctx)
type Orchestrator struct {
	opMu  sync.Mutex
	regMu sync.RWMutex

	records map[string]*record
	order   []string
	graph   *DependencyGraph
	report  *LoadReport

	scanner            *Scanner
	loader             *Loader
	resolver           *ConflictResolver
	fetcher            *LibraryFetcher
	messenger          *Messenger
	commands           *CommandRegistry
	host               HostInfo
	policy             FailurePolicy
	showConflictReport bool
	logger             Logger
}

// NewOrchestrator validates cfg and builds an orchestrator with an empty
// registry.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.PluginsDir == "" || cfg.DataDir == "" {
		return nil, NewConfigValidationError("plugins and data directories are required", nil)
	}
	policy, err := ParseFailurePolicy(string(cfg.Policy))
	if err != nil {
		return nil, err
	}
	strategy, err := ParseConflictStrategy(string(cfg.ConflictStrategy))
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = NewNoOpLogger()
	}
	if cfg.Messenger == nil {
		cfg.Messenger = NewMessenger(logger)
	}
	if cfg.Commands == nil {
		cfg.Commands = NewCommandRegistry(logger)
	}

	return &Orchestrator{
		records: make(map[string]*record),
		graph:   NewDependencyGraph(),
		scanner: NewScanner(cfg.PluginsDir, cfg.DataDir, logger),
		loader: NewLoader(LoaderConfig{
			Runtimes:     cfg.Runtimes,
			Cache:        cfg.Cache,
			HostModules:  cfg.HostModules,
			Messenger:    cfg.Messenger,
			Commands:     cfg.Commands,
			Executor:     cfg.Executor,
			Capabilities: cfg.Capabilities,
			Logger:       logger,
			DrainTimeout: cfg.DrainTimeout,
		}),
		resolver:           NewConflictResolver(strategy, logger),
		fetcher:            cfg.Fetcher,
		messenger:          cfg.Messenger,
		commands:           cfg.Commands,
		host:               cfg.Host,
		policy:             policy,
		showConflictReport: cfg.ShowConflictReport,
		logger:             logger,
	}, nil
}

// Messenger returns the message bus shared by the plugins.
func (o *Orchestrator) Messenger() *Messenger { return o.messenger }

// Commands returns the registry of plugin-served commands.
func (o *Orchestrator) Commands() *CommandRegistry { return o.commands }

// Policy returns the configured failure policy.
func (o *Orchestrator) Policy() FailurePolicy { return o.policy }

func (o *Orchestrator) lookup(id string) (*record, error) {
	o.regMu.RLock()
	defer o.regMu.RUnlock()
	rec, ok := o.records[id]
	if !ok {
		return nil, NewPluginNotFoundError(id)
	}
	return rec, nil
}

func (o *Orchestrator) loadOrder() []string {
	o.regMu.RLock()
	defer o.regMu.RUnlock()
	return append([]string(nil), o.order...)
}

// isLive reports whether a record holds a running instance that a new batch
// must leave alone.
func isLive(state PluginState) bool {
	return state == StateLoaded || state == StateEnabled || state == StateDisabled
}

// LoadAll scans the plugins directory and brings every eligible plugin to
// Enabled. Plugins already live in the registry are kept as they are.
//
// The returned error is non-nil only when the batch was aborted; per-plugin
// failures are reported in the LoadReport and leave the plugin in
// StateError.
func (o *Orchestrator) LoadAll(ctx context.Context) (report *LoadReport, err error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	ctx, span := startSpan(ctx, "pluginhost.LoadAll", attribute.String("pluginhost.policy", string(o.policy)))
	defer func() { finishSpan(span, err) }()

	report = &LoadReport{Policy: o.policy}
	defer func() {
		o.regMu.Lock()
		o.report = report
		o.regMu.Unlock()
	}()
	abort := func(phase string, cause error) (*LoadReport, error) {
		report.Aborted = true
		aerr := NewBatchAbortedError(phase, cause)
		o.logger.Error("Plugin batch aborted", "phase", phase, "error", cause)
		return report, aerr
	}

	// Scan.
	scan, err := o.scanner.Scan(ctx)
	if err != nil {
		report.addError(err)
		return abort("scan", err)
	}
	report.Rejected = scan.Rejected
	for _, rej := range scan.Rejected {
		report.addError(rej.Err)
	}
	if o.policy == FailureStrict && len(scan.Rejected) > 0 {
		return abort("scan", scan.Rejected[0].Err)
	}

	descs := make([]*Descriptor, 0, len(scan.Bundles))
	byID := make(map[string]*Descriptor, len(scan.Bundles))
	live := make(map[string]bool)
	o.regMu.RLock()
	for _, b := range scan.Bundles {
		d := b.Descriptor
		if rec, ok := o.records[d.ID]; ok && isLive(rec.currentState()) {
			live[d.ID] = true
			d = rec.descriptor()
		}
		d = d.Clone()
		descs = append(descs, d)
		byID[d.ID] = d
	}
	o.regMu.RUnlock()

	// Validate.
	validation := ValidateDependencies(descs, o.host)
	report.Validation = validation
	for _, w := range validation.Warnings {
		report.Warnings = append(report.Warnings, w.String())
		o.logger.Warn("Dependency warning", "code", w.Code, "plugins", w.Plugins, "message", w.Message)
	}
	excluded := make(map[string]error)
	if !validation.Valid() {
		for _, issue := range validation.Errors {
			report.Errors = append(report.Errors, issue.String())
			o.logger.Error("Dependency error", "code", issue.Code, "plugins", issue.Plugins, "message", issue.Message)
		}
		if o.policy != FailurePlugin {
			return abort("validate", NewValidationFailedError(len(validation.Errors), len(validation.Warnings)))
		}
		for _, issue := range validation.Errors {
			for _, id := range issue.Offenders() {
				if _, done := excluded[id]; !done {
					excluded[id] = NewDependencyIssueError(id, issue)
				}
			}
		}
	}

	// Resolve shared-library conflicts among the plugins still in play.
	var active []*Descriptor
	for _, d := range descs {
		if _, out := excluded[d.ID]; !out && !live[d.ID] {
			active = append(active, d)
		}
	}
	resolution := o.resolver.Resolve(active)
	o.resolver.Apply(active, resolution)
	report.Resolution = resolution
	if text := resolution.Report(); text != "" && o.showConflictReport {
		o.logger.Info("Shared library conflict report\n" + text)
	}
	for _, id := range sortedErrorKeys(resolution.Blocked) {
		cause := resolution.Blocked[id][0]
		report.addError(cause)
		if o.policy == FailureStrict {
			return abort("resolve", cause)
		}
		excluded[id] = cause
	}

	// Fetch missing shared libraries.
	if o.fetcher != nil {
		for id, cause := range o.fetchFor(ctx, active, excluded) {
			report.addError(cause)
			if o.policy == FailureStrict {
				return abort("fetch", cause)
			}
			excluded[id] = cause
		}
	}

	// Sort.
	graph := BuildDependencyGraph(descs)
	order, orderWarnings := graph.LoadOrder()
	report.Order = order
	for _, w := range orderWarnings {
		report.Warnings = append(report.Warnings, w)
		o.logger.Warn("Load order warning", "message", w)
	}

	o.regMu.Lock()
	for _, b := range scan.Bundles {
		id := b.Descriptor.ID
		if live[id] {
			continue
		}
		b.Descriptor = byID[id]
		if rec, ok := o.records[id]; ok {
			rec.mu.Lock()
			rec.bundle = b
			rec.mu.Unlock()
		} else {
			o.records[id] = newRecord(b)
		}
	}
	o.order = mergeOrder(order, o.order)
	o.graph = graph
	o.regMu.Unlock()

	// Load, then enable, in dependency order.
	var batch []string
	for _, id := range order {
		if live[id] {
			continue
		}
		rec, _ := o.lookup(id)
		if rec.currentState() == StateError {
			_ = o.loader.Unload(ctx, rec)
		}
		if cause, out := excluded[id]; out {
			rec.fail(cause)
			o.logger.Warn("Plugin excluded from batch", "plugin", id, "error", cause)
			continue
		}
		if cause := o.dependencyNotReady(rec, StateLoaded, StateEnabled); cause != nil {
			rec.fail(cause)
			report.addError(cause)
			o.logger.Error("Plugin skipped", "plugin", id, "error", cause)
			continue
		}
		if lerr := o.loader.Load(ctx, rec); lerr != nil {
			report.addError(lerr)
			if o.policy == FailureStrict {
				o.rollback(ctx, batch)
				return abort("load", lerr)
			}
			continue
		}
		batch = append(batch, id)
	}
	for _, id := range batch {
		rec, _ := o.lookup(id)
		if cause := o.dependencyNotReady(rec, StateEnabled); cause != nil {
			rec.fail(cause)
			report.addError(cause)
			o.logger.Error("Plugin not enabled", "plugin", id, "error", cause)
			continue
		}
		if eerr := o.loader.Enable(ctx, rec); eerr != nil {
			report.addError(eerr)
			if o.policy == FailureStrict {
				o.rollback(ctx, batch)
				return abort("enable", eerr)
			}
		}
	}

	for _, id := range order {
		rec, lerr := o.lookup(id)
		if lerr != nil {
			continue
		}
		info := rec.snapshot()
		report.Outcomes = append(report.Outcomes, PluginOutcome{ID: id, State: info.State, Error: info.Error})
	}
	o.logger.Info("Plugin batch complete",
		"plugins", len(order),
		"enabled", len(report.InState(StateEnabled)),
		"errors", len(report.Errors),
		"warnings", len(report.Warnings))
	return report, nil
}

// fetchFor stages the shared libraries the active plugins need and returns
// the plugins blocked by a failed fetch.
func (o *Orchestrator) fetchFor(ctx context.Context, active []*Descriptor, excluded map[string]error) map[string]error {
	var required, optional []LibraryDependency
	for _, d := range active {
		if _, out := excluded[d.ID]; out {
			continue
		}
		for _, lib := range d.SharedLibraries() {
			if lib.Optional {
				optional = append(optional, lib)
			} else {
				required = append(required, lib)
			}
		}
	}
	if len(required)+len(optional) == 0 {
		return nil
	}

	failures := o.fetcher.fetchAll(ctx, append(required, optional...))
	blocked := make(map[string]error)
	for _, d := range active {
		if _, out := excluded[d.ID]; out {
			continue
		}
		for _, lib := range d.SharedLibraries() {
			if ferr := failures[lib.Name]; ferr != nil && !lib.Optional {
				blocked[d.ID] = NewLibraryBlockedError(d.ID, lib.Name, ferr)
				break
			}
		}
	}
	return blocked
}

// dependencyNotReady returns an error when a required dependency present in
// the registry is not in one of the accepted states.
func (o *Orchestrator) dependencyNotReady(rec *record, accepted ...PluginState) error {
	for _, dep := range rec.descriptor().RequiredDependencyIDs() {
		drec, err := o.lookup(dep)
		if err != nil {
			continue
		}
		state := drec.currentState()
		ok := false
		for _, s := range accepted {
			if state == s {
				ok = true
				break
			}
		}
		if !ok {
			return NewDependencyNotReadyError(rec.id(), dep, state)
		}
	}
	return nil
}

// rollback disables and unloads ids in reverse order.
func (o *Orchestrator) rollback(ctx context.Context, ids []string) {
	for i := len(ids) - 1; i >= 0; i-- {
		rec, err := o.lookup(ids[i])
		if err != nil {
			continue
		}
		if rec.currentState() == StateEnabled {
			_ = o.loader.Disable(ctx, rec)
		}
		_ = o.loader.Unload(ctx, rec)
	}
}

// mergeOrder returns order followed by the ids of previous not in order.
func mergeOrder(order, previous []string) []string {
	seen := make(map[string]bool, len(order))
	out := append([]string(nil), order...)
	for _, id := range order {
		seen[id] = true
	}
	for _, id := range previous {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}

func sortedErrorKeys(m map[string][]error) []string {
	keys := make([]string, 0, len(m))
	for k, errs := range m {
		if len(errs) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// DisableAll disables every Enabled plugin in reverse load order.
func (o *Orchestrator) DisableAll(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	var errs []error
	order := o.loadOrder()
	for i := len(order) - 1; i >= 0; i-- {
		rec, err := o.lookup(order[i])
		if err != nil || rec.currentState() != StateEnabled {
			continue
		}
		if derr := o.loader.Disable(ctx, rec); derr != nil {
			errs = append(errs, derr)
		}
	}
	return errors.Join(errs...)
}

// UnloadAll disables and unloads every plugin in reverse load order.
func (o *Orchestrator) UnloadAll(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	var errs []error
	order := o.loadOrder()
	for i := len(order) - 1; i >= 0; i-- {
		rec, err := o.lookup(order[i])
		if err != nil {
			continue
		}
		if rec.currentState() == StateEnabled {
			if derr := o.loader.Disable(ctx, rec); derr != nil {
				errs = append(errs, derr)
			}
		}
		if uerr := o.loader.Unload(ctx, rec); uerr != nil {
			errs = append(errs, uerr)
		}
	}
	return errors.Join(errs...)
}

// Shutdown is DisableAll followed by UnloadAll.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return errors.Join(o.DisableAll(ctx), o.UnloadAll(ctx))
}

// Enable enables one Loaded or Disabled plugin. Its required dependencies
// must be Enabled. Enabling an Enabled plugin is a no-op.
func (o *Orchestrator) Enable(ctx context.Context, id string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	rec, err := o.lookup(id)
	if err != nil {
		return err
	}
	if rec.currentState() == StateEnabled {
		o.logger.Info("Plugin already enabled", "plugin", id)
		return nil
	}
	if cause := o.dependencyNotReady(rec, StateEnabled); cause != nil {
		return cause
	}
	return o.loader.Enable(ctx, rec)
}

// Disable disables one Enabled plugin. Disabling a Disabled plugin is a
// no-op. Enabled dependents are left running and logged.
func (o *Orchestrator) Disable(ctx context.Context, id string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	rec, err := o.lookup(id)
	if err != nil {
		return err
	}
	if rec.currentState() == StateDisabled {
		o.logger.Info("Plugin already disabled", "plugin", id)
		return nil
	}
	o.regMu.RLock()
	dependents := o.graph.Dependents(id)
	o.regMu.RUnlock()
	for _, dep := range dependents {
		if drec, derr := o.lookup(dep); derr == nil && drec.currentState() == StateEnabled {
			o.logger.Warn("Disabling a plugin an enabled plugin depends on", "plugin", id, "dependent", dep)
		}
	}
	return o.loader.Disable(ctx, rec)
}

// Unload disables the plugin when it is Enabled, then unloads it. The
// plugin stays registered and can be brought back with Reload. Unloading
// a plugin other plugins require is refused while any of them is live.
func (o *Orchestrator) Unload(ctx context.Context, id string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	rec, err := o.lookup(id)
	if err != nil {
		return err
	}
	o.regMu.RLock()
	dependents := o.graph.Dependents(id)
	o.regMu.RUnlock()
	for _, dep := range dependents {
		if drec, derr := o.lookup(dep); derr == nil {
			if state := drec.currentState(); state == StateLoaded || state == StateEnabled || state == StateDisabled {
				return NewInvalidTransitionError(id, rec.currentState(), StateUnloaded).
					WithContext("dependent", dep)
			}
		}
	}
	if rec.currentState() == StateEnabled {
		if derr := o.loader.Disable(ctx, rec); derr != nil {
			return derr
		}
	}
	return o.loader.Unload(ctx, rec)
}

// Reload replaces a plugin's instance with a fresh one built from its
// current bundle: SaveState, Disable, Unload, re-scan, Load, Enable,
// RestoreState. A failing step leaves the plugin in StateError; the previous
// instance is never restored.
func (o *Orchestrator) Reload(ctx context.Context, id string) (err error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	rec, err := o.lookup(id)
	if err != nil {
		return err
	}
	ctx, span := startSpan(ctx, "pluginhost.Reload", pluginAttr(id))
	defer func() { finishSpan(span, err) }()

	failStep := func(step string, cause error) error {
		rerr := NewReloadFailedError(id, step, cause)
		o.loader.release(id)
		rec.fail(rerr)
		o.logger.Error("Plugin reload failed", "plugin", id, "step", step, "error", cause)
		return rerr
	}

	o.logger.Info("Reloading plugin", "plugin", id)
	state, hasState, serr := o.loader.saveState(ctx, rec)
	if serr != nil {
		o.logger.Warn("State snapshot failed, reloading without it", "plugin", id, "error", serr)
	}

	if rec.currentState() == StateEnabled {
		if derr := o.loader.Disable(ctx, rec); derr != nil {
			return failStep("disable", derr)
		}
	}
	if uerr := o.loader.Unload(ctx, rec); uerr != nil {
		return failStep("unload", uerr)
	}

	rec.mu.RLock()
	bundleDir := rec.bundle.BundleDir
	rec.mu.RUnlock()
	bundle, err := o.scanner.ScanBundle(bundleDir)
	if err != nil {
		return failStep("scan", err)
	}
	if bundle.Descriptor.ID != id {
		return failStep("scan", NewMetadataInvalidError(id, []string{"id changed to " + bundle.Descriptor.ID}))
	}
	if verr := o.validateOne(bundle.Descriptor); verr != nil {
		return failStep("validate", verr)
	}
	if rerr := o.resolveOne(ctx, bundle.Descriptor); rerr != nil {
		return failStep("resolve", rerr)
	}

	rec.mu.Lock()
	rec.bundle = bundle
	rec.mu.Unlock()
	o.regMu.Lock()
	o.graph.AddPlugin(id, bundle.Descriptor.Order(), bundle.Descriptor.RequiredDependencyIDs())
	o.regMu.Unlock()

	if cause := o.dependencyNotReady(rec, StateEnabled); cause != nil {
		return failStep("load", cause)
	}
	if lerr := o.loader.Load(ctx, rec); lerr != nil {
		return failStep("load", lerr)
	}
	if eerr := o.loader.Enable(ctx, rec); eerr != nil {
		return failStep("enable", eerr)
	}
	if hasState {
		if rerr := o.loader.restoreState(ctx, rec, state); rerr != nil {
			return failStep("restore_state", rerr)
		}
	}
	o.logger.Info("Plugin reloaded", "plugin", id, "version", bundle.Descriptor.Version, "state_restored", hasState)
	return nil
}

// liveDescriptors returns desc followed by copies of the descriptors of
// every other live plugin, sorted by id.
func (o *Orchestrator) liveDescriptors(desc *Descriptor) []*Descriptor {
	var others []*Descriptor
	o.regMu.RLock()
	for id, rec := range o.records {
		if id != desc.ID && isLive(rec.currentState()) {
			others = append(others, rec.descriptor().Clone())
		}
	}
	o.regMu.RUnlock()
	sort.Slice(others, func(i, j int) bool { return others[i].ID < others[j].ID })
	return append([]*Descriptor{desc}, others...)
}

// validateOne checks a re-scanned descriptor against the live plugins.
// Hard errors naming the plugin fail it; issues among the others are left
// to the next LoadAll.
func (o *Orchestrator) validateOne(desc *Descriptor) error {
	validation := ValidateDependencies(o.liveDescriptors(desc), o.host)
	for _, issue := range validation.Errors {
		if issueNames(issue, desc.ID) {
			o.logger.Error("Dependency error", "code", issue.Code, "plugins", issue.Plugins, "message", issue.Message)
			return NewDependencyIssueError(desc.ID, issue)
		}
	}
	return nil
}

func issueNames(issue ValidationIssue, id string) bool {
	for _, p := range issue.Plugins {
		if p == id {
			return true
		}
	}
	for _, p := range issue.Cycle {
		if p == id {
			return true
		}
	}
	return false
}

// resolveOne settles a re-scanned descriptor's shared libraries against
// the rest of the registry and stages what is missing.
func (o *Orchestrator) resolveOne(ctx context.Context, desc *Descriptor) error {
	res := o.resolver.Resolve(o.liveDescriptors(desc))
	if errs := res.Blocked[desc.ID]; len(errs) > 0 {
		return errs[0]
	}
	o.resolver.Apply([]*Descriptor{desc}, res)

	if o.fetcher == nil {
		return nil
	}
	blocked := o.fetchFor(ctx, []*Descriptor{desc}, nil)
	return blocked[desc.ID]
}

// Get returns a snapshot of one plugin.
func (o *Orchestrator) Get(id string) (PluginInfo, error) {
	rec, err := o.lookup(id)
	if err != nil {
		return PluginInfo{}, err
	}
	return rec.snapshot(), nil
}

// State returns the lifecycle state of one plugin.
func (o *Orchestrator) State(id string) (PluginState, error) {
	rec, err := o.lookup(id)
	if err != nil {
		return "", err
	}
	return rec.currentState(), nil
}

// Instance returns the live instance of a plugin, if it has one.
func (o *Orchestrator) Instance(id string) (Plugin, bool) {
	rec, err := o.lookup(id)
	if err != nil {
		return nil, false
	}
	instance, _, _ := rec.live()
	return instance, instance != nil
}

// List returns snapshots of every registered plugin in load order.
func (o *Orchestrator) List() []PluginInfo {
	o.regMu.RLock()
	recs := make([]*record, 0, len(o.records))
	for _, id := range o.order {
		if rec, ok := o.records[id]; ok {
			recs = append(recs, rec)
		}
	}
	o.regMu.RUnlock()

	out := make([]PluginInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.snapshot())
	}
	return out
}

// LastReport returns the report of the most recent LoadAll, nil before the
// first one.
func (o *Orchestrator) LastReport() *LoadReport {
	o.regMu.RLock()
	defer o.regMu.RUnlock()
	return o.report
}

// Report renders the last batch's validation findings, the conflict table
// and the current state of every plugin.
func (o *Orchestrator) Report() string {
	var b strings.Builder
	if last := o.LastReport(); last != nil {
		b.WriteString(last.Validation.Report())
		if text := last.Resolution.Report(); text != "" {
			b.WriteString("\n")
			b.WriteString(text)
		}
		b.WriteString("\n")
	}

	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLUGIN\tVERSION\tSTATE\tERROR")
	for _, info := range o.List() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.ID, info.Version, info.State, info.Error)
	}
	_ = tw.Flush()
	return b.String()
}
