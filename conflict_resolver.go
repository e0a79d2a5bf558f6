// conflict_resolver.go: Version reconciliation for shared libraries
//
// Shared libraries live once in the process-wide cache, so when plugins ask
// for different versions of the same library a single version has to be
// chosen before any isolation boundary exists. The resolver groups the
// requirements, applies the configured strategy and writes the outcome back
// onto the descriptors.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
)

// ConflictStrategy selects how differing library requirements are reconciled.
type ConflictStrategy string

const (
	// StrategyHighest picks the highest pinned version satisfying every range.
	StrategyHighest ConflictStrategy = "highest"
	// StrategyLowest picks the lowest pinned version satisfying every range.
	StrategyLowest ConflictStrategy = "lowest"
	// StrategyFail refuses to reconcile and blocks the requiring plugins.
	StrategyFail ConflictStrategy = "fail"
)

// ResolvedLatest is the resolution recorded when no requirement could be
// parsed. The fetcher then stages whatever its feeds consider newest.
const ResolvedLatest = "latest"

// ParseConflictStrategy validates a strategy name. The empty string selects
// StrategyHighest.
func ParseConflictStrategy(s string) (ConflictStrategy, error) {
	switch ConflictStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyHighest:
		return StrategyHighest, nil
	case StrategyLowest:
		return StrategyLowest, nil
	case StrategyFail:
		return StrategyFail, nil
	}
	return "", NewUnknownStrategyError(s)
}

// ConflictRequirement is one plugin's requirement on a shared library.
type ConflictRequirement struct {
	PluginID string
	Range    string
	Optional bool
}

// DependencyConflict describes a shared library that more than one distinct
// version was requested for, and how it was settled.
type DependencyConflict struct {
	Library      string
	Requirements []ConflictRequirement
	Resolved     string
	Unresolved   bool
	Reason       string
}

// PluginIDs returns the ids of the requiring plugins, sorted.
func (c DependencyConflict) PluginIDs() []string {
	set := make(map[string]bool, len(c.Requirements))
	for _, req := range c.Requirements {
		set[req.PluginID] = true
	}
	return sortedKeys(set)
}

// Resolution is the outcome of one resolver pass.
type Resolution struct {
	Strategy  ConflictStrategy
	Conflicts []DependencyConflict
	// Blocked maps a plugin id to the errors that keep it from loading.
	Blocked map[string][]error
}

// Unresolved returns the conflicts that could not be settled.
func (r *Resolution) Unresolved() []DependencyConflict {
	var out []DependencyConflict
	for _, c := range r.Conflicts {
		if c.Unresolved {
			out = append(out, c)
		}
	}
	return out
}

// IsBlocked reports whether pluginID is blocked by an unresolved conflict.
func (r *Resolution) IsBlocked(pluginID string) bool {
	return len(r.Blocked[pluginID]) > 0
}

// ConflictResolver reconciles shared-library versions across plugins.
type ConflictResolver struct {
	strategy ConflictStrategy
	logger   Logger
}

// NewConflictResolver creates a resolver for the given strategy.
func NewConflictResolver(strategy ConflictStrategy, logger Logger) *ConflictResolver {
	if strategy == "" {
		strategy = StrategyHighest
	}
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &ConflictResolver{strategy: strategy, logger: logger}
}

// Strategy returns the configured strategy.
func (r *ConflictResolver) Strategy() ConflictStrategy {
	return r.strategy
}

// Analyze groups shared-library requirements by name and returns one
// unsettled DependencyConflict per library requested with more than one
// distinct version string. Results are sorted by library name.
func (r *ConflictResolver) Analyze(descs []*Descriptor) []DependencyConflict {
	groups := make(map[string][]ConflictRequirement)
	for _, d := range descs {
		if d == nil {
			continue
		}
		for _, lib := range d.SharedLibraries() {
			groups[lib.Name] = append(groups[lib.Name], ConflictRequirement{
				PluginID: d.ID,
				Range:    strings.TrimSpace(lib.Version),
				Optional: lib.Optional,
			})
		}
	}

	var conflicts []DependencyConflict
	for name, reqs := range groups {
		distinct := make(map[string]bool)
		for _, req := range reqs {
			distinct[req.Range] = true
		}
		if len(distinct) < 2 {
			continue
		}
		sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].PluginID < reqs[j].PluginID })
		conflicts = append(conflicts, DependencyConflict{Library: name, Requirements: reqs})
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Library < conflicts[j].Library })
	return conflicts
}

// Resolve analyzes descs and settles every conflict with the configured
// strategy. Plugins requiring a library whose conflict stays unresolved are
// reported in Resolution.Blocked; optional requirements only warn.
func (r *ConflictResolver) Resolve(descs []*Descriptor) *Resolution {
	res := &Resolution{Strategy: r.strategy, Blocked: make(map[string][]error)}

	for _, conflict := range r.Analyze(descs) {
		r.settle(&conflict)
		res.Conflicts = append(res.Conflicts, conflict)

		if !conflict.Unresolved {
			r.logger.Info("Shared library conflict resolved",
				"library", conflict.Library,
				"version", conflict.Resolved,
				"strategy", string(r.strategy),
				"plugins", conflict.PluginIDs())
			continue
		}

		cause := NewUnresolvedConflictError(conflict.Library, conflict.Requirements, conflict.Reason)
		r.logger.Error("Shared library conflict unresolved",
			"library", conflict.Library,
			"reason", conflict.Reason,
			"plugins", conflict.PluginIDs())
		for _, req := range conflict.Requirements {
			if req.Optional {
				r.logger.Warn("Optional shared library left unresolved",
					"plugin", req.PluginID, "library", conflict.Library)
				continue
			}
			res.Blocked[req.PluginID] = append(res.Blocked[req.PluginID],
				NewLibraryBlockedError(req.PluginID, conflict.Library, cause))
		}
	}
	return res
}

// settle applies the strategy to a single conflict.
func (r *ConflictResolver) settle(c *DependencyConflict) {
	if r.strategy == StrategyFail {
		c.Unresolved = true
		c.Reason = "conflict strategy is fail"
		return
	}

	var ranges []VersionRange
	var candidates []Version
	for _, req := range c.Requirements {
		rng, err := ParseVersionRange(req.Range)
		if err != nil {
			r.logger.Warn("Ignoring unparseable library requirement",
				"plugin", req.PluginID, "library", c.Library, "range", req.Range)
			continue
		}
		ranges = append(ranges, rng)
		if v, ok := rng.Pinned(); ok {
			candidates = append(candidates, v)
		}
	}

	if len(ranges) == 0 {
		c.Resolved = ResolvedLatest
		return
	}
	if len(candidates) == 0 {
		allAny := true
		for _, rng := range ranges {
			allAny = allAny && rng.IsAny()
		}
		if allAny {
			c.Resolved = ResolvedLatest
			return
		}
	}

	var satisfying []Version
	for _, v := range candidates {
		ok := true
		for _, rng := range ranges {
			if !rng.Contains(v) {
				ok = false
				break
			}
		}
		if ok {
			satisfying = append(satisfying, v)
		}
	}
	if len(satisfying) == 0 {
		c.Unresolved = true
		c.Reason = "no requested version satisfies every range"
		return
	}

	sort.Slice(satisfying, func(i, j int) bool { return satisfying[i].Compare(satisfying[j]) < 0 })
	chosen := satisfying[len(satisfying)-1]
	if r.strategy == StrategyLowest {
		chosen = satisfying[0]
	}
	c.Resolved = chosen.String()
}

// Apply writes every resolved version onto the matching shared-library
// entries of descs. Unresolved conflicts are left untouched.
func (r *ConflictResolver) Apply(descs []*Descriptor, res *Resolution) {
	if res == nil {
		return
	}
	resolved := make(map[string]string)
	for _, c := range res.Conflicts {
		if !c.Unresolved && c.Resolved != "" {
			resolved[c.Library] = c.Resolved
		}
	}
	if len(resolved) == 0 {
		return
	}
	for _, d := range descs {
		if d == nil {
			continue
		}
		for i := range d.LibraryDependencies {
			lib := &d.LibraryDependencies[i]
			if lib.EffectiveSource() != LibraryShared {
				continue
			}
			if v, ok := resolved[lib.Name]; ok {
				lib.Resolved = v
			}
		}
	}
}

// Report renders the conflict table. It returns an empty string when there
// are no conflicts.
func (r *Resolution) Report() string {
	if r == nil || len(r.Conflicts) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Shared library conflicts (strategy: %s)\n", r.Strategy)
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LIBRARY\tREQUIRED BY\tRESOLVED")
	for _, c := range r.Conflicts {
		reqs := make([]string, 0, len(c.Requirements))
		for _, req := range c.Requirements {
			rng := req.Range
			if rng == "" {
				rng = "*"
			}
			reqs = append(reqs, fmt.Sprintf("%s (%s)", req.PluginID, rng))
		}
		outcome := c.Resolved
		if c.Unresolved {
			outcome = "UNRESOLVED: " + c.Reason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Library, strings.Join(reqs, ", "), outcome)
	}
	_ = tw.Flush()
	return b.String()
}
