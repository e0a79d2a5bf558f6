// validator.go: Static analysis of the declared plugin dependency graph
//
// The validator looks at the full descriptor set before anything is loaded
// and reports every problem it finds in one pass: missing or mismatched
// dependencies, declared conflicts, host version incompatibility and
// dependency cycles. It has no side effects; callers decide what to log and
// whether the batch proceeds.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"sort"
	"strings"
)

// IssueSeverity classifies a validation issue.
type IssueSeverity string

const (
	SeverityError   IssueSeverity = "error"
	SeverityWarning IssueSeverity = "warning"
)

// ValidationIssue is one finding of the dependency validator.
//
// Plugins lists the plugins the issue is about, the first one being the
// plugin that declared the offending relation. Cycle holds the full cycle
// path for ErrCodeDependencyCycle issues, with the first node repeated at
// the end.
type ValidationIssue struct {
	Code     string
	Severity IssueSeverity
	Plugins  []string
	Cycle    []string
	Message  string
}

// String renders the issue on a single line.
func (i ValidationIssue) String() string {
	return fmt.Sprintf("[%s] %s", i.Code, i.Message)
}

// ValidationResult collects validation errors and warnings.
type ValidationResult struct {
	Errors   []ValidationIssue
	Warnings []ValidationIssue
}

// Valid reports whether the descriptor set has no hard errors.
func (r ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Offenders returns the plugins an issue holds responsible. For a missing
// or mismatched dependency only the declaring plugin is an offender;
// conflicts and cycles implicate every participant.
func (i ValidationIssue) Offenders() []string {
	switch i.Code {
	case ErrCodeDeclaredConflict:
		return append([]string(nil), i.Plugins...)
	case ErrCodeDependencyCycle:
		set := make(map[string]bool, len(i.Cycle))
		for _, id := range i.Cycle {
			set[id] = true
		}
		return sortedKeys(set)
	}
	if len(i.Plugins) > 0 {
		return []string{i.Plugins[0]}
	}
	return nil
}

// Offenders returns the ids of plugins named by hard errors, sorted.
func (r ValidationResult) Offenders() []string {
	set := make(map[string]bool)
	for _, issue := range r.Errors {
		for _, id := range issue.Offenders() {
			set[id] = true
		}
	}
	return sortedKeys(set)
}

// Cycles returns the cycle paths reported by the result.
func (r ValidationResult) Cycles() [][]string {
	var cycles [][]string
	for _, issue := range r.Errors {
		if issue.Code == ErrCodeDependencyCycle {
			cycles = append(cycles, issue.Cycle)
		}
	}
	return cycles
}

// Report renders a human-readable summary of the result.
func (r ValidationResult) Report() string {
	var b strings.Builder
	b.WriteString("Plugin dependency validation\n")
	b.WriteString("============================\n")
	if len(r.Errors) > 0 {
		fmt.Fprintf(&b, "Errors (%d):\n", len(r.Errors))
		for _, issue := range r.Errors {
			fmt.Fprintf(&b, "  ✗ %s\n", issue)
		}
	}
	if len(r.Warnings) > 0 {
		fmt.Fprintf(&b, "Warnings (%d):\n", len(r.Warnings))
		for _, issue := range r.Warnings {
			fmt.Fprintf(&b, "  ⚠ %s\n", issue)
		}
	}
	if len(r.Errors) == 0 && len(r.Warnings) == 0 {
		b.WriteString("✓ All dependency checks passed\n")
	}
	return b.String()
}

// HostInfo describes the host the plugins are validated against.
type HostInfo struct {
	Version string
}

// ValidateDependencies runs every graph-level check over descs.
//
// Example usage:
//
//	result := ValidateDependencies(descriptors, HostInfo{Version: "2.1.0"})
//	if !result.Valid() {
//	    fmt.Print(result.Report())
//	}
func ValidateDependencies(descs []*Descriptor, host HostInfo) ValidationResult {
	byID := make(map[string]*Descriptor, len(descs))
	ordered := make([]*Descriptor, 0, len(descs))
	for _, d := range descs {
		if d == nil {
			continue
		}
		if _, dup := byID[d.ID]; dup {
			continue
		}
		byID[d.ID] = d
		ordered = append(ordered, d)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	var result ValidationResult
	for _, d := range ordered {
		checkDependencies(d, byID, &result)
	}
	checkConflicts(ordered, byID, &result)
	checkHostVersion(ordered, host, &result)
	checkCycles(ordered, byID, &result)
	return result
}

func (r *ValidationResult) addError(code string, plugins []string, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationIssue{
		Code: code, Severity: SeverityError, Plugins: plugins, Message: fmt.Sprintf(format, args...),
	})
}

func (r *ValidationResult) addWarning(code string, plugins []string, format string, args ...any) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Code: code, Severity: SeverityWarning, Plugins: plugins, Message: fmt.Sprintf(format, args...),
	})
}

// checkDependencies covers presence and version-range checks.
func checkDependencies(d *Descriptor, byID map[string]*Descriptor, result *ValidationResult) {
	for _, dep := range d.AllDependencies() {
		target, present := byID[dep.ID]
		if !present {
			if dep.Optional {
				result.addWarning(ErrCodeMissingOptionalDependency, []string{d.ID, dep.ID},
					"%s: optional dependency %s is not installed", d.ID, dep.ID)
			} else {
				result.addError(ErrCodeMissingDependency, []string{d.ID, dep.ID},
					"%s: required dependency %s is missing", d.ID, dep.ID)
			}
			continue
		}

		if strings.TrimSpace(dep.Version) == "" {
			continue
		}
		rng, err := dep.Range()
		if err != nil {
			result.addError(ErrCodeDependencyVersionMismatch, []string{d.ID, dep.ID},
				"%s: dependency %s has unparseable version range %q", d.ID, dep.ID, dep.Version)
			continue
		}
		actual, err := target.ParsedVersion()
		if err == nil && rng.Contains(actual) {
			continue
		}
		if dep.Optional {
			result.addWarning(ErrCodeDependencyVersionMismatch, []string{d.ID, dep.ID},
				"%s: optional dependency %s is %s, wants %s", d.ID, dep.ID, target.Version, rng)
		} else {
			result.addError(ErrCodeDependencyVersionMismatch, []string{d.ID, dep.ID},
				"%s: dependency %s is %s, wants %s", d.ID, dep.ID, target.Version, rng)
		}
	}
}

// checkConflicts reports each unordered pair of co-installed conflicting
// plugins once, however many sides declare it.
func checkConflicts(ordered []*Descriptor, byID map[string]*Descriptor, result *ValidationResult) {
	type pair struct{ a, b string }
	reasons := make(map[pair][]string)
	var pairs []pair

	for _, d := range ordered {
		for _, c := range d.Conflicts {
			if c.ID == d.ID {
				continue
			}
			if _, present := byID[c.ID]; !present {
				continue
			}
			p := pair{a: d.ID, b: c.ID}
			if p.b < p.a {
				p.a, p.b = p.b, p.a
			}
			if _, seen := reasons[p]; !seen {
				pairs = append(pairs, p)
				reasons[p] = nil
			}
			if c.Reason != "" {
				reasons[p] = append(reasons[p], c.Reason)
			}
		}
	}

	for _, p := range pairs {
		msg := fmt.Sprintf("%s conflicts with %s", p.a, p.b)
		if rs := reasons[p]; len(rs) > 0 {
			msg += ": " + strings.Join(rs, "; ")
		}
		result.addError(ErrCodeDeclaredConflict, []string{p.a, p.b}, "%s", msg)
	}
}

// checkHostVersion compares the host against each plugin's bounds. Being
// older than the minimum is fatal; newer than the maximum only warns.
func checkHostVersion(ordered []*Descriptor, host HostInfo, result *ValidationResult) {
	if strings.TrimSpace(host.Version) == "" {
		return
	}
	hostVersion, err := ParseVersion(host.Version)
	if err != nil {
		return
	}
	for _, d := range ordered {
		if d.MinHostVersion != "" {
			if minV, err := ParseVersion(d.MinHostVersion); err == nil && hostVersion.Compare(minV) < 0 {
				result.addError(ErrCodeHostVersionTooLow, []string{d.ID},
					"%s: requires host %s or newer, running %s", d.ID, d.MinHostVersion, host.Version)
			}
		}
		if d.MaxHostVersion != "" {
			if maxV, err := ParseVersion(d.MaxHostVersion); err == nil && hostVersion.Compare(maxV) > 0 {
				result.addWarning(ErrCodeHostVersionTooHigh, []string{d.ID},
					"%s: tested up to host %s, running %s", d.ID, d.MaxHostVersion, host.Version)
			}
		}
	}
}

// checkCycles runs an iterative depth-first search over required edges with
// an explicit recursion stack. An edge to a node still on the stack closes
// a cycle; each distinct cycle is reported once.
func checkCycles(ordered []*Descriptor, byID map[string]*Descriptor, result *ValidationResult) {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(ordered))
	seen := make(map[string]bool)

	type frame struct {
		id   string
		deps []string
		next int
	}

	for _, root := range ordered {
		if color[root.ID] != white {
			continue
		}
		stack := []*frame{{id: root.ID, deps: root.RequiredDependencyIDs()}}
		color[root.ID] = gray

		for len(stack) > 0 {
			top := stack[len(stack)-1]
			if top.next >= len(top.deps) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			dep := top.deps[top.next]
			top.next++

			target, present := byID[dep]
			if !present {
				continue
			}
			switch color[dep] {
			case white:
				color[dep] = gray
				stack = append(stack, &frame{id: dep, deps: target.RequiredDependencyIDs()})
			case gray:
				start := 0
				for i, f := range stack {
					if f.id == dep {
						start = i
						break
					}
				}
				cycle := make([]string, 0, len(stack)-start+1)
				for _, f := range stack[start:] {
					cycle = append(cycle, f.id)
				}
				key := cycleKey(cycle)
				if seen[key] {
					continue
				}
				seen[key] = true
				cycle = append(cycle, dep)
				result.Errors = append(result.Errors, ValidationIssue{
					Code:     ErrCodeDependencyCycle,
					Severity: SeverityError,
					Plugins:  append([]string(nil), cycle[:len(cycle)-1]...),
					Cycle:    cycle,
					Message:  "dependency cycle: " + strings.Join(cycle, " -> "),
				})
			}
		}
	}
}

// cycleKey identifies a cycle independent of the node it was entered at.
func cycleKey(cycle []string) string {
	minIdx := 0
	for i, id := range cycle {
		if id < cycle[minIdx] {
			minIdx = i
		}
	}
	rotated := append(append([]string(nil), cycle[minIdx:]...), cycle[:minIdx]...)
	return strings.Join(rotated, "\x00")
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
