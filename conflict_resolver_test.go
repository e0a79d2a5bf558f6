// conflict_resolver_test.go: Tests for shared library version reconciliation
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func libraryUsers(versions ...string) []*Descriptor {
	descs := make([]*Descriptor, 0, len(versions))
	for i, v := range versions {
		d := testDescriptor(fmt.Sprintf("P%d", i+1), "1.0.0")
		d.LibraryDependencies = []LibraryDependency{{Name: "lib", Version: v}}
		descs = append(descs, d)
	}
	return descs
}

func TestConflictResolver_HighestPicksMaximum(t *testing.T) {
	descs := libraryUsers("1.2.0", "1.5.0")
	resolver := NewConflictResolver(StrategyHighest, NewTestLogger())

	res := resolver.Resolve(descs)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "lib", res.Conflicts[0].Library)
	assert.False(t, res.Conflicts[0].Unresolved)
	assert.Equal(t, "1.5.0", res.Conflicts[0].Resolved)
	assert.Empty(t, res.Blocked)

	resolver.Apply(descs, res)
	for _, d := range descs {
		assert.Equal(t, "1.5.0", d.LibraryDependencies[0].Resolved)
		assert.Equal(t, "=1.5.0", d.LibraryDependencies[0].EffectiveVersion())
	}
}

func TestConflictResolver_LowestIsTrueLowestSatisfying(t *testing.T) {
	// 1.0.0 and 1.2.0 are pinned but excluded by P2's lower bound.
	descs := libraryUsers("1.2.0", ">=1.4.0, <2.0", "^1.0.0")
	res := NewConflictResolver(StrategyLowest, nil).Resolve(descs)

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "1.4.0", res.Conflicts[0].Resolved)
}

func TestConflictResolver_FailBlocksRequirersOnly(t *testing.T) {
	descs := libraryUsers("1.2.0", "1.5.0")
	bystander := testDescriptor("P3", "1.0.0")
	bystander.LibraryDependencies = []LibraryDependency{{Name: "other", Version: "1.0.0"}}
	descs = append(descs, bystander)

	logger := NewTestLogger()
	resolver := NewConflictResolver(StrategyFail, logger)
	res := resolver.Resolve(descs)

	require.Len(t, res.Unresolved(), 1)
	assert.True(t, res.IsBlocked("P1"))
	assert.True(t, res.IsBlocked("P2"))
	assert.False(t, res.IsBlocked("P3"))
	assert.Len(t, res.Blocked, 2)
	assert.True(t, IsErrorCode(res.Blocked["P1"][0], ErrCodeLibraryBlocked))
	assert.True(t, logger.HasMessage("ERROR", "Shared library conflict unresolved"))

	resolver.Apply(descs, res)
	assert.Empty(t, descs[0].LibraryDependencies[0].Resolved, "unresolved conflicts are not written back")
}

func TestConflictResolver_NoSatisfyingCandidate(t *testing.T) {
	descs := libraryUsers("^1.0.0", "^2.0.0")
	res := NewConflictResolver(StrategyHighest, nil).Resolve(descs)

	require.Len(t, res.Conflicts, 1)
	assert.True(t, res.Conflicts[0].Unresolved)
	assert.ElementsMatch(t, []string{"P1", "P2"}, res.Conflicts[0].PluginIDs())
}

func TestConflictResolver_UnparseableFallsBackToLatest(t *testing.T) {
	descs := libraryUsers("not-a-version", "also bad")
	logger := NewTestLogger()
	res := NewConflictResolver(StrategyHighest, logger).Resolve(descs)

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, ResolvedLatest, res.Conflicts[0].Resolved)
	assert.Equal(t, 2, logger.Count("WARN"))

	NewConflictResolver(StrategyHighest, nil).Apply(descs, res)
	assert.Equal(t, "*", descs[0].LibraryDependencies[0].EffectiveVersion())
}

func TestConflictResolver_IgnoresBundledAndAgreeingLibraries(t *testing.T) {
	a := testDescriptor("a", "1.0.0")
	a.LibraryDependencies = []LibraryDependency{
		{Name: "json", Version: "1.0.0"},
		{Name: "local", Version: "1.0.0", Source: LibraryBundled},
	}
	b := testDescriptor("b", "1.0.0")
	b.LibraryDependencies = []LibraryDependency{
		{Name: "json", Version: "1.0.0"},
		{Name: "local", Version: "2.0.0", Location: "local"},
	}

	conflicts := NewConflictResolver(StrategyHighest, nil).Analyze([]*Descriptor{a, b})
	assert.Empty(t, conflicts)
}

func TestParseConflictStrategy(t *testing.T) {
	for input, expected := range map[string]ConflictStrategy{
		"": StrategyHighest, "highest": StrategyHighest, "LOWEST": StrategyLowest, " fail ": StrategyFail,
	} {
		got, err := ParseConflictStrategy(input)
		require.NoError(t, err)
		assert.Equal(t, expected, got)
	}
	_, err := ParseConflictStrategy("newest")
	assert.True(t, IsErrorCode(err, ErrCodeUnknownStrategy))
}

func TestResolution_Report(t *testing.T) {
	res := NewConflictResolver(StrategyFail, nil).Resolve(libraryUsers("1.2.0", "1.5.0"))
	report := res.Report()
	assert.Contains(t, report, "strategy: fail")
	assert.Contains(t, report, "P1 (1.2.0)")
	assert.Contains(t, report, "UNRESOLVED")

	empty := NewConflictResolver(StrategyHighest, nil).Resolve(libraryUsers("1.0.0"))
	assert.Equal(t, "", empty.Report())
}

func TestConflictResolver_ResolvedVersionSatisfiesAllRanges(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 5).Draw(t, "requirers")
		ops := []string{"", ">=", "^", "~", "="}
		versions := make([]string, n)
		for i := range versions {
			op := rapid.SampledFrom(ops).Draw(t, "op")
			versions[i] = fmt.Sprintf("%s%d.%d.0", op,
				rapid.IntRange(1, 3).Draw(t, "major"),
				rapid.IntRange(0, 4).Draw(t, "minor"))
		}
		descs := libraryUsers(versions...)

		high := NewConflictResolver(StrategyHighest, nil).Resolve(descs)
		low := NewConflictResolver(StrategyLowest, nil).Resolve(descs)
		if len(high.Conflicts) != len(low.Conflicts) {
			t.Fatalf("strategies disagree on conflict count")
		}
		for i, c := range high.Conflicts {
			if c.Unresolved != low.Conflicts[i].Unresolved {
				t.Fatalf("strategies disagree on solvability for %v", versions)
			}
			if c.Unresolved {
				continue
			}
			hv, lv := MustParseVersion(c.Resolved), MustParseVersion(low.Conflicts[i].Resolved)
			if hv.Compare(lv) < 0 {
				t.Fatalf("highest %s below lowest %s", hv, lv)
			}
			for _, raw := range versions {
				rng, _ := ParseVersionRange(raw)
				if !rng.Contains(hv) || !rng.Contains(lv) {
					t.Fatalf("resolution %s/%s violates %s", hv, lv, raw)
				}
			}
		}
	})
}
