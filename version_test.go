// version_test.go: Tests for version parsing, ordering and range matching
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

func TestParseVersion_Formats(t *testing.T) {
	testCases := []struct {
		input    string
		expected Version
	}{
		{"1.2.3", Version{Major: 1, Minor: 2, Patch: 3, Original: "1.2.3"}},
		{"v2.0", Version{Major: 2, Original: "v2.0"}},
		{"7", Version{Major: 7, Original: "7"}},
		{"1.2.3.4", Version{Major: 1, Minor: 2, Patch: 3, Revision: 4, Original: "1.2.3.4"}},
		{"2.0.0-beta.1", Version{Major: 2, Prerelease: "beta.1", Original: "2.0.0-beta.1"}},
		{"1.0.0+build.5", Version{Major: 1, Build: "build.5", Original: "1.0.0+build.5"}},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			v, err := ParseVersion(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, v)
		})
	}
}

func TestParseVersion_Invalid(t *testing.T) {
	for _, input := range []string{"", "v", "1.2.3.4.5", "1.x.0", "1.0.0-", "-1.0.0", "1..0"} {
		t.Run(fmt.Sprintf("%q", input), func(t *testing.T) {
			_, err := ParseVersion(input)
			require.Error(t, err)
			assert.True(t, IsErrorCode(err, ErrCodeInvalidVersion), "unexpected code %s", ErrorCodeOf(err))
		})
	}
}

func TestVersion_CompareOrdering(t *testing.T) {
	ordered := []string{"0.9.9", "1.0.0-alpha", "1.0.0-alpha.1", "1.0.0-alpha.beta", "1.0.0-beta.2", "1.0.0-beta.11", "1.0.0", "1.0.0.1", "1.2.0", "2.0.0"}
	for i := 0; i < len(ordered)-1; i++ {
		a, b := MustParseVersion(ordered[i]), MustParseVersion(ordered[i+1])
		if a.Compare(b) >= 0 {
			t.Errorf("expected %s < %s", ordered[i], ordered[i+1])
		}
		if b.Compare(a) <= 0 {
			t.Errorf("expected %s > %s", ordered[i+1], ordered[i])
		}
	}
	assert.Equal(t, 0, MustParseVersion("1.0.0+a").Compare(MustParseVersion("1.0.0+b")))
	assert.Equal(t, "1.0.0", MustParseVersion("v1.0").String())
}

func TestVersionRange_Contains(t *testing.T) {
	testCases := []struct {
		rng     string
		inside  []string
		outside []string
	}{
		{"", []string{"0.0.1", "99.0.0"}, nil},
		{"*", []string{"1.0.0"}, nil},
		{"1.2.0", []string{"1.2.0", "1.5.0", "3.0.0"}, []string{"1.1.9"}},
		{"=1.2.0", []string{"1.2.0"}, []string{"1.2.1", "1.1.0"}},
		{"[1.2.0]", []string{"1.2.0"}, []string{"1.2.1"}},
		{">=1.0, <2.0", []string{"1.0.0", "1.9.9"}, []string{"2.0.0", "0.9.0"}},
		{">= 1.0 < 2.0", []string{"1.5.0"}, []string{"2.0.0"}},
		{"^1.2.0", []string{"1.2.0", "1.9.0"}, []string{"2.0.0", "1.1.0"}},
		{"~1.2.0", []string{"1.2.0", "1.2.9"}, []string{"1.3.0"}},
		{"[1.0,2.0)", []string{"1.0.0", "1.99.0"}, []string{"2.0.0"}},
		{"(1.0,2.0]", []string{"2.0.0", "1.0.1"}, []string{"1.0.0"}},
		{"[1.0,)", []string{"1.0.0", "9.0.0"}, []string{"0.1.0"}},
		{">1.0.0", []string{"1.0.1"}, []string{"1.0.0"}},
		{"<=1.0.0", []string{"1.0.0"}, []string{"1.0.1"}},
	}

	for _, tc := range testCases {
		t.Run(tc.rng, func(t *testing.T) {
			rng, err := ParseVersionRange(tc.rng)
			require.NoError(t, err)
			for _, v := range tc.inside {
				assert.True(t, rng.Contains(MustParseVersion(v)), "%s should contain %s", tc.rng, v)
			}
			for _, v := range tc.outside {
				assert.False(t, rng.Contains(MustParseVersion(v)), "%s should not contain %s", tc.rng, v)
			}
		})
	}
}

func TestVersionRange_Invalid(t *testing.T) {
	for _, input := range []string{"[1.0", "(1.0)", "[,]", ">=abc", "!1.0", "1.0 || 2.0"} {
		_, err := ParseVersionRange(input)
		assert.Error(t, err, "range %q should be rejected", input)
	}
}

func TestVersionRange_EmptyIntersection(t *testing.T) {
	rng, err := ParseVersionRange(">=2.0, <1.0")
	require.NoError(t, err)
	assert.True(t, rng.IsEmpty())
	assert.False(t, rng.Contains(MustParseVersion("1.5.0")))
}

func TestVersionRange_PinnedAndExact(t *testing.T) {
	rng, err := ParseVersionRange("^1.4.0")
	require.NoError(t, err)
	pinned, ok := rng.Pinned()
	require.True(t, ok)
	assert.Equal(t, "1.4.0", pinned.String())
	_, exact := rng.Exact()
	assert.False(t, exact)

	exactRange := ExactRange(MustParseVersion("2.1.0"))
	v, ok := exactRange.Exact()
	require.True(t, ok)
	assert.Equal(t, "2.1.0", v.String())

	_, ok = AnyVersion.Pinned()
	assert.False(t, ok)
	assert.True(t, AnyVersion.IsAny())
}

func TestVersionRange_CaretProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		major := rapid.Uint64Range(0, 20).Draw(t, "major")
		minor := rapid.Uint64Range(0, 20).Draw(t, "minor")
		patch := rapid.Uint64Range(0, 20).Draw(t, "patch")
		base := Version{Major: major, Minor: minor, Patch: patch}

		rng, err := ParseVersionRange("^" + base.String())
		if err != nil {
			t.Fatalf("caret range rejected: %v", err)
		}

		candidate := Version{
			Major: rapid.Uint64Range(0, 21).Draw(t, "cMajor"),
			Minor: rapid.Uint64Range(0, 21).Draw(t, "cMinor"),
			Patch: rapid.Uint64Range(0, 21).Draw(t, "cPatch"),
		}
		want := candidate.Major == base.Major && candidate.Compare(base) >= 0
		if got := rng.Contains(candidate); got != want {
			t.Fatalf("^%s contains %s = %v, want %v", base, candidate, got, want)
		}
	})
}
