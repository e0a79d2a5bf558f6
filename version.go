// version.go: Semantic versions and version ranges for plugins and shared libraries
//
// Versions are compared with semver precedence (numeric components, then
// release over prerelease). Ranges accept the notations plugin authors use in
// descriptors:
//
//	""  or "*"            any version
//	"1.2.0"               at least 1.2.0 (a bare version is a minimum)
//	"=1.2.0" or "[1.2.0]" exactly 1.2.0
//	">=1.0, <2.0"         comparator list, all must hold
//	"^1.2.0"              same major, at least 1.2.0
//	"~1.2.0"              same major and minor, at least 1.2.0
//	"[1.0,2.0)"           interval notation, ( ) exclusive, [ ] inclusive
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"strconv"
	"strings"

	goerrors "github.com/agilira/go-errors"
)

// Version represents a semantic version with comparison capabilities.
//
// Example usage:
//
//	v1, _ := ParseVersion("1.2.3-beta.1+build.123")
//	v2, _ := ParseVersion("1.2.4")
//	if v1.Compare(v2) < 0 {
//	    // v1 precedes v2
//	}
type Version struct {
	Major      uint64 `json:"major"`
	Minor      uint64 `json:"minor"`
	Patch      uint64 `json:"patch"`
	Revision   uint64 `json:"revision,omitempty"`
	Prerelease string `json:"prerelease,omitempty"`
	Build      string `json:"build,omitempty"`
	Original   string `json:"original"`
}

// ParseVersion parses a version string. One to four numeric components are
// accepted, an optional leading "v" is ignored, and missing components are
// zero. The first character after the optional "v" must be a digit.
func ParseVersion(versionStr string) (Version, error) {
	raw := strings.TrimSpace(versionStr)
	s := strings.TrimPrefix(strings.TrimPrefix(raw, "v"), "V")
	if s == "" {
		return Version{}, NewInvalidVersionError(versionStr, nil)
	}

	var build, prerelease string
	if idx := strings.Index(s, "+"); idx >= 0 {
		build = s[idx+1:]
		s = s[:idx]
	}
	if idx := strings.Index(s, "-"); idx >= 0 {
		prerelease = s[idx+1:]
		s = s[:idx]
		if prerelease == "" {
			return Version{}, NewInvalidVersionError(versionStr, nil)
		}
	}

	parts := strings.Split(s, ".")
	if len(parts) > 4 {
		return Version{}, NewInvalidVersionError(versionStr, nil)
	}

	var nums [4]uint64
	for i, part := range parts {
		value, err := parseVersionComponent(part, versionStr)
		if err != nil {
			return Version{}, err
		}
		nums[i] = value
	}

	return Version{
		Major:      nums[0],
		Minor:      nums[1],
		Patch:      nums[2],
		Revision:   nums[3],
		Prerelease: prerelease,
		Build:      build,
		Original:   raw,
	}, nil
}

// parseVersionComponent parses a single numeric version component
func parseVersionComponent(component, original string) (uint64, error) {
	value, err := strconv.ParseUint(component, 10, 64)
	if err != nil {
		return 0, NewInvalidVersionError(original, err).
			WithContext("component_value", component)
	}
	return value, nil
}

// MustParseVersion is ParseVersion for literals known to be valid.
func MustParseVersion(versionStr string) Version {
	v, err := ParseVersion(versionStr)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the normalized form of the version.
func (v Version) String() string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(v.Major, 10))
	b.WriteByte('.')
	b.WriteString(strconv.FormatUint(v.Minor, 10))
	b.WriteByte('.')
	b.WriteString(strconv.FormatUint(v.Patch, 10))
	if v.Revision > 0 {
		b.WriteByte('.')
		b.WriteString(strconv.FormatUint(v.Revision, 10))
	}
	if v.Prerelease != "" {
		b.WriteByte('-')
		b.WriteString(v.Prerelease)
	}
	return b.String()
}

// IsPrerelease reports whether the version carries a prerelease tag.
func (v Version) IsPrerelease() bool {
	return v.Prerelease != ""
}

// Compare compares two versions. Returns -1, 0, or 1. Build metadata is
// ignored.
func (v Version) Compare(other Version) int {
	for _, pair := range [][2]uint64{
		{v.Major, other.Major},
		{v.Minor, other.Minor},
		{v.Patch, other.Patch},
		{v.Revision, other.Revision},
	} {
		if pair[0] < pair[1] {
			return -1
		}
		if pair[0] > pair[1] {
			return 1
		}
	}
	return comparePrerelease(v.Prerelease, other.Prerelease)
}

// comparePrerelease orders prerelease tags: a release outranks any
// prerelease, numeric identifiers compare numerically.
func comparePrerelease(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return 1
	}
	if b == "" {
		return -1
	}

	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aErr := strconv.ParseUint(as[i], 10, 64)
		bn, bErr := strconv.ParseUint(bs[i], 10, 64)
		switch {
		case aErr == nil && bErr == nil:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
		case aErr == nil:
			return -1
		case bErr == nil:
			return 1
		default:
			if c := strings.Compare(as[i], bs[i]); c != 0 {
				return c
			}
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return 0
}

// bound is one end of a version interval.
type bound struct {
	version   Version
	inclusive bool
	set       bool
}

// VersionRange is a parsed version requirement. The zero value matches any
// version.
type VersionRange struct {
	raw   string
	lower bound
	upper bound
	empty bool
}

// AnyVersion matches every version.
var AnyVersion = VersionRange{raw: "*"}

// ParseVersionRange parses a version requirement in any of the supported
// notations. Comparator lists are intersected into a single interval.
func ParseVersionRange(rangeStr string) (VersionRange, error) {
	raw := strings.TrimSpace(rangeStr)
	r := VersionRange{raw: raw}
	if raw == "" || raw == "*" || strings.EqualFold(raw, "any") || strings.EqualFold(raw, "latest") {
		return r, nil
	}

	if raw[0] == '[' || raw[0] == '(' {
		if err := r.parseInterval(raw); err != nil {
			return VersionRange{}, NewInvalidVersionRangeError(rangeStr, err)
		}
		return r, nil
	}

	for _, term := range splitComparators(raw) {
		if err := r.applyComparator(term); err != nil {
			return VersionRange{}, NewInvalidVersionRangeError(rangeStr, err)
		}
	}
	return r, nil
}

// splitComparators splits ">=1.0, <2.0" and ">=1.0 <2.0" into terms,
// keeping an operator separated from its version by a space together.
func splitComparators(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	terms := make([]string, 0, len(fields))
	for i := 0; i < len(fields); i++ {
		term := fields[i]
		if strings.Trim(term, "<>=^~") == "" && i+1 < len(fields) {
			term += fields[i+1]
			i++
		}
		terms = append(terms, term)
	}
	return terms
}

func (r *VersionRange) parseInterval(raw string) error {
	last := raw[len(raw)-1]
	if last != ']' && last != ')' {
		return goerrors.New(ErrCodeInvalidVersionRange, "interval must end with ] or )")
	}
	body := strings.TrimSpace(raw[1 : len(raw)-1])
	lowerInclusive := raw[0] == '['
	upperInclusive := last == ']'

	if !strings.Contains(body, ",") {
		// [1.2.0] pins an exact version
		if !lowerInclusive || !upperInclusive {
			return goerrors.New(ErrCodeInvalidVersionRange, "exact interval must use [ ]")
		}
		v, err := ParseVersion(body)
		if err != nil {
			return err
		}
		r.restrictLower(v, true)
		r.restrictUpper(v, true)
		return nil
	}

	parts := strings.SplitN(body, ",", 2)
	lo, hi := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if lo == "" && hi == "" {
		return goerrors.New(ErrCodeInvalidVersionRange, "interval needs at least one bound")
	}
	if lo != "" {
		v, err := ParseVersion(lo)
		if err != nil {
			return err
		}
		r.restrictLower(v, lowerInclusive)
	}
	if hi != "" {
		v, err := ParseVersion(hi)
		if err != nil {
			return err
		}
		r.restrictUpper(v, upperInclusive)
	}
	return nil
}

func (r *VersionRange) applyComparator(term string) error {
	op, rest := splitOperator(term)
	if rest == "*" {
		return nil
	}
	v, err := ParseVersion(rest)
	if err != nil {
		return err
	}

	switch op {
	case "", ">=":
		r.restrictLower(v, true)
	case ">":
		r.restrictLower(v, false)
	case "<=":
		r.restrictUpper(v, true)
	case "<":
		r.restrictUpper(v, false)
	case "=", "==":
		r.restrictLower(v, true)
		r.restrictUpper(v, true)
	case "^":
		r.restrictLower(v, true)
		r.restrictUpper(Version{Major: v.Major + 1}, false)
	case "~":
		r.restrictLower(v, true)
		r.restrictUpper(Version{Major: v.Major, Minor: v.Minor + 1}, false)
	default:
		return goerrors.New(ErrCodeInvalidVersionRange, "unknown operator "+op)
	}
	return nil
}

func splitOperator(term string) (string, string) {
	for _, op := range []string{">=", "<=", "==", ">", "<", "=", "^", "~"} {
		if strings.HasPrefix(term, op) {
			return op, strings.TrimSpace(term[len(op):])
		}
	}
	return "", term
}

func (r *VersionRange) restrictLower(v Version, inclusive bool) {
	if r.lower.set {
		c := v.Compare(r.lower.version)
		if c < 0 || (c == 0 && inclusive && !r.lower.inclusive) {
			r.checkEmpty()
			return
		}
	}
	r.lower = bound{version: v, inclusive: inclusive, set: true}
	r.checkEmpty()
}

func (r *VersionRange) restrictUpper(v Version, inclusive bool) {
	if r.upper.set {
		c := v.Compare(r.upper.version)
		if c > 0 || (c == 0 && inclusive && !r.upper.inclusive) {
			r.checkEmpty()
			return
		}
	}
	r.upper = bound{version: v, inclusive: inclusive, set: true}
	r.checkEmpty()
}

func (r *VersionRange) checkEmpty() {
	if !r.lower.set || !r.upper.set {
		return
	}
	c := r.lower.version.Compare(r.upper.version)
	r.empty = c > 0 || (c == 0 && !(r.lower.inclusive && r.upper.inclusive))
}

// String returns the range as written.
func (r VersionRange) String() string {
	if r.raw == "" {
		return "*"
	}
	return r.raw
}

// IsAny reports whether the range places no constraint on the version.
func (r VersionRange) IsAny() bool {
	return !r.lower.set && !r.upper.set && !r.empty
}

// IsEmpty reports whether no version can satisfy the range.
func (r VersionRange) IsEmpty() bool {
	return r.empty
}

// Contains reports whether v satisfies the range.
func (r VersionRange) Contains(v Version) bool {
	if r.empty {
		return false
	}
	if r.lower.set {
		c := v.Compare(r.lower.version)
		if c < 0 || (c == 0 && !r.lower.inclusive) {
			return false
		}
	}
	if r.upper.set {
		c := v.Compare(r.upper.version)
		if c > 0 || (c == 0 && !r.upper.inclusive) {
			return false
		}
	}
	return true
}

// Pinned returns the version the range names as its inclusive lower bound.
// This is the version a requirement asks for when versions must be
// reconciled across plugins.
func (r VersionRange) Pinned() (Version, bool) {
	if r.lower.set && r.lower.inclusive {
		return r.lower.version, true
	}
	return Version{}, false
}

// Exact returns the single version the range admits, if it admits only one.
func (r VersionRange) Exact() (Version, bool) {
	if r.lower.set && r.upper.set && r.lower.inclusive && r.upper.inclusive &&
		r.lower.version.Compare(r.upper.version) == 0 {
		return r.lower.version, true
	}
	return Version{}, false
}

// ExactRange returns the range admitting exactly v.
func ExactRange(v Version) VersionRange {
	r := VersionRange{raw: "=" + v.String()}
	r.restrictLower(v, true)
	r.restrictUpper(v, true)
	return r
}
