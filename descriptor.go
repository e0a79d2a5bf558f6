// descriptor.go: Declarative plugin metadata and its structural validation
//
// A descriptor is read from plugin.json, plugin.yaml or plugin.yml at the
// root of a bundle directory. It names the plugin, its entry point, the
// plugins it depends on or conflicts with, and the shared libraries it needs.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultLoadOrder is the load-order hint of a descriptor that declares none.
const DefaultLoadOrder = 100

// MetadataFileNames lists the descriptor files a bundle may contain, in the
// order they are looked up.
var MetadataFileNames = []string{"plugin.json", "plugin.yaml", "plugin.yml"}

var pluginIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// LibrarySource says where a shared-library dependency is resolved from.
type LibrarySource string

const (
	// LibraryShared libraries live in the process-wide cache and are
	// version-reconciled across plugins.
	LibraryShared LibrarySource = "shared"
	// LibraryBundled libraries ship inside the plugin's own bundle.
	LibraryBundled LibrarySource = "bundled"
)

// PluginDependency is a dependency on another plugin.
type PluginDependency struct {
	ID       string `json:"id" yaml:"id"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Range parses the declared version range. An empty range matches anything.
func (d PluginDependency) Range() (VersionRange, error) {
	return ParseVersionRange(d.Version)
}

// ConflictDeclaration marks another plugin as incompatible.
type ConflictDeclaration struct {
	ID     string `json:"id" yaml:"id"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// LibraryDependency is a dependency on a shared or bundled library.
//
// Location is the older spelling of Source ("lib" and "auto" mean shared,
// "local" means bundled). Resolved is filled in by the conflict resolver and
// overrides Version for everything downstream of resolution.
type LibraryDependency struct {
	Name     string        `json:"name" yaml:"name"`
	Version  string        `json:"version,omitempty" yaml:"version,omitempty"`
	Source   LibrarySource `json:"source,omitempty" yaml:"source,omitempty"`
	Location string        `json:"location,omitempty" yaml:"location,omitempty"`
	Optional bool          `json:"optional,omitempty" yaml:"optional,omitempty"`
	Resolved string        `json:"-" yaml:"-"`
}

// EffectiveSource normalizes Source and the legacy Location field.
func (l LibraryDependency) EffectiveSource() LibrarySource {
	switch {
	case l.Source != "":
		return l.Source
	case strings.EqualFold(l.Location, "local"):
		return LibraryBundled
	default:
		return LibraryShared
	}
}

// EffectiveVersion returns the resolved version when resolution produced
// one, else the declared range.
func (l LibraryDependency) EffectiveVersion() string {
	if l.Resolved != "" && l.Resolved != ResolvedLatest {
		return "=" + l.Resolved
	}
	if l.Resolved == ResolvedLatest {
		return "*"
	}
	return l.Version
}

// Descriptor is the declarative metadata of one plugin bundle. It is
// treated as immutable once the plugin is loaded.
type Descriptor struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Version     string   `json:"version" yaml:"version"`
	Main        string   `json:"main" yaml:"main"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Authors     []string `json:"authors,omitempty" yaml:"authors,omitempty"`
	Website     string   `json:"website,omitempty" yaml:"website,omitempty"`
	License     string   `json:"license,omitempty" yaml:"license,omitempty"`
	Category    string   `json:"category,omitempty" yaml:"category,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Dependencies and SoftDependencies are shorthand id lists; detailed
	// entries with version ranges go in PluginDependencies.
	Dependencies        []string              `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	SoftDependencies    []string              `json:"soft_dependencies,omitempty" yaml:"soft_dependencies,omitempty"`
	PluginDependencies  []PluginDependency    `json:"plugin_dependencies,omitempty" yaml:"plugin_dependencies,omitempty"`
	Conflicts           []ConflictDeclaration `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	LibraryDependencies []LibraryDependency   `json:"library_dependencies,omitempty" yaml:"library_dependencies,omitempty"`

	MinHostVersion string `json:"min_host_version,omitempty" yaml:"min_host_version,omitempty"`
	MaxHostVersion string `json:"max_host_version,omitempty" yaml:"max_host_version,omitempty"`
	LoadOrder      *int   `json:"load_order,omitempty" yaml:"load_order,omitempty"`

	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Order returns the load-order hint, DefaultLoadOrder when unset.
func (d *Descriptor) Order() int {
	if d.LoadOrder == nil {
		return DefaultLoadOrder
	}
	return *d.LoadOrder
}

// AllDependencies merges the shorthand lists with the detailed entries.
// Detailed entries win when an id appears in both.
func (d *Descriptor) AllDependencies() []PluginDependency {
	seen := make(map[string]bool)
	out := make([]PluginDependency, 0, len(d.Dependencies)+len(d.SoftDependencies)+len(d.PluginDependencies))
	for _, dep := range d.PluginDependencies {
		if seen[dep.ID] {
			continue
		}
		seen[dep.ID] = true
		out = append(out, dep)
	}
	for _, id := range d.Dependencies {
		if !seen[id] {
			seen[id] = true
			out = append(out, PluginDependency{ID: id})
		}
	}
	for _, id := range d.SoftDependencies {
		if !seen[id] {
			seen[id] = true
			out = append(out, PluginDependency{ID: id, Optional: true})
		}
	}
	return out
}

// RequiredDependencyIDs returns the ids of non-optional dependencies in
// declaration order.
func (d *Descriptor) RequiredDependencyIDs() []string {
	var ids []string
	for _, dep := range d.AllDependencies() {
		if !dep.Optional {
			ids = append(ids, dep.ID)
		}
	}
	return ids
}

// SharedLibraries returns the library dependencies resolved from the
// process-wide cache.
func (d *Descriptor) SharedLibraries() []LibraryDependency {
	var out []LibraryDependency
	for _, lib := range d.LibraryDependencies {
		if lib.EffectiveSource() == LibraryShared {
			out = append(out, lib)
		}
	}
	return out
}

// ParsedVersion parses the descriptor's own version.
func (d *Descriptor) ParsedVersion() (Version, error) {
	return ParseVersion(d.Version)
}

// Clone returns a deep copy so resolution write-back never aliases a
// descriptor held by another record.
func (d *Descriptor) Clone() *Descriptor {
	c := *d
	c.Authors = append([]string(nil), d.Authors...)
	c.Tags = append([]string(nil), d.Tags...)
	c.Dependencies = append([]string(nil), d.Dependencies...)
	c.SoftDependencies = append([]string(nil), d.SoftDependencies...)
	c.PluginDependencies = append([]PluginDependency(nil), d.PluginDependencies...)
	c.Conflicts = append([]ConflictDeclaration(nil), d.Conflicts...)
	c.LibraryDependencies = append([]LibraryDependency(nil), d.LibraryDependencies...)
	if d.LoadOrder != nil {
		order := *d.LoadOrder
		c.LoadOrder = &order
	}
	if d.Properties != nil {
		c.Properties = make(map[string]string, len(d.Properties))
		for k, v := range d.Properties {
			c.Properties[k] = v
		}
	}
	return &c
}

// Validate checks the structural rules every descriptor must satisfy on its
// own. Graph-level rules live in the dependency validator.
func (d *Descriptor) Validate() error {
	var problems []string

	if strings.TrimSpace(d.ID) == "" {
		problems = append(problems, "id is required")
	} else if err := validatePluginID(d.ID); err != nil {
		problems = append(problems, err.Error())
	}
	if strings.TrimSpace(d.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(d.Version) == "" {
		problems = append(problems, "version is required")
	} else if _, err := ParseVersion(d.Version); err != nil {
		problems = append(problems, fmt.Sprintf("version %q is not a valid version", d.Version))
	}
	if strings.TrimSpace(d.Main) == "" {
		problems = append(problems, "main (entry point) is required")
	} else if _, err := ParseEntryRef(d.Main); err != nil {
		problems = append(problems, fmt.Sprintf("main %q is not a valid entry reference", d.Main))
	}

	for _, dep := range d.AllDependencies() {
		if dep.ID == "" {
			problems = append(problems, "dependency with empty id")
			continue
		}
		if dep.ID == d.ID {
			problems = append(problems, "plugin cannot depend on itself")
		}
		if _, err := dep.Range(); err != nil {
			problems = append(problems, fmt.Sprintf("dependency %s has invalid version range %q", dep.ID, dep.Version))
		}
	}
	for _, c := range d.Conflicts {
		if c.ID == "" {
			problems = append(problems, "conflict with empty id")
		}
	}
	for _, lib := range d.LibraryDependencies {
		if lib.Name == "" {
			problems = append(problems, "library dependency with empty name")
			continue
		}
		if strings.ContainsAny(lib.Name, `/\`) || strings.Contains(lib.Name, "..") {
			problems = append(problems, fmt.Sprintf("library name %q contains path characters", lib.Name))
		}
		switch lib.EffectiveSource() {
		case LibraryShared, LibraryBundled:
		default:
			problems = append(problems, fmt.Sprintf("library %s has unknown source %q", lib.Name, lib.Source))
		}
	}
	for _, hv := range []struct{ field, value string }{
		{"min_host_version", d.MinHostVersion},
		{"max_host_version", d.MaxHostVersion},
	} {
		if hv.value == "" {
			continue
		}
		if _, err := ParseVersion(hv.value); err != nil {
			problems = append(problems, fmt.Sprintf("%s %q is not a valid version", hv.field, hv.value))
		}
	}

	if len(problems) > 0 {
		return NewMetadataInvalidError(d.ID, problems)
	}
	return nil
}

// validatePluginID enforces the id alphabet and rejects names that could
// escape the data directory when used as a path component.
func validatePluginID(id string) error {
	if strings.Contains(id, "..") {
		return NewUnsafePluginIDError(id, "contains '..'")
	}
	if strings.HasPrefix(id, ".") {
		return NewUnsafePluginIDError(id, "starts with '.'")
	}
	for _, r := range id {
		if r < 32 || r == 127 {
			return NewUnsafePluginIDError(id, "contains control character")
		}
	}
	if !pluginIDPattern.MatchString(id) {
		return NewUnsafePluginIDError(id, "only letters, digits, '.', '_' and '-' are allowed")
	}
	return nil
}

// ParseDescriptor decodes descriptor bytes. JSON is tried first, then YAML,
// matching the file extension when it is known.
func ParseDescriptor(data []byte, fileName string) (*Descriptor, error) {
	var desc Descriptor
	ext := strings.ToLower(filepath.Ext(fileName))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &desc); err != nil {
			return nil, NewMetadataParseError(fileName, err)
		}
	default:
		if err := json.Unmarshal(data, &desc); err != nil {
			if yamlErr := yaml.Unmarshal(data, &desc); yamlErr != nil {
				return nil, NewMetadataParseError(fileName, err)
			}
		}
	}
	return &desc, nil
}

// ReadDescriptor finds and parses the descriptor of a bundle directory.
// It returns the path of the file it read.
func ReadDescriptor(bundleDir string) (*Descriptor, string, error) {
	for _, name := range MetadataFileNames {
		path := filepath.Join(bundleDir, name)
		data, err := os.ReadFile(path) // #nosec G304 - path is built from the scanned bundle directory
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, path, NewMetadataParseError(path, err)
		}
		desc, err := ParseDescriptor(data, name)
		if err != nil {
			return nil, path, err
		}
		return desc, path, nil
	}
	return nil, "", NewMetadataNotFoundError(bundleDir)
}
