// descriptor_test.go: Tests for descriptor parsing and validation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	goerrors "github.com/agilira/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDescriptor() *Descriptor {
	return &Descriptor{
		ID:      "economy",
		Name:    "Economy",
		Version: "1.2.0",
		Main:    "lua:main.lua",
	}
}

// metadataProblems extracts the problem list carried by a metadata error.
func metadataProblems(t *testing.T, err error) []string {
	t.Helper()
	var gerr *goerrors.Error
	require.True(t, errors.As(err, &gerr), "expected a coded error, got %T", err)
	problems, ok := gerr.Context["problems"].([]string)
	require.True(t, ok, "problems context missing")
	return problems
}

func problemsContain(problems []string, fragment string) bool {
	for _, p := range problems {
		if strings.Contains(p, fragment) {
			return true
		}
	}
	return false
}

func TestDescriptorValidate(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		assert.NoError(t, validDescriptor().Validate())
	})

	tests := []struct {
		name     string
		mutate   func(d *Descriptor)
		fragment string
	}{
		{"MissingID", func(d *Descriptor) { d.ID = "" }, "id is required"},
		{"MissingName", func(d *Descriptor) { d.Name = "  " }, "name is required"},
		{"MissingVersion", func(d *Descriptor) { d.Version = "" }, "version is required"},
		{"BadVersion", func(d *Descriptor) { d.Version = "one.two" }, "not a valid version"},
		{"MissingMain", func(d *Descriptor) { d.Main = "" }, "main (entry point) is required"},
		{"SelfDependency", func(d *Descriptor) { d.Dependencies = []string{"economy"} }, "cannot depend on itself"},
		{"BadRange", func(d *Descriptor) {
			d.PluginDependencies = []PluginDependency{{ID: "bank", Version: ">=x.y"}}
		}, "invalid version range"},
		{"EmptyConflict", func(d *Descriptor) { d.Conflicts = []ConflictDeclaration{{}} }, "conflict with empty id"},
		{"LibraryWithPath", func(d *Descriptor) {
			d.LibraryDependencies = []LibraryDependency{{Name: "../evil", Version: "1.0.0"}}
		}, "path characters"},
		{"LibraryUnknownSource", func(d *Descriptor) {
			d.LibraryDependencies = []LibraryDependency{{Name: "json", Source: "remote"}}
		}, "unknown source"},
		{"BadHostVersion", func(d *Descriptor) { d.MinHostVersion = "latest" }, "min_host_version"},
		{"UnsafeID", func(d *Descriptor) { d.ID = "../escape" }, "contains '..'"},
		{"IDWithSpace", func(d *Descriptor) { d.ID = "my plugin" }, "only letters"},
		{"DotID", func(d *Descriptor) { d.ID = "." }, "starts with '.'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDescriptor()
			tt.mutate(d)
			err := d.Validate()
			require.Error(t, err)
			assert.True(t, IsErrorCode(err, ErrCodeMetadataInvalid), "code = %s", ErrorCodeOf(err))
			problems := metadataProblems(t, err)
			assert.True(t, problemsContain(problems, tt.fragment), "problems %v lack %q", problems, tt.fragment)
		})
	}

	t.Run("CollectsEveryProblem", func(t *testing.T) {
		err := (&Descriptor{}).Validate()
		require.Error(t, err)
		assert.GreaterOrEqual(t, len(metadataProblems(t, err)), 4)
	})
}

func TestValidatePluginID(t *testing.T) {
	for _, id := range []string{"economy", "my-plugin", "my_plugin.v2", "A1"} {
		assert.NoError(t, validatePluginID(id), id)
	}
	for _, id := range []string{"..", ".", ".hidden", "a/../b", "a/b", `a\b`, "tab\tid", "plugin!"} {
		err := validatePluginID(id)
		assert.True(t, IsErrorCode(err, ErrCodeUnsafePluginID), "id %q: %v", id, err)
	}
}

func TestParseDescriptor(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		data := []byte(`{
			"id": "shop", "name": "Shop", "version": "2.0.0", "main": "lua:shop.lua",
			"dependencies": ["bank"],
			"soft_dependencies": ["stats"],
			"load_order": 10,
			"library_dependencies": [{"name": "json", "version": "^1.0.0", "location": "local"}],
			"properties": {"currency": "gold"}
		}`)
		d, err := ParseDescriptor(data, "plugin.json")
		require.NoError(t, err)
		assert.Equal(t, "shop", d.ID)
		assert.Equal(t, []string{"bank"}, d.Dependencies)
		assert.Equal(t, 10, d.Order())
		require.Len(t, d.LibraryDependencies, 1)
		assert.Equal(t, LibraryBundled, d.LibraryDependencies[0].EffectiveSource())
		assert.Equal(t, "gold", d.Properties["currency"])
		assert.NoError(t, d.Validate())
	})

	t.Run("YAML", func(t *testing.T) {
		data := []byte(`
id: shop
name: Shop
version: 2.0.0
main: lua:shop.lua
plugin_dependencies:
  - id: bank
    version: ">=1.0.0"
conflicts:
  - id: legacy-shop
    reason: same commands
`)
		d, err := ParseDescriptor(data, "plugin.yaml")
		require.NoError(t, err)
		require.Len(t, d.PluginDependencies, 1)
		assert.Equal(t, ">=1.0.0", d.PluginDependencies[0].Version)
		require.Len(t, d.Conflicts, 1)
		assert.Equal(t, "same commands", d.Conflicts[0].Reason)
	})

	t.Run("YAMLInJSONFile", func(t *testing.T) {
		d, err := ParseDescriptor([]byte("id: shop\nname: Shop\n"), "plugin.json")
		require.NoError(t, err)
		assert.Equal(t, "Shop", d.Name)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := ParseDescriptor([]byte("id: [unterminated"), "plugin.yml")
		assert.True(t, IsErrorCode(err, ErrCodeMetadataParse))
	})
}

func TestReadDescriptor(t *testing.T) {
	t.Run("PrefersJSON", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"),
			[]byte(`{"id":"from-json","name":"J","version":"1.0.0","main":"lua:m.lua"}`), 0600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"),
			[]byte("id: from-yaml\n"), 0600))

		d, path, err := ReadDescriptor(dir)
		require.NoError(t, err)
		assert.Equal(t, "from-json", d.ID)
		assert.Equal(t, filepath.Join(dir, "plugin.json"), path)
	})

	t.Run("FallsBackToYML", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yml"), []byte("id: yml\n"), 0600))
		d, path, err := ReadDescriptor(dir)
		require.NoError(t, err)
		assert.Equal(t, "yml", d.ID)
		assert.Equal(t, "plugin.yml", filepath.Base(path))
	})

	t.Run("NotFound", func(t *testing.T) {
		_, _, err := ReadDescriptor(t.TempDir())
		assert.True(t, IsErrorCode(err, ErrCodeMetadataNotFound))
	})
}

func TestDescriptorAllDependencies(t *testing.T) {
	d := validDescriptor()
	d.PluginDependencies = []PluginDependency{{ID: "bank", Version: ">=2.0.0", Optional: true}}
	d.Dependencies = []string{"bank", "core"}
	d.SoftDependencies = []string{"core", "stats"}

	all := d.AllDependencies()
	require.Len(t, all, 3)
	assert.Equal(t, PluginDependency{ID: "bank", Version: ">=2.0.0", Optional: true}, all[0])
	assert.Equal(t, PluginDependency{ID: "core"}, all[1])
	assert.Equal(t, PluginDependency{ID: "stats", Optional: true}, all[2])

	assert.Equal(t, []string{"core"}, d.RequiredDependencyIDs())
}

func TestDescriptorClone(t *testing.T) {
	order := 5
	d := validDescriptor()
	d.LoadOrder = &order
	d.Dependencies = []string{"bank"}
	d.LibraryDependencies = []LibraryDependency{{Name: "json", Version: "^1.0.0"}}
	d.Properties = map[string]string{"k": "v"}

	c := d.Clone()
	c.Dependencies[0] = "other"
	c.LibraryDependencies[0].Resolved = "1.4.0"
	c.Properties["k"] = "changed"
	*c.LoadOrder = 99

	assert.Equal(t, "bank", d.Dependencies[0])
	assert.Empty(t, d.LibraryDependencies[0].Resolved)
	assert.Equal(t, "v", d.Properties["k"])
	assert.Equal(t, 5, d.Order())
	assert.Equal(t, 99, c.Order())
}

func TestDescriptorOrderDefault(t *testing.T) {
	assert.Equal(t, DefaultLoadOrder, validDescriptor().Order())
}

func TestLibraryDependencyEffective(t *testing.T) {
	tests := []struct {
		name    string
		lib     LibraryDependency
		source  LibrarySource
		version string
	}{
		{"Default", LibraryDependency{Name: "a", Version: "^1.0.0"}, LibraryShared, "^1.0.0"},
		{"ExplicitSource", LibraryDependency{Name: "a", Source: LibraryBundled, Location: "lib"}, LibraryBundled, ""},
		{"LegacyLocal", LibraryDependency{Name: "a", Location: "LOCAL"}, LibraryBundled, ""},
		{"LegacyAuto", LibraryDependency{Name: "a", Location: "auto"}, LibraryShared, ""},
		{"Resolved", LibraryDependency{Name: "a", Version: "^1.0.0", Resolved: "1.3.0"}, LibraryShared, "=1.3.0"},
		{"ResolvedLatest", LibraryDependency{Name: "a", Version: "^1.0.0", Resolved: ResolvedLatest}, LibraryShared, "*"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.source, tt.lib.EffectiveSource())
			assert.Equal(t, tt.version, tt.lib.EffectiveVersion())
		})
	}

	d := validDescriptor()
	d.LibraryDependencies = []LibraryDependency{
		{Name: "shared-one"},
		{Name: "bundled", Location: "local"},
		{Name: "shared-two", Source: LibraryShared},
	}
	shared := d.SharedLibraries()
	require.Len(t, shared, 2)
	assert.Equal(t, "shared-one", shared[0].Name)
	assert.Equal(t, "shared-two", shared[1].Name)
}
