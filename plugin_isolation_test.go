// plugin_isolation_test.go: Tests for isolation boundaries and module resolution
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stageLibrary writes an artifact into the cache and records it.
func stageLibrary(t *testing.T, cache *LibraryCache, name, version, file string) string {
	t.Helper()
	dir := cache.StagingDir(name, version)
	require.NoError(t, os.MkdirAll(dir, 0750))
	path := filepath.Join(dir, file)
	require.NoError(t, os.WriteFile(path, []byte("-- "+name+" "+version), 0600))
	require.NoError(t, cache.Record(t.Context(), CachedLibrary{Name: name, Version: version, Target: targetOfFile(file), Path: path}))
	return path
}

func newTestBoundary(t *testing.T, files map[string]string) (*Boundary, *LibraryCache, *HostModules) {
	t.Helper()
	bundle := writeBundle(t, t.TempDir(), "economy", testDescriptor("economy", "1.0.0"), files)
	cache, err := NewLibraryCache(filepath.Join(t.TempDir(), "libraries"), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	host := NewHostModules()
	b, err := NewBoundary("economy", bundle, cache, host, NewTestLogger())
	require.NoError(t, err)
	return b, cache, host
}

func TestNewBoundary_RequiresDirectory(t *testing.T) {
	_, err := NewBoundary("ghost", filepath.Join(t.TempDir(), "missing"), nil, nil, nil)
	assert.True(t, IsErrorCode(err, ErrCodeBoundaryCreate))

	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, nil, 0600))
	_, err = NewBoundary("ghost", file, nil, nil, nil)
	assert.True(t, IsErrorCode(err, ErrCodeBoundaryCreate))
}

func TestBoundary_ResolutionOrder(t *testing.T) {
	b, cache, host := newTestBoundary(t, map[string]string{
		"json.lua":     "-- bundled json",
		"lib/util.lua": "-- util",
		"helpers.lua":  "-- helpers",
		"host.lua":     "-- must never shadow the host module",
	})
	sharedPath := stageLibrary(t, cache, "json", "2.1.0", "json.lua")
	host.Register("clock", "clock-api")

	t.Run("SharedCacheWinsOverBundle", func(t *testing.T) {
		m, err := b.Resolve("json")
		require.NoError(t, err)
		assert.Equal(t, TierShared, m.Tier)
		assert.Equal(t, sharedPath, m.Path)
		assert.Equal(t, "2.1.0", m.Version)
	})

	t.Run("BundleRoot", func(t *testing.T) {
		m, err := b.Resolve("helpers")
		require.NoError(t, err)
		assert.Equal(t, TierBundle, m.Tier)
		assert.Equal(t, filepath.Join(b.BundleDir(), "helpers.lua"), m.Path)
	})

	t.Run("BundleLibDirectory", func(t *testing.T) {
		m, err := b.Resolve("util")
		require.NoError(t, err)
		assert.Equal(t, TierBundle, m.Tier)
		assert.Equal(t, filepath.Join(b.BundleDir(), "lib", "util.lua"), m.Path)
	})

	t.Run("HostContractNeverFromBundle", func(t *testing.T) {
		m, err := b.Resolve(HostAPIModule)
		require.NoError(t, err)
		assert.Equal(t, TierHost, m.Tier)
		assert.Empty(t, m.Path)
	})

	t.Run("HostExportedValue", func(t *testing.T) {
		m, err := b.Resolve("clock")
		require.NoError(t, err)
		assert.Equal(t, TierHost, m.Tier)
		assert.Equal(t, "clock-api", m.Value)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := b.Resolve("nowhere")
		assert.True(t, IsErrorCode(err, ErrCodeModuleNotFound))
	})

	assert.Len(t, b.Resolved(), 5)
}

func TestBoundary_ConstrainLibraries(t *testing.T) {
	t.Run("PicksTheVersionInRange", func(t *testing.T) {
		b, cache, _ := newTestBoundary(t, nil)
		stageLibrary(t, cache, "util", "1.5.0", "util.lua")
		stageLibrary(t, cache, "util", "1.2.0", "util.lua")

		require.NoError(t, b.ConstrainLibraries([]LibraryDependency{{Name: "util", Version: "1.0.0", Resolved: "1.5.0"}}))
		m, err := b.Resolve("util")
		require.NoError(t, err)
		assert.Equal(t, TierShared, m.Tier)
		assert.Equal(t, "1.5.0", m.Version)
	})

	t.Run("RefusesStaleVersion", func(t *testing.T) {
		b, cache, _ := newTestBoundary(t, map[string]string{"util.lua": "-- bundled"})
		stageLibrary(t, cache, "util", "1.2.0", "util.lua")

		require.NoError(t, b.ConstrainLibraries([]LibraryDependency{{Name: "util", Version: ">=1.5.0"}}))
		_, err := b.Resolve("util")
		require.Error(t, err)
		assert.True(t, IsErrorCode(err, ErrCodeLibraryOutOfRange), "code = %s", ErrorCodeOf(err))
	})

	t.Run("BundledDependenciesAreNotPinned", func(t *testing.T) {
		b, cache, _ := newTestBoundary(t, nil)
		stageLibrary(t, cache, "util", "1.2.0", "util.lua")

		require.NoError(t, b.ConstrainLibraries([]LibraryDependency{{Name: "util", Version: ">=9.0.0", Location: "local"}}))
		m, err := b.Resolve("util")
		require.NoError(t, err)
		assert.Equal(t, "1.2.0", m.Version)
	})

	t.Run("InvalidRange", func(t *testing.T) {
		b, _, _ := newTestBoundary(t, nil)
		err := b.ConstrainLibraries([]LibraryDependency{{Name: "util", Version: ">=x"}})
		assert.True(t, IsErrorCode(err, ErrCodeInvalidVersionRange))
	})
}

func TestBoundary_ResolveKindFiltersExtension(t *testing.T) {
	b, cache, _ := newTestBoundary(t, map[string]string{"codec.lua": "-- lua codec"})
	stageLibrary(t, cache, "codec", "1.0.0", "codec.wasm")

	m, err := b.ResolveKind("codec", ".lua")
	require.NoError(t, err)
	assert.Equal(t, TierBundle, m.Tier, "a wasm artifact must not satisfy a lua lookup")

	m, err = b.ResolveKind("codec", ".wasm")
	require.NoError(t, err)
	assert.Equal(t, TierShared, m.Tier)
}

func TestBoundary_DescriptorIsNeverAModule(t *testing.T) {
	b, _, _ := newTestBoundary(t, nil)

	_, err := b.Resolve("plugin")
	assert.True(t, IsErrorCode(err, ErrCodeModuleNotFound))
}

func TestBoundary_RejectsUnsafeNames(t *testing.T) {
	b, _, _ := newTestBoundary(t, map[string]string{"ok.lua": ""})

	for _, name := range []string{"", "../ok", "lib/ok", `lib\ok`, "ok\x00"} {
		_, err := b.Resolve(name)
		assert.True(t, IsErrorCode(err, ErrCodeModuleNotFound), "name %q", name)
	}
}

func TestBoundary_BundleFile(t *testing.T) {
	b, _, _ := newTestBoundary(t, nil)

	path, err := b.BundleFile("bin/plugin")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(b.BundleDir(), "bin", "plugin"), path)

	for _, rel := range []string{"../outside", "bin/../../outside", "/etc/passwd"} {
		_, err := b.BundleFile(rel)
		assert.True(t, IsErrorCode(err, ErrCodePathTraversal), "path %q", rel)
	}
}

func TestBoundary_Teardown(t *testing.T) {
	b, _, _ := newTestBoundary(t, map[string]string{"helpers.lua": ""})
	_, err := b.Resolve("helpers")
	require.NoError(t, err)

	var order []string
	b.AddCloser("first", func() error { order = append(order, "first"); return nil })
	b.AddCloser("second", func() error { order = append(order, "second"); return errors.New("busy") })
	b.AddCloser("third", func() error { order = append(order, "third"); panic("release exploded") })

	err = b.Teardown()
	require.Error(t, err)
	assert.Equal(t, []string{"third", "second", "first"}, order)
	assert.Contains(t, err.Error(), "busy")
	assert.Contains(t, err.Error(), "release exploded")
	assert.True(t, b.IsTornDown())
	assert.Empty(t, b.Resolved())

	assert.NoError(t, b.Teardown(), "teardown is idempotent")
	assert.Equal(t, []string{"third", "second", "first"}, order)

	_, err = b.Resolve("helpers")
	assert.True(t, IsErrorCode(err, ErrCodeBoundaryTornDown))

	ran := false
	b.AddCloser("late", func() error { ran = true; return nil })
	assert.True(t, ran, "closers added after teardown run immediately")
}

func TestBoundary_NilTeardown(t *testing.T) {
	var b *Boundary
	assert.NoError(t, b.Teardown())
}

func TestBoundary_ConcurrentResolve(t *testing.T) {
	b, _, _ := newTestBoundary(t, map[string]string{"helpers.lua": ""})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := b.Resolve("helpers")
			assert.NoError(t, err)
			assert.Equal(t, TierBundle, m.Tier)
		}()
	}
	wg.Wait()
	assert.Len(t, b.Resolved(), 1)
}

func TestHostModules(t *testing.T) {
	h := NewHostModules()
	h.Register("clock", 1)
	h.Register("audit", 2)

	assert.Equal(t, []string{"audit", "clock", HostAPIModule}, h.Names())
	v, ok := h.Lookup("clock")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	var nilHost *HostModules
	_, ok = nilHost.Lookup("clock")
	assert.False(t, ok)
}
