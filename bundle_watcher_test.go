// bundle_watcher_test.go: Tests for hot reload of bundles
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agilira/argus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWatchedHost(t *testing.T) (*testHost, *BundleWatcher) {
	t.Helper()
	h := newTestHost(t, FailureBatch, testDescriptor("hot", "1.0.0"), testDescriptor("cold", "1.0.0"))
	_, err := h.orch.LoadAll(context.Background())
	require.NoError(t, err)

	w, err := NewBundleWatcher(h.orch, BundleWatcherOptions{
		PollInterval:  100 * time.Millisecond,
		ReloadTimeout: 5 * time.Second,
		Logger:        h.logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })
	return h, w
}

func TestNewBundleWatcher_RequiresOrchestrator(t *testing.T) {
	_, err := NewBundleWatcher(nil, BundleWatcherOptions{})
	assert.True(t, IsErrorCode(err, ErrCodeConfigWatcher))
}

func TestBundleWatcher_Sync(t *testing.T) {
	_, w := newWatchedHost(t)
	require.NoError(t, w.Sync())
	assert.Equal(t, 2, w.Watched())

	// A second sync adds nothing new.
	require.NoError(t, w.Sync())
	assert.Equal(t, 2, w.Watched())
}

func TestBundleWatcher_HandleChange(t *testing.T) {
	h, w := newWatchedHost(t)
	metadata := filepath.Join(h.pluginsDir, "hot", "plugin.json")

	t.Run("DeleteKeepsInstance", func(t *testing.T) {
		w.handleChange("hot", argus.ChangeEvent{Path: metadata, IsDelete: true})
		assert.Equal(t, int64(0), w.Reloads())
		assert.Equal(t, StateEnabled, h.state(t, "hot"))
		assert.True(t, h.logger.HasMessage("WARN", "Plugin metadata removed, keeping the running instance"))
	})

	t.Run("ModifyReloads", func(t *testing.T) {
		writeBundle(t, h.pluginsDir, "hot", testDescriptor("hot", "2.0.0"), nil)
		w.handleChange("hot", argus.ChangeEvent{Path: metadata, IsModify: true})

		assert.Equal(t, int64(1), w.Reloads())
		info, err := h.orch.Get("hot")
		require.NoError(t, err)
		assert.Equal(t, "2.0.0", info.Version)
		assert.Equal(t, StateEnabled, info.State)
		assert.True(t, h.logger.HasMessage("INFO", "Plugin hot reloaded"))
	})

	t.Run("ReloadFailureIsLogged", func(t *testing.T) {
		w.handleChange("vanished", argus.ChangeEvent{Path: "/nowhere/plugin.json", IsModify: true})
		assert.True(t, h.logger.HasMessage("ERROR", "Hot reload failed"))
	})
}

func TestBundleWatcher_StartStop(t *testing.T) {
	if testing.Short() {
		t.Skip("polls the filesystem")
	}
	h, w := newWatchedHost(t)
	require.NoError(t, w.Start())
	assert.Equal(t, 2, w.Watched())
	assert.True(t, IsErrorCode(w.Start(), ErrCodeConfigWatcher), "second start must fail")

	writeBundle(t, h.pluginsDir, "hot", testDescriptor("hot", "1.5.0-beta.1"), nil)
	require.Eventually(t, func() bool {
		info, err := h.orch.Get("hot")
		return err == nil && info.Version == "1.5.0-beta.1" && info.State == StateEnabled
	}, 10*time.Second, 50*time.Millisecond)

	cold, err := h.orch.Get("cold")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", cold.Version)

	require.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
