// bundle_watcher.go: Hot reload of plugin bundles
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// BundleWatcherOptions tunes a BundleWatcher.
type BundleWatcherOptions struct {
	// PollInterval is how often metadata files are checked.
	PollInterval time.Duration
	// ReloadTimeout bounds a single reload, zero means none.
	ReloadTimeout time.Duration
	// Audit is handed to argus unchanged.
	Audit  argus.AuditConfig
	Logger Logger
}

// BundleWatcher reloads a plugin whenever its metadata file changes.
//
// Example usage:
//
//	watcher, err := NewBundleWatcher(orch, BundleWatcherOptions{PollInterval: time.Second})
//	if err := watcher.Start(); err != nil {
//	    return err
//	}
//	defer watcher.Stop()
type BundleWatcher struct {
	orch    *Orchestrator
	watcher *argus.Watcher
	options BundleWatcherOptions
	logger  Logger

	mu      sync.Mutex
	watched map[string]string // metadata path -> plugin id
	running atomic.Bool
	reloads atomic.Int64
}

// NewBundleWatcher creates a watcher over the plugins registered in orch.
func NewBundleWatcher(orch *Orchestrator, options BundleWatcherOptions) (*BundleWatcher, error) {
	if orch == nil {
		return nil, NewConfigWatcherError("orchestrator is required", nil)
	}
	if options.PollInterval <= 0 {
		options.PollInterval = 2 * time.Second
	}
	logger := options.Logger
	if logger == nil {
		logger = NewNoOpLogger()
	}

	w := &BundleWatcher{
		orch:    orch,
		options: options,
		logger:  logger,
		watched: make(map[string]string),
	}
	w.watcher = argus.New(argus.Config{
		PollInterval:    options.PollInterval,
		CacheTTL:        options.PollInterval / 2,
		MaxWatchedFiles: 1024,
		Audit:           options.Audit,
		ErrorHandler: func(err error, path string) {
			logger.Error("Bundle watch error", "file", path, "error", err)
		},
	})
	return w, nil
}

// Start watches every registered bundle and starts polling.
func (w *BundleWatcher) Start() error {
	if !w.running.CompareAndSwap(false, true) {
		return NewConfigWatcherError("bundle watcher is already running", nil)
	}
	if err := w.Sync(); err != nil {
		w.running.Store(false)
		return err
	}
	if err := w.watcher.Start(); err != nil {
		w.running.Store(false)
		return NewConfigWatcherError("failed to start file watcher", err)
	}
	w.logger.Info("Bundle watcher started", "bundles", w.Watched(), "poll_interval", w.options.PollInterval)
	return nil
}

// Sync adds a watch for every registered plugin not yet watched. Call it
// after LoadAll picks up new bundles.
func (w *BundleWatcher) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, info := range w.orch.List() {
		if info.MetadataPath == "" {
			continue
		}
		if _, ok := w.watched[info.MetadataPath]; ok {
			continue
		}
		id := info.ID
		err := w.watcher.Watch(info.MetadataPath, func(event argus.ChangeEvent) {
			w.handleChange(id, event)
		})
		if err != nil {
			return NewConfigWatcherError("failed to watch "+info.MetadataPath, err)
		}
		w.watched[info.MetadataPath] = id
	}
	return nil
}

// Watched returns the number of watched metadata files.
func (w *BundleWatcher) Watched() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

// Reloads returns how many reloads the watcher has triggered.
func (w *BundleWatcher) Reloads() int64 { return w.reloads.Load() }

func (w *BundleWatcher) handleChange(id string, event argus.ChangeEvent) {
	if event.IsDelete {
		w.logger.Warn("Plugin metadata removed, keeping the running instance", "plugin", id, "path", event.Path)
		return
	}
	w.logger.Info("Plugin metadata changed", "plugin", id, "path", event.Path)

	ctx := context.Background()
	if w.options.ReloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.options.ReloadTimeout)
		defer cancel()
	}
	w.reloads.Add(1)
	if err := w.orch.Reload(ctx, id); err != nil {
		w.logger.Error("Hot reload failed", "plugin", id, "error", err)
		return
	}
	w.logger.Info("Plugin hot reloaded", "plugin", id)
}

// Stop stops polling. Stopping a watcher that is not running is a no-op.
func (w *BundleWatcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	if err := w.watcher.Stop(); err != nil {
		return NewConfigWatcherError("failed to stop file watcher", err)
	}
	w.logger.Info("Bundle watcher stopped")
	return nil
}
