// testing_helpers_test.go: Shared fixtures for plugin host tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// testDescriptor returns a minimal valid descriptor bound to a builtin entry
// named after the plugin.
func testDescriptor(id, version string) *Descriptor {
	return &Descriptor{
		ID:      id,
		Name:    id,
		Version: version,
		Main:    "builtin:" + id,
	}
}

// writeBundle writes desc as plugin.json into <pluginsDir>/<dirName> along
// with any extra files (relative path -> content).
func writeBundle(t *testing.T, pluginsDir, dirName string, desc *Descriptor, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(pluginsDir, dirName)
	if err := os.MkdirAll(dir, 0750); err != nil {
		t.Fatalf("Failed to create bundle dir: %v", err)
	}
	if desc != nil {
		data, err := json.MarshalIndent(desc, "", "  ")
		if err != nil {
			t.Fatalf("Failed to marshal descriptor: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "plugin.json"), data, 0600); err != nil {
			t.Fatalf("Failed to write descriptor: %v", err)
		}
	}
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			t.Fatalf("Failed to create dir for %s: %v", rel, err)
		}
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatalf("Failed to write %s: %v", rel, err)
		}
	}
	return dir
}

// hookJournal records lifecycle calls across plugins in call order.
type hookJournal struct {
	mu      sync.Mutex
	entries []string
}

func (j *hookJournal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *hookJournal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// stubPlugin is a builtin plugin whose hooks record into a journal and can
// be made to fail.
type stubPlugin struct {
	id      string
	journal *hookJournal
	pctx    *PluginContext

	mu        sync.Mutex
	failHooks map[string]error
	state     any
	restored  any
	onEnable  func(pctx *PluginContext) error
}

func newStubPlugin(id string, journal *hookJournal) *stubPlugin {
	return &stubPlugin{id: id, journal: journal, failHooks: make(map[string]error)}
}

func (s *stubPlugin) failOn(hook string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failHooks[hook] = err
}

func (s *stubPlugin) hook(name string) error {
	if s.journal != nil {
		s.journal.add(s.id + ":" + name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failHooks[name]
}

func (s *stubPlugin) Attach(pctx *PluginContext) { s.pctx = pctx }

func (s *stubPlugin) OnLoad(ctx context.Context) error { return s.hook("load") }

func (s *stubPlugin) OnEnable(ctx context.Context) error {
	if err := s.hook("enable"); err != nil {
		return err
	}
	if s.onEnable != nil {
		return s.onEnable(s.pctx)
	}
	return nil
}

func (s *stubPlugin) OnDisable(ctx context.Context) error { return s.hook("disable") }

func (s *stubPlugin) OnUnload(ctx context.Context) error { return s.hook("unload") }

func (s *stubPlugin) SaveState(ctx context.Context) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *stubPlugin) RestoreState(ctx context.Context, state any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restored = state
	return nil
}

var errStubHook = errors.New("stub hook failure")
