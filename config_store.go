// config_store.go: Per-plugin configuration files under the plugin data directory
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	goerrors "github.com/agilira/go-errors"
	"gopkg.in/yaml.v3"
)

// ConfigStore loads and saves a plugin's configuration documents. Documents
// are addressed by file name; the extension picks the format (.json, .yaml
// or .yml, defaulting to .yaml when absent). Raw contents are cached after
// the first read.
//
// Example usage:
//
//	type settings struct {
//	    StartingBalance int `yaml:"starting_balance" json:"starting_balance"`
//	}
//	var s settings
//	err := pctx.Config().LoadOrDefault("config", &s, settings{StartingBalance: 100})
type ConfigStore struct {
	dir    string
	logger Logger

	mu    sync.Mutex
	cache map[string][]byte
}

// NewConfigStore creates a store rooted at dir.
func NewConfigStore(dir string, logger Logger) *ConfigStore {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &ConfigStore{dir: dir, logger: logger, cache: make(map[string][]byte)}
}

// Dir returns the directory documents are stored in.
func (s *ConfigStore) Dir() string { return s.dir }

func (s *ConfigStore) resolve(name string) (string, string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") || strings.Contains(name, "\x00") {
		return "", "", NewPathTraversalError(name)
	}
	if filepath.Ext(name) == "" {
		name += ".yaml"
	}
	return name, filepath.Join(s.dir, name), nil
}

func isJSONName(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".json")
}

func encodeConfig(name string, v any) ([]byte, error) {
	if isJSONName(name) {
		return json.MarshalIndent(v, "", "  ")
	}
	return yaml.Marshal(v)
}

func decodeConfig(name string, data []byte, out any) error {
	if isJSONName(name) {
		return json.Unmarshal(data, out)
	}
	return yaml.Unmarshal(data, out)
}

// Exists reports whether the named document is present on disk.
func (s *ConfigStore) Exists(name string) bool {
	_, path, err := s.resolve(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Load decodes the named document into out.
func (s *ConfigStore) Load(name string, out any) error {
	file, path, err := s.resolve(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	data, cached := s.cache[file]
	s.mu.Unlock()

	if !cached {
		data, err = os.ReadFile(path) // #nosec G304 - name is validated by resolve
		if err != nil {
			if os.IsNotExist(err) {
				return NewConfigNotFoundError(path)
			}
			return NewConfigStoreError(filepath.Base(s.dir), file, err)
		}
		s.mu.Lock()
		s.cache[file] = data
		s.mu.Unlock()
	}

	if err := decodeConfig(file, data, out); err != nil {
		return NewConfigParseError(path, err)
	}
	return nil
}

// LoadOrDefault loads the named document, writing defaults to disk first
// when it does not exist yet.
func (s *ConfigStore) LoadOrDefault(name string, out any, defaults any) error {
	err := s.Load(name, out)
	if err == nil || !IsErrorCode(err, ErrCodeConfigNotFound) {
		return err
	}
	if err := s.Save(name, defaults); err != nil {
		return err
	}
	s.logger.Info("Wrote default plugin configuration", "file", name)
	return s.Load(name, out)
}

// Save encodes v and writes it to the named document.
func (s *ConfigStore) Save(name string, v any) error {
	file, path, err := s.resolve(name)
	if err != nil {
		return err
	}
	data, err := encodeConfig(file, v)
	if err != nil {
		return goerrors.Wrap(err, ErrCodeSerialization, "failed to encode plugin configuration").
			WithContext("file", file)
	}
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return NewConfigStoreError(filepath.Base(s.dir), file, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return NewConfigStoreError(filepath.Base(s.dir), file, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return NewConfigStoreError(filepath.Base(s.dir), file, err)
	}

	s.mu.Lock()
	s.cache[file] = data
	s.mu.Unlock()
	return nil
}

// Delete removes the named document.
func (s *ConfigStore) Delete(name string) error {
	file, path, err := s.resolve(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, file)
	s.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return NewConfigStoreError(filepath.Base(s.dir), file, err)
	}
	return nil
}

// Invalidate drops every cached document so the next Load reads the disk.
func (s *ConfigStore) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]byte)
}
