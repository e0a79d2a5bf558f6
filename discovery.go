// discovery.go: Bundle discovery in the plugins directory
//
// Every direct subdirectory of the plugins directory holding a descriptor
// file is a bundle. Bundles with unreadable, invalid or duplicate
// descriptors are rejected and logged; they never fail the scan as a whole.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	timecache "github.com/agilira/go-timecache"
)

// DiscoveredBundle is a bundle that passed discovery.
type DiscoveredBundle struct {
	Descriptor   *Descriptor
	BundleDir    string
	DataDir      string
	MetadataPath string
	DiscoveredAt time.Time
}

// ScanRejection records a bundle excluded by a scan.
type ScanRejection struct {
	BundleDir string
	Err       error
}

// ScanResult is the outcome of scanning the plugins directory.
type ScanResult struct {
	// Bundles are sorted by plugin id.
	Bundles  []DiscoveredBundle
	Rejected []ScanRejection
}

// Descriptors returns the descriptors of the accepted bundles.
func (r ScanResult) Descriptors() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.Bundles))
	for _, b := range r.Bundles {
		out = append(out, b.Descriptor)
	}
	return out
}

// Scanner discovers bundles and prepares their data directories.
type Scanner struct {
	pluginsDir string
	dataDir    string
	logger     Logger
}

// NewScanner creates a scanner. Each accepted plugin gets
// <dataDir>/<id> created.
func NewScanner(pluginsDir, dataDir string, logger Logger) *Scanner {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &Scanner{pluginsDir: pluginsDir, dataDir: dataDir, logger: logger}
}

// PluginsDir returns the scanned directory.
func (s *Scanner) PluginsDir() string { return s.pluginsDir }

// Scan walks the plugins directory. A missing directory is created and
// yields an empty result. Among bundles declaring the same id, the first
// in directory-name order wins.
func (s *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	var result ScanResult
	if err := os.MkdirAll(s.pluginsDir, 0750); err != nil {
		return result, NewBundleDirUnavailableError(s.pluginsDir, err)
	}
	entries, err := os.ReadDir(s.pluginsDir)
	if err != nil {
		return result, NewBundleDirUnavailableError(s.pluginsDir, err)
	}

	seen := make(map[string]string)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(s.pluginsDir, entry.Name())
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}

		bundle, err := s.ScanBundle(dir)
		if err != nil {
			if IsErrorCode(err, ErrCodeMetadataNotFound) {
				s.logger.Debug("Directory has no plugin descriptor", "dir", dir)
				continue
			}
			result.Rejected = append(result.Rejected, ScanRejection{BundleDir: dir, Err: err})
			s.logger.Error("Plugin bundle rejected", "dir", dir, "error", err)
			continue
		}

		id := bundle.Descriptor.ID
		if existing, dup := seen[id]; dup {
			err := NewDuplicatePluginIDError(id, dir, existing)
			result.Rejected = append(result.Rejected, ScanRejection{BundleDir: dir, Err: err})
			s.logger.Error("Plugin bundle rejected", "dir", dir, "plugin", id, "error", err)
			continue
		}
		seen[id] = dir
		result.Bundles = append(result.Bundles, bundle)
	}

	sort.Slice(result.Bundles, func(i, j int) bool {
		return result.Bundles[i].Descriptor.ID < result.Bundles[j].Descriptor.ID
	})
	s.logger.Info("Plugin scan complete",
		"dir", s.pluginsDir, "bundles", len(result.Bundles), "rejected", len(result.Rejected))
	return result, nil
}

// ScanBundle reads and validates one bundle and creates its data directory.
func (s *Scanner) ScanBundle(dir string) (DiscoveredBundle, error) {
	desc, path, err := ReadDescriptor(dir)
	if err != nil {
		return DiscoveredBundle{}, err
	}
	if err := desc.Validate(); err != nil {
		return DiscoveredBundle{}, err
	}

	dataDir := filepath.Join(s.dataDir, desc.ID)
	if rel, err := filepath.Rel(s.dataDir, dataDir); err != nil || rel != desc.ID || rel == "." {
		return DiscoveredBundle{}, NewUnsafePluginIDError(desc.ID, "data directory escapes the data root")
	}
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return DiscoveredBundle{}, NewBundleDirUnavailableError(dataDir, err)
	}

	return DiscoveredBundle{
		Descriptor:   desc,
		BundleDir:    dir,
		DataDir:      dataDir,
		MetadataPath: path,
		DiscoveredAt: timecache.CachedTime(),
	}, nil
}
