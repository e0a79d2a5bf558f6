// library_fetcher.go: Staging shared libraries from feeds into the cache
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxArtifactSize bounds a single extracted artifact.
const maxArtifactSize = 32 << 20

// DefaultTargetPriority is the artifact target preference when none is
// configured.
var DefaultTargetPriority = []string{"lua", "wasm", "any"}

// FetcherConfig tunes the library fetcher.
type FetcherConfig struct {
	// TargetPriority orders the lib/<target>/ directories of a package.
	TargetPriority []string
	// MaxParallel bounds FetchAll concurrency.
	MaxParallel int
	// Timeout bounds a single Fetch, zero means no timeout.
	Timeout time.Duration
}

// LibraryFetcher stages missing shared libraries from its feeds.
type LibraryFetcher struct {
	cache  *LibraryCache
	feeds  []LibraryFeed
	config FetcherConfig
	logger Logger
}

// NewLibraryFetcher creates a fetcher. Feeds are queried in slice order.
func NewLibraryFetcher(cache *LibraryCache, feeds []LibraryFeed, config FetcherConfig, logger Logger) *LibraryFetcher {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	if len(config.TargetPriority) == 0 {
		config.TargetPriority = DefaultTargetPriority
	}
	if config.MaxParallel <= 0 {
		config.MaxParallel = 4
	}
	return &LibraryFetcher{cache: cache, feeds: feeds, config: config, logger: logger}
}

// Exists reports whether any version of the library is already staged.
func (f *LibraryFetcher) Exists(name string) bool {
	return f.cache.Exists(name)
}

// Fetch stages dep into the cache and returns the staged artifact. The first
// feed offering a version inside the dependency's effective range is used.
func (f *LibraryFetcher) Fetch(ctx context.Context, dep LibraryDependency) (lib CachedLibrary, err error) {
	ctx, span := startSpan(ctx, "pluginhost.library.fetch", libraryAttr(dep.Name))
	defer func() { finishSpan(span, err) }()

	if f.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.config.Timeout)
		defer cancel()
	}

	rng, err := ParseVersionRange(dep.EffectiveVersion())
	if err != nil {
		return CachedLibrary{}, err
	}

	if cached, ok := f.cache.LookupMatching(dep.Name, rng); ok {
		return cached, nil
	}

	for _, feed := range f.feeds {
		versions, verr := feed.Versions(ctx, dep.Name)
		if verr != nil {
			f.logger.Warn("Library feed lookup failed", "feed", feed.Name(), "library", dep.Name, "error", verr)
			continue
		}
		best, ok := bestVersion(versions, rng)
		if !ok {
			continue
		}

		data, derr := feed.Download(ctx, dep.Name, best)
		if derr != nil {
			f.logger.Warn("Library download failed", "feed", feed.Name(), "library", dep.Name, "version", best.Original, "error", derr)
			continue
		}

		staged, xerr := f.extract(ctx, dep.Name, best, data)
		if xerr != nil {
			return CachedLibrary{}, xerr
		}
		f.logger.Info("Shared library staged",
			"library", dep.Name, "version", staged.Version, "feed", feed.Name(), "target", staged.Target)
		return staged, nil
	}

	nerr := NewNoMatchingVersionError(dep.Name, rng.String())
	if dep.Optional {
		nerr = nerr.WithSeverity("warning")
	}
	return CachedLibrary{}, nerr
}

// FetchAll stages every dependency whose effective version is not staged yet,
// with bounded concurrency, and reports success per library name. Optional
// dependencies are skipped and reported as successful. A staged version
// outside the effective range does not count.
func (f *LibraryFetcher) FetchAll(ctx context.Context, deps []LibraryDependency) map[string]bool {
	errs := f.fetchAll(ctx, deps)
	out := make(map[string]bool, len(errs))
	for name, err := range errs {
		out[name] = err == nil
	}
	return out
}

// fetchAll is FetchAll returning the failure of each library.
func (f *LibraryFetcher) fetchAll(ctx context.Context, deps []LibraryDependency) map[string]error {
	results := make(map[string]error)
	var mu sync.Mutex
	var pending []LibraryDependency

	for _, dep := range deps {
		if _, seen := results[dep.Name]; seen {
			continue
		}
		results[dep.Name] = nil
		if dep.Optional {
			continue
		}
		pending = append(pending, dep)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.config.MaxParallel)
	for _, dep := range pending {
		g.Go(func() error {
			defer withStackRecover(f.logger)()
			_, err := f.Fetch(gctx, dep)
			if err != nil {
				f.logger.Error("Shared library fetch failed", "library", dep.Name, "error", err)
			}
			mu.Lock()
			results[dep.Name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

type packageArtifact struct {
	target string
	file   string
	entry  *zip.File
}

// extract stages the artifact named after library from a package, then
// stages co-located artifacts that are not cached yet.
func (f *LibraryFetcher) extract(ctx context.Context, library string, version Version, data []byte) (CachedLibrary, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return CachedLibrary{}, NewArtifactExtractError(library, err)
	}

	byTarget := make(map[string][]packageArtifact)
	var targetOrder []string
	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		parts := strings.Split(path.Clean(entry.Name), "/")
		if len(parts) != 3 || parts[0] != "lib" || parts[2] == ".." || parts[1] == ".." {
			continue
		}
		target := strings.ToLower(parts[1])
		if _, seen := byTarget[target]; !seen {
			targetOrder = append(targetOrder, target)
		}
		byTarget[target] = append(byTarget[target], packageArtifact{target: target, file: parts[2], entry: entry})
	}

	primaryIn := func(target string) (packageArtifact, bool) {
		for _, a := range byTarget[target] {
			if strings.EqualFold(moduleBaseName(a.file), library) {
				return a, true
			}
		}
		return packageArtifact{}, false
	}

	var chosen packageArtifact
	found := false
	for _, target := range f.config.TargetPriority {
		if a, ok := primaryIn(strings.ToLower(target)); ok {
			chosen, found = a, true
			break
		}
	}
	if !found {
		for _, target := range targetOrder {
			if a, ok := primaryIn(target); ok {
				chosen, found = a, true
				f.logger.Warn("No artifact for a preferred target, using fallback",
					"library", library, "target", target, "preferred", f.config.TargetPriority)
				break
			}
		}
	}
	if !found {
		return CachedLibrary{}, NewArtifactNotFoundError(library, library+"."+version.Original+".zip")
	}

	staged, err := f.stage(ctx, library, version, chosen)
	if err != nil {
		return CachedLibrary{}, err
	}

	for _, a := range byTarget[chosen.target] {
		other := moduleBaseName(a.file)
		if strings.EqualFold(other, library) || f.cache.Exists(other) {
			continue
		}
		if _, err := f.stage(ctx, other, version, a); err != nil {
			f.logger.Warn("Co-located artifact not staged", "library", other, "package", library, "error", err)
		}
	}
	return staged, nil
}

// stage writes one artifact into the cache and records it.
func (f *LibraryFetcher) stage(ctx context.Context, name string, version Version, a packageArtifact) (CachedLibrary, error) {
	dir := f.cache.StagingDir(name, version.Original)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return CachedLibrary{}, NewArtifactExtractError(name, err)
	}
	dest := filepath.Join(dir, a.file)

	rc, err := a.entry.Open()
	if err != nil {
		return CachedLibrary{}, NewArtifactExtractError(name, err)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640) // #nosec G304 - dest is built from validated parts
	if err != nil {
		return CachedLibrary{}, NewArtifactExtractError(name, err)
	}
	n, err := io.Copy(out, io.LimitReader(rc, maxArtifactSize+1))
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n > maxArtifactSize {
		err = NewArtifactExtractError(name, nil).WithContext("reason", "artifact too large")
	}
	if err != nil {
		_ = os.Remove(dest)
		return CachedLibrary{}, NewArtifactExtractError(name, err)
	}

	lib := CachedLibrary{Name: name, Version: version.Original, Target: a.target, Path: dest}
	if err := f.cache.Record(ctx, lib); err != nil {
		return CachedLibrary{}, err
	}
	lib, _ = f.cache.Lookup(name)
	return lib, nil
}
