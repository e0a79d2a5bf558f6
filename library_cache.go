// library_cache.go: Process-wide cache of staged shared-library artifacts
//
// Staged artifacts live under <library_dir>/<name>/<version>/<file>. The
// index mapping a library name to its artifacts is append-only: staging a
// library again records a new entry and the most recent entry wins. The
// index is kept in memory by default or in SQLite when it should survive
// host restarts.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	timecache "github.com/agilira/go-timecache"
	_ "modernc.org/sqlite"
)

// CachedLibrary is one staged artifact.
type CachedLibrary struct {
	Name     string
	Version  string
	Target   string
	Path     string
	StagedAt time.Time
}

// CacheIndex records staged artifacts. Implementations must be safe for
// concurrent use.
type CacheIndex interface {
	Record(ctx context.Context, lib CachedLibrary) error
	Latest(ctx context.Context, name string) (CachedLibrary, bool, error)
	All(ctx context.Context) ([]CachedLibrary, error)
	Close() error
}

// memoryCacheIndex is the default in-process index.
type memoryCacheIndex struct {
	mu      sync.RWMutex
	entries []CachedLibrary
}

// NewMemoryCacheIndex creates an empty in-memory index.
func NewMemoryCacheIndex() CacheIndex {
	return &memoryCacheIndex{}
}

func (m *memoryCacheIndex) Record(_ context.Context, lib CachedLibrary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, lib)
	return nil
}

func (m *memoryCacheIndex) Latest(_ context.Context, name string) (CachedLibrary, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Name == name {
			return m.entries[i], true, nil
		}
	}
	return CachedLibrary{}, false, nil
}

func (m *memoryCacheIndex) All(_ context.Context) ([]CachedLibrary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]CachedLibrary(nil), m.entries...), nil
}

func (m *memoryCacheIndex) Close() error { return nil }

const sqliteCacheSchema = `
CREATE TABLE IF NOT EXISTS library_cache (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	name      TEXT    NOT NULL,
	version   TEXT    NOT NULL,
	target    TEXT    NOT NULL,
	path      TEXT    NOT NULL,
	staged_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_library_cache_name ON library_cache (name, seq);
`

// SQLiteCacheIndex persists the cache index in a SQLite database.
type SQLiteCacheIndex struct {
	db *sql.DB
}

// OpenSQLiteCacheIndex opens (creating if needed) the index database at path.
func OpenSQLiteCacheIndex(path string) (*SQLiteCacheIndex, error) {
	if strings.TrimSpace(path) == "" {
		return nil, NewCacheIndexError("database path is required", nil)
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0750); err != nil {
		return nil, NewCacheIndexError("create index directory", err)
	}
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, NewCacheIndexError("open database", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, NewCacheIndexError("ping database", err)
	}
	if _, err := db.Exec(sqliteCacheSchema); err != nil {
		_ = db.Close()
		return nil, NewCacheIndexError("apply schema", err)
	}
	return &SQLiteCacheIndex{db: db}, nil
}

// Record appends an entry.
func (s *SQLiteCacheIndex) Record(ctx context.Context, lib CachedLibrary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO library_cache (name, version, target, path, staged_at) VALUES (?, ?, ?, ?, ?)`,
		lib.Name, lib.Version, lib.Target, lib.Path, lib.StagedAt.UTC().UnixMilli())
	if err != nil {
		return NewCacheIndexError("record "+lib.Name, err)
	}
	return nil
}

// Latest returns the most recently recorded entry for name.
func (s *SQLiteCacheIndex) Latest(ctx context.Context, name string) (CachedLibrary, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, version, target, path, staged_at FROM library_cache WHERE name = ? ORDER BY seq DESC LIMIT 1`,
		name)
	lib, err := scanCachedLibrary(row.Scan)
	if err == sql.ErrNoRows {
		return CachedLibrary{}, false, nil
	}
	if err != nil {
		return CachedLibrary{}, false, NewCacheIndexError("lookup "+name, err)
	}
	return lib, true, nil
}

// All returns every entry in recording order.
func (s *SQLiteCacheIndex) All(ctx context.Context) ([]CachedLibrary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, version, target, path, staged_at FROM library_cache ORDER BY seq`)
	if err != nil {
		return nil, NewCacheIndexError("list entries", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CachedLibrary
	for rows.Next() {
		lib, err := scanCachedLibrary(rows.Scan)
		if err != nil {
			return nil, NewCacheIndexError("scan entry", err)
		}
		out = append(out, lib)
	}
	if err := rows.Err(); err != nil {
		return nil, NewCacheIndexError("list entries", err)
	}
	return out, nil
}

// Close closes the database handle.
func (s *SQLiteCacheIndex) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanCachedLibrary(scan func(dest ...any) error) (CachedLibrary, error) {
	var lib CachedLibrary
	var stagedAt int64
	if err := scan(&lib.Name, &lib.Version, &lib.Target, &lib.Path, &stagedAt); err != nil {
		return CachedLibrary{}, err
	}
	lib.StagedAt = time.UnixMilli(stagedAt).UTC()
	return lib, nil
}

// LibraryCache is the shared-library cache consulted first by every
// isolation boundary.
type LibraryCache struct {
	dir    string
	index  CacheIndex
	logger Logger
}

// NewLibraryCache creates a cache rooted at dir. A nil index selects an
// in-memory index seeded from the artifacts already present under dir.
func NewLibraryCache(dir string, index CacheIndex, logger Logger) (*LibraryCache, error) {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, NewCacheIndexError("create library directory", err)
	}
	c := &LibraryCache{dir: dir, index: index, logger: logger}
	if index == nil {
		c.index = NewMemoryCacheIndex()
		c.seedFromDisk()
	}
	return c, nil
}

// seedFromDisk records artifacts staged by earlier runs. Versions are
// recorded in ascending order so the newest one wins.
func (c *LibraryCache) seedFromDisk() {
	names, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	for _, nameEntry := range names {
		if !nameEntry.IsDir() {
			continue
		}
		name := nameEntry.Name()
		versionEntries, err := os.ReadDir(filepath.Join(c.dir, name))
		if err != nil {
			continue
		}
		var versions []Version
		for _, ve := range versionEntries {
			if v, err := ParseVersion(ve.Name()); ve.IsDir() && err == nil {
				versions = append(versions, v)
			}
		}
		sort.Slice(versions, func(i, j int) bool { return versions[i].Compare(versions[j]) < 0 })
		for _, v := range versions {
			vdir := filepath.Join(c.dir, name, v.Original)
			files, err := os.ReadDir(vdir)
			if err != nil {
				continue
			}
			for _, f := range files {
				if f.IsDir() || moduleBaseName(f.Name()) != name {
					continue
				}
				info, _ := f.Info()
				staged := timecache.CachedTime()
				if info != nil {
					staged = info.ModTime()
				}
				_ = c.index.Record(context.Background(), CachedLibrary{
					Name: name, Version: v.Original, Target: targetOfFile(f.Name()),
					Path: filepath.Join(vdir, f.Name()), StagedAt: staged,
				})
			}
		}
	}
}

// Dir returns the cache root.
func (c *LibraryCache) Dir() string { return c.dir }

// StagingDir returns the directory artifacts of name@version are staged in.
func (c *LibraryCache) StagingDir(name, version string) string {
	return filepath.Join(c.dir, name, version)
}

// Lookup returns the latest staged artifact of name whose file still exists.
func (c *LibraryCache) Lookup(name string) (CachedLibrary, bool) {
	lib, ok, err := c.index.Latest(context.Background(), name)
	if err != nil {
		c.logger.Warn("Library cache lookup failed", "library", name, "error", err)
		return CachedLibrary{}, false
	}
	if !ok {
		return CachedLibrary{}, false
	}
	if _, err := os.Stat(lib.Path); err != nil {
		return CachedLibrary{}, false
	}
	return lib, true
}

// LookupMatching returns the most recently staged artifact of name whose
// version lies in rng and whose file still exists.
func (c *LibraryCache) LookupMatching(name string, rng VersionRange) (CachedLibrary, bool) {
	all, err := c.index.All(context.Background())
	if err != nil {
		c.logger.Warn("Library cache lookup failed", "library", name, "error", err)
		return CachedLibrary{}, false
	}
	for i := len(all) - 1; i >= 0; i-- {
		lib := all[i]
		if lib.Name != name {
			continue
		}
		v, err := ParseVersion(lib.Version)
		if err != nil || !rng.Contains(v) {
			continue
		}
		if _, err := os.Stat(lib.Path); err != nil {
			continue
		}
		return lib, true
	}
	return CachedLibrary{}, false
}

// Exists reports whether any version of name is staged. The lookup is by
// name only.
func (c *LibraryCache) Exists(name string) bool {
	_, ok := c.Lookup(name)
	return ok
}

// Record adds a staged artifact to the index.
func (c *LibraryCache) Record(ctx context.Context, lib CachedLibrary) error {
	if lib.StagedAt.IsZero() {
		lib.StagedAt = timecache.CachedTime()
	}
	if err := c.index.Record(ctx, lib); err != nil {
		return err
	}
	c.logger.Debug("Library staged", "library", lib.Name, "version", lib.Version, "path", lib.Path)
	return nil
}

// Entries returns the latest entry of every cached library, sorted by name.
func (c *LibraryCache) Entries() []CachedLibrary {
	all, err := c.index.All(context.Background())
	if err != nil {
		c.logger.Warn("Library cache listing failed", "error", err)
		return nil
	}
	latest := make(map[string]CachedLibrary)
	for _, lib := range all {
		latest[lib.Name] = lib
	}
	out := make([]CachedLibrary, 0, len(latest))
	for _, lib := range latest {
		out = append(out, lib)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close releases the index.
func (c *LibraryCache) Close() error {
	return c.index.Close()
}

// moduleBaseName strips the extension of an artifact file name.
func moduleBaseName(file string) string {
	return strings.TrimSuffix(file, filepath.Ext(file))
}

// targetOfFile infers the runtime target of an artifact from its extension.
func targetOfFile(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".lua":
		return "lua"
	case ".wasm":
		return "wasm"
	}
	return "any"
}
