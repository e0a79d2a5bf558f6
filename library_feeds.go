// library_feeds.go: Package feeds the library fetcher stages artifacts from
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// maxPackageSize bounds a downloaded library package.
const maxPackageSize = 64 << 20

// LibraryFeed is a source of versioned library packages. A package is a zip
// archive whose artifacts live under lib/<target>/<file>.
type LibraryFeed interface {
	// Name identifies the feed in logs and errors.
	Name() string
	// Versions lists the versions the feed offers for a library. A library
	// the feed does not know yields an empty list, not an error.
	Versions(ctx context.Context, library string) ([]Version, error)
	// Download returns the package bytes of library@version.
	Download(ctx context.Context, library string, version Version) ([]byte, error)
}

// DirectoryFeed serves packages named <library>.<version>.zip from a local
// directory.
type DirectoryFeed struct {
	name string
	dir  string
}

// NewDirectoryFeed creates a feed over dir.
func NewDirectoryFeed(name, dir string) *DirectoryFeed {
	if name == "" {
		name = dir
	}
	return &DirectoryFeed{name: name, dir: dir}
}

// Name implements LibraryFeed.
func (f *DirectoryFeed) Name() string { return f.name }

// Versions implements LibraryFeed.
func (f *DirectoryFeed) Versions(ctx context.Context, library string) ([]Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, NewFeedError(f.name, err)
	}

	prefix := strings.ToLower(library) + "."
	var versions []Version
	for _, e := range entries {
		lower := strings.ToLower(e.Name())
		if e.IsDir() || !strings.HasPrefix(lower, prefix) || !strings.HasSuffix(lower, ".zip") {
			continue
		}
		middle := e.Name()[len(prefix) : len(e.Name())-len(".zip")]
		if v, err := ParseVersion(middle); err == nil {
			versions = append(versions, v)
		}
	}
	return versions, nil
}

// Download implements LibraryFeed.
func (f *DirectoryFeed) Download(ctx context.Context, library string, version Version) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(f.dir, fmt.Sprintf("%s.%s.zip", library, version.Original))
	data, err := os.ReadFile(path) // #nosec G304 - library names are validated by the descriptor
	if err != nil {
		return nil, NewFeedError(f.name, err).WithContext("package", path)
	}
	return data, nil
}

// HTTPFeed serves packages from a flat-container HTTP layout:
//
//	{base}/{library}/index.json               {"versions": ["1.0.0", ...]}
//	{base}/{library}/{version}/{library}.{version}.zip
//
// Library names are lower-cased in URLs. When a credential source and key
// are configured, requests carry a bearer token.
type HTTPFeed struct {
	name          string
	baseURL       string
	client        *http.Client
	credentials   CredentialSource
	credentialKey string
}

// HTTPFeedOption customizes an HTTPFeed.
type HTTPFeedOption func(*HTTPFeed)

// WithHTTPClient sets the client used for feed requests.
func WithHTTPClient(client *http.Client) HTTPFeedOption {
	return func(f *HTTPFeed) { f.client = client }
}

// WithFeedCredentials authenticates requests with the token stored under key.
func WithFeedCredentials(source CredentialSource, key string) HTTPFeedOption {
	return func(f *HTTPFeed) {
		f.credentials = source
		f.credentialKey = key
	}
}

// NewHTTPFeed creates a feed rooted at baseURL.
func NewHTTPFeed(name, baseURL string, opts ...HTTPFeedOption) *HTTPFeed {
	f := &HTTPFeed{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	if f.name == "" {
		f.name = f.baseURL
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Name implements LibraryFeed.
func (f *HTTPFeed) Name() string { return f.name }

type feedIndex struct {
	Versions []string `json:"versions"`
}

// Versions implements LibraryFeed.
func (f *HTTPFeed) Versions(ctx context.Context, library string) ([]Version, error) {
	endpoint := fmt.Sprintf("%s/%s/index.json", f.baseURL, url.PathEscape(strings.ToLower(library)))
	body, status, err := f.get(ctx, endpoint, 1<<20)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}

	var index feedIndex
	if err := json.Unmarshal(body, &index); err != nil {
		return nil, NewFeedError(f.name, err).WithContext("url", endpoint)
	}
	versions := make([]Version, 0, len(index.Versions))
	for _, raw := range index.Versions {
		if v, err := ParseVersion(raw); err == nil {
			versions = append(versions, v)
		}
	}
	return versions, nil
}

// Download implements LibraryFeed.
func (f *HTTPFeed) Download(ctx context.Context, library string, version Version) ([]byte, error) {
	lower := strings.ToLower(library)
	ver := strings.ToLower(version.Original)
	endpoint := fmt.Sprintf("%s/%s/%s/%s.%s.zip", f.baseURL,
		url.PathEscape(lower), url.PathEscape(ver), url.PathEscape(lower), url.PathEscape(ver))
	body, status, err := f.get(ctx, endpoint, maxPackageSize)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, NewArtifactNotFoundError(library, endpoint)
	}
	return body, nil
}

// get performs an authenticated GET. A 404 is returned as a status, any
// other non-2xx status as a feed error.
func (f *HTTPFeed) get(ctx context.Context, endpoint string, limit int64) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, NewFeedError(f.name, err)
	}
	if f.credentials != nil && f.credentialKey != "" {
		token, err := f.credentials.Token(f.credentialKey)
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, NewFeedError(f.name, err).WithContext("url", endpoint)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, NewFeedError(f.name, fmt.Errorf("unexpected status %d", resp.StatusCode)).
			WithContext("url", endpoint)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, resp.StatusCode, NewFeedError(f.name, err).WithContext("url", endpoint)
	}
	if int64(len(body)) > limit {
		return nil, resp.StatusCode, NewFeedError(f.name, fmt.Errorf("response exceeds %d bytes", limit)).
			WithContext("url", endpoint)
	}
	return body, resp.StatusCode, nil
}

// bestVersion returns the highest version satisfying rng, preferring stable
// releases over prereleases.
func bestVersion(versions []Version, rng VersionRange) (Version, bool) {
	var matching []Version
	for _, v := range versions {
		if rng.Contains(v) {
			matching = append(matching, v)
		}
	}
	if len(matching) == 0 {
		return Version{}, false
	}
	sort.Slice(matching, func(i, j int) bool { return matching[i].Compare(matching[j]) > 0 })
	for _, v := range matching {
		if !v.IsPrerelease() {
			return v, true
		}
	}
	return matching[0], true
}
