// host_config.go: Host configuration loading and host assembly
//
// A HostConfig is built in layers: DefaultHostConfig, then an optional
// YAML or JSON file with ${VAR} and ${VAR:-default} placeholders expanded,
// then PLUGINHOST_* environment variables.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/agilira/argus"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadHostConfig.
const EnvPrefix = "PLUGINHOST_"

const maxHostConfigSize = 1 << 20

// FeedConfig declares one library feed. Exactly one of URL and Path is set.
type FeedConfig struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url,omitempty" json:"url,omitempty"`
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	// Credential is the keyring key holding the feed's bearer token.
	Credential string `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// DependencyConfig controls shared library management.
type DependencyConfig struct {
	Enabled            bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	AutoDownload       bool          `yaml:"auto_download" json:"auto_download" env:"AUTO_DOWNLOAD"`
	ConflictStrategy   string        `yaml:"conflict_strategy" json:"conflict_strategy" env:"CONFLICT_STRATEGY"`
	ShowConflictReport bool          `yaml:"show_conflict_report" json:"show_conflict_report" env:"SHOW_CONFLICT_REPORT"`
	TargetPriority     []string      `yaml:"target_priority" json:"target_priority" env:"TARGET_PRIORITY" envSeparator:","`
	Feeds              []FeedConfig  `yaml:"feeds" json:"feeds"`
	Timeout            time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
	MaxParallel        int           `yaml:"max_parallel" json:"max_parallel" env:"MAX_PARALLEL"`
	// CacheIndex is "memory" or "sqlite".
	CacheIndex string `yaml:"cache_index" json:"cache_index" env:"CACHE_INDEX"`
	// KeyringService names the keyring holding feed credentials.
	KeyringService string `yaml:"keyring_service" json:"keyring_service" env:"KEYRING_SERVICE"`
}

// HotReloadConfig controls the bundle watcher.
type HotReloadConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" env:"POLL_INTERVAL"`
}

// LuaConfig tunes the lua: runtime.
type LuaConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout" env:"CALL_TIMEOUT"`
}

// WasmConfig tunes the wasm: runtime.
type WasmConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout" env:"CALL_TIMEOUT"`
}

// ExecRuntimeConfig tunes the exec: runtime.
type ExecRuntimeConfig struct {
	Handshake   HandshakeConfig `yaml:"handshake" json:"handshake" envPrefix:"HANDSHAKE_"`
	StopTimeout time.Duration   `yaml:"stop_timeout" json:"stop_timeout" env:"STOP_TIMEOUT"`
	CallTimeout time.Duration   `yaml:"call_timeout" json:"call_timeout" env:"CALL_TIMEOUT"`
}

// RemoteConfig connects the local message bus to other nodes.
type RemoteConfig struct {
	// Node is this host's name in "node/plugin" targets.
	Node string `yaml:"node" json:"node" env:"NODE"`
	// Listen is the address the bridge server binds, empty disables it.
	Listen string               `yaml:"listen" json:"listen" env:"LISTEN"`
	Peers  []RemoteBridgeConfig `yaml:"peers" json:"peers"`
}

// HostConfig is the complete host configuration.
type HostConfig struct {
	PluginsDir    string            `yaml:"plugins_dir" json:"plugins_dir" env:"PLUGINS_DIR"`
	DataDir       string            `yaml:"data_dir" json:"data_dir" env:"DATA_DIR"`
	LibraryDir    string            `yaml:"library_dir" json:"library_dir" env:"LIBRARY_DIR"`
	HostVersion   string            `yaml:"host_version" json:"host_version" env:"HOST_VERSION"`
	FailurePolicy string            `yaml:"failure_policy" json:"failure_policy" env:"FAILURE_POLICY"`
	DrainTimeout  time.Duration     `yaml:"drain_timeout" json:"drain_timeout" env:"DRAIN_TIMEOUT"`
	Dependencies  DependencyConfig  `yaml:"dependencies" json:"dependencies" envPrefix:"DEPENDENCIES_"`
	HotReload     HotReloadConfig   `yaml:"hot_reload" json:"hot_reload" envPrefix:"HOT_RELOAD_"`
	Lua           LuaConfig         `yaml:"lua" json:"lua" envPrefix:"LUA_"`
	Wasm          WasmConfig        `yaml:"wasm" json:"wasm" envPrefix:"WASM_"`
	Exec          ExecRuntimeConfig `yaml:"exec" json:"exec" envPrefix:"EXEC_"`
	Remote        RemoteConfig      `yaml:"remote" json:"remote" envPrefix:"REMOTE_"`
}

// DefaultHostConfig returns the configuration used when nothing overrides
// it.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		PluginsDir:    "plugins",
		DataDir:       "data",
		LibraryDir:    "libraries",
		FailurePolicy: string(FailureBatch),
		DrainTimeout:  DefaultDrainTimeout,
		Dependencies: DependencyConfig{
			Enabled:          true,
			AutoDownload:     true,
			ConflictStrategy: string(StrategyHighest),
			TargetPriority:   append([]string(nil), DefaultTargetPriority...),
			Timeout:          2 * time.Minute,
			MaxParallel:      4,
			CacheIndex:       "memory",
			KeyringService:   DefaultKeyringService,
		},
		HotReload: HotReloadConfig{
			PollInterval: 2 * time.Second,
		},
		Lua:  LuaConfig{CallTimeout: 5 * time.Second},
		Wasm: WasmConfig{CallTimeout: 5 * time.Second},
		Exec: ExecRuntimeConfig{
			Handshake:   DefaultHandshakeConfig,
			StopTimeout: 5 * time.Second,
		},
	}
}

// LoadHostConfig builds a configuration from defaults, the file at path
// (skipped when path is empty) and the environment, then validates it.
func LoadHostConfig(path string) (HostConfig, error) {
	cfg := DefaultHostConfig()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, NewConfigParseError("environment", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *HostConfig) mergeFile(path string) error {
	content, err := readHostConfigFile(path)
	if err != nil {
		return err
	}
	switch format := argus.DetectFormat(path); format {
	case argus.FormatYAML, argus.FormatJSON:
	default:
		return NewConfigParseError(path, fmt.Errorf("unsupported configuration format %v", format))
	}

	expanded, err := ExpandEnvironmentVariables(string(content))
	if err != nil {
		return NewConfigParseError(path, err)
	}
	// JSON is a subset of YAML, one decoder serves both.
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return NewConfigParseError(path, err)
	}
	return nil
}

func readHostConfigFile(path string) ([]byte, error) {
	if strings.Contains(path, "\x00") {
		return nil, NewPathTraversalError(path)
	}
	clean := filepath.Clean(path)
	info, err := os.Stat(clean)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, NewConfigNotFoundError(clean)
		}
		return nil, NewConfigParseError(clean, err)
	}
	if !info.Mode().IsRegular() {
		return nil, NewConfigParseError(clean, errors.New("not a regular file"))
	}
	if info.Size() > maxHostConfigSize {
		return nil, NewConfigParseError(clean, fmt.Errorf("file size %d exceeds limit %d", info.Size(), maxHostConfigSize))
	}
	content, err := os.ReadFile(clean) // #nosec G304 -- operator-supplied configuration path
	if err != nil {
		return nil, NewConfigParseError(clean, err)
	}
	return content, nil
}

var envPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnvironmentVariables replaces ${VAR} and ${VAR:-default}
// placeholders. PLUGINHOST_VAR is tried before VAR. Values containing
// control characters are rejected.
func ExpandEnvironmentVariables(input string) (string, error) {
	var firstErr error
	out := envPlaceholder.ReplaceAllStringFunc(input, func(match string) string {
		sub := envPlaceholder.FindStringSubmatch(match)
		value, ok := os.LookupEnv(EnvPrefix + sub[1])
		if !ok || value == "" {
			value = os.Getenv(sub[1])
		}
		if value == "" {
			value = sub[3]
		}
		for i, r := range value {
			if r < 32 && r != '\t' {
				if firstErr == nil {
					firstErr = fmt.Errorf("variable %s contains a control character at position %d", sub[1], i)
				}
				return match
			}
		}
		return value
	})
	return out, firstErr
}

// Validate checks every setting and reports all problems at once.
func (c HostConfig) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.PluginsDir == "" {
		add("plugins_dir is required")
	}
	if c.DataDir == "" {
		add("data_dir is required")
	}
	if c.Dependencies.Enabled && c.LibraryDir == "" {
		add("library_dir is required when dependencies are enabled")
	}
	if c.HostVersion != "" {
		if _, err := ParseVersion(c.HostVersion); err != nil {
			add("host_version: %v", err)
		}
	}
	if _, err := ParseFailurePolicy(c.FailurePolicy); err != nil {
		add("failure_policy: unknown value %q", c.FailurePolicy)
	}

	deps := c.Dependencies
	if _, err := ParseConflictStrategy(deps.ConflictStrategy); err != nil {
		add("dependencies.conflict_strategy: unknown value %q", deps.ConflictStrategy)
	}
	if deps.Timeout < 0 {
		add("dependencies.timeout must not be negative")
	}
	if deps.MaxParallel < 0 {
		add("dependencies.max_parallel must not be negative")
	}
	switch deps.CacheIndex {
	case "", "memory", "sqlite":
	default:
		add("dependencies.cache_index: unknown value %q", deps.CacheIndex)
	}
	names := make(map[string]bool)
	for i, feed := range deps.Feeds {
		if feed.Name == "" {
			add("dependencies.feeds[%d]: name is required", i)
		} else if names[feed.Name] {
			add("dependencies.feeds[%d]: duplicate name %q", i, feed.Name)
		}
		names[feed.Name] = true
		if (feed.URL == "") == (feed.Path == "") {
			add("dependencies.feeds[%d]: exactly one of url and path is required", i)
		}
		if feed.Credential != "" && feed.URL == "" {
			add("dependencies.feeds[%d]: credential only applies to url feeds", i)
		}
	}

	if c.HotReload.Enabled && c.HotReload.PollInterval < 100*time.Millisecond {
		add("hot_reload.poll_interval must be at least 100ms")
	}
	if c.Lua.CallTimeout < 0 || c.Wasm.CallTimeout < 0 || c.Exec.CallTimeout < 0 {
		add("call timeouts must not be negative")
	}
	if err := c.Exec.Handshake.Validate(); err != nil {
		add("exec.handshake: %v", err)
	}

	nodes := make(map[string]bool)
	for i, peer := range c.Remote.Peers {
		if peer.Node == "" || peer.Endpoint == "" {
			add("remote.peers[%d]: node and endpoint are required", i)
		}
		if peer.Node == c.Remote.Node && peer.Node != "" {
			add("remote.peers[%d]: node %q is the local node", i, peer.Node)
		}
		if nodes[peer.Node] {
			add("remote.peers[%d]: duplicate node %q", i, peer.Node)
		}
		if peer.Breaker.FailureThreshold < 0 || peer.Breaker.SuccessThreshold < 0 || peer.Breaker.RecoveryTimeout < 0 {
			add("remote.peers[%d]: breaker settings must not be negative", i)
		}
		nodes[peer.Node] = true
	}
	if (len(c.Remote.Peers) > 0 || c.Remote.Listen != "") && c.Remote.Node == "" {
		add("remote.node is required when remote messaging is configured")
	}

	if len(problems) > 0 {
		return NewConfigValidationError(strings.Join(problems, "; "), nil)
	}
	return nil
}

// HostOptions carries the collaborators a configuration cannot describe.
type HostOptions struct {
	// Entries backs the builtin: runtime; nil disables it.
	Entries      *EntryRegistry
	HostModules  *HostModules
	Executor     CommandExecutor
	Capabilities *CapabilityRegistry
	// Credentials overrides the system keyring for feed tokens.
	Credentials CredentialSource
	Logger      Logger
}

// Host is an assembled plugin host.
type Host struct {
	Config       HostConfig
	Orchestrator *Orchestrator
	Cache        *LibraryCache
	// Watcher is nil unless hot reload is enabled. It is started by
	// Start.
	Watcher *BundleWatcher

	peers  []*RemoteBridgeClient
	logger Logger
}

// Build wires a Host from the configuration.
//
// Example usage:
//
//	cfg, err := LoadHostConfig("pluginhost.yaml")
//	host, err := cfg.Build(HostOptions{Entries: entries, Logger: logger})
//	defer host.Close(ctx)
//	report, err := host.Start(ctx)
func (c HostConfig) Build(opts HostOptions) (host *Host, err error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = NewNoOpLogger()
	}
	host = &Host{Config: c, logger: logger}
	defer func() {
		if err != nil {
			_ = host.Close(context.Background())
			host = nil
		}
	}()

	runtimes := NewRuntimeSet(
		NewLuaRuntime(c.Lua.CallTimeout, logger),
		NewWasmRuntime(c.Wasm.CallTimeout, logger),
		NewExecRuntime(ExecConfig{
			Handshake:   c.Exec.Handshake,
			StopTimeout: c.Exec.StopTimeout,
			CallTimeout: c.Exec.CallTimeout,
		}, logger),
	)
	if opts.Entries != nil {
		runtimes.Register(NewBuiltinRuntime(opts.Entries, logger))
	}

	var fetcher *LibraryFetcher
	if c.Dependencies.Enabled {
		var index CacheIndex
		if c.Dependencies.CacheIndex == "sqlite" {
			if err := os.MkdirAll(c.LibraryDir, 0750); err != nil {
				return nil, NewCacheIndexError("create library directory", err)
			}
			index, err = OpenSQLiteCacheIndex(filepath.Join(c.LibraryDir, "index.db"))
			if err != nil {
				return nil, err
			}
		}
		host.Cache, err = NewLibraryCache(c.LibraryDir, index, logger)
		if err != nil {
			if index != nil {
				_ = index.Close()
			}
			return nil, err
		}
		if c.Dependencies.AutoDownload {
			feeds, err := c.buildFeeds(opts.Credentials)
			if err != nil {
				return nil, err
			}
			fetcher = NewLibraryFetcher(host.Cache, feeds, FetcherConfig{
				TargetPriority: c.Dependencies.TargetPriority,
				MaxParallel:    c.Dependencies.MaxParallel,
				Timeout:        c.Dependencies.Timeout,
			}, logger)
		}
	}

	messenger := NewMessenger(logger)
	for _, peerCfg := range c.Remote.Peers {
		client, err := DialRemoteBridge(peerCfg, c.Remote.Node, logger)
		if err != nil {
			return nil, err
		}
		host.peers = append(host.peers, client)
		messenger.AddPeer(peerCfg.Node, client)
	}

	host.Orchestrator, err = NewOrchestrator(OrchestratorConfig{
		PluginsDir:         c.PluginsDir,
		DataDir:            c.DataDir,
		Host:               HostInfo{Version: c.HostVersion},
		Policy:             FailurePolicy(c.FailurePolicy),
		ConflictStrategy:   ConflictStrategy(c.Dependencies.ConflictStrategy),
		ShowConflictReport: c.Dependencies.ShowConflictReport,
		Runtimes:           runtimes,
		Cache:              host.Cache,
		Fetcher:            fetcher,
		HostModules:        opts.HostModules,
		Messenger:          messenger,
		Executor:           opts.Executor,
		Capabilities:       opts.Capabilities,
		Logger:             logger,
		DrainTimeout:       c.DrainTimeout,
	})
	if err != nil {
		return nil, err
	}

	if c.HotReload.Enabled {
		host.Watcher, err = NewBundleWatcher(host.Orchestrator, BundleWatcherOptions{
			PollInterval: c.HotReload.PollInterval,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
	}
	return host, nil
}

func (c HostConfig) buildFeeds(override CredentialSource) ([]LibraryFeed, error) {
	creds := override
	feeds := make([]LibraryFeed, 0, len(c.Dependencies.Feeds))
	for _, fc := range c.Dependencies.Feeds {
		if fc.Path != "" {
			feeds = append(feeds, NewDirectoryFeed(fc.Name, fc.Path))
			continue
		}
		var options []HTTPFeedOption
		if fc.Credential != "" {
			if creds == nil {
				ring, err := OpenKeyringCredentials(c.Dependencies.KeyringService)
				if err != nil {
					return nil, err
				}
				creds = ring
			}
			options = append(options, WithFeedCredentials(creds, fc.Credential))
		}
		feeds = append(feeds, NewHTTPFeed(fc.Name, fc.URL, options...))
	}
	return feeds, nil
}

// Start loads every bundle and, when configured, starts watching them.
func (h *Host) Start(ctx context.Context) (*LoadReport, error) {
	report, err := h.Orchestrator.LoadAll(ctx)
	if err != nil {
		return report, err
	}
	if h.Watcher != nil {
		if err := h.Watcher.Start(); err != nil {
			return report, err
		}
	}
	return report, nil
}

// ServeRemote accepts envelopes from other nodes on remote.listen until
// ctx is done. It returns immediately when no listen address is set.
func (h *Host) ServeRemote(ctx context.Context) error {
	if h.Config.Remote.Listen == "" {
		return nil
	}
	lis, err := net.Listen("tcp", h.Config.Remote.Listen)
	if err != nil {
		return NewRemoteBridgeError("listen on "+h.Config.Remote.Listen, err)
	}
	return NewRemoteBridgeServer(h.Orchestrator.Messenger(), h.logger).Serve(ctx, lis)
}

// Close stops the watcher, shuts every plugin down and releases the
// remote connections and the library cache.
func (h *Host) Close(ctx context.Context) error {
	var errs []error
	if h.Watcher != nil {
		errs = append(errs, h.Watcher.Stop())
	}
	if h.Orchestrator != nil {
		errs = append(errs, h.Orchestrator.Shutdown(ctx))
	}
	for _, peer := range h.peers {
		errs = append(errs, peer.Close())
	}
	h.peers = nil
	if h.Cache != nil {
		errs = append(errs, h.Cache.Close())
	}
	return errors.Join(errs...)
}
