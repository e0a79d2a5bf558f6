// root.go: Root command and shared flags
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	pluginhost "github.com/agilira/go-pluginhost"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	pluginsDir string
	dataDir    string
	policy     string
	logLevel   string
}

func newRootCommand(version, commit string) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "pluginhost",
		Short: "Discover, validate and run plugin bundles",
		Long: `pluginhost scans a plugins directory for bundles, checks their
dependencies and shared libraries, and runs them with isolated runtimes.

Configuration is read from --config (YAML or JSON) and PLUGINHOST_*
environment variables. Flags override both.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "host configuration file")
	pf.StringVar(&flags.pluginsDir, "plugins-dir", "", "plugins directory (overrides configuration)")
	pf.StringVar(&flags.dataDir, "data-dir", "", "plugin data directory (overrides configuration)")
	pf.StringVar(&flags.policy, "policy", "", "failure policy: batch, plugin or strict")
	pf.StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn or error")

	root.AddCommand(
		newScanCommand(flags),
		newValidateCommand(flags),
		newResolveCommand(flags),
		newRunCommand(flags),
	)
	return root
}

// load reads the host configuration and applies flag overrides.
func (f *globalFlags) load() (pluginhost.HostConfig, error) {
	cfg, err := pluginhost.LoadHostConfig(f.configPath)
	if err != nil {
		return cfg, err
	}
	if f.pluginsDir != "" {
		cfg.PluginsDir = f.pluginsDir
	}
	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.policy != "" {
		cfg.FailurePolicy = f.policy
	}
	return cfg, cfg.Validate()
}

func (f *globalFlags) logger() pluginhost.Logger {
	var level slog.Level
	switch strings.ToLower(f.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return pluginhost.NewSlogLogger(slog.New(handler))
}
