// commands.go: scan, validate, resolve and run
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	pluginhost "github.com/agilira/go-pluginhost"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func scanBundles(cmd *cobra.Command, flags *globalFlags) (pluginhost.ScanResult, error) {
	cfg, err := flags.load()
	if err != nil {
		return pluginhost.ScanResult{}, err
	}
	scanner := pluginhost.NewScanner(cfg.PluginsDir, cfg.DataDir, flags.logger())
	return scanner.Scan(cmd.Context())
}

func renderRejected(rejected []pluginhost.ScanRejection) string {
	items := make([]string, 0, len(rejected))
	for _, r := range rejected {
		items = append(items, fmt.Sprintf("%s: %v", r.BundleDir, r.Err))
	}
	return renderList("Rejected bundles", errorStyle, items)
}

func newScanCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List the bundles found in the plugins directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			result, err := scanBundles(cmd, flags)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(result.Bundles))
			for _, b := range result.Bundles {
				d := b.Descriptor
				rows = append(rows, []string{d.ID, d.Version, d.Main, fmt.Sprint(d.Order()), b.BundleDir})
			}
			out := []string{titleStyle.Render(fmt.Sprintf("Bundles (%d)", len(rows)))}
			if len(rows) > 0 {
				out = append(out, renderTable([]string{"PLUGIN", "VERSION", "MAIN", "ORDER", "DIR"}, rows))
			}
			if s := renderRejected(result.Rejected); s != "" {
				out = append(out, s)
			}
			fmt.Fprintln(cmd.OutOrStdout(), lipgloss.JoinVertical(lipgloss.Left, out...))
			return nil
		},
	}
}

func newValidateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check plugin dependencies, conflicts, cycles and host compatibility",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			result, err := pluginhost.NewScanner(cfg.PluginsDir, cfg.DataDir, flags.logger()).Scan(cmd.Context())
			if err != nil {
				return err
			}
			validation := pluginhost.ValidateDependencies(result.Descriptors(), pluginhost.HostInfo{Version: cfg.HostVersion})

			fmt.Fprintln(cmd.OutOrStdout(), validation.Report())
			if s := renderRejected(result.Rejected); s != "" {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			if !validation.Valid() {
				return pluginhost.NewValidationFailedError(len(validation.Errors), len(validation.Warnings))
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("✓ dependencies are consistent"))
			return nil
		},
	}
}

func newResolveCommand(flags *globalFlags) *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show shared library conflicts and how they are settled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if strategy == "" {
				strategy = cfg.Dependencies.ConflictStrategy
			}
			parsed, err := pluginhost.ParseConflictStrategy(strategy)
			if err != nil {
				return err
			}
			logger := flags.logger()
			result, err := pluginhost.NewScanner(cfg.PluginsDir, cfg.DataDir, logger).Scan(cmd.Context())
			if err != nil {
				return err
			}
			resolution := pluginhost.NewConflictResolver(parsed, logger).Resolve(result.Descriptors())
			if len(resolution.Conflicts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("✓ no shared library conflicts"))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), resolution.Report())
			if unresolved := resolution.Unresolved(); len(unresolved) > 0 {
				return fmt.Errorf("%d conflict(s) left unresolved by strategy %s", len(unresolved), parsed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "conflict strategy: highest, lowest or fail")
	return cmd
}

func newRunCommand(flags *globalFlags) *cobra.Command {
	var (
		noConsole       bool
		shutdownTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load and enable every plugin, then serve until interrupted",
		Long: `run loads the plugins directory, prints the load report and keeps the
host running. Unless --no-console is set, commands typed on stdin drive the
host; type "help" for the list.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger := flags.logger()
			host, err := cfg.Build(pluginhost.HostOptions{
				Entries:      pluginhost.NewEntryRegistry(),
				Capabilities: pluginhost.NewCapabilityRegistry(),
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := host.Start(ctx)
			if report != nil {
				fmt.Fprintln(cmd.OutOrStdout(), renderLoadReport(report, host.Orchestrator.List()))
			}
			if err != nil {
				_ = host.Close(context.Background())
				return err
			}

			group, gctx := errgroup.WithContext(ctx)
			group.Go(func() error { return host.ServeRemote(gctx) })
			if !noConsole {
				console := newConsole(host, cmd.InOrStdin(), cmd.OutOrStdout())
				group.Go(func() error {
					err := console.run(gctx)
					stop()
					return err
				})
			}
			<-gctx.Done()
			runErr := group.Wait()

			fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("shutting down"))
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			closeErr := host.Close(closeCtx)
			if errors.Is(runErr, context.Canceled) {
				runErr = nil
			}
			return errors.Join(runErr, closeErr)
		},
	}
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "do not read commands from stdin")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for plugins to stop")
	return cmd
}
