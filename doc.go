// Package pluginhost discovers, validates and runs plugin bundles inside a
// host process. A bundle is a directory with a plugin.json or plugin.yaml
// descriptor and the files its entry point needs.
//
// Key Features:
//   - Dependency validation: missing, incompatible and conflicting plugins,
//     cycles and host version bounds, reported as errors and warnings
//   - Shared library reconciliation across plugins with the highest, lowest
//     or fail strategy, and staging of missing libraries from feeds
//   - Per-plugin isolation boundaries that resolve modules from the shared
//     cache, the bundle and the host, and tear down in reverse order
//   - Dependency-ordered loading under a batch, plugin or strict failure
//     policy, with enable, disable, reload and unload of single plugins
//   - A message bus with request/response, notifications, broadcasts and
//     cross-node delivery over gRPC
//   - Runtimes for compiled-in plugins, Lua scripts, WebAssembly modules
//     and external processes
//
// Basic Usage:
//
//	entries := pluginhost.NewEntryRegistry()
//	entries.RegisterFunc("economy", func() pluginhost.Plugin { return &Economy{} })
//
//	cfg, err := pluginhost.LoadHostConfig("pluginhost.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	host, err := cfg.Build(pluginhost.HostOptions{Entries: entries})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer host.Close(ctx)
//
//	report, err := host.Start(ctx)
//
// Plugins talk to each other through their context:
//
//	balance, err := pctx.Messenger().Send(ctx, "economy", "balance", "alex")
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package pluginhost
