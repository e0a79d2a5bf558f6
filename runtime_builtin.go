// runtime_builtin.go: Runtime for plugins compiled into the host binary
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"errors"
)

// BuiltinRuntime binds "builtin:<name>" entries through an EntryRegistry.
type BuiltinRuntime struct {
	registry *EntryRegistry
	logger   Logger
}

// NewBuiltinRuntime creates the runtime over registry.
func NewBuiltinRuntime(registry *EntryRegistry, logger Logger) *BuiltinRuntime {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	if registry == nil {
		registry = NewEntryRegistry()
	}
	return &BuiltinRuntime{registry: registry, logger: logger}
}

// Kind implements Runtime.
func (r *BuiltinRuntime) Kind() EntryKind { return EntryBuiltin }

// Bind picks the richest constructor whose capability requirements are all
// available and calls it.
func (r *BuiltinRuntime) Bind(_ context.Context, req BindRequest) (Plugin, error) {
	id := req.Descriptor.ID
	entry, ok := r.registry.Lookup(req.Entry.Target)
	if !ok {
		return nil, NewEntryNotFoundError(id, req.Entry.String())
	}

	ctor, missing, ok := entry.selectConstructor(req.Context.capabilityAvailable)
	if !ok {
		return nil, NewNoConstructorError(id, missing)
	}

	caps := req.Context.capabilitiesFor(ctor.Requires)
	value, err := callGuardedValue(func() (any, error) { return ctor.New(caps) })
	if err != nil {
		return nil, NewInstantiateError(id, err)
	}
	instance, _ := value.(Plugin)
	if instance == nil {
		return nil, NewInstantiateError(id, errors.New("constructor returned no instance"))
	}

	r.logger.Debug("Builtin plugin instantiated", "plugin", id, "entry", entry.Name, "capabilities", len(ctor.Requires))
	return instance, nil
}
