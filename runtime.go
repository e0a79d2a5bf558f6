// runtime.go: Entry-point runtimes binding plugin bundles to instances
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"sort"
	"sync"
)

// BindRequest carries everything a runtime needs to produce an instance.
type BindRequest struct {
	Descriptor *Descriptor
	Entry      EntryRef
	Boundary   *Boundary
	Context    *PluginContext
}

// Runtime binds entry references of one kind. Resources a runtime
// allocates must be registered on the request boundary so Unload releases
// them.
type Runtime interface {
	Kind() EntryKind
	Bind(ctx context.Context, req BindRequest) (Plugin, error)
}

// RuntimeSet maps entry kinds to runtimes.
type RuntimeSet struct {
	mu       sync.RWMutex
	runtimes map[EntryKind]Runtime
}

// NewRuntimeSet creates a set holding the given runtimes.
func NewRuntimeSet(runtimes ...Runtime) *RuntimeSet {
	s := &RuntimeSet{runtimes: make(map[EntryKind]Runtime)}
	for _, rt := range runtimes {
		s.Register(rt)
	}
	return s
}

// Register adds or replaces the runtime of its kind.
func (s *RuntimeSet) Register(rt Runtime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtimes[rt.Kind()] = rt
}

// Get returns the runtime of kind.
func (s *RuntimeSet) Get(kind EntryKind) (Runtime, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.runtimes[kind]
	return rt, ok
}

// Kinds returns the registered kinds, sorted.
func (s *RuntimeSet) Kinds() []EntryKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kinds := make([]EntryKind, 0, len(s.runtimes))
	for k := range s.runtimes {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
