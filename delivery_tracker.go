// delivery_tracker.go: In-flight message tracking for graceful disable
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"sync"
	"time"
)

// DefaultDrainTimeout bounds how long Disable waits for a plugin's
// handlers to return.
const DefaultDrainTimeout = 5 * time.Second

type deliveryKey struct{}

// withDelivery marks ctx as running inside a handler of pluginID.
func withDelivery(ctx context.Context, pluginID string) context.Context {
	return context.WithValue(ctx, deliveryKey{}, pluginID)
}

// deliveringTo returns the plugin whose handler ctx runs in, if any.
func deliveringTo(ctx context.Context) string {
	id, _ := ctx.Value(deliveryKey{}).(string)
	return id
}

// deliveryTracker counts the handlers currently running per plugin.
type deliveryTracker struct {
	mu     sync.Mutex
	active map[string]int
	// changed is closed and replaced whenever a count drops.
	changed chan struct{}
}

func newDeliveryTracker() *deliveryTracker {
	return &deliveryTracker{
		active:  make(map[string]int),
		changed: make(chan struct{}),
	}
}

func (t *deliveryTracker) start(pluginID string) {
	t.mu.Lock()
	t.active[pluginID]++
	t.mu.Unlock()
}

func (t *deliveryTracker) end(pluginID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[pluginID]--; t.active[pluginID] <= 0 {
		delete(t.active, pluginID)
	}
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *deliveryTracker) count(pluginID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[pluginID]
}

// wait blocks until at most allowed handlers of pluginID are running.
func (t *deliveryTracker) wait(ctx context.Context, pluginID string, allowed int) error {
	for {
		t.mu.Lock()
		n, changed := t.active[pluginID], t.changed
		t.mu.Unlock()
		if n <= allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
