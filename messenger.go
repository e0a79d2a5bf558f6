// messenger.go: Inter-plugin messaging bus
//
// Plugins talk to each other through named channels. A plugin subscribes a
// handler on a channel; other plugins Send to it (request/response), Notify
// it (fire-and-forget) or Broadcast to every subscriber. Only Enabled plugins
// are reachable. Availability is pushed by the orchestrator on every state
// transition so the bus never consults the plugin registry.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	timecache "github.com/agilira/go-timecache"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// BroadcastTarget is the receiver id of a broadcast envelope.
const BroadcastTarget = "*"

// Message is the envelope delivered to handlers.
type Message struct {
	ID               string
	Sender           string
	Target           string
	Channel          string
	Payload          any
	ResponseRequired bool
	Timestamp        time.Time
}

// MessageHandler receives messages that need no answer.
type MessageHandler func(ctx context.Context, msg Message) error

// ResponseHandler receives messages and answers them.
type ResponseHandler func(ctx context.Context, msg Message) (any, error)

type subscription struct {
	handler  MessageHandler
	response ResponseHandler
}

// RemotePeer forwards messages to plugins hosted by another node. Targets
// of the form "<node>/<plugin>" are routed to the peer registered for node.
type RemotePeer interface {
	Send(ctx context.Context, msg Message) (any, error)
}

// BroadcastResult summarizes a broadcast.
type BroadcastResult struct {
	Delivered []string
	Failed    map[string]error
}

// Messenger is the process-wide messaging bus.
type Messenger struct {
	mu        sync.RWMutex
	available map[string]bool
	subs      map[string]map[string]*subscription
	peers     map[string]RemotePeer
	inflight  *deliveryTracker
	logger    Logger
}

// NewMessenger creates an empty bus.
func NewMessenger(logger Logger) *Messenger {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &Messenger{
		available: make(map[string]bool),
		subs:      make(map[string]map[string]*subscription),
		peers:     make(map[string]RemotePeer),
		inflight:  newDeliveryTracker(),
		logger:    logger,
	}
}

// For returns the messaging handle of a plugin.
func (m *Messenger) For(pluginID string) *PluginMessenger {
	return &PluginMessenger{bus: m, id: pluginID}
}

// SetAvailable marks a plugin reachable or unreachable.
func (m *Messenger) SetAvailable(pluginID string, available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if available {
		m.available[pluginID] = true
	} else {
		delete(m.available, pluginID)
	}
}

// IsAvailable reports whether a plugin is reachable. Remote targets are
// available when their node has a registered peer.
func (m *Messenger) IsAvailable(pluginID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if node, _, remote := splitRemoteTarget(pluginID); remote {
		_, ok := m.peers[node]
		return ok
	}
	return m.available[pluginID]
}

// InFlight returns the number of handlers of a plugin currently running.
func (m *Messenger) InFlight(pluginID string) int {
	return m.inflight.count(pluginID)
}

// Drain waits until no handler of pluginID is running or ctx is done. A
// handler that drains its own plugin does not wait for itself.
func (m *Messenger) Drain(ctx context.Context, pluginID string) error {
	allowed := 0
	if deliveringTo(ctx) == pluginID {
		allowed = 1
	}
	return m.inflight.wait(ctx, pluginID, allowed)
}

// AddPeer routes "<node>/<plugin>" targets to peer.
func (m *Messenger) AddPeer(node string, peer RemotePeer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[node] = peer
}

// RemovePeer drops a remote node.
func (m *Messenger) RemovePeer(node string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, node)
}

// UnsubscribeAll drops every subscription of a plugin and returns the
// number of channels released.
func (m *Messenger) UnsubscribeAll(pluginID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.subs[pluginID])
	delete(m.subs, pluginID)
	return n
}

// Channels returns the channels a plugin subscribes to, sorted.
func (m *Messenger) Channels(pluginID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channels := make([]string, 0, len(m.subs[pluginID]))
	for ch := range m.subs[pluginID] {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return channels
}

func (m *Messenger) subscribe(pluginID, channel string, handler MessageHandler, response ResponseHandler) error {
	if channel == "" || (handler == nil && response == nil) {
		return NewNoHandlerError(pluginID, channel).WithUserMessage("channel and handler are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byChannel, ok := m.subs[pluginID]
	if !ok {
		byChannel = make(map[string]*subscription)
		m.subs[pluginID] = byChannel
	}
	sub, ok := byChannel[channel]
	if !ok {
		sub = &subscription{}
		byChannel[channel] = sub
	}
	if handler != nil {
		sub.handler = handler
	}
	if response != nil {
		sub.response = response
	}
	return nil
}

func (m *Messenger) unsubscribe(pluginID, channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs[pluginID], channel)
	if len(m.subs[pluginID]) == 0 {
		delete(m.subs, pluginID)
	}
}

func (m *Messenger) lookup(target, channel string) (subscription, bool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.available[target] {
		return subscription{}, false, false
	}
	sub, ok := m.subs[target][channel]
	if !ok {
		return subscription{}, true, false
	}
	// Counted under the bus lock so SetAvailable(false) followed by Drain
	// sees every delivery that got past the availability check.
	m.inflight.start(target)
	return *sub, true, true
}

func newEnvelope(sender, target, channel string, payload any, responseRequired bool) Message {
	return Message{
		ID:               uuid.NewString(),
		Sender:           sender,
		Target:           target,
		Channel:          channel,
		Payload:          payload,
		ResponseRequired: responseRequired,
		Timestamp:        timecache.CachedTime(),
	}
}

// Deliver hands an envelope to its target. It is the entry point of the
// remote bridge and of Send.
func (m *Messenger) Deliver(ctx context.Context, msg Message) (any, error) {
	return m.deliverTo(ctx, msg.Target, msg)
}

func (m *Messenger) deliverTo(ctx context.Context, target string, msg Message) (any, error) {
	if node, _, remote := splitRemoteTarget(target); remote {
		m.mu.RLock()
		peer, ok := m.peers[node]
		m.mu.RUnlock()
		if !ok {
			return nil, NewTargetUnavailableError(target)
		}
		return peer.Send(ctx, msg)
	}

	sub, available, subscribed := m.lookup(target, msg.Channel)
	if !available {
		return nil, NewTargetUnavailableError(target)
	}
	if !subscribed {
		return nil, NewNoHandlerError(target, msg.Channel)
	}

	defer m.inflight.end(target)
	ctx = withDelivery(ctx, target)
	result, err := callGuardedValue(func() (any, error) {
		if sub.response != nil {
			return sub.response(ctx, msg)
		}
		return nil, sub.handler(ctx, msg)
	})
	if err != nil {
		m.logger.Error("Message handler failed",
			"sender", msg.Sender, "plugin", target, "channel", msg.Channel, "error", err)
		return nil, NewHandlerFailedError(target, msg.Channel, err)
	}
	return result, nil
}

func (m *Messenger) broadcast(ctx context.Context, sender, channel string, payload any, excludeSelf bool) BroadcastResult {
	m.mu.RLock()
	var targets []string
	for id, byChannel := range m.subs {
		if !m.available[id] || (excludeSelf && id == sender) {
			continue
		}
		if _, ok := byChannel[channel]; ok {
			targets = append(targets, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(targets)

	result := BroadcastResult{Failed: make(map[string]error)}
	var mu sync.Mutex
	var g errgroup.Group
	for _, target := range targets {
		g.Go(func() error {
			defer withStackRecover(m.logger)()
			_, err := m.deliverTo(ctx, target, newEnvelope(sender, BroadcastTarget, channel, payload, false))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[target] = err
				return nil
			}
			result.Delivered = append(result.Delivered, target)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(result.Delivered)

	if len(result.Failed) > 0 {
		m.logger.Warn("Broadcast delivered with failures",
			"sender", sender, "channel", channel, "delivered", len(result.Delivered), "failed", len(result.Failed))
	}
	return result
}

func splitRemoteTarget(target string) (node, plugin string, remote bool) {
	node, plugin, remote = strings.Cut(target, "/")
	return node, plugin, remote && node != "" && plugin != ""
}

// PluginMessenger is the messaging handle of one plugin.
type PluginMessenger struct {
	bus *Messenger
	id  string
}

// PluginID returns the id messages are sent from.
func (p *PluginMessenger) PluginID() string { return p.id }

// Send delivers payload to target on channel and returns the handler's
// answer. An unavailable target fails without side effects.
func (p *PluginMessenger) Send(ctx context.Context, target, channel string, payload any) (any, error) {
	return p.bus.Deliver(ctx, newEnvelope(p.id, target, channel, payload, true))
}

// Notify delivers payload without waiting for an answer and reports
// whether a handler received it.
func (p *PluginMessenger) Notify(ctx context.Context, target, channel string, payload any) bool {
	_, err := p.bus.Deliver(ctx, newEnvelope(p.id, target, channel, payload, false))
	if err != nil {
		p.bus.logger.Debug("Notification not delivered", "sender", p.id, "plugin", target, "channel", channel, "error", err)
		return false
	}
	return true
}

// Broadcast fans payload out to every available subscriber of channel and
// waits for all deliveries. Per-target failures are logged and collected.
func (p *PluginMessenger) Broadcast(ctx context.Context, channel string, payload any, excludeSelf bool) BroadcastResult {
	return p.bus.broadcast(ctx, p.id, channel, payload, excludeSelf)
}

// Subscribe registers a handler for messages that need no answer.
func (p *PluginMessenger) Subscribe(channel string, handler MessageHandler) error {
	return p.bus.subscribe(p.id, channel, handler, nil)
}

// SubscribeWithResponse registers an answering handler. When a channel has
// both kinds, the answering handler serves every message.
func (p *PluginMessenger) SubscribeWithResponse(channel string, handler ResponseHandler) error {
	return p.bus.subscribe(p.id, channel, nil, handler)
}

// Unsubscribe drops both handlers of a channel.
func (p *PluginMessenger) Unsubscribe(channel string) {
	p.bus.unsubscribe(p.id, channel)
}

// UnsubscribeAll drops every subscription of the plugin.
func (p *PluginMessenger) UnsubscribeAll() int {
	return p.bus.UnsubscribeAll(p.id)
}

// IsAvailable reports whether target is reachable.
func (p *PluginMessenger) IsAvailable(target string) bool {
	return p.bus.IsAvailable(target)
}

// Channels returns the plugin's subscribed channels.
func (p *PluginMessenger) Channels() []string {
	return p.bus.Channels(p.id)
}
