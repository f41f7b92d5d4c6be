// Package events carries script engine notifications to the web, MQTT and
// CLI front ends.
package events

import (
	"log/slog"
	"sync"
)

const (
	EventScriptsChanged  = "scripts_changed"  // registry contents differ after a scan
	EventScriptExecuted  = "script_executed"  // Data is *sandbox.Result
	EventScriptNotify    = "script_notify"    // a script called host.notify
	EventMonitoringState = "monitoring_state" // watcher mode changed
	EventLocaleChanged   = "locale_changed"
)

// Event is one engine notification. Data is JSON-encodable.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Handler receives events on the emitting goroutine.
type Handler func(Event)

// subscriber is a handler plus the event type it wants; an empty kind
// matches every event.
type subscriber struct {
	id      uint64
	kind    string
	handler Handler
}

// Bus fans engine events out to subscribers in subscription order. The zero
// value is not usable; a nil *Bus accepts subscriptions and drops events.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger.With("component", "events")}
}

// On subscribes handler to one event type. The returned func cancels the
// subscription and is safe to call more than once.
func (b *Bus) On(eventType string, handler Handler) func() {
	return b.subscribe(eventType, handler)
}

// OnAll subscribes handler to every event type.
func (b *Bus) OnAll(handler Handler) func() {
	return b.subscribe("", handler)
}

func (b *Bus) subscribe(kind string, handler Handler) func() {
	if b == nil || handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, kind: kind, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers event synchronously. A handler that panics is logged and
// skipped so the remaining subscribers still run.
func (b *Bus) Emit(event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	var targets []Handler
	for _, s := range b.subs {
		if s.kind == "" || s.kind == event.Type {
			targets = append(targets, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		b.deliver(h, event)
	}
}

func (b *Bus) deliver(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
