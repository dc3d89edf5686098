// Package eventbus implements the in-process typed pub/sub bus that glues
// the host connection, the file-change watcher and the client gateway
// together. Handlers are scheduled independently on emit and a slow or
// failing handler never blocks the emitter or its siblings.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog"
)

// HandlerFunc receives the positional arguments passed to Emit.
type HandlerFunc func(args ...any)

// NotifyFunc is invoked once per Emit of an event registered with
// RegisterNotification, after all plain handlers have been scheduled. It
// receives the JSON-RPC notification method name and the same args.
type NotifyFunc func(method string, args []any)

// Bus dispatches named events to registered handlers as independent
// goroutines, and optionally serializes registered events out to
// subscribed client connections as JSON-RPC notifications.
type Bus struct {
	log zerolog.Logger

	mu       sync.RWMutex
	handlers map[string][]HandlerFunc
	notify   map[string]string // event name -> notification method name
	notifier NotifyFunc
}

// New creates an empty bus. log may be the zero value.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		log:      log.With().Str("component", "eventbus").Logger(),
		handlers: make(map[string][]HandlerFunc),
		notify:   make(map[string]string),
	}
}

// SetNotifier attaches the function used to fan notification-mapped events
// out to client connections. Usually the gateway's Broadcast.
func (b *Bus) SetNotifier(fn NotifyFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifier = fn
}

// RegisterHandler appends h to the list of handlers for event. Duplicate
// registrations are allowed; they simply run twice.
func (b *Bus) RegisterHandler(event string, h HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], h)
}

// RegisterNotification declares that every Emit of event should also be
// serialized to subscribed client connections as a JSON-RPC notification
// named "notify_<method>". If method is empty, event is used as the method
// name. An event with no registered notification is internal-only.
func (b *Bus) RegisterNotification(event string, method ...string) {
	name := event
	if len(method) > 0 && method[0] != "" {
		name = method[0]
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notify[event] = name
}

// Emit schedules every registered handler for event as an independent
// goroutine and returns immediately. Panics inside a handler are recovered
// and logged; they never propagate to the emitter or to other handlers.
func (b *Bus) Emit(event string, args ...any) {
	b.mu.RLock()
	handlers := append([]HandlerFunc(nil), b.handlers[event]...)
	method, hasNotify := b.notify[event]
	notifier := b.notifier
	b.mu.RUnlock()

	for _, h := range handlers {
		go b.runHandler(event, h, args)
	}

	if hasNotify && notifier != nil {
		go notifier(method, args)
	}
}

func (b *Bus) runHandler(event string, h HandlerFunc, args []any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("event", event).Interface("panic", r).Msg("event handler panicked")
		}
	}()
	h(args...)
}

// HandlerCount returns the number of handlers registered for event, for
// status/introspection endpoints.
func (b *Bus) HandlerCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

// NotificationMethod returns the JSON-RPC method name an event is mapped
// to, and whether it has one at all.
func (b *Bus) NotificationMethod(event string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.notify[event]
	return m, ok
}
