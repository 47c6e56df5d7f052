package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/organoidlab/orgseg/internal/logging"
)

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must return quickly.
type Handler func(Event)

// Token identifies a subscription for later removal.
type Token uint64

type subscription struct {
	token   Token
	handler Handler
}

// BusStats contains runtime counters for monitoring.
type BusStats struct {
	Published       uint64
	Delivered       uint64
	HandlerFailures uint64
}

// Bus dispatches events to subscribers in subscription order. A Bus is
// constructed explicitly and injected into every component; there is no
// package-level instance. A handler panic is caught, logged and does not
// prevent the remaining handlers from running.
type Bus struct {
	mu        sync.RWMutex
	subs      map[Kind][]subscription
	nextToken Token
	tokens    map[Token]Kind

	statsMu sync.Mutex
	stats   BusStats

	logger *slog.Logger
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[Kind][]subscription),
		tokens: make(map[Token]Kind),
		logger: logging.ForService("events"),
	}
}

// Subscribe registers a handler for the given event kind and returns a
// token usable for Unsubscribe. Handlers are invoked in subscription order.
func (b *Bus) Subscribe(kind Kind, handler Handler) Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextToken++
	token := b.nextToken
	b.subs[kind] = append(b.subs[kind], subscription{token: token, handler: handler})
	b.tokens[token] = kind
	return token
}

// Unsubscribe removes the subscription identified by token. Unknown tokens
// are ignored.
func (b *Bus) Unsubscribe(token Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kind, ok := b.tokens[token]
	if !ok {
		return
	}
	delete(b.tokens, token)

	subs := b.subs[kind]
	for i := range subs {
		if subs[i].token == token {
			b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

// Publish delivers the event to all current subscribers of its kind,
// synchronously and in subscription order. A failing handler is isolated:
// the panic is recovered, logged, and dispatch continues.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs[event.Kind]))
	copy(subs, b.subs[event.Kind])
	b.mu.RUnlock()

	b.statsMu.Lock()
	b.stats.Published++
	b.statsMu.Unlock()

	for i := range subs {
		b.dispatch(subs[i], event)
	}
}

func (b *Bus) dispatch(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.statsMu.Lock()
			b.stats.HandlerFailures++
			b.statsMu.Unlock()
			b.logger.Error("event handler failed",
				"kind", string(event.Kind),
				"token", uint64(sub.token),
				"panic", r)
		}
	}()
	sub.handler(event)
	b.statsMu.Lock()
	b.stats.Delivered++
	b.statsMu.Unlock()
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() BusStats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}
