// Package broadcaster implements the per-contest spectator fan-out of
// spec.md §4.F: a set of connected sinks, broadcast to all of them,
// with a change callback so the orchestrator can publish
// spectator_count updates.
package broadcaster

import (
	"sync"

	"crab.casa/debate-arena/internal/envelope"
)

// Sink is anything that can receive a spectator envelope; the
// websocket layer's connection wrapper implements this.
type Sink interface {
	Send(env envelope.Envelope) error
}

// Broadcaster fans envelopes out to every connected sink for one
// contest.
type Broadcaster struct {
	mu       sync.RWMutex
	sinks    map[Sink]struct{}
	onChange func(count int)
}

// New builds a Broadcaster. onChange is invoked (optionally) whenever
// the connected count changes, so the caller can emit a
// spectator_count envelope.
func New(onChange func(count int)) *Broadcaster {
	return &Broadcaster{
		sinks:    make(map[Sink]struct{}),
		onChange: onChange,
	}
}

// Join registers a new spectator sink.
func (b *Broadcaster) Join(sink Sink) {
	b.mu.Lock()
	b.sinks[sink] = struct{}{}
	count := len(b.sinks)
	b.mu.Unlock()
	b.notify(count)
}

// Leave unregisters a spectator sink. Idempotent.
func (b *Broadcaster) Leave(sink Sink) {
	b.mu.Lock()
	delete(b.sinks, sink)
	count := len(b.sinks)
	b.mu.Unlock()
	b.notify(count)
}

// Count returns the number of connected spectators.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks)
}

func (b *Broadcaster) notify(count int) {
	if b.onChange != nil {
		b.onChange(count)
	}
}

// Broadcast fans env out to every connected sink. A sink whose Send
// fails is left registered; the websocket layer's own close handler is
// responsible for calling Leave.
func (b *Broadcaster) Broadcast(env envelope.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sink := range b.sinks {
		_ = sink.Send(env)
	}
}
