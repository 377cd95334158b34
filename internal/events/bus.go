// Package events provides the synchronous publish/subscribe bus the core
// uses to surface lifecycle notifications (brain writes, entity saves,
// auth changes, command execution).
package events

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Event is one emitted notification.
type Event struct {
	Name    string
	Payload map[string]any
}

// Listener receives events synchronously on the emitter's goroutine.
type Listener func(Event)

type subscription struct {
	id       int
	segments []string
	fn       Listener
}

// Bus delivers events to subscribers in registration order. Patterns use
// dot-separated segments; "*" matches exactly one segment and "**" matches
// any number, including zero.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
	logger *slog.Logger
}

// NewBus returns an empty bus. A nil logger falls back to slog.Default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers fn for every event matching pattern and returns an
// unsubscribe function.
func (b *Bus) Subscribe(pattern string, fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{
		id:       id,
		segments: strings.Split(pattern, "."),
		fn:       fn,
	})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers the event to all matching subscribers in registration
// order. A panicking listener is recovered and logged; the emit chain
// continues with the next listener.
func (b *Bus) Emit(name string, payload map[string]any) {
	b.mu.RLock()
	matched := make([]Listener, 0, len(b.subs))
	for _, s := range b.subs {
		if matchSegments(s.segments, strings.Split(name, ".")) {
			matched = append(matched, s.fn)
		}
	}
	b.mu.RUnlock()

	ev := Event{Name: name, Payload: payload}
	for _, fn := range matched {
		b.deliver(fn, ev)
	}
}

func (b *Bus) deliver(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				"event", ev.Name,
				"panic", fmt.Sprint(r))
		}
	}()
	fn(ev)
}

func matchSegments(pattern, name []string) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}
	if pattern[0] == "**" {
		// "**" absorbs zero or more leading segments.
		for i := 0; i <= len(name); i++ {
			if matchSegments(pattern[1:], name[i:]) {
				return true
			}
		}
		return false
	}
	if len(name) == 0 {
		return false
	}
	if pattern[0] != "*" && pattern[0] != name[0] {
		return false
	}
	return matchSegments(pattern[1:], name[1:])
}
