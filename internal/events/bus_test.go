package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitExactMatch(t *testing.T) {
	b := NewBus(nil)
	var got []string
	b.Subscribe("brain.entity.saved", func(ev Event) {
		got = append(got, ev.Name)
	})
	b.Emit("brain.entity.saved", map[string]any{"project": "demo"})
	b.Emit("brain.entity.deleted", nil)
	assert.Equal(t, []string{"brain.entity.saved"}, got)
}

func TestWildcardSingleSegment(t *testing.T) {
	b := NewBus(nil)
	var count int
	b.Subscribe("brain.*.saved", func(Event) { count++ })
	b.Emit("brain.entity.saved", nil)
	b.Emit("brain.project.saved", nil)
	b.Emit("brain.entity.version.saved", nil) // two segments, no match
	assert.Equal(t, 2, count)
}

func TestWildcardMultiSegment(t *testing.T) {
	b := NewBus(nil)
	var names []string
	b.Subscribe("brain.**", func(ev Event) { names = append(names, ev.Name) })
	b.Emit("brain.created", nil)
	b.Emit("brain.entity.version.deleted", nil)
	b.Emit("auth.reset", nil)
	assert.Equal(t, []string{"brain.created", "brain.entity.version.deleted"}, names)
}

func TestDoubleWildcardMatchesEverything(t *testing.T) {
	b := NewBus(nil)
	var count int
	b.Subscribe("**", func(Event) { count++ })
	b.Emit("command.executed", nil)
	b.Emit("a.b.c.d", nil)
	assert.Equal(t, 2, count)
}

func TestListenerOrderAndPanicIsolation(t *testing.T) {
	b := NewBus(nil)
	var order []int
	b.Subscribe("x", func(Event) { order = append(order, 1) })
	b.Subscribe("x", func(Event) { panic("listener failure") })
	b.Subscribe("x", func(Event) { order = append(order, 3) })
	b.Emit("x", nil)
	assert.Equal(t, []int{1, 3}, order)
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus(nil)
	var count int
	off := b.Subscribe("x", func(Event) { count++ })
	b.Emit("x", nil)
	off()
	b.Emit("x", nil)
	assert.Equal(t, 1, count)
}
