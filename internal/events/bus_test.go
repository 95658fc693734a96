package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu  sync.Mutex
	got []Event
}

func (c *collector) handle(ev Event) {
	c.mu.Lock()
	c.got = append(c.got, ev)
	c.mu.Unlock()
}

func (c *collector) types() []Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Type, len(c.got))
	for i, ev := range c.got {
		out[i] = ev.Type
	}
	return out
}

func TestSubscribeReceivesInOrder(t *testing.T) {
	bus := NewBus(nil)
	var c collector
	unsubscribe := bus.Subscribe(c.handle)

	bus.Emit(WorkflowStart, "s1", nil)
	bus.Emit(StepStart, "s1", map[string]int{"step": 0})
	bus.Emit(StepComplete, "s1", nil)
	bus.Emit(WorkflowComplete, "s1", nil)
	unsubscribe()

	assert.Equal(t, []Type{WorkflowStart, StepStart, StepComplete, WorkflowComplete}, c.types())
	assert.False(t, c.got[0].Time.IsZero())
	assert.Equal(t, "s1", c.got[0].SessionID)
}

func TestSubscribeFilter(t *testing.T) {
	bus := NewBus(nil)
	var c collector
	unsubscribe := bus.Subscribe(c.handle, ActionCaptured)

	bus.Emit(SessionStarted, "", nil)
	bus.Emit(ActionCaptured, "", "click")
	unsubscribe()

	assert.Equal(t, []Type{ActionCaptured}, c.types())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(nil)
	var c collector
	unsubscribe := bus.Subscribe(c.handle)
	unsubscribe()
	unsubscribe()

	bus.Emit(SessionStarted, "", nil)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, c.types())
}

func TestPanickingHandlerDoesNotKillSubscription(t *testing.T) {
	bus := NewBus(nil)
	var c collector
	unsubscribe := bus.Subscribe(func(ev Event) {
		if ev.Type == SessionStarted {
			panic("boom")
		}
		c.handle(ev)
	})
	bus.Emit(SessionStarted, "", nil)
	bus.Emit(SessionStopped, "", nil)
	unsubscribe()
	assert.Equal(t, []Type{SessionStopped}, c.types())
}

func TestFullQueueDropsWithoutBlocking(t *testing.T) {
	bus := NewBus(nil)
	bus.buffer = 1
	release := make(chan struct{})
	unsubscribe := bus.Subscribe(func(Event) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Emit(ActionCaptured, "", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(release)
	unsubscribe()
}

func TestCloseAndNilBus(t *testing.T) {
	bus := NewBus(nil)
	var c collector
	bus.Subscribe(c.handle)
	bus.Emit(SessionStarted, "", nil)
	bus.Close()
	bus.Close()
	require.Equal(t, []Type{SessionStarted}, c.types())

	bus.Emit(SessionStopped, "", nil)
	noop := bus.Subscribe(c.handle)
	noop()

	var nilBus *Bus
	assert.NotPanics(t, func() { nilBus.Emit(SessionStarted, "", nil) })
}
