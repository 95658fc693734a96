// Package events is the in-process publish/subscribe channel for session state
// changes, captured actions and replay progress.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Type names an event
type Type string

const (
	SessionStarted   Type = "session_started"
	SessionStopped   Type = "session_stopped"
	TargetSwitched   Type = "target_switched"
	ActionCaptured   Type = "action_captured"
	WorkflowStart    Type = "workflow_start"
	StepStart        Type = "step_start"
	StepComplete     Type = "step_complete"
	WorkflowComplete Type = "workflow_complete"
	WorkflowSaved    Type = "workflow_saved"
)

// Event is one published notification. Data is JSON-serializable.
type Event struct {
	Type      Type        `json:"type"`
	Time      time.Time   `json:"time"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Handler receives events on the subscriber's own goroutine
type Handler func(Event)

// DefaultBuffer is the per-subscriber queue length
const DefaultBuffer = 256

type subscriber struct {
	id      uint64
	filter  map[Type]bool
	ch      chan Event
	done    chan struct{}
	dropped atomic.Int64
}

// Bus fans events out to subscribers. Each subscriber has a bounded queue and
// sees events in publish order; a full queue drops the event for that
// subscriber only.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
	buffer int
	log    *zap.Logger
}

// NewBus creates a bus
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{subs: map[uint64]*subscriber{}, buffer: DefaultBuffer, log: log}
}

// Subscribe registers fn for the given types, or every type when none are
// given. The returned func unsubscribes and waits for fn to return; it is safe
// to call more than once.
func (b *Bus) Subscribe(fn Handler, types ...Type) (unsubscribe func()) {
	s := &subscriber{ch: make(chan Event, b.buffer), done: make(chan struct{})}
	if len(types) > 0 {
		s.filter = make(map[Type]bool, len(types))
		for _, t := range types {
			s.filter[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.done)
		return func() {}
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()

	go func() {
		defer close(s.done)
		for ev := range s.ch {
			b.deliver(fn, ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[s.id]; ok {
				delete(b.subs, s.id)
				close(s.ch)
			}
			b.mu.Unlock()
			<-s.done
		})
	}
}

func (b *Bus) deliver(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", zap.String("event", string(ev.Type)), zap.Any("recover", r))
		}
	}()
	fn(ev)
}

// Publish queues ev for every interested subscriber. It never blocks.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.filter != nil && !s.filter[ev.Type] {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			if s.dropped.Add(1) == 1 {
				b.log.Warn("subscriber queue full, dropping events", zap.Uint64("subscriber", s.id))
			}
		}
	}
}

// Emit is shorthand for Publish with a type and payload
func (b *Bus) Emit(t Type, sessionID string, data interface{}) {
	b.Publish(Event{Type: t, SessionID: sessionID, Data: data})
}

// Close unsubscribes everyone after their queues drain
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for id, s := range b.subs {
		subs = append(subs, s)
		close(s.ch)
		delete(b.subs, id)
	}
	b.mu.Unlock()
	for _, s := range subs {
		<-s.done
	}
}
