package ui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/lance13c/browzer/internal/events"
)

// EventMsg carries one bus event into a program
type EventMsg events.Event

// FeedClosedMsg is sent once the feed has been closed
type FeedClosedMsg struct{}

// Feed forwards bus events to a bubbletea program
type Feed struct {
	ch          chan events.Event
	done        chan struct{}
	unsubscribe func()
	once        sync.Once
}

// NewFeed subscribes to bus for the given event types
func NewFeed(bus *events.Bus, types ...events.Type) *Feed {
	f := &Feed{ch: make(chan events.Event, events.DefaultBuffer), done: make(chan struct{})}
	f.unsubscribe = bus.Subscribe(func(ev events.Event) {
		select {
		case f.ch <- ev:
		case <-f.done:
		}
	}, types...)
	return f
}

// Next waits for the next event
func (f *Feed) Next() tea.Msg {
	select {
	case ev := <-f.ch:
		return EventMsg(ev)
	case <-f.done:
		return FeedClosedMsg{}
	}
}

// Close stops the feed. Pending Next calls return FeedClosedMsg.
func (f *Feed) Close() {
	f.once.Do(func() {
		close(f.done)
		f.unsubscribe()
	})
}
