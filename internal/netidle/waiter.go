// Package netidle waits for a page's network activity to go quiet.
//
// Wait is a timer-driven state machine rather than a polling loop. It starts
// Armed and moves to Idle-Pending when a completion leaves the tracked
// in-flight count at or under the threshold (the idle timer runs). Any new
// tracked request cancels the idle timer. A wait ends Settled when the idle timer fires or
// Timed-Out when the hard timeout fires. Whichever trigger comes first resolves
// the wait; later triggers are no-ops.
package netidle

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"
)

// Defaults
const (
	DefaultIdleTime = 500 * time.Millisecond
	DefaultTimeout  = 5 * time.Second
)

// State of a wait
type State string

const (
	StateArmed       State = "armed"
	StateIdlePending State = "idle_pending"
	StateSettled     State = "settled"
	StateTimedOut    State = "timed_out"
)

// Source is the slice of a browser tab the waiter needs
type Source interface {
	// Listen delivers protocol events to fn until ctx is cancelled. fn must not block.
	Listen(ctx context.Context, fn func(ev interface{}))
	EnableNetwork(ctx context.Context) error
	ReadyState(ctx context.Context) (string, error)
}

// Options tune a wait
type Options struct {
	IdleTime  time.Duration
	Timeout   time.Duration
	Threshold int
}

func (o Options) withDefaults() Options {
	if o.IdleTime <= 0 {
		o.IdleTime = DefaultIdleTime
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Threshold < 0 {
		o.Threshold = 0
	}
	return o
}

// Result describes how a wait ended
type Result struct {
	State   State
	Pending int
	Elapsed time.Duration
	Err     error
}

// Idle reports whether the page settled before the hard timeout
func (r Result) Idle() bool {
	return r.State == StateSettled
}

var trackedTypes = map[network.ResourceType]bool{
	network.ResourceTypeDocument:   true,
	network.ResourceTypeStylesheet: true,
	network.ResourceTypeScript:     true,
	network.ResourceTypeXHR:        true,
	network.ResourceTypeFetch:      true,
}

// Tracked reports whether requests of type t hold the page busy
func Tracked(t network.ResourceType) bool {
	return trackedTypes[t]
}

// Waiter runs waits against one source
type Waiter struct {
	src  Source
	opts Options
	log  *zap.Logger
}

// New creates a waiter with default options
func New(src Source, opts Options, log *zap.Logger) *Waiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Waiter{src: src, opts: opts.withDefaults(), log: log}
}

// Wait blocks until the page is network-idle, the hard timeout fires or ctx ends.
// The in-flight set belongs to this call only.
func (w *Waiter) Wait(ctx context.Context) Result {
	return w.WaitWith(ctx, w.opts)
}

// WaitWith is Wait with per-call options
func (w *Waiter) WaitWith(ctx context.Context, opts Options) Result {
	opts = opts.withDefaults()
	listenCtx, stopListening := context.WithCancel(ctx)

	m := &machine{
		opts:     opts,
		inflight: make(map[network.RequestID]struct{}),
		state:    StateArmed,
		start:    time.Now(),
		done:     make(chan Result, 1),
		teardown: stopListening,
	}

	w.src.Listen(listenCtx, m.handle)

	if err := w.src.EnableNetwork(ctx); err != nil {
		w.log.Warn("network enable failed, continuing", zap.Error(err))
	}

	m.mu.Lock()
	m.hardTimer = time.AfterFunc(opts.Timeout, m.timeout)
	m.mu.Unlock()

	if rs, err := w.src.ReadyState(ctx); err == nil && rs == "complete" {
		m.fastPath()
	}
	m.armIfQuiet()

	select {
	case res := <-m.done:
		w.log.Debug("network wait resolved",
			zap.String("state", string(res.State)),
			zap.Int("pending", res.Pending),
			zap.Duration("elapsed", res.Elapsed))
		return res
	case <-ctx.Done():
		m.resolve(StateTimedOut, ctx.Err())
		return <-m.done
	}
}

type machine struct {
	mu        sync.Mutex
	opts      Options
	inflight  map[network.RequestID]struct{}
	state     State
	idleTimer *time.Timer
	idleGen   int
	active    bool // a tracked request was seen
	hardTimer *time.Timer
	start     time.Time
	resolved  bool
	done      chan Result
	teardown  context.CancelFunc
}

func (m *machine) handle(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if !Tracked(e.Type) {
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.resolved {
			return
		}
		m.inflight[e.RequestID] = struct{}{}
		m.active = true
		m.stopIdleLocked()
		m.state = StateArmed
	case *network.EventLoadingFinished:
		m.finish(e.RequestID)
	case *network.EventLoadingFailed:
		m.finish(e.RequestID)
	case *network.EventResponseReceived:
		if e.Response != nil && e.Response.Status >= 400 {
			m.finish(e.RequestID)
		}
	}
}

func (m *machine) finish(id network.RequestID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolved {
		return
	}
	if _, ok := m.inflight[id]; !ok {
		return
	}
	delete(m.inflight, id)
	m.reevaluateLocked()
}

func (m *machine) armIfQuiet() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolved || m.idleTimer != nil || m.active {
		return
	}
	m.reevaluateLocked()
}

func (m *machine) reevaluateLocked() {
	if len(m.inflight) <= m.opts.Threshold {
		m.stopIdleLocked()
		m.state = StateIdlePending
		m.idleGen++
		gen := m.idleGen
		m.idleTimer = time.AfterFunc(m.opts.IdleTime, func() { m.idle(gen) })
		return
	}
	m.stopIdleLocked()
	m.state = StateArmed
}

func (m *machine) stopIdleLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
}

func (m *machine) fastPath() {
	m.mu.Lock()
	under := len(m.inflight) <= m.opts.Threshold
	m.mu.Unlock()
	if under {
		m.resolve(StateSettled, nil)
	}
}

// idle fires from the idle timer. A timer that was replaced after it started
// running sees a stale generation and does nothing.
func (m *machine) idle(gen int) {
	m.mu.Lock()
	under := gen == m.idleGen && m.idleTimer != nil && len(m.inflight) <= m.opts.Threshold
	m.mu.Unlock()
	if under {
		m.resolve(StateSettled, nil)
	}
}

func (m *machine) timeout() {
	m.resolve(StateTimedOut, nil)
}

// resolve is the resolve-once guard: the first caller wins
func (m *machine) resolve(state State, err error) {
	m.mu.Lock()
	if m.resolved {
		m.mu.Unlock()
		return
	}
	m.resolved = true
	m.state = state
	m.stopIdleLocked()
	if m.hardTimer != nil {
		m.hardTimer.Stop()
	}
	res := Result{
		State:   state,
		Pending: len(m.inflight),
		Elapsed: time.Since(m.start),
		Err:     err,
	}
	m.mu.Unlock()

	m.teardown()
	m.done <- res
}
