// Package capture records user interactions in a live page.
//
// A Session injects an instrumentation script that reports actions and page
// signals through a Runtime binding. Every protocol event, binding message and
// verification timer is funnelled into one mailbox and handled by a single
// goroutine, so the action log and the pending-click table have exactly one
// writer and need no locks.
//
// Clicks are not appended when they arrive. They wait, keyed by the document
// that sent them and their envelope sequence, until the verification deadline fires or the page
// reports networkIdle, whichever comes first; their effects are then read
// from the timeline of significant requests and page signals. Every other
// action type is appended at once with a "value changed" style effect.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lance13c/browzer/internal/browser"
	"github.com/lance13c/browzer/internal/config"
	"github.com/lance13c/browzer/internal/events"
	"github.com/lance13c/browzer/internal/metrics"
	"github.com/lance13c/browzer/internal/rules"
	"github.com/lance13c/browzer/internal/types"
)

// ErrSessionClosed is returned by calls made after Stop
var ErrSessionClosed = errors.New("capture session closed")

// Defaults
const (
	DefaultVerificationDeadline = 500 * time.Millisecond
	DefaultEffectWindow         = 1500 * time.Millisecond
	DefaultScrollThreshold      = 50
	inputDedupWindow            = 1000 // ms
)

// Finalization triggers
const (
	TriggerDeadline    = "deadline"
	TriggerNetworkIdle = "network_idle"
	TriggerFlush       = "flush"
)

// Page is the slice of a browser tab the recorder drives
type Page interface {
	browser.SnapshotView
	ID() string
	Listen(ctx context.Context, fn func(ev interface{}))
	EnableRecording(ctx context.Context) error
	AddBinding(ctx context.Context, name string) error
	RemoveBinding(ctx context.Context, name string) error
	AddScriptOnNewDocument(ctx context.Context, src string) (page.ScriptIdentifier, error)
	RemoveScriptOnNewDocument(ctx context.Context, id page.ScriptIdentifier) error
	Evaluate(ctx context.Context, expr string, res interface{}) error
	URL(ctx context.Context) (string, error)
}

// Snapshotter stores a page snapshot for an action and returns its path
type Snapshotter interface {
	Capture(ctx context.Context, view browser.SnapshotView, action *types.RecordedAction) string
}

// Options tune a session
type Options struct {
	VerificationDeadline time.Duration
	EffectWindow         time.Duration
	ScrollThreshold      float64
	Significance         *rules.Filter
	Snapshotter          Snapshotter // nil disables snapshots
	Metrics              *metrics.Collector
	Bus                  *events.Bus
	Binding              string
}

// OptionsFrom maps the recorder config section onto Options
func OptionsFrom(cfg config.RecorderConfig) Options {
	return Options{
		VerificationDeadline: cfg.VerificationDeadline,
		EffectWindow:         cfg.EffectWindow,
		ScrollThreshold:      cfg.ScrollThreshold,
	}
}

func (o Options) withDefaults() Options {
	if o.VerificationDeadline <= 0 {
		o.VerificationDeadline = DefaultVerificationDeadline
	}
	if o.EffectWindow <= 0 {
		o.EffectWindow = DefaultEffectWindow
	}
	if o.ScrollThreshold <= 0 {
		o.ScrollThreshold = DefaultScrollThreshold
	}
	if o.Significance == nil {
		o.Significance = rules.MustDefault()
	}
	if o.Binding == "" {
		o.Binding = DefaultBinding
	}
	return o
}

// docKey identifies one instrumented document. Execution context ids are only
// unique within a target, so the install generation is part of the key.
type docKey struct {
	gen int
	ctx runtime.ExecutionContextID
}

// clickKey identifies a pending click. Every document numbers its envelopes
// from 1.
type clickKey struct {
	doc docKey
	seq int64
}

type pendingClick struct {
	action types.RecordedAction
	timer  *time.Timer
}

// Session is one recording. All methods are safe for concurrent use.
type Session struct {
	id    string
	opts  Options
	log   *zap.Logger
	instr Instrumentation

	ctx    context.Context
	cancel context.CancelFunc

	// mailbox
	mu     sync.Mutex
	inbox  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
	result *types.Recording

	// owned by the loop goroutine
	page         Page
	gen          int
	scriptID     page.ScriptIdentifier
	listenCancel context.CancelFunc
	mainFrame    cdp.FrameID
	actions      []types.RecordedAction
	pending      map[clickKey]*pendingClick
	timeline     timeline
	seq          int
	lastInput    *types.RecordedAction
	startURL     string
	startedAt    time.Time

	snapshots sync.WaitGroup
	snapMu    sync.Mutex
	snapPaths map[int]string
}

// Start installs the instrumentation in p and begins recording
func Start(ctx context.Context, p Page, opts Options, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	id := uuid.NewString()
	s := &Session{
		id:        id,
		opts:      opts,
		log:       log.With(zap.String("session", id)),
		instr:     NewInstrumentation(opts.Binding, uuid.NewString()),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		pending:   make(map[clickKey]*pendingClick),
		snapPaths: make(map[int]string),
		startedAt: time.Now(),
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := s.install(ctx, p); err != nil {
		s.cancel()
		return nil, err
	}

	if url, err := p.URL(ctx); err == nil {
		s.startURL = url
	}
	s.opts.Bus.Emit(events.SessionStarted, s.id, map[string]string{"tab": p.ID(), "url": s.startURL})
	if s.startURL != "" {
		url := s.startURL
		s.appendAction(types.RecordedAction{
			Seq:       s.nextSeq(),
			Type:      types.ActionNavigate,
			Timestamp: time.Now().UnixMilli(),
			URL:       url,
			TabID:     p.ID(),
			Effects:   immediateEffects(types.ActionNavigate),
		})
	}

	go s.loop()

	s.log.Info("recording started", zap.String("tab", p.ID()), zap.String("url", s.startURL))
	return s, nil
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// install wires the binding, script and listener into p. Only called from
// Start or the loop goroutine.
func (s *Session) install(ctx context.Context, p Page) error {
	if err := p.EnableRecording(ctx); err != nil {
		return fmt.Errorf("enable recording domains: %w", err)
	}
	if err := p.AddBinding(ctx, s.instr.Binding); err != nil {
		return fmt.Errorf("add binding: %w", err)
	}
	scriptID, err := p.AddScriptOnNewDocument(ctx, s.instr.Source)
	if err != nil {
		return fmt.Errorf("add instrumentation script: %w", err)
	}

	s.page = p
	s.scriptID = scriptID
	s.gen++
	s.mainFrame = ""
	gen := s.gen
	lctx, cancel := context.WithCancel(s.ctx)
	s.listenCancel = cancel
	p.Listen(lctx, func(ev interface{}) { s.dispatch(gen, ev) })

	if err := p.Evaluate(ctx, s.instr.Source, nil); err != nil {
		// the script still runs on the next document
		s.log.Warn("instrumentation not injected into current document", zap.Error(err))
	}
	return nil
}

// uninstall disables recording in the current page and detaches from it
func (s *Session) uninstall(ctx context.Context) {
	if s.page == nil {
		return
	}
	var disabled bool
	if err := s.page.Evaluate(ctx, s.instr.DisableExpression(), &disabled); err != nil {
		s.log.Debug("disable expression failed", zap.Error(err))
	}
	if s.listenCancel != nil {
		s.listenCancel()
	}
	if err := s.page.RemoveBinding(ctx, s.instr.Binding); err != nil {
		s.log.Debug("remove binding failed", zap.Error(err))
	}
	if s.scriptID != "" {
		if err := s.page.RemoveScriptOnNewDocument(ctx, s.scriptID); err != nil {
			s.log.Debug("remove script failed", zap.Error(err))
		}
	}
}

// mailbox

func (s *Session) post(fn func()) bool {
	return s.enqueue(fn, false)
}

func (s *Session) enqueue(fn func(), last bool) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.inbox = append(s.inbox, fn)
	if last {
		s.closed = true
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the loop goroutine and waits for it
func (s *Session) call(ctx context.Context, fn func(), last bool) error {
	reply := make(chan struct{})
	if !s.enqueue(func() { fn(); close(reply) }, last) {
		return ErrSessionClosed
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) loop() {
	defer close(s.done)
	for range s.wake {
		for {
			s.mu.Lock()
			if len(s.inbox) == 0 {
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := s.inbox[0]
			s.inbox[0] = nil
			s.inbox = s.inbox[1:]
			s.mu.Unlock()
			fn()
		}
	}
}

// dispatch runs on the protocol event goroutine and must not block
func (s *Session) dispatch(gen int, ev interface{}) {
	switch e := ev.(type) {
	case *runtime.EventBindingCalled:
		doc := docKey{gen: gen, ctx: e.ExecutionContextID}
		name, payload := e.Name, e.Payload
		s.post(func() { s.onBinding(doc, name, payload) })

	case *network.EventRequestWillBeSent:
		if e.Request == nil {
			return
		}
		ts := time.Now().UnixMilli()
		if e.WallTime != nil {
			ts = e.WallTime.Time().UnixMilli()
		}
		req := types.ObservedRequest{
			URL:          e.Request.URL,
			Method:       e.Request.Method,
			ResourceType: string(e.Type),
			Timestamp:    ts,
		}
		s.post(func() { s.onRequest(gen, req) })

	case *page.EventLifecycleEvent:
		if e.Name != "networkIdle" {
			return
		}
		frame := e.FrameID
		s.post(func() { s.onNetworkIdle(gen, frame) })

	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		frame, url, ts := e.Frame.ID, e.Frame.URL+e.Frame.URLFragment, time.Now().UnixMilli()
		s.post(func() { s.onNavigated(gen, frame, url, ts) })
	}
}

// handlers, loop goroutine only

func (s *Session) onBinding(doc docKey, name, payload string) {
	if doc.gen != s.gen {
		return
	}
	env, err := s.instr.Decode(name, payload)
	if err != nil {
		s.reject(err)
		return
	}

	switch env.Kind {
	case KindSignal:
		sig, err := env.Signal()
		if err != nil {
			s.reject(err)
			return
		}
		ts := env.TS
		if ts <= 0 {
			ts = time.Now().UnixMilli()
		}
		s.timeline.addSignal(ts, doc, *sig)
		if sig.Type != SignalReady {
			s.attributeLate(ts)
		}

	case KindAction:
		p, err := env.Action()
		if err != nil {
			s.reject(err)
			return
		}
		s.onAction(clickKey{doc: doc, seq: env.Seq}, p)
	}
}

func (s *Session) reject(err error) {
	s.opts.Metrics.EnvelopeRejected(rejectReason(err))
	s.log.Debug("instrumentation message rejected", zap.Error(err))
}

func (s *Session) onAction(key clickKey, p *ActionPayload) {
	a := types.RecordedAction{
		Type:      p.Type,
		Timestamp: p.Timestamp,
		Target:    p.Target,
		Value:     p.Value,
		URL:       p.URL,
		TabID:     s.page.ID(),
	}
	if len(p.FormContext) > 0 {
		a.SetMeta(types.MetaFormContext, p.FormContext)
	}
	if len(p.Validation) > 0 {
		a.SetMeta(types.MetaValidation, p.Validation)
	}

	if a.Type == types.ActionClick {
		if _, dup := s.pending[key]; dup {
			return
		}
		a.Seq = s.nextSeq()
		pc := &pendingClick{action: a}
		pc.timer = time.AfterFunc(s.opts.VerificationDeadline, func() {
			s.post(func() { s.finalize(key, TriggerDeadline) })
		})
		s.pending[key] = pc
		return
	}

	if a.Type == types.ActionInput && s.duplicateInput(&a) {
		return
	}
	a.Seq = s.nextSeq()
	a.Effects = immediateEffects(a.Type)
	if a.Type == types.ActionInput {
		last := a
		s.lastInput = &last
	}
	s.appendAction(a)
}

// duplicateInput reports whether a repeats the previous input commit
func (s *Session) duplicateInput(a *types.RecordedAction) bool {
	prev := s.lastInput
	if prev == nil {
		return false
	}
	return prev.Target.SameElement(a.Target) &&
		prev.StringValue() == a.StringValue() &&
		a.Timestamp-prev.Timestamp <= inputDedupWindow
}

func (s *Session) onRequest(gen int, req types.ObservedRequest) {
	if gen != s.gen {
		return
	}
	if !s.opts.Significance.Significant(rules.NewRequest(req.URL, req.Method, req.ResourceType)) {
		return
	}
	s.timeline.addRequest(req)
	s.attributeLate(req.Timestamp)
}

func (s *Session) onNetworkIdle(gen int, frame cdp.FrameID) {
	if gen != s.gen {
		return
	}
	if s.mainFrame != "" && frame != s.mainFrame {
		return
	}
	for _, key := range s.pendingKeys() {
		s.finalize(key, TriggerNetworkIdle)
	}
}

func (s *Session) onNavigated(gen int, frame cdp.FrameID, url string, ts int64) {
	if gen != s.gen {
		return
	}
	s.mainFrame = frame
	window := s.opts.EffectWindow.Milliseconds()

	caused := false
	for _, pc := range s.pending {
		if ts >= pc.action.Timestamp && ts-pc.action.Timestamp <= window {
			caused = true
		}
	}
	if last := s.lastAppended(); last != nil && causesEffects(last.Type) &&
		ts >= last.Timestamp && ts-last.Timestamp <= window {
		caused = true
	}

	if caused {
		s.timeline.addSignal(ts, docKey{gen: gen}, SignalPayload{Type: signalNavigation, URL: url})
		s.attributeLate(ts)
		return
	}
	s.appendAction(types.RecordedAction{
		Seq:       s.nextSeq(),
		Type:      types.ActionNavigate,
		Timestamp: ts,
		URL:       url,
		TabID:     s.page.ID(),
		Effects:   immediateEffects(types.ActionNavigate),
	})
}

// finalize appends a pending click with the effects observed so far. The
// first trigger wins; later ones find nothing pending.
func (s *Session) finalize(key clickKey, trigger string) {
	pc, ok := s.pending[key]
	if !ok {
		return
	}
	delete(s.pending, key)
	pc.timer.Stop()

	a := pc.action
	a.Effects = s.effectsFor(&a)
	a.Effects.VerifiedBy = trigger
	s.opts.Metrics.ClickFinalized(trigger)
	s.appendAction(a)
}

// attributeLate extends the effects of the last appended action with a
// request or signal that arrived after it was finalized
func (s *Session) attributeLate(ts int64) {
	last := s.lastAppended()
	if last == nil || !causesEffects(last.Type) {
		return
	}
	if ts < last.Timestamp || ts-last.Timestamp > s.opts.EffectWindow.Milliseconds() {
		return
	}
	for _, pc := range s.pending {
		if pc.action.Timestamp > last.Timestamp {
			return
		}
	}
	if next, ok := s.nextActionAfter(last.Timestamp, last.Seq); ok && ts > next {
		return
	}

	prev := last.Effects
	e := s.effectsFor(last)
	if prev != nil {
		e.VerifiedBy = prev.VerifiedBy
		e.FormSubmitted = e.FormSubmitted || prev.FormSubmitted
		e.NavigationOccurred = e.NavigationOccurred || prev.NavigationOccurred
		e.Summary = summarize(e)
	}
	last.Effects = e
}

func (s *Session) effectsFor(a *types.RecordedAction) *types.Effects {
	until := a.Timestamp + s.opts.EffectWindow.Milliseconds()
	if next, ok := s.nextActionAfter(a.Timestamp, a.Seq); ok && next < until {
		until = next
	}
	return s.timeline.effectsFor(a.Target, a.Timestamp, until, s.opts.ScrollThreshold)
}

// nextActionAfter returns the earliest timestamp after ts among appended and
// pending actions other than seq
func (s *Session) nextActionAfter(ts int64, seq int) (int64, bool) {
	var next int64
	found := false
	consider := func(a *types.RecordedAction) {
		if a.Seq == seq || a.Timestamp <= ts {
			return
		}
		if !found || a.Timestamp < next {
			next, found = a.Timestamp, true
		}
	}
	for i := range s.actions {
		consider(&s.actions[i])
	}
	for _, pc := range s.pending {
		consider(&pc.action)
	}
	return next, found
}

func (s *Session) lastAppended() *types.RecordedAction {
	if len(s.actions) == 0 {
		return nil
	}
	return &s.actions[len(s.actions)-1]
}

func (s *Session) pendingKeys() []clickKey {
	keys := make([]clickKey, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return s.pending[keys[i]].action.Timestamp < s.pending[keys[j]].action.Timestamp
	})
	return keys
}

func (s *Session) nextSeq() int {
	s.seq++
	return s.seq
}

func (s *Session) appendAction(a types.RecordedAction) {
	s.actions = append(s.actions, a)
	s.opts.Metrics.ActionCaptured(string(a.Type))
	s.opts.Bus.Emit(events.ActionCaptured, s.id, a)
	s.log.Debug("action captured",
		zap.Int("seq", a.Seq),
		zap.String("type", string(a.Type)),
		zap.String("effects", effectSummary(a.Effects)))

	if s.opts.Snapshotter != nil {
		view, snap := s.page, a
		s.snapshots.Add(1)
		go func() {
			defer s.snapshots.Done()
			path := s.opts.Snapshotter.Capture(s.ctx, view, &snap)
			if path == "" {
				return
			}
			s.snapMu.Lock()
			s.snapPaths[snap.Seq] = path
			s.snapMu.Unlock()
		}()
	}
}

func effectSummary(e *types.Effects) string {
	if e == nil {
		return ""
	}
	return e.Summary
}

// causesEffects reports whether an action type can be credited with later effects
func causesEffects(t types.ActionType) bool {
	switch t {
	case types.ActionClick, types.ActionSubmit, types.ActionKeypress:
		return true
	}
	return false
}

// public operations

// Actions returns a copy of the log captured so far, pending clicks excluded
func (s *Session) Actions(ctx context.Context) ([]types.RecordedAction, error) {
	var out []types.RecordedAction
	err := s.call(ctx, func() {
		out = append([]types.RecordedAction(nil), s.actions...)
	}, false)
	return out, err
}

// Pending returns the number of clicks awaiting verification
func (s *Session) Pending(ctx context.Context) (int, error) {
	var n int
	err := s.call(ctx, func() { n = len(s.pending) }, false)
	return n, err
}

// SwitchTarget moves recording to another tab. Captured and pending actions
// are kept; events still queued from the old tab are discarded.
func (s *Session) SwitchTarget(ctx context.Context, p Page) error {
	var switchErr error
	err := s.call(ctx, func() {
		from := ""
		if s.page != nil {
			from = s.page.ID()
		}
		s.uninstall(ctx)
		if err := s.install(ctx, p); err != nil {
			switchErr = err
			return
		}
		s.opts.Bus.Emit(events.TargetSwitched, s.id, map[string]string{"from": from, "to": p.ID()})
		s.log.Info("recording target switched", zap.String("from", from), zap.String("to", p.ID()))
	}, false)
	if err != nil {
		return err
	}
	return switchErr
}

// FollowOpened moves recording to a page opened by the recorded tab, such as
// a target=_blank link or window.open. It reports false without attaching when
// opener is not the tab currently recorded.
func (s *Session) FollowOpened(ctx context.Context, opener string, attach func(context.Context) (Page, error)) (bool, error) {
	var current string
	if err := s.call(ctx, func() {
		if s.page != nil {
			current = s.page.ID()
		}
	}, false); err != nil {
		return false, err
	}
	if opener == "" || opener != current {
		return false, nil
	}
	p, err := attach(ctx)
	if err != nil {
		return false, fmt.Errorf("attach opened page: %w", err)
	}
	if err := s.SwitchTarget(ctx, p); err != nil {
		return false, err
	}
	return true, nil
}

// Stop disables the instrumentation, flushes pending clicks, detaches and
// returns the log ordered by timestamp. Later calls return ErrSessionClosed.
func (s *Session) Stop(ctx context.Context) ([]types.RecordedAction, error) {
	var out []types.RecordedAction
	err := s.call(ctx, func() {
		s.uninstall(ctx)
		for _, key := range s.pendingKeys() {
			s.finalize(key, TriggerFlush)
		}

		s.snapshots.Wait()
		s.snapMu.Lock()
		for i := range s.actions {
			if path, ok := s.snapPaths[s.actions[i].Seq]; ok {
				s.actions[i].SnapshotPath = path
			}
		}
		s.snapMu.Unlock()

		types.SortByTimestamp(s.actions)
		out = append([]types.RecordedAction(nil), s.actions...)

		rec := &types.Recording{
			ID:        s.id,
			StartURL:  s.startURL,
			StartedAt: s.startedAt,
			StoppedAt: time.Now(),
			Actions:   append([]types.RecordedAction(nil), out...),
		}
		s.mu.Lock()
		s.result = rec
		s.mu.Unlock()

		s.cancel()
		s.opts.Bus.Emit(events.SessionStopped, s.id, map[string]int{"actions": len(out)})
		s.log.Info("recording stopped", zap.Int("actions", len(out)))
	}, true)
	return out, err
}

// Recording returns the finished recording, or nil before Stop completes
func (s *Session) Recording() *types.Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Done is closed once the session has stopped
func (s *Session) Done() <-chan struct{} {
	return s.done
}
