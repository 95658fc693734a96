package capture

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lance13c/browzer/internal/browser"
	"github.com/lance13c/browzer/internal/events"
	"github.com/lance13c/browzer/internal/types"
)

type fakePage struct {
	id  string
	url string

	mu             sync.Mutex
	listenCtx      context.Context
	listener       func(ev interface{})
	evals          []string
	bindings       []string
	removedBinding bool
	removedScript  bool
}

func newFakePage(id, url string) *fakePage {
	return &fakePage{id: id, url: url}
}

func (f *fakePage) ID() string { return f.id }

func (f *fakePage) Listen(ctx context.Context, fn func(ev interface{})) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listenCtx, f.listener = ctx, fn
}

func (f *fakePage) emit(ev interface{}) {
	f.mu.Lock()
	ctx, fn := f.listenCtx, f.listener
	f.mu.Unlock()
	if fn == nil || ctx.Err() != nil {
		return
	}
	fn(ev)
}

func (f *fakePage) EnableRecording(context.Context) error { return nil }

func (f *fakePage) AddBinding(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, name)
	return nil
}

func (f *fakePage) RemoveBinding(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedBinding = true
	return nil
}

func (f *fakePage) AddScriptOnNewDocument(context.Context, string) (page.ScriptIdentifier, error) {
	return "1", nil
}

func (f *fakePage) RemoveScriptOnNewDocument(context.Context, page.ScriptIdentifier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedScript = true
	return nil
}

func (f *fakePage) Evaluate(_ context.Context, expr string, res interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals = append(f.evals, expr)
	if b, ok := res.(*bool); ok {
		*b = true
	}
	return nil
}

func (f *fakePage) URL(context.Context) (string, error) { return f.url, nil }

func (f *fakePage) Screenshot(context.Context) ([]byte, error) { return []byte("png"), nil }

func (f *fakePage) PageHTML(context.Context) (string, error) { return "<html></html>", nil }

func now() int64 { return time.Now().UnixMilli() }

func button(sel string) *types.ElementTarget {
	return &types.ElementTarget{Selector: sel, TagName: "BUTTON", Text: "Go", IsInteractive: true, IsVisible: true}
}

func field(sel string) *types.ElementTarget {
	return &types.ElementTarget{Selector: sel, TagName: "INPUT", Attributes: map[string]string{"type": "email"}}
}

func binding(t *testing.T, s *Session, token, kind string, seq, ts int64, data interface{}) *runtime.EventBindingCalled {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	payload, err := json.Marshal(Envelope{V: EnvelopeVersion, Token: token, Kind: kind, Seq: seq, TS: ts, Data: raw})
	require.NoError(t, err)
	return &runtime.EventBindingCalled{Name: s.instr.Binding, Payload: string(payload)}
}

func action(t *testing.T, s *Session, seq int64, p ActionPayload) *runtime.EventBindingCalled {
	return binding(t, s, s.instr.Token, KindAction, seq, p.Timestamp, p)
}

func fromContext(ev *runtime.EventBindingCalled, id runtime.ExecutionContextID) *runtime.EventBindingCalled {
	ev.ExecutionContextID = id
	return ev
}

func request(method, url, resource string, at time.Time) *network.EventRequestWillBeSent {
	wall := cdp.TimeSinceEpoch(at)
	return &network.EventRequestWillBeSent{
		Request:  &network.Request{URL: url, Method: method},
		Type:     network.ResourceType(resource),
		WallTime: &wall,
	}
}

func start(t *testing.T, p *fakePage, opts Options) *Session {
	t.Helper()
	s, err := Start(context.Background(), p, opts, nil)
	require.NoError(t, err)
	return s
}

func ofType(actions []types.RecordedAction, typ types.ActionType) []types.RecordedAction {
	var out []types.RecordedAction
	for _, a := range actions {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func waitForType(t *testing.T, s *Session, typ types.ActionType) types.RecordedAction {
	t.Helper()
	var found types.RecordedAction
	require.Eventually(t, func() bool {
		actions, err := s.Actions(context.Background())
		if err != nil {
			return false
		}
		got := ofType(actions, typ)
		if len(got) == 0 {
			return false
		}
		found = got[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return found
}

func TestStartInstallsAndRecordsInitialNavigation(t *testing.T) {
	p := newFakePage("tab-1", "https://app.test/login")
	s := start(t, p, Options{})

	actions, err := s.Actions(context.Background())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, types.ActionNavigate, actions[0].Type)
	assert.Equal(t, "https://app.test/login", actions[0].URL)
	assert.True(t, actions[0].Effects.NavigationOccurred)

	assert.Equal(t, []string{DefaultBinding}, p.bindings)
	require.NotEmpty(t, p.evals)
	assert.NotContains(t, p.evals[0], "__TOKEN__")

	_, err = s.Stop(context.Background())
	require.NoError(t, err)
}

func TestInputCapturedOnce(t *testing.T) {
	p := newFakePage("tab-1", "https://app.test/login")
	s := start(t, p, Options{})

	ts := now()
	in := ActionPayload{Type: types.ActionInput, Timestamp: ts, Value: "a@b.com", Target: field("#email")}
	p.emit(action(t, s, 1, in))
	in.Timestamp = ts + 200
	p.emit(action(t, s, 2, in))

	actions, err := s.Stop(context.Background())
	require.NoError(t, err)
	inputs := ofType(actions, types.ActionInput)
	require.Len(t, inputs, 1)
	assert.Equal(t, "a@b.com", inputs[0].StringValue())
	assert.True(t, inputs[0].Effects.StateChanged)
	assert.Equal(t, "immediate", inputs[0].Effects.VerifiedBy)
}

func TestChangedInputIsNotDeduplicated(t *testing.T) {
	p := newFakePage("tab-1", "https://app.test/login")
	s := start(t, p, Options{})

	ts := now()
	p.emit(action(t, s, 1, ActionPayload{Type: types.ActionInput, Timestamp: ts, Value: "a@b.com", Target: field("#email")}))
	p.emit(action(t, s, 2, ActionPayload{Type: types.ActionInput, Timestamp: ts + 100, Value: "a@b.co", Target: field("#email")}))

	actions, err := s.Stop(context.Background())
	require.NoError(t, err)
	assert.Len(t, ofType(actions, types.ActionInput), 2)
}

func TestClickCreditedWithSignificantRequest(t *testing.T) {
	p := newFakePage("tab-1", "https://app.test/login")
	s := start(t, p, Options{VerificationDeadline: 150 * time.Millisecond})

	at := time.Now()
	p.emit(action(t, s, 1, ActionPayload{Type: types.ActionClick, Timestamp: at.UnixMilli(), Target: button("#go")}))
	p.emit(request("POST", "https://app.test/api/login", "XHR", at.Add(100*time.Millisecond)))
	p.emit(request("POST", "https://www.google-analytics.com/collect", "XHR", at.Add(110*time.Millisecond)))

	click := waitForType(t, s, types.ActionClick)
	require.NotNil(t, click.Effects.Network)
	assert.Equal(t, 1, click.Effects.Network.RequestCount)
	assert.Equal(t, TriggerDeadline, click.Effects.VerifiedBy)
	assert.Contains(t, click.Effects.Summary, "1 significant request")

	_, err := s.Stop(context.Background())
	require.NoError(t, err)
}

func TestLateRequestIsAttributedAfterFinalization(t *testing.T) {
	p := newFakePage("tab-1", "https://app.test/login")
	s := start(t, p, Options{VerificationDeadline: 20 * time.Millisecond})

	at := time.Now()
	p.emit(action(t, s, 1, ActionPayload{Type: types.ActionClick, Timestamp: at.UnixMilli(), Target: button("#go")}))
	click := waitForType(t, s, types.ActionClick)
	assert.Nil(t, click.Effects.Network)

	p.emit(request("GET", "https://app.test/api/items", "Fetch", at.Add(800*time.Millisecond)))
	click = waitForType(t, s, types.ActionClick)
	require.NotNil(t, click.Effects.Network)
	assert.Equal(t, 1, click.Effects.Network.RequestCount)
	assert.Equal(t, TriggerDeadline, click.Effects.VerifiedBy)

	// outside the effect window
	p.emit(request("GET", "https://app.test/api/more", "Fetch", at.Add(3*time.Second)))
	actions, err := s.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ofType(actions, types.ActionClick)[0].Effects.Network.RequestCount)
}

func TestNetworkIdleFinalizesBeforeDeadline(t *testing.T) {
	p := newFakePage("tab-1", "https://app.test/login")
	s := start(t, p, Options{VerificationDeadline: time.Minute})

	p.emit(action(t, s, 1, ActionPayload{Type: types.ActionClick, Timestamp: now(), Target: button("#go")}))
	p.emit(&page.EventLifecycleEvent{FrameID: "main", Name: "networkIdle"})

	click := waitForType(t, s, types.ActionClick)
	assert.Equal(t, TriggerNetworkIdle, click.Effects.VerifiedBy)

	n, err := s.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = s.Stop(context.Background())
	require.NoError(t, err)
}

func TestRejectsForgedEnvelopes(t *testing.T) {
	p := newFakePage("tab-1", "https://app.test/login")
	s := start(t, p, Options{})

	in := ActionPayload{Type: types.ActionInput, Timestamp: now(), Value: "x", Target: field("#q")}
	p.emit(binding(t, s, "forged", KindAction, 1, in.Timestamp, in))
	p.emit(&runtime.EventBindingCalled{Name: s.instr.Binding, Payload: "{not json"})
	p.emit(&runtime.EventBindingCalled{Name: "otherBinding", Payload: "{}"})
	p.emit(action(t, s, 2, ActionPayload{Type: "hover", Timestamp: now(), Target: field("#q")}))
	p.emit(action(t, s, 3, ActionPayload{Type: types.ActionClick, Timestamp: now()}))

	actions, err := s.Stop(context.Background())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, types.ActionNavigate, actions[0].Type)
}

func TestStopFlushesPendingAndSorts(t *testing.T) {
	p := newFakePage("tab-1", "https://app.test/login")
	bus := events.NewBus(nil)
	var mu sync.Mutex
	var seen []events.Type
	unsubscribe := bus.Subscribe(func(ev events.Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})
	s := start(t, p, Options{VerificationDeadline: time.Minute, Bus: bus})

	ts := now() + 10
	p.emit(action(t, s, 1, ActionPayload{Type: types.ActionInput, Timestamp: ts + 100, Value: "hello", Target: field("#q")}))
	p.emit(action(t, s, 2, ActionPayload{Type: types.ActionClick, Timestamp: ts, Target: button("#go")}))

	actions, err := s.Stop(context.Background())
	require.NoError(t, err)
	require.Len(t, actions, 3)
	assert.Equal(t, []types.ActionType{types.ActionNavigate, types.ActionClick, types.ActionInput},
		[]types.ActionType{actions[0].Type, actions[1].Type, actions[2].Type})
	assert.Equal(t, TriggerFlush, actions[1].Effects.VerifiedBy)

	assert.True(t, p.removedBinding)
	assert.True(t, p.removedScript)
	assert.True(t, strings.Contains(p.evals[len(p.evals)-1], "disable("))

	rec := s.Recording()
	require.NotNil(t, rec)
	assert.Equal(t, "https://app.test/login", rec.StartURL)
	assert.Len(t, rec.Actions, 3)

	// nothing is recorded once stopped
	p.emit(action(t, s, 3, ActionPayload{Type: types.ActionInput, Timestamp: now(), Value: "late", Target: field("#q")}))
	_, err = s.Stop(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Actions(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	<-s.Done()

	unsubscribe()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, events.SessionStarted, seen[0])
	assert.Equal(t, events.SessionStopped, seen[len(seen)-1])
}

func TestNavigationAttributedOrAppended(t *testing.T) {
	p := newFakePage("tab-1", "https://app.test/")
	s := start(t, p, Options{VerificationDeadline: time.Minute})

	// no action in flight: a navigation of its own
	p.emit(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "main", URL: "https://app.test/typed"}})
	// a click in flight: the navigation is its effect
	p.emit(action(t, s, 1, ActionPayload{Type: types.ActionClick, Timestamp: now(), Target: button("a.next")}))
	p.emit(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "main", URL: "https://app.test/next"}})

	actions, err := s.Stop(context.Background())
	require.NoError(t, err)
	navs := ofType(actions, types.ActionNavigate)
	require.Len(t, navs, 2)
	assert.Equal(t, "https://app.test/typed", navs[1].URL)

	clicks := ofType(actions, types.ActionClick)
	require.Len(t, clicks, 1)
	assert.True(t, clicks[0].Effects.NavigationOccurred)
}

func TestSwitchTargetKeepsActions(t *testing.T) {
	first := newFakePage("tab-1", "https://app.test/")
	second := newFakePage("tab-2", "https://app.test/other")
	s := start(t, first, Options{})

	ts := now()
	first.emit(action(t, s, 1, ActionPayload{Type: types.ActionInput, Timestamp: ts, Value: "one", Target: field("#a")}))
	require.NoError(t, s.SwitchTarget(context.Background(), second))
	assert.True(t, first.removedBinding)

	// the old tab's listener is detached
	first.emit(action(t, s, 2, ActionPayload{Type: types.ActionInput, Timestamp: ts + 10, Value: "stale", Target: field("#b")}))
	second.emit(action(t, s, 1, ActionPayload{Type: types.ActionInput, Timestamp: ts + 20, Value: "two", Target: field("#c")}))

	actions, err := s.Stop(context.Background())
	require.NoError(t, err)
	inputs := ofType(actions, types.ActionInput)
	require.Len(t, inputs, 2)
	assert.Equal(t, "tab-1", inputs[0].TabID)
	assert.Equal(t, "tab-2", inputs[1].TabID)
	assert.Equal(t, "two", inputs[1].StringValue())
}

type recordingSnapshotter struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingSnapshotter) Capture(_ context.Context, _ browser.SnapshotView, a *types.RecordedAction) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return "/snap/" + string(a.Type) + ".png"
}

func TestSnapshotPathsAppliedOnStop(t *testing.T) {
	p := newFakePage("tab-1", "https://app.test/")
	snap := &recordingSnapshotter{}
	s := start(t, p, Options{Snapshotter: snap})

	p.emit(action(t, s, 1, ActionPayload{Type: types.ActionSelect, Timestamp: now(), Value: "blue", Target: &types.ElementTarget{Selector: "#c", TagName: "SELECT"}}))

	actions, err := s.Stop(context.Background())
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "/snap/navigate.png", actions[0].SnapshotPath)
	assert.Equal(t, "/snap/select.png", actions[1].SnapshotPath)
	assert.Equal(t, 2, snap.calls)
}

func TestTimelineEffects(t *testing.T) {
	var tl timeline
	main := docKey{gen: 1, ctx: 1}
	target := &types.ElementTarget{Selector: "#search", TagName: "INPUT"}
	tl.addSignal(0, main, SignalPayload{Type: SignalReady, X: 0, Y: 100})
	tl.addSignal(1000, main, SignalPayload{Type: SignalFocus, TagName: "INPUT", Selector: "#search"})
	tl.addSignal(1100, main, SignalPayload{Type: SignalScroll, Y: 130})

	e := tl.effectsFor(target, 1000, 2500, 50)
	assert.Nil(t, e.Focus, "focus on the clicked element itself is not an effect")
	assert.Nil(t, e.Scroll, "30px is under the threshold")
	assert.Equal(t, "no significant effects", e.Summary)

	tl.addSignal(1200, main, SignalPayload{Type: SignalScroll, Y: 400})
	tl.addSignal(1300, main, SignalPayload{Type: SignalFocus, TagName: "TEXTAREA", Selector: "#body"})
	tl.addSignal(1400, main, SignalPayload{Type: SignalModal, Title: "Confirm"})
	e = tl.effectsFor(target, 1000, 2500, 50)
	require.NotNil(t, e.Scroll)
	assert.InDelta(t, 300, e.Scroll.Distance, 0.001)
	require.NotNil(t, e.Focus)
	assert.Equal(t, "TEXTAREA", e.Focus.TagName)
	require.NotNil(t, e.Modal)
	assert.Equal(t, "Confirm", e.Modal.Title)

	// the window is closed on both ends
	e = tl.effectsFor(target, 1250, 1350, 50)
	assert.Nil(t, e.Scroll)
	assert.Nil(t, e.Modal)
}

func TestClicksWithSameSeqFromDifferentTabsAreKept(t *testing.T) {
	first := newFakePage("tab-1", "https://app.test/")
	second := newFakePage("tab-2", "https://app.test/other")
	s := start(t, first, Options{VerificationDeadline: time.Minute})

	ts := now()
	first.emit(fromContext(action(t, s, 1, ActionPayload{Type: types.ActionClick, Timestamp: ts, Target: button("#open")}), 1))
	require.NoError(t, s.SwitchTarget(context.Background(), second))
	second.emit(fromContext(action(t, s, 1, ActionPayload{Type: types.ActionClick, Timestamp: ts + 50, Target: button("#save")}), 1))

	require.Eventually(t, func() bool {
		n, err := s.Pending(context.Background())
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond)

	actions, err := s.Stop(context.Background())
	require.NoError(t, err)
	clicks := ofType(actions, types.ActionClick)
	require.Len(t, clicks, 2)
	assert.Equal(t, "tab-1", clicks[0].TabID)
	assert.Equal(t, "tab-2", clicks[1].TabID)
}

func TestClicksWithSameSeqFromDifferentFramesAreKept(t *testing.T) {
	p := newFakePage("tab-1", "https://app.test/")
	s := start(t, p, Options{VerificationDeadline: time.Minute})

	ts := now()
	p.emit(fromContext(action(t, s, 3, ActionPayload{Type: types.ActionClick, Timestamp: ts, Target: button("#outer")}), 1))
	p.emit(fromContext(action(t, s, 3, ActionPayload{Type: types.ActionClick, Timestamp: ts + 20, Target: button("#inner")}), 2))
	// a repeated envelope from the same document is ignored
	p.emit(fromContext(action(t, s, 3, ActionPayload{Type: types.ActionClick, Timestamp: ts + 20, Target: button("#inner")}), 2))

	actions, err := s.Stop(context.Background())
	require.NoError(t, err)
	assert.Len(t, ofType(actions, types.ActionClick), 2)
}

func TestChildFrameReadyKeepsMainScrollBaseline(t *testing.T) {
	var tl timeline
	main := docKey{gen: 1, ctx: 1}
	frame := docKey{gen: 1, ctx: 7}
	tl.addSignal(0, main, SignalPayload{Type: SignalReady})
	tl.addSignal(500, main, SignalPayload{Type: SignalScroll, Y: 1000})
	tl.addSignal(1000, frame, SignalPayload{Type: SignalReady})
	tl.addSignal(1050, main, SignalPayload{Type: SignalScroll, Y: 1010})

	e := tl.effectsFor(nil, 1020, 2000, 50)
	assert.Nil(t, e.Scroll)
	assert.Equal(t, "no significant effects", e.Summary)

	tl.addSignal(1100, main, SignalPayload{Type: SignalScroll, Y: 1200})
	e = tl.effectsFor(nil, 1020, 2000, 50)
	require.NotNil(t, e.Scroll)
	assert.InDelta(t, 200, e.Scroll.Distance, 0.001)
}

func TestChildFrameReadySignalThroughSession(t *testing.T) {
	p := newFakePage("tab-1", "https://app.test/")
	s := start(t, p, Options{VerificationDeadline: time.Minute})
	signal := func(ctx runtime.ExecutionContextID, seq, ts int64, sig SignalPayload) {
		p.emit(fromContext(binding(t, s, s.instr.Token, KindSignal, seq, ts, sig), ctx))
	}

	ts := now()
	signal(1, 1, ts-2000, SignalPayload{Type: SignalReady})
	signal(1, 2, ts-1000, SignalPayload{Type: SignalScroll, Y: 1000})
	signal(9, 1, ts-20, SignalPayload{Type: SignalReady})
	p.emit(fromContext(action(t, s, 3, ActionPayload{Type: types.ActionClick, Timestamp: ts, Target: button("#noop")}), 1))
	signal(1, 4, ts+30, SignalPayload{Type: SignalScroll, Y: 1010})

	actions, err := s.Stop(context.Background())
	require.NoError(t, err)
	clicks := ofType(actions, types.ActionClick)
	require.Len(t, clicks, 1)
	require.NotNil(t, clicks[0].Effects)
	assert.Nil(t, clicks[0].Effects.Scroll)
}

func TestFollowOpenedSwitchesOnlyForRecordedOpener(t *testing.T) {
	first := newFakePage("tab-1", "https://app.test/")
	popup := newFakePage("tab-2", "https://app.test/help")
	bus := events.NewBus(nil)
	defer bus.Close()
	switched := make(chan map[string]string, 1)
	bus.Subscribe(func(ev events.Event) {
		switched <- ev.Data.(map[string]string)
	}, events.TargetSwitched)

	s := start(t, first, Options{Bus: bus})
	attached := 0
	attach := func(context.Context) (Page, error) {
		attached++
		return popup, nil
	}

	ok, err := s.FollowOpened(context.Background(), "tab-9", attach)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, attached, "pages opened by other tabs are not attached")

	ok, err = s.FollowOpened(context.Background(), "tab-1", attach)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, attached)
	assert.True(t, first.removedBinding)

	select {
	case d := <-switched:
		assert.Equal(t, map[string]string{"from": "tab-1", "to": "tab-2"}, d)
	case <-time.After(2 * time.Second):
		t.Fatal("no target switch event")
	}

	popup.emit(action(t, s, 1, ActionPayload{Type: types.ActionInput, Timestamp: now(), Value: "q", Target: field("#q")}))
	actions, err := s.Stop(context.Background())
	require.NoError(t, err)
	inputs := ofType(actions, types.ActionInput)
	require.Len(t, inputs, 1)
	assert.Equal(t, "tab-2", inputs[0].TabID)
}
