package capture

import (
	"fmt"
	"math"
	"strings"

	"github.com/lance13c/browzer/internal/types"
)

// meaningfulFocus are tags whose gaining focus counts as an effect
var meaningfulFocus = map[string]bool{
	"INPUT": true, "TEXTAREA": true, "SELECT": true, "BUTTON": true, "A": true,
}

type signalEntry struct {
	ts  int64
	doc docKey
	SignalPayload
}

type position struct{ x, y float64 }

// timeline holds what happened on the page, for effect attribution. Scroll
// positions are tracked per document, so frames never share a baseline.
type timeline struct {
	requests []types.ObservedRequest
	signals  []signalEntry
	// scroll position reported by each document's ready signal
	base map[docKey]position
}

const maxTimeline = 2000

func (t *timeline) addRequest(r types.ObservedRequest) int {
	t.requests = append(t.requests, r)
	if len(t.requests) > maxTimeline {
		t.requests = t.requests[len(t.requests)-maxTimeline/2:]
	}
	return len(t.requests) - 1
}

func (t *timeline) addSignal(ts int64, doc docKey, p SignalPayload) {
	if p.Type == SignalReady {
		// a new document starts from its own scroll origin
		if t.base == nil {
			t.base = make(map[docKey]position)
		}
		t.base[doc] = position{p.X, p.Y}
		p = SignalPayload{Type: SignalScroll, X: p.X, Y: p.Y}
	}
	t.signals = append(t.signals, signalEntry{ts: ts, doc: doc, SignalPayload: p})
	if len(t.signals) > maxTimeline {
		t.signals = t.signals[len(t.signals)-maxTimeline/2:]
	}
}

// scrollAt returns the last known scroll position of doc at or before ts
func (t *timeline) scrollAt(doc docKey, ts int64) (float64, float64) {
	b := t.base[doc]
	x, y := b.x, b.y
	for _, s := range t.signals {
		if s.ts > ts {
			break
		}
		if s.Type == SignalScroll && s.doc == doc {
			x, y = s.X, s.Y
		}
	}
	return x, y
}

// effectsFor computes the effects observed in [from, until] for an action on target
func (t *timeline) effectsFor(target *types.ElementTarget, from, until int64, scrollThreshold float64) *types.Effects {
	e := &types.Effects{}

	for _, r := range t.requests {
		if r.Timestamp >= from && r.Timestamp <= until {
			if e.Network == nil {
				e.Network = &types.NetworkEffect{}
			}
			e.Network.RequestCount++
			e.Network.Requests = append(e.Network.Requests, r)
		}
	}

	origin := make(map[docKey]position)
	for _, s := range t.signals {
		if s.ts < from || s.ts > until {
			continue
		}
		switch s.Type {
		case SignalFocus:
			if meaningfulFocus[strings.ToUpper(s.TagName)] && (target == nil || s.Selector == "" || s.Selector != target.Selector) {
				e.Focus = &types.FocusEffect{Changed: true, TagName: s.TagName}
			}
		case SignalScroll:
			o, ok := origin[s.doc]
			if !ok {
				o.x, o.y = t.scrollAt(s.doc, from)
				origin[s.doc] = o
			}
			dx, dy := s.X-o.x, s.Y-o.y
			if d := math.Hypot(dx, dy); e.Scroll == nil || d > e.Scroll.Distance {
				e.Scroll = &types.ScrollEffect{DeltaX: dx, DeltaY: dy, Distance: d}
			}
		case SignalModal:
			e.Modal = &types.ModalEffect{Appeared: true, Title: s.Title}
		case SignalSubmit:
			e.FormSubmitted = true
		case SignalState:
			e.StateChanged = true
		case signalNavigation:
			e.NavigationOccurred = true
		}
	}
	if e.Scroll != nil && e.Scroll.Distance <= scrollThreshold {
		e.Scroll = nil
	}
	e.Summary = summarize(e)
	return e
}

func summarize(e *types.Effects) string {
	var parts []string
	if e.NavigationOccurred {
		parts = append(parts, "navigation")
	}
	if e.FormSubmitted {
		parts = append(parts, "form submitted")
	}
	if e.Modal != nil {
		parts = append(parts, "modal appeared")
	}
	if e.Network != nil && e.Network.RequestCount > 0 {
		parts = append(parts, fmt.Sprintf("%d significant request(s)", e.Network.RequestCount))
	}
	if e.Focus != nil {
		parts = append(parts, "focus moved to "+strings.ToLower(e.Focus.TagName))
	}
	if e.Scroll != nil {
		parts = append(parts, fmt.Sprintf("scrolled %.0fpx", e.Scroll.Distance))
	}
	if e.StateChanged {
		parts = append(parts, "state changed")
	}
	if len(parts) == 0 {
		return "no significant effects"
	}
	return strings.Join(parts, ", ")
}

// immediateEffects is the effect record of an action verified on capture
func immediateEffects(t types.ActionType) *types.Effects {
	e := &types.Effects{VerifiedBy: "immediate"}
	switch t {
	case types.ActionInput, types.ActionSelect, types.ActionCheckbox, types.ActionRadio, types.ActionFileUpload:
		e.StateChanged = true
		e.Summary = "value changed"
	case types.ActionSubmit:
		e.FormSubmitted = true
		e.Summary = "form submitted"
	case types.ActionNavigate:
		e.NavigationOccurred = true
		e.Summary = "navigation"
	default:
		e.Summary = summarize(e)
	}
	return e
}
