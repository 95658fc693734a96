package capture

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/lance13c/browzer/internal/types"
)

// EnvelopeVersion is the instrumentation protocol version
const EnvelopeVersion = 1

// DefaultBinding is the Runtime binding the instrumentation reports through
const DefaultBinding = "__browzerEmit"

//go:embed instrument.js
var instrumentSource string

// Envelope kinds
const (
	KindAction = "action"
	KindSignal = "signal"
)

// Signal types reported by the instrumentation
const (
	SignalReady  = "ready"
	SignalFocus  = "focus"
	SignalScroll = "scroll"
	SignalModal  = "modal"
	SignalSubmit = "submit"
	SignalState  = "state"
	// signalNavigation is produced host-side from frameNavigated
	signalNavigation = "navigation"
)

// Rejection reasons
var (
	ErrBadJSON     = errors.New("malformed envelope")
	ErrBadVersion  = errors.New("unsupported envelope version")
	ErrBadToken    = errors.New("capability token mismatch")
	ErrBadKind     = errors.New("unknown envelope kind")
	ErrBadPayload  = errors.New("envelope payload failed validation")
	ErrWrongSource = errors.New("binding name mismatch")
)

// Envelope is one message from the instrumentation
type Envelope struct {
	V     int             `json:"v"`
	Token string          `json:"token"`
	Kind  string          `json:"kind"`
	Seq   int64           `json:"seq"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

// ActionPayload is the data of an action envelope
type ActionPayload struct {
	Type        types.ActionType       `json:"type"`
	URL         string                 `json:"url"`
	Timestamp   int64                  `json:"timestamp"`
	Value       interface{}            `json:"value"`
	Target      *types.ElementTarget   `json:"target"`
	FormContext map[string]interface{} `json:"form_context"`
	Validation  map[string]interface{} `json:"validation"`
}

// SignalPayload is the data of a signal envelope
type SignalPayload struct {
	Type     string  `json:"type"`
	TagName  string  `json:"tag_name"`
	Selector string  `json:"selector"`
	Title    string  `json:"title"`
	Attr     string  `json:"attr"`
	URL      string  `json:"url"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// Instrumentation is the rendered page script for one session
type Instrumentation struct {
	Binding string
	Token   string
	Key     string
	Source  string
}

// NewInstrumentation renders the script for token. The page-visible state key
// is derived from the token so the token itself never appears on window.
func NewInstrumentation(binding, token string) Instrumentation {
	if binding == "" {
		binding = DefaultBinding
	}
	h := fnv.New32a()
	h.Write([]byte(token))
	key := fmt.Sprintf("__bz_%08x", h.Sum32())

	src := strings.NewReplacer(
		"__BINDING__", strconv.Quote(binding),
		"__TOKEN__", strconv.Quote(token),
		"__KEY__", strconv.Quote(key),
		"__VERSION__", strconv.Itoa(EnvelopeVersion),
	).Replace(instrumentSource)

	return Instrumentation{Binding: binding, Token: token, Key: key, Source: src}
}

// DisableExpression flips the in-page recording flag off
func (in Instrumentation) DisableExpression() string {
	return fmt.Sprintf(`(function(){ const s = window[%s]; return !!(s && s.disable(%s)); })()`,
		strconv.Quote(in.Key), strconv.Quote(in.Token))
}

// Decode parses and authenticates a binding payload
func (in Instrumentation) Decode(name, payload string) (*Envelope, error) {
	if name != in.Binding {
		return nil, ErrWrongSource
	}
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadJSON, err)
	}
	if env.V != EnvelopeVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, env.V)
	}
	if env.Token != in.Token {
		return nil, ErrBadToken
	}
	switch env.Kind {
	case KindAction, KindSignal:
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadKind, env.Kind)
	}
	return &env, nil
}

// Action decodes and validates an action payload
func (env *Envelope) Action() (*ActionPayload, error) {
	var p ActionPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w: action type %q", ErrBadPayload, p.Type)
	}
	if p.Timestamp <= 0 {
		p.Timestamp = env.TS
	}
	switch p.Type {
	case types.ActionKeypress, types.ActionNavigate:
	default:
		if p.Target == nil || p.Target.TagName == "" {
			return nil, fmt.Errorf("%w: %s without target", ErrBadPayload, p.Type)
		}
	}
	return &p, nil
}

// Signal decodes a signal payload
func (env *Envelope) Signal() (*SignalPayload, error) {
	var p SignalPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	switch p.Type {
	case SignalReady, SignalFocus, SignalScroll, SignalModal, SignalSubmit, SignalState:
		return &p, nil
	}
	return nil, fmt.Errorf("%w: signal %q", ErrBadPayload, p.Type)
}

// rejectReason is the metrics label for a decode error
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrBadToken):
		return "bad_token"
	case errors.Is(err, ErrBadVersion):
		return "bad_version"
	case errors.Is(err, ErrBadJSON):
		return "bad_json"
	case errors.Is(err, ErrBadKind):
		return "bad_kind"
	case errors.Is(err, ErrWrongSource):
		return "wrong_binding"
	default:
		return "bad_payload"
	}
}
