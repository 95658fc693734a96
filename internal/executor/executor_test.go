package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lance13c/browzer/internal/config"
	"github.com/lance13c/browzer/internal/types"
)

type fakePage struct {
	ax       []*accessibility.Node
	boxes    map[cdp.BackendNodeID]*dom.BoxModel
	calls    []string
	mouse    []input.MouseType
	mouseAt  []Point
	keys     []*input.DispatchKeyEventParams
	inserted []string
	wheel    []float64
	callRes  interface{}
	mouseErr error
	navErr   error
}

func (f *fakePage) record(s string) { f.calls = append(f.calls, s) }

func (f *fakePage) FullAXTree(context.Context) ([]*accessibility.Node, error) {
	f.record("ax")
	return f.ax, nil
}

func (f *fakePage) NodeAttributes(context.Context, cdp.BackendNodeID) (map[string]string, error) {
	return nil, nil
}

func (f *fakePage) ScrollIntoView(_ context.Context, id cdp.BackendNodeID) error {
	f.record(fmt.Sprintf("scroll:%d", id))
	return nil
}

func (f *fakePage) BoxModel(_ context.Context, id cdp.BackendNodeID) (*dom.BoxModel, error) {
	f.record("box")
	b, ok := f.boxes[id]
	if !ok {
		return nil, errors.New("could not compute box model")
	}
	return b, nil
}

func (f *fakePage) DispatchMouse(_ context.Context, typ input.MouseType, x, y float64) error {
	if f.mouseErr != nil {
		return f.mouseErr
	}
	f.record("mouse:" + typ.String())
	f.mouse = append(f.mouse, typ)
	f.mouseAt = append(f.mouseAt, Point{X: x, Y: y})
	return nil
}

func (f *fakePage) DispatchWheel(_ context.Context, x, y, dx, dy float64) error {
	f.wheel = []float64{x, y, dx, dy}
	return nil
}

func (f *fakePage) DispatchKey(_ context.Context, p *input.DispatchKeyEventParams) error {
	f.keys = append(f.keys, p)
	return nil
}

func (f *fakePage) InsertText(_ context.Context, text string) error {
	f.record("insert")
	f.inserted = append(f.inserted, text)
	return nil
}

func (f *fakePage) CallOnNode(_ context.Context, _ cdp.BackendNodeID, fn string, res interface{}, _ ...interface{}) error {
	f.record("call")
	if res != nil && f.callRes != nil {
		raw, _ := json.Marshal(f.callRes)
		return json.Unmarshal(raw, res)
	}
	return nil
}

func (f *fakePage) Evaluate(_ context.Context, _ string, res interface{}) error {
	raw, _ := json.Marshal(map[string]float64{"w": 1000, "h": 800})
	return json.Unmarshal(raw, res)
}

func (f *fakePage) Navigate(context.Context, string) error {
	return f.navErr
}

func axNode(backend cdp.BackendNodeID, role, name string) *accessibility.Node {
	return &accessibility.Node{
		NodeID:           accessibility.NodeID(fmt.Sprint(backend)),
		BackendDOMNodeID: backend,
		Role:             &accessibility.Value{Value: []byte(`"` + role + `"`)},
		Name:             &accessibility.Value{Value: []byte(`"` + name + `"`)},
	}
}

func square(x, y, size float64) *dom.BoxModel {
	return &dom.BoxModel{
		Content: dom.Quad{x, y, x + size, y, x + size, y + size, x, y + size},
		Width:   int64(size),
		Height:  int64(size),
	}
}

func newTestExecutor(p Page) *Executor {
	e := New(p, config.ExecutorConfig{SettleDelay: time.Millisecond}, nil, nil)
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func TestClickByDescriptionDispatchesAtCentroid(t *testing.T) {
	page := &fakePage{
		ax: []*accessibility.Node{
			axNode(1, "generic", "Log in"),
			axNode(7, "button", "Log in"),
		},
		boxes: map[cdp.BackendNodeID]*dom.BoxModel{7: square(100, 200, 40)},
	}
	e := newTestExecutor(page)

	res := e.Click(context.Background(), Describe(types.TargetDescription{Role: "button", Name: "Log in"}))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, Point{X: 120, Y: 220}, res.Value)
	assert.Equal(t, []input.MouseType{input.MouseMoved, input.MousePressed, input.MouseReleased}, page.mouse)
	for _, at := range page.mouseAt {
		assert.Equal(t, Point{X: 120, Y: 220}, at)
	}
	// scroll precedes geometry, geometry precedes input
	assert.Equal(t, []string{"ax", "scroll:7", "box", "mouse:mouseMoved", "mouse:mousePressed", "mouse:mouseReleased"}, page.calls)
}

func TestClickWithoutGeometryFails(t *testing.T) {
	page := &fakePage{boxes: map[cdp.BackendNodeID]*dom.BoxModel{3: {Content: dom.Quad{0, 0}}}}
	e := newTestExecutor(page)

	res := e.Click(context.Background(), Node(3))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "geometry")
	assert.Empty(t, page.mouse)

	res = e.Click(context.Background(), Node(4))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "geometry")
}

func TestClickUnresolvedTargetFails(t *testing.T) {
	page := &fakePage{ax: []*accessibility.Node{axNode(1, "button", "Cancel")}}
	e := newTestExecutor(page)

	res := e.Click(context.Background(), Describe(types.TargetDescription{Role: "button", Name: "Submit"}))
	assert.False(t, res.Success)
	assert.Empty(t, page.mouse)

	res = e.Click(context.Background(), Target{})
	assert.False(t, res.Success)
}

func TestClickDispatchErrorIsReturnedNotRetried(t *testing.T) {
	page := &fakePage{
		boxes:    map[cdp.BackendNodeID]*dom.BoxModel{5: square(0, 0, 10)},
		mouseErr: errors.New("target closed"),
	}
	res := newTestExecutor(page).Click(context.Background(), Node(5))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "target closed")
}

func TestCentroid(t *testing.T) {
	pt, err := Centroid(square(10, 10, 20))
	require.NoError(t, err)
	assert.Equal(t, Point{X: 20, Y: 20}, pt)

	_, err = Centroid(nil)
	assert.ErrorIs(t, err, ErrNoGeometry)
	_, err = Centroid(&dom.BoxModel{Content: dom.Quad{0, 0, 0, 0, 0, 0, 0, 0}})
	assert.ErrorIs(t, err, ErrNoGeometry)
}

func TestTypeInsertsText(t *testing.T) {
	page := &fakePage{boxes: map[cdp.BackendNodeID]*dom.BoxModel{2: square(0, 0, 10)}}
	res := newTestExecutor(page).Type(context.Background(), Node(2), "a@b.com")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []string{"a@b.com"}, page.inserted)
	assert.Equal(t, []string{"scroll:2", "box", "call", "insert", "call"}, page.calls)
}

func TestSelectReportsMissingOption(t *testing.T) {
	page := &fakePage{callRes: false}
	res := newTestExecutor(page).Select(context.Background(), Node(2), "blue")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "blue")

	page.callRes = true
	res = newTestExecutor(page).Select(context.Background(), Node(2), "blue")
	assert.True(t, res.Success)
}

func TestSetCheckedSkipsWhenAlreadyInState(t *testing.T) {
	page := &fakePage{callRes: true, boxes: map[cdp.BackendNodeID]*dom.BoxModel{2: square(0, 0, 10)}}
	res := newTestExecutor(page).SetChecked(context.Background(), Node(2), true)
	assert.True(t, res.Success)
	assert.Empty(t, page.mouse)

	res = newTestExecutor(page).SetChecked(context.Background(), Node(2), false)
	assert.True(t, res.Success)
	assert.Len(t, page.mouse, 3)
}

func TestPressKey(t *testing.T) {
	page := &fakePage{}
	e := newTestExecutor(page)

	res := e.PressKey(context.Background(), "Enter")
	require.True(t, res.Success, res.Error)
	require.NotEmpty(t, page.keys)
	assert.Equal(t, "Enter", page.keys[0].Key)

	page.keys = nil
	res = e.PressKey(context.Background(), "a")
	require.True(t, res.Success)
	assert.Equal(t, "a", page.keys[0].Key)

	res = e.PressKey(context.Background(), "NotAKey")
	assert.False(t, res.Success)
}

func TestScrollFromViewportCentre(t *testing.T) {
	page := &fakePage{}
	res := newTestExecutor(page).Scroll(context.Background(), 0, 400)
	require.True(t, res.Success)
	assert.Equal(t, []float64{500, 400, 0, 400}, page.wheel)
}

func TestNavigateFailure(t *testing.T) {
	page := &fakePage{navErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	res := newTestExecutor(page).Navigate(context.Background(), "https://nope.invalid")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "ERR_NAME_NOT_RESOLVED")
}
