// Package executor performs physical interactions on a page with synthetic
// input events. Every public operation returns a types.Result; nothing here
// retries, that policy belongs to the replay runner.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"go.uber.org/zap"

	"github.com/lance13c/browzer/internal/config"
	"github.com/lance13c/browzer/internal/metrics"
	"github.com/lance13c/browzer/internal/resolver"
	"github.com/lance13c/browzer/internal/types"
)

// ErrNoGeometry is returned when an element has no visible box
var ErrNoGeometry = errors.New("element has no visible geometry")

// Page is the protocol surface the executor drives
type Page interface {
	FullAXTree(ctx context.Context) ([]*accessibility.Node, error)
	NodeAttributes(ctx context.Context, id cdp.BackendNodeID) (map[string]string, error)
	ScrollIntoView(ctx context.Context, id cdp.BackendNodeID) error
	BoxModel(ctx context.Context, id cdp.BackendNodeID) (*dom.BoxModel, error)
	DispatchMouse(ctx context.Context, typ input.MouseType, x, y float64) error
	DispatchWheel(ctx context.Context, x, y, dx, dy float64) error
	DispatchKey(ctx context.Context, p *input.DispatchKeyEventParams) error
	InsertText(ctx context.Context, text string) error
	CallOnNode(ctx context.Context, id cdp.BackendNodeID, fn string, res interface{}, args ...interface{}) error
	Evaluate(ctx context.Context, expr string, res interface{}) error
	Navigate(ctx context.Context, url string) error
}

// Target addresses an element either directly or by description
type Target struct {
	BackendNodeID cdp.BackendNodeID
	Description   types.TargetDescription
}

// Node is a target that is already resolved
func Node(id cdp.BackendNodeID) Target {
	return Target{BackendNodeID: id}
}

// Describe is a target resolved through the accessibility tree
func Describe(desc types.TargetDescription) Target {
	return Target{Description: desc}
}

// Point is a viewport coordinate
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Executor performs clicks, typing and scrolling on one page
type Executor struct {
	page     Page
	resolver *resolver.Resolver
	cfg      config.ExecutorConfig
	metrics  *metrics.Collector
	log      *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates an executor for page
func New(page Page, cfg config.ExecutorConfig, m *metrics.Collector, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		page:     page,
		resolver: resolver.New(page, log.Named("resolver")),
		cfg:      cfg,
		metrics:  m,
		log:      log,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Resolve finds the backend node for a description through the accessibility tree
func (e *Executor) Resolve(ctx context.Context, desc types.TargetDescription) (cdp.BackendNodeID, float64, error) {
	nodes, err := e.page.FullAXTree(ctx)
	if err != nil {
		e.metrics.ResolverOutcome("accessibility", "error")
		return 0, 0, fmt.Errorf("accessibility tree: %w", err)
	}
	match, err := e.resolver.Resolve(ctx, resolver.FromAX(nodes), desc)
	if err != nil {
		e.metrics.ResolverOutcome("accessibility", "no_match")
		return 0, 0, err
	}
	if match.BackendNodeID == 0 {
		e.metrics.ResolverOutcome("accessibility", "no_dom_node")
		return 0, 0, fmt.Errorf("matched %q has no DOM node: %w", match.Name, resolver.ErrNoMatch)
	}
	e.metrics.ResolverOutcome("accessibility", "matched")
	return match.BackendNodeID, match.Score, nil
}

func (e *Executor) target(ctx context.Context, t Target) (cdp.BackendNodeID, error) {
	if t.BackendNodeID != 0 {
		return t.BackendNodeID, nil
	}
	if t.Description.Empty() {
		return 0, errors.New("target has neither a node id nor a description")
	}
	id, _, err := e.Resolve(ctx, t.Description)
	return id, err
}

// Click resolves the target, centres it, and clicks the centroid of its content box
func (e *Executor) Click(ctx context.Context, t Target) types.Result {
	id, err := e.target(ctx, t)
	if err != nil {
		return types.Fail(err)
	}
	pt, err := e.clickNode(ctx, id)
	if err != nil {
		e.log.Debug("click failed", zap.Int64("node", int64(id)), zap.Error(err))
		return types.Fail(err)
	}
	return types.OK(pt)
}

func (e *Executor) clickNode(ctx context.Context, id cdp.BackendNodeID) (Point, error) {
	pt, err := e.locate(ctx, id)
	if err != nil {
		return Point{}, err
	}

	if e.cfg.Indicator {
		if err := e.page.CallOnNode(ctx, id, indicatorJS, nil); err != nil {
			e.log.Debug("indicator failed", zap.Error(err))
		}
	}

	steps := []input.MouseType{input.MouseMoved, input.MousePressed, input.MouseReleased}
	for i, typ := range steps {
		if i > 0 {
			if err := e.sleep(ctx, e.cfg.MouseDelay); err != nil {
				return Point{}, err
			}
		}
		if err := e.page.DispatchMouse(ctx, typ, pt.X, pt.Y); err != nil {
			return Point{}, fmt.Errorf("dispatch %s: %w", typ, err)
		}
	}
	return pt, nil
}

// locate scrolls the node into view, waits for it to settle and returns its centroid
func (e *Executor) locate(ctx context.Context, id cdp.BackendNodeID) (Point, error) {
	if err := e.page.ScrollIntoView(ctx, id); err != nil {
		return Point{}, fmt.Errorf("scroll into view: %w", err)
	}
	if err := e.sleep(ctx, e.cfg.SettleDelay); err != nil {
		return Point{}, err
	}
	box, err := e.page.BoxModel(ctx, id)
	if err != nil {
		return Point{}, fmt.Errorf("%w: %v", ErrNoGeometry, err)
	}
	return Centroid(box)
}

// Centroid returns the centre of a box model's content quad
func Centroid(box *dom.BoxModel) (Point, error) {
	if box == nil || len(box.Content) < 8 || box.Width == 0 || box.Height == 0 {
		return Point{}, ErrNoGeometry
	}
	var x, y float64
	for i := 0; i < 8; i += 2 {
		x += box.Content[i]
		y += box.Content[i+1]
	}
	return Point{X: x / 4, Y: y / 4}, nil
}

// Type focuses the target, replaces its value with text and fires input and change
func (e *Executor) Type(ctx context.Context, t Target, text string) types.Result {
	id, err := e.target(ctx, t)
	if err != nil {
		return types.Fail(err)
	}
	if _, err := e.locate(ctx, id); err != nil {
		return types.Fail(err)
	}
	if err := e.page.CallOnNode(ctx, id, focusAndClearJS, nil); err != nil {
		return types.Fail(fmt.Errorf("focus: %w", err))
	}
	if text != "" {
		if err := e.page.InsertText(ctx, text); err != nil {
			return types.Fail(fmt.Errorf("insert text: %w", err))
		}
	}
	if err := e.page.CallOnNode(ctx, id, notifyChangeJS, nil); err != nil {
		return types.Fail(fmt.Errorf("notify change: %w", err))
	}
	return types.OK(text)
}

// Select picks the option whose value or label equals value
func (e *Executor) Select(ctx context.Context, t Target, value string) types.Result {
	id, err := e.target(ctx, t)
	if err != nil {
		return types.Fail(err)
	}
	var ok bool
	if err := e.page.CallOnNode(ctx, id, selectOptionJS, &ok, value); err != nil {
		return types.Fail(fmt.Errorf("select: %w", err))
	}
	if !ok {
		return types.Failf(fmt.Sprintf("no option %q", value))
	}
	return types.OK(value)
}

// SetChecked clicks a checkbox or radio only when its state differs from checked
func (e *Executor) SetChecked(ctx context.Context, t Target, checked bool) types.Result {
	id, err := e.target(ctx, t)
	if err != nil {
		return types.Fail(err)
	}
	var current bool
	if err := e.page.CallOnNode(ctx, id, `function() { return !!this.checked; }`, &current); err != nil {
		return types.Fail(err)
	}
	if current == checked {
		return types.OK(checked)
	}
	if _, err := e.clickNode(ctx, id); err != nil {
		return types.Fail(err)
	}
	return types.OK(checked)
}

// PressKey sends keyDown/keyUp for a named key ("Enter", "Tab") or a single character
func (e *Executor) PressKey(ctx context.Context, key string) types.Result {
	events, err := keyEvents(key)
	if err != nil {
		return types.Fail(err)
	}
	for i, p := range events {
		if i > 0 {
			if err := e.sleep(ctx, e.cfg.KeyDelay); err != nil {
				return types.Fail(err)
			}
		}
		if err := e.page.DispatchKey(ctx, p); err != nil {
			return types.Fail(fmt.Errorf("dispatch key %s: %w", key, err))
		}
	}
	return types.OK(key)
}

// Scroll wheels the viewport by (dx, dy) from its centre
func (e *Executor) Scroll(ctx context.Context, dx, dy float64) types.Result {
	var viewport struct {
		W float64 `json:"w"`
		H float64 `json:"h"`
	}
	if err := e.page.Evaluate(ctx, `({w: window.innerWidth, h: window.innerHeight})`, &viewport); err != nil {
		return types.Fail(fmt.Errorf("viewport: %w", err))
	}
	if err := e.page.DispatchWheel(ctx, viewport.W/2, viewport.H/2, dx, dy); err != nil {
		return types.Fail(fmt.Errorf("wheel: %w", err))
	}
	return types.OK(Point{X: dx, Y: dy})
}

// Navigate loads url
func (e *Executor) Navigate(ctx context.Context, url string) types.Result {
	if err := e.page.Navigate(ctx, url); err != nil {
		return types.Fail(err)
	}
	return types.OK(url)
}

// ReadText returns the target's trimmed text content, for extract steps
func (e *Executor) ReadText(ctx context.Context, t Target) types.Result {
	id, err := e.target(ctx, t)
	if err != nil {
		return types.Fail(err)
	}
	var text string
	if err := e.page.CallOnNode(ctx, id, `function() { return ('value' in this ? this.value : this.innerText || '').trim(); }`, &text); err != nil {
		return types.Fail(err)
	}
	return types.OK(text)
}

const focusAndClearJS = `function() {
	this.focus();
	if ('value' in this) { this.value = ''; }
	else if (this.isContentEditable) { this.textContent = ''; }
}`

const notifyChangeJS = `function() {
	this.dispatchEvent(new Event('input', {bubbles: true}));
	this.dispatchEvent(new Event('change', {bubbles: true}));
}`

const selectOptionJS = `function(value) {
	if (this.tagName !== 'SELECT') { return false; }
	for (const opt of this.options) {
		if (opt.value === value || opt.label === value || opt.text.trim() === value) {
			this.value = opt.value;
			this.dispatchEvent(new Event('input', {bubbles: true}));
			this.dispatchEvent(new Event('change', {bubbles: true}));
			return true;
		}
	}
	return false;
}`

const indicatorJS = `function() {
	const r = this.getBoundingClientRect();
	const d = document.createElement('div');
	d.style.cssText = 'position:fixed;pointer-events:none;z-index:2147483647;border:2px solid #ff3b6b;border-radius:4px;' +
		'left:' + (r.left - 3) + 'px;top:' + (r.top - 3) + 'px;width:' + (r.width + 2) + 'px;height:' + (r.height + 2) + 'px;';
	document.documentElement.appendChild(d);
	setTimeout(() => d.remove(), 600);
}`
