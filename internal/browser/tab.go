package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const defaultOpTimeout = 10 * time.Second

// Tab is one attached page target. Its methods are thin protocol calls; the
// recorder, executor and waiters consume them through their own interfaces.
type Tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	id     string
	owned  bool
	log    *zap.Logger

	closeOnce sync.Once
}

func newTab(ctx context.Context, cancel context.CancelFunc, id string, owned bool, log *zap.Logger) *Tab {
	return &Tab{ctx: ctx, cancel: cancel, id: id, owned: owned, log: log.With(zap.String("tab", id))}
}

// ID returns the target id
func (t *Tab) ID() string {
	return t.id
}

// Context returns the chromedp context of the tab
func (t *Tab) Context() context.Context {
	return t.ctx
}

// Close releases the tab. Tabs we opened are closed; attached tabs stay open.
func (t *Tab) Close() {
	t.closeOnce.Do(func() {
		if t.owned {
			t.cancel()
		}
	})
}

// run executes actions on the tab bounded by both the caller ctx and a timeout
func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(t.ctx, defaultOpTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// Listen delivers the tab's protocol events to fn until ctx ends
func (t *Tab) Listen(ctx context.Context, fn func(ev interface{})) {
	lctx, cancel := context.WithCancel(t.ctx)
	context.AfterFunc(ctx, cancel)
	chromedp.ListenTarget(lctx, fn)
}

// EnableNetwork turns on Network domain events
func (t *Tab) EnableNetwork(ctx context.Context) error {
	return t.run(ctx, network.Enable())
}

// EnableRecording turns on the domains the capture engine listens to
func (t *Tab) EnableRecording(ctx context.Context) error {
	return t.run(ctx,
		page.Enable(),
		page.SetLifecycleEventsEnabled(true),
		runtime.Enable(),
		dom.Enable(),
		network.Enable(),
	)
}

// ReadyState returns document.readyState
func (t *Tab) ReadyState(ctx context.Context) (string, error) {
	var state string
	err := t.run(ctx, chromedp.Evaluate(`document.readyState`, &state))
	return state, err
}

// URL returns the current location
func (t *Tab) URL(ctx context.Context) (string, error) {
	var url string
	err := t.run(ctx, chromedp.Location(&url))
	return url, err
}

// Title returns the document title
func (t *Tab) Title(ctx context.Context) (string, error) {
	var title string
	err := t.run(ctx, chromedp.Title(&title))
	return title, err
}

// Navigate loads url and waits for the load event
func (t *Tab) Navigate(ctx context.Context, url string) error {
	if err := t.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

// Evaluate runs expr in the page and decodes the result into res (may be nil)
func (t *Tab) Evaluate(ctx context.Context, expr string, res interface{}) error {
	return t.run(ctx, chromedp.Evaluate(expr, res))
}

// FullAXTree returns the flattened accessibility tree
func (t *Tab) FullAXTree(ctx context.Context) ([]*accessibility.Node, error) {
	var nodes []*accessibility.Node
	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		nodes, err = accessibility.GetFullAXTree().Do(ctx)
		return err
	}))
	return nodes, err
}

// NodeAttributes reads the live attributes of a backend node
func (t *Tab) NodeAttributes(ctx context.Context, id cdp.BackendNodeID) (map[string]string, error) {
	var node *cdp.Node
	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		node, err = dom.DescribeNode().WithBackendNodeID(id).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	attrs := make(map[string]string, len(node.Attributes)/2)
	for i := 0; i+1 < len(node.Attributes); i += 2 {
		attrs[node.Attributes[i]] = node.Attributes[i+1]
	}
	return attrs, nil
}

// ScrollIntoView centres the node in the viewport
func (t *Tab) ScrollIntoView(ctx context.Context, id cdp.BackendNodeID) error {
	const centre = `function() { this.scrollIntoView({block: "center", inline: "center", behavior: "instant"}); }`
	err := t.CallOnNode(ctx, id, centre, nil)
	if err == nil {
		return nil
	}
	// Text nodes and some SVG elements have no scrollIntoView; let the protocol do it.
	return t.run(ctx, dom.ScrollIntoViewIfNeeded().WithBackendNodeID(id))
}

// BoxModel returns the node's box model
func (t *Tab) BoxModel(ctx context.Context, id cdp.BackendNodeID) (*dom.BoxModel, error) {
	var model *dom.BoxModel
	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		model, err = dom.GetBoxModel().WithBackendNodeID(id).Do(ctx)
		return err
	}))
	return model, err
}

// DispatchMouse sends one mouse event with the left button
func (t *Tab) DispatchMouse(ctx context.Context, typ input.MouseType, x, y float64) error {
	p := input.DispatchMouseEvent(typ, x, y)
	if typ == input.MousePressed || typ == input.MouseReleased {
		p = p.WithButton(input.Left).WithClickCount(1)
	}
	return t.run(ctx, p)
}

// DispatchWheel scrolls by (dx, dy) at point (x, y)
func (t *Tab) DispatchWheel(ctx context.Context, x, y, dx, dy float64) error {
	return t.run(ctx, input.DispatchMouseEvent(input.MouseWheel, x, y).WithDeltaX(dx).WithDeltaY(dy))
}

// DispatchKey sends one prepared key event
func (t *Tab) DispatchKey(ctx context.Context, p *input.DispatchKeyEventParams) error {
	return t.run(ctx, p)
}

// InsertText types text into the focused element as a single input
func (t *Tab) InsertText(ctx context.Context, text string) error {
	return t.run(ctx, input.InsertText(text))
}

// CallOnNode resolves a backend node and calls fn with it as this. Extra
// arguments are JSON encoded. res may be nil.
func (t *Tab) CallOnNode(ctx context.Context, id cdp.BackendNodeID, fn string, res interface{}, args ...interface{}) error {
	return t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithBackendNodeID(id).Do(ctx)
		if err != nil {
			return fmt.Errorf("resolve node %d: %w", id, err)
		}
		defer runtime.ReleaseObject(obj.ObjectID).Do(ctx)

		callArgs := make([]*runtime.CallArgument, 0, len(args))
		for _, a := range args {
			raw, err := json.Marshal(a)
			if err != nil {
				return fmt.Errorf("encode argument: %w", err)
			}
			callArgs = append(callArgs, &runtime.CallArgument{Value: raw})
		}

		out, exc, err := runtime.CallFunctionOn(fn).
			WithObjectID(obj.ObjectID).
			WithArguments(callArgs).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		if res == nil || out == nil || len(out.Value) == 0 {
			return nil
		}
		return json.Unmarshal([]byte(out.Value), res)
	}))
}

// QueryNodes returns the nodes matching a CSS selector, or an XPath when
// byXPath is set. No match is an empty slice, not an error.
func (t *Tab) QueryNodes(ctx context.Context, sel string, byXPath bool) ([]*cdp.Node, error) {
	by := chromedp.ByQueryAll
	if byXPath {
		by = chromedp.BySearch
	}
	var nodes []*cdp.Node
	err := t.run(ctx, chromedp.Nodes(sel, &nodes, by, chromedp.AtLeast(0)))
	return nodes, err
}

// AddScriptOnNewDocument registers src to run in every new document
func (t *Tab) AddScriptOnNewDocument(ctx context.Context, src string) (page.ScriptIdentifier, error) {
	var id page.ScriptIdentifier
	err := t.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		id, err = page.AddScriptToEvaluateOnNewDocument(src).Do(ctx)
		return err
	}))
	return id, err
}

// RemoveScriptOnNewDocument unregisters a script added with AddScriptOnNewDocument
func (t *Tab) RemoveScriptOnNewDocument(ctx context.Context, id page.ScriptIdentifier) error {
	return t.run(ctx, page.RemoveScriptToEvaluateOnNewDocument(id))
}

// AddBinding installs window[name] as a host callback
func (t *Tab) AddBinding(ctx context.Context, name string) error {
	return t.run(ctx, runtime.AddBinding(name))
}

// RemoveBinding removes a binding installed with AddBinding
func (t *Tab) RemoveBinding(ctx context.Context, name string) error {
	return t.run(ctx, runtime.RemoveBinding(name))
}

// Screenshot captures the viewport as PNG
func (t *Tab) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := t.run(ctx, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

// PageHTML returns the document's outer HTML
func (t *Tab) PageHTML(ctx context.Context) (string, error) {
	var html string
	err := t.run(ctx, chromedp.OuterHTML(`html`, &html, chromedp.ByQuery))
	return html, err
}

// IsDetached reports whether err means the target went away mid-operation
func IsDetached(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "context canceled") ||
		strings.Contains(msg, "No target with given id") ||
		strings.Contains(msg, "Target closed")
}
