package browser

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/lance13c/browzer/internal/config"
	"github.com/lance13c/browzer/internal/logging"
)

// Manager owns the connection to one Chrome instance, either launched by us or
// attached over the remote debugging port
type Manager struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc
	cfg         config.ChromeConfig
	log         *zap.Logger

	mu   sync.Mutex
	tabs map[target.ID]*Tab
}

// findChrome attempts to find Chrome executable
func findChrome() (string, error) {
	var paths []string

	switch runtime.GOOS {
	case "darwin":
		paths = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/Applications/Google Chrome Canary.app/Contents/MacOS/Google Chrome Canary",
			"/Applications/Brave Browser.app/Contents/MacOS/Brave Browser",
		}
	case "linux":
		paths = []string{
			"google-chrome",
			"google-chrome-stable",
			"chromium",
			"chromium-browser",
		}
	case "windows":
		paths = []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files\Chromium\Application\chrome.exe`,
		}
	}

	for _, path := range paths {
		if runtime.GOOS == "darwin" {
			if _, err := os.Stat(path); err == nil {
				logging.Debug("Found Chrome at: %s", path)
				return path, nil
			}
		} else {
			if _, err := exec.LookPath(path); err == nil {
				logging.Debug("Found Chrome at: %s", path)
				return path, nil
			}
		}
	}

	if path, err := exec.LookPath("chrome"); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("Chrome browser not found. Please install Chrome, Chromium, or Brave")
}

// Launch starts a new Chrome with remote debugging enabled on cfg.Port
func Launch(cfg config.ChromeConfig) (*Manager, error) {
	chromePath := cfg.ExecPath
	if chromePath == "" {
		var err error
		if chromePath, err = findChrome(); err != nil {
			return nil, err
		}
	}
	logging.Info("Using Chrome from: %s", chromePath)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(chromePath),
		chromedp.Flag("headless", cfg.Headless),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("remote-debugging-port", fmt.Sprint(cfg.Port)),
		chromedp.Flag("remote-debugging-address", "127.0.0.1"),
	)
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return newManager(allocCtx, allocCancel, cfg)
}

// Attach connects to an already running Chrome at host:port
func Attach(cfg config.ChromeConfig) (*Manager, error) {
	url := fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), url)
	return newManager(allocCtx, allocCancel, cfg)
}

// Connect launches or attaches according to cfg.Launch
func Connect(cfg config.ChromeConfig) (*Manager, error) {
	if cfg.Launch {
		return Launch(cfg)
	}
	return Attach(cfg)
}

func newManager(allocCtx context.Context, allocCancel context.CancelFunc, cfg config.ChromeConfig) (*Manager, error) {
	log := logging.Named("browser")
	browserCtx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, v ...interface{}) {
			logging.Debug("[Chrome] "+format, v...)
		}),
	)

	// The first Run allocates the browser; for a remote allocator it only dials.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start Chrome: %w", err)
	}

	return &Manager{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		cancel:      cancel,
		cfg:         cfg,
		log:         log,
		tabs:        make(map[target.ID]*Tab),
	}, nil
}

// Pages lists the page targets of the browser
func (m *Manager) Pages(ctx context.Context) ([]*target.Info, error) {
	infos, err := chromedp.Targets(m.browserCtx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	var pages []*target.Info
	for _, info := range infos {
		if info.Type == "page" && !strings.HasPrefix(info.URL, "devtools://") {
			pages = append(pages, info)
		}
	}
	return pages, nil
}

// Tab returns the tab for id, attaching to it on first use
func (m *Manager) Tab(id target.ID) (*Tab, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tab, ok := m.tabs[id]; ok && tab.ctx.Err() == nil {
		return tab, nil
	}

	ctx, cancel := chromedp.NewContext(m.browserCtx, chromedp.WithTargetID(id))
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("attach to target %s: %w", id, err)
	}
	// Tabs we attach to belong to the user; closing the session must not close them.
	tab := newTab(ctx, cancel, string(id), false, m.log)
	m.tabs[id] = tab
	return tab, nil
}

// WatchPages calls fn for every page target created in the browser until ctx
// ends. fn runs on its own goroutine.
func (m *Manager) WatchPages(ctx context.Context, fn func(info *target.Info)) {
	lctx, cancel := context.WithCancel(m.browserCtx)
	context.AfterFunc(ctx, cancel)
	chromedp.ListenBrowser(lctx, func(ev interface{}) {
		e, ok := ev.(*target.EventTargetCreated)
		if !ok || e.TargetInfo == nil || e.TargetInfo.Type != "page" {
			return
		}
		info := e.TargetInfo
		m.log.Debug("page target created",
			zap.String("target", string(info.TargetID)),
			zap.String("opener", string(info.OpenerID)))
		go fn(info)
	})
}

// FirstTab attaches to the first page target, creating one when the browser has none
func (m *Manager) FirstTab(ctx context.Context) (*Tab, error) {
	pages, err := m.Pages(ctx)
	if err != nil {
		return nil, err
	}
	if len(pages) > 0 {
		return m.Tab(pages[0].TargetID)
	}
	return m.NewTab(ctx)
}

// NewTab opens a fresh tab
func (m *Manager) NewTab(ctx context.Context) (*Tab, error) {
	tabCtx, cancel := chromedp.NewContext(m.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	c := chromedp.FromContext(tabCtx)
	id := c.Target.TargetID

	tab := newTab(tabCtx, cancel, string(id), true, m.log)
	m.mu.Lock()
	m.tabs[id] = tab
	m.mu.Unlock()
	return tab, nil
}

// Close detaches from every tab and releases the browser. A launched Chrome is
// shut down; an attached one keeps running.
func (m *Manager) Close() {
	m.mu.Lock()
	for id, tab := range m.tabs {
		tab.Close()
		delete(m.tabs, id)
	}
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	if m.allocCancel != nil {
		m.allocCancel()
	}
}
