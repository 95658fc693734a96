package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DebuggerTarget represents a Chrome DevTools target from /json/list
type DebuggerTarget struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	Description          string `json:"description"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// DebuggerScanResult contains the targets found on one debugger endpoint
type DebuggerScanResult struct {
	Host    string
	Port    int
	Targets []DebuggerTarget
}

// Pages returns only the page targets
func (r DebuggerScanResult) Pages() []DebuggerTarget {
	var pages []DebuggerTarget
	for _, t := range r.Targets {
		if t.Type == "page" {
			pages = append(pages, t)
		}
	}
	return pages
}

// Scanner probes debugger ports for running Chrome instances
type Scanner struct {
	Hosts  []string
	Client *http.Client
}

// NewScanner creates a scanner trying localhost and 127.0.0.1
func NewScanner() *Scanner {
	return &Scanner{
		Hosts:  []string{"localhost", "127.0.0.1"},
		Client: &http.Client{Timeout: 2 * time.Second},
	}
}

// Scan probes every port concurrently. A port answers once even if several
// hosts reach it. Results are ordered by port.
func (s *Scanner) Scan(ctx context.Context, ports []int) ([]DebuggerScanResult, error) {
	var (
		mu      sync.Mutex
		results []DebuggerScanResult
		lastErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, port := range ports {
		port := port
		g.Go(func() error {
			for _, host := range s.Hosts {
				targets, err := s.targets(gctx, host, port)
				mu.Lock()
				if err != nil {
					lastErr = err
					mu.Unlock()
					continue
				}
				if len(targets) > 0 {
					results = append(results, DebuggerScanResult{Host: host, Port: port, Targets: targets})
				}
				mu.Unlock()
				return nil
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Port < results[j].Port })

	if len(results) == 0 && lastErr != nil {
		return nil, fmt.Errorf("no debugger instances found, last error: %w", lastErr)
	}
	return results, nil
}

func (s *Scanner) targets(ctx context.Context, host string, port int) ([]DebuggerTarget, error) {
	url := fmt.Sprintf("http://%s:%d/json/list", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code from %s: %d", url, resp.StatusCode)
	}

	var targets []DebuggerTarget
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("decode %s: %w", url, err)
	}
	return targets, nil
}
