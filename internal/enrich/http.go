package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lance13c/browzer/internal/config"
	"github.com/lance13c/browzer/internal/types"
)

type analyzeRequest struct {
	Action     *types.RecordedAction `json:"action"`
	Screenshot []byte                `json:"screenshot,omitempty"`
	Context    Context               `json:"context"`
}

// HTTPAnnotator posts each action to an annotation service as JSON and reads
// an Annotation back
type HTTPAnnotator struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPAnnotator creates an annotator for endpoint
func NewHTTPAnnotator(endpoint, apiKey string, timeout time.Duration) *HTTPAnnotator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAnnotator{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FromConfig returns the configured annotator and its options, or a nil
// annotator when no endpoint is set
func FromConfig(cfg config.EnrichConfig) (Annotator, Options) {
	opts := Options{Timeout: cfg.Timeout, Concurrency: cfg.Concurrency, MinConfidence: cfg.MinConfidence}
	if cfg.Endpoint == "" {
		return nil, opts
	}
	return NewHTTPAnnotator(cfg.Endpoint, cfg.APIKey, cfg.Timeout), opts
}

// Analyze implements Annotator
func (a *HTTPAnnotator) Analyze(ctx context.Context, action *types.RecordedAction, screenshot []byte, actx Context) (*Annotation, error) {
	body, err := json.Marshal(analyzeRequest{Action: action, Screenshot: screenshot, Context: actx})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("annotation service returned status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var ann Annotation
	if err := json.Unmarshal(respBody, &ann); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &ann, nil
}
