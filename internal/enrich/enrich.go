// Package enrich runs an optional annotation service over a finished
// recording. Annotations become variable hints for the workflow builder and
// error markers on the actions they concern. Any annotator failure degrades
// to heuristic-only synthesis; nothing here fails a recording.
package enrich

import (
	"context"
	"os"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lance13c/browzer/internal/types"
)

// Action metadata written by Apply
const (
	MetaError           = "enrichment_error"
	MetaErrorConfidence = "enrichment_error_confidence"
)

// Recording metadata written by Apply
const (
	MetaEnrichedAt = "enriched_at"
	MetaAnnotated  = "enrichment_annotated"
	MetaFailed     = "enrichment_failed"
)

// VariableDetection suggests that an action's value is a workflow input
type VariableDetection struct {
	Name   string `json:"name"`
	Format string `json:"format,omitempty"`
}

// ErrorDetection reports a visible error state after an action
type ErrorDetection struct {
	Message string `json:"message"`
}

// Annotation is what an annotator says about one action
type Annotation struct {
	Variable   *VariableDetection `json:"variable_detection,omitempty"`
	Error      *ErrorDetection    `json:"error_detection,omitempty"`
	Confidence float64            `json:"confidence"`
}

// Context is the surrounding information handed to the annotator
type Context struct {
	Index    int                   `json:"index"`
	URL      string                `json:"url,omitempty"`
	Previous *types.RecordedAction `json:"previous,omitempty"`
	Next     *types.RecordedAction `json:"next,omitempty"`
}

// Annotator analyzes one action and its screenshot. screenshot is nil when
// no snapshot was taken.
type Annotator interface {
	Analyze(ctx context.Context, action *types.RecordedAction, screenshot []byte, actx Context) (*Annotation, error)
}

// AnnotatorFunc adapts a function to Annotator
type AnnotatorFunc func(ctx context.Context, action *types.RecordedAction, screenshot []byte, actx Context) (*Annotation, error)

// Analyze calls f
func (f AnnotatorFunc) Analyze(ctx context.Context, action *types.RecordedAction, screenshot []byte, actx Context) (*Annotation, error) {
	return f(ctx, action, screenshot, actx)
}

// Options tune Apply
type Options struct {
	Timeout       time.Duration
	Concurrency   int
	MinConfidence float64
}

// Report counts what Apply did
type Report struct {
	Annotated int
	Failed    int
	Variables int
	Errors    int
}

// Apply annotates every non-navigation action of rec and records the results
// on it. Variable hints replace any earlier hints for the same action index.
// A nil annotator is a no-op.
func Apply(ctx context.Context, a Annotator, rec *types.Recording, opts Options, log *zap.Logger) Report {
	var report Report
	if a == nil || rec == nil || len(rec.Actions) == 0 {
		return report
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	results := make([]*Annotation, len(rec.Actions))
	failed := make([]bool, len(rec.Actions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i := range rec.Actions {
		action := &rec.Actions[i]
		if action.Type == types.ActionNavigate {
			continue
		}
		actx := Context{Index: i, URL: action.URL}
		if i > 0 {
			actx.Previous = &rec.Actions[i-1]
		}
		if i+1 < len(rec.Actions) {
			actx.Next = &rec.Actions[i+1]
		}
		g.Go(func() error {
			callCtx := gctx
			if opts.Timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(gctx, opts.Timeout)
				defer cancel()
			}
			ann, err := a.Analyze(callCtx, action, readScreenshot(action.SnapshotPath, log), actx)
			if err != nil {
				log.Debug("annotation failed", zap.Int("index", i), zap.String("type", string(action.Type)), zap.Error(err))
				failed[i] = true
				return nil
			}
			results[i] = ann
			return nil
		})
	}
	g.Wait()

	hints := map[int]types.EnrichmentVariable{}
	for _, v := range rec.EnrichmentVariables {
		hints[v.ActionIndex] = v
	}

	for i, ann := range results {
		if failed[i] {
			report.Failed++
		}
		if ann == nil {
			continue
		}
		report.Annotated++
		if ann.Confidence < opts.MinConfidence {
			continue
		}
		if ann.Variable != nil && ann.Variable.Name != "" && carriesValue(rec.Actions[i].Type) {
			hints[i] = types.EnrichmentVariable{
				ActionIndex: i,
				Name:        ann.Variable.Name,
				Format:      ann.Variable.Format,
				Confidence:  ann.Confidence,
			}
		}
		if ann.Error != nil && ann.Error.Message != "" {
			action := &rec.Actions[i]
			if action.Metadata == nil {
				action.Metadata = map[string]interface{}{}
			}
			action.Metadata[MetaError] = ann.Error.Message
			action.Metadata[MetaErrorConfidence] = ann.Confidence
			report.Errors++
		}
	}

	rec.EnrichmentVariables = rec.EnrichmentVariables[:0]
	for _, v := range hints {
		rec.EnrichmentVariables = append(rec.EnrichmentVariables, v)
	}
	sort.Slice(rec.EnrichmentVariables, func(i, j int) bool {
		return rec.EnrichmentVariables[i].ActionIndex < rec.EnrichmentVariables[j].ActionIndex
	})
	report.Variables = len(rec.EnrichmentVariables)

	if rec.Metadata == nil {
		rec.Metadata = map[string]string{}
	}
	rec.Metadata[MetaEnrichedAt] = time.Now().UTC().Format(time.RFC3339)
	rec.Metadata[MetaAnnotated] = strconv.Itoa(report.Annotated)
	rec.Metadata[MetaFailed] = strconv.Itoa(report.Failed)

	log.Info("recording enriched",
		zap.String("recording", rec.ID),
		zap.Int("annotated", report.Annotated),
		zap.Int("failed", report.Failed),
		zap.Int("variables", report.Variables),
		zap.Int("errors", report.Errors))
	return report
}

func carriesValue(t types.ActionType) bool {
	switch t {
	case types.ActionInput, types.ActionSelect, types.ActionRadio:
		return true
	}
	return false
}

func readScreenshot(path string, log *zap.Logger) []byte {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Debug("snapshot unreadable", zap.String("path", path), zap.Error(err))
		return nil
	}
	return data
}
