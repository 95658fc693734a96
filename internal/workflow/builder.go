package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lance13c/browzer/internal/analyzer"
	"github.com/lance13c/browzer/internal/types"
)

// MinHintConfidence is the confidence below which annotator variable hints are ignored
const MinHintConfidence = 0.5

// Options configure a Builder
type Options struct {
	Analyzer      analyzer.Options
	MaxStrategies int
	// RemoveSnapshot deletes snapshot files of removed actions; nil keeps them
	RemoveSnapshot analyzer.SnapshotRemover
}

// Report describes one build
type Report struct {
	Analysis  analyzer.Report `json:"analysis"`
	Removed   int             `json:"removed"`
	Steps     int             `json:"steps"`
	Variables int             `json:"variables"`
}

// Builder runs analyze, cleanup, step conversion, variable extraction and
// selector generation over a recording
type Builder struct {
	opts    Options
	log     *zap.Logger
	now     func() time.Time
	analyze *analyzer.Analyzer
	cleaner *analyzer.Cleaner
}

// NewBuilder creates a builder
func NewBuilder(opts Options, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{
		opts:    opts,
		log:     log,
		now:     time.Now,
		analyze: analyzer.New(opts.Analyzer, log.Named("analyzer")),
		cleaner: analyzer.NewCleaner(opts.RemoveSnapshot, log.Named("cleanup")),
	}
}

// Build synthesizes a workflow from rec. rec is not modified.
func (b *Builder) Build(ctx context.Context, rec *types.Recording, name string) (*types.WorkflowDefinition, *Report, error) {
	if rec == nil || len(rec.Actions) == 0 {
		return nil, nil, fmt.Errorf("recording has no actions")
	}

	actions := make([]types.RecordedAction, len(rec.Actions))
	for i, a := range rec.Actions {
		a.Metadata = copyAnyMeta(a.Metadata)
		actions[i] = a
	}
	types.SortByTimestamp(actions)

	report := &Report{Analysis: b.analyze.Analyze(actions)}
	cleaned, err := b.cleaner.Cleanup(ctx, actions, rec.EnrichmentVariables)
	if err != nil {
		return nil, nil, fmt.Errorf("cleanup: %w", err)
	}
	report.Removed = len(cleaned.Removed)

	steps := ConvertActionsToSteps(cleaned.Actions, b.opts.MaxStrategies)
	steps, vars := NewExtractor(hintsFrom(cleaned.Enrichment)).Extract(steps)
	if vars == nil {
		vars = []types.InputVariable{}
	}
	report.Steps = len(steps)
	report.Variables = len(vars)

	if name == "" {
		name = firstNonEmpty(rec.Name, defaultName(rec))
	}
	now := b.now()
	wf := &types.WorkflowDefinition{
		ID:          uuid.NewString(),
		Name:        name,
		Description: describeWorkflow(steps),
		Version:     1,
		Steps:       steps,
		InputSchema: vars,
		Metadata: map[string]string{
			"recording_id":     rec.ID,
			"start_url":        rec.StartURL,
			"recorded_actions": strconv.Itoa(len(rec.Actions)),
			"removed_actions":  strconv.Itoa(report.Removed),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	b.log.Info("workflow built",
		zap.String("workflow", wf.ID),
		zap.String("recording", rec.ID),
		zap.Int("actions", len(rec.Actions)),
		zap.Int("removed", report.Removed),
		zap.Int("steps", report.Steps),
		zap.Int("variables", report.Variables))
	return wf, report, nil
}

func hintsFrom(vars []types.EnrichmentVariable) map[int]Hint {
	hints := map[int]Hint{}
	for _, v := range vars {
		if v.Confidence < MinHintConfidence || v.Name == "" {
			continue
		}
		hints[v.ActionIndex] = Hint{Name: v.Name, Format: v.Format}
	}
	return hints
}

func defaultName(rec *types.Recording) string {
	if rec.StartURL != "" {
		return "Workflow for " + rec.StartURL
	}
	return "Recorded workflow " + rec.StartedAt.Format("2006-01-02 15:04")
}

func describeWorkflow(steps []types.WorkflowStep) string {
	parts := make([]string, 0, 3)
	for _, s := range steps {
		if len(parts) == 3 {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, s.Description)
	}
	return strings.Join(parts, ", ")
}

func copyAnyMeta(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
