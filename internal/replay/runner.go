// Package replay executes stored workflows against a live page.
//
// Each step binds its variables, locates its element by walking the persisted
// selector strategies in priority order (falling back to the loose target
// description), performs the action through the executor, then waits for the
// page to go network-idle. Steps are retried, and progress is published on the
// event bus as workflow_start, step_start, step_complete and workflow_complete.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lance13c/browzer/internal/config"
	"github.com/lance13c/browzer/internal/events"
	"github.com/lance13c/browzer/internal/executor"
	"github.com/lance13c/browzer/internal/metrics"
	"github.com/lance13c/browzer/internal/netidle"
	"github.com/lance13c/browzer/internal/types"
	"github.com/lance13c/browzer/internal/workflow"
)

// Errors
var (
	ErrNotLocated = errors.New("no selector strategy located the element")
	ErrStepFailed = errors.New("workflow step failed")
)

// Step metadata read by the runner
const (
	MetaDeltaX = "delta_x"
	MetaDeltaY = "delta_y"
)

// Page is what replay needs from a tab
type Page interface {
	executor.Page
	netidle.Source
	QueryNodes(ctx context.Context, sel string, byXPath bool) ([]*cdp.Node, error)
}

// Options tune a run
type Options struct {
	StepRetries int
	RetryDelay  time.Duration
	StepTimeout time.Duration
	WaitForIdle bool
	NetIdle     netidle.Options
	Executor    config.ExecutorConfig
	Metrics     *metrics.Collector
	Bus         *events.Bus
}

// OptionsFrom maps the replay, netidle and executor config sections onto Options
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		StepRetries: cfg.Replay.StepRetries,
		RetryDelay:  cfg.Replay.RetryDelay,
		StepTimeout: cfg.Replay.StepTimeout,
		WaitForIdle: cfg.Replay.WaitForIdle,
		NetIdle: netidle.Options{
			IdleTime:  cfg.NetIdle.IdleTime,
			Timeout:   cfg.NetIdle.Timeout,
			Threshold: cfg.NetIdle.Threshold,
		},
		Executor: cfg.Executor,
	}
}

// StepResult is the outcome of one step
type StepResult struct {
	Index    int            `json:"index"`
	StepID   string         `json:"step_id"`
	Type     types.StepType `json:"type"`
	Success  bool           `json:"success"`
	Skipped  bool           `json:"skipped,omitempty"`
	Strategy string         `json:"strategy,omitempty"`
	Attempts int            `json:"attempts"`
	Value    interface{}    `json:"value,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// RunResult is the outcome of a workflow run
type RunResult struct {
	RunID      string            `json:"run_id"`
	WorkflowID string            `json:"workflow_id"`
	Success    bool              `json:"success"`
	Steps      []StepResult      `json:"steps"`
	Extracted  map[string]string `json:"extracted,omitempty"`
	Error      string            `json:"error,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

// Runner replays workflows on one page
type Runner struct {
	page  Page
	exec  *executor.Executor
	idle  *netidle.Waiter
	opts  Options
	log   *zap.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a runner for page
func New(page Page, opts Options, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.StepRetries < 0 {
		opts.StepRetries = 0
	}
	return &Runner{
		page:  page,
		exec:  executor.New(page, opts.Executor, opts.Metrics, log.Named("executor")),
		idle:  netidle.New(page, opts.NetIdle, log.Named("netidle")),
		opts:  opts,
		log:   log,
		sleep: sleepCtx,
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

// Run executes w with the provided variable values. A failed required step
// stops the run; the returned error then wraps ErrStepFailed.
func (r *Runner) Run(ctx context.Context, w *types.WorkflowDefinition, provided map[string]string) (*RunResult, error) {
	vars, err := Bind(w, provided)
	if err != nil {
		return nil, err
	}

	res := &RunResult{RunID: uuid.NewString(), WorkflowID: w.ID, Success: true}
	start := time.Now()
	log := r.log.With(zap.String("run", res.RunID), zap.String("workflow", w.ID))

	r.opts.Bus.Emit(events.WorkflowStart, res.RunID, map[string]interface{}{
		"workflow_id": w.ID,
		"name":        w.Name,
		"total_steps": len(w.Steps),
	})
	log.Info("replay started", zap.String("name", w.Name), zap.Int("steps", len(w.Steps)))

	for i := range w.Steps {
		step := &w.Steps[i]
		r.opts.Bus.Emit(events.StepStart, res.RunID, map[string]interface{}{
			"index":       i,
			"step_id":     step.ID,
			"type":        step.Type,
			"description": step.Description,
			"total_steps": len(w.Steps),
		})

		sr := r.runStep(ctx, i, step, vars)
		if s, ok := sr.Value.(string); ok && step.Type == types.StepExtract {
			if res.Extracted == nil {
				res.Extracted = map[string]string{}
			}
			res.Extracted[extractKey(step)] = s
		}
		res.Steps = append(res.Steps, sr)
		r.opts.Bus.Emit(events.StepComplete, res.RunID, sr)

		if !sr.Success && !sr.Skipped {
			res.Success = false
			res.Error = fmt.Sprintf("step %d (%s) failed: %s", i+1, step.Type, sr.Error)
			break
		}
	}

	res.Duration = time.Since(start)
	r.opts.Bus.Emit(events.WorkflowComplete, res.RunID, map[string]interface{}{
		"workflow_id": w.ID,
		"success":     res.Success,
		"error":       res.Error,
		"steps":       len(res.Steps),
		"duration_ms": res.Duration.Milliseconds(),
	})
	if !res.Success {
		log.Warn("replay failed", zap.String("error", res.Error))
		return res, fmt.Errorf("%w: %s", ErrStepFailed, res.Error)
	}
	log.Info("replay completed", zap.Duration("duration", res.Duration))
	return res, nil
}

func extractKey(step *types.WorkflowStep) string {
	if f := step.Metadata[workflow.MetaField]; f != "" {
		return f
	}
	return step.ID
}

// runStep executes one step with retries
func (r *Runner) runStep(ctx context.Context, index int, step *types.WorkflowStep, vars map[string]string) StepResult {
	sr := StepResult{Index: index, StepID: step.ID, Type: step.Type}
	start := time.Now()
	log := r.log.With(zap.String("step", step.ID), zap.String("type", string(step.Type)))

	for attempt := 0; attempt <= r.opts.StepRetries; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, r.opts.RetryDelay); err != nil {
				sr.Error = err.Error()
				break
			}
			log.Debug("retrying step", zap.Int("attempt", attempt+1))
		}
		sr.Attempts = attempt + 1

		stepCtx, cancel := r.stepContext(ctx, step)
		result, strategy := r.execute(stepCtx, step, vars)
		cancel()

		sr.Strategy = strategy
		if result.Success {
			sr.Success, sr.Value, sr.Error = true, result.Value, ""
			break
		}
		sr.Error = result.Error
		if ctx.Err() != nil {
			break
		}
	}

	if sr.Success && r.opts.WaitForIdle && step.Type != types.StepWait && step.Type != types.StepExtract {
		wait := r.idle.Wait(ctx)
		r.opts.Metrics.NetworkWait(string(wait.State))
		if !wait.Idle() {
			log.Debug("page did not go idle", zap.String("state", string(wait.State)), zap.Int("pending", wait.Pending))
		}
	}

	if !sr.Success && step.Optional {
		sr.Skipped = true
		log.Info("optional step skipped", zap.String("error", sr.Error))
	}
	sr.Duration = time.Since(start)
	r.opts.Metrics.ReplayStep(string(step.Type), sr.Success, sr.Duration)
	return sr
}

func (r *Runner) stepContext(ctx context.Context, step *types.WorkflowStep) (context.Context, context.CancelFunc) {
	timeout := r.opts.StepTimeout
	if step.Timeout > 0 {
		timeout = step.Timeout
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// execute performs one attempt of step and names the strategy that located
// its element, if any
func (r *Runner) execute(ctx context.Context, step *types.WorkflowStep, vars map[string]string) (types.Result, string) {
	value := Substitute(step.Value, vars)

	switch step.Type {
	case types.StepNavigation:
		url := Substitute(step.URL, vars)
		if url == "" {
			return types.Failf("navigation step has no url"), ""
		}
		return r.exec.Navigate(ctx, url), ""

	case types.StepKeyPress:
		key := step.Key
		if key == "" {
			key = value
		}
		return r.exec.PressKey(ctx, key), ""

	case types.StepScroll:
		dx, _ := strconv.ParseFloat(step.Metadata[MetaDeltaX], 64)
		dy, _ := strconv.ParseFloat(step.Metadata[MetaDeltaY], 64)
		return r.exec.Scroll(ctx, dx, dy), ""

	case types.StepWait:
		d := step.Timeout
		if parsed, err := time.ParseDuration(value); err == nil {
			d = parsed
		}
		if err := r.sleep(ctx, d); err != nil {
			return types.Fail(err), ""
		}
		return types.OK(d.String()), ""
	}

	id, strategy, err := r.Locate(ctx, step, vars)
	if err != nil {
		return types.Fail(err), ""
	}
	target := executor.Node(id)

	switch step.Type {
	case types.StepClick:
		if checked, ok := step.Metadata[workflow.MetaChecked]; ok {
			return r.exec.SetChecked(ctx, target, checked == "true"), strategy
		}
		return r.exec.Click(ctx, target), strategy
	case types.StepInput:
		return r.exec.Type(ctx, target, value), strategy
	case types.StepSelectChange:
		return r.exec.Select(ctx, target, value), strategy
	case types.StepExtract:
		return r.exec.ReadText(ctx, target), strategy
	default:
		return types.Failf(fmt.Sprintf("unsupported step type %q", step.Type)), strategy
	}
}

// Locate finds the step's element. Strategies are tried in ascending priority;
// the target description is the last resort.
func (r *Runner) Locate(ctx context.Context, step *types.WorkflowStep, vars map[string]string) (cdp.BackendNodeID, string, error) {
	strategies := append([]types.SelectorStrategy(nil), step.Selectors...)
	sort.SliceStable(strategies, func(i, j int) bool { return strategies[i].Priority < strategies[j].Priority })

	var errs []error
	for _, st := range strategies {
		id, err := r.tryStrategy(ctx, st, step, vars)
		if err == nil && id != 0 {
			r.opts.Metrics.ResolverOutcome(string(st.Type), "matched")
			return id, string(st.Type), nil
		}
		outcome := "no_match"
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", st.Type, err))
			outcome = "error"
		}
		r.opts.Metrics.ResolverOutcome(string(st.Type), outcome)
		if ctx.Err() != nil {
			return 0, "", ctx.Err()
		}
	}

	if step.Target != nil && !step.Target.Empty() {
		id, _, err := r.exec.Resolve(ctx, *step.Target)
		if err == nil {
			return id, "description", nil
		}
		errs = append(errs, fmt.Errorf("description: %w", err))
	}

	if len(errs) > 0 {
		return 0, "", fmt.Errorf("%w: %v", ErrNotLocated, errors.Join(errs...))
	}
	return 0, "", ErrNotLocated
}

func (r *Runner) tryStrategy(ctx context.Context, st types.SelectorStrategy, step *types.WorkflowStep, vars map[string]string) (cdp.BackendNodeID, error) {
	value := Substitute(st.Value, vars)
	if value == "" {
		return 0, nil
	}

	switch st.Type {
	case types.StrategyText, types.StrategyFuzzyText, types.StrategyRoleText:
		desc := types.TargetDescription{Name: value}
		if step.Target != nil {
			desc.Role = step.Target.Role
		}
		if st.Type == types.StrategyRoleText {
			if role, name, ok := strings.Cut(value, "|"); ok {
				desc.Role, desc.Name = role, name
			}
		}
		id, _, err := r.exec.Resolve(ctx, desc)
		return id, err

	case types.StrategyAriaLabel:
		return r.first(ctx, attrSelector("aria-label", value), false)
	case types.StrategyPlaceholder:
		return r.first(ctx, attrSelector("placeholder", value), false)
	case types.StrategyTitle:
		return r.first(ctx, attrSelector("title", value), false)
	case types.StrategyAltText:
		return r.first(ctx, attrSelector("alt", value), false)

	case types.StrategySemanticXPath, types.StrategyXPathAbsolute:
		return r.first(ctx, value, true)
	case types.StrategyCSS, types.StrategyCSSID:
		return r.first(ctx, value, false)
	}
	return 0, fmt.Errorf("unknown strategy %q", st.Type)
}

func (r *Runner) first(ctx context.Context, sel string, byXPath bool) (cdp.BackendNodeID, error) {
	nodes, err := r.page.QueryNodes(ctx, sel, byXPath)
	if err != nil {
		return 0, err
	}
	for _, n := range nodes {
		if n != nil && n.BackendNodeID != 0 {
			return n.BackendNodeID, nil
		}
	}
	return 0, nil
}

func attrSelector(attr, value string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(value)
	return fmt.Sprintf(`[%s="%s"]`, attr, escaped)
}
