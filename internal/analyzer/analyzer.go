// Package analyzer flags low-value actions in a recorded log and removes them
// while keeping backlinks and index-bearing metadata consistent.
package analyzer

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lance13c/browzer/internal/config"
	"github.com/lance13c/browzer/internal/resolver"
	"github.com/lance13c/browzer/internal/types"
)

// Flag reasons
const (
	ReasonAccidentalClick = "accidental_click"
	ReasonFailedAttempt   = "failed_attempt"
	ReasonRedundant       = "redundant_action"
	ReasonBacktrack       = "navigation_backtrack"
)

// Options are the heuristic windows
type Options struct {
	AccidentalClickWindow time.Duration
	RedundantWindow       time.Duration
	BacktrackWindow       time.Duration
	ScrollThreshold       float64
}

// OptionsFrom converts the analyzer config section
func OptionsFrom(cfg config.AnalyzerConfig) Options {
	return Options{
		AccidentalClickWindow: cfg.AccidentalClickWindow,
		RedundantWindow:       cfg.RedundantWindow,
		BacktrackWindow:       cfg.BacktrackWindow,
		ScrollThreshold:       cfg.ScrollThreshold,
	}
}

// DefaultOptions mirrors config.DefaultConfig
func DefaultOptions() Options {
	return OptionsFrom(config.DefaultConfig().Analyzer)
}

// Report counts flags by reason
type Report struct {
	Total    int            `json:"total"`
	Flagged  int            `json:"flagged"`
	ByReason map[string]int `json:"by_reason"`
}

// Analyzer annotates actions. It never removes or reorders them.
type Analyzer struct {
	opts Options
	log  *zap.Logger
}

// New creates an analyzer
func New(opts Options, log *zap.Logger) *Analyzer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Analyzer{opts: opts, log: log}
}

// Analyze runs every heuristic over actions and writes {unnecessary, reason,
// details} into the metadata of matched actions. An action already flagged
// keeps its first reason.
func (a *Analyzer) Analyze(actions []types.RecordedAction) Report {
	a.accidentalClicks(actions)
	a.failedAttempts(actions)
	a.redundantActions(actions)
	a.backtracks(actions)

	report := Report{Total: len(actions), ByReason: map[string]int{}}
	for i := range actions {
		if actions[i].IsUnnecessary() {
			report.Flagged++
			report.ByReason[actions[i].FlagReason()]++
		}
	}
	a.log.Debug("analyzed actions",
		zap.Int("total", report.Total),
		zap.Int("flagged", report.Flagged),
		zap.Any("by_reason", report.ByReason))
	return report
}

func within(a, b *types.RecordedAction, window time.Duration) bool {
	d := b.Timestamp - a.Timestamp
	return d >= 0 && d <= window.Milliseconds()
}

// accidentalClicks flags a click quickly followed by a click elsewhere when the
// first click did nothing
func (a *Analyzer) accidentalClicks(actions []types.RecordedAction) {
	for i := 0; i+1 < len(actions); i++ {
		cur, next := &actions[i], &actions[i+1]
		if cur.Type != types.ActionClick || next.Type != types.ActionClick {
			continue
		}
		if !within(cur, next, a.opts.AccidentalClickWindow) || cur.Target.SameElement(next.Target) {
			continue
		}
		if HasSignificantEffect(cur.Effects, a.opts.ScrollThreshold) {
			continue
		}
		details := fmt.Sprintf("no effect before click on %s %dms later", describe(next.Target), next.Timestamp-cur.Timestamp)
		if NonInteractive(cur.Target) {
			details = "non-interactive target with no effect; " + details
		}
		cur.Flag(ReasonAccidentalClick, details)
	}
}

// failedAttempts flags an ineffective click when a similar click two steps
// later on a different target succeeds. Value-carrying actions always record a
// state change and never qualify.
func (a *Analyzer) failedAttempts(actions []types.RecordedAction) {
	for i := 0; i+2 < len(actions); i++ {
		cur, later := &actions[i], &actions[i+2]
		if cur.Type != types.ActionClick || later.Type != types.ActionClick || cur.Target == nil || later.Target == nil {
			continue
		}
		if cur.Target.SameElement(later.Target) || !similar(cur.Target, later.Target) {
			continue
		}
		if HasSignificantEffect(cur.Effects, a.opts.ScrollThreshold) || !HasSignificantEffect(later.Effects, a.opts.ScrollThreshold) {
			continue
		}
		cur.Flag(ReasonFailedAttempt, fmt.Sprintf("superseded by successful %s on %s", later.Type, describe(later.Target)))
	}
}

// redundantActions flags repeats on the same element. Progressive typing, where
// the later value extends the earlier one, is not redundant.
func (a *Analyzer) redundantActions(actions []types.RecordedAction) {
	for i := 0; i+1 < len(actions); i++ {
		cur := &actions[i]
		for j := i + 1; j < len(actions); j++ {
			next := &actions[j]
			if !within(cur, next, a.opts.RedundantWindow) {
				break
			}
			if next.Type != cur.Type || cur.Target == nil || !cur.Target.SameElement(next.Target) {
				continue
			}
			switch cur.Type {
			case types.ActionInput:
				if strings.HasPrefix(next.StringValue(), cur.StringValue()) {
					break
				}
				cur.Flag(ReasonRedundant, fmt.Sprintf("value %q replaced by %q", cur.StringValue(), next.StringValue()))
			case types.ActionSelect:
				cur.Flag(ReasonRedundant, fmt.Sprintf("selection replaced by %q", next.StringValue()))
			default:
				next.Flag(ReasonRedundant, fmt.Sprintf("repeat of action %d on %s", i, describe(cur.Target)))
			}
			break
		}
	}
}

// backtracks flags a navigation immediately undone by navigating back or by a
// back-labelled click, together with the undoing action
func (a *Analyzer) backtracks(actions []types.RecordedAction) {
	for i := 0; i+1 < len(actions); i++ {
		cur, next := &actions[i], &actions[i+1]
		if cur.Type != types.ActionNavigate || !within(cur, next, a.opts.BacktrackWindow) {
			continue
		}
		origin := ""
		if i > 0 {
			origin = actions[i-1].URL
		}
		switch {
		case next.Type == types.ActionNavigate && origin != "" && sameURL(next.URL, origin):
		case next.Type == types.ActionClick && isBackControl(next.Target):
		default:
			continue
		}
		details := fmt.Sprintf("navigation to %s reversed", cur.URL)
		cur.Flag(ReasonBacktrack, details)
		next.Flag(ReasonBacktrack, details)
	}
}

// HasSignificantEffect reports whether effects show the action did something.
// A summary of "none" or "no significant effects" overrides the fields.
func HasSignificantEffect(e *types.Effects, scrollThreshold float64) bool {
	if e == nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(e.Summary)) {
	case "none", "no significant effects":
		return false
	}
	if e.NavigationOccurred || e.FormSubmitted || e.StateChanged {
		return true
	}
	if e.Modal != nil && e.Modal.Appeared {
		return true
	}
	if e.Network != nil && e.Network.RequestCount >= 1 {
		return true
	}
	if e.Focus != nil && e.Focus.Changed {
		return true
	}
	return e.Scroll != nil && e.Scroll.Distance > scrollThreshold
}

func similar(a, b *types.ElementTarget) bool {
	if !strings.EqualFold(a.TagName, b.TagName) || a.Role() != b.Role() {
		return false
	}
	if a.Text == "" || b.Text == "" {
		return true
	}
	return resolver.FuzzyRatio(a.Text, b.Text) >= 0.5 || resolver.TokenOverlap(a.Text, b.Text) > 0
}

func isBackControl(t *types.ElementTarget) bool {
	if t == nil {
		return false
	}
	for _, s := range []string{t.Text, t.Attr("aria-label"), t.Attr("title")} {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "back" || s == "go back" || strings.HasPrefix(s, "back to") || s == "← back" || s == "< back" {
			return true
		}
	}
	return false
}

func sameURL(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}

func describe(t *types.ElementTarget) string {
	if t == nil {
		return "page"
	}
	if t.Text != "" {
		return fmt.Sprintf("%s %q", strings.ToLower(t.TagName), t.Text)
	}
	if t.Selector != "" {
		return t.Selector
	}
	return strings.ToLower(t.TagName)
}
