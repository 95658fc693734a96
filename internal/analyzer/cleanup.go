package analyzer

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lance13c/browzer/internal/types"
)

// ErrInconsistent is returned when cleanup output breaks its own invariants
var ErrInconsistent = errors.New("cleanup produced an inconsistent log")

// SnapshotRemover deletes a stored snapshot. Missing files are not an error.
type SnapshotRemover func(path string) error

// CleanupResult is the cleaned log and what was removed
type CleanupResult struct {
	Actions    []types.RecordedAction
	Enrichment []types.EnrichmentVariable
	Removed    []types.RecordedAction
}

// Cleaner removes flagged actions and repairs the log
type Cleaner struct {
	remove SnapshotRemover
	log    *zap.Logger
}

// NewCleaner creates a cleaner. remove may be nil to keep snapshot files.
func NewCleaner(remove SnapshotRemover, log *zap.Logger) *Cleaner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cleaner{remove: remove, log: log}
}

// Cleanup drops every flagged action, deletes their snapshots, recomputes
// backlinks and re-stamps enrichment indices. The input slice is not modified.
func (c *Cleaner) Cleanup(ctx context.Context, actions []types.RecordedAction, enrichment []types.EnrichmentVariable) (*CleanupResult, error) {
	res := &CleanupResult{Actions: make([]types.RecordedAction, 0, len(actions))}
	newIndex := make(map[int]int, len(actions))
	for i, a := range actions {
		if a.IsUnnecessary() {
			res.Removed = append(res.Removed, a)
			continue
		}
		newIndex[i] = len(res.Actions)
		res.Actions = append(res.Actions, a)
	}

	c.removeSnapshots(ctx, res.Removed)

	Relink(res.Actions)

	for _, v := range enrichment {
		if idx, ok := newIndex[v.ActionIndex]; ok {
			v.ActionIndex = idx
			res.Enrichment = append(res.Enrichment, v)
		}
	}

	if err := Validate(res.Actions, len(actions), len(res.Removed)); err != nil {
		return nil, err
	}
	c.log.Info("cleaned action log",
		zap.Int("before", len(actions)),
		zap.Int("removed", len(res.Removed)),
		zap.Int("after", len(res.Actions)))
	return res, nil
}

// CleanupRecording runs Cleanup over a recording in place
func (c *Cleaner) CleanupRecording(ctx context.Context, rec *types.Recording) (int, error) {
	res, err := c.Cleanup(ctx, rec.Actions, rec.EnrichmentVariables)
	if err != nil {
		return 0, err
	}
	rec.Actions = res.Actions
	rec.EnrichmentVariables = res.Enrichment
	return len(res.Removed), nil
}

func (c *Cleaner) removeSnapshots(ctx context.Context, removed []types.RecordedAction) {
	if c.remove == nil {
		return
	}
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, a := range removed {
		path := a.SnapshotPath
		if path == "" {
			continue
		}
		g.Go(func() error {
			if err := c.remove(path); err != nil && !os.IsNotExist(err) {
				c.log.Warn("failed to remove snapshot", zap.String("path", path), zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()
}

// Relink recomputes every previous/next backlink from slice positions
func Relink(actions []types.RecordedAction) {
	for i := range actions {
		actions[i].PreviousAction = nil
		actions[i].NextAction = nil
		if i > 0 {
			actions[i].PreviousAction = &types.ActionLink{ID: i - 1, Type: actions[i-1].Type}
		}
		if i+1 < len(actions) {
			actions[i].NextAction = &types.ActionLink{ID: i + 1, Type: actions[i+1].Type}
		}
	}
}

// Validate checks the surviving count and every backlink
func Validate(actions []types.RecordedAction, original, flagged int) error {
	if len(actions) != original-flagged {
		return fmt.Errorf("%w: %d actions after removing %d of %d", ErrInconsistent, len(actions), flagged, original)
	}
	for i, a := range actions {
		if i == 0 && a.PreviousAction != nil {
			return fmt.Errorf("%w: first action has a previous link", ErrInconsistent)
		}
		if i > 0 && (a.PreviousAction == nil || a.PreviousAction.ID != i-1) {
			return fmt.Errorf("%w: action %d previous link", ErrInconsistent, i)
		}
		if i == len(actions)-1 && a.NextAction != nil {
			return fmt.Errorf("%w: last action has a next link", ErrInconsistent)
		}
		if i < len(actions)-1 && (a.NextAction == nil || a.NextAction.ID != i+1) {
			return fmt.Errorf("%w: action %d next link", ErrInconsistent, i)
		}
	}
	return nil
}
