// Package store persists workflow definitions and raw recordings. Three
// backends share one interface: YAML files on disk, SQLite and Redis.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lance13c/browzer/internal/config"
	"github.com/lance13c/browzer/internal/types"
	"github.com/lance13c/browzer/internal/workflow"
)

// ErrNotFound is returned when no workflow or recording has the requested id
var ErrNotFound = errors.New("not found")

// Store is a workflow and recording repository
type Store interface {
	SaveWorkflow(ctx context.Context, w *types.WorkflowDefinition) error
	LoadWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context) ([]types.WorkflowSummary, error)
	DeleteWorkflow(ctx context.Context, id string) error

	SaveRecording(ctx context.Context, r *types.Recording) error
	LoadRecording(ctx context.Context, id string) (*types.Recording, error)
	ListRecordings(ctx context.Context) ([]types.RecordingSummary, error)
	DeleteRecording(ctx context.Context, id string) error

	Close() error
}

// Open creates the backend selected in cfg
func Open(ctx context.Context, cfg config.StorageConfig, log *zap.Logger) (Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch strings.ToLower(cfg.Backend) {
	case "", "file":
		fs, err := NewFileStore(cfg.Dir, cfg.CacheSize, log)
		if err != nil {
			return nil, err
		}
		if cfg.Watch {
			if err := fs.Watch(ctx); err != nil {
				log.Warn("workflow directory watch unavailable", zap.Error(err))
			}
		}
		return fs, nil
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	case "redis":
		return NewRedisStore(ctx, RedisOptions{Addr: cfg.RedisAddr, DB: cfg.RedisDB, Prefix: cfg.RedisPrefix})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// FindWorkflow loads a workflow by id, falling back to an exact then a
// case-insensitive name match
func FindWorkflow(ctx context.Context, s Store, ref string) (*types.WorkflowDefinition, error) {
	w, err := s.LoadWorkflow(ctx, ref)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return w, err
	}
	list, err := s.ListWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	for _, exact := range []bool{true, false} {
		for _, sum := range list {
			if sum.Name == ref || (!exact && strings.EqualFold(sum.Name, ref)) {
				return s.LoadWorkflow(ctx, sum.ID)
			}
		}
	}
	return nil, fmt.Errorf("workflow %q: %w", ref, ErrNotFound)
}

// Update replaces the steps and metadata of the stored workflow with those of
// next, bumps its version and saves it. The returned change is the YAML diff
// between the two versions.
func Update(ctx context.Context, s Store, next *types.WorkflowDefinition, log *zap.Logger) (*types.WorkflowDefinition, workflow.Change, error) {
	if log == nil {
		log = zap.NewNop()
	}
	current, err := s.LoadWorkflow(ctx, next.ID)
	if err != nil {
		return nil, workflow.Change{}, err
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	updated := workflow.ApplyUpdate(current, next)
	change, err := workflow.Diff(current, updated)
	if err != nil {
		return nil, workflow.Change{}, err
	}
	if err := s.SaveWorkflow(ctx, updated); err != nil {
		return nil, workflow.Change{}, err
	}
	log.Info("workflow updated",
		zap.String("id", updated.ID),
		zap.Int("version", updated.Version),
		zap.Int("added", change.Added),
		zap.Int("deleted", change.Deleted))
	log.Debug("workflow diff", zap.String("patch", change.Patch))
	return updated, change, nil
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid id %q", id)
	}
	return nil
}

func sortWorkflows(list []types.WorkflowSummary) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func sortRecordings(list []types.RecordingSummary) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].StartedAt.After(list[j].StartedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// cloneWorkflow copies w deeply enough that callers can edit steps and
// metadata without touching a cached value
func cloneWorkflow(w *types.WorkflowDefinition) *types.WorkflowDefinition {
	c := *w
	c.Steps = make([]types.WorkflowStep, len(w.Steps))
	for i, st := range w.Steps {
		if st.Target != nil {
			t := *st.Target
			t.Attributes = cloneMap(t.Attributes)
			st.Target = &t
		}
		st.Selectors = append([]types.SelectorStrategy(nil), st.Selectors...)
		st.Metadata = cloneMap(st.Metadata)
		c.Steps[i] = st
	}
	c.InputSchema = append([]types.InputVariable(nil), w.InputSchema...)
	c.Metadata = cloneMap(w.Metadata)
	return &c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
