package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/lance13c/browzer/internal/types"
)

const (
	defaultCacheSize = 128
	listConcurrency  = 8
	fileExt          = ".yaml"
)

// FileStore keeps one YAML file per workflow and per recording:
//
//	<dir>/workflows/<id>.yaml
//	<dir>/recordings/<id>.yaml
//
// Decoded workflows are cached; Watch evicts cache entries when a file is
// edited outside the process.
type FileStore struct {
	dir   string
	cache *lru.Cache[string, *types.WorkflowDefinition]
	log   *zap.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewFileStore creates the directory layout under dir
func NewFileStore(dir string, cacheSize int, log *zap.Logger) (*FileStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	for _, sub := range []string{"workflows", "recordings"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	cache, err := lru.New[string, *types.WorkflowDefinition](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("workflow cache: %w", err)
	}
	return &FileStore{dir: dir, cache: cache, log: log}, nil
}

func (s *FileStore) workflowPath(id string) string {
	return filepath.Join(s.dir, "workflows", id+fileExt)
}

func (s *FileStore) recordingPath(id string) string {
	return filepath.Join(s.dir, "recordings", id+fileExt)
}

// SaveWorkflow writes w and refreshes the cache
func (s *FileStore) SaveWorkflow(ctx context.Context, w *types.WorkflowDefinition) error {
	if err := validID(w.ID); err != nil {
		return err
	}
	if err := writeYAML(s.workflowPath(w.ID), w); err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", w.ID, err)
	}
	s.cache.Add(w.ID, cloneWorkflow(w))
	return nil
}

// LoadWorkflow returns the workflow with id
func (s *FileStore) LoadWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	if err := validID(id); err != nil {
		return nil, fmt.Errorf("workflow %q: %w", id, ErrNotFound)
	}
	if w, ok := s.cache.Get(id); ok {
		return cloneWorkflow(w), nil
	}
	var w types.WorkflowDefinition
	if err := readYAML(s.workflowPath(id), &w); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load workflow %s: %w", id, err)
	}
	s.cache.Add(id, cloneWorkflow(&w))
	return &w, nil
}

// ListWorkflows decodes every workflow file, newest first
func (s *FileStore) ListWorkflows(ctx context.Context) ([]types.WorkflowSummary, error) {
	ids, err := listIDs(filepath.Join(s.dir, "workflows"))
	if err != nil {
		return nil, err
	}
	out := make([]types.WorkflowSummary, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			w, err := s.LoadWorkflow(gctx, id)
			if err != nil {
				return err
			}
			out[i] = w.Summary()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sortWorkflows(out)
	return out, nil
}

// DeleteWorkflow removes the workflow file
func (s *FileStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.cache.Remove(id)
	return removeFile(s.workflowPath(id), "workflow", id)
}

// SaveRecording writes r
func (s *FileStore) SaveRecording(ctx context.Context, r *types.Recording) error {
	if err := validID(r.ID); err != nil {
		return err
	}
	if err := writeYAML(s.recordingPath(r.ID), r); err != nil {
		return fmt.Errorf("failed to save recording %s: %w", r.ID, err)
	}
	return nil
}

// LoadRecording returns the recording with id
func (s *FileStore) LoadRecording(ctx context.Context, id string) (*types.Recording, error) {
	if err := validID(id); err != nil {
		return nil, fmt.Errorf("recording %q: %w", id, ErrNotFound)
	}
	var r types.Recording
	if err := readYAML(s.recordingPath(id), &r); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("recording %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load recording %s: %w", id, err)
	}
	return &r, nil
}

// ListRecordings decodes every recording file, newest first
func (s *FileStore) ListRecordings(ctx context.Context) ([]types.RecordingSummary, error) {
	ids, err := listIDs(filepath.Join(s.dir, "recordings"))
	if err != nil {
		return nil, err
	}
	out := make([]types.RecordingSummary, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			r, err := s.LoadRecording(gctx, id)
			if err != nil {
				return err
			}
			out[i] = r.Summary()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sortRecordings(out)
	return out, nil
}

// DeleteRecording removes the recording file
func (s *FileStore) DeleteRecording(ctx context.Context, id string) error {
	return removeFile(s.recordingPath(id), "recording", id)
}

// Watch evicts cached workflows whose files change on disk until ctx ends
func (s *FileStore) Watch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return fmt.Errorf("watcher is already running")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Join(s.dir, "workflows")); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch workflows: %w", err)
	}
	s.watcher = w

	go func() {
		for {
			select {
			case <-ctx.Done():
				s.stopWatch()
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				s.onFileEvent(ev)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("workflow watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (s *FileStore) onFileEvent(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if !strings.HasSuffix(name, fileExt) {
		return
	}
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	id := strings.TrimSuffix(name, fileExt)
	if s.cache.Remove(id) {
		s.log.Debug("workflow changed on disk", zap.String("id", id), zap.String("op", ev.Op.String()))
	}
}

func (s *FileStore) stopWatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
}

// Close stops the watcher
func (s *FileStore) Close() error {
	s.stopWatch()
	return nil
}

func writeYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readYAML(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func listIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, fileExt))
	}
	return ids, nil
}

func removeFile(path, kind, id string) error {
	if err := validID(id); err != nil {
		return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
		}
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	return nil
}
