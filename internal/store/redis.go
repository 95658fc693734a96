package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lance13c/browzer/internal/types"
)

const (
	workflowKind  = "workflow"
	recordingKind = "recording"
)

// RedisOptions configures a RedisStore
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps each document as a JSON string under <prefix><kind>:<id>
// and tracks ids in a set per kind
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects and pings the server
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client, prefix: opts.Prefix}, nil
}

func (s *RedisStore) key(kind, id string) string {
	return s.prefix + kind + ":" + id
}

func (s *RedisStore) index(kind string) string {
	return s.prefix + kind + "s"
}

func (s *RedisStore) save(ctx context.Context, kind, id string, v interface{}) error {
	if err := validID(id); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", kind, id, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(kind, id), data, 0)
	pipe.SAdd(ctx, s.index(kind), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save %s %s: %w", kind, id, err)
	}
	return nil
}

func getJSON[T any](ctx context.Context, s *RedisStore, kind, id string) (*T, error) {
	data, err := s.client.Get(ctx, s.key(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", kind, id, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", kind, id, err)
	}
	return &v, nil
}

// listJSON fetches every indexed document of kind in one MGET
func listJSON[T any](ctx context.Context, s *RedisStore, kind string) ([]*T, error) {
	ids, err := s.client.SMembers(ctx, s.index(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %ss: %w", kind, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(kind, id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %ss: %w", kind, err)
	}
	out := make([]*T, 0, len(vals))
	for i, raw := range vals {
		str, ok := raw.(string)
		if !ok {
			// indexed but gone; drop the stale index entry
			s.client.SRem(ctx, s.index(kind), ids[i])
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(str), &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s %s: %w", kind, ids[i], err)
		}
		out = append(out, &v)
	}
	return out, nil
}

func (s *RedisStore) remove(ctx context.Context, kind, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.key(kind, id))
	pipe.SRem(ctx, s.index(kind), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// SaveWorkflow stores w
func (s *RedisStore) SaveWorkflow(ctx context.Context, w *types.WorkflowDefinition) error {
	return s.save(ctx, workflowKind, w.ID, w)
}

// LoadWorkflow returns the workflow with id
func (s *RedisStore) LoadWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	return getJSON[types.WorkflowDefinition](ctx, s, workflowKind, id)
}

// ListWorkflows returns summaries, newest first
func (s *RedisStore) ListWorkflows(ctx context.Context) ([]types.WorkflowSummary, error) {
	all, err := listJSON[types.WorkflowDefinition](ctx, s, workflowKind)
	if err != nil {
		return nil, err
	}
	out := make([]types.WorkflowSummary, len(all))
	for i, w := range all {
		out[i] = w.Summary()
	}
	sortWorkflows(out)
	return out, nil
}

// DeleteWorkflow removes the workflow with id
func (s *RedisStore) DeleteWorkflow(ctx context.Context, id string) error {
	return s.remove(ctx, workflowKind, id)
}

// SaveRecording stores r
func (s *RedisStore) SaveRecording(ctx context.Context, r *types.Recording) error {
	return s.save(ctx, recordingKind, r.ID, r)
}

// LoadRecording returns the recording with id
func (s *RedisStore) LoadRecording(ctx context.Context, id string) (*types.Recording, error) {
	return getJSON[types.Recording](ctx, s, recordingKind, id)
}

// ListRecordings returns summaries, newest first
func (s *RedisStore) ListRecordings(ctx context.Context) ([]types.RecordingSummary, error) {
	all, err := listJSON[types.Recording](ctx, s, recordingKind)
	if err != nil {
		return nil, err
	}
	out := make([]types.RecordingSummary, len(all))
	for i, r := range all {
		out[i] = r.Summary()
	}
	sortRecordings(out)
	return out, nil
}

// DeleteRecording removes the recording with id
func (s *RedisStore) DeleteRecording(ctx context.Context, id string) error {
	return s.remove(ctx, recordingKind, id)
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
