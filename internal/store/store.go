package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"notification-queue/internal/queue"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("job not found")

// Record is the inspectable view of a job hash.
type Record struct {
	ID                string          `json:"id"`
	Kind              queue.Kind      `json:"kind"`
	State             queue.State     `json:"state"`
	Priority          int             `json:"priority"`
	Attempts          int             `json:"attempts"`
	MaxAttempts       int             `json:"max_attempts"`
	LastError         string          `json:"last_error,omitempty"`
	Worker            string          `json:"worker,omitempty"`
	Provider          string          `json:"provider,omitempty"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	EnqueuedAt        time.Time       `json:"enqueued_at"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Data              json.RawMessage `json:"data"`
}

// Envelope decodes the stored job data.
func (r Record) Envelope() (queue.Envelope, error) {
	var env queue.Envelope
	err := json.Unmarshal(r.Data, &env)
	return env, err
}

type Store struct {
	rdb  *redis.Client
	keys queue.Keys
}

func New(rdb *redis.Client, queueName string) *Store {
	return &Store{rdb: rdb, keys: queue.NewKeys(queueName)}
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*Record, error) {
	data, err := s.rdb.HGetAll(ctx, s.keys.Job(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get job %s: %v", queue.ErrBackendUnavailable, jobID, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return recordFromHash(data), nil
}

// List returns up to limit jobs in the given state. Finished jobs come
// newest first; waiting jobs in claim order.
func (s *Store) List(ctx context.Context, state queue.State, limit int64) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}

	key := s.keys.Set(state)
	var (
		ids []string
		err error
	)
	switch state {
	case queue.StateCompleted, queue.StateFailed:
		ids, err = s.rdb.ZRevRange(ctx, key, 0, limit-1).Result()
	default:
		ids, err = s.rdb.ZRange(ctx, key, 0, limit-1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", queue.ErrBackendUnavailable, state, err)
	}
	if len(ids) == 0 {
		return []*Record{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.keys.Job(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", queue.ErrBackendUnavailable, state, err)
	}

	records := make([]*Record, 0, len(ids))
	for _, cmd := range cmds {
		// expired between the range and the read
		if len(cmd.Val()) == 0 {
			continue
		}
		records = append(records, recordFromHash(cmd.Val()))
	}
	return records, nil
}

func recordFromHash(h map[string]string) *Record {
	r := &Record{
		ID:                h["id"],
		Kind:              queue.Kind(h["kind"]),
		State:             queue.State(h["state"]),
		Priority:          atoi(h["priority"]),
		Attempts:          atoi(h["attempts"]),
		MaxAttempts:       atoi(h["max_attempts"]),
		LastError:         h["last_error"],
		Worker:            h["worker"],
		Provider:          h["provider"],
		ProviderMessageID: h["provider_message_id"],
		EnqueuedAt:        queue.MsToTime(h["enqueued_at"]),
		UpdatedAt:         queue.MsToTime(h["updated_at"]),
		Data:              json.RawMessage(h["data"]),
	}
	if t := queue.MsToTime(h["processed_at"]); !t.IsZero() {
		r.ProcessedAt = &t
	}
	if t := queue.MsToTime(h["finished_at"]); !t.IsZero() {
		r.FinishedAt = &t
	}
	return r
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
