package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"notification-queue/internal/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrBackendUnavailable = errors.New("queue backend unavailable")
	ErrNotPending         = errors.New("job is not pending")
	ErrJobNotFound        = errors.New("job not found")
	// ErrLockLost is returned when a job's lease was taken over, usually by
	// stall recovery after the lease expired.
	ErrLockLost = errors.New("job lock lost")
)

// Retention applies to finished jobs.
type Retention struct {
	CompletedAge   time.Duration
	CompletedCount int
	FailedAge      time.Duration
}

var DefaultRetention = Retention{
	CompletedAge:   24 * time.Hour,
	CompletedCount: 1000,
	FailedAge:      7 * 24 * time.Hour,
}

type EnqueueResult struct {
	JobID     string
	Queue     string
	Duplicate bool
}

type SendOutcome struct {
	Provider  string
	MessageID string
}

type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type RedisQueue struct {
	client      *redis.Client
	name        string
	keys        Keys
	maxAttempts int
	retention   Retention
	now         func() time.Time
}

type QueueOption func(*RedisQueue)

func WithMaxAttempts(n int) QueueOption {
	return func(q *RedisQueue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func WithRetention(r Retention) QueueOption {
	return func(q *RedisQueue) { q.retention = r }
}

// NewRedisClient dials Redis with the configured address and credentials and
// checks the connection.
func NewRedisClient(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: redis %s: %v", ErrBackendUnavailable, cfg.RedisAddr(), err)
	}
	return rdb, nil
}

func New(rdb *redis.Client, name string, opts ...QueueOption) *RedisQueue {
	q := &RedisQueue{
		client:      rdb,
		name:        name,
		keys:        NewKeys(name),
		maxAttempts: DefaultMaxAttempts,
		retention:   DefaultRetention,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) Name() string {
	return q.name
}

func (q *RedisQueue) Keys() Keys {
	return q.keys
}

// Enqueue stores env durably. When opts carries a dedupe key that belongs to
// an unfinished job, nothing is written and that job's id is returned.
func (q *RedisQueue) Enqueue(ctx context.Context, env Envelope, opts Options) (EnqueueResult, error) {
	if env.Payload == nil {
		return EnqueueResult{}, fmt.Errorf("enqueue: envelope has no payload")
	}
	if env.ID == "" {
		env.ID = opts.JobID
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	now := q.now()
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = now
	}

	data, err := json.Marshal(env)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue: encode envelope: %w", err)
	}

	readyAt := int64(0)
	if opts.Delay > 0 {
		readyAt = now.Add(opts.Delay).UnixMilli()
	}

	res, err := addJobScript.Run(ctx, q.client,
		[]string{q.keys.Job(env.ID), q.keys.Wait(), q.keys.Delayed(), q.keys.Dedupe(), q.keys.Seq()},
		env.ID, string(data), string(env.Kind()), opts.Priority, readyAt, now.UnixMilli(), q.maxAttempts, opts.DedupeKey,
	).Slice()
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("%w: enqueue %s: %v", ErrBackendUnavailable, env.ID, err)
	}
	if len(res) != 2 {
		return EnqueueResult{}, fmt.Errorf("enqueue %s: unexpected script reply %v", env.ID, res)
	}

	added, _ := res[0].(int64)
	id, _ := res[1].(string)
	return EnqueueResult{JobID: id, Queue: q.name, Duplicate: added == 0}, nil
}

// Claim takes the most urgent waiting job, after promoting delayed jobs whose
// time has come. It returns nil, nil when there is nothing to do.
func (q *RedisQueue) Claim(ctx context.Context, worker string, lockDuration time.Duration) (*Job, error) {
	now := q.now()
	token := uuid.NewString()

	res, err := claimScript.Run(ctx, q.client,
		[]string{q.keys.Wait(), q.keys.Delayed(), q.keys.Active(), q.keys.Seq()},
		now.UnixMilli(), now.Add(lockDuration).UnixMilli(), token, q.keys.JobPrefix(), worker,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: claim: %v", ErrBackendUnavailable, err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("claim: unexpected script reply %v", res)
	}

	job := &Job{token: token}
	job.ID, _ = res[0].(string)
	data, _ := res[1].(string)
	job.Data = json.RawMessage(data)
	attempt, _ := res[2].(int64)
	job.Attempt = int(attempt)
	maxAttempts, _ := res[3].(string)
	job.MaxAttempts, _ = strconv.Atoi(maxAttempts)
	if job.MaxAttempts == 0 {
		job.MaxAttempts = q.maxAttempts
	}
	return job, nil
}

func (q *RedisQueue) ExtendLock(ctx context.Context, job *Job, lockDuration time.Duration) error {
	n, err := extendLockScript.Run(ctx, q.client,
		[]string{q.keys.Job(job.ID), q.keys.Active()},
		job.ID, job.token, q.now().Add(lockDuration).UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("%w: extend lock %s: %v", ErrBackendUnavailable, job.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, job.ID)
	}
	return nil
}

func (q *RedisQueue) Complete(ctx context.Context, job *Job, out SendOutcome) error {
	now := q.now()
	n, err := completeScript.Run(ctx, q.client,
		[]string{q.keys.Job(job.ID), q.keys.Active(), q.keys.Completed(), q.keys.Dedupe()},
		job.ID, job.token, now.UnixMilli(), seconds(q.retention.CompletedAge),
		q.retention.CompletedCount, q.keys.JobPrefix(), out.Provider, out.MessageID,
	).Int()
	if err != nil {
		return fmt.Errorf("%w: complete %s: %v", ErrBackendUnavailable, job.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, job.ID)
	}
	return nil
}

// Retry parks the job in the delayed set until delay has passed.
func (q *RedisQueue) Retry(ctx context.Context, job *Job, cause error, delay time.Duration) error {
	retryAt := q.now().Add(delay).UnixMilli()
	if retryAt <= 0 {
		retryAt = 1
	}
	return q.fail(ctx, job, cause, retryAt)
}

// Fail marks the job terminally failed. It is kept for FailedAge.
func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error) error {
	return q.fail(ctx, job, cause, 0)
}

func (q *RedisQueue) fail(ctx context.Context, job *Job, cause error, retryAt int64) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	n, err := failScript.Run(ctx, q.client,
		[]string{q.keys.Job(job.ID), q.keys.Active(), q.keys.Delayed(), q.keys.Failed(), q.keys.Dedupe()},
		job.ID, job.token, q.now().UnixMilli(), retryAt, msg, seconds(q.retention.FailedAge),
	).Int()
	if err != nil {
		return fmt.Errorf("%w: fail %s: %v", ErrBackendUnavailable, job.ID, err)
	}
	if n < 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, job.ID)
	}
	return nil
}

// Release hands an active job back to the wait set without using up an
// attempt.
func (q *RedisQueue) Release(ctx context.Context, job *Job) error {
	n, err := releaseScript.Run(ctx, q.client,
		[]string{q.keys.Job(job.ID), q.keys.Active(), q.keys.Wait(), q.keys.Seq()},
		job.ID, job.token, q.now().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("%w: release %s: %v", ErrBackendUnavailable, job.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, job.ID)
	}
	return nil
}

// Remove deletes a job that no worker has claimed yet.
func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	n, err := removeScript.Run(ctx, q.client,
		[]string{q.keys.Job(id), q.keys.Wait(), q.keys.Delayed(), q.keys.Dedupe()},
		id,
	).Int()
	if err != nil {
		return fmt.Errorf("%w: remove %s: %v", ErrBackendUnavailable, id, err)
	}
	switch n {
	case -1:
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	case 0:
		return fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	return nil
}

// RecoverStalled puts jobs with an expired lease back in the wait set.
func (q *RedisQueue) RecoverStalled(ctx context.Context) (requeued, failed int, err error) {
	res, err := recoverStalledScript.Run(ctx, q.client,
		[]string{q.keys.Active(), q.keys.Wait(), q.keys.Failed(), q.keys.Dedupe(), q.keys.Seq()},
		q.now().UnixMilli(), q.keys.JobPrefix(), 100, seconds(q.retention.FailedAge),
	).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: recover stalled: %v", ErrBackendUnavailable, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("recover stalled: unexpected script reply %v", res)
	}
	return int(res[0]), int(res[1]), nil
}

// Clean drops finished jobs that are past their retention window.
func (q *RedisQueue) Clean(ctx context.Context) (int, error) {
	now := q.now()
	n, err := cleanScript.Run(ctx, q.client,
		[]string{q.keys.Completed(), q.keys.Failed()},
		now.Add(-q.retention.CompletedAge).UnixMilli(), now.Add(-q.retention.FailedAge).UnixMilli(), q.keys.JobPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: clean: %v", ErrBackendUnavailable, err)
	}
	return n, nil
}

func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	wait := pipe.ZCard(ctx, q.keys.Wait())
	delayed := pipe.ZCard(ctx, q.keys.Delayed())
	active := pipe.ZCard(ctx, q.keys.Active())
	completed := pipe.ZCard(ctx, q.keys.Completed())
	failed := pipe.ZCard(ctx, q.keys.Failed())
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("%w: counts: %v", ErrBackendUnavailable, err)
	}
	return Counts{
		Waiting:   wait.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func seconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
