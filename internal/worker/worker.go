package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"notification-queue/internal/queue"
	"notification-queue/internal/sms"
	"notification-queue/internal/templates"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrUnprocessable marks job data the worker cannot decode. Such jobs are
// failed without retry.
var ErrUnprocessable = errors.New("job data cannot be processed")

// Queue is the part of queue.RedisQueue the worker drives.
type Queue interface {
	Claim(ctx context.Context, worker string, lockDuration time.Duration) (*queue.Job, error)
	ExtendLock(ctx context.Context, job *queue.Job, lockDuration time.Duration) error
	Complete(ctx context.Context, job *queue.Job, out queue.SendOutcome) error
	Retry(ctx context.Context, job *queue.Job, cause error, delay time.Duration) error
	Fail(ctx context.Context, job *queue.Job, cause error) error
	Release(ctx context.Context, job *queue.Job) error
}

type Worker struct {
	q        Queue
	provider sms.Provider

	name          string
	concurrency   int
	limiter       *rate.Limiter
	backoff       time.Duration
	lockDuration  time.Duration
	pollInterval  time.Duration
	shutdownGrace time.Duration
	drainTimeout  time.Duration
	listeners     []Listener

	mu       sync.Mutex
	inflight map[string]*queue.Job
}

type Option func(*Worker)

func WithName(name string) Option {
	return func(w *Worker) { w.name = name }
}

func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithRateLimit caps claims per second across the whole worker.
func WithRateLimit(perSecond float64) Option {
	return func(w *Worker) {
		if perSecond > 0 {
			w.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

func WithBackoff(base time.Duration) Option {
	return func(w *Worker) { w.backoff = base }
}

func WithLockDuration(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.lockDuration = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

func WithShutdownGrace(d time.Duration) Option {
	return func(w *Worker) { w.shutdownGrace = d }
}

func WithListener(l Listener) Option {
	return func(w *Worker) { w.listeners = append(w.listeners, l) }
}

func New(q Queue, provider sms.Provider, opts ...Option) *Worker {
	w := &Worker{
		q:             q,
		provider:      provider,
		name:          "worker-1",
		concurrency:   5,
		limiter:       rate.NewLimiter(10, 1),
		backoff:       queue.DefaultBackoffDelay,
		lockDuration:  30 * time.Second,
		pollInterval:  time.Second,
		shutdownGrace: 30 * time.Second,
		drainTimeout:  5 * time.Second,
		inflight:      map[string]*queue.Job{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run claims and processes jobs until ctx is cancelled. It then waits up to
// the shutdown grace period for in-flight jobs, cancels the ones still
// running and hands them back to the queue without using up an attempt.
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("[%s] started: concurrency=%d rate=%v/s provider=%s",
		w.name, w.concurrency, w.limiter.Limit(), w.provider.Name())

	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	sem := semaphore.NewWeighted(int64(w.concurrency))
	var wg sync.WaitGroup

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		if err := w.limiter.Wait(ctx); err != nil {
			sem.Release(1)
			break
		}

		job, err := w.q.Claim(ctx, w.name, w.lockDuration)
		if err != nil || job == nil {
			sem.Release(1)
			if err != nil && ctx.Err() == nil {
				log.Printf("[%s] claim failed: %v", w.name, err)
			}
			if !sleep(ctx, w.pollInterval) {
				break
			}
			continue
		}

		w.track(job)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			defer w.untrack(job)
			w.process(jobCtx, job)
		}()
	}

	log.Printf("[%s] stopping, waiting for in-flight jobs", w.name)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.shutdownGrace):
		log.Printf("[%s] grace period over, cancelling in-flight jobs", w.name)
		cancelJobs()
		select {
		case <-done:
		case <-time.After(w.drainTimeout):
			// sends that ignore cancellation are bounded by the provider's own timeout
			w.releaseInflight()
		}
	}
	log.Printf("[%s] stopped", w.name)
	return nil
}

func (w *Worker) process(ctx context.Context, job *queue.Job) {
	w.emit(Event{Type: EventClaimed, JobID: job.ID, Attempt: job.Attempt})

	stop := w.keepLock(ctx, job)
	kind, res, err := w.handle(ctx, job)
	stop()

	// bookkeeping must land even when the job context is cancelled
	bctx := context.WithoutCancel(ctx)

	if err != nil && ctx.Err() != nil {
		// cut short by shutdown: the attempt does not count
		if rerr := w.q.Release(bctx, job); rerr != nil {
			log.Printf("[%s] job %s: release on shutdown: %v", w.name, job.ID, rerr)
			return
		}
		log.Printf("[%s] job %s released back to the queue", w.name, job.ID)
		return
	}

	if err == nil {
		if cerr := w.q.Complete(bctx, job, queue.SendOutcome{Provider: res.ProviderName, MessageID: res.ProviderMessageID}); cerr != nil {
			log.Printf("[%s] job %s: complete: %v", w.name, job.ID, cerr)
			return
		}
		w.emit(Event{Type: EventCompleted, JobID: job.ID, Kind: kind, Attempt: job.Attempt, Result: res})
		return
	}

	fatal := errors.Is(err, queue.ErrUnknownKind) || errors.Is(err, ErrUnprocessable)
	terminal := fatal || job.LastAttempt()
	if fatal {
		log.Printf("[%s] ALERT job %s cannot be processed by this worker version: %v", w.name, job.ID, err)
	}

	var qerr error
	if terminal {
		qerr = w.q.Fail(bctx, job, err)
	} else {
		delay := queue.RetryDelay(w.backoff, job.Attempt)
		log.Printf("[%s] job %s attempt %d/%d failed, retrying in %v: %v",
			w.name, job.ID, job.Attempt, job.MaxAttempts, delay, err)
		qerr = w.q.Retry(bctx, job, err, delay)
	}
	if qerr != nil {
		log.Printf("[%s] job %s: record failure: %v", w.name, job.ID, qerr)
		return
	}
	w.emit(Event{Type: EventFailed, JobID: job.ID, Kind: kind, Attempt: job.Attempt, Terminal: terminal, Err: err, Result: res})
}

// handle decodes, renders and sends one job. A nil error means the provider
// accepted the message.
func (w *Worker) handle(ctx context.Context, job *queue.Job) (kind queue.Kind, res *sms.SendResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] job %s panicked: %v\n%s", w.name, job.ID, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	env, err := job.Envelope()
	if err != nil {
		if errors.Is(err, queue.ErrUnknownKind) {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("%w: decode job %s: %v", ErrUnprocessable, job.ID, err)
	}
	kind = env.Kind()

	msg, err := templates.Render(env)
	if err != nil {
		return kind, nil, err
	}

	sent := w.provider.Send(ctx, msg.Recipient.PhoneNumber, msg.Message)
	if !sent.Success {
		return kind, &sent, fmt.Errorf("%s: %s", sent.ProviderName, sent.Error)
	}
	return kind, &sent, nil
}

// keepLock renews the job's lease at half its duration until stop is called.
func (w *Worker) keepLock(ctx context.Context, job *queue.Job) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.lockDuration / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.q.ExtendLock(ctx, job, w.lockDuration); err != nil {
					log.Printf("[%s] job %s: extend lock: %v", w.name, job.ID, err)
					if errors.Is(err, queue.ErrLockLost) {
						return
					}
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) track(job *queue.Job) {
	w.mu.Lock()
	w.inflight[job.ID] = job
	w.mu.Unlock()
}

func (w *Worker) untrack(job *queue.Job) {
	w.mu.Lock()
	delete(w.inflight, job.ID)
	w.mu.Unlock()
}

func (w *Worker) releaseInflight() {
	w.mu.Lock()
	jobs := make([]*queue.Job, 0, len(w.inflight))
	for _, j := range w.inflight {
		jobs = append(jobs, j)
	}
	w.mu.Unlock()

	for _, j := range jobs {
		if err := w.q.Release(context.Background(), j); err != nil {
			log.Printf("[%s] job %s: release on shutdown: %v", w.name, j.ID, err)
			continue
		}
		log.Printf("[%s] job %s released back to the queue", w.name, j.ID)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
