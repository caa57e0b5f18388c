package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T, opts ...QueueOption) (*RedisQueue, *miniredis.Miniredis, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &testClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	q := New(rdb, "notifications", opts...)
	q.now = clock.now
	return q, mr, clock
}

func notificationEnvelope(phone, msg string) Envelope {
	return Envelope{
		Recipient: Recipient{PhoneNumber: phone},
		Payload:   NotificationPayload{Message: msg, Metadata: map[string]any{"order": "A-1"}},
	}
}

func TestEnqueue_RoundTrip(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	env := Envelope{
		Recipient: Recipient{PhoneNumber: "+254712345678", Name: "Amina"},
		Payload:   OTPPayload{Code: "123456", ExpiryMinutes: 10},
	}
	res, err := q.Enqueue(ctx, env, BuildOptions())
	require.NoError(t, err)
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, "notifications", res.Queue)
	assert.False(t, res.Duplicate)

	job, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, res.JobID, job.ID)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, DefaultMaxAttempts, job.MaxAttempts)

	got, err := job.Envelope()
	require.NoError(t, err)
	assert.Equal(t, KindOTP, got.Kind())
	assert.Equal(t, env.Recipient, got.Recipient)
	assert.Equal(t, OTPPayload{Code: "123456", ExpiryMinutes: 10}, got.Payload)
}

func TestEnqueue_MetadataNumbersSurvive(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	env := Envelope{
		Recipient: Recipient{PhoneNumber: "+254712345678"},
		Payload: NotificationPayload{
			Message:  "Your order has shipped",
			Metadata: map[string]any{"order_id": int64(9007199254740993), "count": 3, "ref": "A-17"},
		},
	}
	_, err := q.Enqueue(ctx, env, BuildOptions())
	require.NoError(t, err)

	job, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	got, err := job.Envelope()
	require.NoError(t, err)
	p, ok := got.Payload.(NotificationPayload)
	require.True(t, ok)
	assert.Equal(t, map[string]any{
		"order_id": json.Number("9007199254740993"),
		"count":    json.Number("3"),
		"ref":      "A-17",
	}, p.Metadata)

	// re-encoding yields the stored bytes unchanged
	again, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(job.Data), string(again))
}

func TestKeys_ShareHashTag(t *testing.T) {
	k := NewKeys("notifications")
	for _, key := range []string{k.Job("abc"), k.Wait(), k.Delayed(), k.Active(), k.Completed(), k.Failed(), k.Dedupe(), k.Seq()} {
		assert.True(t, strings.HasPrefix(key, "{notifications}:"), key)
	}
	assert.Equal(t, "{notifications}:wait", k.Set(StateWaiting))
}

func TestEnqueue_CallerSuppliedID(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	res, err := q.Enqueue(ctx, notificationEnvelope("0700000000", "hi"), BuildOptions(WithJobID("order-42")))
	require.NoError(t, err)
	assert.Equal(t, "order-42", res.JobID)

	again, err := q.Enqueue(ctx, notificationEnvelope("0700000000", "hi"), BuildOptions(WithJobID("order-42")))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
}

func TestEnqueue_DedupeKey(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, notificationEnvelope("0700000000", "one"), BuildOptions(WithDedupeKey("shipment-7")))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, notificationEnvelope("0700000000", "two"), BuildOptions(WithDedupeKey("shipment-7")))
	require.NoError(t, err)

	assert.Equal(t, first.JobID, second.JobID)
	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)

	// once finished the key is free again
	job, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job, SendOutcome{Provider: "mock", MessageID: "m-1"}))

	third, err := q.Enqueue(ctx, notificationEnvelope("0700000000", "three"), BuildOptions(WithDedupeKey("shipment-7")))
	require.NoError(t, err)
	assert.False(t, third.Duplicate)
	assert.NotEqual(t, first.JobID, third.JobID)
}

func TestClaim_PriorityThenFIFO(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	low, err := q.Enqueue(ctx, notificationEnvelope("1", "low"), BuildOptions(WithPriority(PriorityLow)))
	require.NoError(t, err)
	normalA, err := q.Enqueue(ctx, notificationEnvelope("2", "a"), BuildOptions())
	require.NoError(t, err)
	normalB, err := q.Enqueue(ctx, notificationEnvelope("3", "b"), BuildOptions())
	require.NoError(t, err)
	urgent, err := q.Enqueue(ctx, notificationEnvelope("4", "urgent"), BuildOptions(WithPriority(PriorityUrgent)))
	require.NoError(t, err)

	var order []string
	for i := 0; i < 4; i++ {
		job, err := q.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{urgent.JobID, normalA.JobID, normalB.JobID, low.JobID}, order)

	job, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaim_DelayedJobBecomesEligible(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	res, err := q.Enqueue(ctx, notificationEnvelope("1", "later"), BuildOptions(WithDelay(30*time.Second)))
	require.NoError(t, err)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Delayed)

	job, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)

	clock.advance(31 * time.Second)
	job, err = q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, res.JobID, job.ID)
}

func TestRetryThenTerminalFailure(t *testing.T) {
	q, mr, clock := newTestQueue(t)
	ctx := context.Background()

	res, err := q.Enqueue(ctx, notificationEnvelope("1", "x"), BuildOptions())
	require.NoError(t, err)

	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		job, err := q.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		assert.Equal(t, attempt, job.Attempt)

		cause := errors.New("gateway said no")
		if job.LastAttempt() {
			require.NoError(t, q.Fail(ctx, job, cause))
		} else {
			delay := RetryDelay(DefaultBackoffDelay, job.Attempt)
			require.NoError(t, q.Retry(ctx, job, cause, delay))

			// not eligible before the backoff elapses
			early, err := q.Claim(ctx, "w1", time.Minute)
			require.NoError(t, err)
			assert.Nil(t, early)
			clock.advance(delay)
		}
	}

	clock.advance(time.Hour)
	job, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)

	assert.Equal(t, "failed", mr.HGet(q.keys.Job(res.JobID), "state"))
	assert.Equal(t, "3", mr.HGet(q.keys.Job(res.JobID), "attempts"))
	assert.Equal(t, "gateway said no", mr.HGet(q.keys.Job(res.JobID), "last_error"))
	assert.Equal(t, 7*24*time.Hour, mr.TTL(q.keys.Job(res.JobID)))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Failed: 1}, counts)
}

func TestComplete_RetentionCount(t *testing.T) {
	q, mr, clock := newTestQueue(t, WithRetention(Retention{
		CompletedAge:   24 * time.Hour,
		CompletedCount: 2,
		FailedAge:      7 * 24 * time.Hour,
	}))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		res, err := q.Enqueue(ctx, notificationEnvelope("1", "x"), BuildOptions())
		require.NoError(t, err)
		ids = append(ids, res.JobID)
	}
	for i := 0; i < 3; i++ {
		job, err := q.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, job, SendOutcome{Provider: "mock"}))
		clock.advance(time.Second)
	}

	completed, err := q.client.ZRange(ctx, q.keys.Completed(), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, ids[1:], completed)
	assert.False(t, mr.Exists(q.keys.Job(ids[0])))
	assert.Equal(t, 24*time.Hour, mr.TTL(q.keys.Job(ids[2])))
}

func TestLockLost_AfterStallRecovery(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, notificationEnvelope("1", "x"), BuildOptions())
	require.NoError(t, err)

	stale, err := q.Claim(ctx, "crashed", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, stale)

	clock.advance(11 * time.Second)
	requeued, failed, err := q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 0, failed)

	fresh, err := q.Claim(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.Equal(t, stale.ID, fresh.ID)
	assert.Equal(t, 2, fresh.Attempt)

	assert.ErrorIs(t, q.Complete(ctx, stale, SendOutcome{}), ErrLockLost)
	assert.ErrorIs(t, q.ExtendLock(ctx, stale, time.Minute), ErrLockLost)
	assert.NoError(t, q.ExtendLock(ctx, fresh, time.Minute))
	assert.NoError(t, q.Complete(ctx, fresh, SendOutcome{Provider: "mock"}))
}

func TestRecoverStalled_FailsExhaustedJob(t *testing.T) {
	q, mr, clock := newTestQueue(t, WithMaxAttempts(1))
	ctx := context.Background()

	res, err := q.Enqueue(ctx, notificationEnvelope("1", "x"), BuildOptions())
	require.NoError(t, err)
	_, err = q.Claim(ctx, "crashed", time.Second)
	require.NoError(t, err)

	clock.advance(2 * time.Second)
	requeued, failed, err := q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, requeued)
	assert.Equal(t, 1, failed)
	assert.Equal(t, "failed", mr.HGet(q.keys.Job(res.JobID), "state"))
}

func TestRelease_KeepsAttempt(t *testing.T) {
	q, mr, _ := newTestQueue(t)
	ctx := context.Background()

	res, err := q.Enqueue(ctx, notificationEnvelope("1", "x"), BuildOptions())
	require.NoError(t, err)
	job, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Release(ctx, job))
	assert.Equal(t, "waiting", mr.HGet(q.keys.Job(res.JobID), "state"))
	assert.Equal(t, "0", mr.HGet(q.keys.Job(res.JobID), "attempts"))

	again, err := q.Claim(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 1, again.Attempt)
}

func TestRemove(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	pending, err := q.Enqueue(ctx, notificationEnvelope("1", "x"), BuildOptions(WithDedupeKey("k"), WithDelay(time.Minute)))
	require.NoError(t, err)
	require.NoError(t, q.Remove(ctx, pending.JobID))
	assert.ErrorIs(t, q.Remove(ctx, pending.JobID), ErrJobNotFound)

	// dedupe key was released with the job
	next, err := q.Enqueue(ctx, notificationEnvelope("1", "x"), BuildOptions(WithDedupeKey("k")))
	require.NoError(t, err)
	assert.False(t, next.Duplicate)

	_, err = q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, q.Remove(ctx, next.JobID), ErrNotPending)
}

func TestClean_DropsExpiredFinishedJobs(t *testing.T) {
	q, mr, clock := newTestQueue(t)
	ctx := context.Background()

	done, err := q.Enqueue(ctx, notificationEnvelope("1", "ok"), BuildOptions())
	require.NoError(t, err)
	job, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job, SendOutcome{Provider: "mock"}))

	broken, err := q.Enqueue(ctx, notificationEnvelope("1", "bad"), BuildOptions())
	require.NoError(t, err)
	job, err = q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, errors.New("boom")))

	clock.advance(25 * time.Hour)
	n, err := q.Clean(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, mr.Exists(q.keys.Job(done.JobID)))
	assert.True(t, mr.Exists(q.keys.Job(broken.JobID)))

	clock.advance(7 * 24 * time.Hour)
	n, err = q.Clean(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{}, counts)
}

func TestEnqueue_BackendDown(t *testing.T) {
	q, mr, _ := newTestQueue(t)
	mr.Close()

	_, err := q.Enqueue(context.Background(), notificationEnvelope("1", "x"), BuildOptions())
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 2*time.Second, RetryDelay(DefaultBackoffDelay, 1))
	assert.Equal(t, 4*time.Second, RetryDelay(DefaultBackoffDelay, 2))
	assert.Equal(t, 8*time.Second, RetryDelay(DefaultBackoffDelay, 3))
	assert.Equal(t, 2*time.Second, RetryDelay(DefaultBackoffDelay, 0))
}
