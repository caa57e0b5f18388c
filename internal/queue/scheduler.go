package queue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

type SchedulerConfig struct {
	StalledInterval time.Duration
	CleanInterval   time.Duration
}

var DefaultSchedulerConfig = SchedulerConfig{
	StalledInterval: 5 * time.Second,
	CleanInterval:   time.Minute,
}

// StartScheduler runs stall recovery and retention cleanup in the
// background. Stop the returned cron to end it.
func StartScheduler(ctx context.Context, q *RedisQueue, cfg SchedulerConfig) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	if _, err := c.AddFunc(every(cfg.StalledInterval), func() {
		requeued, failed, err := q.RecoverStalled(ctx)
		if err != nil {
			log.Printf("[scheduler] stall check failed: %v", err)
			return
		}
		if requeued > 0 || failed > 0 {
			log.Printf("[scheduler] stalled jobs: requeued=%d failed=%d", requeued, failed)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule stall check: %w", err)
	}

	if _, err := c.AddFunc(every(cfg.CleanInterval), func() {
		n, err := q.Clean(ctx)
		if err != nil {
			log.Printf("[scheduler] clean failed: %v", err)
			return
		}
		if n > 0 {
			log.Printf("[scheduler] removed %d expired jobs", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule clean: %w", err)
	}

	c.Start()
	return c, nil
}

func every(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	return "@every " + d.String()
}
