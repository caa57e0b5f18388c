package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notification-queue/internal/config"
	"notification-queue/internal/queue"
	"notification-queue/internal/sms"
	"notification-queue/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := queue.NewRedisClient(ctx, cfg)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer rdb.Close()

	q := queue.New(rdb, cfg.QueueName)

	provider, err := sms.DefaultRegistry().New(cfg.SMSProvider, sms.Settings{
		URL:         cfg.SMSAPIURL,
		APIKey:      cfg.SMSAPIKey,
		PartnerID:   cfg.SMSPartnerID,
		SenderID:    cfg.SMSSenderID,
		SuccessCode: cfg.SMSSuccessCode,
		CountryCode: cfg.SMSCountryCode,
		Timeout:     cfg.SMSTimeout,
		MockDelay:   100 * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("sms provider: %v", err)
	}

	// stall recovery and retention cleanup
	sched, err := queue.StartScheduler(ctx, q, queue.DefaultSchedulerConfig)
	if err != nil {
		log.Fatalf("scheduler: %v", err)
	}
	defer sched.Stop()

	w := worker.New(q, provider,
		worker.WithName(cfg.WorkerName),
		worker.WithConcurrency(cfg.WorkerConcurrency),
		worker.WithRateLimit(float64(cfg.WorkerRateLimit)),
		worker.WithShutdownGrace(cfg.ShutdownGrace),
		worker.WithListener(worker.LogListener),
	)

	log.Printf("Worker running on queue %q. Press Ctrl+C to exit.", cfg.QueueName)
	if err := w.Run(ctx); err != nil {
		log.Printf("worker: %v", err)
	}
	log.Println("Worker exited")
}
