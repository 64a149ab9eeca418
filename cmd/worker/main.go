// Command worker runs the Worker Pool: it bootstraps config, DB,
// broker, and the default handler registry, then drains JOB_QUEUE until
// signalled to stop.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/arjunv/jobdispatch/internal/broker/redisbroker"
	"github.com/arjunv/jobdispatch/internal/config"
	"github.com/arjunv/jobdispatch/internal/db"
	"github.com/arjunv/jobdispatch/internal/email"
	"github.com/arjunv/jobdispatch/internal/registry"
	"github.com/arjunv/jobdispatch/internal/store"
	"github.com/arjunv/jobdispatch/internal/workerpool"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	jobStore := store.New(gdb)
	if err := jobStore.Migrate(context.Background()); err != nil {
		log.Fatalf("migrate jobs: %v", err)
	}

	b := redisbroker.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer b.Close()

	reg := registry.New()
	registry.RegisterDefaults(reg, email.SMTPConfig{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
		From: cfg.SMTPFrom,
	}, nil)

	pool := workerpool.New(jobStore, b, reg, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker pool starting: count=%d concurrency=%d queue=%s",
		cfg.WorkerCount, cfg.WorkerConcurrency, cfg.JobQueueName)
	pool.Start(ctx)

	<-ctx.Done()
	log.Printf("worker pool shutting down")
	pool.Stop()
}
