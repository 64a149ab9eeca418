// Command dispatcher runs the HTTP surface in front of the dispatch
// engine: it bootstraps config, DB, broker, and the Dispatcher, then
// serves the submitter-facing routes until signalled to stop.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arjunv/jobdispatch/internal/broker/redisbroker"
	"github.com/arjunv/jobdispatch/internal/config"
	"github.com/arjunv/jobdispatch/internal/db"
	"github.com/arjunv/jobdispatch/internal/dispatch"
	"github.com/arjunv/jobdispatch/internal/httpapi"
	"github.com/arjunv/jobdispatch/internal/models"
	"github.com/arjunv/jobdispatch/internal/store"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(&models.User{}); err != nil {
		log.Fatalf("migrate users: %v", err)
	}

	jobStore := store.New(gdb)
	if err := jobStore.Migrate(context.Background()); err != nil {
		log.Fatalf("migrate jobs: %v", err)
	}

	b := redisbroker.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer b.Close()

	d := dispatch.New(jobStore, b, cfg)
	router := httpapi.NewRouter(gdb, cfg, d)

	srv := &http.Server{
		Addr:    addr(),
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("dispatcher listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("dispatcher shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func addr() string {
	if a := os.Getenv("HTTP_ADDR"); a != "" {
		return a
	}
	return ":8080"
}
