// Command example is a minimal host program for the taskengine library: it
// registers a handler, starts a Service, dispatches a one-shot and a
// recurring task, and shuts down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/runloom/taskengine/dispatcher"
	"github.com/runloom/taskengine/engine"
	"github.com/runloom/taskengine/queue"
	"github.com/runloom/taskengine/recurring"
	"github.com/runloom/taskengine/registry"
	"github.com/runloom/taskengine/retry"
	"github.com/runloom/taskengine/store"
)

// sendReminderRequest is the payload for the "send a reminder" job. Request
// types are plain structs; the dispatcher JSON-encodes them for storage and
// the registry decodes them back before invoking the handler.
type sendReminderRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

func sendReminderHandler(ctx context.Context, req sendReminderRequest) error {
	log.Printf("reminder -> user=%s message=%q", req.UserID, req.Message)
	return nil
}

func newStorage() (store.Storage, store.IdempotencyBackend) {
	switch os.Getenv("TASKENGINE_STORE") {
	case "postgres":
		dsn := os.Getenv("TASKENGINE_POSTGRES_DSN")
		s, err := store.NewPostgresStore(context.Background(), dsn)
		if err != nil {
			log.Fatalf("connect postgres store: %v", err)
		}
		log.Println("using Postgres storage")
		return s, nil
	case "redis":
		addr := os.Getenv("TASKENGINE_REDIS_ADDR")
		if addr == "" {
			addr = "localhost:6379"
		}
		s, err := store.NewRedisStore(addr, os.Getenv("TASKENGINE_REDIS_PASSWORD"), 0)
		if err != nil {
			log.Fatalf("connect redis store: %v", err)
		}
		log.Println("using Redis storage")
		return s, store.NewRedisIdempotencyBackend(s.Client())
	default:
		log.Println("using in-memory storage (TASKENGINE_STORE unset)")
		return store.NewMemoryStore(), nil
	}
}

func main() {
	reg := registry.New()
	registry.Register[sendReminderRequest](reg, func() registry.Handler[sendReminderRequest] {
		return registry.HandlerFunc[sendReminderRequest](sendReminderHandler)
	})

	storage, idemCache := newStorage()
	svc, err := engine.New(engine.Config{
		Storage:  storage,
		Registry: reg,
		Queues: []queue.Config{
			{Name: "default", MaxDegreeOfParallelism: 4, ChannelCapacity: 256, FullBehavior: queue.Wait},
			{Name: "recurring", MaxDegreeOfParallelism: 2, ChannelCapacity: 64, FullBehavior: queue.Wait},
		},
		ShardCount:          4,
		DefaultRetryPolicy:  retry.NewLinearRetryPolicy(3, 2*time.Second),
		DefaultTimeout:      30 * time.Second,
		ShutdownGracePeriod: 15 * time.Second,
		IdempotencyCache:    idemCache,
	})
	if err != nil {
		log.Fatalf("build service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("shutdown signal received")
		cancel()
	}()

	if err := svc.Start(ctx); err != nil {
		log.Fatalf("start service: %v", err)
	}

	taskId, err := engine.Dispatch(ctx, svc, sendReminderRequest{UserID: "u-1", Message: "welcome aboard"})
	if err != nil {
		log.Fatalf("dispatch one-shot task: %v", err)
	}
	log.Printf("dispatched one-shot task %s", taskId)

	recurringId, err := engine.Dispatch(ctx, svc, sendReminderRequest{UserID: "u-1", Message: "daily digest"},
		dispatcher.WithRecurring(recurring.EveryMinute(1)),
		dispatcher.WithTaskKey("daily-digest-u-1"),
	)
	if err != nil {
		log.Fatalf("dispatch recurring task: %v", err)
	}
	log.Printf("dispatched recurring task %s", recurringId)

	<-ctx.Done()
	log.Println("draining in-flight work")
	svc.Shutdown(context.Background())
	log.Println("stopped")
}
