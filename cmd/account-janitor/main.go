package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/internal/env"
	"taskboard/storage"
)

func main() {
	env.ConfigureLogging()
	log.Info("account janitor starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	queueName := env.String("CLEANUP_QUEUE", "account-cleanup")
	if connStr == "" {
		log.Fatal("missing storage config")
	}
	base, err := storage.New(connStr, storage.TablesFromEnv(env.String))
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	// Ticket lists cached by the API must be evicted when the janitor
	// rewrites them.
	var store domain.Store = base
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		rc := redis.NewClient(storage.RedisOptions(redisConn))
		defer rc.Close()
		store = storage.NewCache(base, rc, env.Dur("TICKETS_CACHE_TTL", time.Minute))
	}

	queue, err := storage.NewCleanupQueue(connStr, queueName, env.Dur("CLEANUP_VISIBILITY_TIMEOUT", 5*time.Minute))
	if err != nil {
		log.Fatalf("queue client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	run(ctx, queue, domain.NewJanitor(store), env.Dur("CLEANUP_POLL_INTERVAL", time.Second))
	log.Info("account janitor stopped")
}
