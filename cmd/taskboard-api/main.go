package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"taskboard/api"
	"taskboard/domain"
	"taskboard/internal/env"
	"taskboard/llm"
	"taskboard/realtime"
	"taskboard/storage"
	"taskboard/uploads"
)

func main() {
	debug := env.ConfigureLogging()

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing storage config")
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("missing JWT_SECRET")
	}

	base, err := storage.New(connStr, storage.TablesFromEnv(env.String))
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	queue, err := storage.NewCleanupQueue(connStr, env.String("CLEANUP_QUEUE", "account-cleanup"), 0)
	if err != nil {
		log.Fatalf("queue client: %v", err)
	}
	auth, err := api.NewAuth(jwtSecret, env.Dur("JWT_TTL", api.DefaultTokenTTL))
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	files, err := uploads.New(env.String("UPLOADS_DIR", "uploads"))
	if err != nil {
		log.Fatalf("uploads: %v", err)
	}

	logger := log.StandardLogger()
	frontend := env.String("FRONTEND_URL", "*")
	hub := realtime.NewHub(auth, logger, frontend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := map[string]api.HealthChecker{"storage": base}
	var (
		store       domain.Store       = base
		broadcaster domain.Broadcaster = hub
		deduper     api.Deduper
	)
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		rc := redis.NewClient(storage.RedisOptions(redisConn))
		defer rc.Close()
		health["redis"] = api.HealthFunc(func(ctx context.Context) error { return rc.Ping(ctx).Err() })

		store = storage.NewCache(base, rc, env.Dur("TICKETS_CACHE_TTL", time.Minute))
		deduper = api.NewRedisDeduper(rc, env.Dur("IDEMPOTENCY_TTL", api.DefaultIdempotencyTTL))
		bridge := realtime.NewRedisBridge(hub, rc, env.String("NOTIFICATIONS_CHANNEL", "notifications"))
		go bridge.Run(ctx)
		broadcaster = bridge
	} else {
		log.Warn("REDIS_CONNECTION_STRING not set, running without cache, idempotency keys or cross-instance push")
	}

	notifier := domain.NewNotifier(store, broadcaster, logger, env.Int("FANOUT_CONCURRENCY", 8))
	boards := domain.NewBoardService(store, notifier)
	tickets := domain.NewTicketService(store, notifier)
	completer := llm.New(
		env.String("LLM_BASE_URL", llm.DefaultBaseURL),
		os.Getenv("LLM_API_KEY"),
		env.String("LLM_MODEL", llm.DefaultModel),
		env.Dur("LLM_TIMEOUT", llm.DefaultTimeout),
	)
	svc := api.Services{
		Accounts:      domain.NewAccountService(store, queue, files, bcrypt.DefaultCost),
		Boards:        boards,
		Tickets:       tickets,
		Comments:      domain.NewCommentService(store, files, notifier),
		Notifications: notifier,
		Assistant:     domain.NewAssistant(completer, boards, tickets),
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(logger, debug)
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{frontend},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, api.HeaderIdempotencyKey},
	}))
	e.Use(api.InflateRequests(0))
	e.Use(api.RequestMetrics(logger))

	api.Register(e, svc, api.Config{
		Auth:     auth,
		Deduper:  deduper,
		Uploads:  files,
		Realtime: hub.Handle,
		Health:   health,
		Logger:   logger,
	})

	listenAddr := ":" + env.String("PORT", "8080")
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	go func() {
		if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown")
	}
}
