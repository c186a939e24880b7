package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-relay/internal/api"
	"chat-relay/internal/chat"
	"chat-relay/internal/config"
	"chat-relay/internal/db"
	"chat-relay/internal/delivery"
	myMiddleware "chat-relay/internal/middleware"
	"chat-relay/internal/notify"
	"chat-relay/internal/offline"
	"chat-relay/internal/presence"
	"chat-relay/internal/user"
	"chat-relay/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config & logging
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Storage
	var (
		chatRepo chat.Repository
		userRepo user.Repository
	)
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		database, err := db.NewDatabase(ctx, cfg.DSN)
		if err != nil {
			return err
		}
		defer database.Close()
		if err := database.AutoMigrate(ctx); err != nil {
			return err
		}
		logger.Info("connected to postgres")
		chatRepo = chat.NewPostgresRepository(database.Conn)
		userRepo = user.NewPostgresRepository(database.Conn)
	default:
		logger.Warn("using in-memory store; data is lost on restart")
		chatRepo = chat.NewMemoryRepository()
		userRepo = user.NewMemoryRepository()
	}

	// 3. Redis: connection registry, presence fan-out and the job queue
	var (
		presenceStore presence.Store
		redisClient   *redis.Client
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
		logger.Info("connected to redis", "addr", cfg.RedisAddr)
		presenceStore = presence.NewRedisStore(redisClient, logger)
	} else {
		presenceStore = presence.NewMemoryStore()
	}

	// 4. Offline notifications
	var notifier offline.Notifier = notify.Nop{}
	if cfg.OfflineWebhookURL != "" {
		client := asynq.NewClientFromRedisClient(redisClient)
		defer client.Close()
		notifier = notify.NewAsynqNotifier(client, 5)

		handler := notify.NewWebhookHandler(cfg.OfflineWebhookURL, &http.Client{Timeout: 10 * time.Second}, logger)
		worker := notify.NewWorker(redisClient, handler, cfg.NotifyConcurrency, logger)
		if err := worker.Start(); err != nil {
			return err
		}
		defer worker.Shutdown()
	}

	// 5. Delivery core
	registry := presence.NewRegistry(presenceStore, cfg.InstanceID, logger)
	if err := registry.Purge(ctx); err != nil {
		logger.Warn("purging stale connections failed", "instance_id", cfg.InstanceID, "error", err)
	}

	directory := chat.NewDirectory(chatRepo, logger)
	archive := chat.NewArchive(chatRepo, cfg.ArchiveMaxLimit)
	queue := offline.NewQueue(chatRepo, notifier, logger)
	users := user.NewService(userRepo)
	router := delivery.NewRouter(delivery.Config{AckTimeout: cfg.AckTimeout}, directory, chatRepo, registry, queue, users, logger)

	hub := ws.NewHub(ws.Services{
		Router:    router,
		Directory: directory,
		Archive:   archive,
		Users:     users,
	}, logger)
	router.SetTransport(hub)
	go hub.Run(ctx)
	go hub.SubscribePresence(ctx, presenceStore)

	var validator myMiddleware.TokenValidator
	if cfg.AuthVerifyURL != "" {
		validator = user.NewHTTPVerifier(cfg.AuthVerifyURL, &http.Client{Timeout: 5 * time.Second})
	} else {
		validator = user.NewJWTVerifier(cfg.JWTSecret)
	}
	authMiddleware := myMiddleware.NewAuthMiddleware(validator)

	wsHandler := ws.NewHandler(hub, cfg.AllowedOrigins)
	apiHandler := api.NewHandler(router, directory, archive)
	userHandler := user.NewHandler(users)

	// 6. Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/ws", wsHandler.ServeWs)
		r.Get("/api/users", userHandler.ListUsers)
		apiHandler.Routes(r)
	})

	r.Group(func(r chi.Router) {
		r.Use(myMiddleware.AdminKey(cfg.AdminKeyHash))
		apiHandler.AdminRoutes(r)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "instance_id", cfg.InstanceID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// 7. Shutdown: stop accepting, let pending acks time out into the
	// offline queue, then flush registry writes.
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := router.Drain(shutdownCtx); err != nil {
		logger.Warn("delivery drain incomplete", "error", err)
	}
	registry.Wait()
	return nil
}
