// zapbridge - WhatsApp automation console server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/zapbridge/internal/agent"
	"github.com/ashureev/zapbridge/internal/ai"
	"github.com/ashureev/zapbridge/internal/api"
	"github.com/ashureev/zapbridge/internal/config"
	"github.com/ashureev/zapbridge/internal/connector"
	"github.com/ashureev/zapbridge/internal/conversation"
	"github.com/ashureev/zapbridge/internal/grpchealth"
	"github.com/ashureev/zapbridge/internal/identity"
	"github.com/ashureev/zapbridge/internal/middleware"
	"github.com/ashureev/zapbridge/internal/policy"
	"github.com/ashureev/zapbridge/internal/statuscache"
	"github.com/ashureev/zapbridge/internal/statusstream"
	"github.com/ashureev/zapbridge/internal/store"
	"github.com/ashureev/zapbridge/internal/workflow"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	authz, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		slog.Error("Failed to prepare authorization policy", "error", err)
		os.Exit(1)
	}

	var provider identity.Provider
	if cfg.IsDevelopment() {
		slog.Warn("AUTH_URL not set, every request runs as the development admin", "user_id", cfg.Auth.DevUserID)
		provider = identity.StaticProvider{User: identity.User{ID: cfg.Auth.DevUserID}}
	} else {
		provider = identity.NewHTTPProvider(cfg.Auth.URL, cfg.Auth.APIKey, cfg.Timeout.HealthCheck)
	}

	connectorClient := connector.NewClient(connector.Config{
		BaseURL: cfg.Connector.URL,
		APIKey:  cfg.Connector.APIKey,
		Timeout: cfg.Connector.Timeout,
	}, logger)
	workflowClient := workflow.NewClient(cfg.Workflow.APIKey, cfg.Workflow.Timeout, logger)

	var completer ai.Completer
	if cfg.AI.APIKey != "" {
		completer = ai.NewClient(ai.Config{
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			MaxTokens:   cfg.AI.MaxTokens,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
		})
		slog.Info("AI completion enabled", "model", cfg.AI.Model)
	} else {
		slog.Info("AI features disabled (AI_API_KEY not set), replies use the fallback chain")
	}

	// Initialize services.
	history := conversation.NewStore(conversation.Config{
		HistoryCap: cfg.Conversation.HistoryCap,
		WindowSize: cfg.Conversation.WindowSize,
		MaxKeys:    cfg.Conversation.MaxKeys,
	})
	statusCache := statuscache.New(statuscache.Config{
		MinInterval:  cfg.StatusCache.MinInterval,
		Freshness:    cfg.StatusCache.Freshness,
		FetchTimeout: cfg.StatusCache.FetchTimeout,
		MaxKeys:      cfg.StatusCache.MaxKeys,
	}, statuscache.WithLogger(logger))
	statuses := api.NewStatusService(statusCache, connectorClient)
	chatService := agent.NewService(history, completer, logger)

	rateLimiter := agent.NewRateLimiter(cfg.RateLimit.ChatPerMinute, cfg.RateLimit.ChatBurst)
	defer rateLimiter.Close()

	streams := statusstream.NewRegistry()
	streamHandler := statusstream.NewHandler(streams, statuses, cfg.StatusStream.Interval, cfg.AllowedOrigins)

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(repo, cfg.Timeout.HealthCheck)
	instanceHandler := api.NewInstanceHandler(repo, connectorClient, statuses, streams, streamHandler, authz, cfg)
	chatHandler := agent.NewHandler(chatService, repo, authz, rateLimiter, cfg.Timeout.Chat)
	webhookHandler, err := api.NewWebhookHandler(repo, workflowClient, chatService, connectorClient, statuses,
		cfg.StatusCache.BulkConcurrency, cfg.Timeout.Chat)
	if err != nil {
		slog.Error("Failed to initialize webhook handler", "error", err)
		os.Exit(1)
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	webhookHandler.RegisterRoutes(r)

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(provider, repo, cfg.IsDevelopment()))
		instanceHandler.RegisterRoutes(r)
		chatHandler.RegisterRoutes(r)
	})

	// Create server.
	// WriteTimeout stays 0 so websocket status streams are not cut off.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.GRPC.HealthPort != "" {
		healthServer := grpchealth.NewServer(repo, grpchealth.Config{
			CheckTimeout: cfg.Timeout.HealthCheck,
		}, logger)
		go func() {
			if err := healthServer.ListenAndServe(ctx, ":"+cfg.GRPC.HealthPort); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	streams.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}
	webhookHandler.Close()

	slog.Info("Server stopped successfully")
}
