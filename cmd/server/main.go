// Leadchat - customer support chat assistant server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/leadchat/internal/agent"
	"github.com/ashureev/leadchat/internal/api"
	"github.com/ashureev/leadchat/internal/config"
	"github.com/ashureev/leadchat/internal/identity"
	"github.com/ashureev/leadchat/internal/live"
	"github.com/ashureev/leadchat/internal/middleware"
	"github.com/ashureev/leadchat/internal/notify"
	"github.com/ashureev/leadchat/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "llm_provider", cfg.LLM.Provider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize completion provider", "error", err)
		os.Exit(1)
	}

	// Live channel: local hub, optionally relayed through Redis.
	hub := live.NewHub(logger)
	defer hub.Close()

	var broadcaster agent.Broadcaster = hub
	var redisPing api.Pinger
	if cfg.RedisURL != "" {
		client, err := live.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				slog.Debug("Failed to close redis client", "error", closeErr)
			}
		}()

		relay := live.NewRedisBroadcaster(client, hub, logger)
		go func() {
			if err := relay.Run(ctx); err != nil {
				slog.Error("Live relay stopped", "error", err)
			}
		}()
		broadcaster = relay
		redisPing = api.PingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() })
		slog.Info("Live relay enabled", "backend", "redis")
	}

	notifier := notify.New(cfg.SMTP, logger)

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Debug("Failed to close conversation logger", "error", closeErr)
		}
	}()

	retry := agent.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.LLM.RetryAttempts

	orch, err := agent.NewOrchestrator(agent.Deps{
		Repo:        repo,
		Provider:    provider,
		Broadcaster: broadcaster,
		Notifier:    notifier,
		Metrics:     agent.NewMetrics(prometheus.DefaultRegisterer),
		Log:         conversationLogger,
	}, agent.Options{
		CompletionTimeout: cfg.LLM.Timeout,
		MaxConcurrency:    int64(cfg.LLM.MaxConcurrency),
		Retry:             retry,
		IntakeOrder:       store.QuestionOrder(cfg.LLM.IntakeOrder),
		PortalBaseURL:     cfg.PortalBaseURL,
	})
	if err != nil {
		slog.Error("Failed to initialize orchestrator", "error", err)
		os.Exit(1)
	}

	// Initialize handlers.
	chatHandler := agent.NewHandler(orch, cfg)
	defer chatHandler.Close()
	baseHandler := api.NewHandler(repo, orch)
	healthHandler := api.NewHealthHandler(repo, redisPing, 5*time.Second)
	wsHandler := live.NewWebSocketHandler(repo, hub, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	chatHandler.RegisterRoutes(r)
	baseHandler.RegisterRoutes(r)
	r.Get("/ws/chatrooms/{id}", wsHandler.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket connections are long lived
		IdleTimeout:  120 * time.Second,
	}

	grpcSrv := startGRPCHealth(ctx, cfg.GRPCHealthPort, healthHandler)

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

	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func newProvider(ctx context.Context, cfg *config.Config) (agent.Provider, error) {
	if cfg.LLM.Provider == "mock" {
		slog.Warn("Using mock completion provider")
		return agent.NewMockProvider(), nil
	}
	p, err := agent.NewGenAIProvider(ctx, cfg.LLM.APIKey, cfg.LLM.Model)
	if err != nil {
		return nil, err
	}
	slog.Info("Completion provider ready", "provider", "genai", "model", cfg.LLM.Model)
	return p, nil
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL == "" || cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}

// startGRPCHealth serves the standard gRPC health service and keeps its
// status in step with the HTTP dependency checks. It returns nil when no
// port is configured.
func startGRPCHealth(ctx context.Context, port string, checker *api.HealthHandler) *grpc.Server {
	if port == "" {
		return nil
	}
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		slog.Error("Failed to listen for gRPC health", "error", err, "port", port)
		os.Exit(1)
	}

	grpcSrv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			status := healthpb.HealthCheckResponse_SERVING
			if _, healthy := checker.Check(ctx); !healthy {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			hs.SetServingStatus("", status)

			select {
			case <-ctx.Done():
				hs.Shutdown()
				return
			case <-ticker.C:
			}
		}
	}()

	go func() {
		slog.Info("gRPC health listening", "addr", lis.Addr().String())
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			slog.Error("gRPC health server failed", "error", err)
		}
	}()
	return grpcSrv
}
