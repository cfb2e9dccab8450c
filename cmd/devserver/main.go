package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livesync/internal/core/ports"
	"livesync/internal/core/services"
	httphandlers "livesync/internal/handlers/http"
	"livesync/internal/infrastructure/distributed"
	"livesync/internal/infrastructure/middleware"
	"livesync/internal/infrastructure/monitoring"
	repositories "livesync/internal/infrastructure/repositories"
	wsignal "livesync/internal/infrastructure/signal"
	"livesync/pkg/config"
	distlock "livesync/pkg/distributed"
	"livesync/pkg/logger"
	"livesync/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// loadConfig uses the first config file found, or the defaults with env
// overrides when there is none.
func loadConfig() (*config.Config, error) {
	path := "configs/config.yaml"
	for _, candidate := range []string{os.Getenv("LIVESYNC_CONFIG"), "configs/config.yaml", "config.yaml"} {
		if candidate == "" {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
			break
		}
	}
	return config.Load(path)
}

func main() {
	startTime := time.Now()
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("component", "devserver")

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-devserver",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Endpoint.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	sessionRepo := repoFactory.CreateSessionRepository()
	messageRepo := repoFactory.CreateMessageRepository()

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	hubConfig := wsignal.DefaultServerConfig()
	hubConfig.PingInterval = cfg.Server.PingInterval
	hubConfig.PongTimeout = cfg.Server.PongTimeout
	if cfg.RateLimiting.Enabled {
		hubConfig.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		hubConfig.Burst = cfg.RateLimiting.WebSocket.Burst
		hubConfig.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}
	hub := wsignal.NewWebSocketServer(authService, hubConfig, log.With("component", "hub"))
	hub.SetConnectionGauge(collector)

	// Frames reach other instances through the event bus when Redis is shared.
	var broadcaster ports.Broadcaster = hub
	if client := repoFactory.RedisClient(); client != nil {
		bus := distributed.NewEventBus(client, uuid.NewString(), hub, log.With("component", "event_bus"))
		hub.SetRelay(bus)
		broadcaster = bus
		go func() {
			if err := bus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("event bus stopped", "error", err)
			}
		}()
	}

	backend := services.NewSessionBackendService(
		sessionRepo,
		messageRepo,
		broadcaster,
		services.SessionBackendConfig{
			HeartbeatTimeout: cfg.Server.HeartbeatTimeout,
			MessageHistory:   cfg.Server.MessageHistory,
		},
		collector,
		log.With("component", "backend"),
	)
	hub.SetChatPoster(backend)
	// With shared Redis one instance per sweep interval expires stale sessions.
	sweepLease := distlock.NewLease(repoFactory.RedisClient(), "livesync:lease:expiry", cfg.Server.SweepInterval*9/10)
	go services.RunExpiry(ctx, backend, cfg.Server.SweepInterval, sweepLease, log)

	health := monitoring.NewHealthChecker()
	health.AddRepositoryCheck(sessionRepo, 30*time.Second, 2*time.Second)
	health.AddConnectionLimitCheck(func() int { return hub.ConnectionCount("") }, cfg.Server.MaxConnections, 30*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 30*time.Second, 2*time.Second)
	}
	health.StartBackgroundChecks(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RequestIDMiddleware(),
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	httphandlers.NewAuthHandler(authService).SetupRoutes(router)
	httphandlers.NewSessionHandler(backend, hub, log).SetupRoutes(router, middleware.AuthMiddleware(authService))
	router.GET(cfg.Endpoint.ChannelPath, gin.WrapF(hub.HandleWebSocket))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      monitoring.StatusHealthy,
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": hub.ConnectionCount(""),
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout is not set: it would cut long-lived websocket connections.
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting development backend", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("tracing shutdown failed", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	log.Info("development backend stopped")
}
