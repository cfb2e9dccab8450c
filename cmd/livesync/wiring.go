package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"
	"livesync/internal/core/services"
	"livesync/internal/infrastructure/auth"
	"livesync/internal/infrastructure/endpoint"
	"livesync/internal/infrastructure/monitoring"
	"livesync/internal/infrastructure/reliability"
	"livesync/internal/infrastructure/rest"
	wsignal "livesync/internal/infrastructure/signal"
	"livesync/internal/infrastructure/videocall"
	"livesync/pkg/config"
	"livesync/pkg/logger"
	"livesync/pkg/tracing"
	"livesync/pkg/validation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// loadConfig uses the explicit path, then the first config file found, then
// the defaults with env overrides.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		return config.Load(path)
	}
	path = "configs/config.yaml"
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

func clientConfig(cfg *config.Config) wsignal.ClientConfig {
	return wsignal.ClientConfig{
		ConnectTimeout: cfg.Channel.ConnectTimeout,
		Backoff:        cfg.ReconnectBackoff(),
		AuthRejectCode: cfg.Channel.AuthRejectCode,
		PingInterval:   cfg.Channel.PingInterval,
		PongTimeout:    cfg.Channel.PongTimeout,
		WriteTimeout:   cfg.Channel.WriteTimeout,
		QueueSize:      cfg.Channel.OutboundQueueSize,
	}
}

func sessionConfig(cfg *config.Config) services.SessionConfig {
	return services.SessionConfig{
		Batcher: services.EventBatcherConfig{
			Batch:        cfg.BatchConfig(),
			ChatInterval: cfg.Batch.ChatInterval,
			SeenTTL:      cfg.Batch.SeenTTL,
		},
		Heartbeat: services.HeartbeatConfig{
			Interval:            cfg.Heartbeat.Interval,
			InitialDelay:        cfg.Heartbeat.InitialDelay,
			MaxNotLiveResponses: cfg.Heartbeat.MaxNotLiveResponses,
			CallTimeout:         cfg.Heartbeat.CallTimeout,
		},
		Poll: services.PollConfig{
			ActiveInterval:     cfg.Poll.ActiveInterval,
			IdleInterval:       cfg.Poll.IdleInterval,
			BackgroundInterval: cfg.Poll.BackgroundInterval,
			InteractionWindow:  cfg.Poll.InteractionWindow,
			IdleAfter:          cfg.Poll.IdleAfter,
			CallTimeout:        cfg.Poll.CallTimeout,
		},
		PollEnabled: cfg.Poll.Enabled,
		Reconciler: services.ReconcilerConfig{
			EndOnBackground: cfg.Reconciler.EndOnBackground,
			EndOnFocusLoss:  cfg.Reconciler.EndOnFocusLoss,
			EndTimeout:      cfg.Reconciler.EndTimeout,
		},
	}
}

// tokenProvider mints tokens locally when a signing secret is configured and
// falls back to the static token otherwise.
func tokenProvider(cfg *config.Config, actor domain.ActorID, role domain.Role) ports.TokenProvider {
	if cfg.Auth.JWTSecret == "" {
		return auth.StaticTokenProvider(cfg.Auth.StaticToken)
	}
	issuer := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	return auth.NewJWTTokenProvider(issuer, actor, role, cfg.Auth.RefreshBefore)
}

// newVideoCall returns a peer connection for participants that publish media
// and a no-op call for viewers.
func newVideoCall(cfg *config.Config, role domain.Role, log *zap.SugaredLogger) ports.VideoCall {
	if !cfg.VideoCall.Enabled || role == domain.RoleViewer {
		return videocall.NoopCall{}
	}
	call, err := videocall.NewPionCall(videocall.ConfigFrom(cfg), log.With("component", "video_call"))
	if err != nil {
		log.Warnw("video call unavailable", "error", err)
		return videocall.NoopCall{}
	}
	return call
}

// app holds the process-wide collaborators shared by every command.
type app struct {
	cfg        *config.Config
	zap        *zap.Logger
	log        *zap.SugaredLogger
	tracer     *tracing.TracerProvider
	metrics    ports.TransportMetrics
	resolver   *endpoint.Resolver
	tokens     ports.TokenProvider
	api        ports.SessionAPI
	cache      *services.CachedSessionAPI
	wrapper    *reliability.SessionAPIWrapper
	metricsSrv *http.Server
}

func newApp(configPath string, actor domain.ActorID, role domain.Role) (*app, error) {
	if err := validation.ValidateActorID(string(actor)); err != nil {
		return nil, fmt.Errorf("--actor: %w", err)
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	log := zapLogger.Sugar().With("component", "client", "actor_id", actor)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Endpoint.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, err
	}

	resolver, err := endpoint.FromConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		zap:      zapLogger,
		log:      log,
		tracer:   tp,
		metrics:  ports.NoopMetrics{},
		resolver: resolver,
		tokens:   tokenProvider(cfg, actor, role),
	}

	if cfg.Monitoring.PrometheusEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = monitoring.NewPrometheusCollector(reg)
		a.metricsSrv = &http.Server{
			Addr:              cfg.Monitoring.Address,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warnw("metrics listener stopped", "address", cfg.Monitoring.Address, "error", err)
			}
		}()
	}

	client := rest.NewSessionClient(resolver.APIBaseURL(), a.tokens, cfg.API.Timeout, log.With("component", "rest"))
	a.wrapper = reliability.NewSessionAPIWrapper(client, cfg.APIRetry(), cfg.APICircuitBreaker(), log.With("component", "reliability"))
	a.cache = services.NewCachedSessionAPI(a.wrapper, cfg.API.CacheTTL)
	a.api = a.cache
	return a, nil
}

func (a *app) channelFactory() services.ChannelFactory {
	cfg := clientConfig(a.cfg)
	return func(s domain.Session) ports.Channel {
		return wsignal.NewChannelClient(s.ID, a.resolver, a.tokens, cfg, a.metrics, a.log.With("component", "channel"))
	}
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.metricsSrv != nil {
		_ = a.metricsSrv.Shutdown(ctx)
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.log.Warnw("tracer shutdown failed", "error", err)
	}
	a.cache.Close()
	_ = a.zap.Sync()
}
