package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chatwithoats/oats/api/handlers"
	"github.com/chatwithoats/oats/channel"
	"github.com/chatwithoats/oats/config"
	"github.com/chatwithoats/oats/internal/convlock"
	"github.com/chatwithoats/oats/internal/metrics"
	"github.com/chatwithoats/oats/internal/server"
	"github.com/chatwithoats/oats/llm"
	"github.com/chatwithoats/oats/llm/openaicompat"
	"github.com/chatwithoats/oats/orchestrator"
	"github.com/chatwithoats/oats/store"
	"github.com/chatwithoats/oats/tools"
	"github.com/chatwithoats/oats/tools/openapi"
)

// Server assembles the full service: storage, locking, the tool registry,
// the orchestrator and both HTTP listeners (app and metrics).
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	store    *store.GormStore
	redis    *redis.Client
	provider llm.Provider
	registry *tools.Registry

	httpManager    *server.Manager
	metricsManager *server.Manager
}

func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// Start wires all components and brings both listeners up.
func (s *Server) Start() error {
	st, err := store.Open(s.cfg.Database.DSN, s.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.store = st

	locker, err := s.buildLocker()
	if err != nil {
		return err
	}

	collector := metrics.NewCollector("oats", nil, s.logger)

	s.provider = openaicompat.New(openaicompat.Config{
		ProviderName: s.cfg.Provider.Name,
		APIKey:       s.cfg.Provider.APIKey,
		BaseURL:      s.cfg.Provider.BaseURL,
		DefaultModel: s.cfg.Provider.DefaultModel,
		Timeout:      s.cfg.Provider.Timeout,
	}, s.logger)

	invoker := tools.NewHTTPInvoker(tools.InvokerConfig{
		Timeout:        s.cfg.Invoker.Timeout,
		RateLimit:      rate.Limit(s.cfg.Invoker.RateLimitPerS),
		RateBurst:      s.cfg.Invoker.RateBurst,
		MaxResultBytes: s.cfg.Invoker.MaxResultBytes,
	}, s.logger)
	s.registry = tools.NewRegistry(st, invoker, s.logger)

	orch, err := orchestrator.New(orchestrator.Config{
		MaxIterations:      s.cfg.Orchestrator.MaxIterations,
		MaxConcurrentTools: s.cfg.Orchestrator.MaxConcurrentTools,
		ToolTimeout:        s.cfg.Orchestrator.ToolTimeout,
		MaxHistoryMessages: s.cfg.Orchestrator.MaxHistoryMessages,
		HistoryTokenBudget: s.cfg.Orchestrator.HistoryTokenBudget,
		FallbackMessage:    s.cfg.Orchestrator.FallbackMessage,
	}, st, s.provider, s.registry, locker, collector, s.logger)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	deliverers := []channel.Deliverer{channel.NewPortalDeliverer(s.logger)}
	if s.cfg.WhatsApp.GatewayURL != "" {
		deliverers = append(deliverers, channel.NewWhatsAppDeliverer(
			s.cfg.WhatsApp.GatewayURL,
			s.cfg.WhatsApp.APIToken,
			s.cfg.WhatsApp.Timeout,
			s.logger,
		))
	} else {
		s.logger.Warn("whatsapp.gateway_url not set, WhatsApp delivery disabled")
	}
	service := channel.NewService(st, orch, deliverers, s.logger)

	importer := openapi.NewImporter(st, 30*time.Second, s.logger)

	handler := s.routes(service, importer)
	serverCfg := server.DefaultConfig()
	serverCfg.Addr = fmt.Sprintf(":%d", s.cfg.Server.HTTPPort)
	if s.cfg.Server.ReadTimeout > 0 {
		serverCfg.ReadTimeout = s.cfg.Server.ReadTimeout
	}
	if s.cfg.Server.WriteTimeout > 0 {
		serverCfg.WriteTimeout = s.cfg.Server.WriteTimeout
	}
	if s.cfg.Server.ShutdownTimeout > 0 {
		serverCfg.ShutdownTimeout = s.cfg.Server.ShutdownTimeout
	}
	s.httpManager = server.NewManager(handler, serverCfg, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	if err := s.startMetricsServer(); err != nil {
		return err
	}
	return nil
}

func (s *Server) buildLocker() (convlock.Locker, error) {
	if s.cfg.Redis.Addr == "" {
		s.logger.Info("redis not configured, using in-process conversation locks")
		return convlock.NewLocalLocker(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     s.cfg.Redis.Addr,
		Password: s.cfg.Redis.Password,
		DB:       s.cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis at %s: %w", s.cfg.Redis.Addr, err)
	}
	s.redis = client
	s.logger.Info("using redis conversation locks", zap.String("addr", s.cfg.Redis.Addr))
	return convlock.NewRedisLocker(client, convlock.RedisLockerConfig{
		TTL: s.cfg.Redis.LockTTL,
	}), nil
}

// routes builds the application mux and wraps it in the middleware chain.
func (s *Server) routes(service *channel.Service, importer *openapi.Importer) http.Handler {
	apiHandler := handlers.NewAPIHandler(s.store, importer, s.registry, s.logger)
	toolHandler := handlers.NewToolHandler(s.store, s.registry, s.logger)
	settingsHandler := handlers.NewChatSettingsHandler(s.store, s.registry, s.logger)
	convHandler := handlers.NewConversationHandler(s.store, service, s.logger)

	healthHandler := handlers.NewHealthHandler(s.logger)
	healthHandler.RegisterCheck(handlers.CheckFunc{
		CheckName: "database",
		Fn: func(ctx context.Context) error {
			db, err := s.store.DB().DB()
			if err != nil {
				return err
			}
			return db.PingContext(ctx)
		},
	})
	healthHandler.RegisterCheck(handlers.CheckFunc{
		CheckName: "provider",
		Fn: func(ctx context.Context) error {
			status, err := s.provider.HealthCheck(ctx)
			if err != nil {
				return err
			}
			if !status.Healthy {
				return fmt.Errorf("provider %s unhealthy", s.provider.Name())
			}
			return nil
		},
	})
	if s.redis != nil {
		healthHandler.RegisterCheck(handlers.CheckFunc{
			CheckName: "redis",
			Fn: func(ctx context.Context) error {
				return s.redis.Ping(ctx).Err()
			},
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", healthHandler.HandleReady)
	mux.HandleFunc("GET /version", healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /api/v1/apis/import", apiHandler.HandleImport)
	mux.HandleFunc("GET /api/v1/apis", apiHandler.HandleListApis)
	mux.HandleFunc("GET /api/v1/apis/{id}", apiHandler.HandleGetApi)
	mux.HandleFunc("GET /api/v1/apis/{id}/endpoints", apiHandler.HandleListEndpoints)
	mux.HandleFunc("PUT /api/v1/endpoints/{id}/policy", apiHandler.HandleUpdatePolicy)

	mux.HandleFunc("GET /api/v1/tools", toolHandler.HandleListTools)
	mux.HandleFunc("POST /api/v1/tools", toolHandler.HandleCreateTool)
	mux.HandleFunc("GET /api/v1/tools/{id}", toolHandler.HandleGetTool)
	mux.HandleFunc("DELETE /api/v1/tools/{id}", toolHandler.HandleDeleteTool)

	mux.HandleFunc("POST /api/v1/chat-settings", settingsHandler.HandleCreate)
	mux.HandleFunc("GET /api/v1/chat-settings/{id}", settingsHandler.HandleGet)
	mux.HandleFunc("PUT /api/v1/chat-settings/{id}", settingsHandler.HandleUpdate)

	mux.HandleFunc("POST /api/v1/messages/inbound", convHandler.HandleInbound)
	mux.HandleFunc("POST /webhooks/whatsapp", convHandler.HandleWhatsAppWebhook)
	mux.HandleFunc("GET /api/v1/conversations/{chatID}", convHandler.HandleGetConversation)
	mux.HandleFunc("GET /api/v1/conversations/{chatID}/messages", convHandler.HandleListMessages)
	mux.HandleFunc("PUT /api/v1/conversations/{chatID}/silent", convHandler.HandleSetSilent)
	mux.HandleFunc("PUT /api/v1/conversations/{chatID}/settings", convHandler.HandleBindSettings)

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
	)
}

func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort <= 0 {
		s.logger.Info("metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	cfg := server.DefaultConfig()
	cfg.Addr = fmt.Sprintf(":%d", s.cfg.Server.MetricsPort)
	s.metricsManager = server.NewManager(mux, cfg, s.logger)
	return s.metricsManager.Start()
}

// WaitForShutdown blocks on the app listener, then stops the metrics
// listener and closes shared clients.
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(context.Background()); err != nil {
			s.logger.Error("metrics server shutdown failed", zap.Error(err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close failed", zap.Error(err))
		}
	}
}
