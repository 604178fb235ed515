package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aman-churiwal/quota-authorizer/internal/authorizer"
	"github.com/aman-churiwal/quota-authorizer/internal/circuitbreaker"
	"github.com/aman-churiwal/quota-authorizer/internal/config"
	"github.com/aman-churiwal/quota-authorizer/internal/handler"
	"github.com/aman-churiwal/quota-authorizer/internal/healthcheck"
	"github.com/aman-churiwal/quota-authorizer/internal/metrics"
	"github.com/aman-churiwal/quota-authorizer/internal/middleware"
	"github.com/aman-churiwal/quota-authorizer/internal/notify"
	"github.com/aman-churiwal/quota-authorizer/internal/quota"
	"github.com/aman-churiwal/quota-authorizer/internal/reporting"
	"github.com/aman-churiwal/quota-authorizer/internal/repository"
	"github.com/aman-churiwal/quota-authorizer/internal/service"
	"github.com/aman-churiwal/quota-authorizer/internal/storage"
	"github.com/aman-churiwal/quota-authorizer/internal/usage"
	"github.com/gin-gonic/gin"
)

type Server struct {
	router     *gin.Engine
	config     *config.Config
	logger     *slog.Logger
	db         *storage.Database
	redis      *storage.RedisClient
	otel       *metrics.OtelSink
	authorizer *authorizer.Authorizer
	dispatcher usage.Dispatcher
	notifier   *notify.Notifier
	janitor    *usage.Janitor
	checker    *healthcheck.Checker
	breakers   map[string]*circuitbreaker.Breaker
	sessions   *service.SessionService
	gateway    *reporting.Gateway
	counter    *quota.AccountCounter
	version    string
	httpServer *http.Server
}

// New wires every component from configuration. redis may be nil when no
// address is configured.
func New(cfg *config.Config, db *storage.Database, redis *storage.RedisClient, logger *slog.Logger, version string) (*Server, error) {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		router:   gin.New(),
		config:   cfg,
		logger:   logger,
		db:       db,
		redis:    redis,
		breakers: make(map[string]*circuitbreaker.Breaker),
		version:  version,
	}

	var sink metrics.Sink = metrics.Noop{}
	if cfg.Metrics.Enabled {
		otel, err := metrics.New()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
		s.otel = otel
		sink = otel
	}

	credentials := repository.NewCredentialRepository(db)
	events := repository.NewUsageRepository(db)
	accounts := repository.NewAccountRepository(db)

	var cache authorizer.Cache
	if redis != nil {
		cache = redis
	}
	resolver := authorizer.NewResolver(credentials, cache, cfg.Resolver.CacheTTL, logger)

	checker, err := s.quotaChecker(credentials)
	if err != nil {
		return nil, err
	}

	bus, err := s.notificationBus()
	if err != nil {
		return nil, err
	}
	s.notifier = notify.NewNotifier(bus, cfg.Quota.Thresholds, cfg.Notifications.Timeout, sink, logger)

	recorder := usage.NewRecorder(credentials, events, sink, usage.RecorderConfig{
		Environment:  cfg.Server.Environment,
		EventTTL:     cfg.Recorder.EventTTL,
		AggregateTTL: cfg.Recorder.AggregateTTL,
	}, logger)

	switch cfg.Recorder.Mode {
	case config.RecorderModeDetached:
		s.dispatcher = usage.NewDetachedDispatcher(recorder)
	default:
		s.dispatcher = usage.NewQueuedDispatcher(recorder, cfg.Recorder.BufferSize, cfg.Recorder.Workers, logger)
	}

	s.janitor = usage.NewJanitor(events, cfg.Recorder.JanitorInterval, logger)

	s.authorizer = authorizer.New(resolver, checker, s.notifier, s.dispatcher, sink,
		authorizer.Config{Timeout: cfg.Server.DecisionTimeout}, logger)

	s.gateway = reporting.NewGateway(credentials, events, cfg.Quota.Limit)
	if s.counter != nil {
		s.gateway.WithCounter(s.counter)
	}

	if cfg.Auth.JWTSecret != "" {
		s.sessions = service.NewSessionService(accounts, cfg.Auth.JWTSecret, cfg.Auth.ExpiryHours)
	} else {
		logger.Warn("auth.jwt_secret is not set, session and usage endpoints are disabled")
	}

	s.checker = healthcheck.NewChecker(healthcheck.Config{}, logger)
	s.registerProbes()

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) quotaChecker(credentials *repository.CredentialRepository) (quota.Checker, error) {
	q := s.config.Quota
	opts := []quota.Option{quota.WithLogger(s.logger)}

	switch q.Mode {
	case config.QuotaModeAtomic:
		if s.redis == nil {
			return nil, errors.New("atomic quota mode requires redis")
		}
		s.counter = quota.NewAccountCounter(s.redis.Cmdable())
		s.logger.Info("quota mode: atomic", "limit", q.Limit, "window", q.Window)
		return quota.NewAtomicAggregator(s.counter, credentials, q.Limit, q.Window, opts...), nil
	default:
		s.logger.Info("quota mode: best effort", "limit", q.Limit, "window", q.Window)
		return quota.NewAggregator(credentials, q.Limit, q.Window, opts...), nil
	}
}

func (s *Server) notificationBus() (notify.Bus, error) {
	n := s.config.Notifications

	switch n.Type {
	case config.NotifyWebhook:
		breaker := circuitbreaker.New(circuitbreaker.Config{
			OnTransition: func(from, to circuitbreaker.State) {
				s.logger.Warn("webhook circuit breaker transition", "from", from.String(), "to", to.String())
			},
		})
		s.breakers["webhook"] = breaker
		return notify.NewWebhook(n.WebhookURL, &http.Client{Timeout: n.Timeout}, breaker), nil
	case config.NotifyRedis:
		if s.redis == nil {
			return nil, errors.New("redis notifications require redis")
		}
		return notify.NewRedisBus(s.redis, n.RedisChannel), nil
	default:
		return nil, nil
	}
}

func (s *Server) registerProbes() {
	s.checker.Register("database", s.db.Ping)
	if s.redis != nil {
		s.checker.Register("redis", s.redis.Ping)
	}
	for name, b := range s.breakers {
		s.checker.Register("breaker:"+name, func(context.Context) error {
			if b.State() == circuitbreaker.StateOpen {
				return circuitbreaker.ErrOpen
			}
			return nil
		})
	}
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Recovery(s.logger))
}

func (s *Server) setupRoutes() {
	system := handler.NewSystemHandler(s.checker, s.breakers, s.version)
	s.router.GET("/health", system.Health)

	if s.otel != nil {
		s.router.GET(s.config.Metrics.Path, gin.WrapH(s.otel.Handler()))
	}

	authorize := handler.NewAuthorizeHandler(s.authorizer)
	v1 := s.router.Group("/v1")
	{
		v1.POST("/authorize", authorize.Authorize)
		v1.GET("/authorize", authorize.ForwardAuth)
	}

	if s.sessions == nil {
		return
	}

	sessions := handler.NewSessionHandler(s.sessions)
	usageHandler := handler.NewUsageHandler(s.gateway, s.logger)
	v1.POST("/session", sessions.Login)
	v1.GET("/usage", middleware.RequireSession(s.sessions), usageHandler.GetUsage)

	admin := s.router.Group("/system", middleware.RequireSession(s.sessions), middleware.RequireAdmin())
	{
		admin.GET("/breakers", system.CircuitBreakerStatus)
		admin.POST("/breakers/:name/reset", system.ResetCircuitBreaker)
	}
}

// Start begins the background workers that live for the server's lifetime.
func (s *Server) Start() {
	s.checker.Start()
	s.janitor.Start()
}

func (s *Server) Run(addr string) error {
	s.Start()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting quota authorizer",
		"addr", addr,
		"environment", s.config.Server.Environment,
		"quota_mode", s.config.Quota.Mode,
		"recorder_mode", s.config.Recorder.Mode,
		"notifications", s.config.Notifications.Type,
	)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, then drains pending usage records and
// notifications before stopping background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}

	if err := s.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("usage dispatcher: %w", err))
	}

	s.janitor.Stop()
	s.checker.Stop()
	s.notifier.Close()

	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
