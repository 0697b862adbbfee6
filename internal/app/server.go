// internal/app/server.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"lifeline-client/internal/client"
	"lifeline-client/internal/config"
	"lifeline-client/internal/db"
	"lifeline-client/internal/domain/auth"
	"lifeline-client/internal/domain/notification"
	otpdomain "lifeline-client/internal/domain/otp"
	authHandler "lifeline-client/internal/handlers/auth"
	lifecycleHandler "lifeline-client/internal/handlers/lifecycle"
	notifyHandler "lifeline-client/internal/handlers/notification"
	otpHandler "lifeline-client/internal/handlers/otp"
	wsHandler "lifeline-client/internal/handlers/websocket"
	"lifeline-client/internal/metrics"
	"lifeline-client/internal/middleware"
	"lifeline-client/internal/pkg/session"
	"lifeline-client/internal/repository/memory"
	"lifeline-client/internal/repository/postgres"
	redisrepo "lifeline-client/internal/repository/redis"
	notifyService "lifeline-client/internal/service/notification"
	otpService "lifeline-client/internal/service/otp"
	sessionService "lifeline-client/internal/service/session"
	"lifeline-client/internal/websocket"
	wsHandlers "lifeline-client/internal/websocket/handler"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct {
	cfg    config.AppConfig
	engine *gin.Engine
	logger *zap.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	pool        *pgxpool.Pool
	redisClient *redis.Client

	hub      *websocket.Hub
	sessions *sessionService.Manager
	otp      *otpService.Controller
	queue    *notifyService.QueueManager
}

func NewServer(cfg config.AppConfig, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	return &Server{
		cfg:      cfg,
		engine:   gin.New(),
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
}

// Start wires every component, restores persisted state and serves the local
// API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.build(ctx); err != nil {
		s.close()
		return err
	}
	defer s.close()

	// ----- Restore state -----
	snap, err := s.sessions.Initialize(ctx)
	if err != nil {
		// transient failures keep the cached session
		s.logger.Warn("session initialization incomplete", zap.Error(err))
	}
	s.logger.Info("session restored", zap.Bool("authenticated", snap.Authenticated))

	if _, err := s.queue.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize notification queue: %w", err)
	}

	// ----- Background loops -----
	go s.hub.Run(ctx)
	s.sessions.Start(ctx)
	s.queue.Start(ctx)
	defer s.sessions.Stop()
	defer s.queue.Stop()

	// ----- Start HTTP -----
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("local API listening", zap.String("addr", s.cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("local API failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down local API: %w", err)
	}
	s.logger.Info("local API stopped")
	return nil
}

// Handler builds the components without serving. Used by tests.
func (s *Server) Handler(ctx context.Context) (http.Handler, error) {
	if err := s.build(ctx); err != nil {
		return nil, err
	}
	return s.engine, nil
}

func (s *Server) build(ctx context.Context) error {
	// ----- Metrics -----
	m, err := metrics.New(s.registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	s.metrics = m

	// ----- Redis -----
	if s.cfg.SessionStore == "redis" || s.cfg.QueueStore == "redis" {
		s.redisClient, err = db.NewRedisClient(ctx, db.RedisConfig{
			Address:  s.cfg.RedisAddr,
			Password: s.cfg.RedisPass,
			DB:       s.cfg.RedisDB,
			PoolSize: 10,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		s.logger.Info("redis connected", zap.String("addr", s.cfg.RedisAddr))
	}

	// ----- Session store -----
	var store session.Store
	switch s.cfg.SessionStore {
	case "redis":
		store = session.NewRedisStore(s.redisClient, s.cfg.RedisPrefix)
	default:
		store = session.NewMemoryStore()
	}

	// ----- Queue store -----
	var repo notification.Repository
	switch s.cfg.QueueStore {
	case "postgres":
		s.pool, err = db.ConnectDB(ctx, s.cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		pgRepo := postgres.NewNotificationRepository(s.pool)
		if err := pgRepo.EnsureSchema(ctx); err != nil {
			return err
		}
		repo = pgRepo
		s.logger.Info("postgres queue store ready")
	case "redis":
		repo = redisrepo.NewNotificationRepository(s.redisClient, s.cfg.RedisPrefix)
	default:
		repo = memory.NewNotificationRepository()
	}

	// ----- Remote services -----
	deviceID := s.cfg.DeviceID
	if deviceID == "" {
		if deviceID, err = store.DeviceID(ctx); err != nil {
			return fmt.Errorf("failed to load device id: %w", err)
		}
	}
	httpClient := &http.Client{Timeout: s.cfg.HTTPTimeout}
	authClient := client.NewAuthClient(client.Config{BaseURL: s.cfg.AuthBaseURL, Timeout: s.cfg.HTTPTimeout, DeviceID: deviceID}, httpClient)
	otpClient := client.NewOTPClient(client.Config{BaseURL: s.cfg.OTPBaseURL, Timeout: s.cfg.HTTPTimeout, DeviceID: deviceID}, httpClient)
	syncClient := client.NewSyncClient(client.Config{BaseURL: s.cfg.SyncBaseURL, Timeout: s.cfg.HTTPTimeout, DeviceID: deviceID}, httpClient)

	// ----- WebSocket Hub -----
	s.hub = websocket.NewHub(s.logger.Named("ws"), m)

	// ----- Managers -----
	s.sessions = sessionService.NewManager(store, authClient, sessionService.Config{
		CacheTTL:         s.cfg.Session.CacheTTL,
		RefreshThreshold: s.cfg.Session.RefreshThreshold,
		CheckInterval:    s.cfg.Session.CheckInterval,
	}, s.logger.Named("session"), m)

	s.otp = otpService.NewController(otpClient, s.sessions, otpService.Config{
		TTL:                s.cfg.OTP.TTL,
		MaxAttempts:        s.cfg.OTP.MaxAttempts,
		CodeLength:         s.cfg.OTP.CodeLength,
		CompletionDebounce: s.cfg.OTP.CompletionDebounce,
	}, s.logger.Named("otp"), m)

	s.queue = notifyService.NewQueueManager(repo, syncClient, s.sessions, s.hub, notifyService.Config{
		SyncInterval:    s.cfg.Queue.SyncInterval,
		SyncedRetention: s.cfg.Queue.SyncedRetention,
	}, s.logger.Named("queue"), m)

	s.subscribe(ctx)

	// Register WebSocket handlers
	s.hub.RegisterHandler(wsHandlers.NewQueueHandler(s.queue, s.logger.Named("ws")))

	// ----- Handlers -----
	handlers := &Handlers{
		SessionHandler:   authHandler.NewSessionHandler(s.sessions, s.logger),
		OTPHandler:       otpHandler.NewOTPHandler(s.otp),
		NotifHandler:     notifyHandler.NewNotificationHandler(s.queue),
		LifecycleHandler: lifecycleHandler.NewLifecycleHandler(s.queue, s.sessions, s.logger),
		WSHandler:        wsHandler.NewWebSocketHandler(s.hub, s.logger),
		Sessions:         s.sessions,
		Metrics:          m,
	}

	// ----- Middlewares -----
	s.engine.Use(
		middleware.RecoveryMiddleware(s.logger),
		middleware.RequestLogger(s.logger, m),
	)

	SetupRouter(s.engine, handlers)
	return nil
}

// subscribe forwards manager events to the hub.
func (s *Server) subscribe(ctx context.Context) {
	s.sessions.Subscribe(func(ev auth.Event, snap auth.Snapshot) {
		s.hub.BroadcastSession(ev, snap)
		if ev == auth.EventAuthenticated {
			// records queued while signed out can go now
			go func() {
				if err := s.queue.OnNetworkRestored(context.WithoutCancel(ctx)); err != nil {
					s.logger.Warn("post-login sync failed", zap.Error(err))
				}
			}()
		}
	})
	s.otp.Subscribe(s.hub.BroadcastOTP)
	s.otp.OnComplete(func(sess otpdomain.Session) {
		s.logger.Info("otp flow complete",
			zap.String("purpose", string(sess.Purpose)),
		)
	})
	s.queue.Subscribe(s.hub.BroadcastQueueStatus)
}

func (s *Server) close() {
	if s.otp != nil {
		s.otp.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
}
