// Package server wires the gateway: storage, engines, payment adapters, the
// protocol endpoint, REST and admin routes, and the background workers.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/agentgate/internal/admin"
	"github.com/mbd888/agentgate/internal/auth"
	"github.com/mbd888/agentgate/internal/catalog"
	"github.com/mbd888/agentgate/internal/circuitbreaker"
	"github.com/mbd888/agentgate/internal/config"
	"github.com/mbd888/agentgate/internal/events"
	"github.com/mbd888/agentgate/internal/health"
	"github.com/mbd888/agentgate/internal/keylock"
	"github.com/mbd888/agentgate/internal/ledger"
	"github.com/mbd888/agentgate/internal/logging"
	"github.com/mbd888/agentgate/internal/metrics"
	"github.com/mbd888/agentgate/internal/negotiation"
	"github.com/mbd888/agentgate/internal/orders"
	"github.com/mbd888/agentgate/internal/payments"
	"github.com/mbd888/agentgate/internal/protocol"
	"github.com/mbd888/agentgate/internal/ratelimit"
	"github.com/mbd888/agentgate/internal/seed"
	"github.com/mbd888/agentgate/migrations"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db     *sql.DB // nil if using in-memory
	locker keylock.Locker
	redis  *keylock.RedisLocker

	identities   *auth.Manager
	catalog      *catalog.Service
	ledger       *ledger.Service
	orders       *orders.Engine
	negotiations *negotiation.Engine

	hosted *payments.HostedGateway
	stripe *payments.StripeGateway

	hub        *events.Hub
	amqp       *events.AMQPPublisher
	orderTimer *orders.Timer
	negTimer   *negotiation.Timer

	dispatcher  *protocol.Dispatcher
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the version reported by initialize and /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDB uses an already opened database instead of DATABASE_URL.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := logging.WithLogger(context.Background(), s.logger)

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.setupLocker(ctx); err != nil {
		return nil, err
	}
	s.setupEvents()
	if err := s.setupEngines(); err != nil {
		return nil, err
	}
	if err := s.loadSeed(ctx); err != nil {
		return nil, err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupStorage(ctx context.Context) error {
	if s.db == nil && s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(s.cfg.DatabaseURL))
	}
	if s.db == nil {
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, s.db); err != nil {
			return err
		}
		s.logger.Info("database migrations applied")
	}
	s.health.Register("postgres", health.PingFunc("postgres", s.db.PingContext))
	return nil
}

func (s *Server) setupLocker(ctx context.Context) error {
	if s.cfg.RedisURL == "" {
		s.locker = keylock.NewMemoryLocker()
		return nil
	}
	rl, err := keylock.NewRedisLocker(ctx, keylock.RedisConfig{URL: s.cfg.RedisURL})
	if err != nil {
		return err
	}
	s.redis = rl
	s.locker = rl
	s.health.Register("redis", health.PingFunc("redis", rl.Ping))
	s.logger.Info("distributed locks enabled", "backend", "redis")
	return nil
}

func (s *Server) setupEvents() {
	s.hub = events.NewHub(s.logger)
	if s.cfg.AMQPURL != "" {
		s.amqp = events.NewAMQPPublisher(events.AMQPConfig{
			URL:      s.cfg.AMQPURL,
			Exchange: s.cfg.AMQPExchange,
		}, s.logger)
		s.logger.Info("event bus enabled", "exchange", s.cfg.AMQPExchange)
	}
}

func (s *Server) publisher() events.Publisher {
	if s.amqp != nil {
		return events.Multi{s.hub, s.amqp}
	}
	return s.hub
}

func (s *Server) setupEngines() error {
	var (
		identityStore auth.Store        = auth.NewMemoryStore()
		catalogStore  catalog.Store     = catalog.NewMemoryStore()
		ledgerStore   ledger.Store      = ledger.NewMemoryStore()
		orderStore    orders.Store      = orders.NewMemoryStore()
		negStore      negotiation.Store = negotiation.NewMemoryStore()
	)
	if s.db != nil {
		identityStore = auth.NewPostgresStore(s.db)
		catalogStore = catalog.NewPostgresStore(s.db)
		ledgerStore = ledger.NewPostgresStore(s.db)
		orderStore = orders.NewPostgresStore(s.db)
		negStore = negotiation.NewPostgresStore(s.db)
	}
	pub := s.publisher()

	s.identities = auth.NewManager(identityStore).WithAutoApproveAgents(s.cfg.AutoApproveAgents)
	s.catalog = catalog.NewService(catalogStore)
	s.ledger = ledger.NewService(ledgerStore).WithLocker(s.locker).WithEvents(pub)

	gw, err := s.setupGateway()
	if err != nil {
		return err
	}
	s.orders = orders.NewEngine(orderStore, s.catalog, s.ledger, gw, orders.Config{
		PaymentWindow: s.cfg.PaymentWindow,
		DefaultMethod: orders.Method(s.cfg.DefaultPaymentMethod),
	}).WithLocker(s.locker).WithEvents(pub)
	s.negotiations = negotiation.NewEngine(negStore, s.catalog, negotiation.Config{
		MaxRounds: s.cfg.NegotiationMaxRounds,
		TTL:       s.cfg.NegotiationTTL,
	}).WithLocker(s.locker).WithEvents(pub)

	s.orderTimer = orders.NewTimer(s.orders, s.cfg.OrderSweepInterval, s.logger)
	s.negTimer = negotiation.NewTimer(s.negotiations, s.cfg.OrderSweepInterval, s.logger)

	s.dispatcher = protocol.NewDispatcher(s.identities, protocol.NewHandlers(protocol.Services{
		Orders:       s.orders,
		Negotiations: s.negotiations,
		Catalog:      s.catalog,
		Ledger:       s.ledger,
		Identities:   s.identities,
	}), s.version)
	return nil
}

// setupGateway builds the configured PG adapter. Each provider gets its own
// breaker so one failing PG does not block the other's callbacks.
func (s *Server) setupGateway() (payments.Gateway, error) {
	base := strings.TrimRight(s.cfg.PublicBaseURL, "/")
	breaker := circuitbreaker.New(s.cfg.GatewayBreakerTrips, s.cfg.GatewayBreakerCooloff)

	switch s.cfg.PGProvider {
	case "stripe":
		s.stripe = payments.NewStripeGateway(payments.StripeConfig{
			SecretKey:     s.cfg.StripeSecretKey,
			WebhookSecret: s.cfg.StripeWebhookSecret,
			SuccessURL:    base + "/payments/return?status=success",
			CancelURL:     base + "/payments/return?status=cancel",
			Timeout:       s.cfg.PGTimeout,
		}, breaker)
		s.logger.Info("payment gateway configured", "provider", "stripe")
		return s.stripe, nil
	case "hosted", "":
		s.hosted = payments.NewHostedGateway(payments.HostedConfig{
			BaseURL:     s.cfg.PGBaseURL,
			MerchantID:  s.cfg.PGMerchantID,
			Secret:      s.cfg.PGSecret,
			CallbackURL: base + "/payments/callback",
			ReturnURL:   base + "/payments/return",
			Timeout:     s.cfg.PGTimeout,
		}, breaker)
		s.logger.Info("payment gateway configured", "provider", "hosted", "sandbox", s.hosted.Sandbox())
		return s.hosted, nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", s.cfg.PGProvider)
	}
}

func (s *Server) loadSeed(ctx context.Context) error {
	if s.cfg.CatalogSeed == "" {
		return nil
	}
	f, err := seed.Load(s.cfg.CatalogSeed)
	if err != nil {
		return err
	}
	if err := f.Apply(ctx, seed.Targets{Identities: s.identities, Catalog: s.catalog, Ledger: s.ledger}); err != nil {
		return fmt.Errorf("apply seed %s: %w", s.cfg.CatalogSeed, err)
	}
	s.logger.Info("seed applied", "path", s.cfg.CatalogSeed,
		"sellers", len(f.Sellers), "agents", len(f.Agents), "products", len(f.Products))
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.ReadyHandler(s.version))
	s.router.GET("/health/live", health.LiveHandler())
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	rpc := s.router.Group("/", s.rateLimiter.Middleware())
	s.dispatcher.RegisterRoutes(rpc)

	callbacks := payments.NewHandler(s.orders, s.hosted, s.stripe, s.logger)
	if s.hosted != nil && s.hosted.Sandbox() && s.cfg.IsDevelopment() {
		callbacks.WithSandboxLookup(func(c *gin.Context, orderID string) (string, int64, error) {
			return s.orders.PaymentRef(c.Request.Context(), orderID)
		})
	}
	callbacks.RegisterRoutes(s.router)
	s.router.GET("/payments/return", s.paymentReturn)

	v1 := s.router.Group("/v1")
	auth.NewHandler(s.identities).RegisterRoutes(v1)
	v1.GET("/events/ws", s.eventStream)

	adminGroup := s.router.Group("/admin", admin.RequireSecret(s.cfg.AdminSecret))
	admin.NewHandler(s.identities, s.ledger, s.orders, s.negotiations).RegisterRoutes(adminGroup)
	adminGroup.GET("/events/stats", func(c *gin.Context) { c.JSON(http.StatusOK, s.hub.Stats()) })
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.ReadyHandler(s.version)(c)
}

// paymentReturn is where PGs send the buyer's browser after checkout. The
// order itself only changes on the verified callback.
func (s *Server) paymentReturn(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Payment received by the gateway. Order status updates once the payment is confirmed.",
		"status":  c.Query("status"),
	})
}

// eventStream upgrades to a websocket delivering the caller's order and
// negotiation events. Operators presenting the admin secret see everything.
func (s *Server) eventStream(c *gin.Context) {
	if secret := c.GetHeader(admin.HeaderSecret); secret != "" && s.cfg.AdminSecret != "" {
		admin.RequireSecret(s.cfg.AdminSecret)(c)
		if c.IsAborted() {
			return
		}
		s.hub.Serve(c.Writer, c.Request, events.Viewer{ID: admin.OperatorID, All: true})
		return
	}

	cred := auth.CredentialFromRequest(c.Request)
	if cred == "" {
		cred = c.Query("key")
	}
	ident, err := s.identities.Authenticate(c.Request.Context(), cred)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": err.Error()})
		return
	}
	s.hub.Serve(c.Writer, c.Request, events.Viewer{ID: ident.ID})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the background workers, and blocks until
// ctx is cancelled or one of them fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel
	defer cancel()

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error { return s.hub.Run(gctx) })
	if s.amqp != nil {
		g.Go(func() error { return s.amqp.Run(gctx) })
	}
	g.Go(func() error { s.orderTimer.Start(gctx); return nil })
	g.Go(func() error { s.negTimer.Start(gctx); return nil })
	if s.db != nil {
		g.Go(func() error { metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second); return nil })
	}
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	s.ready.Store(true)
	s.logger.Info("server ready")

	return g.Wait()
}

// shutdown drains HTTP traffic and stops the workers.
func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.orderTimer.Stop()
	s.negTimer.Stop()
	s.rateLimiter.Stop()
	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Close releases storage connections. Call after Run returns.
func (s *Server) Close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
