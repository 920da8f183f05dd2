// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/memefolio/internal/logging"
	"github.com/memefolio/internal/models"
	"github.com/memefolio/internal/observability"
	"github.com/memefolio/internal/service"
	"github.com/memefolio/internal/worker"
)

// Service interfaces for dependency injection and testing

// PurchaseServiceInterface completes a paid purchase
type PurchaseServiceInterface interface {
	CompletePurchase(ctx context.Context, clerkID string) (*service.PurchaseResult, error)
}

// WalletServiceInterface manages custodial wallets
type WalletServiceInterface interface {
	SaveWallet(ctx context.Context, clerkID, email string) (*service.WalletInfo, error)
	Redeem(ctx context.Context, clerkID string) (*service.RedeemResult, error)
}

// UserReader loads a user by identity provider id
type UserReader interface {
	GetByClerkID(ctx context.Context, clerkID string) (*models.User, error)
}

// AssetLister lists tradable assets
type AssetLister interface {
	ListActive(ctx context.Context) ([]models.Asset, error)
}

// ViewCache caches read views. A miss returns false with no error.
type ViewCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GeneratePortfolioKey(clerkID string) string
	GenerateAssetsKey() string
}

// HistoryArchive reads the full net worth series
type HistoryArchive interface {
	History(ctx context.Context, clerkID string, from, to time.Time) ([]models.NetWorthSnapshot, error)
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	purchases  PurchaseServiceInterface
	wallets    WalletServiceInterface
	users      UserReader
	assets     AssetLister
	cache      ViewCache
	history    HistoryArchive
	cron       worker.Cycler
	metrics    *observability.Metrics
	config     *ServerConfig
	now        func() time.Time
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RequestsPerSecond float64
	Burst             int

	// CronSecret guards POST /api/cron; empty disables the endpoint.
	CronSecret string
	// WebhookSecret signs payment webhooks; WebhookWindow bounds their age.
	WebhookSecret string
	WebhookWindow time.Duration

	PortfolioTTL time.Duration
	AssetsTTL    time.Duration
}

// Dependencies are the collaborators a server routes to. Cache, History and Cron may be nil.
type Dependencies struct {
	Purchases PurchaseServiceInterface
	Wallets   WalletServiceInterface
	Users     UserReader
	Assets    AssetLister
	Cache     ViewCache
	History   HistoryArchive
	Cron      worker.Cycler
	Metrics   *observability.Metrics
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Dependencies) *Server {
	if config.WebhookWindow <= 0 {
		config.WebhookWindow = 5 * time.Minute
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10
	}
	if config.Burst <= 0 {
		config.Burst = 20
	}

	s := &Server{
		router:    mux.NewRouter(),
		purchases: deps.Purchases,
		wallets:   deps.Wallets,
		users:     deps.Users,
		assets:    deps.Assets,
		cache:     deps.Cache,
		history:   deps.History,
		cron:      deps.Cron,
		metrics:   deps.Metrics,
		config:    config,
		now:       time.Now,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)

	// Order matters: request id first so every later layer can log it
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(MetricsMiddleware(s.metrics))
	s.router.Use(CORSMiddleware)

	s.setupRoutes(rateLimiter)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes(rateLimiter *RateLimiter) {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	api := s.router.PathPrefix("/api").Subrouter()

	// Payment processor callbacks are signed and not rate limited
	api.HandleFunc("/webhook/payment", s.handlePaymentWebhook).Methods("POST")
	api.HandleFunc("/cron", s.handleCron).Methods("POST")

	public := api.NewRoute().Subrouter()
	public.Use(RateLimitMiddleware(rateLimiter))
	public.Use(CompressionMiddleware)

	public.HandleFunc("/wallet", s.handleSaveWallet).Methods("POST")
	public.HandleFunc("/users/{clerkId}/redeem", s.handleRedeem).Methods("POST")
	public.HandleFunc("/users/{clerkId}/portfolio", s.handleGetPortfolio).Methods("GET")
	public.HandleFunc("/users/{clerkId}/history", s.handleGetHistory).Methods("GET")
	public.HandleFunc("/assets", s.handleListAssets).Methods("GET")
}

// Handler returns the routed handler with all middleware applied
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "memefolio",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Infof("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
