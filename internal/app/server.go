// internal/app/server.go
package app

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/okoth-labs/bingwa-airtime-gateway/internal/analytics"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/airtime/aggregator"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/airtime/dealer"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/bonus"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/config"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/credentialcache"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/db"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/dispatch"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/float"
	gatewayHandler "github.com/okoth-labs/bingwa-airtime-gateway/internal/handlers/gateway"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/lifecycle"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/middleware"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/mpesa"
	"github.com/okoth-labs/bingwa-airtime-gateway/internal/repository/postgres"
)

// Server owns the long-lived infrastructure the gateway needs: the
// HTTP engine, the connection pools, and the reconciliation sweeper.
type Server struct {
	cfg    config.AppConfig
	engine *gin.Engine
	logger *zap.Logger
	cancel context.CancelFunc
}

func NewServer() *Server {
	cfg := config.Load()
	engine := gin.Default()
	return &Server{cfg: cfg, engine: engine}
}

func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	// ----- Logger -----
	logger, _ := zap.NewProduction()
	defer logger.Sync()
	s.logger = logger

	// ----- PostgreSQL -----
	pool, err := db.ConnectPostgres(s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	log.Println("[POSTGRES] connected")

	// ----- Redis -----
	redisClient, err := db.NewRedisClient(db.RedisConfig{
		Addresses: []string{s.cfg.RedisAddr},
		Password:  s.cfg.RedisPass,
		DB:        0,
		PoolSize:  10,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Println("[REDIS] connected")

	// ----- Credential cache & payment rail -----
	credCache := credentialcache.New()

	var certPEM []byte
	if s.cfg.Mpesa.CertPath != "" {
		certPEM, err = os.ReadFile(s.cfg.Mpesa.CertPath)
		if err != nil {
			logger.Warn("mpesa reversal certificate not found, reversals will fail to build security credentials", zap.String("path", s.cfg.Mpesa.CertPath), zap.Error(err))
			certPEM = nil
		}
	}

	paymentClient, err := mpesa.New(s.cfg.Mpesa, credCache, logger, certPEM)
	if err != nil {
		return fmt.Errorf("failed to build mpesa client: %w", err)
	}

	// ----- Repositories -----
	dbWrapper := postgres.NewDB(pool)
	requestRepo := postgres.NewRequestRepository(pool)
	transactionRepo := postgres.NewTransactionRepository(pool)
	saleRepo := postgres.NewSaleRepository(pool)
	errorLogRepo := postgres.NewErrorLogRepository(pool)
	reconciliationRepo := postgres.NewReconciliationRepository(pool)
	floatRepo := postgres.NewFloatRepository(pool)
	bonusSettingsRepo := postgres.NewBonusSettingsRepository(pool)

	// ----- Dispatch providers -----
	dealerProvider := dealer.New(s.cfg.Dealer, bonusSettingsRepo, credCache, logger)
	aggregatorProvider := aggregator.New(s.cfg.Aggregator, logger)

	ledger := float.New(floatRepo)
	dispatchSvc := dispatch.New(dealerProvider, aggregatorProvider, ledger, logger)

	bonusEngine := bonus.New(bonusSettingsRepo)

	// ----- Analytics notifier (best-effort, spec §9) -----
	analyticsNotifier := analytics.New(s.cfg.AnalyticsURL, errorLogRepo, logger)

	// ----- Lifecycle engine -----
	lifecycleEngine := lifecycle.New(
		dbWrapper,
		requestRepo,
		transactionRepo,
		saleRepo,
		errorLogRepo,
		reconciliationRepo,
		bonusEngine,
		dispatchSvc,
		paymentClient,
		analyticsNotifier,
		logger,
	)

	// ----- Handler -----
	gwHandler := gatewayHandler.New(lifecycleEngine, dbWrapper, bonusSettingsRepo, logger)

	// ----- Middleware -----
	s.engine.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
	)

	// ----- Router -----
	SetupRouter(s.engine, redisClient, s.cfg.RateLimitPushPerMinute, s.cfg.RateLimitCallbackPerMinute, &Handlers{Gateway: gwHandler})

	// ----- Reconciliation sweep -----
	sweeper := newReconciliationSweeper(reconciliationRepo, errorLogRepo, s.cfg.ReconciliationStaleAfter, s.cfg.ReconciliationSweepInterval, logger)
	go sweeper.Run(ctx)

	// ----- Start HTTP -----
	log.Printf("gateway listening on %s", s.cfg.HTTPAddr)
	return s.engine.Run(s.cfg.HTTPAddr)
}

// Shutdown stops the background reconciliation sweeper. The HTTP
// server itself is stopped by the caller's own signal handling, per
// the teacher's shape in cmd/api/main.go.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	_ = ctx
	return nil
}
