package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-dca/internal/api"
	"github.com/ksred/klear-dca/internal/auth"
	"github.com/ksred/klear-dca/internal/config"
	"github.com/ksred/klear-dca/internal/database"
	"github.com/ksred/klear-dca/internal/engine"
	"github.com/ksred/klear-dca/internal/ledger"
	"github.com/ksred/klear-dca/internal/observability"
	"github.com/ksred/klear-dca/internal/scheduler"
	"github.com/ksred/klear-dca/internal/settlement"
	"github.com/ksred/klear-dca/internal/venue"
	"github.com/ksred/klear-dca/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main runs the DCA vault API together with the trigger scheduler and the
// settlement processor, and shuts all of them down on SIGINT/SIGTERM.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	gormDB, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}
	db := ledger.NewDatabase(gormDB)

	market, err := config.LoadMarket(cfg.MarketFile)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load market")
	}
	sim := venue.NewSimulator()
	if err := market.Apply(db, sim); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to seed market")
	}

	metrics := observability.NewMetrics("dca", nil)
	vaultEngine := engine.New(db, sim, engine.SystemClock{}, metrics, engine.Config{
		Admin:                 cfg.AdminAddress,
		FeeCollector:          cfg.FeeCollector,
		SwapFeePercent:        cfg.SwapFeePercent,
		PerformanceFeePercent: cfg.PerformanceFeePercent,
		EscrowLevel:           cfg.EscrowLevel,
		DefaultSlippage:       cfg.DefaultSlippage,
		AdjustmentWindow:      cfg.AdjustmentWindow,
		PageLimit:             cfg.PageLimit,
	})

	authService := auth.NewService(cfg.JWTSecret, cfg.AdminAddress)
	for key, secret := range cfg.APICredentials {
		authService.RegisterAPICredentials(key, secret)
	}
	authHandlers := auth.NewGinHandlers(authService)
	vaultHandlers := api.NewGinHandlers(vaultEngine)

	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	triggerProcessor := scheduler.NewProcessor(db, vaultEngine, metrics, time.Now, cfg.ProcessInterval, cfg.AdjustmentInterval)
	go triggerProcessor.Start(processorCtx)

	settlementProcessor := settlement.NewProcessor(settlement.NewDatabase(gormDB), metrics, cfg.SettleInterval)
	go settlementProcessor.Start(processorCtx)

	router := gin.Default()
	router.Use(middleware.RateLimit())
	api.SetupRoutes(router, authService, authHandlers, vaultHandlers)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		zlog.Info().Str("port", cfg.Port).Int("pairs", len(market.Pairs)).Msg("DCA vault server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop the processors first so no sweep starts during shutdown
	processorCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}
