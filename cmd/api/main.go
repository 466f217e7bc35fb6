// Package main is the entry point for the coinbank API server.
//
// It loads configuration, opens the database pool, constructs the payment
// gateway and AWS clients, wires the economy and billing engines into the
// HTTP chassis, and serves until SIGINT/SIGTERM triggers a graceful shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"coinbank/internal/api/handlers"
	"coinbank/internal/billing"
	"coinbank/internal/config"
	"coinbank/internal/core"
	"coinbank/internal/db"
	"coinbank/internal/economy"
	"coinbank/internal/external"
	"coinbank/internal/queue"
	"coinbank/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("coinbank API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	// Repositories.
	balances := db.NewBalanceRepo(pool, logger)
	subscriptions := db.NewSubscriptionRepo(pool, logger)
	purchases := db.NewPurchaseRepo(pool)
	ledger := db.NewLedgerRepo(pool)

	plans := billing.NewStaticPlanRegistry()

	// AWS clients. EndpointURL points at LocalStack in local environments.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS SDK config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	events := queue.NewBillingEventPublisher(sqsClient, cfg.AWS, logger)
	metrics := telemetry.NewCloudWatchEmitter(cwClient, logger)

	gateway := external.NewStripeGateway(
		&http.Client{Timeout: 15 * time.Second},
		external.StripeConfig{
			SecretKey:    cfg.Gateway.StripeSecretKey.Unmask(),
			DashboardURL: cfg.Server.DashboardURL,
			Logger:       logger,
		},
	)

	// Engines.
	coins := economy.NewService(balances, ledger, plans, subscriptions,
		events, metrics, cfg.Economy, logger)
	bills := billing.NewService(plans, gateway, purchases, subscriptions,
		coins, events, metrics, logger)

	// Chassis and handlers.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	economyHandler := handlers.NewEconomyHandler(coins, bills, srv.Validator, logger)
	subscriptionHandler := handlers.NewSubscriptionHandler(bills, plans, srv.Validator, logger)
	adminHandler := handlers.NewAdminHandler(coins, srv.Validator, logger)
	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{}, bills,
		cfg.Gateway.StripeWebhookSecret.Unmask(), logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		economyHandler.RegisterRoutes,
		subscriptionHandler.RegisterRoutes,
	)
	srv.AdminRouteRegistrars = append(srv.AdminRouteRegistrars,
		adminHandler.RegisterRoutes,
	)
	srv.WebhookRegistrars = append(srv.WebhookRegistrars,
		webhookHandler.RegisterRoutes,
	)
	srv.HealthProbes = append(srv.HealthProbes, core.ProbeFunc{
		ProbeName: "database",
		Fn:        pool.Ping,
	})

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// newPool opens the pgx pool with the configured tuning and verifies
// connectivity before the server accepts traffic.
func newPool(ctx context.Context, dbCfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dbCfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	poolCfg.MaxConns = int32(dbCfg.MaxConns)
	poolCfg.MinConns = int32(dbCfg.MinConns)
	poolCfg.MaxConnLifetime = dbCfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = dbCfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, dbCfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// runHTTPServer starts the listener and blocks until a shutdown signal or a
// server error, then drains in-flight requests.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
