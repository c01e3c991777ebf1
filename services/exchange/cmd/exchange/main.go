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

	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	appconfig "github.com/sep1ol/portfolio-exchange/libs/config"
	"github.com/sep1ol/portfolio-exchange/libs/health"
	"github.com/sep1ol/portfolio-exchange/libs/httpmiddleware"
	"github.com/sep1ol/portfolio-exchange/libs/kafka"
	"github.com/sep1ol/portfolio-exchange/libs/logging"
	"github.com/sep1ol/portfolio-exchange/libs/metrics"
	"github.com/sep1ol/portfolio-exchange/libs/trace"
	"github.com/sep1ol/portfolio-exchange/services/exchange/internal/config"
	"github.com/sep1ol/portfolio-exchange/services/exchange/internal/consumer"
	"github.com/sep1ol/portfolio-exchange/services/exchange/internal/fee"
	"github.com/sep1ol/portfolio-exchange/services/exchange/internal/handlers"
	"github.com/sep1ol/portfolio-exchange/services/exchange/internal/service"
	"github.com/sep1ol/portfolio-exchange/services/exchange/internal/storage"
	"github.com/sep1ol/portfolio-exchange/services/exchange/internal/vault"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	appCfg, err := appconfig.Load(os.Getenv("DEX_CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("load app config: %w", err)
	}
	cfg, err := config.Load(os.Getenv("EXCHANGE_CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("load exchange config: %w", err)
	}

	logger := logging.NewLogger(appCfg.LogLevel, appCfg.ServiceName, appCfg.Env)
	slog.SetDefault(logger)

	shutdownTracer, err := trace.InitTracer(appCfg.ServiceName, appCfg.Env)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}

	fees, err := fee.NewConfig(cfg.Fee.Recipient, cfg.Fee.Percent)
	if err != nil {
		return fmt.Errorf("fee config: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)
	svcMetrics := service.NewMetrics(registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tokenVault storage.TokenVault
	if cfg.Vault.BaseURL != "" {
		tokenVault = vault.NewClient(cfg.Vault.BaseURL, logger,
			vault.WithTimeout(cfg.Vault.Timeout),
			vault.WithMaxRetries(cfg.Vault.MaxRetries),
		)
	} else {
		logger.Warn("no custody bridge configured, transfers are auto-approved")
		tokenVault = vault.Noop{}
	}

	var store service.Ledger
	var pool *pgxpool.Pool
	switch cfg.Storage.Driver {
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.DB.URL)
		if err != nil {
			return fmt.Errorf("parse db url: %w", err)
		}
		poolCfg.MaxConns = cfg.DB.MaxConns
		poolCfg.MinConns = cfg.DB.MinConns
		poolCfg.MaxConnLifetime = cfg.DB.MaxConnLifetime

		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := storage.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		store = storage.New(pool, tokenVault, fees, logger)
	case "memory":
		logger.Warn("using in-memory storage, state is lost on restart")
		store = storage.NewMemoryStore(tokenVault, fees)
	}

	var publisher kafka.Publisher
	if cfg.Kafka.ProducerEnabled {
		producerMetrics := kafka.NewProducerMetrics(registry)
		publisher, err = kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, producerMetrics)
		if err != nil {
			return fmt.Errorf("create kafka producer: %w", err)
		}
		defer publisher.Close()
	}

	topics := service.Topics{
		Balances: cfg.Kafka.BalancesTopic,
		Orders:   cfg.Kafka.OrdersTopic,
		Trades:   cfg.Kafka.TradesTopic,
	}
	svc := service.NewExchangeService(store, publisher, fees, topics, logger, svcMetrics)

	healthMgr := health.NewManager(false)

	if cfg.Kafka.ConsumerEnabled {
		transferConsumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TransfersGroupID, logger)
		if err != nil {
			return fmt.Errorf("create kafka consumer: %w", err)
		}
		defer transferConsumer.Close()
		if publisher != nil && cfg.Kafka.TransfersDLQTopic != "" {
			transferConsumer.WithDLQ(publisher, cfg.Kafka.TransfersDLQTopic)
		}

		handler := consumer.NewTransferHandler(svc, logger)
		go func() {
			if err := transferConsumer.Consume(ctx, []string{cfg.Kafka.TransfersTopic}, handler); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("transfer consumer stopped", "error", err)
			}
		}()
	}

	if appCfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		httpmiddleware.RequestID(),
		trace.Middleware(appCfg.ServiceName),
		httpmiddleware.Logger(logger),
		httpmiddleware.Recovery(logger),
	)

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(healthMgr))
	router.GET(appCfg.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	exchangeHandler := handlers.NewExchangeHandler(svc, logger)
	exchangeHandler.RegisterRoutes(router, []byte(cfg.Auth.JWTSecret))

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", appCfg.HTTP.Host, appCfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  appCfg.HTTP.ReadTimeout,
		WriteTimeout: appCfg.HTTP.WriteTimeout,
		IdleTimeout:  appCfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("exchange service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	healthMgr.SetReady(true)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	healthMgr.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error("tracer shutdown", "error", err)
	}
	return nil
}
