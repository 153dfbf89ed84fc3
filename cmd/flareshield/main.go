package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"FlareShield/internal/config"
	"FlareShield/internal/engine"
	"FlareShield/internal/event"
	"FlareShield/internal/observability"
	"FlareShield/internal/oracle"
	"FlareShield/internal/outbound"
	"FlareShield/internal/persistence"
	"FlareShield/internal/query"
	"FlareShield/internal/server"
	"FlareShield/internal/token"
)

func main() {
	configPath := flag.String("config", "", "path to config YAML (optional)")
	flag.Parse()

	logger := observability.NewLogger("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	logger.Info().Str("environment", cfg.Environment).Msg("flareshield starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	errChan := make(chan error, 8)

	// --- Postgres + persistence worker ---
	var (
		db          *sql.DB
		querySvc    *query.Service
		persistChan chan event.Envelope
	)
	if cfg.Postgres.Enabled {
		db, err = sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres open")
		}
		defer db.Close()
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			logger.Fatal().Err(err).Msg("postgres ping")
		}
		logger.Info().Msg("postgres connected")

		migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger)
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
		logger.Info().Msg("migrations applied")

		persistChan = make(chan event.Envelope, cfg.Postgres.BufferSize)
		worker := persistence.NewWorker(db, persistChan,
			cfg.Postgres.BatchSize, cfg.Postgres.FlushTimeout, logger, metrics)
		go func() { errChan <- worker.Run(ctx) }()

		querySvc = query.NewService(db)
	}

	// --- Outbound fanout: NATS publisher + websocket hub ---
	publishChan := make(chan event.Envelope, cfg.NATS.BufferSize)
	natsChan := make(chan event.Envelope, cfg.NATS.BufferSize)
	hubChan := make(chan event.Envelope, cfg.NATS.BufferSize)

	hub := server.NewHub(logger, metrics)
	go hub.Run(ctx, hubChan)

	if cfg.NATS.Enabled {
		nc, js, err := outbound.Connect(cfg.NATS.URL)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		logger.Info().Msg("nats connected")

		if err := outbound.EnsureStream(ctx, js, logger); err != nil {
			logger.Fatal().Err(err).Msg("ensure outbound stream")
		}

		publisher := outbound.NewPublisher(js, natsChan, logger)
		go func() { errChan <- publisher.Run(ctx) }()
	}

	go fanout(ctx, publishChan, natsChan, hubChan, cfg.NATS.Enabled)

	// --- Price feed gateway ---
	var feed oracle.PriceFeed
	switch cfg.Oracle.Mode {
	case "ftso":
		feed = oracle.NewFTSO(oracle.FTSOOptions{
			RPCURL:          cfg.Oracle.RPCURL,
			ContractAddress: cfg.Oracle.ContractAddress,
			Timeout:         cfg.Oracle.Timeout,
		}, logger)
	default:
		static := oracle.NewStatic()
		seedStaticFeeds(static)
		feed = static
		logger.Warn().Msg("using static price feed; prices are operator-set")
	}

	// --- Token custody ---
	vault := token.NewVault()

	// --- Engine ---
	engCfg := engine.Config{
		MinCoverage:       cfg.Protocol.MinCoverage,
		MaxCoverage:       cfg.Protocol.MaxCoverage,
		AdminAccount:      cfg.Protocol.AdminAccount,
		MaxObservationAge: cfg.Protocol.MaxObservationAge,
	}
	opts := []engine.Option{
		engine.WithMetrics(metrics),
		engine.WithPublishChannel(publishChan),
	}
	if persistChan != nil {
		opts = append(opts, engine.WithPersistChannel(persistChan))
	}
	eng := engine.New(engCfg, feed, vault, logger, opts...)

	// --- HTTP API ---
	handler := server.NewHandler(eng, querySvc, hub, health, logger, metrics)
	srv := server.NewServer(server.ServerConfig{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, handler, logger, metrics)
	srv.Start()

	// --- Metrics server ---
	go serveMetrics(ctx, cfg.Server.MetricsAddr, logger, errChan)

	health.SetReady(true)
	logger.Info().
		Str("addr", cfg.Server.Addr).
		Str("metrics_addr", cfg.Server.MetricsAddr).
		Str("oracle", cfg.Oracle.Mode).
		Bool("postgres", cfg.Postgres.Enabled).
		Bool("nats", cfg.NATS.Enabled).
		Msg("flareshield ready")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("component failed, shutting down")
		}
	}

	health.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}

	// Closing the persist channel lets the worker take its final flush.
	if persistChan != nil {
		close(persistChan)
	}
	cancel()

	time.Sleep(200 * time.Millisecond)
	logger.Info().Msg("flareshield stopped")
}

// fanout duplicates engine events to the NATS publisher and the websocket
// hub. Both sides are best effort.
func fanout(ctx context.Context, in <-chan event.Envelope, natsChan, hubChan chan<- event.Envelope, natsEnabled bool) {
	defer close(hubChan)
	if natsEnabled {
		defer close(natsChan)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in:
			if !ok {
				return
			}
			if natsEnabled {
				select {
				case natsChan <- env:
				default:
				}
			}
			select {
			case hubChan <- env:
			default:
			}
		}
	}
}

// seedStaticFeeds primes the static gateway with launch-day reference
// prices so a fresh local stack is usable immediately.
func seedStaticFeeds(s *oracle.Static) {
	s.SetPrice(oracle.FeedFLRUSD, 2_0000, 5)
	s.SetPrice(oracle.FeedBTCUSD, 100_000_00000, 5)
	s.SetPrice(oracle.FeedXRPUSD, 2_50000, 5)
	s.SetPrice(oracle.FeedUSDCUSD, 100_000, 5)
	s.SetPrice(oracle.FeedUSDTUSD, 100_000, 5)
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger, errChan chan<- error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- err
	}
}
