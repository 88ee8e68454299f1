package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/klikdeploy/backend/internal/admission"
	"github.com/klikdeploy/backend/internal/auth"
	"github.com/klikdeploy/backend/internal/chain"
	"github.com/klikdeploy/backend/internal/config"
	"github.com/klikdeploy/backend/internal/cooldown"
	"github.com/klikdeploy/backend/internal/engine"
	"github.com/klikdeploy/backend/internal/gas"
	"github.com/klikdeploy/backend/internal/ingest"
	"github.com/klikdeploy/backend/internal/jobs"
	"github.com/klikdeploy/backend/internal/ledger"
	"github.com/klikdeploy/backend/internal/logging"
	"github.com/klikdeploy/backend/internal/metrics"
	"github.com/klikdeploy/backend/internal/middleware"
	"github.com/klikdeploy/backend/internal/nonce"
	"github.com/klikdeploy/backend/internal/pipeline"
	"github.com/klikdeploy/backend/internal/repository"
	"github.com/klikdeploy/backend/internal/router"
	"github.com/klikdeploy/backend/internal/settlement"
)

const serviceName = "deployer"

// network is everything the engine needs from the chain.
type network interface {
	FeeLevel(ctx context.Context) (uint64, error)
	CustodialBalance(ctx context.Context) (int64, error)
	CurrentSequence(ctx context.Context) (uint64, error)
	Submit(ctx context.Context, req chain.DeployRequest) (string, error)
	AwaitConfirmation(ctx context.Context, ref string, timeout time.Duration) (chain.Receipt, error)
	PredictAddress(salt [32]byte) string
}

// deploymentStore is the deployment table as seen by every component.
type deploymentStore interface {
	engine.Deployments
	cooldown.History
	admission.Throughput
}

type stores struct {
	deployments deploymentStore
	cooldowns   cooldown.Store
	ledger      ledger.Store
	operators   auth.Repository
	pool        *pgxpool.Pool
}

func main() {
	configPath := flag.String("config", envOr("DEPLOYER_CONFIG", "config.yaml"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger, logCloser := logging.Setup(cfg.Log, serviceName)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("deployer stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	m := metrics.Engine()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if st.pool != nil {
		defer st.pool.Close()
	}

	net, rpc, err := openNetwork(ctx, cfg, logger)
	if err != nil {
		return err
	}
	elevation, err := buildElevation(cfg, rpc)
	if err != nil {
		return err
	}

	funds := ledger.NewService(st.ledger, net, cfg.Policy.SafetyMarginBps)
	tracker := cooldown.NewTracker(st.cooldowns, st.deployments, cfg.Cooldown(), logger)

	// Durable jobs need Postgres; the memory driver falls back to inline
	// notification and a ticker-driven sweep.
	var notifier pipeline.Notifier = jobs.NewLogNotifier(logger)
	if cfg.Notify.WebhookURL != "" {
		notifier = jobs.NewWebhookNotifier(cfg.Notify.WebhookURL)
	}
	var riverClient *river.Client[pgx.Tx]
	if st.pool != nil {
		riverClient, err = newRiverClient(st.pool, tracker, cfg.Policy.SweepInterval, logger)
		if err != nil {
			return err
		}
		if cfg.Notify.WebhookURL != "" {
			notifier = jobs.NewRiverNotifier(cfg.Notify.WebhookURL, func(ctx context.Context, args jobs.NotifyOutcomeArgs) error {
				_, err := riverClient.Insert(ctx, args, nil)
				return err
			})
		}
	}

	adm := admission.NewService(cfg.Admission(), cfg.Operator.Identity, net, funds, tracker, st.deployments, elevation, logger)
	settle := settlement.NewService(funds, tracker, st.deployments, logger, m)
	queue := pipeline.NewQueue(cfg.Queue.Capacity, m)
	seq := nonce.NewSequencer(net, cfg.Queue.SequenceWindow, logger)
	worker := pipeline.NewWorker(queue, adm, seq, net, funds, settle, st.deployments, notifier, cfg.Retry(), logger, m)
	eng := engine.New(adm, queue, worker, st.deployments, funds, tracker, settle, notifier, logger, m)

	validator, err := ingest.NewValidator()
	if err != nil {
		return err
	}

	secret := cfg.Operator.JWTSecret
	if secret == "" {
		logger.Warn("operator.jwt_secret not set; using development secret")
		secret = "supersecretmvp"
	}
	authSvc := auth.NewService(st.operators, secret, cfg.Operator.TokenTTL)
	if err := auth.EnsureOperator(ctx, authSvc, cfg.Operator.Email, cfg.Operator.Password); err != nil {
		return fmt.Errorf("seed operator: %w", err)
	}
	authHandler := auth.NewHandler(authSvc, logger)

	mux := http.NewServeMux()
	apiRouter := router.New(authHandler, promhttp.Handler())
	mux.Handle("/api/", apiRouter)
	mux.Handle("/healthz", apiRouter)
	mux.Handle("/metrics", apiRouter)
	ingestKeys := middleware.NewIngestKeys(cfg.HTTP.IngestKeys)
	if len(cfg.HTTP.IngestKeys) == 0 {
		logger.Warn("no http.ingest_keys configured; only operator tokens may post deployment events")
	}
	RegisterV1Routes(mux, eng, validator, authSvc, ingestKeys, logger)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(mux)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if riverClient != nil {
		go func() {
			if err := riverClient.Start(runCtx); err != nil && runCtx.Err() == nil {
				logger.Error("River client stopped", "error", err)
			}
		}()
		defer func() {
			stopCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			_ = riverClient.Stop(stopCtx)
		}()
	} else {
		go jobs.RunSweepLoop(runCtx, tracker, cfg.Policy.SweepInterval, logger)
	}

	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Start(runCtx) }()

	if cfg.NATS.URL != "" {
		conn, err := ingest.Connect(cfg.NATS.URL, serviceName)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer conn.Close()
		sub := ingest.NewSubscriber(conn, cfg.NATS.Subject, cfg.NATS.QueueGroup, validator, eng, logger)
		if err := sub.Start(); err != nil {
			return fmt.Errorf("subscribe %s: %w", cfg.NATS.Subject, err)
		}
		defer sub.Stop()
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.HTTP.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", srv.Addr, "database", cfg.Database.Driver, "chain", cfg.Chain.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		cancel()
		return fmt.Errorf("http server: %w", err)
	case err := <-engineDone:
		if err != nil {
			return fmt.Errorf("engine: %w", err)
		}
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	cancel()
	return nil
}

func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (stores, error) {
	if cfg.Database.Driver == config.DriverMemory {
		logger.Warn("Using in-memory stores; state is lost on restart")
		return stores{
			deployments: repository.NewMemoryDeployments(),
			cooldowns:   cooldown.NewMemoryStore(),
			ledger:      ledger.NewMemoryStore(),
			operators:   auth.NewMemoryRepository(),
		}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return stores{}, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return stores{}, fmt.Errorf("cannot reach PostgreSQL: %w", err)
	}
	logger.Info("Connected to PostgreSQL database successfully!")

	if err := repository.Migrate(ctx, pool); err != nil {
		pool.Close()
		return stores{}, err
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		pool.Close()
		return stores{}, fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		pool.Close()
		return stores{}, fmt.Errorf("river migrate up: %w", err)
	}
	logger.Info("Migrations applied")

	return stores{
		deployments: repository.NewDeploymentRepo(pool),
		cooldowns:   cooldown.NewRepository(pool),
		ledger:      ledger.NewRepository(pool),
		operators:   auth.NewPgRepository(pool),
		pool:        pool,
	}, nil
}

// openNetwork returns the chain port and, for a real network, its raw RPC
// connection for read-only calls.
func openNetwork(ctx context.Context, cfg config.Config, logger *slog.Logger) (network, chain.RPC, error) {
	if cfg.Chain.Driver == config.DriverSimulated {
		logger.Warn("Using simulated chain; nothing is broadcast")
		sim := chain.NewSimulated(gas.Gwei(cfg.Chain.SimulatedFeeGwei), cfg.Chain.SimulatedBalanceGwei, cfg.Chain.SimulatedGasUsed)
		return sim, nil, nil
	}
	client, err := chain.Dial(ctx, cfg.ChainClient(), logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Connected to chain", "address", client.Address())
	return client, client.RPC(), nil
}

func buildElevation(cfg config.Config, rpc chain.RPC) (admission.Elevation, error) {
	if cfg.Chain.HolderToken == "" || rpc == nil {
		return admission.NewStaticElevation(cfg.Policy.ElevatedIdentities), nil
	}
	var minBal *big.Int
	if cfg.Chain.HolderMinBalance != "" {
		v, ok := new(big.Int).SetString(cfg.Chain.HolderMinBalance, 10)
		if !ok {
			return nil, fmt.Errorf("invalid chain.holder_min_balance %q", cfg.Chain.HolderMinBalance)
		}
		minBal = v
	}
	return chain.NewHolderElevation(rpc, cfg.Chain.HolderToken, minBal, cfg.Chain.HolderWallets)
}

func newRiverClient(pool *pgxpool.Pool, sweeper jobs.Sweeper, interval time.Duration, logger *slog.Logger) (*river.Client[pgx.Tx], error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, jobs.NewNotifyOutcomeWorker())
	river.AddWorker(workers, jobs.NewCooldownSweepWorker(sweeper, logger))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{jobs.PeriodicSweep(interval)},
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return client, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
