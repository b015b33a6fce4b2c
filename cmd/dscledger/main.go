package main

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"DSCLedger/internal/config"
	"DSCLedger/internal/core"
	"DSCLedger/internal/ingestion"
	"DSCLedger/internal/observability"
	"DSCLedger/internal/oracle"
	"DSCLedger/internal/persistence"
	"DSCLedger/internal/projection"
	"DSCLedger/internal/query"
	"DSCLedger/internal/server"
	"DSCLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLoggerWithLevel("dscledger", cfg.Level())
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("dscledger stopped")
	}
	logger.Info().Msg("dscledger shutdown complete")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Msg("dscledger starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnLifetime)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")
	healthChecker.AddCheck("postgres", db.PingContext)

	if err := persistence.NewMigrator(db).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Msg("migrations applied")

	// --- Prices ---
	var (
		feed      oracle.Feed
		localFeed *oracle.MemoryFeed
	)
	if cfg.Oracle.RPCURL != "" {
		chainFeed, client, err := oracle.DialChainlinkFeed(ctx, cfg.Oracle.RPCURL)
		if err != nil {
			return err
		}
		defer client.Close()
		feed = chainFeed
		logger.Info().Msg("reading prices from chain")
	} else {
		localFeed = oracle.NewMemoryFeed()
		for i, f := range cfg.Feeds() {
			localFeed.AddFeed(f, 8)
			localFeed.SetPrice(f, big.NewInt(cfg.Oracle.InitialPrices[i]))
		}
		feed = localFeed
		logger.Warn().Msg("no RPC URL configured, using in-process price feed")
	}
	guard := oracle.NewStaleGuard(feed, cfg.Oracle.Timeout, oracle.WithLogger(logger))

	// --- Solvency engine ---
	bank := token.NewBank(cfg.Custody(), cfg.Assets())
	engine, err := core.NewSolvencyEngine(core.Config{
		CollateralAssets: cfg.Assets(),
		PriceFeeds:       cfg.Feeds(),
		Custody:          cfg.Custody(),
		DscAddress:       cfg.DscAddress(),
		Dsc:              bank.Stable(),
		Tokens:           bank.Registry(),
		Oracle:           guard,
		Logger:           logger,
		Metrics:          metrics,
	})
	if err != nil {
		return fmt.Errorf("solvency engine: %w", err)
	}

	// --- Channels ---
	// persist blocks (backpressure); projection drops when full
	persistCoreChan := make(chan core.CoreOutput, cfg.Pipeline.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Pipeline.ProjectionChanSize)
	persistWorkerChan := make(chan core.CoreOutput, cfg.Pipeline.PersistChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.Pipeline.PublishChanSize)
	commandChan := make(chan core.Command, cfg.Pipeline.CommandChanSize)
	snapshotChan := make(chan *core.SnapshotState, 1)

	deterministicCore, err := core.NewDeterministicCore(
		0,
		engine,
		persistCoreChan,
		projectionChan,
		persistence.NewPostgresIdempotencyChecker(db),
		metrics,
		core.WithDedupCapacity(cfg.Engine.DedupCapacity),
		core.WithCoreLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("deterministic core: %w", err)
	}

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db, metrics, logger)
	if n, err := snapMgr.VerifyPending(ctx); err != nil {
		logger.Warn().Err(err).Msg("verify pending snapshots failed")
	} else if n > 0 {
		logger.Info().Int64("verified", n).Msg("pending snapshots verified")
	}

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load snapshot, replaying from genesis")
		snap = nil
	}
	if snap != nil {
		if err := deterministicCore.RestoreFromSnapshot(snap); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored state from snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	replayed, err := replayEventLog(ctx, snapMgr, deterministicCore, cfg.Pipeline.ReplayBatchSize)
	if err != nil {
		return fmt.Errorf("event replay: %w", err)
	}
	if replayed > 0 {
		logger.Info().Int64("replayed", replayed).Int64("next_sequence", deterministicCore.GetSequence()).Msg("event log replayed")
	}

	if err := reseedBank(ctx, bank, engine); err != nil {
		return fmt.Errorf("reseed token balances: %w", err)
	}

	// --- NATS ---
	var natsSubscriber *ingestion.NATSSubscriber
	rawEventChan := make(chan ingestion.RawEvent, cfg.Pipeline.CommandChanSize)
	var outbound ingestion.Publisher
	if cfg.NATS.Enabled {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats %s", nc.Status())
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			return fmt.Errorf("ensure outbound stream: %w", err)
		}

		natsSubscriber = ingestion.NewNATSSubscriber(js, rawEventChan, logger)
		if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		outbound = js
	}

	// --- Archive ---
	var archiver persistence.Archiver
	if cfg.Storage.Enabled {
		client, err := persistence.NewMinioClient(cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.UseSSL)
		if err != nil {
			return fmt.Errorf("minio client: %w", err)
		}
		archiver, err = persistence.NewMinioArchiver(ctx, client, cfg.Storage.Bucket)
		if err != nil {
			return fmt.Errorf("minio archiver: %w", err)
		}
	}

	// --- Servers ---
	var prices server.PriceSetter
	if localFeed != nil {
		prices = localFeed
	}
	grpcServer := server.NewGRPCServer(cfg.GRPC.Addr, cfg.HTTP.Addr, server.ServerDeps{
		DB:            db,
		QueryService:  query.NewQueryService(db, engine),
		Ingest:        ingestion.NewGRPCIngestService(commandChan, metrics),
		EventLog:      snapMgr,
		Auth:          server.NewAuthenticator(cfg.JWT.Secret),
		Faucet:        bank,
		Prices:        prices,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Gatherer:      registry,
		Logger:        logger,
	})

	// --- Goroutines ---
	// The persistence worker and the relay outlive ctx so shutdown can drain
	// the core's last outputs.
	drainCtx, drainCancel := context.WithCancel(context.Background())
	defer drainCancel()

	errChan := make(chan error, 10)
	persistDone := make(chan struct{})
	coreDone := make(chan struct{})

	go func() {
		defer close(coreDone)
		if err := deterministicCore.Run(ctx, commandChan, cfg.Pipeline.SnapshotInterval, snapshotChan); err != nil && ctx.Err() == nil {
			errChan <- fmt.Errorf("core loop: %w", err)
		}
	}()

	go func() {
		if err := ingestion.Relay(drainCtx, persistCoreChan, persistWorkerChan, publishChan, logger); err != nil && drainCtx.Err() == nil {
			errChan <- fmt.Errorf("relay: %w", err)
		}
	}()

	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan,
		cfg.Pipeline.PersistBatchSize, cfg.Pipeline.PersistFlushTimeout, metrics, logger)
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(drainCtx); err != nil && drainCtx.Err() == nil {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics, logger)
	go func() {
		if err := projWorker.Run(ctx); err != nil && ctx.Err() == nil {
			errChan <- fmt.Errorf("projection worker: %w", err)
		}
	}()

	if outbound != nil {
		publisher := ingestion.NewOutboundPublisher(outbound, publishChan, metrics, logger)
		go func() {
			if err := publisher.Run(ctx); err != nil && ctx.Err() == nil {
				errChan <- fmt.Errorf("outbound publisher: %w", err)
			}
		}()

		bridge := ingestion.NewBridge(ingestion.DefaultSubjects(), commandChan, metrics, logger)
		go func() {
			if err := bridge.Run(ctx, rawEventChan); err != nil && ctx.Err() == nil {
				errChan <- fmt.Errorf("nats bridge: %w", err)
			}
		}()
	} else {
		go discardPublishables(publishChan)
	}

	go func() {
		if err := snapMgr.Run(ctx, snapshotChan, archiver); err != nil && ctx.Err() == nil {
			errChan <- fmt.Errorf("snapshot manager: %w", err)
		}
	}()

	go func() {
		if err := grpcServer.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	go func() {
		if err := grpcServer.StartHTTPGateway(ctx); err != nil {
			errChan <- fmt.Errorf("http gateway: %w", err)
		}
	}()

	go sampleChannels(ctx, metrics, map[string]func() (int, int){
		"command":    func() (int, int) { return len(commandChan), cap(commandChan) },
		"persist":    func() (int, int) { return len(persistCoreChan), cap(persistCoreChan) },
		"projection": func() (int, int) { return len(projectionChan), cap(projectionChan) },
		"publish":    func() (int, int) { return len(publishChan), cap(publishChan) },
	})

	grpcServer.SetServing(true)
	healthChecker.SetReady(true)
	logger.Info().
		Int64("next_sequence", deterministicCore.GetSequence()).
		Str("grpc", cfg.GRPC.Addr).
		Str("http", cfg.HTTP.Addr).
		Msg("dscledger ready")

	// --- Wait for shutdown ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("goroutine failed, shutting down")
	}

	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	if natsSubscriber != nil {
		natsSubscriber.Stop()
	}
	cancel()

	// The core goroutine owns persistCoreChan; close it once Run has returned
	// so the relay and persistence worker drain and flush.
	<-coreDone
	close(persistCoreChan)

	select {
	case <-persistDone:
		logger.Info().Msg("persistence drained")
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("persistence drain timed out")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	final := deterministicCore.CreateSnapshotState()
	if final.Sequence >= 0 {
		if _, err := snapMgr.SaveSnapshot(shutdownCtx, final); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		} else if _, err := snapMgr.VerifyPending(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("final snapshot verification failed")
		} else {
			logger.Info().Int64("sequence", final.Sequence).Msg("final snapshot saved")
		}
	}

	return runErr
}

// replayEventLog re-applies logged commands after the core's current
// sequence until the log is exhausted.
func replayEventLog(ctx context.Context, snapMgr *persistence.SnapshotManager, c *core.DeterministicCore, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var total int64
	for {
		records, err := snapMgr.LoadEventsFrom(ctx, c.GetSequence(), batchSize)
		if err != nil {
			return total, err
		}
		if len(records) == 0 {
			return total, nil
		}
		for _, r := range records {
			if err := c.Replay(r.Envelope, r.Batch); err != nil {
				return total, err
			}
			total++
		}
	}
}

// reseedBank gives the in-process token backends the balances the vault
// implies: custody holds all deposited collateral and every debtor holds
// its outstanding DSC.
func reseedBank(ctx context.Context, bank *token.Bank, engine *core.SolvencyEngine) error {
	holdings := make(map[common.Address]*uint256.Int)
	for _, asset := range engine.GetCollateralTokens() {
		holdings[asset] = new(uint256.Int)
	}
	debts := make(map[common.Address]*uint256.Int)
	for _, user := range engine.Users() {
		for asset, total := range holdings {
			total.Add(total, engine.GetCollateralBalance(user, asset))
		}
		debts[user] = engine.GetMintedDebt(user)
	}
	return bank.Reseed(ctx, holdings, debts)
}

// sampleChannels reports channel fill levels once a second.
func sampleChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, probe := range channels {
				size, capacity := probe()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}

// discardPublishables drains the relay's publish output when NATS is off.
func discardPublishables(in <-chan ingestion.PublishableEvent) {
	for range in {
	}
}
