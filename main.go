package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"buyback_feed/aggregator"
	"buyback_feed/api"
	"buyback_feed/config"
	"buyback_feed/db"
	"buyback_feed/jupiter"
	"buyback_feed/models"
	"buyback_feed/monitoring"
	"buyback_feed/treasury"
	"buyback_feed/utils"
	"buyback_feed/watcher"
	"buyback_feed/ws"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

func main() {
	mode := flag.String("mode", "feed", "feed | follow | treasury | balance | wrap")
	watch := flag.Bool("watch", false, "treasury: run on WATCH_SCHEDULE instead of once")
	wrapAmount := flag.String("amount", "0.001", "wrap: SOL to move into the wrapped-SOL account")
	flag.Parse()

	// A missing .env is fine; the environment may be set by the supervisor.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Error loading .env file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := utils.InitLogger(cfg.App.LogLevel, cfg.App.LogDir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer utils.Logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "feed":
		err = runFeed(ctx, cfg)
	case "follow":
		err = runFollow(ctx, cfg)
	case "treasury":
		err = runTreasury(ctx, cfg, *watch)
	case "balance":
		err = runBalance(ctx, cfg)
	case "wrap":
		err = runWrap(ctx, cfg, *wrapAmount)
	default:
		err = models.Configuration("parse flags", fmt.Errorf("unknown mode %q", *mode))
	}

	if err != nil {
		if models.KindOf(err) == models.KindConfiguration {
			utils.Logger.Fatalw("Invalid configuration", "mode", *mode, "error", err)
		}
		utils.Error(err, "Exiting with error", "mode", *mode, "kind", models.KindOf(err).String())
		utils.Logger.Sync()
		os.Exit(1)
	}
}

func runFeed(ctx context.Context, cfg *config.Config) error {
	logger := utils.Named("feed")
	agg := aggregator.New(cfg.Feed.WindowSize,
		aggregator.WithSeenCapacity(cfg.Feed.SeenCapacity),
		aggregator.WithLogger(utils.Named("aggregator")),
	)

	var wg sync.WaitGroup

	if cfg.ClickHouse.Host != "" {
		store, err := db.NewClickHouseDB(cfg, utils.Named("clickhouse"))
		if err != nil {
			if models.KindOf(err) == models.KindConfiguration {
				return err
			}
			utils.Error(err, "ClickHouse unavailable, running without archive")
		} else {
			defer store.Close()
			rehydrate(ctx, store, agg, cfg.Feed.WindowSize, cfg.Feed.SeenCapacity)

			archiver := db.NewArchiver(store, db.ArchiverConfig{
				BufferSize:    cfg.ClickHouse.BufferSize,
				BatchSize:     cfg.ClickHouse.BatchSize,
				FlushInterval: cfg.ClickHouse.FlushInterval,
				InsertTimeout: cfg.ClickHouse.QueryTimeout,
			}, utils.Named("archiver"))
			agg.OnIngest(archiver.Enqueue)
			monitoring.RegisterHealthCheck("clickhouse", store.Healthy)

			wg.Add(1)
			go func() {
				defer wg.Done()
				archiver.Run(ctx)
			}()
		}
	}

	runners, err := buildWatchers(ctx, cfg, agg)
	if err != nil {
		return err
	}
	if len(runners) == 0 {
		logger.Warnw("No chain watcher configured; serving an empty feed")
	}
	for _, r := range runners {
		wg.Add(1)
		go func(r *watcher.Runner) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil {
				utils.Error(err, "Watcher stopped")
			}
		}(r)
	}

	hub := ws.NewHub(agg, ws.HubConfig{
		SendBuffer:   cfg.Feed.SendBuffer,
		JoinWindow:   cfg.Feed.JoinWindow,
		PingInterval: cfg.Feed.PingInterval,
	}, utils.Named("hub"))
	server := api.NewServer(agg, hub.ServeWS, cfg.Feed.DefaultLimit, cfg.Feed.WindowSize, utils.Named("api"))

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	monitoring.StartMetricsCollection(ctx)

	serverErr := make(chan error, 1)
	go func() {
		logger.Infow("Feed server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = models.Configuration("listen", errors.Wrapf(err, "serve %s", cfg.Server.Addr))
	}

	logger.Infow("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("HTTP shutdown incomplete", "error", err)
	}
	hub.Close()
	wg.Wait()
	logger.Infow("Feed stopped", "stats", agg.Stats())
	return runErr
}

// rehydrate seeds the window and running totals from the archive. Failures
// only cost history, so they are logged.
func rehydrate(ctx context.Context, store *db.ClickHouseDB, agg *aggregator.Aggregator, window, seenCapacity int) {
	logger := utils.Named("feed")

	qctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	events, err := store.LoadRecent(qctx, window)
	if err != nil {
		utils.Error(err, "Could not load archived events")
		return
	}
	restored := agg.Restore(events)

	// Keys older than the window must stay counted too, or a watcher
	// rescanning them would add them to the restored stats again.
	keys, err := store.LoadKeys(qctx, seenCapacity)
	if err != nil {
		utils.Error(err, "Could not load archived keys")
		return
	}
	remembered := agg.RestoreSeen(keys)

	stats, err := store.LoadStats(qctx)
	if err != nil {
		utils.Error(err, "Could not load archived stats")
	} else {
		agg.RestoreStats(stats)
	}
	logger.Infow("Restored from archive", "events", restored, "keys", remembered, "stats", agg.Stats())
}

func buildWatchers(ctx context.Context, cfg *config.Config, sink watcher.Sink) ([]*watcher.Runner, error) {
	runnerCfg := func(poll time.Duration) watcher.RunnerConfig {
		return watcher.RunnerConfig{
			PollInterval:   poll,
			InitialBackoff: cfg.Watcher.InitialBackoff,
			MaxBackoff:     cfg.Watcher.MaxBackoff,
		}
	}
	var runners []*watcher.Runner

	if cfg.Solana.Enabled {
		programID, err := solana.PublicKeyFromBase58(cfg.Solana.ProgramID)
		if err != nil {
			return nil, models.Configuration("parse SOLANA_PROGRAM_ID", err)
		}
		src := watcher.NewSolanaSource(rpc.New(cfg.Solana.RPCURL), watcher.SolanaConfig{
			ProgramID:      programID,
			PageLimit:      cfg.Solana.PageLimit,
			InputToken:     cfg.Solana.InputToken,
			OutputToken:    cfg.Solana.OutputToken,
			InputDecimals:  cfg.Solana.InputDecimals,
			OutputDecimals: cfg.Solana.OutputDecimals,
			RPCTimeout:     cfg.App.RPCTimeout,
		}, utils.Named("solana"))
		r := watcher.NewRunner(src, sink, runnerCfg(cfg.Solana.PollInterval), utils.Named("watcher"))
		monitoring.RegisterHealthCheck("solana_watcher", r.Healthy)
		runners = append(runners, r)
	}

	if cfg.Ethereum.Enabled {
		if !common.IsHexAddress(cfg.Ethereum.Contract) {
			return nil, models.Configuration("parse ETH_CONTRACT_ADDRESS", fmt.Errorf("%q is not an address", cfg.Ethereum.Contract))
		}
		client, err := ethclient.DialContext(ctx, cfg.Ethereum.RPCURL)
		if err != nil {
			return nil, models.Configuration("dial ETH_RPC_URL", err)
		}
		src := watcher.NewEthereumSource(client, watcher.EthereumConfig{
			Contract:       common.HexToAddress(cfg.Ethereum.Contract),
			Confirmations:  cfg.Ethereum.Confirmations,
			StartBlock:     cfg.Ethereum.StartBlock,
			MaxBlockRange:  cfg.Ethereum.MaxBlockRange,
			InputToken:     cfg.Ethereum.InputToken,
			OutputToken:    cfg.Ethereum.OutputToken,
			InputDecimals:  cfg.Ethereum.InputDecimals,
			OutputDecimals: cfg.Ethereum.OutputDecimals,
			RPCTimeout:     cfg.App.RPCTimeout,
		}, utils.Named("ethereum"))
		r := watcher.NewRunner(src, sink, runnerCfg(cfg.Ethereum.PollInterval), utils.Named("watcher"))
		monitoring.RegisterHealthCheck("ethereum_watcher", r.Healthy)
		runners = append(runners, r)
	}

	return runners, nil
}

func runFollow(ctx context.Context, cfg *config.Config) error {
	logger := utils.Named("follow")
	client := ws.NewFeedClient(ws.ClientConfig{
		WSURL:          cfg.Feed.WSURL,
		APIURL:         cfg.Feed.APIURL,
		ReconnectDelay: cfg.Feed.ReconnectDelay,
	}, utils.Named("feed_client"))

	client.OnEvent(func(e models.BurnEvent) {
		logger.Infow("Buyback",
			"chain", e.Chain,
			"tx", e.TxHash,
			"input", e.InputAmount+" "+e.InputToken,
			"burned", e.BurnedAmount+" "+e.OutputToken,
			"total_burned", e.TotalBurned,
		)
	})

	if err := client.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	client.Stop()
	logger.Infow("Follower stopped", "stats", client.Stats(), "events", len(client.Events()))
	return nil
}

func newAgent(cfg *config.Config) (*treasury.Agent, error) {
	tcfg, err := treasury.NewConfig(cfg.Treasury)
	if err != nil {
		return nil, err
	}
	key, err := treasury.LoadKeypair(cfg.Treasury.KeypairPath)
	if err != nil {
		return nil, err
	}
	return treasury.NewAgent(
		treasury.NewRPCChain(cfg.Treasury.RPCURL),
		jupiter.NewClient(cfg.Treasury.JupiterURL, cfg.Treasury.RPCTimeout),
		key, tcfg, utils.Named("treasury"),
	), nil
}

func runTreasury(ctx context.Context, cfg *config.Config, watch bool) error {
	agent, err := newAgent(cfg)
	if err != nil {
		return err
	}
	if err := agent.Validate(ctx); err != nil {
		return err
	}

	if !watch {
		report, err := agent.RunCycle(ctx)
		if err != nil {
			return err
		}
		printCycle(agent, report)
		return nil
	}

	// Watch mode is long-lived, so expose health and metrics like the feed does.
	mux := http.NewServeMux()
	mux.HandleFunc("/health", monitoring.HealthCheckHandler)
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           utils.RequestLogger(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.Error(err, "Metrics server error")
		}
	}()
	monitoring.StartMetricsCollection(ctx)

	err = treasury.Watch(ctx, agent, cfg.Treasury.WatchSchedule, utils.Named("treasury"))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)
	return err
}

func printCycle(agent *treasury.Agent, r *treasury.CycleReport) {
	fmt.Printf("Treasury:      %s\n", agent.Wallet())
	fmt.Printf("SOL balance:   %s\n", models.FormatSOL(r.State.SolBalanceLamports))
	fmt.Printf("Outcome:       %s\n", r.Outcome)
	switch r.Outcome {
	case treasury.OutcomeBelowThreshold:
		fmt.Printf("Shortfall:     %s SOL\n", models.FormatSOL(r.State.Shortfall()))
	case treasury.OutcomeDryRun:
		fmt.Printf("Would swap:    %s SOL for %s raw units\n", models.FormatSOL(r.State.BuybackAmount()), r.QuotedOut)
	case treasury.OutcomeCompleted:
		fmt.Printf("Wrap tx:       %s\n", r.WrapSignature)
		fmt.Printf("Swap tx:       %s\n", r.SwapSignature)
		if !r.BurnSignature.IsZero() {
			fmt.Printf("Burn tx:       %s (%s tokens)\n", r.BurnSignature, agent.FormatTokens(r.BurnedAmount))
		}
	}
}

func runBalance(ctx context.Context, cfg *config.Config) error {
	agent, err := newAgent(cfg)
	if err != nil {
		return err
	}
	if err := agent.Validate(ctx); err != nil {
		return err
	}
	report, err := agent.Inspect(ctx)
	if err != nil {
		return err
	}

	st := report.State
	fmt.Printf("Treasury:        %s\n", report.Wallet)
	fmt.Printf("SOL balance:     %s SOL\n", models.FormatSOL(st.SolBalanceLamports))
	fmt.Printf("Token account:   %s\n", report.TokenAccount)
	fmt.Printf("Token balance:   %s\n", agent.FormatTokens(st.TokenBalance))
	fmt.Printf("Threshold:       %s SOL\n", models.FormatSOL(st.ThresholdLamports))
	fmt.Printf("Buyback ratio:   %s%%\n", st.BuybackRatio.Mul(decimal.NewFromInt(100)).String())
	fmt.Printf("Fee reserve:     %s SOL\n", models.FormatSOL(st.FeeReserveLamports))
	if st.Eligible() {
		fmt.Printf("Status:          ready, would swap %s SOL\n", models.FormatSOL(st.BuybackAmount()))
	} else {
		fmt.Printf("Status:          below threshold, need %s more SOL\n", models.FormatSOL(st.Shortfall()))
	}
	return nil
}

func runWrap(ctx context.Context, cfg *config.Config, amount string) error {
	lamports, err := models.ParseSOL(amount)
	if err != nil {
		return models.Configuration("parse -amount", err)
	}
	agent, err := newAgent(cfg)
	if err != nil {
		return err
	}
	if err := agent.Validate(ctx); err != nil {
		return err
	}

	sig, created, err := agent.Wrap(ctx, lamports)
	if err != nil {
		return err
	}
	fmt.Printf("Wrapped %s SOL (account created: %t)\n", models.FormatSOL(lamports), created)
	fmt.Printf("Transaction: %s\n", sig)
	return nil
}
