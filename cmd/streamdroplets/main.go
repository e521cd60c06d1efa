// Command streamdroplets is the single deployable spec.md §9 calls for:
// one binary, one CoreServices composition root, with a -role flag
// selecting which subsystem(s) this process instance runs (so the same
// binary can be horizontally split across indexer/accrual/api roles in
// production without being three different programs). Startup and
// graceful-shutdown shape is grounded on stellar-query-api/go/main.go's
// signal.Notify-plus-context.WithTimeout pattern; the health/metrics mux
// goroutine follows account-balance-processor/go/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/streamdroplets/internal/accrual"
	"github.com/withobsrvr/streamdroplets/internal/api"
	"github.com/withobsrvr/streamdroplets/internal/balance"
	"github.com/withobsrvr/streamdroplets/internal/config"
	"github.com/withobsrvr/streamdroplets/internal/core"
	"github.com/withobsrvr/streamdroplets/internal/errs"
	"github.com/withobsrvr/streamdroplets/internal/integration"
	"github.com/withobsrvr/streamdroplets/internal/logging"
	"github.com/withobsrvr/streamdroplets/internal/model"
	"github.com/withobsrvr/streamdroplets/internal/scheduler"
	"github.com/withobsrvr/streamdroplets/internal/vaultindexer"
)

// role selects which subsystem(s) a process instance runs.
type role string

const (
	roleAll         role = "all"
	roleIndexer     role = "indexer"
	roleIntegration role = "integration"
	roleAccrual     role = "accrual"
	roleAPI         role = "api"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to streamdroplets config file")
	roleFlag := flag.String("role", string(roleAll), "subsystem to run: all|indexer|integration|accrual|api")
	pollInterval := flag.Duration("poll-interval", 15*time.Second, "interval between indexer tail cycles")
	flag.Parse()

	logger, err := logging.New("streamdroplets")
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	services, err := core.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build core services", zap.Error(err))
	}
	defer services.Close()

	r := role(*roleFlag)

	var wg sync.WaitGroup

	if r == roleAll || r == roleAPI {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runAPI(ctx, services, logger)
		}()
	}
	if r == roleAll || r == roleIndexer {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runVaultIndexers(ctx, services, *pollInterval, logger)
		}()
	}
	if r == roleAll || r == roleIntegration {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runIntegrationIndexers(ctx, services, *pollInterval, logger)
		}()
	}
	if r == roleAll || r == roleAccrual {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runScheduler(ctx, services, logger)
		}()
	}

	wg.Wait()
	logger.Info("streamdroplets shut down cleanly")
}

func runAPI(ctx context.Context, s *core.CoreServices, logger *zap.Logger) {
	srv := api.New(s.Store, s.Config.API, logger.With(zap.String("component", "api")), s.Registry)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.Config.API.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  time.Duration(s.Config.API.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(s.Config.API.WriteTimeoutSeconds) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("query surface listening", zap.Int("port", s.Config.API.Port))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("query surface shutdown error", zap.Error(err))
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("query surface exited", zap.Error(err))
		}
	}
}

func runVaultIndexers(ctx context.Context, s *core.CoreServices, interval time.Duration, logger *zap.Logger) {
	var indexers []*vaultindexer.Indexer
	for _, v := range s.Vaults {
		chain, ok := s.ChainsByID[v.Chain]
		if !ok {
			continue
		}
		client := s.Chains.Chain(v.Chain)
		if client == nil {
			continue
		}
		indexers = append(indexers, vaultindexer.New(client, chain, v.VaultContract, s.Store, s.Metrics, logger))
	}
	runPollLoop(ctx, interval, logger, "vaultindexer", func(ctx context.Context) {
		for _, ix := range indexers {
			if err := ix.Tail(ctx); err != nil {
				logIndexerError(logger, "vaultindexer", err)
			}
		}
	})
}

func runIntegrationIndexers(ctx context.Context, s *core.CoreServices, interval time.Duration, logger *zap.Logger) {
	var indexers []*integration.Indexer
	for _, p := range s.Protocols {
		chain, ok := s.ChainsByID[p.Chain]
		if !ok {
			continue
		}
		client := s.Chains.Chain(p.Chain)
		if client == nil {
			continue
		}
		indexers = append(indexers, integration.New(client, chain, p, s.Store, s.Metrics, logger))
	}
	runPollLoop(ctx, interval, logger, "integration", func(ctx context.Context) {
		for _, ix := range indexers {
			if err := ix.Tail(ctx); err != nil {
				logIndexerError(logger, "integration", err)
			}
		}
	})
}

func runPollLoop(ctx context.Context, interval time.Duration, logger *zap.Logger, name string, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	tick(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("poll loop stopped", zap.String("loop", name))
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func logIndexerError(logger *zap.Logger, component string, err error) {
	kind := errs.KindOf(err)
	if kind == errs.ChainFatal || kind == errs.DeterminismViolation {
		logger.Error("indexer cycle failed with fatal error", zap.String("component", component), zap.Error(err))
		return
	}
	logger.Warn("indexer cycle error", zap.String("component", component), zap.Error(err))
}

func runScheduler(ctx context.Context, s *core.CoreServices, logger *zap.Logger) {
	runner := func(tickCtx context.Context, tickID int64, scheduledAt time.Time) error {
		return runTick(tickCtx, s, tickID, scheduledAt, logger)
	}
	sched, err := scheduler.New(s.Config.Tick, s.Store, s.Store, runner, logger.With(zap.String("component", "scheduler")))
	if err != nil {
		logger.Error("failed to build scheduler", zap.Error(err))
		return
	}
	if err := sched.Run(ctx); err != nil {
		logger.Error("scheduler exited", zap.Error(err))
	}
}

// runTick resolves this tick's reference blocks per chain, loads frozen
// inputs, runs internal/accrual.Run, and persists the result — the single
// place the whole §4.F sequence is wired together end to end.
func runTick(ctx context.Context, s *core.CoreServices, tickID int64, scheduledAt time.Time, logger *zap.Logger) error {
	timer := prometheusTimer(s)
	defer timer()

	chainBlocks := make(map[model.ChainID]uint64)
	var partial bool
	for id, client := range chainClients(s) {
		head, err := client.HeadBlock(ctx)
		if err != nil {
			logger.Warn("chain unavailable for tick, marking partial", zap.Uint64("chain", uint64(id)), zap.Error(err))
			_ = s.Store.RecordTickIncident(ctx, tickID, id, "head block unavailable: "+err.Error())
			partial = true
			continue
		}
		chainBlocks[id] = head
	}

	tick := model.Tick{ID: tickID, Timestamp: scheduledAt, ChainBlocks: chainBlocks, Partial: partial}

	excluded, err := s.Store.ExcludedAddressSet(ctx)
	if err != nil {
		return err
	}

	var shareBalances []model.ChainShareBalance
	var integrationPositions []model.IntegrationPosition
	for _, vault := range s.Vaults {
		events, err := s.Store.LoadShareEventsForRebuild(ctx, vault.Chain, vault.Asset)
		if err != nil {
			return err
		}
		folded, err := balance.FoldShareEvents(events)
		if err != nil {
			return err
		}
		shareBalances = append(shareBalances, balance.ShareBalanceList(folded)...)
	}
	for _, protocol := range s.Protocols {
		events, err := s.Store.LoadIntegrationEventsForRebuild(ctx, protocol.ID)
		if err != nil {
			return err
		}
		folded, err := balance.FoldIntegrationEvents(events)
		if err != nil {
			return err
		}
		integrationPositions = append(integrationPositions, balance.IntegrationPositionList(folded)...)
	}

	pricesByAsset := make(map[string]model.OraclePrice)
	for _, asset := range s.Assets {
		block, ok := chainBlocks[asset.OracleFeed.Chain]
		if !ok {
			continue
		}
		price, err := s.Oracle.PriceAt(ctx, asset.Symbol, block)
		if err != nil {
			s.Metrics.OracleMisses.WithLabelValues(asset.Symbol).Inc()
			continue
		}
		pricesByAsset[asset.Symbol] = model.OraclePrice{Asset: asset.Symbol, Block: block, TickID: tickID, Price: price.Value, Scale: price.Scale, Source: price.Source}
	}

	ppsByAsset := make(map[string]model.PPSObservation)
	for _, asset := range s.Assets {
		obs, ok, err := s.Store.LatestPPS(ctx, asset.Symbol)
		if err != nil {
			return err
		}
		if ok {
			ppsByAsset[asset.Symbol] = obs
		}
	}

	priorCumulative, err := s.Store.AllCumulativeDroplets(ctx)
	if err != nil {
		return err
	}

	assetDecimals := make(map[string]uint8, len(s.Assets))
	for _, asset := range s.Assets {
		assetDecimals[asset.Symbol] = asset.Decimals
	}
	protocolUnderlying := make(map[string]string, len(s.Protocols))
	for _, p := range s.Protocols {
		protocolUnderlying[p.ID] = p.UnderlyingAsset
	}

	currentRoundByAsset := make(map[string]uint64, len(ppsByAsset))
	for asset, obs := range ppsByAsset {
		currentRoundByAsset[asset] = obs.RoundID
	}
	unstakeMarks, err := s.Store.CurrentUnstakeMarks(ctx, currentRoundByAsset)
	if err != nil {
		return err
	}

	result := accrual.Run(accrual.Inputs{
		Tick:                  tick,
		ShareBalances:         shareBalances,
		IntegrationPositions:  integrationPositions,
		PPSByAsset:            ppsByAsset,
		PricesByAsset:         pricesByAsset,
		ProtocolUnderlying:    protocolUnderlying,
		AssetDecimals:         assetDecimals,
		ExcludedAddresses:     excluded,
		UnstakeMarks:          unstakeMarks,
		PriorCumulative:       priorCumulative,
		UnstakeExclusionScope: s.Config.Tick.UnstakeExclusionScope,
		RatePerUSDPerTick:     s.Config.Tick.RatePerUSDPerTick,
		USDScale:              s.Config.Tick.USDScale,
	})

	if len(result.OracleMissing) > 0 {
		result.Protocol.Partial = true
	}
	if result.Protocol.Partial {
		s.Metrics.TicksPartial.Inc()
	}
	s.Metrics.TickDropletsAwarded.Add(bigIntToFloat(result.Protocol.DropletsThisTick))

	return s.Store.CommitTickResult(ctx, tick, result.UserSnapshots, result.Protocol)
}

func prometheusTimer(s *core.CoreServices) func() {
	start := time.Now()
	return func() {
		s.Metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
}

func chainClients(s *core.CoreServices) map[model.ChainID]interface {
	HeadBlock(ctx context.Context) (uint64, error)
} {
	out := make(map[model.ChainID]interface {
		HeadBlock(ctx context.Context) (uint64, error)
	})
	for id := range s.ChainsByID {
		if c := s.Chains.Chain(id); c != nil {
			out[id] = c
		}
	}
	return out
}

// bigIntToFloat renders a droplet total as a float64 for the Prometheus
// counter. Authoritative storage always keeps the exact big.Int
// (internal/storage persists it as NUMERIC); this conversion only feeds
// the approximate observability metric.
func bigIntToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f := new(big.Float).SetInt(v)
	out, _ := f.Float64()
	return out
}
