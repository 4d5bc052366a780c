package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"stable-ledger/internal/alerting"
	"stable-ledger/internal/config"
	"stable-ledger/internal/engine"
	"stable-ledger/internal/fixedpoint"
	"stable-ledger/internal/httpapi"
	"stable-ledger/internal/keeper"
	"stable-ledger/internal/oracle"
	"stable-ledger/internal/storage"
	"stable-ledger/internal/token"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) engineParams() (engine.Params, error) {
	floor, err := fixedpoint.Parse(a.Config.Engine.BondFloorPrice)
	if err != nil {
		return engine.Params{}, fmt.Errorf("engine.bond_floor_price: %w", err)
	}
	maxBondRate, err := fixedpoint.Parse(a.Config.Engine.MaxBondRate)
	if err != nil {
		return engine.Params{}, fmt.Errorf("engine.max_bond_rate: %w", err)
	}

	params := engine.Params{
		MintFeeBps:            a.Config.Engine.MintFeeBps,
		RedeemFeeBps:          a.Config.Engine.RedeemFeeBps,
		BondFloorPrice:        floor,
		MaxBondRate:           maxBondRate,
		DeviationToleranceBps: a.Config.Engine.DeviationToleranceBps,
	}
	if err := params.Validate(); err != nil {
		return engine.Params{}, err
	}
	return params, nil
}

// buildOracle assembles the accumulator oracle and the price validator
// from the configured pairs and feeds.
func (a *App) buildOracle(obsStore oracle.ObservationStore, tolerance oracle.ToleranceSource) (*oracle.TWAP, *oracle.Validator, error) {
	eth := a.Config.Ethereum
	var limiter *rate.Limiter
	if eth.RateLimitPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(eth.RateLimitPerSec), 1)
	}

	pairs := make(map[string]oracle.PairConfig, len(a.Config.Oracle.Pairs))
	for _, pc := range a.Config.Oracle.Pairs {
		pool := oracle.NewPairPool(oracle.PairPoolOptions{
			RPCURL:  eth.RPCURL,
			Address: pc.Address,
			Timeout: eth.RequestTimeout,
			Limiter: limiter,
		}, a.Logger)
		pairs[pc.Name] = oracle.PairConfig{Pool: pool, Decimals0: pc.Decimals0, Decimals1: pc.Decimals1}
	}

	twap := oracle.NewTWAP(pairs, obsStore, a.Config.Oracle.Period, a.Logger)

	assets := make(map[string]oracle.AssetConfig)
	sources := []config.AssetSourceConfig{
		a.Config.Oracle.Reserve,
		a.Config.Oracle.Unit,
		a.Config.Oracle.Bond,
		a.Config.Oracle.Backstop,
	}
	for _, src := range sources {
		if src.Symbol == "" {
			continue
		}
		asset, err := a.buildAsset(src, limiter)
		if err != nil {
			return nil, nil, fmt.Errorf("asset %s: %w", src.Symbol, err)
		}
		assets[src.Symbol] = asset
	}

	validator := oracle.NewValidator(assets, twap, tolerance, a.Config.Oracle.MaxFeedAge, a.Logger)
	return twap, validator, nil
}

func (a *App) buildAsset(src config.AssetSourceConfig, limiter *rate.Limiter) (oracle.AssetConfig, error) {
	feeds := make([]oracle.PushFeed, 0, len(src.Feeds))
	for _, fc := range src.Feeds {
		if fc.Static != "" {
			value, err := fixedpoint.Parse(fc.Static)
			if err != nil {
				return oracle.AssetConfig{}, fmt.Errorf("static feed value: %w", err)
			}
			feeds = append(feeds, &oracle.StaticFeed{Value: value})
			continue
		}
		feeds = append(feeds, oracle.NewAggregatorFeed(oracle.AggregatorFeedOptions{
			RPCURL:   a.Config.Ethereum.RPCURL,
			Address:  fc.Address,
			Decimals: fc.Decimals,
			Timeout:  a.Config.Ethereum.RequestTimeout,
			Limiter:  limiter,
		}, a.Logger))
	}

	scalar := fixedpoint.One()
	if src.Scalar != "" {
		parsed, err := fixedpoint.Parse(src.Scalar)
		if err != nil {
			return oracle.AssetConfig{}, fmt.Errorf("scalar: %w", err)
		}
		scalar = parsed
	}

	return oracle.AssetConfig{Feeds: feeds, Pair: src.Pair, Scalar: scalar}, nil
}

// oraclePrices adapts the validator to the engine's price interface
// using the configured asset symbols.
type oraclePrices struct {
	validator *oracle.Validator

	reserve  string
	unit     string
	bond     string
	backstop string
}

func (p *oraclePrices) price(ctx context.Context, asset string) (fixedpoint.Value, error) {
	trusted, err := p.validator.TrustedPrice(ctx, asset)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	return trusted.Value, nil
}

func (p *oraclePrices) ReservePrice(ctx context.Context) (fixedpoint.Value, error) {
	return p.price(ctx, p.reserve)
}

func (p *oraclePrices) UnitPrice(ctx context.Context) (fixedpoint.Value, error) {
	return p.price(ctx, p.unit)
}

func (p *oraclePrices) BondPrice(ctx context.Context) (fixedpoint.Value, error) {
	return p.price(ctx, p.bond)
}

func (p *oraclePrices) BackstopPrice(ctx context.Context) (fixedpoint.Value, error) {
	return p.price(ctx, p.backstop)
}

var _ engine.PriceSource = (*oraclePrices)(nil)

// buildEngine wires the vault, the in-process token ledgers, and the
// collateral engine against the given state store and price source.
func (a *App) buildEngine(state engine.StateStore, recorder engine.EventRecorder, prices engine.PriceSource, params engine.Params) (*engine.Engine, *engine.Vault, error) {
	cfg := a.Config.Engine
	vaultAddr := common.HexToAddress(cfg.VaultAddress)
	engineAddr := common.HexToAddress(cfg.EngineAddress)
	adminAddr := common.HexToAddress(cfg.AdminAddress)

	reserve := token.NewMemoryLedger(vaultAddr)
	stable := token.NewMemoryLedger(vaultAddr)
	bond := token.NewMemoryLedger(vaultAddr)
	backstop := token.NewMemoryLedger(vaultAddr)

	vault := engine.NewVault(vaultAddr, reserve, backstop, stable)
	ledgers := engine.Ledgers{Reserve: reserve, Stable: stable, Bond: bond, Backstop: backstop}

	eng, err := engine.New(engineAddr, adminAddr, state, vault, ledgers, engine.StaticParams{P: params}, prices, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	if recorder != nil {
		eng.SetRecorder(recorder)
	}
	return eng, vault, nil
}

// Run executes the long-running ledger service: keeper loop plus HTTP
// surface.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	params, err := a.engineParams()
	if err != nil {
		return err
	}

	var obsStore oracle.ObservationStore = oracle.NewMemoryObservationStore()
	var state engine.StateStore = engine.NewMemoryState()
	var recorder engine.EventRecorder
	var sampleStore storage.SampleStore
	var alertStore storage.AlertStore
	if store != nil {
		obsStore = store
		state = store
		recorder = store
		sampleStore = store
		alertStore = store
	}

	twap, validator, err := a.buildOracle(obsStore, engine.StaticParams{P: params})
	if err != nil {
		return err
	}

	prices := &oraclePrices{
		validator: validator,
		reserve:   a.Config.Oracle.Reserve.Symbol,
		unit:      a.Config.Oracle.Unit.Symbol,
		bond:      a.Config.Oracle.Bond.Symbol,
		backstop:  a.Config.Oracle.Backstop.Symbol,
	}

	eng, vault, err := a.buildEngine(state, recorder, prices, params)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := keeper.NewMetrics(registry)

	sched := keeper.NewScheduler(keeper.Options{
		Interval:      a.Config.Scheduler.Interval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	kpr := keeper.New(a.Config, sched, twap, validator, eng, sampleStore, alertStore, a.newNotifier(), metrics, a.Logger)
	api := httpapi.NewServer(eng, twap, vault, sampleStore, registry, a.Logger)

	errCh := make(chan error, 2)
	go func() {
		errCh <- kpr.Run(ctx)
	}()
	go func() {
		errCh <- api.Listen(ctx, a.Config.Server)
	}()

	a.Logger.Info().Msg("starting ledger service")
	err = <-errCh
	cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("ledger service stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// StatusOptions configure the status command.
type StatusOptions struct {
	Limit int
}
