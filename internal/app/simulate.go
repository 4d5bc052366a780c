package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"stable-ledger/internal/fixedpoint"
	"stable-ledger/internal/keeper"
	"stable-ledger/internal/oracle"
)

// SimulateAlert drives one keeper bucket with the given collateral
// ratio and reserve price, exercising the full alert path end to end.
func (a *App) SimulateAlert(ctx context.Context, ratio, reservePrice decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	prices := &staticPrices{values: map[string]fixedpoint.Value{
		a.Config.Oracle.Reserve.Symbol: fixedpoint.FromDecimal(reservePrice),
		a.Config.Oracle.Unit.Symbol:    fixedpoint.One(),
	}}

	kpr := keeper.New(a.Config, nil, &staticOracle{}, prices, &staticRatio{value: fixedpoint.FromDecimal(ratio)}, nil, nil, notifier, nil, a.Logger)

	bucket := time.Now().UTC().Truncate(a.Config.Scheduler.Interval)
	return kpr.ProcessBucket(ctx, bucket)
}

type staticOracle struct{}

func (s *staticOracle) Pairs() []string { return nil }

func (s *staticOracle) RecordObservationIfDue(context.Context, string) (bool, error) {
	return false, nil
}

func (s *staticOracle) IsReady(context.Context, string) (bool, error) { return true, nil }

type staticPrices struct {
	values map[string]fixedpoint.Value
}

func (s *staticPrices) TrustedPrice(_ context.Context, asset string) (oracle.TrustedPrice, error) {
	value, ok := s.values[asset]
	if !ok {
		return oracle.TrustedPrice{}, oracle.ErrNoPriceSource
	}
	return oracle.TrustedPrice{Asset: asset, Value: value, AsOf: time.Now().UTC()}, nil
}

type staticRatio struct {
	value fixedpoint.Value
}

func (s *staticRatio) CollateralRatio(context.Context) (fixedpoint.Value, error) {
	return s.value, nil
}

var (
	_ keeper.OracleSource = (*staticOracle)(nil)
	_ keeper.PriceSource  = (*staticPrices)(nil)
	_ keeper.RatioSource  = (*staticRatio)(nil)
)
