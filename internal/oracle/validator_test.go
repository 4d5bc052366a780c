package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"stable-ledger/internal/fixedpoint"
)

type staticTolerance uint64

func (s staticTolerance) DeviationToleranceBps(context.Context) (uint64, error) {
	return uint64(s), nil
}

func readyTWAP(t *testing.T, clk *fakeClock, spot fixedpoint.Value) (*TWAP, *MemoryPool) {
	t.Helper()
	pool := NewMemoryPool(spot, clk.Now)
	twap := NewTWAP(map[string]PairConfig{
		"BTC/ZUSD": {Pool: pool, Decimals0: 18, Decimals1: 18},
	}, NewMemoryObservationStore(), DefaultPeriod, zerolog.Nop())
	twap.SetClock(clk.Now)
	_, err := twap.RecordObservationIfDue(context.Background(), "BTC/ZUSD")
	require.NoError(t, err)
	clk.Advance(DefaultPeriod)
	return twap, pool
}

func staticFeeds(clk *fakeClock, values ...string) []PushFeed {
	feeds := make([]PushFeed, 0, len(values))
	for _, v := range values {
		feeds = append(feeds, &StaticFeed{Value: fixedpoint.MustParse(v), Clock: clk.Now})
	}
	return feeds
}

func TestTrustedPriceReturnsPoolPrice(t *testing.T) {
	clk := newFakeClock()
	twap, _ := readyTWAP(t, clk, fixedpoint.FromInt(50_000))

	v := NewValidator(map[string]AssetConfig{
		"BTC": {Feeds: staticFeeds(clk, "50100", "49900", "50050"), Pair: "BTC/ZUSD"},
	}, twap, staticTolerance(500), time.Hour, zerolog.Nop())
	v.SetClock(clk.Now)

	tp, err := v.TrustedPrice(context.Background(), "BTC")
	require.NoError(t, err)
	require.Equal(t, "BTC", tp.Asset)
	// The pool-derived price wins, not the feed median.
	require.Equal(t, 0, tp.Value.Cmp(fixedpoint.FromInt(50_000)), "got %s", tp.Value)
}

func TestTrustedPriceDeviationBreach(t *testing.T) {
	clk := newFakeClock()
	twap, _ := readyTWAP(t, clk, fixedpoint.FromInt(60_000))

	v := NewValidator(map[string]AssetConfig{
		"BTC": {Feeds: staticFeeds(clk, "50000"), Pair: "BTC/ZUSD"},
	}, twap, staticTolerance(500), time.Hour, zerolog.Nop())
	v.SetClock(clk.Now)

	_, err := v.TrustedPrice(context.Background(), "BTC")
	require.ErrorIs(t, err, ErrPriceDeviation)
}

func TestTrustedPriceStaleFeedIsFatal(t *testing.T) {
	clk := newFakeClock()
	twap, _ := readyTWAP(t, clk, fixedpoint.FromInt(50_000))

	old := clk.Now().Add(-2 * time.Hour)
	stale := &StaticFeed{Value: fixedpoint.FromInt(50_000), Clock: func() time.Time { return old }}

	v := NewValidator(map[string]AssetConfig{
		"BTC": {Feeds: []PushFeed{stale}, Pair: "BTC/ZUSD"},
	}, twap, staticTolerance(500), time.Hour, zerolog.Nop())
	v.SetClock(clk.Now)

	_, err := v.TrustedPrice(context.Background(), "BTC")
	require.ErrorIs(t, err, ErrStaleFeed)
}

func TestTrustedPricePropagatesObservationNotReady(t *testing.T) {
	clk := newFakeClock()
	pool := NewMemoryPool(fixedpoint.FromInt(50_000), clk.Now)
	twap := NewTWAP(map[string]PairConfig{
		"BTC/ZUSD": {Pool: pool, Decimals0: 18, Decimals1: 18},
	}, NewMemoryObservationStore(), DefaultPeriod, zerolog.Nop())
	twap.SetClock(clk.Now)

	v := NewValidator(map[string]AssetConfig{
		"BTC": {Feeds: staticFeeds(clk, "50000"), Pair: "BTC/ZUSD"},
	}, twap, staticTolerance(500), time.Hour, zerolog.Nop())
	v.SetClock(clk.Now)

	_, err := v.TrustedPrice(context.Background(), "BTC")
	require.ErrorIs(t, err, ErrObservationNotReady)
}

func TestTrustedPriceFeedOnlyAssetUsesMedian(t *testing.T) {
	clk := newFakeClock()

	v := NewValidator(map[string]AssetConfig{
		"ZUSD-IDX": {Feeds: staticFeeds(clk, "1.02", "0.99", "1.01")},
	}, nil, staticTolerance(500), time.Hour, zerolog.Nop())
	v.SetClock(clk.Now)

	tp, err := v.TrustedPrice(context.Background(), "ZUSD-IDX")
	require.NoError(t, err)
	require.Equal(t, 0, tp.Value.Cmp(fixedpoint.MustParse("1.01")), "got %s", tp.Value)
}

func TestTrustedPriceAppliesUnitScalar(t *testing.T) {
	clk := newFakeClock()

	v := NewValidator(map[string]AssetConfig{
		"ZUSD-IDX": {Feeds: staticFeeds(clk, "1"), Scalar: fixedpoint.MustParse("1.05")},
	}, nil, staticTolerance(500), time.Hour, zerolog.Nop())
	v.SetClock(clk.Now)

	tp, err := v.TrustedPrice(context.Background(), "ZUSD-IDX")
	require.NoError(t, err)
	require.Equal(t, 0, tp.Value.Cmp(fixedpoint.MustParse("1.05")), "got %s", tp.Value)
}

func TestTrustedPriceUnknownAsset(t *testing.T) {
	v := NewValidator(nil, nil, staticTolerance(500), time.Hour, zerolog.Nop())
	_, err := v.TrustedPrice(context.Background(), "DOGE")
	require.ErrorIs(t, err, ErrNoPriceSource)
}

func TestMedianEvenCount(t *testing.T) {
	got := median([]fixedpoint.Value{
		fixedpoint.FromInt(4),
		fixedpoint.FromInt(1),
		fixedpoint.FromInt(3),
		fixedpoint.FromInt(2),
	})
	require.Equal(t, 0, got.Cmp(fixedpoint.MustParse("2.5")), "got %s", got)
}
