package oracle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"stable-ledger/internal/fixedpoint"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTWAP(t *testing.T, spot fixedpoint.Value) (*TWAP, *MemoryPool, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	pool := NewMemoryPool(spot, clk.Now)
	twap := NewTWAP(map[string]PairConfig{
		"BTC/ZUSD": {Pool: pool, Decimals0: 18, Decimals1: 18},
	}, NewMemoryObservationStore(), DefaultPeriod, zerolog.Nop())
	twap.SetClock(clk.Now)
	return twap, pool, clk
}

func TestComputeAverageWithoutObservations(t *testing.T) {
	twap, _, _ := newTestTWAP(t, fixedpoint.FromInt(50_000))
	_, err := twap.ComputeAverage(context.Background(), "BTC/ZUSD")
	require.ErrorIs(t, err, ErrObservationNotReady)
}

func TestRecordObservationIdempotentWithinPeriod(t *testing.T) {
	ctx := context.Background()
	twap, _, clk := newTestTWAP(t, fixedpoint.FromInt(50_000))
	store := twap.store

	updated, err := twap.RecordObservationIfDue(ctx, "BTC/ZUSD")
	require.NoError(t, err)
	require.True(t, updated)

	before, err := store.LoadObservations(ctx, "BTC/ZUSD")
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	updated, err = twap.RecordObservationIfDue(ctx, "BTC/ZUSD")
	require.NoError(t, err)
	require.False(t, updated)

	after, err := store.LoadObservations(ctx, "BTC/ZUSD")
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestRecordObservationShiftsSlots(t *testing.T) {
	ctx := context.Background()
	twap, _, clk := newTestTWAP(t, fixedpoint.FromInt(50_000))

	_, err := twap.RecordObservationIfDue(ctx, "BTC/ZUSD")
	require.NoError(t, err)

	clk.Advance(DefaultPeriod)
	updated, err := twap.RecordObservationIfDue(ctx, "BTC/ZUSD")
	require.NoError(t, err)
	require.True(t, updated)

	obs, err := twap.store.LoadObservations(ctx, "BTC/ZUSD")
	require.NoError(t, err)
	require.NotNil(t, obs.Older)
	require.NotNil(t, obs.Newer)
	require.True(t, !obs.Older.Timestamp.After(obs.Newer.Timestamp))
}

func TestAverageMatchesConstantSpot(t *testing.T) {
	ctx := context.Background()
	spot := fixedpoint.FromInt(50_000)
	twap, _, clk := newTestTWAP(t, spot)

	_, err := twap.RecordObservationIfDue(ctx, "BTC/ZUSD")
	require.NoError(t, err)

	clk.Advance(DefaultPeriod)
	avg, err := twap.ComputeAverage(ctx, "BTC/ZUSD")
	require.NoError(t, err)

	// With a constant spot held for a full period the average must match
	// the spot within 0.1%.
	diff := avg.Sub(spot)
	if diff.IsNegative() {
		diff = fixedpoint.Zero().Sub(diff)
	}
	require.True(t, diff.Cmp(spot.MulBps(10)) <= 0, "avg %s strayed from spot %s", avg, spot)
}

func TestSingleTradeBarelyMovesAverage(t *testing.T) {
	ctx := context.Background()
	spot := fixedpoint.FromInt(50_000)
	twap, pool, clk := newTestTWAP(t, spot)

	_, err := twap.RecordObservationIfDue(ctx, "BTC/ZUSD")
	require.NoError(t, err)

	clk.Advance(DefaultPeriod)

	// Attacker doubles the spot price one second before the read.
	pool.SetSpot(fixedpoint.FromInt(100_000))
	clk.Advance(time.Second)

	avg, err := twap.ComputeAverage(ctx, "BTC/ZUSD")
	require.NoError(t, err)

	shift := avg.Sub(spot)
	causedDeviation := fixedpoint.FromInt(50_000)
	// The attack must move the average by less than 10% of the spot
	// deviation it caused.
	require.True(t, shift.Cmp(causedDeviation.MulBps(1_000)) < 0,
		"average moved by %s against a caused deviation of %s", shift, causedDeviation)
}

func TestAverageAcrossPriceDrop(t *testing.T) {
	ctx := context.Background()
	pre := fixedpoint.FromInt(50_000)
	post := fixedpoint.FromInt(40_000)
	twap, pool, clk := newTestTWAP(t, pre)

	_, err := twap.RecordObservationIfDue(ctx, "BTC/ZUSD")
	require.NoError(t, err)

	// 20 minutes at the pre-drop price, 15 minutes at the post-drop price.
	clk.Advance(20 * time.Minute)
	pool.SetSpot(post)
	clk.Advance(15 * time.Minute)

	avg, err := twap.ComputeAverage(ctx, "BTC/ZUSD")
	require.NoError(t, err)

	require.True(t, avg.Cmp(post) > 0 && avg.Cmp(pre) < 0,
		"average %s must lie strictly between %s and %s", avg, post, pre)

	// Manual time weighting: (50000*1200 + 40000*900) / 2100.
	expected := fixedpoint.MustParse("45714.285714285714285714")
	diff := avg.Sub(expected)
	if diff.IsNegative() {
		diff = fixedpoint.Zero().Sub(diff)
	}
	require.True(t, diff.Cmp(expected.MulBps(500)) <= 0,
		"average %s more than 5%% away from weighted value %s", avg, expected)
}

func TestNeedsUpdateAndReadiness(t *testing.T) {
	ctx := context.Background()
	twap, _, clk := newTestTWAP(t, fixedpoint.FromInt(50_000))

	needs, err := twap.NeedsUpdate(ctx, "BTC/ZUSD")
	require.NoError(t, err)
	require.True(t, needs)

	_, err = twap.RecordObservationIfDue(ctx, "BTC/ZUSD")
	require.NoError(t, err)

	needs, err = twap.NeedsUpdate(ctx, "BTC/ZUSD")
	require.NoError(t, err)
	require.False(t, needs)

	ready, err := twap.IsReady(ctx, "BTC/ZUSD")
	require.NoError(t, err)
	require.False(t, ready)

	clk.Advance(DefaultPeriod)
	ready, err = twap.IsReady(ctx, "BTC/ZUSD")
	require.NoError(t, err)
	require.True(t, ready)
}

func TestOlderSlotAnchorsAfterFreshUpdate(t *testing.T) {
	ctx := context.Background()
	twap, _, clk := newTestTWAP(t, fixedpoint.FromInt(50_000))

	_, err := twap.RecordObservationIfDue(ctx, "BTC/ZUSD")
	require.NoError(t, err)

	clk.Advance(DefaultPeriod)
	_, err = twap.RecordObservationIfDue(ctx, "BTC/ZUSD")
	require.NoError(t, err)

	// The newer slot is brand new, but the older slot independently
	// satisfies the age test and keeps the oracle readable.
	clk.Advance(time.Minute)
	avg, err := twap.ComputeAverage(ctx, "BTC/ZUSD")
	require.NoError(t, err)
	require.False(t, avg.IsZero())
}

func TestUnknownPair(t *testing.T) {
	twap, _, _ := newTestTWAP(t, fixedpoint.FromInt(1))
	_, err := twap.RecordObservationIfDue(context.Background(), "ETH/ZUSD")
	require.ErrorIs(t, err, ErrUnknownPair)
}

func TestPriceInUnitsRescalesDecimals(t *testing.T) {
	ctx := context.Background()
	clk := newFakeClock()
	// Native ratio corresponds to an 8-decimal token0 quoted in an
	// 18-decimal token1: the per-smallest-unit ratio is 1e10 times the
	// whole-token price.
	raw := fixedpoint.FromInt(50_000).Mul(fixedpoint.MustParse("10000000000"))
	pool := NewMemoryPool(raw, clk.Now)
	twap := NewTWAP(map[string]PairConfig{
		"WBTC/ZUSD": {Pool: pool, Decimals0: 8, Decimals1: 18},
	}, NewMemoryObservationStore(), DefaultPeriod, zerolog.Nop())
	twap.SetClock(clk.Now)

	_, err := twap.RecordObservationIfDue(ctx, "WBTC/ZUSD")
	require.NoError(t, err)
	clk.Advance(DefaultPeriod)

	price, err := twap.PriceInUnits(ctx, "WBTC/ZUSD")
	require.NoError(t, err)
	require.Equal(t, 0, price.Cmp(fixedpoint.FromInt(50_000)), "got %s", price)
}
