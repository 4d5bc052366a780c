package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"stable-ledger/internal/fixedpoint"
)

var tenThousand = big.NewInt(10_000)

// TrustedPrice is the validated, USD-scaled price for one asset. It is
// recomputed on every request and never persisted.
type TrustedPrice struct {
	Asset string
	Value fixedpoint.Value
	AsOf  time.Time
}

// ToleranceSource supplies the governed cross-source deviation tolerance.
type ToleranceSource interface {
	DeviationToleranceBps(ctx context.Context) (uint64, error)
}

// AssetConfig describes the price sources for one tracked asset. Pair is
// empty for assets quoted only by push feeds (the reference is then the
// feed median itself). Scalar is an optional unit-of-account adjustment
// applied to the returned price; zero means 1.
type AssetConfig struct {
	Feeds  []PushFeed
	Pair   string
	Scalar fixedpoint.Value
}

// Validator produces a single trusted price per asset. A pool-derived
// price is returned only when it agrees with the independent reference
// sources; any missing feed, stale feed, or deviation breach is fatal to
// the calling request. An unvalidated price is worse than no price.
type Validator struct {
	assets     map[string]AssetConfig
	twap       *TWAP
	tolerance  ToleranceSource
	maxFeedAge time.Duration
	clock      func() time.Time
	logger     zerolog.Logger
}

// NewValidator constructs a validator over the configured assets.
func NewValidator(assets map[string]AssetConfig, twap *TWAP, tolerance ToleranceSource, maxFeedAge time.Duration, logger zerolog.Logger) *Validator {
	if maxFeedAge <= 0 {
		maxFeedAge = time.Hour
	}
	return &Validator{
		assets:     assets,
		twap:       twap,
		tolerance:  tolerance,
		maxFeedAge: maxFeedAge,
		clock:      func() time.Time { return time.Now().UTC() },
		logger:     logger.With().Str("component", "price_validator").Logger(),
	}
}

// SetClock overrides the wall clock; used by tests.
func (v *Validator) SetClock(clock func() time.Time) {
	if clock != nil {
		v.clock = clock
	}
}

// TrustedPrice gathers the push-feed readings and, when a pool pair is
// configured, the pool TWAP; rejects the pool price when it deviates
// from the feed reference beyond the governed tolerance.
func (v *Validator) TrustedPrice(ctx context.Context, asset string) (TrustedPrice, error) {
	cfg, ok := v.assets[asset]
	if !ok {
		return TrustedPrice{}, fmt.Errorf("%w: %s", ErrNoPriceSource, asset)
	}

	reference, err := v.referencePrice(ctx, asset, cfg)
	if err != nil {
		return TrustedPrice{}, err
	}

	now := v.clock()
	price := reference
	if cfg.Pair != "" {
		poolPrice, twapErr := v.twap.PriceInUnits(ctx, cfg.Pair)
		if twapErr != nil {
			return TrustedPrice{}, twapErr
		}
		deviation := deviationBps(poolPrice, reference)
		tolerance, tolErr := v.tolerance.DeviationToleranceBps(ctx)
		if tolErr != nil {
			return TrustedPrice{}, fmt.Errorf("read deviation tolerance: %w", tolErr)
		}
		if deviation > tolerance {
			return TrustedPrice{}, fmt.Errorf("%w: asset %s pool %s reference %s (%d bps > %d bps)",
				ErrPriceDeviation, asset, poolPrice, reference, deviation, tolerance)
		}
		// The pool price is the economically live one; the feeds only
		// corroborate it.
		price = poolPrice
	}

	if !cfg.Scalar.IsZero() {
		price = price.Mul(cfg.Scalar)
	}

	return TrustedPrice{Asset: asset, Value: price, AsOf: now}, nil
}

func (v *Validator) referencePrice(ctx context.Context, asset string, cfg AssetConfig) (fixedpoint.Value, error) {
	if len(cfg.Feeds) == 0 {
		return fixedpoint.Value{}, fmt.Errorf("%w: %s has no push feeds", ErrNoPriceSource, asset)
	}

	now := v.clock()
	values := make([]fixedpoint.Value, 0, len(cfg.Feeds))
	for i, feed := range cfg.Feeds {
		value, asOf, err := feed.LatestPrice(ctx)
		if err != nil {
			return fixedpoint.Value{}, fmt.Errorf("asset %s feed %d: %w", asset, i, err)
		}
		if now.Sub(asOf) > v.maxFeedAge {
			return fixedpoint.Value{}, fmt.Errorf("%w: asset %s feed %d as of %s", ErrStaleFeed, asset, i, asOf)
		}
		if value.Sign() <= 0 {
			return fixedpoint.Value{}, fmt.Errorf("asset %s feed %d returned non-positive price", asset, i)
		}
		values = append(values, value)
	}
	return median(values), nil
}

func median(values []fixedpoint.Value) fixedpoint.Value {
	sort.Slice(values, func(i, j int) bool { return values[i].Cmp(values[j]) < 0 })
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return values[mid-1].Add(values[mid]).Div(fixedpoint.FromInt(2))
}

func deviationBps(price, reference fixedpoint.Value) uint64 {
	if reference.IsZero() {
		return ^uint64(0)
	}
	diff := price.Sub(reference)
	if diff.IsNegative() {
		diff = fixedpoint.Zero().Sub(diff)
	}
	bps := diff.BigInt()
	bps.Mul(bps, tenThousand)
	bps.Quo(bps, reference.BigInt())
	if !bps.IsUint64() {
		return ^uint64(0)
	}
	return bps.Uint64()
}
