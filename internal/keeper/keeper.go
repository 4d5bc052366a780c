package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stable-ledger/internal/alerting"
	"stable-ledger/internal/config"
	"stable-ledger/internal/fixedpoint"
	"stable-ledger/internal/oracle"
	"stable-ledger/internal/storage"
)

// OracleSource is the slice of the price oracle the keeper drives.
type OracleSource interface {
	Pairs() []string
	RecordObservationIfDue(ctx context.Context, pair string) (bool, error)
	IsReady(ctx context.Context, pair string) (bool, error)
}

// PriceSource resolves validated asset prices.
type PriceSource interface {
	TrustedPrice(ctx context.Context, asset string) (oracle.TrustedPrice, error)
}

// RatioSource reports the ledger's collateral ratio.
type RatioSource interface {
	CollateralRatio(ctx context.Context) (fixedpoint.Value, error)
}

// Keeper orchestrates oracle pokes, ratio sampling, persistence, and
// alerting. One bucket is one pass: every pair gets an observation
// attempt, then the trusted prices and the collateral ratio are
// recorded.
type Keeper struct {
	scheduler *Scheduler
	twap      OracleSource
	prices    PriceSource
	ratio     RatioSource
	samples   storage.SampleStore
	alerts    storage.AlertStore
	notifier  alerting.Notifier
	metrics   *Metrics
	logger    zerolog.Logger

	reserveSymbol string
	unitSymbol    string
	retryAttempts uint

	minRatio  decimal.Decimal
	cooldown  time.Duration
	channels  []string
	alertsOn  bool
	lastAlert map[alerting.Kind]time.Time

	locker  storage.AdvisoryLocker
	lockKey int64
}

// New constructs the keeper.
func New(cfg *config.Config, sched *Scheduler, twap OracleSource, prices PriceSource, ratio RatioSource, samples storage.SampleStore, alerts storage.AlertStore, notifier alerting.Notifier, metrics *Metrics, logger zerolog.Logger) *Keeper {
	minRatio := decimal.Zero
	if cfg.Alerting.Enabled && cfg.Alerting.MinRatio > 0 {
		minRatio = decimal.NewFromFloat(cfg.Alerting.MinRatio)
	}

	var locker storage.AdvisoryLocker
	if l, ok := samples.(storage.AdvisoryLocker); ok {
		locker = l
	}

	attempts := cfg.Scheduler.RetryAttempts
	if attempts == 0 {
		attempts = 1
	}

	return &Keeper{
		scheduler:     sched,
		twap:          twap,
		prices:        prices,
		ratio:         ratio,
		samples:       samples,
		alerts:        alerts,
		notifier:      notifier,
		metrics:       metrics,
		logger:        logger.With().Str("component", "keeper").Logger(),
		reserveSymbol: cfg.Oracle.Reserve.Symbol,
		unitSymbol:    cfg.Oracle.Unit.Symbol,
		retryAttempts: attempts,
		minRatio:      minRatio,
		cooldown:      cfg.Alerting.Cooldown,
		channels:      cfg.Alerting.Channels,
		alertsOn:      cfg.Alerting.Enabled,
		lastAlert:     make(map[alerting.Kind]time.Time),
		locker:        locker,
		lockKey:       cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the aligned sampling loop.
func (k *Keeper) Run(ctx context.Context) error {
	if k.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return k.scheduler.Run(ctx, k.ProcessBucket)
}

// ProcessBucket executes one keeper bucket under the advisory lock.
// When a peer instance holds the lock, the bucket is skipped; the peer
// is producing the same sample.
func (k *Keeper) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := k.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		k.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	if err := k.executeBucket(ctx, bucket); err != nil {
		if k.metrics != nil {
			k.metrics.BucketFailures.Inc()
		}
		k.recordFailedSample(ctx, bucket, err)
		if errors.Is(err, oracle.ErrPriceDeviation) {
			k.alertKind(ctx, bucket, alerting.KindPriceDeviation, err.Error())
		} else {
			k.alertKind(ctx, bucket, alerting.KindSampleFailed, err.Error())
		}
		return err
	}
	return nil
}

func (k *Keeper) executeBucket(ctx context.Context, bucket time.Time) error {
	k.pokePairs(ctx, bucket)

	reserve, err := k.trustedPrice(ctx, k.reserveSymbol)
	if err != nil {
		return fmt.Errorf("resolve %s price: %w", k.reserveSymbol, err)
	}
	unit, err := k.trustedPrice(ctx, k.unitSymbol)
	if err != nil {
		return fmt.Errorf("resolve %s price: %w", k.unitSymbol, err)
	}

	ratio, err := k.ratio.CollateralRatio(ctx)
	if err != nil {
		return fmt.Errorf("compute collateral ratio: %w", err)
	}

	reserveDec := reserve.Value.Decimal()
	ratioDec := ratio.Decimal()

	sample := storage.Sample{
		Bucket:       bucket,
		ReservePrice: reserveDec,
		UnitPrice:    unit.Value.Decimal(),
		Ratio:        ratioDec,
		Status:       "complete",
		CreatedAt:    time.Now().UTC(),
	}
	if k.samples != nil {
		if err := k.samples.UpsertSample(ctx, sample); err != nil {
			k.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to upsert sample")
		}
	}

	if k.metrics != nil {
		k.metrics.CollateralRatio.Set(ratioDec.InexactFloat64())
		k.metrics.ReservePrice.Set(reserveDec.InexactFloat64())
	}

	k.logger.Info().Time("bucket", bucket).
		Str("reserve_price", reserveDec.String()).
		Str("ratio", ratioDec.String()).
		Msg("sample recorded")

	k.maybeAlert(ctx, bucket, ratioDec, reserveDec)
	return nil
}

// pokePairs records one observation per pair where due. Pair failures
// do not abort the bucket; the ratio can still be sampled from the
// remaining sources.
func (k *Keeper) pokePairs(ctx context.Context, bucket time.Time) {
	for _, pair := range k.twap.Pairs() {
		var updated bool
		err := retry.Do(func() error {
			var pokeErr error
			updated, pokeErr = k.twap.RecordObservationIfDue(ctx, pair)
			return pokeErr
		},
			retry.Context(ctx),
			retry.Attempts(k.retryAttempts),
			retry.Delay(500*time.Millisecond),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			if k.metrics != nil {
				k.metrics.PokeFailures.WithLabelValues(pair).Inc()
			}
			k.logger.Error().Err(err).Str("pair", pair).Time("bucket", bucket).Msg("observation poke failed")
			continue
		}
		if updated && k.metrics != nil {
			k.metrics.ObservationUpdates.WithLabelValues(pair).Inc()
		}
		if k.metrics != nil {
			if ready, readyErr := k.twap.IsReady(ctx, pair); readyErr == nil {
				value := 0.0
				if ready {
					value = 1.0
				}
				k.metrics.OracleReady.WithLabelValues(pair).Set(value)
			}
		}
	}
}

func (k *Keeper) trustedPrice(ctx context.Context, asset string) (oracle.TrustedPrice, error) {
	var price oracle.TrustedPrice
	err := retry.Do(func() error {
		var priceErr error
		price, priceErr = k.prices.TrustedPrice(ctx, asset)
		return priceErr
	},
		retry.Context(ctx),
		retry.Attempts(k.retryAttempts),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	return price, err
}

func (k *Keeper) maybeAlert(ctx context.Context, bucket time.Time, ratio, reservePrice decimal.Decimal) {
	if !k.alertsOn || k.notifier == nil || k.minRatio.IsZero() {
		return
	}
	if ratio.GreaterThanOrEqual(k.minRatio) {
		return
	}
	if !k.cooldownElapsed(alerting.KindRatioLow, bucket) {
		k.logger.Debug().Time("bucket", bucket).Msg("ratio alert suppressed by cooldown")
		return
	}

	note := alerting.Notification{
		Bucket:       bucket,
		Kind:         alerting.KindRatioLow,
		Ratio:        ratio,
		MinRatio:     k.minRatio,
		ReservePrice: reservePrice,
		Channels:     k.channels,
	}
	if k.alerts != nil {
		record := storage.AlertRecord{
			SampleTS:  bucket,
			Kind:      string(alerting.KindRatioLow),
			Ratio:     ratio,
			Threshold: k.minRatio,
			Channels:  k.channels,
		}
		if _, err := k.alerts.InsertAlert(ctx, record); err != nil {
			k.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to persist alert record")
		}
	}
	if err := k.notifier.Notify(ctx, note); err != nil {
		k.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to dispatch alert")
		return
	}

	k.lastAlert[alerting.KindRatioLow] = bucket
	if k.metrics != nil {
		k.metrics.AlertsEmitted.WithLabelValues(string(alerting.KindRatioLow)).Inc()
	}
}

// alertKind dispatches a non-ratio alert through the same cooldown ledger.
func (k *Keeper) alertKind(ctx context.Context, bucket time.Time, kind alerting.Kind, detail string) {
	if !k.alertsOn || k.notifier == nil {
		return
	}
	if !k.cooldownElapsed(kind, bucket) {
		k.logger.Debug().Time("bucket", bucket).Str("kind", string(kind)).Msg("alert suppressed by cooldown")
		return
	}

	note := alerting.Notification{
		Bucket:        bucket,
		Kind:          kind,
		Channels:      k.channels,
		AdditionalMsg: detail,
	}
	if k.alerts != nil {
		record := storage.AlertRecord{
			SampleTS: bucket,
			Kind:     string(kind),
			Channels: k.channels,
		}
		if _, err := k.alerts.InsertAlert(ctx, record); err != nil {
			k.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to persist alert record")
		}
	}
	if err := k.notifier.Notify(ctx, note); err != nil {
		k.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to dispatch alert")
		return
	}

	k.lastAlert[kind] = bucket
	if k.metrics != nil {
		k.metrics.AlertsEmitted.WithLabelValues(string(kind)).Inc()
	}
}

func (k *Keeper) cooldownElapsed(kind alerting.Kind, bucket time.Time) bool {
	if k.cooldown <= 0 {
		return true
	}
	last, ok := k.lastAlert[kind]
	if !ok {
		return true
	}
	return bucket.Sub(last) >= k.cooldown
}

func (k *Keeper) recordFailedSample(ctx context.Context, bucket time.Time, cause error) {
	if k.samples == nil {
		return
	}
	msg := cause.Error()
	sample := storage.Sample{
		Bucket:    bucket,
		Status:    "failed",
		Error:     &msg,
		CreatedAt: time.Now().UTC(),
	}
	if err := k.samples.UpsertSample(ctx, sample); err != nil {
		k.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to record failed sample")
	}
}

func (k *Keeper) acquireLock(ctx context.Context) (func(), bool, error) {
	if k.lockKey == 0 || k.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := k.locker.TryAdvisoryLock(ctx, k.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
