package keeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stable-ledger/internal/alerting"
	"stable-ledger/internal/config"
	"stable-ledger/internal/fixedpoint"
	"stable-ledger/internal/oracle"
	"stable-ledger/internal/storage"
)

type stubOracle struct {
	pairs   []string
	pokeErr error
	poked   int
}

func (s *stubOracle) Pairs() []string { return s.pairs }

func (s *stubOracle) RecordObservationIfDue(context.Context, string) (bool, error) {
	s.poked++
	if s.pokeErr != nil {
		return false, s.pokeErr
	}
	return true, nil
}

func (s *stubOracle) IsReady(context.Context, string) (bool, error) { return true, nil }

type stubPrices struct {
	prices map[string]string
	err    error
}

func (s *stubPrices) TrustedPrice(_ context.Context, asset string) (oracle.TrustedPrice, error) {
	if s.err != nil {
		return oracle.TrustedPrice{}, s.err
	}
	raw, ok := s.prices[asset]
	if !ok {
		return oracle.TrustedPrice{}, oracle.ErrNoPriceSource
	}
	return oracle.TrustedPrice{Asset: asset, Value: fixedpoint.MustParse(raw), AsOf: time.Now()}, nil
}

type stubRatio struct {
	value string
	err   error
}

func (s *stubRatio) CollateralRatio(context.Context) (fixedpoint.Value, error) {
	if s.err != nil {
		return fixedpoint.Value{}, s.err
	}
	return fixedpoint.MustParse(s.value), nil
}

type memorySamples struct {
	samples  []storage.Sample
	lockHeld bool
	locked   int
}

func (m *memorySamples) UpsertSample(_ context.Context, sample storage.Sample) error {
	m.samples = append(m.samples, sample)
	return nil
}

func (m *memorySamples) ListSamplesBetween(context.Context, time.Time, time.Time) ([]storage.Sample, error) {
	return m.samples, nil
}

func (m *memorySamples) ListRecentSamples(context.Context, int) ([]storage.Sample, error) {
	return m.samples, nil
}

func (m *memorySamples) CountSamples(context.Context) (int64, error) {
	return int64(len(m.samples)), nil
}

func (m *memorySamples) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	m.locked++
	if m.lockHeld {
		return nil, false, nil
	}
	return func() {}, true, nil
}

type memoryAlerts struct {
	records []storage.AlertRecord
}

func (m *memoryAlerts) InsertAlert(_ context.Context, alert storage.AlertRecord) (storage.AlertRecord, error) {
	m.records = append(m.records, alert)
	return alert, nil
}

func (m *memoryAlerts) ListRecentAlerts(context.Context, int) ([]storage.AlertRecord, error) {
	return m.records, nil
}

type captureNotifier struct {
	notes []alerting.Notification
	err   error
}

func (c *captureNotifier) Notify(_ context.Context, note alerting.Notification) error {
	if c.err != nil {
		return c.err
	}
	c.notes = append(c.notes, note)
	return nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Scheduler.Interval = 5 * time.Minute
	cfg.Scheduler.AdvisoryLockKey = 42
	cfg.Scheduler.RetryAttempts = 1
	cfg.Oracle.Reserve.Symbol = "WBTC"
	cfg.Oracle.Unit.Symbol = "USDU"
	cfg.Alerting.Enabled = true
	cfg.Alerting.MinRatio = 1.0
	cfg.Alerting.Cooldown = 30 * time.Minute
	cfg.Alerting.Channels = []string{"telegram"}
	return cfg
}

func newTestKeeper(cfg *config.Config, twap OracleSource, prices PriceSource, ratio RatioSource, samples storage.SampleStore, alerts storage.AlertStore, notifier alerting.Notifier) *Keeper {
	metrics := NewMetrics(prometheus.NewRegistry())
	return New(cfg, nil, twap, prices, ratio, samples, alerts, notifier, metrics, zerolog.Nop())
}

func TestProcessBucketRecordsSample(t *testing.T) {
	twap := &stubOracle{pairs: []string{"WBTC/USDU"}}
	prices := &stubPrices{prices: map[string]string{"WBTC": "50000", "USDU": "1"}}
	store := &memorySamples{}
	alertStore := &memoryAlerts{}
	notifier := &captureNotifier{}

	k := newTestKeeper(testConfig(), twap, prices, &stubRatio{value: "1.25"}, store, alertStore, notifier)

	bucket := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := k.ProcessBucket(context.Background(), bucket); err != nil {
		t.Fatalf("bucket should succeed: %v", err)
	}

	if twap.poked != 1 {
		t.Fatalf("expected one poke, got %d", twap.poked)
	}
	if len(store.samples) != 1 {
		t.Fatalf("expected one sample, got %d", len(store.samples))
	}
	sample := store.samples[0]
	if sample.Status != "complete" {
		t.Fatalf("unexpected status %q", sample.Status)
	}
	if !sample.Ratio.Equal(decimal.RequireFromString("1.25")) {
		t.Fatalf("unexpected ratio %s", sample.Ratio)
	}
	if !sample.ReservePrice.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("unexpected reserve price %s", sample.ReservePrice)
	}
	if len(notifier.notes) != 0 {
		t.Fatalf("healthy ratio should not alert")
	}
}

func TestProcessBucketAlertsOnLowRatio(t *testing.T) {
	twap := &stubOracle{pairs: []string{"WBTC/USDU"}}
	prices := &stubPrices{prices: map[string]string{"WBTC": "30000", "USDU": "1"}}
	store := &memorySamples{}
	alertStore := &memoryAlerts{}
	notifier := &captureNotifier{}

	k := newTestKeeper(testConfig(), twap, prices, &stubRatio{value: "0.95"}, store, alertStore, notifier)

	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := k.ProcessBucket(context.Background(), first); err != nil {
		t.Fatalf("bucket should succeed: %v", err)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("expected one alert, got %d", len(notifier.notes))
	}
	if notifier.notes[0].Kind != alerting.KindRatioLow {
		t.Fatalf("unexpected alert kind %q", notifier.notes[0].Kind)
	}
	if len(alertStore.records) != 1 {
		t.Fatalf("expected persisted alert record")
	}

	// Within cooldown: no second alert.
	second := first.Add(5 * time.Minute)
	if err := k.ProcessBucket(context.Background(), second); err != nil {
		t.Fatalf("bucket should succeed: %v", err)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("cooldown should suppress the second alert, got %d", len(notifier.notes))
	}

	// Past cooldown: alert again.
	third := first.Add(31 * time.Minute)
	if err := k.ProcessBucket(context.Background(), third); err != nil {
		t.Fatalf("bucket should succeed: %v", err)
	}
	if len(notifier.notes) != 2 {
		t.Fatalf("expected alert after cooldown, got %d", len(notifier.notes))
	}
}

func TestProcessBucketRecordsFailureSample(t *testing.T) {
	twap := &stubOracle{pairs: []string{"WBTC/USDU"}}
	prices := &stubPrices{err: errors.New("rpc unavailable")}
	store := &memorySamples{}
	notifier := &captureNotifier{}

	k := newTestKeeper(testConfig(), twap, prices, &stubRatio{value: "1.2"}, store, &memoryAlerts{}, notifier)

	bucket := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := k.ProcessBucket(context.Background(), bucket); err == nil {
		t.Fatal("price failure should surface an error")
	}

	if len(store.samples) != 1 {
		t.Fatalf("expected a failed sample, got %d", len(store.samples))
	}
	sample := store.samples[0]
	if sample.Status != "failed" {
		t.Fatalf("unexpected status %q", sample.Status)
	}
	if sample.Error == nil {
		t.Fatal("failed sample should carry the error message")
	}

	// A non-deviation failure dispatches the sample-failed alert.
	if len(notifier.notes) != 1 {
		t.Fatalf("expected a sample-failed alert, got %d", len(notifier.notes))
	}
	if notifier.notes[0].Kind != alerting.KindSampleFailed {
		t.Fatalf("unexpected alert kind %q", notifier.notes[0].Kind)
	}
}

func TestProcessBucketAlertsOnPriceDeviation(t *testing.T) {
	twap := &stubOracle{pairs: []string{"WBTC/USDU"}}
	prices := &stubPrices{err: oracle.ErrPriceDeviation}
	notifier := &captureNotifier{}

	k := newTestKeeper(testConfig(), twap, prices, &stubRatio{value: "1.2"}, &memorySamples{}, &memoryAlerts{}, notifier)

	bucket := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := k.ProcessBucket(context.Background(), bucket); err == nil {
		t.Fatal("deviation should surface an error")
	}

	if len(notifier.notes) != 1 {
		t.Fatalf("expected deviation alert, got %d", len(notifier.notes))
	}
	if notifier.notes[0].Kind != alerting.KindPriceDeviation {
		t.Fatalf("unexpected alert kind %q", notifier.notes[0].Kind)
	}
}

func TestProcessBucketSkipsWhenLockHeld(t *testing.T) {
	twap := &stubOracle{pairs: []string{"WBTC/USDU"}}
	prices := &stubPrices{prices: map[string]string{"WBTC": "50000", "USDU": "1"}}
	store := &memorySamples{lockHeld: true}

	k := newTestKeeper(testConfig(), twap, prices, &stubRatio{value: "1.25"}, store, &memoryAlerts{}, &captureNotifier{})

	bucket := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := k.ProcessBucket(context.Background(), bucket); err != nil {
		t.Fatalf("held lock should skip, not error: %v", err)
	}
	if store.locked != 1 {
		t.Fatalf("expected one lock attempt, got %d", store.locked)
	}
	if len(store.samples) != 0 {
		t.Fatalf("skipped bucket should not record samples")
	}
	if twap.poked != 0 {
		t.Fatalf("skipped bucket should not poke the oracle")
	}
}
