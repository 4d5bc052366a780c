package oracle

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"stable-ledger/internal/fixedpoint"
)

// DefaultPeriod is the minimum spacing between two observations for them
// to be considered non-manipulable.
const DefaultPeriod = 30 * time.Minute

// Observation captures one accumulator snapshot.
type Observation struct {
	Timestamp   time.Time
	Accumulator *uint256.Int
}

// PairObservations is the two-slot ring retained per trading pair.
// Invariant: Older.Timestamp <= Newer.Timestamp whenever both are set.
type PairObservations struct {
	Older *Observation
	Newer *Observation
}

// ObservationStore persists the per-pair observation ring.
type ObservationStore interface {
	LoadObservations(ctx context.Context, pair string) (PairObservations, error)
	SaveObservations(ctx context.Context, pair string, obs PairObservations) error
}

// PairConfig binds a tracked pair to its pool and the native decimal
// counts of its two assets.
type PairConfig struct {
	Pool      PoolReader
	Decimals0 uint8
	Decimals1 uint8
}

// TWAP computes time-weighted average prices that cannot be moved by a
// single large trade executed immediately before a read: the average is
// always anchored on an accumulator snapshot at least a full period old.
type TWAP struct {
	pairs  map[string]PairConfig
	store  ObservationStore
	period time.Duration
	clock  func() time.Time
	logger zerolog.Logger
}

// NewTWAP constructs the oracle over the supplied pairs and store.
func NewTWAP(pairs map[string]PairConfig, store ObservationStore, period time.Duration, logger zerolog.Logger) *TWAP {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &TWAP{
		pairs:  pairs,
		store:  store,
		period: period,
		clock:  func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("component", "twap_oracle").Logger(),
	}
}

// SetClock overrides the wall clock; used by tests.
func (t *TWAP) SetClock(clock func() time.Time) {
	if clock != nil {
		t.clock = clock
	}
}

// Period returns the configured observation spacing.
func (t *TWAP) Period() time.Duration { return t.period }

// Pairs lists the tracked pair names.
func (t *TWAP) Pairs() []string {
	names := make([]string, 0, len(t.pairs))
	for name := range t.pairs {
		names = append(names, name)
	}
	return names
}

// RecordObservationIfDue snapshots the pair's live accumulator when the
// newest stored observation is at least one period old (or absent).
// Calling it more often is a cheap no-op, so any caller may poke it
// opportunistically. Returns whether a new observation was stored.
func (t *TWAP) RecordObservationIfDue(ctx context.Context, pair string) (bool, error) {
	cfg, ok := t.pairs[pair]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownPair, pair)
	}

	obs, err := t.store.LoadObservations(ctx, pair)
	if err != nil {
		return false, fmt.Errorf("load observations %s: %w", pair, err)
	}

	now := t.clock()
	if obs.Newer != nil && now.Sub(obs.Newer.Timestamp) < t.period {
		return false, nil
	}

	acc, err := cfg.Pool.CumulativePriceAccumulator(ctx)
	if err != nil {
		return false, fmt.Errorf("read accumulator %s: %w", pair, err)
	}

	obs.Older = obs.Newer
	obs.Newer = &Observation{Timestamp: now, Accumulator: acc}
	if err := t.store.SaveObservations(ctx, pair, obs); err != nil {
		return false, fmt.Errorf("save observations %s: %w", pair, err)
	}

	t.logger.Debug().Str("pair", pair).Time("observed_at", now).Msg("observation recorded")
	return true, nil
}

// NeedsUpdate reports whether RecordObservationIfDue would store a new
// observation right now.
func (t *TWAP) NeedsUpdate(ctx context.Context, pair string) (bool, error) {
	if _, ok := t.pairs[pair]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownPair, pair)
	}
	obs, err := t.store.LoadObservations(ctx, pair)
	if err != nil {
		return false, err
	}
	return obs.Newer == nil || t.clock().Sub(obs.Newer.Timestamp) >= t.period, nil
}

// IsReady reports whether ComputeAverage would currently succeed.
func (t *TWAP) IsReady(ctx context.Context, pair string) (bool, error) {
	if _, ok := t.pairs[pair]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownPair, pair)
	}
	obs, err := t.store.LoadObservations(ctx, pair)
	if err != nil {
		return false, err
	}
	return t.reference(obs) != nil, nil
}

func (t *TWAP) reference(obs PairObservations) *Observation {
	now := t.clock()
	if obs.Newer != nil && now.Sub(obs.Newer.Timestamp) >= t.period {
		return obs.Newer
	}
	if obs.Older != nil && now.Sub(obs.Older.Timestamp) >= t.period {
		return obs.Older
	}
	return nil
}

// ComputeAverage returns the raw average price from the reference
// observation to now. The window deliberately ends at the current
// instant rather than at a second stored point: the average stays
// current while the anchored accumulator bounds what a single block of
// trades can move. The accumulator delta uses wrapping subtraction and
// floor division.
func (t *TWAP) ComputeAverage(ctx context.Context, pair string) (fixedpoint.Value, error) {
	cfg, ok := t.pairs[pair]
	if !ok {
		return fixedpoint.Value{}, fmt.Errorf("%w: %s", ErrUnknownPair, pair)
	}

	obs, err := t.store.LoadObservations(ctx, pair)
	if err != nil {
		return fixedpoint.Value{}, fmt.Errorf("load observations %s: %w", pair, err)
	}
	ref := t.reference(obs)
	if ref == nil {
		return fixedpoint.Value{}, fmt.Errorf("%w: pair %s", ErrObservationNotReady, pair)
	}

	current, err := cfg.Pool.CumulativePriceAccumulator(ctx)
	if err != nil {
		return fixedpoint.Value{}, fmt.Errorf("read accumulator %s: %w", pair, err)
	}

	elapsed := int64(t.clock().Sub(ref.Timestamp) / time.Second)
	if elapsed <= 0 {
		return fixedpoint.Value{}, fmt.Errorf("%w: pair %s", ErrObservationNotReady, pair)
	}

	delta := new(uint256.Int).Sub(current, ref.Accumulator)
	avg := new(uint256.Int).Div(delta, uint256.NewInt(uint64(elapsed)))
	return fixedpoint.FromScaled(avg.ToBig()), nil
}

// PriceInUnits rescales the raw average, which is expressed over native
// token units, to a normalised 18-decimal price.
func (t *TWAP) PriceInUnits(ctx context.Context, pair string) (fixedpoint.Value, error) {
	cfg, ok := t.pairs[pair]
	if !ok {
		return fixedpoint.Value{}, fmt.Errorf("%w: %s", ErrUnknownPair, pair)
	}
	avg, err := t.ComputeAverage(ctx, pair)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	if cfg.Decimals0 == cfg.Decimals1 {
		return avg, nil
	}

	raw := avg.BigInt()
	num := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(cfg.Decimals0)), nil)
	den := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(cfg.Decimals1)), nil)
	raw.Mul(raw, num)
	raw.Quo(raw, den)
	return fixedpoint.FromScaled(raw), nil
}

// MemoryObservationStore keeps the observation ring in process memory.
type MemoryObservationStore struct {
	obs map[string]PairObservations
}

// NewMemoryObservationStore builds an empty in-memory store.
func NewMemoryObservationStore() *MemoryObservationStore {
	return &MemoryObservationStore{obs: make(map[string]PairObservations)}
}

func (m *MemoryObservationStore) LoadObservations(_ context.Context, pair string) (PairObservations, error) {
	return m.obs[pair], nil
}

func (m *MemoryObservationStore) SaveObservations(_ context.Context, pair string, obs PairObservations) error {
	m.obs[pair] = obs
	return nil
}

var _ ObservationStore = (*MemoryObservationStore)(nil)
