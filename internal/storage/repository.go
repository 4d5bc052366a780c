package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"stable-ledger/internal/engine"
	"stable-ledger/internal/fixedpoint"
	"stable-ledger/internal/oracle"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	savePositionSQL = `INSERT INTO collateral_position (
        id,
        total_reserve_units,
        total_stable_supply,
        updated_at
    ) VALUES (1, $1, $2, now())
    ON CONFLICT (id) DO UPDATE
    SET total_reserve_units = EXCLUDED.total_reserve_units,
        total_stable_supply = EXCLUDED.total_stable_supply,
        updated_at          = now();`

	loadPositionSQL = `SELECT total_reserve_units, total_stable_supply
    FROM collateral_position WHERE id = 1;`

	saveObservationsSQL = `INSERT INTO pair_observations (
        pair,
        older_ts,
        older_acc,
        newer_ts,
        newer_acc,
        updated_at
    ) VALUES ($1,$2,$3,$4,$5,now())
    ON CONFLICT (pair) DO UPDATE
    SET older_ts   = EXCLUDED.older_ts,
        older_acc  = EXCLUDED.older_acc,
        newer_ts   = EXCLUDED.newer_ts,
        newer_acc  = EXCLUDED.newer_acc,
        updated_at = now();`

	loadObservationsSQL = `SELECT older_ts, older_acc, newer_ts, newer_acc
    FROM pair_observations WHERE pair = $1;`

	insertEventSQL = `INSERT INTO ledger_events (
        kind,
        caller,
        stable_delta,
        reserve_out,
        bond_out,
        backstop_out,
        fee,
        ratio,
        created_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);`

	listRecentEventsSQL = `SELECT
        id,
        kind,
        caller,
        stable_delta,
        reserve_out,
        bond_out,
        backstop_out,
        fee,
        ratio,
        created_at
    FROM ledger_events
    ORDER BY id DESC
    LIMIT $1;`

	upsertSampleSQL = `INSERT INTO oracle_samples (
        bucket_ts,
        reserve_price,
        unit_price,
        ratio,
        status,
        error
    ) VALUES ($1,$2,$3,$4,$5,$6)
    ON CONFLICT (bucket_ts) DO UPDATE
    SET reserve_price = EXCLUDED.reserve_price,
        unit_price    = EXCLUDED.unit_price,
        ratio         = EXCLUDED.ratio,
        status        = EXCLUDED.status,
        error         = EXCLUDED.error;`

	listSamplesBetweenSQL = `SELECT
        bucket_ts, reserve_price, unit_price, ratio, status, error, created_at
    FROM oracle_samples
    WHERE bucket_ts >= $1 AND bucket_ts < $2
    ORDER BY bucket_ts;`

	listRecentSamplesSQL = `SELECT
        bucket_ts, reserve_price, unit_price, ratio, status, error, created_at
    FROM oracle_samples
    ORDER BY bucket_ts DESC
    LIMIT $1;`

	countSamplesSQL = `SELECT COUNT(*) FROM oracle_samples;`

	insertAlertSQL = `INSERT INTO alerts (
        sample_ts,
        kind,
        ratio,
        threshold,
        channels
    ) VALUES ($1,$2,$3,$4,$5)
    ON CONFLICT (sample_ts, kind) DO UPDATE
    SET ratio     = EXCLUDED.ratio,
        threshold = EXCLUDED.threshold,
        channels  = EXCLUDED.channels
    RETURNING id, sample_ts, kind, ratio, threshold, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id, sample_ts, kind, ratio, threshold, channels, created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SampleStore defines operations for keeper sample persistence.
type SampleStore interface {
	UpsertSample(ctx context.Context, sample Sample) error
	ListSamplesBetween(ctx context.Context, from, to time.Time) ([]Sample, error)
	ListRecentSamples(ctx context.Context, limit int) ([]Sample, error)
	CountSamples(ctx context.Context) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
}

// EventStore lists the committed ledger events.
type EventStore interface {
	ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers. The lock is the
// serialization substrate: every mutating request runs under it, so
// requests commit whole and in arrival order.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates ledger-state, observation, sample, and alert access.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

// LoadPosition reads the collateral position; a missing row is the zero
// position from before the first mint.
func (s *Store) LoadPosition(ctx context.Context) (engine.Position, error) {
	pool, err := s.getPool()
	if err != nil {
		return engine.Position{}, err
	}

	var reserveStr, stableStr string
	scanErr := pool.QueryRow(ctx, loadPositionSQL).Scan(&reserveStr, &stableStr)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return engine.Position{}, nil
	}
	if scanErr != nil {
		return engine.Position{}, fmt.Errorf("load position: %w", scanErr)
	}

	reserve, err := parseScaled(reserveStr)
	if err != nil {
		return engine.Position{}, fmt.Errorf("parse total reserve units: %w", err)
	}
	stable, err := parseScaled(stableStr)
	if err != nil {
		return engine.Position{}, fmt.Errorf("parse total stable supply: %w", err)
	}
	return engine.Position{TotalReserveUnits: reserve, TotalStableSupply: stable}, nil
}

// SavePosition upserts the collateral position.
func (s *Store) SavePosition(ctx context.Context, pos engine.Position) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, savePositionSQL,
		pos.TotalReserveUnits.ScaledString(),
		pos.TotalStableSupply.ScaledString(),
	); execErr != nil {
		return fmt.Errorf("save position: %w", execErr)
	}
	return nil
}

// LoadObservations reads the two-slot observation ring for a pair.
func (s *Store) LoadObservations(ctx context.Context, pair string) (oracle.PairObservations, error) {
	pool, err := s.getPool()
	if err != nil {
		return oracle.PairObservations{}, err
	}

	var (
		olderTS  sql.NullTime
		olderAcc sql.NullString
		newerTS  sql.NullTime
		newerAcc sql.NullString
	)
	scanErr := pool.QueryRow(ctx, loadObservationsSQL, pair).Scan(&olderTS, &olderAcc, &newerTS, &newerAcc)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return oracle.PairObservations{}, nil
	}
	if scanErr != nil {
		return oracle.PairObservations{}, fmt.Errorf("load observations: %w", scanErr)
	}

	var obs oracle.PairObservations
	if olderTS.Valid && olderAcc.Valid {
		acc, accErr := parseAccumulator(olderAcc.String)
		if accErr != nil {
			return oracle.PairObservations{}, fmt.Errorf("parse older accumulator: %w", accErr)
		}
		obs.Older = &oracle.Observation{Timestamp: olderTS.Time.UTC(), Accumulator: acc}
	}
	if newerTS.Valid && newerAcc.Valid {
		acc, accErr := parseAccumulator(newerAcc.String)
		if accErr != nil {
			return oracle.PairObservations{}, fmt.Errorf("parse newer accumulator: %w", accErr)
		}
		obs.Newer = &oracle.Observation{Timestamp: newerTS.Time.UTC(), Accumulator: acc}
	}
	return obs, nil
}

// SaveObservations upserts the observation ring for a pair.
func (s *Store) SaveObservations(ctx context.Context, pair string, obs oracle.PairObservations) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var olderTS, newerTS interface{}
	var olderAcc, newerAcc interface{}
	if obs.Older != nil {
		olderTS = obs.Older.Timestamp
		olderAcc = obs.Older.Accumulator.Dec()
	}
	if obs.Newer != nil {
		newerTS = obs.Newer.Timestamp
		newerAcc = obs.Newer.Accumulator.Dec()
	}

	if _, execErr := pool.Exec(ctx, saveObservationsSQL, pair, olderTS, olderAcc, newerTS, newerAcc); execErr != nil {
		return fmt.Errorf("save observations: %w", execErr)
	}
	return nil
}

// RecordEvent persists a committed ledger event.
func (s *Store) RecordEvent(ctx context.Context, ev engine.Event) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertEventSQL,
		string(ev.Kind),
		ev.Caller.Hex(),
		ev.StableDelta.String(),
		ev.ReserveOut.String(),
		ev.BondOut.String(),
		ev.BackstopOut.String(),
		ev.Fee.String(),
		ev.Ratio.String(),
		ev.At,
	); execErr != nil {
		return fmt.Errorf("insert ledger event: %w", execErr)
	}
	return nil
}

// ListRecentEvents lists the most recent ledger events.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]EventRecord, 0, limit)
	for rows.Next() {
		var (
			rec     EventRecord
			stable  string
			reserve string
			bond    string
			back    string
			fee     string
			ratio   string
		)
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Caller, &stable, &reserve, &bond, &back, &fee, &ratio, &rec.CreatedAt); err != nil {
			return nil, err
		}
		var convErr error
		if rec.StableDelta, convErr = decimal.NewFromString(stable); convErr != nil {
			return nil, fmt.Errorf("parse stable delta: %w", convErr)
		}
		if rec.ReserveOut, convErr = decimal.NewFromString(reserve); convErr != nil {
			return nil, fmt.Errorf("parse reserve out: %w", convErr)
		}
		if rec.BondOut, convErr = decimal.NewFromString(bond); convErr != nil {
			return nil, fmt.Errorf("parse bond out: %w", convErr)
		}
		if rec.BackstopOut, convErr = decimal.NewFromString(back); convErr != nil {
			return nil, fmt.Errorf("parse backstop out: %w", convErr)
		}
		if rec.Fee, convErr = decimal.NewFromString(fee); convErr != nil {
			return nil, fmt.Errorf("parse fee: %w", convErr)
		}
		if rec.Ratio, convErr = decimal.NewFromString(ratio); convErr != nil {
			return nil, fmt.Errorf("parse ratio: %w", convErr)
		}
		events = append(events, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// UpsertSample persists or updates a keeper sample.
func (s *Store) UpsertSample(ctx context.Context, sample Sample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if sample.Error != nil {
		errMsg = *sample.Error
	}

	if _, execErr := pool.Exec(ctx, upsertSampleSQL,
		sample.Bucket,
		sample.ReservePrice.String(),
		sample.UnitPrice.String(),
		sample.Ratio.String(),
		sample.Status,
		errMsg,
	); execErr != nil {
		return fmt.Errorf("upsert sample: %w", execErr)
	}
	return nil
}

// ListSamplesBetween lists samples within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, from, to time.Time) ([]Sample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()
	return collectSamples(rows, 0)
}

// ListRecentSamples lists the most recent samples ordered by descending bucket.
func (s *Store) ListRecentSamples(ctx context.Context, limit int) ([]Sample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()
	return collectSamples(rows, limit)
}

// CountSamples counts stored samples.
func (s *Store) CountSamples(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count samples: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.SampleTS,
		alert.Kind,
		alert.Ratio.String(),
		alert.Threshold.String(),
		alert.Channels,
	)

	var rec AlertRecord
	var ratioStr, thresholdStr string
	if scanErr := row.Scan(&rec.ID, &rec.SampleTS, &rec.Kind, &ratioStr, &thresholdStr, &rec.Channels, &rec.CreatedAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}

	var convErr error
	if rec.Ratio, convErr = decimal.NewFromString(ratioStr); convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse ratio: %w", convErr)
	}
	if rec.Threshold, convErr = decimal.NewFromString(thresholdStr); convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse threshold: %w", convErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		var ratioStr, thresholdStr string
		if err := rows.Scan(&rec.ID, &rec.SampleTS, &rec.Kind, &ratioStr, &thresholdStr, &rec.Channels, &rec.CreatedAt); err != nil {
			return nil, err
		}
		var convErr error
		if rec.Ratio, convErr = decimal.NewFromString(ratioStr); convErr != nil {
			return nil, fmt.Errorf("parse ratio: %w", convErr)
		}
		if rec.Threshold, convErr = decimal.NewFromString(thresholdStr); convErr != nil {
			return nil, fmt.Errorf("parse threshold: %w", convErr)
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func collectSamples(rows pgx.Rows, capacity int) ([]Sample, error) {
	samples := make([]Sample, 0, capacity)
	for rows.Next() {
		var (
			sample     Sample
			reserveStr string
			unitStr    string
			ratioStr   string
			errMsg     sql.NullString
		)
		if err := rows.Scan(&sample.Bucket, &reserveStr, &unitStr, &ratioStr, &sample.Status, &errMsg, &sample.CreatedAt); err != nil {
			return nil, err
		}
		var convErr error
		if sample.ReservePrice, convErr = decimal.NewFromString(reserveStr); convErr != nil {
			return nil, fmt.Errorf("parse reserve price: %w", convErr)
		}
		if sample.UnitPrice, convErr = decimal.NewFromString(unitStr); convErr != nil {
			return nil, fmt.Errorf("parse unit price: %w", convErr)
		}
		if sample.Ratio, convErr = decimal.NewFromString(ratioStr); convErr != nil {
			return nil, fmt.Errorf("parse ratio: %w", convErr)
		}
		if errMsg.Valid {
			msg := errMsg.String
			sample.Error = &msg
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func parseScaled(s string) (fixedpoint.Value, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fixedpoint.Value{}, fmt.Errorf("malformed scaled integer %q", s)
	}
	return fixedpoint.FromScaled(n), nil
}

func parseAccumulator(s string) (*uint256.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed accumulator %q", s)
	}
	acc, overflow := uint256.FromBig(n)
	if overflow {
		return nil, fmt.Errorf("accumulator %q exceeds 256 bits", s)
	}
	return acc, nil
}

var (
	_ engine.StateStore       = (*Store)(nil)
	_ engine.EventRecorder    = (*Store)(nil)
	_ oracle.ObservationStore = (*Store)(nil)
	_ SampleStore             = (*Store)(nil)
	_ AlertStore              = (*Store)(nil)
	_ EventStore              = (*Store)(nil)
	_ AdvisoryLocker          = (*Store)(nil)
)
