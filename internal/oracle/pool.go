package oracle

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"stable-ledger/internal/fixedpoint"
)

const pairABIJSON = `[{"inputs":[],"name":"price0CumulativeLast","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},{"inputs":[],"name":"getReserves","outputs":[{"internalType":"uint112","name":"_reserve0","type":"uint112"},{"internalType":"uint112","name":"_reserve1","type":"uint112"},{"internalType":"uint32","name":"_blockTimestampLast","type":"uint32"}],"stateMutability":"view","type":"function"}]`

var pairABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(pairABIJSON))
	if err != nil {
		panic("failed to parse pair ABI: " + err.Error())
	}
	pairABI = parsed
}

var (
	oneE18 = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	q112   = new(big.Int).Lsh(big.NewInt(1), 112)
)

// PoolReader exposes the raw liquidity-pool primitives the TWAP oracle
// consumes. The accumulator is a monotonically increasing integral of
// instantaneous price over seconds, scaled to 18 decimals, and is
// extrapolated to the current time on read. It wraps modulo 2^256;
// consumers must subtract with wrapping arithmetic.
type PoolReader interface {
	CumulativePriceAccumulator(ctx context.Context) (*uint256.Int, error)
	Reserves(ctx context.Context) (reserve0, reserve1 *big.Int, err error)
	LastSyncTime(ctx context.Context) (time.Time, error)
}

// PairPoolOptions parameterise the on-chain pair reader.
type PairPoolOptions struct {
	RPCURL  string
	Address string
	Timeout time.Duration
	Limiter *rate.Limiter
	Clock   func() time.Time
}

// PairPool reads a constant-product pair contract over Ethereum RPC.
type PairPool struct {
	opts      PairPoolOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewPairPool builds a pool reader bound to a pair contract.
func NewPairPool(opts PairPoolOptions, logger zerolog.Logger) *PairPool {
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &PairPool{opts: opts, logger: logger.With().Str("component", "pair_pool").Str("pair_contract", opts.Address).Logger()}
}

// CumulativePriceAccumulator reads price0CumulativeLast, extrapolates it
// from the pool's last sync to the current time using the spot reserves,
// and rescales from the contract's UQ112x112 encoding to 18 decimals.
func (p *PairPool) CumulativePriceAccumulator(ctx context.Context) (*uint256.Int, error) {
	accQ112, err := p.callBig(ctx, "price0CumulativeLast")
	if err != nil {
		return nil, err
	}
	r0, r1, lastSync, err := p.reserves(ctx)
	if err != nil {
		return nil, err
	}

	now := p.opts.Clock()
	if elapsed := int64(now.Sub(lastSync) / time.Second); elapsed > 0 && r0.Sign() > 0 {
		spot := new(big.Int).Mul(r1, q112)
		spot.Quo(spot, r0)
		accQ112.Add(accQ112, spot.Mul(spot, big.NewInt(elapsed)))
	}

	scaled := new(big.Int).Mul(accQ112, oneE18)
	scaled.Quo(scaled, q112)
	acc, _ := uint256.FromBig(new(big.Int).Mod(scaled, new(big.Int).Lsh(big.NewInt(1), 256)))
	return acc, nil
}

// Reserves returns the current pool reserves in native token units.
func (p *PairPool) Reserves(ctx context.Context) (*big.Int, *big.Int, error) {
	r0, r1, _, err := p.reserves(ctx)
	return r0, r1, err
}

// LastSyncTime reports the pool's last on-chain sync timestamp.
func (p *PairPool) LastSyncTime(ctx context.Context) (time.Time, error) {
	_, _, lastSync, err := p.reserves(ctx)
	return lastSync, err
}

func (p *PairPool) reserves(ctx context.Context) (*big.Int, *big.Int, time.Time, error) {
	outputs, err := p.call(ctx, "getReserves")
	if err != nil {
		return nil, nil, time.Time{}, err
	}
	if len(outputs) != 3 {
		return nil, nil, time.Time{}, errors.New("unexpected getReserves response")
	}
	r0, ok0 := outputs[0].(*big.Int)
	r1, ok1 := outputs[1].(*big.Int)
	ts, ok2 := outputs[2].(uint32)
	if !ok0 || !ok1 || !ok2 {
		return nil, nil, time.Time{}, errors.New("failed to decode getReserves output")
	}
	return r0, r1, time.Unix(int64(ts), 0).UTC(), nil
}

func (p *PairPool) callBig(ctx context.Context, method string) (*big.Int, error) {
	outputs, err := p.call(ctx, method)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, errors.New("unexpected " + method + " response")
	}
	value, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode " + method + " output")
	}
	return value, nil
}

func (p *PairPool) call(ctx context.Context, method string) ([]interface{}, error) {
	if p.opts.RPCURL == "" {
		return nil, errors.New("pool rpc url not configured")
	}
	if p.opts.Address == "" {
		return nil, errors.New("pair contract address not configured")
	}

	timeout := p.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	if p.opts.Limiter != nil {
		if err := p.opts.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	client, err := p.getClient(ctx)
	if err != nil {
		return nil, err
	}

	addr := common.HexToAddress(p.opts.Address)
	payload, err := pairABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, err
	}
	return pairABI.Unpack(method, res)
}

func (p *PairPool) getClient(ctx context.Context) (*ethclient.Client, error) {
	p.clientMux.Lock()
	defer p.clientMux.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	client, err := ethclient.DialContext(ctx, p.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

// MemoryPool simulates a constant-product pool for tests and DSN-less
// local runs. SetSpot integrates the previous spot price into the
// accumulator before switching to the new one, matching live pool sync
// semantics.
type MemoryPool struct {
	mu       sync.Mutex
	clock    func() time.Time
	spot     fixedpoint.Value
	reserve0 *big.Int
	reserve1 *big.Int
	acc      *uint256.Int
	lastSync time.Time
}

// NewMemoryPool builds a simulated pool with the given starting spot price.
func NewMemoryPool(spot fixedpoint.Value, clock func() time.Time) *MemoryPool {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryPool{
		clock:    clock,
		spot:     spot,
		reserve0: big.NewInt(1),
		reserve1: big.NewInt(1),
		acc:      uint256.NewInt(0),
		lastSync: clock(),
	}
}

// SetSpot moves the live spot price, simulating a trade.
func (m *MemoryPool) SetSpot(spot fixedpoint.Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked()
	m.spot = spot
}

func (m *MemoryPool) syncLocked() {
	now := m.clock()
	elapsed := int64(now.Sub(m.lastSync) / time.Second)
	if elapsed > 0 {
		delta, _ := uint256.FromBig(new(big.Int).Mul(m.spot.BigInt(), big.NewInt(elapsed)))
		m.acc.Add(m.acc, delta)
		m.lastSync = now
	}
}

func (m *MemoryPool) CumulativePriceAccumulator(context.Context) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked()
	return new(uint256.Int).Set(m.acc), nil
}

func (m *MemoryPool) Reserves(context.Context) (*big.Int, *big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.reserve0), new(big.Int).Set(m.reserve1), nil
}

func (m *MemoryPool) LastSyncTime(context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSync, nil
}

var (
	_ PoolReader = (*PairPool)(nil)
	_ PoolReader = (*MemoryPool)(nil)
)
