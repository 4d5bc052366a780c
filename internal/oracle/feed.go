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
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"stable-ledger/internal/fixedpoint"
)

const aggregatorABIJSON = `[{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// PushFeed is an independent, non-pool price source. Implementations
// report a USD-scaled value together with the upstream observation time.
type PushFeed interface {
	LatestPrice(ctx context.Context) (fixedpoint.Value, time.Time, error)
}

// AggregatorFeedOptions parameterise the on-chain aggregator feed.
type AggregatorFeedOptions struct {
	RPCURL   string
	Address  string
	Decimals uint8
	Timeout  time.Duration
	Limiter  *rate.Limiter
}

// AggregatorFeed reads a Chainlink-style aggregator contract over
// Ethereum RPC.
type AggregatorFeed struct {
	opts      AggregatorFeedOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewAggregatorFeed builds a push feed backed by an aggregator contract.
func NewAggregatorFeed(opts AggregatorFeedOptions, logger zerolog.Logger) *AggregatorFeed {
	return &AggregatorFeed{opts: opts, logger: logger.With().Str("component", "push_feed").Str("feed", opts.Address).Logger()}
}

// LatestPrice fetches latestRoundData and normalises the answer to the
// 18-decimal scale.
func (f *AggregatorFeed) LatestPrice(ctx context.Context) (fixedpoint.Value, time.Time, error) {
	if f.opts.RPCURL == "" {
		return fixedpoint.Value{}, time.Time{}, errors.New("feed rpc url not configured")
	}
	if f.opts.Address == "" {
		return fixedpoint.Value{}, time.Time{}, errors.New("feed contract address not configured")
	}

	timeout := f.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	if f.opts.Limiter != nil {
		if err := f.opts.Limiter.Wait(ctx); err != nil {
			return fixedpoint.Value{}, time.Time{}, err
		}
	}

	client, err := f.getClient(ctx)
	if err != nil {
		return fixedpoint.Value{}, time.Time{}, err
	}

	addr := common.HexToAddress(f.opts.Address)
	payload, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return fixedpoint.Value{}, time.Time{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return fixedpoint.Value{}, time.Time{}, err
	}

	outputs, err := aggregatorABI.Unpack("latestRoundData", res)
	if err != nil {
		return fixedpoint.Value{}, time.Time{}, err
	}
	if len(outputs) != 5 {
		return fixedpoint.Value{}, time.Time{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok || answer.Sign() <= 0 {
		return fixedpoint.Value{}, time.Time{}, errors.New("aggregator answer missing or non-positive")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return fixedpoint.Value{}, time.Time{}, errors.New("failed to decode updatedAt")
	}

	value := fixedpoint.FromUnits(answer, f.opts.Decimals)
	asOf := time.Unix(updatedAt.Int64(), 0).UTC()
	return value, asOf, nil
}

func (f *AggregatorFeed) getClient(ctx context.Context) (*ethclient.Client, error) {
	f.clientMux.Lock()
	defer f.clientMux.Unlock()

	if f.client != nil {
		return f.client, nil
	}
	client, err := ethclient.DialContext(ctx, f.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	f.client = client
	return client, nil
}

// StaticFeed returns a fixed value; used for unit-of-account indices that
// are configured rather than quoted, and in tests.
type StaticFeed struct {
	Value fixedpoint.Value
	Clock func() time.Time
}

func (s *StaticFeed) LatestPrice(context.Context) (fixedpoint.Value, time.Time, error) {
	now := time.Now().UTC()
	if s.Clock != nil {
		now = s.Clock()
	}
	return s.Value, now, nil
}

var (
	_ PushFeed = (*AggregatorFeed)(nil)
	_ PushFeed = (*StaticFeed)(nil)
)
