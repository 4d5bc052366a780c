package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"stable-ledger/internal/fixedpoint"
	"stable-ledger/internal/token"
)

// PriceSource supplies the trusted prices the engine consumes. Every
// method either returns a validated price or fails; the engine never
// proceeds on an unvalidated one.
type PriceSource interface {
	ReservePrice(ctx context.Context) (fixedpoint.Value, error)
	UnitPrice(ctx context.Context) (fixedpoint.Value, error)
	BondPrice(ctx context.Context) (fixedpoint.Value, error)
	BackstopPrice(ctx context.Context) (fixedpoint.Value, error)
}

// Ledgers bundles the external token collaborators, one per asset.
type Ledgers struct {
	Reserve  token.Ledger
	Stable   token.Ledger
	Bond     token.Ledger
	Backstop token.Ledger
}

// RedeemResult is the tiered payout of one redemption.
type RedeemResult struct {
	ReserveOut  fixedpoint.Value
	BondOut     fixedpoint.Value
	BackstopOut fixedpoint.Value
	Fee         fixedpoint.Value
}

// Engine orchestrates minting and the tiered redemption waterfall. It is
// the sole writer of the collateral position. Mutating entry points are
// guarded by an explicit lock flag set on entry and cleared on exit;
// nested or overlapping invocations abort with ErrReentrantCall, and the
// caller-side serialization (advisory lock or request loop) provides the
// queueing.
type Engine struct {
	addr     common.Address
	state    StateStore
	vault    *Vault
	ledgers  Ledgers
	params   ParamStore
	prices   PriceSource
	recorder EventRecorder
	clock    func() time.Time
	logger   zerolog.Logger

	entered      atomic.Bool
	paused       bool
	admin        common.Address
	pendingAdmin *common.Address
}

// New constructs the engine and binds it to the vault as its authorised
// controller.
func New(addr, admin common.Address, state StateStore, vault *Vault, ledgers Ledgers, params ParamStore, prices PriceSource, logger zerolog.Logger) (*Engine, error) {
	if state == nil {
		return nil, fmt.Errorf("engine: state store required")
	}
	if vault == nil {
		return nil, fmt.Errorf("engine: vault required")
	}
	if err := vault.BindEngine(addr); err != nil {
		return nil, err
	}
	return &Engine{
		addr:    addr,
		admin:   admin,
		state:   state,
		vault:   vault,
		ledgers: ledgers,
		params:  params,
		prices:  prices,
		clock:   func() time.Time { return time.Now().UTC() },
		logger:  logger.With().Str("component", "collateral_engine").Logger(),
	}, nil
}

// SetRecorder wires the audit event sink.
func (e *Engine) SetRecorder(r EventRecorder) { e.recorder = r }

// SetClock overrides the wall clock; used by tests.
func (e *Engine) SetClock(clock func() time.Time) {
	if clock != nil {
		e.clock = clock
	}
}

// Address returns the engine's capability address.
func (e *Engine) Address() common.Address { return e.addr }

func (e *Engine) enter() error {
	if !e.entered.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	if e.paused {
		e.entered.Store(false)
		return ErrPaused
	}
	return nil
}

func (e *Engine) exit() { e.entered.Store(false) }

// Mint pulls reserveAmount into the vault and mints the corresponding
// stable amount: the net to the caller, the mint fee to the vault as
// protocol revenue. Returns the net amount minted to the caller.
func (e *Engine) Mint(ctx context.Context, caller common.Address, reserveAmount fixedpoint.Value) (fixedpoint.Value, error) {
	if err := e.enter(); err != nil {
		return fixedpoint.Value{}, err
	}
	defer e.exit()

	if reserveAmount.Sign() <= 0 {
		return fixedpoint.Value{}, ErrZeroAmount
	}

	params, err := e.params.Params(ctx)
	if err != nil {
		return fixedpoint.Value{}, fmt.Errorf("read params: %w", err)
	}
	reservePrice, err := e.prices.ReservePrice(ctx)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	if err := requirePositive("reserve", reservePrice); err != nil {
		return fixedpoint.Value{}, err
	}
	unitPrice, err := e.prices.UnitPrice(ctx)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	if err := requirePositive("unit", unitPrice); err != nil {
		return fixedpoint.Value{}, err
	}

	pos, err := e.state.LoadPosition(ctx)
	if err != nil {
		return fixedpoint.Value{}, fmt.Errorf("load position: %w", err)
	}

	gross := reserveAmount.Mul(reservePrice).Div(unitPrice)
	if gross.IsZero() {
		return fixedpoint.Value{}, ErrZeroAmount
	}
	fee := gross.MulBps(params.MintFeeBps)
	net := gross.Sub(fee)

	newPos := pos
	newPos.TotalReserveUnits = pos.TotalReserveUnits.Add(reserveAmount)
	newPos.TotalStableSupply = pos.TotalStableSupply.Add(gross)

	// The position persists first, then the only fallible effect runs
	// with a compensating restore. A failed request leaves no partial
	// state change.
	if err := e.state.SavePosition(ctx, newPos); err != nil {
		return fixedpoint.Value{}, fmt.Errorf("save position: %w", err)
	}
	if err := e.vault.DepositReserve(ctx, e.addr, caller, reserveAmount); err != nil {
		e.restorePosition(ctx, pos)
		return fixedpoint.Value{}, err
	}
	if err := e.ledgers.Stable.Mint(ctx, caller, net); err != nil {
		return fixedpoint.Value{}, err
	}
	if !fee.IsZero() {
		if err := e.ledgers.Stable.Mint(ctx, e.vault.Address(), fee); err != nil {
			return fixedpoint.Value{}, err
		}
	}

	e.record(ctx, Event{
		Kind:        EventMint,
		Caller:      caller,
		StableDelta: gross,
		Fee:         fee,
		Ratio:       e.ratioOf(newPos, reservePrice, unitPrice),
		At:          e.clock(),
	})
	e.logger.Info().Str("caller", caller.Hex()).
		Str("reserve_in", reserveAmount.String()).
		Str("stable_minted", net.String()).
		Str("fee", fee.String()).
		Msg("mint executed")
	return net, nil
}

// CollateralRatio reports reserve value over tracked stable value as a
// fixed-point ratio where 1.0 means fully backed. An empty protocol is
// reported as fully backed.
func (e *Engine) CollateralRatio(ctx context.Context) (fixedpoint.Value, error) {
	pos, err := e.state.LoadPosition(ctx)
	if err != nil {
		return fixedpoint.Value{}, fmt.Errorf("load position: %w", err)
	}
	if pos.TotalStableSupply.IsZero() {
		return fixedpoint.One(), nil
	}
	reservePrice, err := e.prices.ReservePrice(ctx)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	unitPrice, err := e.prices.UnitPrice(ctx)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	return e.ratioOf(pos, reservePrice, unitPrice), nil
}

func (e *Engine) ratioOf(pos Position, reservePrice, unitPrice fixedpoint.Value) fixedpoint.Value {
	if pos.TotalStableSupply.IsZero() {
		return fixedpoint.One()
	}
	return pos.TotalReserveUnits.Mul(reservePrice).Div(pos.TotalStableSupply.Mul(unitPrice))
}

// Redeem burns stableAmount (net of the redeem fee) from the caller and
// pays out through the waterfall. The collateral ratio is fixed before
// any mutation; the three payout branches are mutually exclusive.
func (e *Engine) Redeem(ctx context.Context, caller common.Address, stableAmount fixedpoint.Value) (RedeemResult, error) {
	if err := e.enter(); err != nil {
		return RedeemResult{}, err
	}
	defer e.exit()

	if stableAmount.Sign() <= 0 {
		return RedeemResult{}, ErrZeroAmount
	}

	params, err := e.params.Params(ctx)
	if err != nil {
		return RedeemResult{}, fmt.Errorf("read params: %w", err)
	}
	reservePrice, err := e.prices.ReservePrice(ctx)
	if err != nil {
		return RedeemResult{}, err
	}
	if err := requirePositive("reserve", reservePrice); err != nil {
		return RedeemResult{}, err
	}
	unitPrice, err := e.prices.UnitPrice(ctx)
	if err != nil {
		return RedeemResult{}, err
	}
	if err := requirePositive("unit", unitPrice); err != nil {
		return RedeemResult{}, err
	}

	pos, err := e.state.LoadPosition(ctx)
	if err != nil {
		return RedeemResult{}, fmt.Errorf("load position: %w", err)
	}
	if pos.TotalStableSupply.Cmp(stableAmount) < 0 {
		return RedeemResult{}, fmt.Errorf("%w: redeem %s exceeds tracked supply %s",
			ErrInsufficientFunds, stableAmount, pos.TotalStableSupply)
	}

	ratio := e.ratioOf(pos, reservePrice, unitPrice)
	fee := stableAmount.MulBps(params.RedeemFeeBps)
	net := stableAmount.Sub(fee)

	result := RedeemResult{Fee: fee}
	switch {
	case ratio.Cmp(fixedpoint.One()) >= 0:
		result.ReserveOut = net.Mul(unitPrice).Div(reservePrice)

	default:
		result.ReserveOut = net.Mul(pos.TotalReserveUnits).Div(pos.TotalStableSupply)
		shortfall := fixedpoint.One().Sub(ratio).Mul(net.Mul(unitPrice))

		bondPrice, bondErr := e.prices.BondPrice(ctx)
		if bondErr != nil {
			return RedeemResult{}, bondErr
		}
		if err := requirePositive("bond", bondPrice); err != nil {
			return RedeemResult{}, err
		}
		if bondPrice.Cmp(params.BondFloorPrice) >= 0 {
			// Second tier: bonds at the live market price.
			result.BondOut = shortfall.Div(bondPrice)
		} else {
			// Third tier: bonds valued at the floor so a depressed bond
			// market is not pushed further down, capped by the governed
			// issuance rate. The residual falls through to the backstop.
			bondCap := net.Mul(params.MaxBondRate)
			covered := bondCap.Mul(params.BondFloorPrice)
			if shortfall.Cmp(covered) <= 0 {
				result.BondOut = shortfall.Div(params.BondFloorPrice)
			} else {
				result.BondOut = bondCap
				backstopPrice, bsErr := e.prices.BackstopPrice(ctx)
				if bsErr != nil {
					return RedeemResult{}, bsErr
				}
				if err := requirePositive("backstop", backstopPrice); err != nil {
					return RedeemResult{}, err
				}
				result.BackstopOut = shortfall.Sub(covered).Div(backstopPrice)
			}
		}
	}

	if err := e.preflightRedeem(ctx, result); err != nil {
		return RedeemResult{}, err
	}

	newPos := pos
	newPos.TotalReserveUnits = pos.TotalReserveUnits.Sub(result.ReserveOut)
	newPos.TotalStableSupply = pos.TotalStableSupply.Sub(stableAmount)
	if newPos.TotalReserveUnits.IsNegative() || newPos.TotalStableSupply.IsNegative() {
		return RedeemResult{}, fmt.Errorf("engine: position underflow on redeem")
	}

	// The position persists first, then the pull (the fallible effect)
	// runs with a compensating restore. The payouts after it are covered
	// by the preflight.
	if err := e.state.SavePosition(ctx, newPos); err != nil {
		return RedeemResult{}, fmt.Errorf("save position: %w", err)
	}
	if err := mapLedgerErr(e.ledgers.Stable.TransferIn(ctx, caller, stableAmount)); err != nil {
		e.restorePosition(ctx, pos)
		return RedeemResult{}, err
	}
	if err := e.ledgers.Stable.Burn(ctx, e.vault.Address(), net); err != nil {
		return RedeemResult{}, err
	}
	if !result.ReserveOut.IsZero() {
		if err := e.vault.WithdrawReserve(ctx, e.addr, caller, result.ReserveOut); err != nil {
			return RedeemResult{}, err
		}
	}
	if !result.BondOut.IsZero() {
		if err := e.ledgers.Bond.Mint(ctx, caller, result.BondOut); err != nil {
			return RedeemResult{}, err
		}
	}
	if !result.BackstopOut.IsZero() {
		if err := e.vault.Compensate(ctx, e.addr, caller, result.BackstopOut); err != nil {
			return RedeemResult{}, err
		}
	}

	e.record(ctx, Event{
		Kind:        EventRedeem,
		Caller:      caller,
		StableDelta: stableAmount,
		ReserveOut:  result.ReserveOut,
		BondOut:     result.BondOut,
		BackstopOut: result.BackstopOut,
		Fee:         fee,
		Ratio:       ratio,
		At:          e.clock(),
	})
	e.logger.Info().Str("caller", caller.Hex()).
		Str("stable_in", stableAmount.String()).
		Str("reserve_out", result.ReserveOut.String()).
		Str("bond_out", result.BondOut.String()).
		Str("backstop_out", result.BackstopOut.String()).
		Str("ratio", ratio.String()).
		Msg("redeem executed")
	return result, nil
}

// requirePositive rejects a non-positive quote before any arithmetic
// consumes it. A zero price fed into fixed-point division collapses the
// payout to zero, so settling against one would silently under-pay.
func requirePositive(name string, price fixedpoint.Value) error {
	if price.Sign() <= 0 {
		return fmt.Errorf("%w: %s price %s", ErrInvalidPrice, name, price)
	}
	return nil
}

// restorePosition rolls the persisted position back after an aborted
// request. The restore itself failing is logged; no ledger effect has
// run at that point so the position is the only stale record.
func (e *Engine) restorePosition(ctx context.Context, pos Position) {
	if err := e.state.SavePosition(ctx, pos); err != nil {
		e.logger.Error().Err(err).Msg("failed to restore position after aborted request")
	}
}

// preflightRedeem verifies the vault can cover every computed payout
// before any effect runs, so a failing request leaves no partial change.
func (e *Engine) preflightRedeem(ctx context.Context, result RedeemResult) error {
	balances, err := e.vault.Balances(ctx)
	if err != nil {
		return err
	}
	if balances.Reserve.Cmp(result.ReserveOut) < 0 {
		return fmt.Errorf("%w: vault reserve %s below payout %s",
			ErrInsufficientFunds, balances.Reserve, result.ReserveOut)
	}
	if balances.Backstop.Cmp(result.BackstopOut) < 0 {
		return fmt.Errorf("%w: vault backstop %s below compensation %s",
			ErrInsufficientFunds, balances.Backstop, result.BackstopOut)
	}
	return nil
}

// RedeemBond converts bond tokens back to stable while the protocol runs
// a collateral surplus. The redeemable amount is capped by the surplus;
// ordering across requests is whatever serialization the caller provides.
func (e *Engine) RedeemBond(ctx context.Context, caller common.Address, bondAmount fixedpoint.Value) (fixedpoint.Value, error) {
	if err := e.enter(); err != nil {
		return fixedpoint.Value{}, err
	}
	defer e.exit()

	if bondAmount.Sign() <= 0 {
		return fixedpoint.Value{}, ErrZeroAmount
	}

	reservePrice, err := e.prices.ReservePrice(ctx)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	unitPrice, err := e.prices.UnitPrice(ctx)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	bondPrice, err := e.prices.BondPrice(ctx)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	if err := requirePositive("reserve", reservePrice); err != nil {
		return fixedpoint.Value{}, err
	}
	if err := requirePositive("unit", unitPrice); err != nil {
		return fixedpoint.Value{}, err
	}
	if err := requirePositive("bond", bondPrice); err != nil {
		return fixedpoint.Value{}, err
	}

	pos, err := e.state.LoadPosition(ctx)
	if err != nil {
		return fixedpoint.Value{}, fmt.Errorf("load position: %w", err)
	}

	ratio := e.ratioOf(pos, reservePrice, unitPrice)
	surplus := ratio.Sub(fixedpoint.One())
	cap := fixedpoint.Zero()
	if surplus.Sign() > 0 {
		cap = surplus.Mul(pos.TotalStableSupply)
	}

	stableOut := bondAmount.Mul(bondPrice).Div(unitPrice)
	if stableOut.IsZero() {
		return fixedpoint.Value{}, ErrZeroAmount
	}
	if stableOut.Cmp(cap) > 0 {
		return fixedpoint.Value{}, fmt.Errorf("%w: requested %s stable against a cap of %s",
			ErrRedemptionCapExceeded, stableOut, cap)
	}

	newPos := pos
	newPos.TotalStableSupply = pos.TotalStableSupply.Add(stableOut)

	// Same ordering as Mint: persist, then the fallible burn with a
	// compensating restore, then the infallible payout.
	if err := e.state.SavePosition(ctx, newPos); err != nil {
		return fixedpoint.Value{}, fmt.Errorf("save position: %w", err)
	}
	if err := mapLedgerErr(e.ledgers.Bond.Burn(ctx, caller, bondAmount)); err != nil {
		e.restorePosition(ctx, pos)
		return fixedpoint.Value{}, err
	}
	if err := e.ledgers.Stable.Mint(ctx, caller, stableOut); err != nil {
		return fixedpoint.Value{}, err
	}

	e.record(ctx, Event{
		Kind:        EventRedeemBond,
		Caller:      caller,
		StableDelta: stableOut,
		BondOut:     bondAmount,
		Ratio:       ratio,
		At:          e.clock(),
	})
	return stableOut, nil
}

// Pause gates mint/redeem entirely. Admin only.
func (e *Engine) Pause(caller common.Address) error {
	if caller != e.admin {
		return fmt.Errorf("%w: pause from %s", ErrUnauthorized, caller)
	}
	e.paused = true
	e.logger.Warn().Msg("engine paused")
	return nil
}

// Unpause re-enables mint/redeem. Admin only.
func (e *Engine) Unpause(caller common.Address) error {
	if caller != e.admin {
		return fmt.Errorf("%w: unpause from %s", ErrUnauthorized, caller)
	}
	e.paused = false
	e.logger.Info().Msg("engine unpaused")
	return nil
}

// Paused reports whether mint/redeem are gated.
func (e *Engine) Paused() bool { return e.paused }

// TransferAdmin proposes a new administrator. The transfer only takes
// effect once the candidate accepts.
func (e *Engine) TransferAdmin(caller, candidate common.Address) error {
	if caller != e.admin {
		return fmt.Errorf("%w: admin transfer from %s", ErrUnauthorized, caller)
	}
	e.pendingAdmin = &candidate
	return nil
}

// AcceptAdmin completes a proposed admin transfer.
func (e *Engine) AcceptAdmin(caller common.Address) error {
	if e.pendingAdmin == nil {
		return ErrNoPendingTransfer
	}
	if caller != *e.pendingAdmin {
		return fmt.Errorf("%w: accept from %s", ErrUnauthorized, caller)
	}
	e.admin = caller
	e.pendingAdmin = nil
	return nil
}

func (e *Engine) record(ctx context.Context, ev Event) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordEvent(ctx, ev); err != nil {
		e.logger.Error().Err(err).Str("kind", string(ev.Kind)).Msg("failed to record ledger event")
	}
}
