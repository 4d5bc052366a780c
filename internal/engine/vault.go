package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"stable-ledger/internal/fixedpoint"
	"stable-ledger/internal/token"
)

// VaultBalances is the unrestricted balance snapshot of the vault.
type VaultBalances struct {
	Reserve    fixedpoint.Value
	Backstop   fixedpoint.Value
	StableHeld fixedpoint.Value
}

// Vault is the sole custodian of reserve-asset and backstop-token
// balances. Every disbursing operation is gated on the bound engine
// address; any other caller fails with ErrUnauthorized.
type Vault struct {
	addr     common.Address
	engine   common.Address
	reserve  token.Ledger
	backstop token.Ledger
	stable   token.Ledger
}

// NewVault constructs a vault custodying balances at addr through the
// supplied ledgers.
func NewVault(addr common.Address, reserve, backstop, stable token.Ledger) *Vault {
	return &Vault{addr: addr, reserve: reserve, backstop: backstop, stable: stable}
}

// Address returns the vault's custody address.
func (v *Vault) Address() common.Address { return v.addr }

// BindEngine authorises the engine address for restricted operations.
// A second bind fails; the engine identity is fixed for the vault's life.
func (v *Vault) BindEngine(engine common.Address) error {
	if v.engine != (common.Address{}) {
		return fmt.Errorf("%w: engine already bound", ErrUnauthorized)
	}
	v.engine = engine
	return nil
}

func (v *Vault) gate(caller common.Address) error {
	if v.engine == (common.Address{}) || caller != v.engine {
		return fmt.Errorf("%w: vault operation from %s", ErrUnauthorized, caller)
	}
	return nil
}

// DepositReserve pulls reserve units from the holder into custody.
func (v *Vault) DepositReserve(ctx context.Context, caller, from common.Address, amount fixedpoint.Value) error {
	if err := v.gate(caller); err != nil {
		return err
	}
	return mapLedgerErr(v.reserve.TransferIn(ctx, from, amount))
}

// WithdrawReserve pays reserve units out of custody.
func (v *Vault) WithdrawReserve(ctx context.Context, caller, to common.Address, amount fixedpoint.Value) error {
	if err := v.gate(caller); err != nil {
		return err
	}
	return mapLedgerErr(v.reserve.TransferOut(ctx, to, amount))
}

// Compensate pays backstop tokens out of the vault's backstop reserve.
// It fails rather than under-pays when the vault balance is short.
func (v *Vault) Compensate(ctx context.Context, caller, recipient common.Address, amount fixedpoint.Value) error {
	if err := v.gate(caller); err != nil {
		return err
	}
	held, err := v.backstop.BalanceOf(ctx, v.addr)
	if err != nil {
		return err
	}
	if held.Cmp(amount) < 0 {
		return fmt.Errorf("%w: backstop reserve %s below compensation %s", ErrInsufficientFunds, held, amount)
	}
	return mapLedgerErr(v.backstop.TransferOut(ctx, recipient, amount))
}

// Balances reports the vault's custody balances. Unrestricted read.
func (v *Vault) Balances(ctx context.Context) (VaultBalances, error) {
	reserve, err := v.reserve.BalanceOf(ctx, v.addr)
	if err != nil {
		return VaultBalances{}, err
	}
	backstop, err := v.backstop.BalanceOf(ctx, v.addr)
	if err != nil {
		return VaultBalances{}, err
	}
	stable, err := v.stable.BalanceOf(ctx, v.addr)
	if err != nil {
		return VaultBalances{}, err
	}
	return VaultBalances{Reserve: reserve, Backstop: backstop, StableHeld: stable}, nil
}

func mapLedgerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, token.ErrInsufficientFunds):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case errors.Is(err, token.ErrInsufficientAllowance):
		return fmt.Errorf("%w: %v", ErrInsufficientAllowance, err)
	default:
		return err
	}
}
