package token

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"stable-ledger/internal/fixedpoint"
)

var (
	// ErrInsufficientFunds indicates the source balance cannot cover the amount.
	ErrInsufficientFunds = errors.New("token: insufficient funds")
	// ErrInsufficientAllowance indicates the custody account lacks approval.
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
)

// Ledger is the narrow view of an external fungible-token ledger the
// protocol consumes. Balance bookkeeping is assumed correct upstream;
// this interface only moves value in and out of the custody account the
// implementation was bound to.
type Ledger interface {
	// TransferIn pulls amount from the holder into custody, consuming allowance.
	TransferIn(ctx context.Context, from common.Address, amount fixedpoint.Value) error
	// TransferOut pays amount out of custody to the recipient.
	TransferOut(ctx context.Context, to common.Address, amount fixedpoint.Value) error
	// Mint creates new supply credited to the recipient.
	Mint(ctx context.Context, to common.Address, amount fixedpoint.Value) error
	// Burn destroys supply held by the account.
	Burn(ctx context.Context, from common.Address, amount fixedpoint.Value) error
	// BalanceOf reports the account balance.
	BalanceOf(ctx context.Context, account common.Address) (fixedpoint.Value, error)
}

// MemoryLedger is an in-process Ledger used for tests and DSN-less local
// runs. It enforces ERC-20 style allowance and conservation semantics:
// the sum of balances always equals the tracked total supply.
type MemoryLedger struct {
	mu         sync.Mutex
	custody    common.Address
	balances   map[common.Address]fixedpoint.Value
	allowances map[common.Address]fixedpoint.Value
	supply     fixedpoint.Value
}

// NewMemoryLedger builds a ledger whose TransferIn/TransferOut operate
// against the supplied custody account.
func NewMemoryLedger(custody common.Address) *MemoryLedger {
	return &MemoryLedger{
		custody:    custody,
		balances:   make(map[common.Address]fixedpoint.Value),
		allowances: make(map[common.Address]fixedpoint.Value),
	}
}

// Approve grants the custody account permission to pull from holder.
func (l *MemoryLedger) Approve(holder common.Address, amount fixedpoint.Value) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[holder] = amount
}

// TotalSupply reports the tracked supply.
func (l *MemoryLedger) TotalSupply() fixedpoint.Value {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.supply
}

func (l *MemoryLedger) TransferIn(_ context.Context, from common.Address, amount fixedpoint.Value) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from].Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	if l.allowances[from].Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	l.allowances[from] = l.allowances[from].Sub(amount)
	l.balances[from] = l.balances[from].Sub(amount)
	l.balances[l.custody] = l.balances[l.custody].Add(amount)
	return nil
}

func (l *MemoryLedger) TransferOut(_ context.Context, to common.Address, amount fixedpoint.Value) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[l.custody].Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	l.balances[l.custody] = l.balances[l.custody].Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

func (l *MemoryLedger) Mint(_ context.Context, to common.Address, amount fixedpoint.Value) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[to] = l.balances[to].Add(amount)
	l.supply = l.supply.Add(amount)
	return nil
}

func (l *MemoryLedger) Burn(_ context.Context, from common.Address, amount fixedpoint.Value) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[from].Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	l.balances[from] = l.balances[from].Sub(amount)
	l.supply = l.supply.Sub(amount)
	return nil
}

func (l *MemoryLedger) BalanceOf(_ context.Context, account common.Address) (fixedpoint.Value, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account], nil
}

var _ Ledger = (*MemoryLedger)(nil)
