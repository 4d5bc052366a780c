package token

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"stable-ledger/internal/fixedpoint"
)

var (
	custody = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob     = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func TestTransferInRequiresAllowance(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(custody)
	if err := l.Mint(ctx, alice, fixedpoint.FromInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	err := l.TransferIn(ctx, alice, fixedpoint.FromInt(5))
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected allowance error, got %v", err)
	}

	l.Approve(alice, fixedpoint.FromInt(5))
	if err := l.TransferIn(ctx, alice, fixedpoint.FromInt(5)); err != nil {
		t.Fatalf("transfer in: %v", err)
	}

	bal, _ := l.BalanceOf(ctx, custody)
	if bal.Cmp(fixedpoint.FromInt(5)) != 0 {
		t.Fatalf("custody should hold 5, got %s", bal)
	}
}

func TestTransferInRequiresBalance(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(custody)
	l.Approve(alice, fixedpoint.FromInt(100))
	err := l.TransferIn(ctx, alice, fixedpoint.FromInt(1))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected funds error, got %v", err)
	}
}

func TestConservation(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(custody)
	_ = l.Mint(ctx, alice, fixedpoint.FromInt(7))
	_ = l.Mint(ctx, bob, fixedpoint.FromInt(3))
	_ = l.Burn(ctx, bob, fixedpoint.FromInt(1))
	l.Approve(alice, fixedpoint.FromInt(7))
	_ = l.TransferIn(ctx, alice, fixedpoint.FromInt(2))
	_ = l.TransferOut(ctx, bob, fixedpoint.FromInt(1))

	sum := fixedpoint.Zero()
	for _, acct := range []common.Address{custody, alice, bob} {
		bal, _ := l.BalanceOf(ctx, acct)
		sum = sum.Add(bal)
	}
	if sum.Cmp(l.TotalSupply()) != 0 {
		t.Fatalf("balances must sum to supply: %s vs %s", sum, l.TotalSupply())
	}
}
