package engine

import (
	"context"
	"fmt"

	"stable-ledger/internal/fixedpoint"
)

const maxBps = 10_000

// Params are the governed protocol parameters. They are owned by an
// external governance workflow and read-only from the engine's
// perspective.
type Params struct {
	MintFeeBps            uint64
	RedeemFeeBps          uint64
	BondFloorPrice        fixedpoint.Value
	MaxBondRate           fixedpoint.Value
	DeviationToleranceBps uint64
}

// Validate bounds-checks the parameter ranges.
func (p Params) Validate() error {
	if p.MintFeeBps > maxBps {
		return fmt.Errorf("params: mint fee %d bps out of range", p.MintFeeBps)
	}
	if p.RedeemFeeBps > maxBps {
		return fmt.Errorf("params: redeem fee %d bps out of range", p.RedeemFeeBps)
	}
	if p.DeviationToleranceBps > maxBps {
		return fmt.Errorf("params: deviation tolerance %d bps out of range", p.DeviationToleranceBps)
	}
	if p.BondFloorPrice.Sign() < 0 {
		return fmt.Errorf("params: bond floor price cannot be negative")
	}
	if p.MaxBondRate.Sign() < 0 {
		return fmt.Errorf("params: max bond rate cannot be negative")
	}
	return nil
}

// ParamStore is the read-only view of the governance parameter store.
type ParamStore interface {
	Params(ctx context.Context) (Params, error)
}

// StaticParams serves a fixed parameter set, used when governance writes
// arrive through configuration reloads rather than an on-ledger workflow.
type StaticParams struct {
	P Params
}

func (s StaticParams) Params(context.Context) (Params, error) { return s.P, nil }

// DeviationToleranceBps satisfies the oracle's tolerance source against
// the same governed parameter set.
func (s StaticParams) DeviationToleranceBps(ctx context.Context) (uint64, error) {
	p, err := s.Params(ctx)
	if err != nil {
		return 0, err
	}
	return p.DeviationToleranceBps, nil
}

var _ ParamStore = StaticParams{}
