package engine

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"stable-ledger/internal/fixedpoint"
)

// Position is the single global collateral position: the protocol's
// total custodied reserve units and the stable supply it tracks against
// them. Both fields are 18-decimal fixed-point and never negative. The
// engine is the sole writer.
type Position struct {
	TotalReserveUnits fixedpoint.Value
	TotalStableSupply fixedpoint.Value
}

// StateStore persists the collateral position. Implementations must make
// a LoadPosition/SavePosition sequence under the engine's serialization
// all-or-nothing: a failed save leaves the previous position intact.
type StateStore interface {
	LoadPosition(ctx context.Context) (Position, error)
	SavePosition(ctx context.Context, pos Position) error
}

// EventKind labels a ledger audit record.
type EventKind string

const (
	EventMint       EventKind = "mint"
	EventRedeem     EventKind = "redeem"
	EventRedeemBond EventKind = "redeem_bond"
)

// Event is the audit record emitted after every committed state change.
type Event struct {
	Kind        EventKind
	Caller      common.Address
	StableDelta fixedpoint.Value
	ReserveOut  fixedpoint.Value
	BondOut     fixedpoint.Value
	BackstopOut fixedpoint.Value
	Fee         fixedpoint.Value
	Ratio       fixedpoint.Value
	At          time.Time
}

// EventRecorder receives committed events for auditing. Recording
// failures are logged, not propagated: the state change has already
// committed.
type EventRecorder interface {
	RecordEvent(ctx context.Context, ev Event) error
}

// MemoryState keeps the collateral position in process memory; used in
// tests and DSN-less local runs.
type MemoryState struct {
	mu  sync.Mutex
	pos Position
}

// NewMemoryState builds a zero-valued in-memory position store.
func NewMemoryState() *MemoryState { return &MemoryState{} }

func (m *MemoryState) LoadPosition(context.Context) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos, nil
}

func (m *MemoryState) SavePosition(_ context.Context, pos Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos = pos
	return nil
}

var _ StateStore = (*MemoryState)(nil)
