package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Sample is a persisted keeper bucket: the validated prices and the
// collateral ratio observed at that instant.
type Sample struct {
	Bucket       time.Time
	ReservePrice decimal.Decimal
	UnitPrice    decimal.Decimal
	Ratio        decimal.Decimal
	Status       string
	Error        *string
	CreatedAt    time.Time
}

// AlertRecord captures an emitted alert for de-duplication/auditing.
type AlertRecord struct {
	ID        int64
	SampleTS  time.Time
	Kind      string
	Ratio     decimal.Decimal
	Threshold decimal.Decimal
	Channels  []string
	CreatedAt time.Time
}

// EventRecord is the display form of a committed ledger event.
type EventRecord struct {
	ID          int64
	Kind        string
	Caller      string
	StableDelta decimal.Decimal
	ReserveOut  decimal.Decimal
	BondOut     decimal.Decimal
	BackstopOut decimal.Decimal
	Fee         decimal.Decimal
	Ratio       decimal.Decimal
	CreatedAt   time.Time
}
