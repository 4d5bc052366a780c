package oracle

import "errors"

var (
	// ErrObservationNotReady indicates no stored observation is old enough
	// to anchor a time-weighted average.
	ErrObservationNotReady = errors.New("oracle: observation window not yet matured")
	// ErrPriceDeviation indicates the pool price diverged from the
	// reference sources beyond the configured tolerance.
	ErrPriceDeviation = errors.New("oracle: pool price deviates from reference beyond tolerance")
	// ErrStaleFeed indicates a push feed reading is older than the
	// configured freshness window.
	ErrStaleFeed = errors.New("oracle: push feed reading is stale")
	// ErrNoPriceSource indicates no feed or pool is configured for the asset.
	ErrNoPriceSource = errors.New("oracle: no price source configured for asset")
	// ErrUnknownPair indicates a trading pair the oracle does not track.
	ErrUnknownPair = errors.New("oracle: unknown trading pair")
)
