package engine

import "errors"

var (
	// ErrZeroAmount indicates a mint or redeem request for zero value.
	ErrZeroAmount = errors.New("engine: amount must be positive")
	// ErrInsufficientFunds indicates the caller's balance (or the vault's
	// backstop reserve) cannot cover the request.
	ErrInsufficientFunds = errors.New("engine: insufficient funds")
	// ErrInsufficientAllowance indicates the caller has not authorised
	// the protocol to pull the requested amount.
	ErrInsufficientAllowance = errors.New("engine: insufficient allowance")
	// ErrUnauthorized indicates the caller lacks the required role.
	ErrUnauthorized = errors.New("engine: caller not authorized")
	// ErrPaused indicates mint/redeem entry points are administratively gated.
	ErrPaused = errors.New("engine: operations paused")
	// ErrReentrantCall indicates a nested invocation of a mutating entry
	// point before the outer call finished.
	ErrReentrantCall = errors.New("engine: reentrant call")
	// ErrRedemptionCapExceeded indicates a bond redemption above the
	// current collateral surplus.
	ErrRedemptionCapExceeded = errors.New("engine: bond redemption exceeds surplus cap")
	// ErrNoPendingTransfer indicates AcceptAdmin without a proposed candidate.
	ErrNoPendingTransfer = errors.New("engine: no pending admin transfer")
	// ErrInvalidPrice indicates the price source returned a non-positive
	// quote; settling against it would silently under-pay.
	ErrInvalidPrice = errors.New("engine: non-positive price")
)
