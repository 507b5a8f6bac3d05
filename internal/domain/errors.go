package domain

import "errors"

// Validation errors. Always returned before any state is touched.
var (
	ErrDepositBelowMinimum       = errors.New("deposit below minimum")
	ErrZeroAmount                = errors.New("zero amount")
	ErrZeroShares                = errors.New("deposit mints zero shares")
	ErrInsufficientShares        = errors.New("insufficient share balance")
	ErrInvalidStrategyParameters = errors.New("invalid strategy parameters")
	ErrDuplicateStrategy         = errors.New("strategy already active")
	ErrStrategyNotActive         = errors.New("strategy not active")
	ErrUnknownBucket             = errors.New("unknown risk bucket")
	ErrInvalidParameter          = errors.New("invalid vault parameter")
)

// Liquidity errors.
var (
	ErrInsufficientIdleLiquidity = errors.New("insufficient idle liquidity")
	ErrInsufficientLiquidity     = errors.New("insufficient liquidity")
)

// External collaborator failures.
var (
	ErrTransferFailed           = errors.New("asset transfer failed")
	ErrStrategyCallFailed       = errors.New("strategy call failed")
	ErrStrategyWithdrawalFailed = errors.New("strategy withdrawal failed")
	ErrStrategyNotBound         = errors.New("strategy handle not bound")
	ErrStorage                  = errors.New("storage failure")
)

// Invariant violations. Fatal for the operation that hits them.
var (
	ErrInvariantViolation  = errors.New("invariant violation")
	ErrArithmeticUnderflow = errors.New("arithmetic underflow")
)

var (
	ErrReentrantCall     = errors.New("reentrant call")
	ErrRebalanceCooldown = errors.New("rebalance cooldown active")
)

// ErrorKind classifies an error for operators.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindValidation  ErrorKind = "validation"
	KindLiquidity   ErrorKind = "liquidity"
	KindExternal    ErrorKind = "external"
	KindInvariant   ErrorKind = "invariant"
	KindReentrancy  ErrorKind = "reentrancy"
	KindRateLimited ErrorKind = "rate_limited"
	KindUnknown     ErrorKind = "unknown"
)

// KindOf returns the kind of err. When err joins several causes the most
// severe one wins: invariant, reentrancy, liquidity, external, validation.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvariantViolation), errors.Is(err, ErrArithmeticUnderflow):
		return KindInvariant
	case errors.Is(err, ErrReentrantCall):
		return KindReentrancy
	case errors.Is(err, ErrInsufficientLiquidity), errors.Is(err, ErrInsufficientIdleLiquidity):
		return KindLiquidity
	case errors.Is(err, ErrTransferFailed), errors.Is(err, ErrStrategyCallFailed),
		errors.Is(err, ErrStrategyWithdrawalFailed), errors.Is(err, ErrStrategyNotBound),
		errors.Is(err, ErrStorage):
		return KindExternal
	case errors.Is(err, ErrDepositBelowMinimum), errors.Is(err, ErrZeroAmount),
		errors.Is(err, ErrZeroShares), errors.Is(err, ErrInsufficientShares),
		errors.Is(err, ErrInvalidStrategyParameters), errors.Is(err, ErrDuplicateStrategy),
		errors.Is(err, ErrStrategyNotActive), errors.Is(err, ErrUnknownBucket),
		errors.Is(err, ErrInvalidParameter):
		return KindValidation
	case errors.Is(err, ErrRebalanceCooldown):
		return KindRateLimited
	default:
		return KindUnknown
	}
}
