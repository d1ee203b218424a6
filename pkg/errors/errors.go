package apperrors

import "errors"

// Standardized exchange and engine errors
var (
	ErrNetwork                  = errors.New("network error")
	ErrRateLimitExceeded        = errors.New("rate limit exceeded")
	ErrAuthenticationFailed     = errors.New("authentication failed")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrOrderRejected            = errors.New("order rejected")
	ErrInvalidSymbol            = errors.New("invalid symbol")
	ErrMinNotional              = errors.New("order below minimum notional")
	ErrWithdrawalsDisabled      = errors.New("withdrawals disabled")
	ErrAddressRejected          = errors.New("withdrawal address rejected")
	ErrAssetNotSupported        = errors.New("asset not supported")
	ErrOpportunityStale         = errors.New("opportunity stale")
	ErrTransferFailed           = errors.New("transfer failed")
	ErrTransferTimeout          = errors.New("transfer timeout")
	ErrStrategyInternal         = errors.New("strategy internal error")
	ErrInsufficientClassCapital = errors.New("insufficient class capital")
	ErrPersistenceUnavailable   = errors.New("persistence unavailable")
	ErrInvariantViolation       = errors.New("invariant violation")
)

// Kind is the coarse error classification used for recovery decisions
// and persisted operation logs.
type Kind string

const (
	KindNone            Kind = ""
	KindTransient       Kind = "transient_network"
	KindRateLimited     Kind = "rate_limited"
	KindAuthFailed      Kind = "auth_failed"
	KindInsufficient    Kind = "insufficient_funds"
	KindRejected        Kind = "rejected"
	KindStale           Kind = "opportunity_stale"
	KindTransferFailed  Kind = "transfer_failed"
	KindTransferTimeout Kind = "transfer_timeout"
	KindStrategy        Kind = "strategy_internal"
	KindPersistence     Kind = "persistence_unavailable"
	KindInvariant       Kind = "invariant_violation"
)

// Classify maps an error to its Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNetwork):
		return KindTransient
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimited
	case errors.Is(err, ErrAuthenticationFailed):
		return KindAuthFailed
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficient
	case errors.Is(err, ErrOrderRejected), errors.Is(err, ErrMinNotional),
		errors.Is(err, ErrAddressRejected), errors.Is(err, ErrWithdrawalsDisabled),
		errors.Is(err, ErrInvalidSymbol), errors.Is(err, ErrAssetNotSupported):
		return KindRejected
	case errors.Is(err, ErrOpportunityStale):
		return KindStale
	case errors.Is(err, ErrTransferTimeout):
		return KindTransferTimeout
	case errors.Is(err, ErrTransferFailed):
		return KindTransferFailed
	case errors.Is(err, ErrStrategyInternal):
		return KindStrategy
	case errors.Is(err, ErrPersistenceUnavailable):
		return KindPersistence
	case errors.Is(err, ErrInvariantViolation):
		return KindInvariant
	default:
		return KindTransient
	}
}

// IsRetryable reports whether the caller may retry the operation with backoff.
// Rate limits are paced at the adapter, so they count as retryable here.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}
