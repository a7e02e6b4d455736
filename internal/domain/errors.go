package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure kinds that carry no extra payload.
// Callers classify with errors.Is.
var (
	// ErrConfigMissing means required credentials, system config, or a bot
	// field is absent. Fatal for the current operation.
	ErrConfigMissing = errors.New("required configuration missing")

	// ErrLockConflict means another bot holds a non-expired lock on the coin.
	ErrLockConflict = errors.New("asset lock conflict")

	// ErrAssetMissing means internal bookkeeping has no Asset row where one
	// was expected.
	ErrAssetMissing = errors.New("asset missing")

	// ErrInsufficientFunds means the live balance cannot cover the trade.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrTradeTimeout means await-completion exhausted its poll budget. The
	// last observed status is recorded; the trade is not reversed.
	ErrTradeTimeout = errors.New("trade completion timed out")

	// ErrInvariant means an internal contract was violated (e.g. two Assets
	// for one bot). The tick aborts immediately.
	ErrInvariant = errors.New("invariant violated")

	// ErrNotFound is returned by broker lookups that resolve nothing.
	ErrNotFound = errors.New("not found")
)

// PriceUnavailableError means both the primary and the fallback price
// providers failed for a coin. It carries both underlying reasons.
type PriceUnavailableError struct {
	Coin     string
	Primary  error
	Fallback error
}

func (e *PriceUnavailableError) Error() string {
	return fmt.Sprintf("price unavailable for %s: primary: %v; fallback: %v", e.Coin, e.Primary, e.Fallback)
}

// BrokerError is an HTTP 4xx/5xx or transport failure surfaced by the
// exchange client after its retry budget. Code is 0 for transport errors.
type BrokerError struct {
	Code    int
	Message string
}

func (e *BrokerError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("broker error: %s", e.Message)
	}
	return fmt.Sprintf("broker error %d: %s", e.Code, e.Message)
}

// Retryable reports whether the failure is transient (transport or 5xx).
// 4xx responses are never retried.
func (e *BrokerError) Retryable() bool {
	return e.Code == 0 || e.Code >= 500
}
