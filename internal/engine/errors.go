package engine

import (
	"errors"

	"polytrigger/clients/polymarket"
	"polytrigger/internal/store"
)

// Error classes surfaced by the engine. Everything except ErrStateCorrupt is
// recoverable: the cycle logs it, records it in status, and retries next tick.
var (
	// ErrInvalidInput rejects a control-surface call before any state changes.
	ErrInvalidInput = errors.New("engine: invalid input")

	// ErrNotFound aliases the store's miss so callers match one error.
	ErrNotFound = store.ErrNotFound

	// ErrMarketUnavailable isolates one token's rules for a cycle.
	ErrMarketUnavailable = polymarket.ErrMarketUnavailable

	// ErrOrderRejected leaves the triggering rule armed.
	ErrOrderRejected = polymarket.ErrOrderRejected

	// ErrStateCorrupt is the only fatal class: the store acknowledged then
	// failed, or persisted state cannot be read back. The scheduler stops.
	ErrStateCorrupt = store.ErrCorrupt
)

// isFatal reports whether an error must stop the scheduler.
func isFatal(err error) bool {
	return errors.Is(err, ErrStateCorrupt)
}
