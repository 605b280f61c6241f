// Package apperrors defines the error surface shared by the bridge
// components. Broker transaction failures map onto the sentinels below so
// callers can classify with errors.Is; codes outside the known set wrap
// into BrokerError.
package apperrors

import (
	"errors"
	"fmt"
)

// Broker transaction errors.
var (
	ErrGeneric           = errors.New("generic broker error")
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrServerError       = errors.New("server error")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrTradeNotAllowed   = errors.New("trade not allowed")
	ErrMarketClosed      = errors.New("market closed")
	ErrInvalidPrice      = errors.New("invalid price")
	ErrInvalidStops      = errors.New("invalid stops")
	ErrTradeDisabled     = errors.New("trade disabled")
	ErrPositionLocked    = errors.New("position locked")
)

// Bridge lifecycle errors.
var (
	ErrAlreadyRunning    = errors.New("already running")
	ErrNotRunning        = errors.New("not running")
	ErrNotConnected      = errors.New("not connected")
	ErrStartTimeout      = errors.New("pumping start timed out")
	ErrSymbolUnavailable = errors.New("symbol unavailable")
)

// Streaming authentication errors.
var (
	ErrAuthRequired = errors.New("authentication required")
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
)

// BrokerError wraps a negative manager return code outside the known set.
type BrokerError struct {
	Code int32
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("unknown error code %d", e.Code)
}

// IsTransient reports whether a broker failure is worth retrying. Unknown
// codes count as transient; parameter, permission and funds problems do not
// resolve on their own and surface immediately.
func IsTransient(err error) bool {
	switch {
	case errors.Is(err, ErrGeneric),
		errors.Is(err, ErrServerError),
		errors.Is(err, ErrPositionLocked):
		return true
	}
	var brokerErr *BrokerError
	return errors.As(err, &brokerErr)
}
