package manager

import (
	apperrors "mtbridge/pkg/errors"
)

// Trade transaction return codes. A non-negative return is the assigned
// ticket; negatives are failures.
const (
	RetGeneric           int32 = -1
	RetInvalidParameters int32 = -3
	RetServerError       int32 = -4
	RetInsufficientFunds int32 = -5
	RetTradeNotAllowed   int32 = -6
	RetMarketClosed      int32 = -7
	RetInvalidPrice      int32 = -8
	RetInvalidStops      int32 = -9
	RetTradeDisabled     int32 = -10
	RetPositionLocked    int32 = -11
)

// ErrorFromCode maps a negative transaction return code onto the shared
// error surface. Codes outside the known set wrap into BrokerError and
// stringify as "unknown error code N".
func ErrorFromCode(code int32) error {
	switch code {
	case RetGeneric:
		return apperrors.ErrGeneric
	case RetInvalidParameters:
		return apperrors.ErrInvalidParameters
	case RetServerError:
		return apperrors.ErrServerError
	case RetInsufficientFunds:
		return apperrors.ErrInsufficientFunds
	case RetTradeNotAllowed:
		return apperrors.ErrTradeNotAllowed
	case RetMarketClosed:
		return apperrors.ErrMarketClosed
	case RetInvalidPrice:
		return apperrors.ErrInvalidPrice
	case RetInvalidStops:
		return apperrors.ErrInvalidStops
	case RetTradeDisabled:
		return apperrors.ErrTradeDisabled
	case RetPositionLocked:
		return apperrors.ErrPositionLocked
	default:
		return &apperrors.BrokerError{Code: code}
	}
}
