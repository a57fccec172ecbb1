package domain

import "errors"

var (
	ErrInvalidSchedule     = errors.New("invalid_schedule")
	ErrServiceNotFound     = errors.New("service_not_found")
	ErrServiceUnavailable  = errors.New("service_unavailable")
	ErrAlreadyLeased       = errors.New("already_leased")
	ErrInsufficientPayment = errors.New("insufficient_payment")
	ErrPayLogNotFound      = errors.New("pay_log_not_found")
	ErrNotAuthorized       = errors.New("not_authorized")
	ErrAlreadyEnded        = errors.New("already_ended")
	ErrAlreadyStopped      = errors.New("already_stopped")
)

var (
	ErrInvalidCaller       = errors.New("invalid_caller")
	ErrInvalidServiceID    = errors.New("invalid_service_id")
	ErrInvalidPrice        = errors.New("invalid_price")
	ErrInvalidUsageMinutes = errors.New("invalid_usage_minutes")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrAmountOverflow      = errors.New("amount_overflow")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
)

// IsValidationError reports errors caused by a malformed request.
func IsValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidCaller),
		errors.Is(err, ErrInvalidServiceID),
		errors.Is(err, ErrInvalidPrice),
		errors.Is(err, ErrInvalidUsageMinutes),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrAmountOverflow),
		errors.Is(err, ErrInvalidPageToken),
		errors.Is(err, ErrInvalidSchedule):
		return true
	default:
		return false
	}
}
