package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidSymbol        = errors.New("symbol is not tradable on the exchange")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrPrecisionRejected    = errors.New("order price or quantity precision rejected")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
	ErrDeleteFailed   = errors.New("database delete failed")
)

// IsTransient reports whether an exchange error is worth retrying with
// backoff. Permanent rejections (bad symbol, insufficient funds, precision)
// are reported and abandoned instead.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrExchangeUnavailable)
}

// IsPermanent reports whether an exchange error is a definitive rejection
// that retrying cannot fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidSymbol) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrPrecisionRejected) ||
		errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrInvalidRequest)
}
