package csrf

import "errors"

var (
	// ErrEmptyName is returned when a token name is empty
	ErrEmptyName = errors.New("csrf: token name cannot be empty")

	// ErrNotFound is returned when the name has no live token
	ErrNotFound = errors.New("csrf: token not found")

	// ErrAlreadyExists is returned by Create when the name already has a live token
	ErrAlreadyExists = errors.New("csrf: token already exists")

	// ErrMismatch is returned when the submitted value differs from the live token
	ErrMismatch = errors.New("csrf: token mismatch")

	// ErrExpired is returned when a token is older than the allowed window
	ErrExpired = errors.New("csrf: token expired")

	// ErrTooEarly is returned when a token is used before its minimum age
	ErrTooEarly = errors.New("csrf: token used too early")

	// ErrRateLimited is returned when the escalated dwell time has not elapsed yet
	ErrRateLimited = errors.New("csrf: token rate limited")

	// ErrMalformedSource is returned for an unknown extraction source
	ErrMalformedSource = errors.New("csrf: unknown token source")

	// ErrMissingToken is returned when the request carries no value for the token
	ErrMissingToken = errors.New("csrf: token missing from request")

	// ErrMethodMismatch is returned when the request method is not the expected one
	ErrMethodMismatch = errors.New("csrf: request method mismatch")

	// ErrOriginMismatch is returned when Origin/Referer names another site
	ErrOriginMismatch = errors.New("csrf: cross-origin request")

	// ErrNoOriginEvidence is returned when neither Origin nor Referer is present
	ErrNoOriginEvidence = errors.New("csrf: no origin/referer")

	// ErrStore wraps failures of the underlying session store
	ErrStore = errors.New("csrf: session store failure")
)

// reason maps an error to a short label for logs and metrics.
func reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrEmptyName):
		return "empty_name"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrMismatch):
		return "mismatch"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrTooEarly):
		return "too_early"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrMalformedSource):
		return "malformed_source"
	case errors.Is(err, ErrMissingToken):
		return "missing_token"
	case errors.Is(err, ErrMethodMismatch):
		return "method_mismatch"
	case errors.Is(err, ErrOriginMismatch):
		return "origin_mismatch"
	case errors.Is(err, ErrNoOriginEvidence):
		return "no_origin"
	case errors.Is(err, ErrStore):
		return "store_error"
	default:
		return "error"
	}
}
