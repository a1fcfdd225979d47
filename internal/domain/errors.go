package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")

	// ErrLockContention is returned by the guard when another cycle holds the
	// lease. Callers skip the cycle silently.
	ErrLockContention = errors.New("lease held by another cycle")
	// ErrDataUnavailable means there is not enough tick history to evaluate.
	ErrDataUnavailable = errors.New("tick data unavailable")
	// ErrFundingWindow means the funding gate refused an open.
	ErrFundingWindow = errors.New("inside funding window")
)

// ConfigurationError reports an invalid strategy or instrument parameter.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// VenueRequestError is a non-success response from a venue API.
type VenueRequestError struct {
	Venue   string
	Op      string
	Code    int
	Message string
}

func (e *VenueRequestError) Error() string {
	return fmt.Sprintf("venue %s: %s: code %d: %s", e.Venue, e.Op, e.Code, e.Message)
}

// FillTimeoutError means an expected fill was not observed before the
// polling deadline. The venue may hold an order we do not track.
type FillTimeoutError struct {
	OrderID string
	Waited  time.Duration
}

func (e *FillTimeoutError) Error() string {
	return fmt.Sprintf("fill timeout: order %s not confirmed after %s", e.OrderID, e.Waited)
}

// IsSilent reports whether err is an expected skip that should not be
// reported beyond a debug log.
func IsSilent(err error) bool {
	return errors.Is(err, ErrLockContention) ||
		errors.Is(err, ErrDataUnavailable) ||
		errors.Is(err, ErrFundingWindow)
}
