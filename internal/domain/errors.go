package domain

import "errors"

var (
	// ErrUnknownTicker is returned when a ticker is absent from the cache.
	ErrUnknownTicker = errors.New("unknown ticker")
	// ErrStaleMarket is returned when a market's status is not open and its
	// quotes must not be used.
	ErrStaleMarket = errors.New("market not open")
	// ErrMalformed is returned when a relationship fails structural validation.
	ErrMalformed = errors.New("malformed relationship")
	// ErrDuplicateRelationship is returned when a relationship with the same
	// canonical key already exists in the catalog.
	ErrDuplicateRelationship = errors.New("duplicate relationship for ticker set")
	// ErrBadTransition is returned for a disallowed opportunity state change.
	ErrBadTransition = errors.New("invalid opportunity transition")

	ErrNotFound    = errors.New("not found")
	ErrRateLimited = errors.New("rate limited")
	// ErrAuthExpired indicates the exchange rejected our credentials; refresh
	// once, then retry the original call.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrRejected indicates the exchange refused the order outright (bad
	// limit, insufficient funds, market closed mid-flight).
	ErrRejected = errors.New("rejected by exchange")
	// ErrUnavailable wraps transient I/O failures that survived retries.
	ErrUnavailable = errors.New("unavailable")
	// ErrOrphanOrder marks an order that could not be cancelled within the
	// bounded retry window; it is tracked and reconciled later.
	ErrOrphanOrder = errors.New("orphan order")
)
