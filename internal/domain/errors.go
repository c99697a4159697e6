package domain

import "errors"

var (
	// ErrSubscriptionFailed is returned when subscription to events fails
	ErrSubscriptionFailed = errors.New("subscription failed")

	// ErrVersionConflict is returned by the store when a conditional write
	// loses against a concurrent writer. Recoverable by re-reading and
	// recomputing the transition.
	ErrVersionConflict = errors.New("version conflict")

	// ErrRetriesExhausted is returned when a transition kept conflicting
	// past the retry bound. The event should be redelivered, not discarded.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrMalformedEvent is returned for events missing required fields
	ErrMalformedEvent = errors.New("malformed event")

	// ErrAssetNotFound is returned when an asset is not found
	ErrAssetNotFound = errors.New("asset not found")

	// ErrListingNotFound is returned when a listing is not found
	ErrListingNotFound = errors.New("listing not found")
)
