package reconcile

import "errors"

var (
	// ErrUserNotResolvable is returned when no identity strategy can map
	// an event to an internal user. Retriable: the user/customer link may
	// be established by another process before redelivery.
	ErrUserNotResolvable = errors.New("user not resolvable")

	// ErrSubscriptionNotFound is returned when an event implies a
	// subscription record that does not exist.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrUpstreamLookup is returned when a call to the payment provider
	// fails. Transient: the event is safe to retry.
	ErrUpstreamLookup = errors.New("provider lookup failed")

	// ErrStorageUnavailable is returned when the backing store cannot be
	// reached or is misconfigured.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrEventNotFound is returned when updating an event row that was
	// never recorded.
	ErrEventNotFound = errors.New("event not found")

	// ErrInvalidPayload is returned when an event's object snapshot
	// cannot be decoded into the expected shape.
	ErrInvalidPayload = errors.New("invalid event payload")
)
