// Package coreerr defines the core's sentinel errors, so callers can
// errors.Is against a stable set of failure classes instead of matching
// on message text.
package coreerr

import "errors"

var (
	// ErrBusUnavailable is returned when the Event Bus cannot be reached
	// for an append or a read.
	ErrBusUnavailable = errors.New("event bus unavailable")

	// ErrStoreUnavailable is returned when the Pad Store cannot be
	// reached for a load, save, or delete.
	ErrStoreUnavailable = errors.New("pad store unavailable")

	// ErrNotCached is returned by the Pad Cache when a get misses.
	ErrNotCached = errors.New("pad not cached")

	// ErrNotFound is returned by the Pad Store when a pad does not exist.
	ErrNotFound = errors.New("pad not found")

	// ErrAccessDenied is returned by the Access Guard when a user may not
	// read or edit a pad under its sharing policy.
	ErrAccessDenied = errors.New("access denied")
)
