package traffic

import "errors"

var (
	// ErrSourceUnavailable is reported when a capture target cannot be opened
	// or read. Workers recover from it on their own.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrDetectorFailure wraps detector errors. It only affects the cycle in
	// which it occurred.
	ErrDetectorFailure = errors.New("detector failure")

	// ErrSourceClosed is returned for operations on a stopped source.
	ErrSourceClosed = errors.New("source is closed")

	// ErrSourceNotFound is returned for operations on an unknown source id.
	ErrSourceNotFound = errors.New("source not found")

	// ErrSourceExists is returned when adding a source whose id is taken.
	ErrSourceExists = errors.New("source already exists")

	// ErrCrossingDisabled is returned for crossing-counter operations on a
	// source that only runs the windowed discipline.
	ErrCrossingDisabled = errors.New("source has no crossing counter")
)
