package vswitch

import "errors"

var (
	// ErrBusy is a transient condition with a defined retry contract, not a
	// failure: the caller retries when the in-flight work drains.
	ErrBusy = errors.New("resource busy")

	ErrNoResources   = errors.New("out of resources")
	ErrNotFound      = errors.New("not found")
	ErrExists        = errors.New("already exists")
	ErrBadParam      = errors.New("bad parameter")
	ErrInvalidHandle = errors.New("invalid handle")
	ErrStalePortID   = errors.New("stale port ID")
	ErrDisconnected  = errors.New("port is disconnected")
	ErrNotActive     = errors.New("portset not active")
	ErrLimitExceeded = errors.New("limit exceeded")
	ErrLockRequired  = errors.New("operation requires the portset lock")

	// ErrCorrupt marks an internal-consistency violation that the original
	// design treated as fatal; surfaced as an error so callers can decide.
	ErrCorrupt = errors.New("internal state corrupt")
)
