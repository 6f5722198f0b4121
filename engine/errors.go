package engine

import "errors"

// ErrNotRegistered is returned by every facade operation naming a flow id
// that was never registered. This is a programmer error: flows are expected
// to be registered during startup.
var ErrNotRegistered = errors.New("flow not registered")

// ErrIllegalStatus is returned when an operation is not legal for the
// instance's current status, e.g. Retry on an instance that is not in the
// error status.
var ErrIllegalStatus = errors.New("operation not legal for instance status")
