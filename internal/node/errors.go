package node

import "errors"

// FatalError is an unrecoverable control event: the node's view of the
// bus is no longer trustworthy and the process must stop. It is
// returned out of the task entry points instead of aborting in place so
// the surrounding runtime controls the actual teardown.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return "fatal: " + e.Reason }

// AsFatal reports whether err (or anything it wraps) is a FatalError.
func AsFatal(err error) (*FatalError, bool) {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
