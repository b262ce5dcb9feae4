package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrResolutionFailed matches any directory lookup failure. A send that
	// fails resolution stages nothing.
	ErrResolutionFailed = errors.New("dispatch: resolution failed")

	// ErrDeliveryFailed matches transport failures. Those never reach the
	// submitter; the message stays staged for the next drain.
	ErrDeliveryFailed = errors.New("dispatch: delivery failed")

	// ErrClosed is returned by operations on a closed Dispatcher.
	ErrClosed = errors.New("dispatch: closed")
)

// ResolutionError wraps a directory lookup failure for one target.
type ResolutionError struct {
	Target string // "user:<id>", "group:<id>" or "own-devices"
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("dispatch: resolve %s: %v", e.Target, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

func (e *ResolutionError) Is(target error) bool { return target == ErrResolutionFailed }
