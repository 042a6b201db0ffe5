package bus

import "errors"

// Sentinel kinds for bus errors.
var (
	ErrClosed        = errors.New("bus closed")
	ErrUnknownStream = errors.New("unknown stream")
)
