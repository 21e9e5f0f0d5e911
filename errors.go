package lavapool

import "errors"

// Error taxonomy. Callers should match with errors.Is; wrapped variants carry
// the offending value or state in their message.
var (
	// ErrInvalidState means the operation is illegal in the player's current
	// state (not connected, or destroyed).
	ErrInvalidState = errors.New("lavapool: invalid player state")
	// ErrInvalidArgument means an argument was rejected before any message
	// was sent (out-of-range volume, nil track, bad band index).
	ErrInvalidArgument = errors.New("lavapool: invalid argument")
	// ErrUnsupported means the current track cannot perform the operation,
	// e.g. seeking a non-seekable stream.
	ErrUnsupported = errors.New("lavapool: unsupported operation")
	// ErrNotFound means resolution completed but yielded no track.
	ErrNotFound = errors.New("lavapool: no track found")
	// ErrNoAvailableNode means the pool has no healthy connected node left to
	// assign or migrate to.
	ErrNoAvailableNode = errors.New("lavapool: no available node")
)
