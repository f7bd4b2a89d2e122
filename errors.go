package transpose

import (
	"errors"
	"fmt"
	"strconv"
)

const Namespace = "transpose"

// Protocol violations. They mean an upstream invariant is broken and there is
// no safe local repair; every one of them also matches ErrProtocolViolation.
var (
	ErrProtocolViolation  = errors.New(Namespace + ": protocol violation")
	ErrBlockMismatch      = errors.New(Namespace + ": fragment does not belong to this block")
	ErrDuplicateSubband   = errors.New(Namespace + ": subband already written")
	ErrSubbandOutOfRange  = errors.New(Namespace + ": subband index out of range")
	ErrShapeMismatch      = errors.New(Namespace + ": fragment shape does not match block shape")
	ErrBlockOrder         = errors.New(Namespace + ": block index not after last emitted block")
	ErrBlockOutOfRange    = errors.New(Namespace + ": block index beyond total block count")
	ErrBlockCountMismatch = errors.New(Namespace + ": emitted block count does not match total")
	ErrStreamEnded        = errors.New(Namespace + ": fragment after end of stream")
)

// Transport failures. They are fatal only to the connection that hit them.
var (
	ErrTransport      = errors.New(Namespace + ": transport failure")
	ErrMalformedFrame = errors.New(Namespace + ": malformed frame")
	ErrUnknownFile    = errors.New(Namespace + ": no route for file index")
)

var (
	ErrInvalidConfig = errors.New(Namespace + ": invalid configuration")
	ErrClosed        = errors.New(Namespace + ": closed")
)

func violation(cause error) error {
	return fmt.Errorf("%w: %w", ErrProtocolViolation, cause)
}

func transport(cause error) error {
	return fmt.Errorf("%w: %w", ErrTransport, cause)
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }
