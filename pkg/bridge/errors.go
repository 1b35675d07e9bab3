package bridge

import "github.com/pkg/errors"

var (
	// Validation errors. Events failing these are dropped and never retried.
	ErrMalformed       = errors.New("malformed chain data")
	ErrDust            = errors.New("output below dust threshold")
	ErrUntrackedScript = errors.New("destination script not tracked")

	// Terminal withdrawal errors. A request failing with one of these is
	// marked Failed and left for an operator.
	ErrInsufficientFunds = errors.New("insufficient custody funds")
	ErrFeeRateCap        = errors.New("fee rate cap exceeded")
	ErrDoubleSpend       = errors.New("double spend detected")

	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAlreadyDispatched is returned when retracting an event the home
	// network already acknowledged.
	ErrAlreadyDispatched = errors.New("event already dispatched")
)

// IsTerminal reports whether err ends a withdrawal request.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrFeeRateCap) ||
		errors.Is(err, ErrDoubleSpend)
}
