package observer

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest marks a malformed peer request. It is never retried.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnimplemented marks a request kind this node does not serve.
	ErrUnimplemented = errors.New("unimplemented")
)

// InvalidSizeOfHighestAcceptedRoundsError rejects a stream request whose
// round vector does not have one entry per authority.
type InvalidSizeOfHighestAcceptedRoundsError struct {
	Expected int
	Got      int
}

func (e *InvalidSizeOfHighestAcceptedRoundsError) Error() string {
	return fmt.Sprintf("invalid size of highest accepted rounds: expected %d, got %d", e.Expected, e.Got)
}

// Is makes the size error match ErrInvalidRequest.
func (e *InvalidSizeOfHighestAcceptedRoundsError) Is(target error) bool {
	return target == ErrInvalidRequest
}
