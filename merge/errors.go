package merge

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMessage is returned when a sync message cannot be decoded
	ErrInvalidMessage = errors.New("invalid sync message")

	// ErrInvalidChange is returned when a change references unknown elements
	// or violates operation ordering
	ErrInvalidChange = errors.New("invalid change")
)

// ChangeError describes which change and operation failed to apply
type ChangeError struct {
	Hash   Hash
	OpIdx  int
	Reason string
}

func (e *ChangeError) Error() string {
	if e.OpIdx < 0 {
		return fmt.Sprintf("change %s: %s", e.Hash, e.Reason)
	}
	return fmt.Sprintf("change %s op %d: %s", e.Hash, e.OpIdx, e.Reason)
}

func (e *ChangeError) Unwrap() error {
	return ErrInvalidChange
}
