package session

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelNotFound is returned when no channel is registered for the identifier
	ErrChannelNotFound = errors.New("channel not found")

	// ErrStopped is returned by Register after Stop or before Start
	ErrStopped = errors.New("registry stopped")
)

// LoadError is returned when the initial content of a document channel cannot be loaded
type LoadError struct {
	Type       string
	Identifier string
	Err        error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load initial content for %s/%s: %v", e.Type, e.Identifier, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
