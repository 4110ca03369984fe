package relay

import (
	"errors"
	"fmt"
)

// ErrEmptyBody is returned when a sync request carries no body
var ErrEmptyBody = errors.New("empty request body")

// MalformedPayloadError is returned when a sync request cannot be decoded or
// the merge engine rejects its message. Detail is diagnostic and must not be
// shown to untrusted callers verbatim.
type MalformedPayloadError struct {
	Detail string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload: %s", e.Detail)
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

func malformed(err error, format string, args ...any) *MalformedPayloadError {
	detail := fmt.Sprintf(format, args...)
	if err != nil {
		detail = detail + ": " + err.Error()
	}
	return &MalformedPayloadError{Detail: detail, Err: err}
}
