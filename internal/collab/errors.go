package collab

import "errors"

// Validation failures. They are answered with an error event to the sender
// and never change state.
var (
	ErrMissingField = errors.New("missing required field")
	ErrBadPayload   = errors.New("invalid payload")
	ErrUnknownEvent = errors.New("unknown event")
	ErrMalformed    = errors.New("malformed message")
)

// IsValidation reports whether err was a client-side validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrBadPayload) ||
		errors.Is(err, ErrUnknownEvent) ||
		errors.Is(err, ErrMalformed)
}
