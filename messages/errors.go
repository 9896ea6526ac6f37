package messages

import "fmt"

var (
	ErrUnsupportedVersion = fmt.Errorf("unsupported envelope version")
	ErrInvalidSignature   = fmt.Errorf("invalid envelope signature")
	ErrUnexpectedType     = fmt.Errorf("unexpected message type")
)

type ErrAlreadyHasASender string

func (e ErrAlreadyHasASender) Error() string {
	return fmt.Sprintf("already has a sender with id %s", string(e))
}

type ErrUnknownMessageType string

func (e ErrUnknownMessageType) Error() string {
	return fmt.Sprintf("unknown message type %s", string(e))
}

// InvalidFieldError is returned when a decoded message carries a field that
// cannot be interpreted.
type InvalidFieldError struct {
	Field string
	Err   error
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid field %s: %v", e.Field, e.Err)
}

func (e *InvalidFieldError) Unwrap() error {
	return e.Err
}
