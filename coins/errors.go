package coins

import (
	"errors"
	"fmt"
)

var (
	ErrWaitTimeout           = errors.New("wait deadline reached")
	ErrSecretNotFound        = errors.New("secret not found in spend transaction")
	ErrCoinNotFound          = errors.New("coin not found")
	ErrCoinAlreadyRegistered = errors.New("coin already registered")
	ErrInsufficientFunds     = errors.New("insufficient funds")
)

// TransportError marks a failure that says nothing about the swap itself:
// an RPC timeout, a dropped connection, a node error response. Retrying is
// sound.
type TransportError struct {
	Op  string
	Err error
}

func NewTransportError(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

type ValidationKind int

const (
	WrongReceiver ValidationKind = iota + 1
	WrongValue
	WrongTimeLock
	WrongSecretHash
	WrongSenderAddress
	WrongPaymentScript
	UnexpectedPaymentState
	SPVError
	InvalidTx
	// InvalidSwapData is returned for swap parameters no HTLC can be built
	// from.
	InvalidSwapData
	// TxRejected is returned when the chain refuses a transaction we built.
	TxRejected
)

func (k ValidationKind) String() string {
	switch k {
	case WrongReceiver:
		return "WrongReceiver"
	case WrongValue:
		return "WrongValue"
	case WrongTimeLock:
		return "WrongTimeLock"
	case WrongSecretHash:
		return "WrongSecretHash"
	case WrongSenderAddress:
		return "WrongSenderAddress"
	case WrongPaymentScript:
		return "WrongPaymentScript"
	case UnexpectedPaymentState:
		return "UnexpectedPaymentState"
	case SPVError:
		return "SPVError"
	case InvalidTx:
		return "InvalidTx"
	case InvalidSwapData:
		return "InvalidSwapData"
	case TxRejected:
		return "TxRejected"
	}
	return fmt.Sprintf("ValidationKind(%d)", int(k))
}

// ValidationError is terminal for the swap it occurred in.
type ValidationError struct {
	Kind ValidationKind
	Msg  string
	Err  error
}

func ValidationErrorf(kind ValidationKind, format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	return &ValidationError{Kind: kind, Msg: err.Error(), Err: errors.Unwrap(err)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ValidationKindOf returns the kind of a validation error anywhere in err's
// chain.
func ValidationKindOf(err error) (ValidationKind, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Kind, true
	}
	return 0, false
}
