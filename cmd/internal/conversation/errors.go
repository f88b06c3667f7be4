package conversation

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrInvalidInput   = errors.New("invalid_input")
	ErrNotFound       = errors.New("not_found")
	ErrNotParticipant = errors.New("not_participant")
)

// OpError is a typed operation error with a stable Op + Kind contract.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

func notFound(op, msg string) error {
	return OpError{Op: op, Kind: ErrNotFound, Msg: msg}
}

func notParticipant(op string) error {
	return OpError{Op: op, Kind: ErrNotParticipant}
}
