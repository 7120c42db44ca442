package call

import (
	"errors"
	"fmt"
)

var (
	ErrSignalingUnavailable = errors.New("cannot connect to relay, retry later")
	ErrCallInProgress       = errors.New("another call is in progress")
	ErrNoIncomingCall       = errors.New("no incoming call")
	ErrNoActiveCall         = errors.New("no active call")
	ErrInvalidTarget        = errors.New("invalid call target")
	ErrConnectivity         = errors.New("peer connection failed")
	ErrSignalingLost        = errors.New("lost connection to relay")
	ErrNoAnswer             = errors.New("no answer")
	ErrManagerClosed        = errors.New("call manager closed")
	ErrRelay                = errors.New("relay error")
)

type CallError struct {
	Op      string
	Err     error
	Details string
}

func (e *CallError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *CallError {
	return &CallError{Op: op, Err: err}
}

func WrapError(op string, err error, details string) *CallError {
	return &CallError{Op: op, Err: err, Details: details}
}

// RelayError carries a call-error message from the relay verbatim.
type RelayError struct {
	Message string
}

func (e *RelayError) Error() string {
	if e.Message == "" {
		return ErrRelay.Error()
	}
	return e.Message
}

func (e *RelayError) Is(target error) bool {
	return target == ErrRelay
}
