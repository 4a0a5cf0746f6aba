package errorsx

import "errors"

// Error pairs a cause with the ReasonCode a session ends or degrades with. It survives
// fmt.Errorf("%w") chains, and the first reason attached to a chain is the one reported.
type Error struct {
	Reason ReasonCode
	Cause  error
}

func (e Error) Error() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Reason)
}

func (e Error) Unwrap() error { return e.Cause }

// Wrap tags err with reason unless the chain already carries one.
func Wrap(err error, reason ReasonCode) error {
	switch {
	case err == nil:
		return nil
	case Reason(err) != ReasonUnknown:
		return err
	}
	return Error{Reason: reason, Cause: err}
}

func New(reason ReasonCode, msg string) error {
	return Error{Reason: reason, Cause: errors.New(msg)}
}

// Reason reports the reason carried by err, or ReasonUnknown.
func Reason(err error) ReasonCode {
	var e Error
	if err != nil && errors.As(err, &e) {
		return e.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
