// Package serviceerr tags service failures with stable operation.reason codes
// that callers can branch on without parsing messages.
package serviceerr

import (
	"errors"
	"fmt"
)

// Error carries a code such as "leaderboard.submit.invalid_time" and the cause.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Code() string {
	return e.code
}

// New builds the error for reason within operation.
func New(operation, reason string, cause error) error {
	return &Error{code: operation + "." + reason, err: cause}
}

// Code returns the code of the first tagged error in err's chain, or "".
func Code(err error) string {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.code
	}
	return ""
}
