package collab

import (
	"errors"
	"fmt"
	"strings"
)

// TransientError marks a collaborator failure worth retrying: network
// trouble, rate-limited upstreams, 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// MalformedOutputError marks a collaborator response that could not be
// parsed into the expected shape. Not retryable as-is; the orchestrator
// feeds it back through the fix-loop as a synthetic violation.
type MalformedOutputError struct {
	Op     string
	Detail string
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed output from %s: %s", e.Op, e.Detail)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsMalformed reports whether err is (or wraps) a MalformedOutputError.
func IsMalformed(err error) bool {
	var me *MalformedOutputError
	return errors.As(err, &me)
}

// transientHints are substrings of error messages that indicate a network
// or availability failure rather than a logic failure.
var transientHints = []string{
	"timeout",
	"timed out",
	"connection",
	"unavailable",
	"network",
	"i/o",
	"temporarily",
	"too many requests",
	"429",
	"500",
	"502",
	"503",
	"504",
	"eof",
}

// classifyErr wraps upstream errors as transient when the message carries a
// known availability hint; other errors pass through untouched.
func classifyErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, h := range transientHints {
		if strings.Contains(msg, h) {
			return &TransientError{Op: op, Err: err}
		}
	}
	return err
}
