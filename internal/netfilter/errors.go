package netfilter

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValidationError reports malformed input rejected before any external
// command was invoked.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validation: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// ExecError reports an external command that exited non-zero, carrying
// its combined diagnostic output.
type ExecError struct {
	Command string
	Args    []string
	Output  string
	Err     error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("command %s %s failed: %v: %s", e.Command, strings.Join(e.Args, " "), e.Err, e.Output)
}
func (e *ExecError) Unwrap() error { return e.Err }

// TimeoutError reports an external command that exceeded its deadline.
// A timeout is a distinct failure kind from a non-zero exit.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %s timed out after %s", e.Command, e.Timeout)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// alreadyPresent reports whether diagnostic output indicates the rule or
// chain being added already exists. Such failures are idempotent noops.
func alreadyPresent(out string) bool {
	return strings.Contains(out, "already exists")
}

// alreadyAbsent reports whether diagnostic output indicates the rule
// being deleted was never there. Covers both the legacy "No chain/target/
// match by that name" and the "Bad rule (does a matching rule exist in
// that chain?)" variants.
func alreadyAbsent(out string) bool {
	return strings.Contains(out, "No chain/target/match") ||
		strings.Contains(out, "does not exist") ||
		strings.Contains(out, "doesn't exist") ||
		strings.Contains(out, "Bad rule")
}
