// Package apperr classifies failures so the CLI can pick an exit code and
// decide how much detail to print.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the failure category of an Error.
type Kind int

const (
	// KindUnknown is used for errors that were never classified.
	KindUnknown Kind = iota
	// KindConfig indicates a missing or invalid setting.
	KindConfig
	// KindPrerequisite indicates a required external tool is missing.
	KindPrerequisite
	// KindIO indicates a file read, write or permission failure.
	KindIO
	// KindScheduler indicates the crontab management command failed.
	KindScheduler
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "configuration error"
	case KindPrerequisite:
		return "prerequisite missing"
	case KindIO:
		return "I/O error"
	case KindScheduler:
		return "scheduler error"
	default:
		return "error"
	}
}

// ExitCode maps the kind to the process exit status.
func (k Kind) ExitCode() int {
	switch k {
	case KindConfig:
		return 2
	case KindPrerequisite:
		return 3
	case KindIO:
		return 4
	case KindScheduler:
		return 5
	default:
		return 1
	}
}

// Error is a classified failure. Op names the step that failed and must not
// contain secret values.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Summary returns the message without the wrapped cause. Scheduler errors
// keep it, as it carries the crontab command's own diagnostic.
func (e *Error) Summary() string {
	if e.Kind == KindScheduler && e.Err != nil {
		return e.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Config creates a KindConfig error with a formatted message and no cause.
func Config(format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Op: fmt.Sprintf(format, args...)}
}

// IO wraps err as a KindIO error.
func IO(op string, err error) *Error {
	return New(KindIO, op, err)
}

// Scheduler wraps err as a KindScheduler error.
func Scheduler(op string, err error) *Error {
	return New(KindScheduler, op, err)
}

// KindOf returns the kind of the first Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Describe renders err for the user. Without verbose only the kind and
// operation are shown.
func Describe(err error, verbose bool) string {
	if verbose {
		return err.Error()
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Summary()
	}
	return err.Error()
}
