// Package backuperr defines the error kinds surfaced by the backup engine.
//
// Three failure kinds carry structured context: a failed precondition (source
// not readable, target not writable), an archive I/O failure, and an unavailable
// progress store. In addition the package provides "skip" signals for outcomes
// that are not failures (source missing, archive already complete). Skips are
// detected through a behavioural interface so consumers don't need to import the
// producing package's sentinels.
package backuperr

import (
	"errors"
	"fmt"
)

// PreconditionError is returned when a job cannot start because a path check failed.
type PreconditionError struct {
	Check string // e.g. "source readable", "target writable"
	Path  string
	Err   error
}

func (e *PreconditionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("precondition %q failed for %s", e.Check, e.Path)
	}
	return fmt.Sprintf("precondition %q failed for %s: %v", e.Check, e.Path, e.Err)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// ArchiveIOError is returned when opening, reading, writing or committing the archive fails.
// The chunk is aborted and the last persisted progress record stays authoritative.
type ArchiveIOError struct {
	Op   string // e.g. "open", "add", "commit"
	Path string
	Err  error
}

func (e *ArchiveIOError) Error() string {
	return fmt.Sprintf("archive %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ArchiveIOError) Unwrap() error { return e.Err }

// StoreUnavailableError is returned by progress stores for any failure other than a missing key.
type StoreUnavailableError struct {
	Op  string // "get", "set", "delete", "delete-prefix"
	Key string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("progress store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// IsPrecondition reports whether any error in err's chain is a *PreconditionError.
func IsPrecondition(err error) bool {
	var target *PreconditionError
	return errors.As(err, &target)
}

// IsArchiveIO reports whether any error in err's chain is an *ArchiveIOError.
func IsArchiveIO(err error) bool {
	var target *ArchiveIOError
	return errors.As(err, &target)
}

// IsStoreUnavailable reports whether any error in err's chain is a *StoreUnavailableError.
func IsStoreUnavailable(err error) bool {
	var target *StoreUnavailableError
	return errors.As(err, &target)
}

type skipErr struct {
	err error
}

func (s *skipErr) Error() string {
	if s == nil || s.err == nil {
		return "skipped"
	}
	return s.err.Error()
}
func (s *skipErr) IsSkip() bool  { return true }
func (s *skipErr) Unwrap() error { return s.err }

// Skip creates a skip signal from a string.
func Skip(msg string) error {
	return &skipErr{err: errors.New(msg)}
}

// WrapSkip promotes an existing error to a skip signal.
func WrapSkip(err error) error {
	if err == nil {
		return nil
	}
	return &skipErr{err: err}
}

// IsSkip checks if any error in the chain behaves like a skip signal.
func IsSkip(err error) bool {
	var s interface{ IsSkip() bool }
	return errors.As(err, &s) && s.IsSkip()
}
