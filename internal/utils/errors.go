// Package utils provides shared helpers for the nxstools packages.
package utils

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds shared by the collection engine and its collaborators.
// Callers test for them with errors.Is.
var (
	// ErrMissingSource means no candidate path of a source file existed.
	ErrMissingSource = errors.New("missing source file")
	// ErrUnreadableSource means a source file existed but could not be parsed.
	ErrUnreadableSource = errors.New("unreadable source file")
	// ErrShapeMismatch means a frame disagrees with the destination frame layout.
	ErrShapeMismatch = errors.New("frame shape mismatch")
	// ErrDestinationWrite means growing or writing the destination field failed.
	ErrDestinationWrite = errors.New("destination write failure")
	// ErrInvalidSpec means a filename specification could not be parsed.
	ErrInvalidSpec = errors.New("invalid filename specification")
)

// NxsError represents a contextual nxstools error.
type NxsError struct {
	Context string
	Cause   error
}

// Error implements the error interface.
func (e *NxsError) Error() string {
	return fmt.Sprintf("%s: %v", e.Context, e.Cause)
}

// Unwrap provides compatibility with errors.Unwrap().
func (e *NxsError) Unwrap() error {
	return e.Cause
}

// WrapError creates a contextual error.
func WrapError(context string, cause error) error {
	if cause == nil {
		return nil
	}
	return &NxsError{
		Context: context,
		Cause:   cause,
	}
}

// SourceError reports a source file that could not be resolved or loaded.
// Kind is ErrMissingSource or ErrUnreadableSource.
type SourceError struct {
	Kind  error
	Name  string
	Tried []string
	Cause error
}

// Error renders the message printed by the skip-missing policy.
func (e *SourceError) Error() string {
	tried := e.Tried
	if len(tried) == 0 {
		tried = []string{e.Name}
	}
	msg := fmt.Sprintf("Cannot open any of [%s]", strings.Join(tried, ", "))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause.
func (e *SourceError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// IsRecoverable reports whether err may be skipped under the skip-missing policy.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrMissingSource) || errors.Is(err, ErrUnreadableSource)
}

// Unreadable wraps cause as an unreadable-source error for path.
func Unreadable(path string, cause error) error {
	return &SourceError{
		Kind:  ErrUnreadableSource,
		Name:  path,
		Tried: []string{path},
		Cause: cause,
	}
}
