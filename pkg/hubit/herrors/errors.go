// Package herrors defines the static, config-time error kinds the engine
// can raise, plus a MultiError aggregate used while validating a model.
package herrors

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// MalformedPathError is raised when a path has unbalanced brackets or an
// invalid index specifier.
type MalformedPathError struct {
	Path   string
	Reason string
}

func (e MalformedPathError) Error() string {
	return fmt.Sprintf("malformed path %q: %s", e.Path, e.Reason)
}

// NoInputError is raised by Get when called before SetInput.
type NoInputError struct{}

func (e NoInputError) Error() string { return "model has no input; call SetInput first" }

// ValidationError is raised when two components provide the same model path.
type ValidationError struct {
	Path        string
	Components  []string
	Description string
}

func (e ValidationError) Error() string {
	if e.Description != "" {
		return e.Description
	}
	return fmt.Sprintf("path %q is provided by more than one component: %v", e.Path, e.Components)
}

// NoProviderError is raised when a query path matches no component.
type NoProviderError struct {
	Query string
}

func (e NoProviderError) Error() string {
	return fmt.Sprintf("no component provides %q", e.Query)
}

// AmbiguousProviderError is raised when multiple components match a
// non-wildcarded query path.
type AmbiguousProviderError struct {
	Query      string
	Components []string
}

func (e AmbiguousProviderError) Error() string {
	return fmt.Sprintf("query %q matches more than one component: %v", e.Query, e.Components)
}

// InconsistentContextError is raised when decomposition candidates disagree
// on index context.
type InconsistentContextError struct {
	Query      string
	Components []string
}

func (e InconsistentContextError) Error() string {
	return fmt.Sprintf("providers for %q disagree on index context: %v", e.Query, e.Components)
}

// DecompositionError is raised when a multi-match query cannot be
// decomposed into exactly-one-digit-differing provider paths.
type DecompositionError struct {
	Query  string
	Reason string
}

func (e DecompositionError) Error() string {
	return fmt.Sprintf("cannot decompose query %q: %s", e.Query, e.Reason)
}

// IndexOutOfRangeError is raised when pruning asks for a child index that
// does not exist at a node.
type IndexOutOfRangeError struct {
	Path  string
	Index int
}

func (e IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("index %d is out of range for path %q", e.Index, e.Path)
}

// ComponentError wraps an error raised by a component's callable.
type ComponentError struct {
	ComponentID string
	Path        string
	Err         error
}

func (e ComponentError) Error() string {
	return fmt.Sprintf("component %q failed while providing %q: %s", e.ComponentID, e.Path, e.Err)
}

func (e ComponentError) Unwrap() error { return e.Err }

// CycleDetectedError is raised when spawning dependencies re-enters a path
// already on the current recursion stack.
type CycleDetectedError struct {
	Path  string
	Stack []string
}

func (e CycleDetectedError) Error() string {
	return fmt.Sprintf("cycle detected at %q (stack: %v)", e.Path, e.Stack)
}

// MultiError aggregates independent validation failures, e.g. every
// duplicate-provider conflict found while constructing a Model. It wraps
// hashicorp/go-multierror so formatting and Is/As unwrapping behave the
// way callers of that library already expect.
type MultiError struct {
	inner *multierror.Error
}

// NewMultiError returns an empty MultiError ready for Append calls.
func NewMultiError() *MultiError {
	return &MultiError{inner: &multierror.Error{}}
}

// Append records err, ignoring nil. If err is itself a *MultiError its
// errors are flattened in rather than nested one level deeper.
func (m *MultiError) Append(err error) {
	if err == nil {
		return
	}
	if other, ok := err.(*MultiError); ok {
		for _, e := range other.inner.Errors {
			m.inner = multierror.Append(m.inner, e)
		}
		return
	}
	m.inner = multierror.Append(m.inner, err)
}

// Count returns the number of aggregated errors.
func (m *MultiError) Count() int {
	if m == nil || m.inner == nil {
		return 0
	}
	return len(m.inner.Errors)
}

// ErrorOrNil returns nil if no errors were appended, otherwise itself.
func (m *MultiError) ErrorOrNil() error {
	if m.Count() == 0 {
		return nil
	}
	return m
}

func (m *MultiError) Error() string {
	return m.inner.Error()
}

// Unwrap exposes the individual errors for errors.Is/As.
func (m *MultiError) Unwrap() []error {
	return m.inner.WrappedErrors()
}
