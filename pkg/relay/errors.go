// Copyright 2024-2026 Aiku AI

package relay

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a message or mapping is unknown.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a mapping row already exists.
	ErrConflict = errors.New("conflict")
)

// PortalFailure is the error of a single portal during fan-out.
type PortalFailure struct {
	Portal PortalID
	Name   string
	Err    error
}

func (f *PortalFailure) Error() string {
	if f.Name != "" {
		return fmt.Sprintf("portal %d (%s): %v", f.Portal, f.Name, f.Err)
	}
	return fmt.Sprintf("portal %d: %v", f.Portal, f.Err)
}

func (f *PortalFailure) Unwrap() error { return f.Err }

// FanoutError aggregates the portals that failed while an event was fanned
// out. The other portals received the event.
type FanoutError struct {
	Failures []*PortalFailure
}

func (e *FanoutError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return "errors for portals: " + strings.Join(parts, "; ")
}

func (e *FanoutError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Failed reports whether portal id is among the failures.
func (e *FanoutError) Failed(id PortalID) bool {
	for _, f := range e.Failures {
		if f.Portal == id {
			return true
		}
	}
	return false
}

// PersistenceError reports a store operation that could not complete.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
