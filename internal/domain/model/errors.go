package model

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the taxonomy in spec.md §7. Callers use
// errors.Is/errors.As to map these onto HTTP status codes in the Control
// API and onto backoff/logging decisions in the Apply Loop.
var (
	// ErrUpdatesLocked is returned when an advisory lock held by a
	// co-resident workload blocks a step that would otherwise run.
	ErrUpdatesLocked = errors.New("updates locked")

	// ErrInternalInconsistency flags a state the planner or store treats
	// as a bug rather than a recoverable condition (e.g. two containers
	// for one target service slipping past de-duplication).
	ErrInternalInconsistency = errors.New("internal inconsistency")
)

// ServiceNotFoundError is returned by the planner when a Control-API
// mutation names a service absent from the target.
type ServiceNotFoundError struct {
	AppID       int64
	ServiceName string
}

func (e *ServiceNotFoundError) Error() string {
	return fmt.Sprintf("service %q not found in app %d", e.ServiceName, e.AppID)
}

// AppNotFoundError is returned when a Control-API request names an app ID
// the State Store has never heard of.
type AppNotFoundError struct {
	AppID int64
}

func (e *AppNotFoundError) Error() string {
	return fmt.Sprintf("app %d not found", e.AppID)
}

// OutOfScopeError is returned when an authenticated key's scope does not
// cover the app ID a request targets.
type OutOfScopeError struct {
	AppID int64
}

func (e *OutOfScopeError) Error() string {
	return fmt.Sprintf("key not authorized for app %d", e.AppID)
}

// ValidationError carries a human-readable message describing why a
// target-state write or API input was rejected.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// RuntimeError wraps an error surfaced by the Runtime Adapter so callers
// can distinguish runtime I/O failures from planner/store errors while
// still unwrapping to the original cause.
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime adapter: %s: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}
