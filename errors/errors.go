// Package errors provides the error taxonomy shared by every mapeflow package.
// Errors are classified (transient, invalid, fatal) so callers can decide whether
// to retry, report, or abort, and wrapped with a "component.method: action failed"
// prefix so logs point at the failing call site.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors caused by the caller's input
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors for the current operation
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Registry errors
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("uid already registered")
	ErrReservedName = errors.New("uid shadows a reserved name")
	ErrInvalidUID   = errors.New("invalid uid")

	// Lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrStopped        = errors.New("component stopped")

	// Connection and transport errors
	ErrNoConnection       = errors.New("no connection available")
	ErrConnectionLost     = errors.New("connection lost")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrSubscriptionFailed = errors.New("subscription failed")
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrQueueFull          = errors.New("queue full")

	// Data errors
	ErrInvalidData     = errors.New("invalid data format")
	ErrUnknownType     = errors.New("unknown value type")
	ErrUnsupportedKind = errors.New("unsupported item kind")

	// Coordination errors
	ErrLockNotObtained = errors.New("lock not obtained")
	ErrLockNotHeld     = errors.New("lock not held")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// NotFoundError reports which segment of a hierarchical path could not be resolved.
type NotFoundError struct {
	// Kind is the segment kind: "level", "loop" or "element".
	Kind string
	UID  string
	// Parent is the uid of the container that was searched, empty for the app root.
	Parent string
}

func (e *NotFoundError) Error() string {
	if e.Parent == "" {
		return fmt.Sprintf("%s '%s' not found", e.Kind, e.UID)
	}
	return fmt.Sprintf("%s '%s' not found in '%s'", e.Kind, e.UID, e.Parent)
}

// Is makes errors.Is(err, ErrNotFound) hold for every NotFoundError.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NotFound builds a NotFoundError classified as invalid.
func NotFound(kind, uid, parent string) error {
	nf := &NotFoundError{Kind: kind, UID: uid, Parent: parent}
	return newClassified(ErrorInvalid, nf, "registry", "Resolve", nf.Error())
}

// ConflictError reports a rejected registration.
type ConflictError struct {
	Kind  string
	UID   string
	Owner string
	// Reason is ErrConflict, ErrReservedName or ErrInvalidUID.
	Reason error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot register %s '%s' in '%s': %v", e.Kind, e.UID, e.Owner, e.Reason)
}

// Unwrap exposes the reason so errors.Is matches the sentinel.
func (e *ConflictError) Unwrap() error {
	return e.Reason
}

// Conflict builds a fatal registration error.
func Conflict(kind, uid, owner string, reason error) error {
	ce := &ConflictError{Kind: kind, UID: uid, Owner: owner, Reason: reason}
	return newClassified(ErrorFatal, ce, "registry", "Register", ce.Error())
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNoConnection) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrQueueFull) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "network", "temporary", "unavailable"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is fatal for the current operation
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrReservedName) ||
		errors.Is(err, ErrLockNotObtained)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrNotFound)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorTransient
	case IsTransient(err):
		return ErrorTransient
	case IsFatal(err):
		return ErrorFatal
	case IsInvalid(err):
		return ErrorInvalid
	}
	return ErrorTransient
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// Is, As, New and Unwrap re-export the standard library helpers so callers need a single import.
var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Unwrap = errors.Unwrap
)
