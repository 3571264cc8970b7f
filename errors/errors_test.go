package errors

import (
	"context"
	"fmt"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if result := test.class.String(); result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"connection lost", ErrConnectionLost, ErrorTransient},
		{"deadline", context.DeadlineExceeded, ErrorTransient},
		{"network message", fmt.Errorf("network unreachable"), ErrorTransient},
		{"lock not obtained", ErrLockNotObtained, ErrorFatal},
		{"reserved name", ErrReservedName, ErrorFatal},
		{"unknown type", ErrUnknownType, ErrorInvalid},
		{"not found", NotFound("loop", "x", ""), ErrorInvalid},
		{"conflict", Conflict("element", "a", "loop", ErrConflict), ErrorFatal},
		{"wrapped fatal", WrapFatal(fmt.Errorf("boom"), "Lock", "Obtain", "acquire"), ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.expected {
				t.Errorf("expected %s, got %s for %v", test.expected, got, test.err)
			}
		})
	}
}

func TestNotFoundError(t *testing.T) {
	err := NotFound("element", "speed", "highway")

	if !Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound match for %v", err)
	}

	var nf *NotFoundError
	if !As(err, &nf) {
		t.Fatalf("expected NotFoundError in chain")
	}
	if nf.Kind != "element" || nf.UID != "speed" || nf.Parent != "highway" {
		t.Errorf("unexpected fields: %+v", nf)
	}
	if err.Error() != "element 'speed' not found in 'highway'" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if NotFound("loop", "x", "").Error() != "loop 'x' not found" {
		t.Errorf("unexpected root message")
	}
}

func TestConflictError(t *testing.T) {
	err := Conflict("element", "k", "ambulance", ErrReservedName)

	if !Is(err, ErrReservedName) {
		t.Errorf("expected ErrReservedName match")
	}
	if Is(err, ErrConflict) {
		t.Errorf("reserved name must not match ErrConflict")
	}

	var ce *ConflictError
	if !As(err, &ce) || ce.Owner != "ambulance" {
		t.Errorf("expected ConflictError with owner, got %v", err)
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "a", "b", "c") != nil {
		t.Errorf("wrapping nil must return nil")
	}
	if WrapTransient(nil, "a", "b", "c") != nil {
		t.Errorf("wrapping nil must return nil")
	}

	base := ErrNoConnection
	err := WrapTransient(base, "Publisher", "Publish", "redis publish")
	if err.Error() != "Publisher.Publish: redis publish failed: no connection available" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if !Is(err, ErrNoConnection) {
		t.Errorf("wrapped error lost its cause")
	}

	var ce *ClassifiedError
	if !As(err, &ce) || ce.Component != "Publisher" || ce.Operation != "Publish" {
		t.Errorf("unexpected classified error: %+v", ce)
	}
	if !IsInvalid(WrapInvalid(base, "x", "y", "z")) {
		t.Errorf("expected invalid classification")
	}
}
