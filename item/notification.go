package item

import (
	"fmt"
)

// NotificationKind distinguishes values from terminal stream signals.
type NotificationKind int

const (
	// KindNext carries a value.
	KindNext NotificationKind = iota
	// KindError terminates a stream with an error.
	KindError
	// KindCompleted terminates a stream normally.
	KindCompleted
)

func (k NotificationKind) String() string {
	switch k {
	case KindNext:
		return "next"
	case KindError:
		return "error"
	case KindCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// ParseNotificationKind accepts "next", "error" and "completed". Empty means next.
func ParseNotificationKind(s string) (NotificationKind, error) {
	switch s {
	case "", "next":
		return KindNext, nil
	case "error":
		return KindError, nil
	case "completed":
		return KindCompleted, nil
	}
	return KindNext, fmt.Errorf("unknown notification %q", s)
}

// Notification is a materialized stream signal, the unit that crosses bridges.
type Notification struct {
	Kind  NotificationKind
	Value any
	Err   error
}

// Next wraps a value.
func Next(v any) Notification {
	return Notification{Kind: KindNext, Value: v}
}

// Error wraps a terminal error.
func Error(err error) Notification {
	return Notification{Kind: KindError, Err: err}
}

// Completed is the terminal completion signal.
func Completed() Notification {
	return Notification{Kind: KindCompleted}
}

// RemoteError is an error received from another process. Only its message survives.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}
