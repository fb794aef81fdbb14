package model

import (
	"errors"
	"fmt"
)

var (
	ErrBusy              = errors.New("a call is already active")
	ErrNoCall            = errors.New("no active call")
	ErrInvalidTransition = errors.New("invalid call transition")
	ErrNotSender         = errors.New("only the sender can delete for everyone")
	ErrNoActiveChat      = errors.New("no active chat")
	ErrMessageNotFound   = errors.New("message not found")
	ErrMessagePending    = errors.New("message is still pending")
	ErrEmptyMessage      = errors.New("message is empty")
	ErrInvalidScope      = errors.New("invalid delete scope")
	ErrNotConnected      = errors.New("channel not connected")
)

// TransportError reports a channel disconnect or subscribe failure.
type TransportError struct {
	Op    string
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("transport %s %q: %v", e.Op, e.Topic, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PersistenceError reports a failed persistence API call.
type PersistenceError struct {
	Op     string
	Status int
	Err    error
}

func (e *PersistenceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("persistence %s (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// MediaError reports a capture permission or device failure.
type MediaError struct {
	Err error
}

func (e *MediaError) Error() string { return "media: " + e.Err.Error() }

func (e *MediaError) Unwrap() error { return e.Err }

// SignalingError reports a malformed or unusable signaling payload.
type SignalingError struct {
	Event string
	Err   error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling %s: %v", e.Event, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }
