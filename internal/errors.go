package internal

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send outside the Connected state
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by Connect while a connection is active or being established
	ErrAlreadyConnected = errors.New("already connected")
	// ErrServerCapacity rejects a connection when the server is full
	ErrServerCapacity = errors.New("chat is full")
	// ErrNameTaken rejects a join when unique names are enforced
	ErrNameTaken = errors.New("name already taken")
	// ErrEmptyMessage is returned for empty or whitespace-only text
	ErrEmptyMessage = errors.New("empty message")
	// ErrMessageTooLong is returned for text over the message length limit
	ErrMessageTooLong = errors.New("message too long")
	// ErrClosed is returned by operations on a closed client or server
	ErrClosed = errors.New("closed")
)

// ConnectionError reports a failed connect attempt
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unexpected frame
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RejectedError is a server refusal delivered in an error frame
type RejectedError struct {
	Reason  string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rejected by server (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("rejected by server (%s)", e.Reason)
}

// Is maps wire reasons back onto the sentinel errors
func (e *RejectedError) Is(target error) bool {
	switch target {
	case ErrServerCapacity:
		return e.Reason == ReasonServerFull
	case ErrNameTaken:
		return e.Reason == ReasonNameTaken
	}
	return false
}

// terminal reports whether retrying can not help
func (e *RejectedError) terminal() bool {
	switch e.Reason {
	case ReasonServerFull, ReasonNameTaken, ReasonInvalidName:
		return true
	}
	return false
}
