package dht

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedMessage   = errors.New("dht: malformed message")
	ErrUnknownCorrelation = errors.New("dht: no pending request for correlation id")
	ErrRequestTimeout     = errors.New("dht: request timed out")
	ErrBucketFull         = errors.New("dht: bucket full")
	ErrLookupExhausted    = errors.New("dht: lookup exhausted")
	ErrSelfContact        = errors.New("dht: contact is the local node")
	ErrMessageTooLarge    = errors.New("dht: message exceeds datagram limit")
	ErrNotStarted         = errors.New("dht: node not started")
)

// PayloadError reports a message whose envelope is valid but whose
// action-specific fields are not. The sender is still a live peer, so the
// node records it before dropping the message.
type PayloadError struct {
	Sender NodeID
	Action Action
	Field  string
	Err    error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("%v: %s field %q from %s: %v", ErrMalformedMessage, e.Action, e.Field, e.Sender.Short(), e.Err)
}

// Unwrap lets errors.Is match both ErrMalformedMessage and the cause.
func (e *PayloadError) Unwrap() []error {
	return []error{ErrMalformedMessage, e.Err}
}
