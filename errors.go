// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package udprpc

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCall is reported synchronously by Call when the method name
	// or peer address is missing or malformed.
	ErrInvalidCall = errors.New("invalid call")

	// ErrPayloadTooLarge is reported when a message or fragment exceeds the
	// size limits of the protocol or the engine.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrMalformedFragment is reported when a datagram cannot be decoded as
	// a fragment.
	ErrMalformedFragment = errors.New("malformed fragment")

	// ErrChecksumMismatch is reported when a fragment or a reassembled
	// message fails its integrity check.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrTimeout is reported to a call callback when no response arrived
	// before the call deadline.
	ErrTimeout = errors.New("call timed out")

	// ErrReplied is reported by a ReplyFunc invoked after a reply was sent.
	ErrReplied = errors.New("reply already sent")

	// ErrNotRunning is reported by operations on an engine that has not been
	// started, or that has stopped.
	ErrNotRunning = errors.New("engine is not running")

	// ErrUnknownMethod is reported by Exec for a method with no handler.
	ErrUnknownMethod = errors.New("unknown method")
)

// ErrorMarker is the first result field of a response that reports a
// handler error. The field after it holds the error message.
const ErrorMarker = "!error"

// TransportError reports a local failure to send a datagram to a peer.
type TransportError struct {
	Peer string // the destination address
	Err  error  // the error reported by the transport
}

// Error satisfies the error interface.
func (t *TransportError) Error() string { return fmt.Sprintf("send to %s: %v", t.Peer, t.Err) }

// Unwrap reports the underlying transport error.
func (t *TransportError) Unwrap() error { return t.Err }

// CallError is the concrete type of errors delivered to a Callback and
// reported by the Invoke method of an Engine. For errors reported by the
// remote handler, Err is nil and Message holds the remote error text.
type CallError struct {
	Method  string // the method that was called
	Peer    string // the address of the peer called
	Err     error  // nil for remote handler errors
	Message string // the remote error message, if Err == nil
}

// Unwrap reports the underlying error of c. If c.Err == nil, this is nil.
func (c *CallError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return fmt.Sprintf("call %s at %s: %v", c.Method, c.Peer, c.Err)
	}
	return fmt.Sprintf("call %s at %s: remote error: %s", c.Method, c.Peer, c.Message)
}
