// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package udprpc

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// A Callback receives the outcome of a call. On success, results holds the
// result fields of the response in order and err == nil. Otherwise err has
// concrete type *CallError.
//
// Response callbacks run on the engine's receive goroutine, and timeout
// callbacks on a timer goroutine. A callback should not block for long.
type Callback func(results []string, err error)

// pendingCall is the bookkeeping for an outbound call awaiting its response.
type pendingCall struct {
	id     string
	method string
	peer   string
	port   string // of peer, to match the response source
	issued time.Time
	timer  *time.Timer // nil until the request has been sent
	cb     Callback
}

// resultError reports the error encoded in a response, or nil if results do
// not begin with ErrorMarker.
func (pc *pendingCall) resultError(results []string) error {
	if len(results) == 0 || results[0] != ErrorMarker {
		return nil
	}
	return &CallError{
		Method:  pc.method,
		Peer:    pc.peer,
		Message: strings.Join(results[1:], string(rune(Delimiter))),
	}
}

// callIDBytes is the number of random bytes in a correlation ID.  The ID is
// the base64 encoding of these bytes, which never contains the Delimiter.
const callIDBytes = 3

// newCallID returns a fresh correlation ID drawn from rng, for which inUse
// reports false. IDs that are in use are rejected and redrawn.
func newCallID(rng io.Reader, inUse func(string) bool) (string, error) {
	if rng == nil {
		rng = rand.Reader
	}
	var buf [callIDBytes]byte
	for {
		if _, err := io.ReadFull(rng, buf[:]); err != nil {
			return "", fmt.Errorf("generate call ID: %w", err)
		}
		id := base64.StdEncoding.EncodeToString(buf[:])
		if !inUse(id) {
			return id, nil
		}
	}
}

// checkCall reports whether the method, peer and arguments of an outbound
// call can be encoded as a request.
func checkCall(method, peer string, args []string) error {
	if method == "" {
		return fmt.Errorf("missing method name: %w", ErrInvalidCall)
	} else if peer == "" {
		return fmt.Errorf("missing peer address: %w", ErrInvalidCall)
	}
	if port := portOf(peer); port == "" {
		return fmt.Errorf("peer address %q has no port: %w", peer, ErrInvalidCall)
	}
	if err := checkField("method name", method); err != nil {
		return err
	}
	for i, arg := range args {
		if err := checkField(fmt.Sprintf("argument %d", i+1), arg); err != nil {
			return err
		}
	}
	return nil
}

// portOf returns the port of a host:port address, or "" if addr does not
// have that form.
//
// Responses are matched to calls by the source port only. This is a check
// against stray traffic, not a security boundary: any sender can claim any
// port.
func portOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return port
}
