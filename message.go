// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package udprpc

import (
	"fmt"
	"strings"

	"github.com/creachadair/udprpc/packet"
)

// Delimiter separates the fields of a message. Fields are not escaped, so a
// field must not contain the delimiter.
const Delimiter = ','

// EncodeRequest encodes a request message for the given method, correlation
// ID, and arguments:
//
//	method,id,arg1,arg2,...
func EncodeRequest(method, id string, args []string) []byte {
	b := packet.NewBuilder(fieldsLen(args) + len(method) + len(id) + 2)
	b.Join(Delimiter, method, id)
	if len(args) != 0 {
		b.Put(Delimiter)
		b.Join(Delimiter, args...)
	}
	return b.Bytes()
}

// EncodeResponse encodes a response message for the given correlation ID
// and results:
//
//	id,result1,result2,...
func EncodeResponse(id string, results []string) []byte {
	b := packet.NewBuilder(fieldsLen(results) + len(id) + 1)
	b.PutString(id)
	if len(results) != 0 {
		b.Put(Delimiter)
		b.Join(Delimiter, results...)
	}
	return b.Bytes()
}

// DecodeFields splits a message into its fields. It is the inverse of the
// encoders only for fields that do not contain the Delimiter.
func DecodeFields(data []byte) []string {
	return strings.Split(string(data), string(rune(Delimiter)))
}

func fieldsLen(fields []string) int {
	n := len(fields)
	for _, f := range fields {
		n += len(f)
	}
	return n
}

// checkField reports an error if s cannot be carried as a message field.
func checkField(what, s string) error {
	if strings.IndexByte(s, Delimiter) >= 0 {
		return fmt.Errorf("%s %q contains %q: %w", what, s, Delimiter, ErrInvalidCall)
	}
	return nil
}

// A Request is an inbound call delivered to a Handler.
type Request struct {
	Caller string   // the address of the calling peer, host:port
	Method string   // the name of the method called
	ID     string   // the correlation ID chosen by the caller
	Args   []string // the arguments of the call, in order
}

// String returns a human-friendly rendering of the request.
func (r Request) String() string {
	return fmt.Sprintf("Request(Caller=%s, Method=%s, ID=%s, Args=%q)", r.Caller, r.Method, r.ID, r.Args)
}
