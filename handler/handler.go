// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the udprpc.Handler type for functions
// with other signatures.
//
// Parameters may be string, or a type whose pointer supports the
// encoding.TextUnmarshaler interface. Results may be string, or any type that
// supports the encoding.TextMarshaler interface.
//
// An error reported by an adapted function is sent to the caller as an error
// response, and reported to the caller as a *udprpc.CallError.
package handler

import (
	"context"
	"encoding"
	"fmt"
	"strings"

	"github.com/creachadair/udprpc"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request passed to the handler, or nil
// if ctx has no associated request. The context passed to a function adapted
// by this package will have this value.
func ContextRequest(ctx context.Context) *udprpc.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*udprpc.Request)
	}
	return nil
}

// Func adapts a function f that accepts a request and returns result fields
// and an error, to a udprpc.Handler.
func Func(f func(context.Context, *udprpc.Request) ([]string, error)) udprpc.Handler {
	return func(ctx context.Context, req *udprpc.Request, reply udprpc.ReplyFunc) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		results, err := f(hctx, req)
		sendReply(reply, results, err)
	}
}

// Unary adapts a function f that accepts one parameter of type P and returns
// a result of type R and an error, to a udprpc.Handler. A request that does
// not have exactly one argument gets an error response.
func Unary[P, R any](f func(context.Context, P) (R, error)) udprpc.Handler {
	return Func(func(ctx context.Context, req *udprpc.Request) ([]string, error) {
		if len(req.Args) != 1 {
			return nil, fmt.Errorf("got %d arguments, want 1", len(req.Args))
		}
		var p P
		if err := unmarshal(req.Args[0], &p); err != nil {
			return nil, err
		}
		r, err := f(ctx, p)
		if err != nil {
			return nil, err
		}
		s, err := marshal(r)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	})
}

// Nullary adapts a function f that accepts no parameters and returns a result
// of type R and an error, to a udprpc.Handler. Any arguments of the request
// are ignored.
func Nullary[R any](f func(context.Context) (R, error)) udprpc.Handler {
	return Func(func(ctx context.Context, _ *udprpc.Request) ([]string, error) {
		r, err := f(ctx)
		if err != nil {
			return nil, err
		}
		s, err := marshal(r)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	})
}

func sendReply(reply udprpc.ReplyFunc, results []string, err error) {
	if err == nil {
		for i, r := range results {
			if strings.IndexByte(r, udprpc.Delimiter) >= 0 {
				err = fmt.Errorf("result %d contains %q", i+1, udprpc.Delimiter)
				break
			}
		}
	}
	if err != nil {
		reply(udprpc.ErrorMarker, err.Error())
		return
	}
	reply(results...)
}

// unmarshal decodes s into v. The concrete type of v must be a pointer to a
// string, or must implement the encoding.TextUnmarshaler interface.
func unmarshal(s string, v any) error {
	switch t := v.(type) {
	case *string:
		*t = s
	case encoding.TextUnmarshaler:
		return t.UnmarshalText([]byte(s))
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v as a string. The concrete type of v must be a string (or
// a pointer to one); otherwise it must implement the encoding.TextMarshaler
// interface.
//
// As a special case if v is a nil pointer to a string, the result is empty
// without error.
func marshal(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case *string:
		if t == nil {
			return "", nil
		}
		return *t, nil
	case encoding.TextMarshaler:
		data, err := t.MarshalText()
		return string(data), err
	default:
		return "", fmt.Errorf("cannot marshal %T", v)
	}
}
