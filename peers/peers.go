// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for managing and testing engines.
package peers

import (
	"context"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/udprpc"
	"github.com/creachadair/udprpc/channel"
)

// Addresses of the engines in a Local pair.
const (
	AddrA = "127.0.0.1:5001"
	AddrB = "127.0.0.1:5002"
)

// Local is a pair of engines connected by an in-memory hub, suitable for
// testing. Engine A is bound to AddrA and engine B to AddrB.
type Local struct {
	A   *udprpc.Engine
	B   *udprpc.Engine
	Hub *channel.Hub
}

// Stop shuts down both the engines and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of started engines with the given options, that
// exchange datagrams via an in-memory hub.
func NewLocal(opts *udprpc.Options) *Local {
	hub := channel.NewHub()
	a, err := hub.Bind(AddrA)
	if err != nil {
		panic(err) // a new hub has no bindings
	}
	b, err := hub.Bind(AddrB)
	if err != nil {
		panic(err)
	}
	return &Local{
		A:   udprpc.NewEngine(opts).Start(a),
		B:   udprpc.NewEngine(opts).Start(b),
		Hub: hub,
	}
}

// Listen opens a datagram socket on the given network and local address, and
// starts e running on it. It returns the channel, whose Addr method reports
// the bound address.
func Listen(e *udprpc.Engine, network, addr string) (*channel.UDPChannel, error) {
	ch, err := channel.ListenUDP(network, addr)
	if err != nil {
		return nil, err
	}
	e.Start(ch)
	return ch, nil
}

// Run waits for e to exit and reports its status. If ctx ends before e exits,
// Run stops e.
func Run(ctx context.Context, e *udprpc.Engine) error {
	// The ok channel allows the context watcher to clean up when e exits
	// before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			e.Stop()
		case <-ok:
			// release the waiter
		}
		return nil
	})
	return e.Wait()
}
