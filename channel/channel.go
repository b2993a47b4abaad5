// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the udprpc.Transport interface.
package channel

import (
	"bytes"
	"fmt"
	"net"
	"sync"

	"github.com/creachadair/udprpc"
)

var (
	_ udprpc.Transport = (*UDPChannel)(nil)
	_ udprpc.Transport = (*HubPort)(nil)
)

// maxReadSize is the size of the receive buffer for a UDPChannel. It is large
// enough for any UDP datagram, so that an oversized datagram is delivered
// whole and rejected by the engine rather than truncated by the socket.
const maxReadSize = 64 << 10

// UDP constructs a channel that sends and receives datagrams on conn.
// The channel takes ownership of conn, and closes it when the channel closes.
func UDP(conn net.PacketConn) *UDPChannel {
	return &UDPChannel{conn: conn, buf: make([]byte, maxReadSize)}
}

// ListenUDP opens a datagram socket on the given network ("udp", "udp4", or
// "udp6") and local address, and returns a channel that uses it. If the port
// of addr is 0, a port is chosen by the system; use Addr to find it.
func ListenUDP(network, addr string) (*UDPChannel, error) {
	conn, err := net.ListenPacket(network, addr)
	if err != nil {
		return nil, err
	}
	return UDP(conn), nil
}

// A UDPChannel sends and receives datagrams on a net.PacketConn.
type UDPChannel struct {
	conn net.PacketConn

	rμ  sync.Mutex // protects buf
	buf []byte
}

// Addr returns the local address of the channel.
func (c *UDPChannel) Addr() net.Addr { return c.conn.LocalAddr() }

// Send implements a method of the [udprpc.Transport] interface.
func (c *UDPChannel) Send(data []byte, addr string) error {
	ua, err := net.ResolveUDPAddr(c.conn.LocalAddr().Network(), addr)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", addr, err)
	}
	_, err = c.conn.WriteTo(data, ua)
	return err
}

// Recv implements a method of the [udprpc.Transport] interface.
func (c *UDPChannel) Recv() ([]byte, string, error) {
	c.rμ.Lock()
	defer c.rμ.Unlock()
	n, from, err := c.conn.ReadFrom(c.buf)
	if err != nil {
		return nil, "", err
	}
	return bytes.Clone(c.buf[:n]), from.String(), nil
}

// Close implements a method of the [udprpc.Transport] interface.
func (c *UDPChannel) Close() error { return c.conn.Close() }

// A Datagram is a datagram in transit on a Hub.
type Datagram struct {
	From, To string
	Data     []byte
}

// hubQueueSize is the number of datagrams a HubPort buffers before it drops
// further arrivals.
const hubQueueSize = 1024

// A Hub is an in-memory datagram network, suitable for testing. Like a real
// datagram network, a Hub does not report delivery failures: datagrams sent
// to an address with no bound port, or to a port whose receive queue is full,
// are silently lost.
type Hub struct {
	μ      sync.Mutex
	ports  map[string]*HubPort
	filter func(Datagram) bool
}

// NewHub constructs a new empty Hub.
func NewHub() *Hub { return &Hub{ports: make(map[string]*HubPort)} }

// Bind creates a port on h with the given address, which must have the form
// host:port. It reports an error if the address is already bound.
func (h *Hub) Bind(addr string) (*HubPort, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, err
	}
	h.μ.Lock()
	defer h.μ.Unlock()
	if _, ok := h.ports[addr]; ok {
		return nil, fmt.Errorf("address %q is already bound", addr)
	}
	p := &HubPort{
		hub:    h,
		addr:   addr,
		queue:  make(chan Datagram, hubQueueSize),
		closed: make(chan struct{}),
	}
	h.ports[addr] = p
	return p, nil
}

// Filter registers f to be called for each datagram sent through h. If f
// returns false, the datagram is not delivered. A filter may retain the
// datagram and deliver it later with Deliver, to delay or reorder traffic.
// If f == nil, any filter is removed.
//
// The filter is called synchronously by the sender.
func (h *Hub) Filter(f func(Datagram) bool) {
	h.μ.Lock()
	defer h.μ.Unlock()
	h.filter = f
}

// Deliver delivers d to its destination without consulting the filter. It
// reports whether d was queued for delivery.
func (h *Hub) Deliver(d Datagram) bool {
	h.μ.Lock()
	p, ok := h.ports[d.To]
	h.μ.Unlock()
	if !ok {
		return false
	}
	select {
	case <-p.closed:
		return false
	case p.queue <- d:
		return true
	default:
		return false // queue full
	}
}

func (h *Hub) send(d Datagram) {
	h.μ.Lock()
	f := h.filter
	h.μ.Unlock()
	if f == nil || f(d) {
		h.Deliver(d)
	}
}

func (h *Hub) unbind(p *HubPort) {
	h.μ.Lock()
	defer h.μ.Unlock()
	if h.ports[p.addr] == p {
		delete(h.ports, p.addr)
	}
}

// A HubPort is a bound address on a Hub.
type HubPort struct {
	hub    *Hub
	addr   string
	queue  chan Datagram
	once   sync.Once
	closed chan struct{}
}

// Addr returns the address of p.
func (p *HubPort) Addr() string { return p.addr }

// Send implements a method of the [udprpc.Transport] interface.
// The contents of data are copied.
func (p *HubPort) Send(data []byte, addr string) error {
	select {
	case <-p.closed:
		return net.ErrClosed
	default:
	}
	p.hub.send(Datagram{From: p.addr, To: addr, Data: bytes.Clone(data)})
	return nil
}

// Recv implements a method of the [udprpc.Transport] interface.
func (p *HubPort) Recv() ([]byte, string, error) {
	select {
	case <-p.closed:
		return nil, "", net.ErrClosed
	case d := <-p.queue:
		return d.Data, d.From, nil
	}
}

// Close implements a method of the [udprpc.Transport] interface.
// Closing the port unbinds its address from the hub.
func (p *HubPort) Close() error {
	err := net.ErrClosed
	p.once.Do(func() {
		close(p.closed)
		p.hub.unbind(p)
		err = nil
	})
	return err
}
