// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package udprpc

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"golang.org/x/time/rate"
)

// A Transport sends and receives datagrams on behalf of an engine.
// Addresses have the form host:port.
//
// The methods of an implementation must be safe for concurrent use by one
// receiver and multiple senders. Send must not block waiting for the peer,
// and reports an error only for a local failure.
type Transport interface {
	// Send the datagram to the peer at addr.
	Send(data []byte, addr string) error

	// Recv returns the next available datagram and the address it came from.
	Recv() ([]byte, string, error)

	// Close the transport, causing any pending receive to terminate and
	// report an error. After a transport is closed, all further operations
	// on it must report an error.
	Close() error
}

// A Handler processes a request from a remote peer. The handler sends its
// response by calling reply, which it may do after returning, from any
// goroutine. A handler that never calls reply sends no response, and the
// caller's call eventually times out.
//
// A handler can obtain the engine from its context argument using the
// ContextEngine helper. The context ends when the engine stops.
type Handler func(ctx context.Context, req *Request, reply ReplyFunc)

// A ReplyFunc sends a response carrying results to the caller of a request.
// Only the first call sends a response; later calls report ErrReplied.
//
// If the transport fails to send the response, the engine stops, and the
// error is reported by both the ReplyFunc and the Wait method of the engine.
type ReplyFunc func(results ...string) error

// A PacketLogger logs a fragment exchanged with a remote peer.
type PacketLogger func(pkt DatagramInfo)

// A DatagramInfo describes a datagram sent or received by an engine.
type DatagramInfo struct {
	*Fragment        // the decoded fragment, or nil if it was not decodable
	Peer      string // the remote address
	Sent      bool   // whether the datagram was sent (true) or received (false)
}

func (d DatagramInfo) String() string {
	dir := "recv"
	if d.Sent {
		dir = "send"
	}
	if d.Fragment == nil {
		return fmt.Sprintf("%s %s <malformed>", dir, d.Peer)
	}
	return fmt.Sprintf("%s %s %v", dir, d.Peer, d.Fragment)
}

// A MessageLogger logs a complete message exchanged with a remote peer.
type MessageLogger func(msg MessageInfo)

// A MessageKind classifies a message exchanged by an engine.
type MessageKind int

const (
	MessageRequest  MessageKind = iota + 1 // a call of a method
	MessageResponse                        // the results of a call
	MessageUnknown                         // a received message that was not routed
)

var kindStr = [...]string{"INVALID", "request", "response", "unknown"}

func (k MessageKind) String() string {
	if k > 0 && int(k) < len(kindStr) {
		return kindStr[k]
	}
	return kindStr[0]
}

// A MessageInfo describes a complete message sent or received by an engine.
type MessageInfo struct {
	Kind   MessageKind
	Peer   string   // the remote address
	Sent   bool     // whether the message was sent (true) or received (false)
	Fields []string // the decoded fields of the message
	Err    error    // for a sent message, the error from sending it, or nil
}

func (m MessageInfo) String() string {
	dir := "recv"
	if m.Sent {
		dir = "send"
	}
	s := fmt.Sprintf("%s %s %v %q", dir, m.Peer, m.Kind, m.Fields)
	if m.Err != nil {
		s += fmt.Sprintf(" [error: %v]", m.Err)
	}
	return s
}

// Options are settings for an Engine. A nil *Options provides defaults.
type Options struct {
	// CallTimeout is how long a call waits for its response before it fails
	// with ErrTimeout. If zero, a default of 30s is used.
	CallTimeout time.Duration

	// FragmentTTL is how long an incomplete inbound message is retained
	// after its most recent fragment arrived. If zero, a default of 30s is
	// used.
	FragmentTTL time.Duration

	// MaxMessageSize limits the size in bytes of messages sent and
	// reassembled. If zero, a default of 1 MiB is used.
	MaxMessageSize int

	// FragmentSize is the largest fragment body sent. If zero, or larger than
	// MaxFragmentBody, MaxFragmentBody is used.
	FragmentSize int

	// RequestRate, if positive, limits the rate of inbound requests served
	// per second. Requests over the limit are dropped without a reply.
	RequestRate rate.Limit

	// RequestBurst is the burst size for RequestRate. If zero, a burst of 1
	// is used.
	RequestBurst int

	// Rand is the source of randomness for correlation IDs. If nil,
	// crypto/rand.Reader is used.
	Rand io.Reader
}

const (
	defaultCallTimeout    = 30 * time.Second
	defaultFragmentTTL    = 30 * time.Second
	defaultMaxMessageSize = 1 << 20
)

func (o *Options) callTimeout() time.Duration {
	if o == nil || o.CallTimeout <= 0 {
		return defaultCallTimeout
	}
	return o.CallTimeout
}

func (o *Options) fragmentTTL() time.Duration {
	if o == nil || o.FragmentTTL <= 0 {
		return defaultFragmentTTL
	}
	return o.FragmentTTL
}

func (o *Options) maxMessageSize() int {
	if o == nil || o.MaxMessageSize <= 0 {
		return defaultMaxMessageSize
	}
	return o.MaxMessageSize
}

func (o *Options) fragmentSize() int {
	if o == nil || o.FragmentSize <= 0 || o.FragmentSize > MaxFragmentBody {
		return MaxFragmentBody
	}
	return o.FragmentSize
}

func (o *Options) limiter() *rate.Limiter {
	if o == nil || o.RequestRate <= 0 {
		return nil
	}
	return rate.NewLimiter(o.RequestRate, max(o.RequestBurst, 1))
}

func (o *Options) rand() io.Reader {
	if o == nil {
		return nil
	}
	return o.Rand
}

// An Engine serves methods to, and calls methods of, remote peers over a
// datagram Transport. Use NewEngine to construct an engine; an Engine must
// not be copied after any method has been called.
//
// Call Start with a transport to start the service routine for the engine.
// Once started, an engine runs until Stop is called, the transport closes,
// or a reply cannot be sent. Use Wait to wait for the engine to exit and
// report its status.
//
// Call Handle to add handlers to the engine. Use Call or Invoke to call a
// method of a remote peer. These methods are safe for concurrent use by
// multiple goroutines.
type Engine struct {
	out struct {
		// Must hold the lock to send to or set t.
		sync.Mutex
		t Transport
	}
	plog    atomic.Pointer[PacketLogger]
	mlog    atomic.Pointer[MessageLogger]
	metrics *engineMetrics

	callTimeout time.Duration
	fragTTL     time.Duration
	maxMessage  int
	fragSize    int
	rng         io.Reader
	limit       *rate.Limiter

	μ sync.Mutex

	tasks   *taskgroup.Group
	done    chan struct{}           // closed when the engine fails
	running bool                    // started and not failed
	err     error                   // fatal error
	calls   map[string]*pendingCall // correlation ID → outbound call
	frags   *Reassembler            // inbound fragments
	convs   map[string]byte         // peer → next conversation ID
	icall   map[uint64]func()       // inbound call → cancel func
	nexti   uint64                  // next inbound call key
	methods map[string]Handler      // method name → handler
	base    func() context.Context  // return a new base context

	onExit func(error)
}

// NewEngine constructs a new unstarted engine with the given options.
// A nil *Options provides default settings.
func NewEngine(opts *Options) *Engine {
	return &Engine{
		metrics:     newEngineMetrics(),
		callTimeout: opts.callTimeout(),
		fragTTL:     opts.fragmentTTL(),
		maxMessage:  opts.maxMessageSize(),
		fragSize:    opts.fragmentSize(),
		rng:         opts.rand(),
		limit:       opts.limiter(),
		methods:     make(map[string]Handler),
		base:        context.Background,
	}
}

// Start starts the engine running on the given transport. The engine runs
// until the transport closes or a fatal error occurs. Start does not block;
// call Wait to wait for the engine to exit and report its status.
func (e *Engine) Start(t Transport) *Engine {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.tasks != nil {
		panic("engine is already started")
	}

	g := taskgroup.New(nil)
	done := make(chan struct{})
	e.tasks = g
	e.done = done
	e.running = true
	e.err = nil
	e.calls = make(map[string]*pendingCall)
	e.frags = NewReassembler(e.maxMessage)
	e.convs = make(map[string]byte)
	e.icall = make(map[uint64]func())
	e.out.Lock()
	e.out.t = t
	e.out.Unlock()

	g.Go(func() error {
		for {
			data, from, err := t.Recv()
			if err != nil {
				e.fail(err)
				return nil
			}
			e.metrics.datagramRecv.Add(1)
			e.dispatchDatagram(data, from)
		}
	})
	g.Go(func() error {
		e.expireFragments(done)
		return nil
	})
	return e
}

// Metrics returns a metrics map for the engine. It is safe for the caller to
// add additional metrics to the map while the engine is active.
func (e *Engine) Metrics() *expvar.Map { return e.metrics.emap }

// Stop closes the transport and terminates the engine. It blocks until the
// engine has exited and returns its status. After Stop completes it is safe
// to restart the engine with a new transport.
func (e *Engine) Stop() error { e.closeOut(); return e.Wait() }

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// Wait blocks until e terminates and reports the error that caused it to
// stop. After Wait completes it is safe to restart the engine.
//
// If e is not running, or has stopped because its transport closed, Wait
// returns nil; otherwise it returns the error that stopped the engine.
func (e *Engine) Wait() error {
	e.μ.Lock()
	g := e.tasks
	e.μ.Unlock()
	if g == nil {
		return nil // the engine is not running
	}
	g.Wait()

	// Clean up engine state so it can be garbage collected.
	e.μ.Lock()
	defer e.μ.Unlock()
	e.tasks = nil
	e.out.Lock()
	e.out.t = nil
	e.out.Unlock()
	e.calls = nil
	e.frags = nil
	e.convs = nil
	e.icall = nil

	if treatErrorAsSuccess(e.err) {
		return nil
	}
	return e.err
}

// Handle registers a handler for the specified method name. It is safe to
// call this while the engine is running. Passing a nil Handler removes any
// handler for the name. Handle returns e to permit chaining.
//
// Handle panics if name is empty or contains the Delimiter.
func (e *Engine) Handle(name string, handler Handler) *Engine {
	if name == "" {
		panic("empty method name")
	} else if err := checkField("method name", name); err != nil {
		panic(err.Error())
	}
	e.μ.Lock()
	defer e.μ.Unlock()
	if handler == nil {
		delete(e.methods, name)
	} else {
		e.methods[name] = handler
	}
	return e
}

// LogPackets registers a callback that will be invoked for each fragment
// exchanged with remote peers, including datagrams that are discarded.
//
// Passing a nil callback disables packet logging. The packet logger is
// invoked synchronously with sending and dispatch.
func (e *Engine) LogPackets(log PacketLogger) *Engine {
	if log == nil {
		e.plog.Store(nil)
	} else {
		e.plog.Store(&log)
	}
	return e
}

// LogMessages registers a callback that will be invoked for each complete
// message sent to or received from remote peers. Received messages that are
// not routed, because they neither answer a pending call nor request a
// registered method, are logged with kind MessageUnknown.
//
// Passing a nil callback disables message logging. The message logger is
// invoked synchronously, before a response is delivered to its callback and
// before a request is passed to its handler.
func (e *Engine) LogMessages(log MessageLogger) *Engine {
	if log == nil {
		e.mlog.Store(nil)
	} else {
		e.mlog.Store(&log)
	}
	return e
}

// OnExit registers a callback to be invoked when the engine terminates.  The
// callback is executed synchronously during shutdown, with the same error
// value that would be reported by the Wait method.
//
// Only one exit callback can be registered at a time; if f == nil the
// callback is removed.
func (e *Engine) OnExit(f func(error)) *Engine {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.onExit = f
	return e
}

// NewContext registers a function that will be called to create a new base
// context for method handlers. If it is not set a background context is
// used.
func (e *Engine) NewContext(base func() context.Context) *Engine {
	e.μ.Lock()
	defer e.μ.Unlock()
	if base == nil {
		e.base = context.Background
	} else {
		e.base = base
	}
	return e
}

// Call issues a call of method to the peer at the given address, with the
// given arguments, and returns without waiting for the response. The
// callback is invoked exactly once with the outcome: the response results,
// a local send failure (*TransportError), ErrTimeout, or ErrNotRunning if
// the engine stops first.
//
// Call reports an error, and does not invoke cb, if the call cannot be
// issued: ErrInvalidCall if the method or peer is missing, or the method or
// an argument contains the Delimiter; ErrPayloadTooLarge if the request
// exceeds the message size limit; ErrNotRunning if e is not running.
func (e *Engine) Call(method, peer string, cb Callback, args ...string) error {
	_, err := e.call(method, peer, args, cb)
	return err
}

// Invoke calls method at the peer and blocks until the response arrives or
// ctx ends. If ctx ends first, the call is abandoned and a response that
// arrives later is discarded. An error reported by Invoke has concrete type
// *CallError.
func (e *Engine) Invoke(ctx context.Context, method, peer string, args ...string) ([]string, error) {
	type result struct {
		fields []string
		err    error
	}
	ch := make(chan result, 1)
	id, err := e.call(method, peer, args, func(fields []string, err error) {
		ch <- result{fields, err}
	})
	if err != nil {
		return nil, &CallError{Method: method, Peer: peer, Err: err}
	}
	select {
	case r := <-ch:
		return r.fields, r.err
	case <-ctx.Done():
		e.abandon(id)

		// The callback may have been invoked concurrently.
		select {
		case r := <-ch:
			return r.fields, r.err
		default:
			return nil, &CallError{Method: method, Peer: peer, Err: ctx.Err()}
		}
	}
}

// Exec executes the local handler on e for method, if one exists, and waits
// for it to reply or for ctx to end. Exec does not send any datagrams. An
// error reported by Exec has concrete type *CallError.
func (e *Engine) Exec(ctx context.Context, method string, args ...string) ([]string, error) {
	const localPeer = "local"

	e.μ.Lock()
	handler, ok := e.methods[method]
	e.μ.Unlock()
	if !ok {
		return nil, &CallError{Method: method, Peer: localPeer, Err: ErrUnknownMethod}
	}

	pc := &pendingCall{method: method, peer: localPeer}
	ch := make(chan []string, 1)
	var replied atomic.Bool
	reply := func(results ...string) error {
		if !replied.CompareAndSwap(false, true) {
			return ErrReplied
		}
		ch <- results
		return nil
	}
	req := &Request{Caller: localPeer, Method: method, Args: args}
	func() {
		defer func() {
			if x := recover(); x != nil {
				reply(ErrorMarker, fmt.Sprintf("handler panicked (recovered): %v", x))
			}
		}()
		handler(context.WithValue(ctx, engineContextKey{}, e), req, reply)
	}()

	select {
	case results := <-ch:
		if err := pc.resultError(results); err != nil {
			return nil, err
		}
		return results, nil
	case <-ctx.Done():
		return nil, &CallError{Method: method, Peer: localPeer, Err: ctx.Err()}
	}
}

// call issues a call and returns its correlation ID.
func (e *Engine) call(method, peer string, args []string, cb Callback) (string, error) {
	if err := checkCall(method, peer, args); err != nil {
		return "", err
	}
	if cb == nil {
		cb = func([]string, error) {}
	}
	e.metrics.callOut.Add(1)

	// Phase 1: Reserve a correlation ID. The call is recorded before the
	// request is sent, so that a response cannot overtake the registration.
	e.μ.Lock()
	if !e.running {
		e.μ.Unlock()
		return "", ErrNotRunning
	}
	id, err := newCallID(e.rng, func(id string) bool {
		_, ok := e.calls[id]
		return ok
	})
	if err != nil {
		e.μ.Unlock()
		return "", err
	}
	pc := &pendingCall{
		id:     id,
		method: method,
		peer:   peer,
		port:   portOf(peer),
		issued: time.Now(),
		cb:     cb,
	}
	e.calls[id] = pc
	e.metrics.callPending.Add(1)
	e.μ.Unlock()

	// Phase 2: Send the request. We MUST NOT hold the state lock while doing
	// this, since a callback may issue further calls.
	err = e.send(peer, EncodeRequest(method, id, args))
	e.logMessage(MessageRequest, peer, true, err, []string{method, id}, args)

	// Phase 3: Arm the timeout, or report the failure.
	e.μ.Lock()
	cur, ok := e.calls[id]
	ok = ok && cur == pc
	if err != nil {
		if !ok {
			e.μ.Unlock()
			return id, nil // already resolved, e.g., the engine stopped
		}
		e.releaseCallLocked(pc)
		e.μ.Unlock()

		var te *TransportError
		if !errors.As(err, &te) {
			e.metrics.callOutErr.Add(1)
			return "", err // the request was never sent
		}
		e.finish(pc, nil, err)
		return id, nil
	}
	if ok {
		pc.timer = time.AfterFunc(e.callTimeout, func() { e.expireCall(pc) })
	}
	e.μ.Unlock()
	return id, nil
}

// releaseCallLocked removes pc from the pending calls.
func (e *Engine) releaseCallLocked(pc *pendingCall) {
	delete(e.calls, pc.id)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	e.metrics.callPending.Add(-1)
}

// abandon removes the pending call for id, if any, without invoking its
// callback.
func (e *Engine) abandon(id string) {
	e.μ.Lock()
	defer e.μ.Unlock()
	if pc, ok := e.calls[id]; ok {
		e.releaseCallLocked(pc)
	}
}

// expireCall fails pc with ErrTimeout if it is still pending.
func (e *Engine) expireCall(pc *pendingCall) {
	e.μ.Lock()
	cur, ok := e.calls[pc.id]
	if !ok || cur != pc {
		e.μ.Unlock()
		return // resolved while the timer was firing
	}
	e.releaseCallLocked(pc)
	e.μ.Unlock()

	e.metrics.callTimeout.Add(1)
	e.finish(pc, nil, fmt.Errorf("no response after %v: %w", time.Since(pc.issued).Round(time.Millisecond), ErrTimeout))
}

// finish delivers the outcome of pc to its callback. The caller must have
// removed pc from the pending calls, and must not hold the state lock.
func (e *Engine) finish(pc *pendingCall, results []string, err error) {
	if err != nil {
		err = &CallError{Method: pc.method, Peer: pc.peer, Err: err}
	} else if err = pc.resultError(results); err != nil {
		results = nil
	}
	if err != nil {
		e.metrics.callOutErr.Add(1)
	}
	pc.cb(results, err)
}

// send fragments payload and sends the fragments to peer.
// A local send failure is reported as a *TransportError.
func (e *Engine) send(peer string, payload []byte) error {
	if len(payload) > e.maxMessage {
		return fmt.Errorf("message of %d bytes to %s: %w", len(payload), peer, ErrPayloadTooLarge)
	}
	e.μ.Lock()
	if !e.running {
		e.μ.Unlock()
		return ErrNotRunning
	}
	conv := e.nextConvLocked(peer)
	e.μ.Unlock()

	frags, err := Split(payload, conv, e.fragSize)
	if err != nil {
		return err
	}
	for i := range frags {
		data, err := frags[i].MarshalBinary()
		if err != nil {
			return err
		}
		if err := e.sendOut(peer, &frags[i], data); err != nil {
			return &TransportError{Peer: peer, Err: err}
		}
	}
	return nil
}

// maxConvPeers bounds the number of peers whose conversation IDs are tracked.
const maxConvPeers = 1 << 12

// nextConvLocked returns the next conversation ID for a message to peer.
func (e *Engine) nextConvLocked(peer string) byte {
	conv, ok := e.convs[peer]
	if !ok && len(e.convs) >= maxConvPeers {
		clear(e.convs)
	}
	e.convs[peer] = (conv + 1) & MaxConversationID
	return conv
}

func (e *Engine) sendOut(peer string, f *Fragment, data []byte) error {
	e.out.Lock()
	defer e.out.Unlock()
	if e.out.t == nil {
		return net.ErrClosed
	}
	e.metrics.datagramSent.Add(1)
	e.logPacket(DatagramInfo{Fragment: f, Peer: peer, Sent: true})
	return e.out.t.Send(data, peer)
}

func (e *Engine) closeOut() {
	e.out.Lock()
	defer e.out.Unlock()
	if e.out.t != nil {
		e.out.t.Close()
	}
}

func (e *Engine) logPacket(info DatagramInfo) {
	if log := e.plog.Load(); log != nil {
		(*log)(info)
	}
}

// logMessage logs a message whose fields are head followed by rest.
func (e *Engine) logMessage(kind MessageKind, peer string, sent bool, err error, head, rest []string) {
	if log := e.mlog.Load(); log != nil {
		(*log)(MessageInfo{Kind: kind, Peer: peer, Sent: sent, Fields: slices.Concat(head, rest), Err: err})
	}
}

// fail terminates all pending calls and records the first fatal error.
func (e *Engine) fail(err error) {
	e.closeOut()

	e.μ.Lock()
	if !e.running {
		e.μ.Unlock()
		return // already failed
	}
	e.running = false
	e.err = err
	close(e.done)

	// Terminate all incomplete active (inbound) calls.
	for _, stop := range e.icall {
		stop()
	}

	// Collect incomplete pending (outbound) calls, to be failed below.
	var pending []*pendingCall
	for _, pc := range e.calls {
		e.releaseCallLocked(pc)
		pending = append(pending, pc)
	}
	onExit := e.onExit
	e.μ.Unlock()

	for _, pc := range pending {
		e.finish(pc, nil, ErrNotRunning)
	}
	if onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		onExit(err)
	}
}

// expireFragments periodically discards stale incomplete messages until done
// is closed.
func (e *Engine) expireFragments(done <-chan struct{}) {
	t := time.NewTicker(max(e.fragTTL/2, time.Millisecond))
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-t.C:
			e.μ.Lock()
			if e.frags != nil {
				e.metrics.bucketsExpired.Add(int64(e.frags.Expire(now.Add(-e.fragTTL))))
			}
			e.μ.Unlock()
		}
	}
}

// dispatchDatagram decodes and routes an inbound datagram. Datagrams that
// cannot be decoded, reassembled, or routed are discarded.
func (e *Engine) dispatchDatagram(data []byte, from string) {
	var f Fragment
	if err := f.UnmarshalBinary(data); err != nil {
		e.logPacket(DatagramInfo{Peer: from})
		e.metrics.datagramDropped.Add(1)
		return
	}
	e.logPacket(DatagramInfo{Fragment: &f, Peer: from})
	if run := e.receiveFragment(from, f); run != nil {
		run()
	}
}

// receiveFragment adds f to its message. If that completes the message, it
// routes the message, and may return a function to be run after the state
// lock is released.
func (e *Engine) receiveFragment(from string, f Fragment) func() {
	e.μ.Lock()
	defer e.μ.Unlock()
	if !e.running {
		return nil
	}
	if err := e.frags.Put(from, f); err != nil {
		e.dropLocked(err)
		return nil
	}
	msg, err := e.frags.TryComplete(from, f.Conversation)
	if err != nil {
		e.dropLocked(err)
		return nil
	} else if msg == nil {
		return nil // more fragments needed
	}
	e.metrics.reassembled.Add(1)
	return e.routeMessageLocked(from, DecodeFields(msg))
}

func (e *Engine) dropLocked(err error) {
	if errors.Is(err, ErrChecksumMismatch) {
		e.metrics.checksumErr.Add(1)
	}
	e.metrics.datagramDropped.Add(1)
}

// routeMessageLocked classifies a complete message as a response to a
// pending call or a request for a registered method. Anything else is
// discarded.
func (e *Engine) routeMessageLocked(from string, fields []string) func() {
	if pc, ok := e.calls[fields[0]]; ok && portOf(from) == pc.port {
		e.releaseCallLocked(pc)
		return func() {
			e.logMessage(MessageResponse, from, false, nil, fields, nil)
			e.finish(pc, fields[1:], nil)
		}
	}

	handler, ok := e.methods[fields[0]]
	if !ok || len(fields) < 2 {
		e.metrics.datagramDropped.Add(1)
		return func() { e.logMessage(MessageUnknown, from, false, nil, fields, nil) }
	}
	e.metrics.callIn.Add(1)
	if e.limit != nil && !e.limit.Allow() {
		e.metrics.callInDropped.Add(1)
		return func() { e.logMessage(MessageRequest, from, false, nil, fields, nil) }
	}
	e.dispatchRequestLocked(handler, &Request{
		Caller: from,
		Method: fields[0],
		ID:     fields[1],
		Args:   fields[2:],
	})
	return nil
}

// dispatchRequestLocked starts a goroutine to run handler for req.
func (e *Engine) dispatchRequestLocked(handler Handler, req *Request) {
	pctx := context.WithValue(e.base(), engineContextKey{}, e)
	ctx, cancel := context.WithCancel(pctx)
	e.nexti++
	key := e.nexti
	e.icall[key] = cancel
	e.metrics.callActive.Add(1)

	reply := e.newReply(req)
	e.tasks.Go(func() error {
		defer func() {
			e.μ.Lock()
			delete(e.icall, key)
			e.μ.Unlock()
			cancel()
			e.metrics.callActive.Add(-1)
		}()

		// Ensure a panic out of the handler is turned into an error response.
		defer func() {
			if x := recover(); x != nil {
				reply(ErrorMarker, fmt.Sprintf("handler panicked (recovered): %v", x))
			}
		}()
		e.logMessage(MessageRequest, req.Caller, false, nil, []string{req.Method, req.ID}, req.Args)
		handler(ctx, req, reply)
		return nil
	})
}

// newReply returns a ReplyFunc that sends a response for req.
func (e *Engine) newReply(req *Request) ReplyFunc {
	var replied atomic.Bool
	return func(results ...string) error {
		if !replied.CompareAndSwap(false, true) {
			return ErrReplied
		}
		err := e.send(req.Caller, EncodeResponse(req.ID, results))
		e.logMessage(MessageResponse, req.Caller, true, err, []string{req.ID}, results)
		var te *TransportError
		if errors.As(err, &te) {
			e.fail(err) // the transport is unusable
		}
		return err
	}
}

type engineContextKey struct{}

// ContextEngine returns the Engine associated with the given context, or nil
// if none is defined. The context passed to a method Handler has this value.
func ContextEngine(ctx context.Context) *Engine {
	if v := ctx.Value(engineContextKey{}); v != nil {
		return v.(*Engine)
	}
	return nil
}
