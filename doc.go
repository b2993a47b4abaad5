// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package udprpc implements a lightweight peer-to-peer remote procedure call
// protocol over unreliable datagrams.
//
// Every participant is symmetric: it serves its own methods to remote peers
// and calls methods of remote peers, over a single datagram endpoint. Calls
// are asynchronous and correlated with their responses by a random ID. The
// protocol does not retransmit; a call whose request or response is lost
// fails with a timeout.
//
// # Messages
//
// A message is a sequence of text fields joined by the [Delimiter]. A request
// has the form
//
//	method,id,arg1,arg2,...
//
// and a response has the form
//
//	id,result1,result2,...
//
// Fields are not escaped, so a field must not contain the delimiter. A
// response whose first result is [ErrorMarker] reports a handler error.
//
// # Fragments
//
// A message is carried by one or more datagrams, each holding a [Fragment]
// with a 6-byte header:
//
//	byte 0     : bit 7 = last-fragment flag, bits 6..0 = conversation ID
//	bytes 1..4 : sequence number, big-endian
//	byte 5     : XOR checksum
//	bytes 6..  : body, at most 494 bytes
//
// Use [Split] to fragment a message and a [Reassembler] to put it back
// together. Fragments may arrive in any order; duplicates are ignored.
//
// Each engine numbers its conversations with each peer modulo 128. A
// fragment that cannot belong to the partial message buffered for its
// conversation discards that message, so an ID reused after a lost fragment
// starts a fresh message.
//
// # Engines
//
// The core type defined by this package is the [Engine]. To create a new,
// unstarted engine and start it on a [Transport]:
//
//	e := udprpc.NewEngine(nil)
//	e.Start(t)
//
// The engine runs until [Engine.Stop] is called or its transport closes.
// Call [Engine.Wait] to wait for the engine to exit and return its status.
//
// To serve a method, register a [Handler] with [Engine.Handle]:
//
//	e.Handle("echo", func(ctx context.Context, req *udprpc.Request, reply udprpc.ReplyFunc) {
//	   reply(req.Args...)
//	})
//
// To call a method of a remote peer, use [Engine.Call] with a [Callback], or
// [Engine.Invoke] to wait for the result:
//
//	rsp, err := e.Invoke(ctx, "echo", "127.0.0.1:5050", "Hello!")
//	if err != nil {
//	   log.Fatalf("Call failed: %v", err)
//	}
//
// Errors delivered to callbacks and returned by Invoke have concrete type
// [*CallError].
//
// To observe traffic, register a [MessageLogger] with [Engine.LogMessages]
// for complete messages, or a [PacketLogger] with [Engine.LogPackets] for
// individual fragments.
//
// # Metrics
//
// Engines maintain a collection of metrics while running. Use the
// [Engine.Metrics] method to obtain an [expvar.Map] containing them:
//
//   - datagrams_received: counter of datagrams received
//   - datagrams_sent: counter of datagrams sent
//   - datagrams_dropped: counter of datagrams received and discarded
//   - messages_reassembled: counter of complete messages reassembled
//   - checksum_failures: counter of fragments and messages failing a checksum
//   - buckets_expired: counter of incomplete messages discarded as stale
//   - calls_in: counter of inbound requests received
//   - calls_in_dropped: counter of inbound requests refused by the rate limit
//   - calls_active: gauge of inbound calls whose handlers are running
//   - calls_out: counter of outbound calls issued
//   - calls_out_failed: counter of outbound calls resulting in errors
//   - calls_pending: gauge of outbound calls awaiting a response
//   - calls_timed_out: counter of outbound calls that timed out
package udprpc
