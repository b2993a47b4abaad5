// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package udprpc

import "expvar"

// engineMetrics record engine activity counters.
type engineMetrics struct {
	datagramRecv    expvar.Int
	datagramSent    expvar.Int
	datagramDropped expvar.Int // undecodable, inconsistent, or unroutable
	reassembled     expvar.Int // complete messages
	checksumErr     expvar.Int
	bucketsExpired  expvar.Int
	callIn          expvar.Int // number of inbound requests received
	callInDropped   expvar.Int // number of inbound requests refused by the limiter
	callActive      expvar.Int // inbound
	callOut         expvar.Int // number of outbound calls initiated
	callOutErr      expvar.Int // number of outbound calls reporting an error
	callPending     expvar.Int // outbound
	callTimeout     expvar.Int

	emap *expvar.Map
}

func newEngineMetrics() *engineMetrics {
	em := &engineMetrics{emap: new(expvar.Map)}
	em.emap.Set("datagrams_received", &em.datagramRecv)
	em.emap.Set("datagrams_sent", &em.datagramSent)
	em.emap.Set("datagrams_dropped", &em.datagramDropped)
	em.emap.Set("messages_reassembled", &em.reassembled)
	em.emap.Set("checksum_failures", &em.checksumErr)
	em.emap.Set("buckets_expired", &em.bucketsExpired)
	em.emap.Set("calls_in", &em.callIn)
	em.emap.Set("calls_in_dropped", &em.callInDropped)
	em.emap.Set("calls_active", &em.callActive)
	em.emap.Set("calls_out", &em.callOut)
	em.emap.Set("calls_out_failed", &em.callOutErr)
	em.emap.Set("calls_pending", &em.callPending)
	em.emap.Set("calls_timed_out", &em.callTimeout)
	return em
}
