// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package txsvc

import "expvar"

// engineMetrics record engine activity counters.
type engineMetrics struct {
	packetRecv    expvar.Int
	packetSent    expvar.Int // includes retransmissions and responses
	packetDropped expvar.Int
	instances     expvar.Int // gauge of registered instances
	txPending     expvar.Int // gauge of active transactions
	reqSent       expvar.Int // number of transactions started
	retrans       expvar.Int // number of retransmissions
	expired       expvar.Int // transactions that exhausted their retries
	completed     expvar.Int // transactions that accepted a response
	partial       expvar.Int // responses that asked to wait for another
	canceled      expvar.Int // transactions removed by their owner
	claimed       expvar.Int // inbound requests accepted by an instance
	respSent      expvar.Int // one-shot responses sent
	sendErr       expvar.Int // binding send failures

	emap *expvar.Map
}

func newEngineMetrics() *engineMetrics {
	m := &engineMetrics{emap: new(expvar.Map)}
	m.emap.Set("datagrams_received", &m.packetRecv)
	m.emap.Set("datagrams_sent", &m.packetSent)
	m.emap.Set("datagrams_dropped", &m.packetDropped)
	m.emap.Set("instances", &m.instances)
	m.emap.Set("transactions_pending", &m.txPending)
	m.emap.Set("requests_sent", &m.reqSent)
	m.emap.Set("retransmits", &m.retrans)
	m.emap.Set("expired", &m.expired)
	m.emap.Set("completed", &m.completed)
	m.emap.Set("partial", &m.partial)
	m.emap.Set("canceled", &m.canceled)
	m.emap.Set("requests_claimed", &m.claimed)
	m.emap.Set("responses_sent", &m.respSent)
	m.emap.Set("send_errors", &m.sendErr)
	return m
}
