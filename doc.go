// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package txsvc implements a retry-multiplexed request/response transaction
// engine over shared datagram bindings.
//
// Several small protocols on a constrained node (address assignment,
// authentication, routing) share the same pattern: send a datagram, wait
// for a reply that carries the same transaction id, retransmit with
// exponential backoff, and eventually give up. At the same time each of
// them may act as a server and answer requests from peers. An [Engine]
// provides that machinery once, for any number of protocol instances and
// outstanding transactions, over a single datagram binding per interface.
//
// # Engines
//
// An engine is constructed with an [Opener], which creates the per-interface
// bindings, and a [Correlator], which knows where a protocol keeps its
// transaction id:
//
//	e := txsvc.New(txsvc.Config{
//	   Opener:     net.Node(addr),
//	   Correlator: dhcp.Correlator{},
//	})
//
// An engine never blocks and never starts goroutines. Time advances only
// when the caller invokes [Engine.Tick], and inbound datagrams arrive only
// through the [Receiver] the engine hands to each binding. All methods of an
// engine must be called from one goroutine; the evloop package arranges
// this for real sockets.
//
// # Instances
//
// An instance is a protocol endpoint registered on an interface:
//
//	id, err := e.Register(iface, txsvc.RequestFunc(func(req *txsvc.Request) txsvc.Result {
//	   if req.Header.Type != myRequestType {
//	      return txsvc.NotMine
//	   }
//	   // ... handle the request
//	   return txsvc.Accepted
//	}))
//
// The first instance registered on an interface opens its binding; the
// binding is shared with later instances and closed when the last instance
// on the interface is unregistered.
//
// # Transactions
//
// To start a transaction, use [Engine.SendRequest]:
//
//	tid, err := e.SendRequest(id, server, txsvc.TxNone, nil, txsvc.NewBuffer(msg),
//	   txsvc.ResponseFunc(func(rsp *txsvc.Response) txsvc.Result {
//	      if rsp.Failed() {
//	         log.Printf("Request %d: %v", rsp.ID, rsp.Err)
//	         return txsvc.Accepted
//	      }
//	      // ... use rsp.Data
//	      return txsvc.Accepted
//	   }))
//
// The engine stamps a fresh transaction id into the payload, sends it, and
// retransmits it according to its [RetryPolicy] until the handler accepts a
// response or the retries are used up. In the latter case the handler is
// called once with Err set to [ErrRetryExhausted]. [Engine.Remove] cancels
// a transaction without calling its handler.
//
// # Dispatch
//
// An inbound datagram whose correlation header is response-shaped and names
// an active transaction is offered to that transaction's handler. Responses
// naming no active transaction are dropped. Any other datagram is offered to
// the instances on the interface where it arrived, in registration order,
// until one of them reports [Accepted] or [Corrupted].
//
// # Buffers
//
// Payloads are carried in move-only [Buffer] values. A buffer passed to the
// engine belongs to the engine from then on, even if the call reports an
// error. An inbound buffer belongs to a handler only if it reports
// [Accepted]; otherwise the engine releases it after the handler returns.
//
// # Metrics
//
// Each engine maintains a collection of metrics. Use [Engine.Metrics] to
// obtain an [expvar.Map] containing them. It is safe for the caller to add
// entries to the map.
package txsvc
