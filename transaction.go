// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package txsvc

import (
	"fmt"
	"net/netip"

	"github.com/creachadair/txsvc/internal/arena"
	"github.com/creachadair/txsvc/trace"
)

// A RetryPolicy governs the retransmission of a transaction. Times are in
// ticks.
//
// A transaction is first sent when it is created. Each time its timeout
// elapses without an accepted response it is sent again and its timeout
// doubles, up to TimeoutMax. After RetransMax retransmissions, the next
// expiry fails the transaction.
type RetryPolicy struct {
	TimeoutInit uint16 `json:"timeout_init" yaml:"timeout_init"`
	TimeoutMax  uint16 `json:"timeout_max" yaml:"timeout_max"`
	RetransMax  uint8  `json:"retrans_max" yaml:"retrans_max"`
}

// DefaultRetryPolicy is the policy used when a Config does not set one:
// one second initially, doubling to at most 32 seconds, four retransmissions.
var DefaultRetryPolicy = RetryPolicy{TimeoutInit: 10, TimeoutMax: 320, RetransMax: 4}

func (p RetryPolicy) check() error {
	if p.TimeoutInit == 0 {
		return fmt.Errorf("%w: zero initial timeout", ErrInvalidPolicy)
	}
	return nil
}

func (p RetryPolicy) normalize() RetryPolicy {
	p.TimeoutMax = max(p.TimeoutMax, p.TimeoutInit)
	return p
}

// Validate reports whether p is usable. A policy whose TimeoutMax is less
// than its TimeoutInit is valid; the maximum is raised to match.
func (p RetryPolicy) Validate() error { return p.check() }

func (p RetryPolicy) String() string {
	return fmt.Sprintf("init=%d max=%d retrans=%d", p.TimeoutInit, p.TimeoutMax, p.RetransMax)
}

type transaction struct {
	id      TrID
	owner   InstanceID
	bind    *sharedBinding
	dst     netip.Addr
	opts    TxOptions
	ctx     any
	handler ResponseHandler
	payload *Buffer
	policy  RetryPolicy

	timeout uint32 // current timeout, in ticks
	elapsed uint32 // ticks elapsed since the last (re)transmission
	retries uint8  // retransmissions performed
}

// restart resets the timer of t to its initial timeout.
func (t *transaction) restart() {
	t.timeout = uint32(t.policy.TimeoutInit)
	t.elapsed = 0
}

// backoff doubles the timeout of t, up to its maximum.
func (t *transaction) backoff() {
	t.timeout = min(2*t.timeout, uint32(t.policy.TimeoutMax))
}

func (t *transaction) remaining() uint32 {
	if t.elapsed >= t.timeout {
		return 0
	}
	return t.timeout - t.elapsed
}

// SendRequest starts a new transaction owned by inst. It allocates a
// transaction id, stamps it into payload, sends payload to dst on the
// interface of inst, and arms the retry timer with the engine's default
// policy.
//
// The engine owns payload from the moment of the call, even if SendRequest
// reports an error. A failure to transmit is not an error: the retry timer
// sends the request again.
//
// The handler is called with each response that names the transaction,
// until it accepts one, or once with Err set to [ErrRetryExhausted] when
// the retries are used up. It is not called if the transaction is removed.
func (e *Engine) SendRequest(inst InstanceID, dst netip.Addr, opts TxOptions, clientCtx any, payload *Buffer, h ResponseHandler) (TrID, error) {
	const op = "send request"
	fail := func(err error) (TrID, error) {
		payload.Release()
		return 0, opError(op, uint32(inst), err)
	}

	in, ok := e.inst.Get(arena.Handle(inst))
	if !ok {
		return fail(ErrInvalidHandle)
	} else if h == nil {
		return fail(ErrNullCallback)
	} else if f, ok := h.(ResponseFunc); ok && f == nil {
		return fail(ErrNullCallback)
	} else if !dst.IsValid() {
		return fail(fmt.Errorf("invalid destination %v", dst))
	} else if e.txns.Len() >= e.txns.Cap() {
		return fail(ErrAllocation)
	}
	id, ok := e.nextID()
	if !ok {
		return fail(ErrAllocation)
	}
	if err := e.corr.Stamp(payload.Bytes(), id); err != nil {
		return fail(fmt.Errorf("stamp id %d: %w", id, err))
	}
	t := transaction{
		id:      id,
		owner:   inst,
		bind:    in.bind,
		dst:     dst,
		opts:    opts,
		ctx:     clientCtx,
		handler: h,
		payload: payload.Take(),
		policy:  e.policy,
	}
	t.restart()
	hd, ok := e.txns.Alloc(t)
	if !ok {
		t.payload.Release()
		return 0, opError(op, uint32(inst), ErrAllocation)
	}
	e.byID[id] = hd
	e.lastID = id
	e.stats.reqSent.Add(1)
	e.stats.txPending.Add(1)
	e.emit(trace.Event{
		Kind:      trace.KindSend,
		Instance:  uint32(inst),
		Interface: int(t.bind.iface),
		TrID:      uint32(id),
		Peer:      dst.String(),
		Size:      t.payload.Len(),
		Timeout:   t.timeout,
	})
	e.transmit(t.bind, dst, opts, t.payload.Bytes(), id)
	return id, nil
}

// nextID allocates the next free transaction id after the last one issued,
// wrapping to 1 after the largest id the correlator supports.
func (e *Engine) nextID() (TrID, bool) {
	hi := e.corr.MaxID()
	if hi == 0 {
		return 0, false
	}
	id := e.lastID
	for range hi {
		id++
		if id > hi || id == 0 {
			id = 1
		}
		if _, used := e.byID[id]; !used {
			return id, true
		}
	}
	return 0, false
}

func (e *Engine) lookup(op string, id TrID) (arena.Handle, *transaction, error) {
	h, ok := e.byID[id]
	if ok {
		if t, ok := e.txns.Get(h); ok {
			return h, t, nil
		}
	}
	return 0, nil, opError(op, uint32(id), ErrInvalidHandle)
}

// Active reports whether id names an active transaction.
func (e *Engine) Active(id TrID) bool {
	_, ok := e.byID[id]
	return ok
}

// SetRetryTimers replaces the retry policy of the active transaction id and
// restarts its timer with the new initial timeout. Retransmissions already
// performed still count against the new limit, capped at retransMax; if
// they reach it, the next expiry fails the transaction.
func (e *Engine) SetRetryTimers(id TrID, timeoutInit, timeoutMax uint16, retransMax uint8) error {
	const op = "set retry timers"
	p := RetryPolicy{TimeoutInit: timeoutInit, TimeoutMax: timeoutMax, RetransMax: retransMax}
	if err := p.check(); err != nil {
		return opError(op, uint32(id), err)
	}
	_, t, err := e.lookup(op, id)
	if err != nil {
		return err
	}
	t.policy = p.normalize()
	t.retries = min(t.retries, t.policy.RetransMax)
	t.restart()
	e.emit(trace.Event{
		Kind:     trace.KindPolicy,
		Instance: uint32(t.owner),
		TrID:     uint32(id),
		Timeout:  t.timeout,
		Retries:  t.retries,
		Reason:   t.policy.String(),
	})
	return nil
}

// Remove cancels the active transaction id. Its handler is not called.
func (e *Engine) Remove(id TrID) error {
	h, _, err := e.lookup("remove", id)
	if err != nil {
		return err
	}
	e.cancel(h)
	return nil
}

// free removes the transaction at h from the table and returns it.
func (e *Engine) free(h arena.Handle) transaction {
	t, _ := e.txns.Free(h)
	delete(e.byID, t.id)
	e.stats.txPending.Add(-1)
	return t
}

func (e *Engine) cancel(h arena.Handle) {
	t := e.free(h)
	t.payload.Release()
	e.stats.canceled.Add(1)
	e.emit(trace.Event{Kind: trace.KindCancel, Instance: uint32(t.owner), TrID: uint32(t.id)})
}

func (e *Engine) complete(h arena.Handle) {
	t := e.free(h)
	t.payload.Release()
	e.stats.completed.Add(1)
	e.emit(trace.Event{
		Kind:     trace.KindComplete,
		Instance: uint32(t.owner),
		TrID:     uint32(t.id),
		Retries:  t.retries,
	})
}

func (e *Engine) expire(h arena.Handle) {
	t := e.free(h)
	t.payload.Release()
	e.stats.expired.Add(1)
	e.emit(trace.Event{
		Kind:     trace.KindExpire,
		Instance: uint32(t.owner),
		TrID:     uint32(t.id),
		Peer:     t.dst.String(),
		Retries:  t.retries,
		Reason:   ErrRetryExhausted.Error(),
	})
	t.handler.HandleResponse(&Response{
		Instance: t.owner,
		ID:       t.id,
		Context:  t.ctx,
		Err:      ErrRetryExhausted,
	})
}

// Tick advances the timers of all active transactions by the given number
// of ticks. A transaction whose timeout has passed is retransmitted, or
// failed if its retries are used up. When ticks spans several timeouts,
// each is processed in turn, so that Tick(n) has the same effect as n calls
// to Tick(1).
//
// Tick reports whether any transactions remain active. When it reports
// false, the caller may stop ticking until the next SendRequest.
func (e *Engine) Tick(ticks uint16) bool {
	if ticks == 0 {
		return e.txns.Len() > 0
	}
	for _, h := range e.txns.Handles() {
		t, ok := e.txns.Get(h)
		if !ok {
			continue // removed by an earlier callback
		}
		t.elapsed += uint32(ticks)
		for t.elapsed >= t.timeout {
			t.elapsed -= t.timeout
			if t.retries >= t.policy.RetransMax {
				e.expire(h)
				break
			}
			t.retries++
			t.backoff()
			e.stats.retrans.Add(1)
			e.emit(trace.Event{
				Kind:      trace.KindRetransmit,
				Instance:  uint32(t.owner),
				Interface: int(t.bind.iface),
				TrID:      uint32(t.id),
				Peer:      t.dst.String(),
				Size:      t.payload.Len(),
				Timeout:   t.timeout,
				Retries:   t.retries,
			})
			e.transmit(t.bind, t.dst, t.opts, t.payload.Bytes(), t.id)
			if t, ok = e.txns.Get(h); !ok {
				break // the binding delivered a response synchronously
			}
		}
	}
	return e.txns.Len() > 0
}

// Pending reports the number of active transactions.
func (e *Engine) Pending() int { return e.txns.Len() }

// NextTimeout reports the number of ticks until the earliest transaction
// timeout. It reports false if no transactions are active.
func (e *Engine) NextTimeout() (uint32, bool) {
	var next uint32
	var ok bool
	for _, t := range e.txns.All() {
		if r := t.remaining(); !ok || r < next {
			next, ok = r, true
		}
	}
	return next, ok
}
