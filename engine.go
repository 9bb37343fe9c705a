// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package txsvc

import (
	"errors"
	"expvar"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/creachadair/txsvc/internal/arena"
	"github.com/creachadair/txsvc/trace"
	"github.com/google/uuid"
)

// An InstanceID identifies a registered service instance. Zero is never a
// valid instance id, and the id of an unregistered instance is not reused
// for a new registration in the same slot.
type InstanceID uint32

// Default capacity limits for a Config that does not set them.
const (
	DefaultMaxInstances    = 32
	DefaultMaxTransactions = 256
)

// Config carries the settings for a new Engine.
type Config struct {
	// Opener creates the per-interface bindings. It must not be nil.
	Opener Opener

	// Correlator reads and writes transaction ids. It must not be nil.
	Correlator Correlator

	// Retry is the policy given to new transactions. If it is zero,
	// DefaultRetryPolicy is used.
	Retry RetryPolicy

	// MaxInstances bounds the number of registered instances.
	// If zero, DefaultMaxInstances is used.
	MaxInstances int

	// MaxTransactions bounds the number of active transactions.
	// If zero, DefaultMaxTransactions is used.
	MaxTransactions int

	// Tracer, if non-nil, receives an event for each state transition.
	Tracer trace.Logger
}

// An Engine multiplexes request transactions and service instances over
// shared per-interface datagram bindings.
//
// An Engine is not safe for concurrent use. All of its methods, and the
// Receivers it hands to its bindings, must be called from a single goroutine.
// Callbacks run synchronously on that goroutine and may call back into the
// engine.
type Engine struct {
	id     string
	opener Opener
	corr   Correlator
	policy RetryPolicy
	tracer trace.Logger
	plog   PacketLogger
	stats  *engineMetrics

	inst  *arena.Arena[instance]
	order []InstanceID // registration order
	binds map[InterfaceID]*sharedBinding

	txns   *arena.Arena[transaction]
	byID   map[TrID]arena.Handle
	lastID TrID // most recently allocated transaction id
}

type instance struct {
	iface   InterfaceID
	handler RequestHandler
	bind    *sharedBinding
}

// A sharedBinding is the single binding of an interface, reference counted
// by the instances registered on it.
type sharedBinding struct {
	iface InterfaceID
	b     Binding
	refs  int
}

// New constructs an engine with the given settings. It panics if cfg.Opener
// or cfg.Correlator is nil, or if cfg.Retry is non-zero but invalid.
func New(cfg Config) *Engine {
	if cfg.Opener == nil {
		panic("txsvc: nil Opener")
	} else if cfg.Correlator == nil {
		panic("txsvc: nil Correlator")
	}
	policy := cfg.Retry
	if policy == (RetryPolicy{}) {
		policy = DefaultRetryPolicy
	} else if err := policy.check(); err != nil {
		panic(fmt.Sprintf("txsvc: %v", err))
	}
	return &Engine{
		id:     uuid.New().String(),
		opener: cfg.Opener,
		corr:   cfg.Correlator,
		policy: policy.normalize(),
		tracer: cfg.Tracer,
		stats:  newEngineMetrics(),
		inst:   arena.New[instance](cmpOr(cfg.MaxInstances, DefaultMaxInstances)),
		binds:  make(map[InterfaceID]*sharedBinding),
		txns:   arena.New[transaction](cmpOr(cfg.MaxTransactions, DefaultMaxTransactions)),
		byID:   make(map[TrID]arena.Handle),
	}
}

func cmpOr(v, dflt int) int {
	if v <= 0 {
		return dflt
	}
	return v
}

// ID returns the unique identifier of e, as recorded in its trace events.
func (e *Engine) ID() string { return e.id }

// Metrics returns the metrics map for the engine. It is safe for the caller
// to add additional metrics to the map.
//
// The metrics exported include:
//
//   - datagrams_received, datagrams_sent, datagrams_dropped: counters
//   - instances, transactions_pending: gauges
//   - requests_sent, retransmits, expired, completed, partial, canceled:
//     transaction counters
//   - requests_claimed, responses_sent, send_errors: counters
func (e *Engine) Metrics() *expvar.Map { return e.stats.emap }

// RetryPolicy returns the default retry policy of e.
func (e *Engine) RetryPolicy() RetryPolicy { return e.policy }

// LogPackets registers a callback that will be invoked for each datagram
// sent or received by the engine, including datagrams later dropped.
// Passing nil disables packet logging. The logger must not call methods of
// the engine. LogPackets returns e to permit chaining.
func (e *Engine) LogPackets(log PacketLogger) *Engine {
	e.plog = log
	return e
}

// Register adds an instance on iface whose handler is offered inbound
// datagrams no transaction claims. The binding for iface is opened if this
// is the first instance on it, and shared otherwise.
func (e *Engine) Register(iface InterfaceID, h RequestHandler) (InstanceID, error) {
	const op = "register"
	if h == nil {
		return 0, opError(op, 0, ErrNullCallback)
	} else if f, ok := h.(RequestFunc); ok && f == nil {
		return 0, opError(op, 0, ErrNullCallback)
	}
	if e.inst.Len() >= e.inst.Cap() {
		return 0, opError(op, 0, ErrAllocation)
	}
	sb, err := e.acquire(iface)
	if err != nil {
		return 0, opError(op, 0, err)
	}
	hd, ok := e.inst.Alloc(instance{iface: iface, handler: h, bind: sb})
	if !ok {
		e.release(sb) // unreachable given the check above
		return 0, opError(op, 0, ErrAllocation)
	}
	id := InstanceID(hd)
	e.order = append(e.order, id)
	e.stats.instances.Add(1)
	e.emit(trace.Event{Kind: trace.KindRegister, Instance: uint32(id), Interface: int(iface)})
	return id, nil
}

// Unregister removes the instance. Its own outstanding transactions are
// cancelled without callbacks; transactions of other instances are not
// affected. When the last instance on an interface leaves, the binding is
// closed and any error from closing it is returned.
func (e *Engine) Unregister(id InstanceID) error {
	const op = "unregister"
	in, ok := e.inst.Get(arena.Handle(id))
	if !ok {
		return opError(op, uint32(id), ErrInvalidHandle)
	}
	for _, h := range e.txns.Handles() {
		if t, _ := e.txns.Get(h); t.owner == id {
			e.cancel(h)
		}
	}
	sb := in.bind
	e.inst.Free(arena.Handle(id))
	e.order = slices.DeleteFunc(e.order, func(v InstanceID) bool { return v == id })
	e.stats.instances.Add(-1)
	e.emit(trace.Event{Kind: trace.KindUnregister, Instance: uint32(id), Interface: int(sb.iface)})
	if err := e.release(sb); err != nil {
		return opError(op, uint32(id), err)
	}
	return nil
}

// Instances returns the instances registered on iface in registration order.
func (e *Engine) Instances(iface InterfaceID) []InstanceID {
	var out []InstanceID
	for _, id := range e.order {
		if in, ok := e.inst.Get(arena.Handle(id)); ok && in.iface == iface {
			out = append(out, id)
		}
	}
	return out
}

// Close cancels all transactions without callbacks, unregisters every
// instance and closes every binding. The engine may be reused afterward.
func (e *Engine) Close() error {
	var errs []error
	for _, id := range slices.Clone(e.order) {
		if err := e.Unregister(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) acquire(iface InterfaceID) (*sharedBinding, error) {
	if sb, ok := e.binds[iface]; ok {
		sb.refs++
		return sb, nil
	}
	b, err := e.opener.Open(iface, e.receiver(iface))
	if err != nil {
		return nil, fmt.Errorf("open interface %d: %w", iface, err)
	}
	sb := &sharedBinding{iface: iface, b: b, refs: 1}
	e.binds[iface] = sb
	e.emit(trace.Event{Kind: trace.KindBindOpen, Interface: int(iface)})
	return sb, nil
}

func (e *Engine) release(sb *sharedBinding) error {
	sb.refs--
	if sb.refs > 0 {
		return nil
	}
	delete(e.binds, sb.iface)
	e.emit(trace.Event{Kind: trace.KindBindClose, Interface: int(sb.iface)})
	if err := sb.b.Close(); err != nil {
		return fmt.Errorf("close interface %d: %w", sb.iface, err)
	}
	return nil
}

func (e *Engine) receiver(iface InterfaceID) Receiver {
	return func(src netip.Addr, data []byte) { e.Deliver(iface, src, NewBuffer(data)) }
}

// SendResponse sends payload to dst on iface without retry bookkeeping.
// The engine owns payload from the moment of the call, and releases it
// before returning. An instance must be registered on iface.
func (e *Engine) SendResponse(iface InterfaceID, dst netip.Addr, opts TxOptions, payload *Buffer) error {
	const op = "send response"
	defer payload.Release()

	sb, ok := e.binds[iface]
	if !ok {
		return opError(op, 0, fmt.Errorf("interface %d: %w", iface, ErrInvalidHandle))
	} else if !dst.IsValid() {
		return opError(op, 0, fmt.Errorf("invalid destination %v", dst))
	}
	data := payload.Bytes()
	if err := e.transmit(sb, dst, opts, data, 0); err != nil {
		return opError(op, 0, err)
	}
	e.stats.respSent.Add(1)
	e.emit(trace.Event{Kind: trace.KindReply, Interface: int(iface), Peer: dst.String(), Size: len(data)})
	return nil
}

// Reply sends payload back to the source of req, on the interface it
// arrived on. It is shorthand for SendResponse.
func (e *Engine) Reply(req *Request, opts TxOptions, payload *Buffer) error {
	return e.SendResponse(req.Interface, req.Source, opts, payload)
}

// transmit hands data to the binding. Failures are counted and traced but
// leave any transaction state alone; the retry timer will send again.
func (e *Engine) transmit(sb *sharedBinding, dst netip.Addr, opts TxOptions, data []byte, id TrID) error {
	if e.plog != nil {
		e.plog(PacketInfo{Interface: sb.iface, Peer: dst, Options: opts, Data: data, Sent: true})
	}
	e.stats.packetSent.Add(1)
	if err := sb.b.Send(dst, opts, data); err != nil {
		e.stats.sendErr.Add(1)
		e.emit(trace.Event{
			Kind:      trace.KindSendError,
			Interface: int(sb.iface),
			TrID:      uint32(id),
			Peer:      dst.String(),
			Reason:    err.Error(),
		})
		return err
	}
	return nil
}

// Deliver routes an inbound datagram that arrived on iface from src. The
// engine takes ownership of data.
//
// A response-shaped datagram whose correlation id names a transaction
// active on iface is offered to that transaction's handler only, and is
// dropped unless the handler accepts it or waits for another. A
// response-shaped datagram naming no such transaction is stale and is
// dropped. Everything else is offered to the instances registered on iface
// in registration order until one accepts it or reports it corrupted.
func (e *Engine) Deliver(iface InterfaceID, src netip.Addr, data *Buffer) {
	e.stats.packetRecv.Add(1)
	if e.plog != nil {
		e.plog(PacketInfo{Interface: iface, Peer: src, Data: data.Bytes()})
	}

	hdr, err := e.corr.Parse(data.Bytes())
	if err != nil {
		hdr = Header{}
	} else if hdr.Reply && hdr.ID != 0 {
		h, ok := e.byID[hdr.ID]
		if !ok {
			e.drop(iface, src, data, hdr.ID, "stale response")
			return
		}
		if t, _ := e.txns.Get(h); t.bind.iface != iface {
			e.drop(iface, src, data, hdr.ID, "response on wrong interface")
			return
		}
		e.dispatchResponse(h, iface, src, hdr, data)
		return
	}
	e.dispatchRequest(iface, src, hdr, data)
}

// dispatchResponse offers data to the transaction at h. A datagram the
// handler does not accept or wait on is dropped; the transaction stays
// active.
func (e *Engine) dispatchResponse(h arena.Handle, iface InterfaceID, src netip.Addr, hdr Header, data *Buffer) {
	t, _ := e.txns.Get(h)
	handler := t.handler
	rsp := &Response{
		Instance: t.owner,
		ID:       t.id,
		Context:  t.ctx,
		Source:   src,
		Header:   hdr,
		Data:     data,
	}
	res := handler.HandleResponse(rsp)

	// The handler may have removed the transaction, or started others.
	t, live := e.txns.Get(h)
	switch res {
	case Accepted:
		if live {
			e.complete(h)
		}

	case WaitAnother:
		data.Release() // the handler may Take the contents to keep them
		if live {
			t.restart()
			e.stats.partial.Add(1)
			e.emit(trace.Event{
				Kind:     trace.KindPartial,
				Instance: uint32(t.owner),
				TrID:     uint32(t.id),
				Peer:     src.String(),
				Timeout:  t.timeout,
				Retries:  t.retries,
			})
		}

	case Corrupted:
		e.drop(iface, src, data, hdr.ID, ErrCorrupted.Error())

	default:
		e.drop(iface, src, data, hdr.ID, "not mine")
	}
}

func (e *Engine) dispatchRequest(iface InterfaceID, src netip.Addr, hdr Header, data *Buffer) {
	for _, id := range slices.Clone(e.order) {
		in, ok := e.inst.Get(arena.Handle(id))
		if !ok || in.iface != iface {
			continue // unregistered by an earlier handler, or another interface
		}
		res := in.handler.HandleRequest(&Request{
			Instance:  id,
			Interface: iface,
			Source:    src,
			Header:    hdr,
			Data:      data,
		})
		switch res {
		case Accepted:
			e.stats.claimed.Add(1)
			e.emit(trace.Event{
				Kind:      trace.KindClaim,
				Instance:  uint32(id),
				Interface: int(iface),
				TrID:      uint32(hdr.ID),
				Peer:      src.String(),
			})
			return
		case Corrupted:
			e.drop(iface, src, data, hdr.ID, ErrCorrupted.Error())
			return
		}
	}
	e.drop(iface, src, data, hdr.ID, "no taker")
}

func (e *Engine) drop(iface InterfaceID, src netip.Addr, data *Buffer, id TrID, why string) {
	var size int
	if !data.Released() {
		size = data.Len()
	}
	e.stats.packetDropped.Add(1)
	e.emit(trace.Event{
		Kind:      trace.KindDrop,
		Interface: int(iface),
		TrID:      uint32(id),
		Peer:      src.String(),
		Size:      size,
		Reason:    why,
	})
	data.Release()
}

func (e *Engine) emit(ev trace.Event) {
	if e.tracer == nil {
		return
	}
	ev.Timestamp = time.Now()
	ev.EngineID = e.id
	e.tracer.Log(ev)
}
