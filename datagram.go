// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package txsvc

import (
	"fmt"
	"net/netip"
)

// A Buffer is a move-only byte buffer. At any time exactly one party owns a
// Buffer: whoever holds the pointer after the most recent transfer. Passing
// a Buffer to the engine transfers ownership to the engine; the engine hands
// ownership back only through a callback that returns [Accepted].
//
// A nil *Buffer is a valid empty buffer. Using a released buffer panics.
type Buffer struct {
	data []byte
	dead bool
}

// NewBuffer returns a buffer that owns data. The caller must not use data
// after the buffer has been handed to the engine.
func NewBuffer(data []byte) *Buffer { return &Buffer{data: data} }

func (b *Buffer) check() {
	if b.dead {
		panic("txsvc: use of released buffer")
	}
}

// Bytes returns the contents of b. The slice is valid only while the caller
// owns b.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	b.check()
	return b.data
}

// Len reports the length of the contents of b.
func (b *Buffer) Len() int { return len(b.Bytes()) }

// Take moves the contents of b into a new buffer and releases b.
func (b *Buffer) Take() *Buffer {
	if b == nil {
		return nil
	}
	b.check()
	out := &Buffer{data: b.data}
	b.data, b.dead = nil, true
	return out
}

// Release discards the contents of b. It is safe to release a buffer more
// than once.
func (b *Buffer) Release() {
	if b != nil {
		b.data, b.dead = nil, true
	}
}

// Released reports whether b has been released or moved. A nil buffer
// reports true.
func (b *Buffer) Released() bool { return b == nil || b.dead }

// String returns a human-friendly rendering of the buffer.
func (b *Buffer) String() string {
	switch {
	case b == nil:
		return "Buffer(nil)"
	case b.dead:
		return "Buffer(released)"
	case len(b.data) > 16:
		return fmt.Sprintf("Buffer(%d bytes, %+v ...)", len(b.data), b.data[:16])
	default:
		return fmt.Sprintf("Buffer(%+v)", b.data)
	}
}

// Result is the outcome a callback reports for a datagram.
type Result int8

const (
	NotMine     Result = 0  // the datagram belongs to someone else
	Accepted    Result = 1  // the datagram was consumed; the callback owns it
	WaitAnother Result = -1 // more responses are expected for this transaction
	Corrupted   Result = -2 // the datagram is unexpected or malformed
)

func (r Result) String() string {
	switch r {
	case NotMine:
		return "NOT_MINE"
	case Accepted:
		return "ACCEPTED"
	case WaitAnother:
		return "WAIT_ANOTHER"
	case Corrupted:
		return "CORRUPTED"
	default:
		return fmt.Sprintf("result %d", int8(r))
	}
}

// A Request is an inbound datagram offered to a registered instance.
type Request struct {
	Instance  InstanceID  // the instance being offered the datagram
	Interface InterfaceID // the interface it arrived on
	Source    netip.Addr  // the sender
	Header    Header      // correlation header; zero if it could not be parsed
	Data      *Buffer     // the datagram; owned by the handler only if it accepts
}

// A RequestHandler is offered inbound datagrams that no transaction claimed.
type RequestHandler interface {
	HandleRequest(*Request) Result
}

// RequestFunc adapts a function to the RequestHandler interface.
type RequestFunc func(*Request) Result

// HandleRequest implements the RequestHandler interface.
func (f RequestFunc) HandleRequest(r *Request) Result { return f(r) }

// A Response is delivered to the handler of a transaction, either carrying
// an inbound datagram or reporting failure.
//
// Failure is signalled by a nil Data buffer with Err set to
// ErrRetryExhausted. The underlying protocols define no failure payload; the
// empty payload is this package's convention.
type Response struct {
	Instance InstanceID // the instance that sent the request
	ID       TrID       // the transaction id
	Context  any        // the client context passed to SendRequest
	Source   netip.Addr // the sender; zero on failure
	Header   Header     // correlation header of the datagram
	Data     *Buffer    // the datagram; nil on failure
	Err      error      // non-nil on failure
}

// Failed reports whether r signals a failed transaction.
func (r *Response) Failed() bool { return r.Err != nil }

// A ResponseHandler receives responses for a transaction.
type ResponseHandler interface {
	HandleResponse(*Response) Result
}

// ResponseFunc adapts a function to the ResponseHandler interface.
type ResponseFunc func(*Response) Result

// HandleResponse implements the ResponseHandler interface.
func (f ResponseFunc) HandleResponse(r *Response) Result { return f(r) }

// A PacketLogger logs a datagram exchanged on a binding.
type PacketLogger func(pkt PacketInfo)

// A PacketInfo describes a datagram sent or received by the engine.
type PacketInfo struct {
	Interface InterfaceID
	Peer      netip.Addr // destination if sent, source if received
	Options   TxOptions  // delivery options (sent only)
	Data      []byte     // valid only for the duration of the logger call
	Sent      bool       // whether the datagram was sent (true) or received (false)
}

func (p PacketInfo) dir() string {
	if p.Sent {
		return "send"
	}
	return "recv"
}

func (p PacketInfo) String() string {
	return fmt.Sprintf("%v if=%d peer=%v %d bytes", p.dir(), p.Interface, p.Peer, len(p.Data))
}
