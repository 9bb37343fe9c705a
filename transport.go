// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package txsvc

import (
	"fmt"
	"net/netip"
	"strings"
)

// An InterfaceID identifies a network interface. Its meaning is defined by
// the Opener in use; the UDP binding uses operating system interface indexes.
type InterfaceID int

// TxOptions are delivery hints passed through to the binding. They do not
// affect retry behaviour.
type TxOptions uint8

const (
	TxNone                TxOptions = 0x00
	TxShortAddr           TxOptions = 0x01 // prefer a short (compressible) source address
	TxMulticastHopLimit64 TxOptions = 0x02 // send multicast with hop limit 64
)

func (o TxOptions) String() string {
	if o == TxNone {
		return "NONE"
	}
	var parts []string
	if o&TxShortAddr != 0 {
		parts = append(parts, "SHORT_ADDR")
	}
	if o&TxMulticastHopLimit64 != 0 {
		parts = append(parts, "HOP_LIMIT_64")
	}
	if rest := o &^ (TxShortAddr | TxMulticastHopLimit64); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02x", byte(rest)))
	}
	return strings.Join(parts, "|")
}

// A Binding is a connectionless datagram socket on one interface, shared by
// every instance registered on that interface.
type Binding interface {
	// Send transmits data to dst. Send must not block waiting for the
	// network and must not retain data after it returns.
	Send(dst netip.Addr, opts TxOptions, data []byte) error

	// Close releases the binding. No further receives are delivered after
	// Close returns.
	Close() error
}

// A Receiver accepts an inbound datagram from a binding. The receiver takes
// ownership of data.
type Receiver func(src netip.Addr, data []byte)

// An Opener creates the binding for an interface. The engine calls Open when
// the first instance registers on iface, and delivers inbound datagrams
// through recv. A Receiver must be invoked from the goroutine that owns the
// engine; see the evloop package for a way to arrange that.
type Opener interface {
	Open(iface InterfaceID, recv Receiver) (Binding, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(InterfaceID, Receiver) (Binding, error)

// Open implements the Opener interface.
func (f OpenerFunc) Open(iface InterfaceID, recv Receiver) (Binding, error) { return f(iface, recv) }

// A TrID is a transaction id. Zero is never a valid transaction id.
type TrID uint32

// A Header is the protocol-defined correlation data of a message.
type Header struct {
	Type  uint8 // protocol message type
	ID    TrID  // correlation id; zero if the message carries none
	Reply bool  // the message is response-shaped
}

// A Correlator reads and writes the correlation id of one protocol's
// messages. The engine treats payloads as opaque except through this
// interface.
type Correlator interface {
	// Stamp writes id into an outbound request payload.
	Stamp(data []byte, id TrID) error

	// Parse extracts the header of an inbound datagram. An error means
	// the datagram cannot be correlated; it is still offered to the
	// registered instances.
	Parse(data []byte) (Header, error)

	// MaxID reports the largest id the protocol can carry.
	MaxID() TrID
}
