// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package txtest provides support code for testing engines.
package txtest

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/creachadair/txsvc"
	"github.com/creachadair/txsvc/binding"
	"github.com/creachadair/txsvc/packet"
)

// HeaderLen is the length of the message header understood by Correlator.
const HeaderLen = 5

// ReplyFlag marks a response-shaped message type.
const ReplyFlag = 0x80

var errShort = errors.New("message too short")

// Correlator is a txsvc.Correlator for a toy protocol whose messages begin
// with a one-byte type followed by a 32-bit big-endian transaction id. A
// type with the ReplyFlag bit set is response-shaped.
type Correlator struct {
	// Max, if non-zero, is the largest transaction id.
	Max txsvc.TrID
}

// Stamp implements a method of the [txsvc.Correlator] interface.
func (Correlator) Stamp(data []byte, id txsvc.TrID) error {
	if len(data) < HeaderLen {
		return errShort
	}
	binary.BigEndian.PutUint32(data[1:], uint32(id))
	return nil
}

// Parse implements a method of the [txsvc.Correlator] interface.
func (Correlator) Parse(data []byte) (txsvc.Header, error) {
	s := packet.NewScanner(data)
	typ, err := s.Byte()
	if err != nil {
		return txsvc.Header{}, errShort
	}
	id, err := s.Uint32()
	if err != nil {
		return txsvc.Header{}, errShort
	}
	return txsvc.Header{
		Type:  typ &^ ReplyFlag,
		ID:    txsvc.TrID(id),
		Reply: typ&ReplyFlag != 0,
	}, nil
}

// MaxID implements a method of the [txsvc.Correlator] interface.
func (c Correlator) MaxID() txsvc.TrID {
	if c.Max == 0 {
		return 1<<32 - 1
	}
	return c.Max
}

// Request returns a request message of the given type with a zero
// transaction id.
func Request(typ uint8, body string) []byte { return Message(typ, 0, body) }

// Reply returns a response message of the given type for id.
func Reply(typ uint8, id txsvc.TrID, body string) []byte {
	return Message(typ|ReplyFlag, id, body)
}

// Message returns a message with the given raw type byte.
func Message(typ uint8, id txsvc.TrID, body string) []byte {
	var b packet.Builder
	b.Put(typ)
	b.Uint32(uint32(id))
	b.PutString(body)
	return b.Bytes()
}

// Body returns the body of a message, or "" if it is too short.
func Body(data []byte) string {
	if len(data) < HeaderLen {
		return ""
	}
	return string(data[HeaderLen:])
}

// ID returns the transaction id of a message, or 0 if it is too short.
func ID(data []byte) txsvc.TrID {
	h, _ := Correlator{}.Parse(data)
	return h.ID
}

// Addresses of the nodes in a Local pair.
var (
	AddrA = netip.MustParseAddr("fe80::a")
	AddrB = netip.MustParseAddr("fe80::b")
)

// Local is a pair of engines on an in-memory network, suitable for testing.
type Local struct {
	Net  *binding.Network
	A, B *txsvc.Engine
}

// NewLocal creates a pair of engines at AddrA and AddrB using the toy
// protocol. Other settings are taken from cfg.
func NewLocal(cfg txsvc.Config) *Local {
	n := binding.NewNetwork()
	ca, cb := cfg, cfg
	ca.Opener, ca.Correlator = n.Node(AddrA), Correlator{}
	cb.Opener, cb.Correlator = n.Node(AddrB), Correlator{}
	return &Local{Net: n, A: txsvc.New(ca), B: txsvc.New(cb)}
}

// Close closes both engines.
func (p *Local) Close() error {
	return errors.Join(p.A.Close(), p.B.Close())
}
