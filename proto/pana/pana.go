// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package pana implements PANA message correlation and header encoding for
// use with a txsvc.Engine.
//
// A PANA message has a 16-byte header: two reserved bytes, the total message
// length, flags, the message type, a session identifier and a sequence
// number, all big-endian. Requests carry the R flag; an answer repeats the
// sequence number of its request with the R flag clear. The engine's
// transaction id is the sequence number.
package pana

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/creachadair/txsvc"
	"github.com/creachadair/txsvc/packet"
)

// Port is the PANA UDP port.
const Port = 716

// HeaderLen is the length of a PANA message header.
const HeaderLen = 16

const seqOffset = 12

// Flags are the PANA header flag bits.
type Flags uint16

const (
	FlagRequest   Flags = 0x8000 // R: the message is a request
	FlagStart     Flags = 0x4000 // S
	FlagComplete  Flags = 0x2000 // C
	FlagReauth    Flags = 0x1000 // A
	FlagPing      Flags = 0x0800 // P
	FlagIPReconf  Flags = 0x0400 // I
	reservedFlags Flags = 0x03ff
)

// A MessageType identifies a PANA message.
type MessageType uint16

const (
	ClientInitiation MessageType = 1
	Auth             MessageType = 2
	Termination      MessageType = 3
	Notification     MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case ClientInitiation:
		return "PCI"
	case Auth:
		return "PAR/PAN"
	case Termination:
		return "PTR/PTA"
	case Notification:
		return "PNR/PNA"
	}
	return fmt.Sprintf("TYPE-%d", uint16(t))
}

var errShort = errors.New("message too short")

// A Header is a decoded PANA message header.
type Header struct {
	Flags   Flags
	Type    MessageType
	Session uint32
	Seq     uint32
}

// IsRequest reports whether h is a request header.
func (h Header) IsRequest() bool { return h.Flags&FlagRequest != 0 }

// ParseHeader decodes the header of a PANA message and checks its length
// field against the length of data.
func ParseHeader(data []byte) (Header, error) {
	s := packet.NewScanner(data)
	if s.Len() < HeaderLen {
		return Header{}, errShort
	}
	if rsv, _ := s.Uint16(); rsv != 0 {
		return Header{}, fmt.Errorf("reserved field is %04x", rsv)
	}
	n, _ := s.Uint16()
	if int(n) != len(data) {
		return Header{}, fmt.Errorf("length field %d, message has %d bytes", n, len(data))
	}
	flags, _ := s.Uint16()
	typ, _ := s.Uint16()
	session, _ := s.Uint32()
	seq, _ := s.Uint32()
	return Header{Flags: Flags(flags), Type: MessageType(typ), Session: session, Seq: seq}, nil
}

// Correlator implements the txsvc.Correlator interface for PANA.
type Correlator struct{}

// Stamp implements a method of the [txsvc.Correlator] interface.
func (Correlator) Stamp(data []byte, id txsvc.TrID) error {
	if len(data) < HeaderLen {
		return errShort
	}
	binary.BigEndian.PutUint32(data[seqOffset:], uint32(id))
	return nil
}

// Parse implements a method of the [txsvc.Correlator] interface. Message
// types beyond 255 are reported with type zero.
func (Correlator) Parse(data []byte) (txsvc.Header, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return txsvc.Header{}, err
	}
	var typ uint8
	if h.Type <= 255 {
		typ = uint8(h.Type)
	}
	return txsvc.Header{Type: typ, ID: txsvc.TrID(h.Seq), Reply: !h.IsRequest()}, nil
}

// MaxID implements a method of the [txsvc.Correlator] interface.
func (Correlator) MaxID() txsvc.TrID { return 1<<32 - 1 }

// An AVP is a PANA attribute-value pair. Vendor-specific AVPs are not
// supported.
type AVP struct {
	Code  uint16
	Flags uint16
	Value []byte
}

// A Message is a PANA message.
type Message struct {
	Header
	AVPs []AVP
}

// Answer returns an answer to m with the given AVPs.
func (m Message) Answer(avps ...AVP) Message {
	h := m.Header
	h.Flags &^= FlagRequest
	return Message{Header: h, AVPs: avps}
}

// MarshalBinary encodes m in wire format.
func (m Message) MarshalBinary() ([]byte, error) {
	var b packet.Builder
	b.Uint16(0)
	b.Uint16(0) // length, filled in below
	b.Uint16(uint16(m.Flags &^ reservedFlags))
	b.Uint16(uint16(m.Type))
	b.Uint32(m.Session)
	b.Uint32(m.Seq)
	for _, a := range m.AVPs {
		if len(a.Value) > 0xffff-8 {
			return nil, fmt.Errorf("AVP %d value too long (%d bytes)", a.Code, len(a.Value))
		}
		b.Uint16(a.Code)
		b.Uint16(a.Flags)
		b.Uint16(uint16(len(a.Value)))
		b.Uint16(0)
		b.Put(a.Value...)
		for range pad(len(a.Value)) {
			b.Put(0)
		}
	}
	if b.Len() > 0xffff {
		return nil, fmt.Errorf("message too long (%d bytes)", b.Len())
	}
	out := b.Bytes()
	binary.BigEndian.PutUint16(out[2:], uint16(len(out)))
	return out, nil
}

// UnmarshalBinary decodes m from wire format. AVP values do not alias data.
func (m *Message) UnmarshalBinary(data []byte) error {
	h, err := ParseHeader(data)
	if err != nil {
		return err
	}
	s := packet.NewScanner(data[HeaderLen:])
	var avps []AVP
	for s.Len() != 0 {
		code, err := s.Uint16()
		if err != nil {
			return fmt.Errorf("AVP header: %w", err)
		}
		flags, _ := s.Uint16()
		n, _ := s.Uint16()
		if _, err := s.Uint16(); err != nil {
			return fmt.Errorf("AVP %d header: %w", code, err)
		}
		val, err := packet.Get[[]byte](s, int(n))
		if err != nil {
			return fmt.Errorf("AVP %d: %w", code, err)
		}
		if _, err := packet.Get[[]byte](s, pad(int(n))); err != nil {
			return fmt.Errorf("AVP %d padding: %w", code, err)
		}
		avps = append(avps, AVP{Code: code, Flags: flags, Value: append([]byte(nil), val...)})
	}
	*m = Message{Header: h, AVPs: avps}
	return nil
}

// pad returns the number of padding bytes after a value of length n.
func pad(n int) int { return (4 - n%4) % 4 }
