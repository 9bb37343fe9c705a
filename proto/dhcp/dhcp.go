// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package dhcp implements DHCPv6 message correlation and a minimal message
// codec for use with a txsvc.Engine.
//
// A DHCPv6 client/server message begins with a one-byte message type and a
// three-byte transaction id, followed by options. Relay messages carry no
// transaction id and are always offered to registered instances.
package dhcp

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"

	"github.com/creachadair/txsvc"
	"github.com/creachadair/txsvc/packet"
)

// Well-known ports.
const (
	ClientPort = 546
	ServerPort = 547
)

// AllServers is the All_DHCP_Relay_Agents_and_Servers multicast address.
var AllServers = netip.MustParseAddr("ff02::1:2")

// HeaderLen is the length of a client/server message header.
const HeaderLen = 4

// MaxID is the largest DHCPv6 transaction id.
const MaxID txsvc.TrID = packet.MaxUint24

// A MessageType identifies a DHCPv6 message.
type MessageType uint8

const (
	Solicit            MessageType = 1
	Advertise          MessageType = 2
	Request            MessageType = 3
	Confirm            MessageType = 4
	Renew              MessageType = 5
	Rebind             MessageType = 6
	Reply              MessageType = 7
	Release            MessageType = 8
	Decline            MessageType = 9
	Reconfigure        MessageType = 10
	InformationRequest MessageType = 11
	RelayForw          MessageType = 12
	RelayRepl          MessageType = 13
	LeaseQuery         MessageType = 14
	LeaseQueryReply    MessageType = 15
)

var typeNames = [...]string{
	Solicit: "SOLICIT", Advertise: "ADVERTISE", Request: "REQUEST",
	Confirm: "CONFIRM", Renew: "RENEW", Rebind: "REBIND", Reply: "REPLY",
	Release: "RELEASE", Decline: "DECLINE", Reconfigure: "RECONFIGURE",
	InformationRequest: "INFORMATION-REQUEST", RelayForw: "RELAY-FORW",
	RelayRepl: "RELAY-REPL", LeaseQuery: "LEASEQUERY", LeaseQueryReply: "LEASEQUERY-REPLY",
}

func (t MessageType) String() string {
	if int(t) < len(typeNames) && typeNames[t] != "" {
		return typeNames[t]
	}
	return fmt.Sprintf("TYPE-%d", uint8(t))
}

// IsReply reports whether messages of type t answer a client request.
func (t MessageType) IsReply() bool {
	return t == Advertise || t == Reply || t == LeaseQueryReply
}

// IsRelay reports whether t is a relay message type.
func (t MessageType) IsRelay() bool { return t == RelayForw || t == RelayRepl }

// Option codes used by this package.
const (
	OptClientID    uint16 = 1
	OptServerID    uint16 = 2
	OptIANA        uint16 = 3
	OptIAAddr      uint16 = 5
	OptORO         uint16 = 6
	OptElapsedTime uint16 = 8
	OptStatusCode  uint16 = 13
	OptRapidCommit uint16 = 14
)

var (
	errShort = errors.New("message too short")
	errRelay = errors.New("relay message has no transaction id")
)

// Correlator implements the txsvc.Correlator interface for DHCPv6.
type Correlator struct{}

// Stamp implements a method of the [txsvc.Correlator] interface.
func (Correlator) Stamp(data []byte, id txsvc.TrID) error {
	if len(data) < HeaderLen {
		return errShort
	} else if id > MaxID {
		return fmt.Errorf("transaction id %d out of range", id)
	} else if MessageType(data[0]).IsRelay() {
		return errRelay
	}
	data[1], data[2], data[3] = byte(id>>16), byte(id>>8), byte(id)
	return nil
}

// Parse implements a method of the [txsvc.Correlator] interface.
// Relay messages are reported with a zero id.
func (Correlator) Parse(data []byte) (txsvc.Header, error) {
	if len(data) == 0 {
		return txsvc.Header{}, errShort
	}
	t := MessageType(data[0])
	if t.IsRelay() {
		return txsvc.Header{Type: uint8(t)}, nil
	}
	s := packet.NewScanner(data[1:])
	id, err := s.Uint24()
	if err != nil {
		return txsvc.Header{}, errShort
	}
	return txsvc.Header{Type: uint8(t), ID: txsvc.TrID(id), Reply: t.IsReply()}, nil
}

// MaxID implements a method of the [txsvc.Correlator] interface.
func (Correlator) MaxID() txsvc.TrID { return MaxID }

// A Message is a DHCPv6 client/server message.
type Message struct {
	Type    MessageType
	ID      txsvc.TrID // zero in a message not yet sent
	Options packet.Options
}

func (m Message) String() string {
	return fmt.Sprintf("%v id=%06x options=%d", m.Type, uint32(m.ID), len(m.Options))
}

// Option returns the data of the first option of m with the given code.
func (m Message) Option(code uint16) ([]byte, bool) {
	o, ok := m.Options.Find(code)
	return o.Data, ok
}

// MarshalBinary encodes m in wire format.
func (m Message) MarshalBinary() ([]byte, error) {
	if m.ID > MaxID {
		return nil, fmt.Errorf("transaction id %d out of range", m.ID)
	} else if m.Type.IsRelay() {
		return nil, errRelay
	}
	var b packet.Builder
	b.Put(byte(m.Type))
	b.Uint24(uint32(m.ID))
	m.Options.Append(&b)
	return b.Bytes(), nil
}

// UnmarshalBinary decodes m from wire format. The options of m do not alias
// data.
func (m *Message) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	typ, err := s.Byte()
	if err != nil {
		return errShort
	}
	if MessageType(typ).IsRelay() {
		return errRelay
	}
	id, err := s.Uint24()
	if err != nil {
		return errShort
	}
	opts, err := packet.ParseOptions(s)
	if err != nil {
		return err
	}
	for i, o := range opts {
		opts[i].Data = slices.Clone(o.Data)
	}
	*m = Message{Type: MessageType(typ), ID: txsvc.TrID(id), Options: opts}
	return nil
}
