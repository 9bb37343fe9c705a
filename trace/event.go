// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package trace

import (
	"strings"
	"time"
)

// Event is a single engine event.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// EngineID identifies the engine that produced the event (UUID).
	EngineID string `cbor:"2,keyasint"`

	// Kind classifies the event.
	Kind Kind `cbor:"3,keyasint"`

	// Instance is the service instance handle, if any.
	Instance uint32 `cbor:"4,keyasint,omitempty"`

	// Interface is the network interface the event concerns.
	Interface int `cbor:"5,keyasint,omitempty"`

	// TrID is the transaction id, if any.
	TrID uint32 `cbor:"6,keyasint,omitempty"`

	// Peer is the remote address (destination or source).
	Peer string `cbor:"7,keyasint,omitempty"`

	// Size is the payload length in bytes.
	Size int `cbor:"8,keyasint,omitempty"`

	// Timeout is the current retransmission timeout in ticks.
	Timeout uint32 `cbor:"9,keyasint,omitempty"`

	// Retries is the number of retransmissions performed so far.
	Retries uint8 `cbor:"10,keyasint,omitempty"`

	// Reason explains drops and errors.
	Reason string `cbor:"11,keyasint,omitempty"`
}

// Kind classifies an engine event.
type Kind uint8

const (
	KindRegister   Kind = 1  // instance registered
	KindUnregister Kind = 2  // instance unregistered
	KindBindOpen   Kind = 3  // interface binding opened
	KindBindClose  Kind = 4  // interface binding closed
	KindSend       Kind = 5  // request transmitted for the first time
	KindRetransmit Kind = 6  // request retransmitted
	KindExpire     Kind = 7  // transaction exhausted its retries
	KindComplete   Kind = 8  // transaction accepted a response
	KindPartial    Kind = 9  // transaction waiting for another response
	KindCancel     Kind = 10 // transaction removed by its owner
	KindClaim      Kind = 11 // request claimed by an instance
	KindDrop       Kind = 12 // inbound datagram dropped
	KindReply      Kind = 13 // one-shot response sent
	KindSendError  Kind = 14 // binding reported a send failure
	KindPolicy     Kind = 15 // retry policy updated
)

var kindNames = [...]string{
	KindRegister:   "REGISTER",
	KindUnregister: "UNREGISTER",
	KindBindOpen:   "BIND_OPEN",
	KindBindClose:  "BIND_CLOSE",
	KindSend:       "SEND",
	KindRetransmit: "RETRANSMIT",
	KindExpire:     "EXPIRE",
	KindComplete:   "COMPLETE",
	KindPartial:    "PARTIAL",
	KindCancel:     "CANCEL",
	KindClaim:      "CLAIM",
	KindDrop:       "DROP",
	KindReply:      "REPLY",
	KindSendError:  "SEND_ERROR",
	KindPolicy:     "POLICY",
}

// String returns the kind name.
func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return "UNKNOWN"
}

// ParseKind returns the kind with the given name, ignoring case.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n != "" && strings.EqualFold(n, name) {
			return Kind(k), true
		}
	}
	return 0, false
}
