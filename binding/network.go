// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package binding provides implementations of the txsvc.Binding interface.
package binding

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"

	"github.com/creachadair/txsvc"
)

// A Frame is a datagram carried by a Network.
type Frame struct {
	Interface txsvc.InterfaceID
	Src, Dst  netip.Addr
	Options   txsvc.TxOptions
	Data      []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("if=%d %v -> %v [%v] %d bytes", f.Interface, f.Src, f.Dst, f.Options, len(f.Data))
}

// A Network is an in-memory datagram network, suitable for testing. Each
// node of the network has an address and may open one endpoint per
// interface. A frame sent on an interface is delivered to the endpoint of
// the destination node on the same interface; a frame sent to a multicast
// address is delivered to every other node with an endpoint on that
// interface.
//
// Frames are queued when sent and delivered only by Flush, so that a
// binding never calls back into its sender.
type Network struct {
	μ     sync.Mutex
	eps   map[epKey]*endpoint
	queue []Frame
	sent  []Frame
	opens map[netip.Addr]int
	fail  error
}

type epKey struct {
	addr  netip.Addr
	iface txsvc.InterfaceID
}

// NewNetwork constructs a new empty network.
func NewNetwork() *Network {
	return &Network{
		eps:   make(map[epKey]*endpoint),
		opens: make(map[netip.Addr]int),
	}
}

// Node returns an opener for bindings of the node with the given address.
func (n *Network) Node(addr netip.Addr) txsvc.Opener {
	return txsvc.OpenerFunc(func(iface txsvc.InterfaceID, recv txsvc.Receiver) (txsvc.Binding, error) {
		if recv == nil {
			return nil, errors.New("nil receiver")
		}
		n.μ.Lock()
		defer n.μ.Unlock()
		key := epKey{addr: addr, iface: iface}
		if _, ok := n.eps[key]; ok {
			return nil, fmt.Errorf("address %v in use on interface %d", addr, iface)
		}
		ep := &endpoint{net: n, key: key, recv: recv}
		n.eps[key] = ep
		n.opens[addr]++
		return ep, nil
	})
}

// Opens reports the number of bindings ever opened by the node at addr.
func (n *Network) Opens(addr netip.Addr) int {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.opens[addr]
}

// IsOpen reports whether the node at addr has an open binding on iface.
func (n *Network) IsOpen(addr netip.Addr, iface txsvc.InterfaceID) bool {
	n.μ.Lock()
	defer n.μ.Unlock()
	_, ok := n.eps[epKey{addr: addr, iface: iface}]
	return ok
}

// FailSends causes subsequent sends to report err without queueing
// anything. Passing nil restores normal operation.
func (n *Network) FailSends(err error) {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.fail = err
}

// Sent returns the frames sent on the network so far, in order, and clears
// the record.
func (n *Network) Sent() []Frame {
	n.μ.Lock()
	defer n.μ.Unlock()
	out := n.sent
	n.sent = nil
	return out
}

// Inject queues f for delivery as if it had been sent by f.Src.
func (n *Network) Inject(f Frame) {
	n.μ.Lock()
	defer n.μ.Unlock()
	n.queue = append(n.queue, f)
}

// Flush delivers queued frames until the queue is empty, including any
// frames sent by receivers during delivery. It returns the number of
// deliveries made. Frames with no open endpoint to receive them are
// discarded.
func (n *Network) Flush() int {
	var nd int
	for {
		n.μ.Lock()
		if len(n.queue) == 0 {
			n.μ.Unlock()
			return nd
		}
		f := n.queue[0]
		n.queue = n.queue[1:]
		targets := n.targetsLocked(f)
		n.μ.Unlock()

		for _, recv := range targets {
			recv(f.Src, slices.Clone(f.Data))
			nd++
		}
	}
}

func (n *Network) targetsLocked(f Frame) []txsvc.Receiver {
	if !f.Dst.IsMulticast() {
		if ep, ok := n.eps[epKey{addr: f.Dst, iface: f.Interface}]; ok {
			return []txsvc.Receiver{ep.recv}
		}
		return nil
	}
	var keys []epKey
	for key := range n.eps {
		if key.iface == f.Interface && key.addr != f.Src {
			keys = append(keys, key)
		}
	}
	slices.SortFunc(keys, func(a, b epKey) int { return a.addr.Compare(b.addr) })
	out := make([]txsvc.Receiver, len(keys))
	for i, key := range keys {
		out[i] = n.eps[key].recv
	}
	return out
}

type endpoint struct {
	net  *Network
	key  epKey
	recv txsvc.Receiver
}

// Send implements a method of the [txsvc.Binding] interface.
func (e *endpoint) Send(dst netip.Addr, opts txsvc.TxOptions, data []byte) error {
	n := e.net
	n.μ.Lock()
	defer n.μ.Unlock()
	if n.eps[e.key] != e {
		return net.ErrClosed
	} else if n.fail != nil {
		return n.fail
	}
	f := Frame{
		Interface: e.key.iface,
		Src:       e.key.addr,
		Dst:       dst,
		Options:   opts,
		Data:      slices.Clone(data),
	}
	n.sent = append(n.sent, f)
	n.queue = append(n.queue, f)
	return nil
}

// Close implements a method of the [txsvc.Binding] interface.
func (e *endpoint) Close() error {
	n := e.net
	n.μ.Lock()
	defer n.μ.Unlock()
	if n.eps[e.key] != e {
		return net.ErrClosed
	}
	delete(n.eps, e.key)
	return nil
}
