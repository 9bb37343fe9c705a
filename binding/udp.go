// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package binding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/creachadair/taskgroup"
	"github.com/creachadair/txsvc"
	"golang.org/x/net/ipv6"
)

// MaxDatagram is the largest datagram a UDP binding will receive.
const MaxDatagram = 1280

// UDP is a txsvc.Opener for IPv6 UDP sockets. Each interface gets its own
// socket bound to Port and, where the platform allows, to the interface
// itself, so that several interfaces can share the protocol port.
//
// The receiver passed to Open is called from a goroutine owned by the
// binding. Use evloop.Loop.Opener to move delivery onto the goroutine that
// owns the engine.
type UDP struct {
	// Port is the local port to listen on.
	Port int

	// PeerPort is the port datagrams are sent to. If zero, Port is used.
	PeerPort int

	// Groups are multicast groups joined on every interface opened.
	Groups []netip.Addr

	// Logf, if non-nil, is used to log read errors.
	Logf func(string, ...any)
}

// Open implements the [txsvc.Opener] interface. The interface id is an
// operating system interface index; zero means any interface.
func (u UDP) Open(iface txsvc.InterfaceID, recv txsvc.Receiver) (txsvc.Binding, error) {
	var ifi *net.Interface
	if iface != 0 {
		var err error
		ifi, err = net.InterfaceByIndex(int(iface))
		if err != nil {
			return nil, fmt.Errorf("interface %d: %w", iface, err)
		}
	}
	lc := net.ListenConfig{Control: socketControl(ifi)}
	conn, err := lc.ListenPacket(context.Background(), "udp6", net.JoinHostPort("::", strconv.Itoa(u.Port)))
	if err != nil {
		return nil, err
	}
	pc := ipv6.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv6.FlagInterface|ipv6.FlagDst, true); err != nil {
		// Not fatal; received datagrams will not be filtered by interface.
		u.logf("[udp] control messages unavailable on interface %d: %v", iface, err)
	}
	for _, g := range u.Groups {
		if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: g.AsSlice()}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("join %v on interface %d: %w", g, iface, err)
		}
	}

	b := &udpBinding{
		pc:    pc,
		ifi:   ifi,
		port:  u.PeerPort,
		local: linkLocal(ifi),
	}
	if b.port == 0 {
		b.port = u.Port
	}
	b.tasks = taskgroup.Go(func() error {
		b.readLoop(iface, recv, u.logf)
		return nil
	})
	return b, nil
}

func (u UDP) logf(msg string, args ...any) {
	if u.Logf != nil {
		u.Logf(msg, args...)
	}
}

type udpBinding struct {
	pc    *ipv6.PacketConn
	ifi   *net.Interface // nil for any interface
	port  int
	local netip.Addr // link-local address of ifi, if known
	tasks *taskgroup.Single[error]
}

func (b *udpBinding) index() int {
	if b.ifi == nil {
		return 0
	}
	return b.ifi.Index
}

func (b *udpBinding) readLoop(iface txsvc.InterfaceID, recv txsvc.Receiver, logf func(string, ...any)) {
	buf := make([]byte, MaxDatagram)
	for {
		nr, cm, src, err := b.pc.ReadFrom(buf)
		if errors.Is(err, net.ErrClosed) {
			return
		} else if err != nil {
			logf("[udp] read on interface %d: %v", iface, err)
			continue
		}
		if cm != nil && iface != 0 && cm.IfIndex != int(iface) {
			continue // arrived on another interface sharing the port
		}
		ua, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		addr, _ := netip.AddrFromSlice(ua.IP)
		data := make([]byte, nr)
		copy(data, buf[:nr])
		recv(addr.Unmap(), data)
	}
}

// Send implements a method of the [txsvc.Binding] interface.
func (b *udpBinding) Send(dst netip.Addr, opts txsvc.TxOptions, data []byte) error {
	cm := &ipv6.ControlMessage{IfIndex: b.index()}
	if opts&txsvc.TxMulticastHopLimit64 != 0 && dst.IsMulticast() {
		cm.HopLimit = 64
	}
	if opts&txsvc.TxShortAddr != 0 && b.local.IsValid() {
		cm.Src = b.local.AsSlice()
	}
	addr := &net.UDPAddr{IP: dst.AsSlice(), Port: b.port}
	if b.ifi != nil && (dst.IsLinkLocalUnicast() || dst.IsLinkLocalMulticast()) {
		addr.Zone = b.ifi.Name
	}
	_, err := b.pc.WriteTo(data, cm, addr)
	return err
}

// Close implements a method of the [txsvc.Binding] interface. It waits for
// the reader to exit.
func (b *udpBinding) Close() error {
	err := b.pc.Close()
	b.tasks.Wait()
	return err
}

// linkLocal returns the first IPv6 link-local unicast address of ifi.
func linkLocal(ifi *net.Interface) netip.Addr {
	if ifi == nil {
		return netip.Addr{}
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return netip.Addr{}
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip, ok := netip.AddrFromSlice(ipn.IP); ok && ip.Is6() && !ip.Is4In6() && ip.IsLinkLocalUnicast() {
			return ip
		}
	}
	return netip.Addr{}
}
