// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/txsvc"
	"github.com/creachadair/txsvc/packet"
	"github.com/creachadair/txsvc/proto/dhcp"
	"github.com/creachadair/txsvc/proto/pana"
)

const requestHelp = `Send a request and print the response.

The destination is an IPv6 address; link-local addresses are sent on the
first configured interface. The type is a message type name or number for
the configured protocol. Each option is code=value, where the value is a
literal string or hex digits with a 0x prefix. For PANA, options are sent
as AVPs.

The request is retransmitted according to the configured retry policy.`

var requestFlags = struct {
	Session uint          `flag:"session,PANA session identifier"`
	Timeout time.Duration `flag:"timeout,Overall time limit"`
}{Timeout: time.Minute}

func runRequest(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("missing destination and message type")
	}
	dst, err := netip.ParseAddr(env.Args[0])
	if err != nil {
		return fmt.Errorf("invalid destination: %w", err)
	}
	opts, err := parseOptions(env.Args[2:])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	var send func(*txsvc.Engine, txsvc.InstanceID) error
	switch cfg.Protocol {
	case "dhcp":
		t, err := parseType(env.Args[1], dhcpTypeName, 1, 255)
		if err != nil {
			return err
		}
		msg := dhcp.Message{Type: dhcp.MessageType(t)}
		for _, o := range opts {
			msg.Options = msg.Options.Add(o.Code, o.Data)
		}
		txo := txsvc.TxNone
		if dst.IsMulticast() {
			txo = txsvc.TxMulticastHopLimit64
		}
		send = func(e *txsvc.Engine, inst txsvc.InstanceID) error {
			_, err := dhcp.Send(e, inst, dst, txo, msg, func(rsp *dhcp.Message, err error) {
				if err != nil {
					done <- result{err: err}
				} else {
					done <- result{text: rsp.String()}
				}
			})
			return err
		}
	case "pana":
		t, err := parseType(env.Args[1], panaTypeName, 1, 65535)
		if err != nil {
			return err
		}
		msg := pana.Message{Header: pana.Header{Type: pana.MessageType(t), Session: uint32(requestFlags.Session)}}
		for _, o := range opts {
			msg.AVPs = append(msg.AVPs, pana.AVP{Code: o.Code, Value: o.Data})
		}
		send = func(e *txsvc.Engine, inst txsvc.InstanceID) error {
			_, err := pana.Send(e, inst, dst, msg, func(rsp *pana.Message, err error) {
				if err != nil {
					done <- result{err: err}
				} else {
					done <- result{text: formatPANA(rsp)}
				}
			})
			return err
		}
	}

	n, err := newNode(cfg)
	if err != nil {
		return err
	}
	inst, err := n.engine.Register(n.ifaces[0], txsvc.RequestFunc(func(*txsvc.Request) txsvc.Result {
		return txsvc.NotMine
	}))
	if err != nil {
		n.close()
		return err
	}

	ctx, cancel := context.WithTimeout(env.Context(), requestFlags.Timeout)
	defer cancel()
	g := taskgroup.Go(func() error { return n.run(ctx) })
	defer func() { cancel(); g.Wait() }()

	if err := n.loop.Do(ctx, func(e *txsvc.Engine) error { return send(e, inst) }); err != nil {
		return err
	}
	select {
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		fmt.Println(r.text)
		return nil
	case <-ctx.Done():
		return errors.New("no response before timeout")
	}
}

func parseOptions(args []string) (packet.Options, error) {
	var out packet.Options
	for _, arg := range args {
		code, val, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("invalid option %q", arg)
		}
		c, err := strconv.ParseUint(code, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("option code: %w", err)
		}
		data := []byte(val)
		if h, ok := strings.CutPrefix(val, "0x"); ok {
			data, err = hex.DecodeString(h)
			if err != nil {
				return nil, fmt.Errorf("option %d: %w", c, err)
			}
		}
		out = out.Add(uint16(c), data)
	}
	return out, nil
}

func parseType(s string, name func(int) string, lo, hi int) (int, error) {
	if v, err := strconv.Atoi(s); err == nil {
		if v < lo || v > hi {
			return 0, fmt.Errorf("message type %d out of range", v)
		}
		return v, nil
	}
	for v := lo; v <= min(hi, 255); v++ {
		if strings.EqualFold(name(v), s) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown message type %q", s)
}

func dhcpTypeName(v int) string { return dhcp.MessageType(v).String() }

func panaTypeName(v int) string {
	// Accept the request name alone, e.g. "PAR" for "PAR/PAN".
	name, _, _ := strings.Cut(pana.MessageType(v).String(), "/")
	return name
}

func formatPANA(m *pana.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%v seq=%d session=%d flags=%04x", m.Type, m.Seq, m.Session, uint16(m.Flags))
	for _, a := range m.AVPs {
		fmt.Fprintf(&sb, " avp%d=%x", a.Code, a.Value)
	}
	return sb.String()
}
