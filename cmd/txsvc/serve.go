// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"log/slog"
	"net/netip"
	"os"
	"os/signal"

	"github.com/creachadair/command"
	"github.com/creachadair/txsvc"
	"github.com/creachadair/txsvc/proto/dhcp"
	"github.com/creachadair/txsvc/proto/pana"
)

var serveFlags struct {
	ServerID string `flag:"server-id,Server identifier (default: host name)"`
}

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	n, err := newNode(cfg)
	if err != nil {
		return err
	}
	sid := serveFlags.ServerID
	if sid == "" {
		sid, _ = os.Hostname()
	}

	var h txsvc.RequestHandler
	switch cfg.Protocol {
	case "dhcp":
		h = &dhcp.Server{Engine: n.engine, ID: []byte(sid), Handle: serveDHCP}
	case "pana":
		h = pana.Serve(n.engine, servePANA)
	}
	for _, iface := range n.ifaces {
		id, err := n.engine.Register(iface, h)
		if err != nil {
			n.close()
			return err
		}
		slog.Info("serving", "protocol", cfg.Protocol, "interface", iface, "instance", id, "port", cfg.ServerPort())
	}

	ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt)
	defer cancel()
	return n.run(ctx)
}

// serveDHCP answers client messages with an empty reply of the matching
// type. Releases and declines are acknowledged.
func serveDHCP(src netip.Addr, req *dhcp.Message) (*dhcp.Message, error) {
	slog.Info("request", "src", src, "msg", req)
	switch req.Type {
	case dhcp.Solicit:
		return &dhcp.Message{Type: dhcp.Advertise}, nil
	case dhcp.Request, dhcp.Confirm, dhcp.Renew, dhcp.Rebind,
		dhcp.Release, dhcp.Decline, dhcp.InformationRequest:
		return &dhcp.Message{Type: dhcp.Reply}, nil
	case dhcp.LeaseQuery:
		return &dhcp.Message{Type: dhcp.LeaseQueryReply}, nil
	}
	return nil, nil
}

func servePANA(src netip.Addr, req *pana.Message) (*pana.Message, error) {
	slog.Info("request", "src", src, "type", req.Type, "session", req.Session, "avps", len(req.AVPs))
	ans := req.Answer()
	return &ans, nil
}
