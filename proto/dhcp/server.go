// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package dhcp

import (
	"bytes"
	"net/netip"

	"github.com/creachadair/txsvc"
	"github.com/creachadair/txsvc/handler"
)

// A Server is a txsvc.RequestHandler for DHCPv6 client messages. Several
// servers may share an interface: a message that names a different server
// in its Server Identifier option is left for the next instance.
type Server struct {
	// Engine is used to send replies. It must be the engine the server is
	// registered with.
	Engine *txsvc.Engine

	// ID is the DUID of this server. It is added to each reply.
	ID []byte

	// Handle computes the reply to a client message. It returns nil to send
	// no reply. An error drops the message as corrupted, except that
	// handler.ErrNotMine passes it to the next instance.
	Handle func(src netip.Addr, req *Message) (*Message, error)
}

// HandleRequest implements the [txsvc.RequestHandler] interface.
func (s *Server) HandleRequest(req *txsvc.Request) txsvc.Result {
	t := MessageType(req.Header.Type)
	if req.Header.Reply || t.IsRelay() || t == Reconfigure {
		return txsvc.NotMine
	}
	return handler.ParamResultError(s.Engine, nil, s.serve).HandleRequest(req)
}

func (s *Server) serve(req *txsvc.Request, msg Message) ([]byte, error) {
	if sid, ok := msg.Option(OptServerID); ok && !bytes.Equal(sid, s.ID) {
		return nil, handler.ErrNotMine
	}
	rsp, err := s.Handle(req.Source, &msg)
	if err != nil || rsp == nil {
		return nil, err
	}
	rsp.ID = msg.ID
	if _, ok := rsp.Options.Find(OptServerID); !ok && s.ID != nil {
		rsp.Options = rsp.Options.Add(OptServerID, s.ID)
	}
	if cid, ok := msg.Option(OptClientID); ok {
		if _, ok := rsp.Options.Find(OptClientID); !ok {
			rsp.Options = rsp.Options.Add(OptClientID, cid)
		}
	}
	return rsp.MarshalBinary()
}
