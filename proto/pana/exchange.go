// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package pana

import (
	"net/netip"

	"github.com/creachadair/txsvc"
	"github.com/creachadair/txsvc/handler"
)

// Serve returns a txsvc.RequestHandler that decodes PANA requests and passes
// them to f. If f returns a non-nil message, it is sent as the answer with
// the request's sequence number. Answers and messages for which f returns
// handler.ErrNotMine are offered to the next instance.
func Serve(e *txsvc.Engine, f func(src netip.Addr, req *Message) (*Message, error)) txsvc.RequestHandler {
	return handler.ParamResultError(e, isRequest, func(req *txsvc.Request, msg Message) ([]byte, error) {
		rsp, err := f(req.Source, &msg)
		if err != nil || rsp == nil {
			return nil, err
		}
		rsp.Seq = msg.Seq
		rsp.Flags &^= FlagRequest
		return rsp.MarshalBinary()
	})
}

func isRequest(h txsvc.Header) bool { return !h.Reply }

// Send starts a transaction for the request msg from inst to dst. The
// sequence number of msg is assigned by the engine. The function f is called
// with the decoded answer, or with a non-nil error if the transaction fails.
func Send(e *txsvc.Engine, inst txsvc.InstanceID, dst netip.Addr, msg Message, f func(*Message, error)) (txsvc.TrID, error) {
	msg.Flags |= FlagRequest
	msg.Seq = 0
	data, err := msg.MarshalBinary()
	if err != nil {
		return 0, err
	}
	return e.SendRequest(inst, dst, txsvc.TxNone, msg.Type, txsvc.NewBuffer(data),
		handler.Response(func(_ *txsvc.Response, rsp Message, err error) {
			if err != nil {
				f(nil, err)
			} else {
				f(&rsp, nil)
			}
		}))
}
