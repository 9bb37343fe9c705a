// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package dhcp

import (
	"net/netip"

	"github.com/creachadair/txsvc"
	"github.com/creachadair/txsvc/handler"
)

// Send starts a transaction for msg from inst to dst. The transaction id of
// msg is assigned by the engine. The function f is called with the decoded
// reply, or with a non-nil error if the transaction fails.
func Send(e *txsvc.Engine, inst txsvc.InstanceID, dst netip.Addr, opts txsvc.TxOptions, msg Message, f func(*Message, error)) (txsvc.TrID, error) {
	msg.ID = 0
	data, err := msg.MarshalBinary()
	if err != nil {
		return 0, err
	}
	return e.SendRequest(inst, dst, opts, msg.Type, txsvc.NewBuffer(data),
		handler.Response(func(_ *txsvc.Response, rsp Message, err error) {
			if err != nil {
				f(nil, err)
			} else {
				f(&rsp, nil)
			}
		}))
}
