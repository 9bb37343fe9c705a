// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the txsvc handler types for functions
// with other signatures.
//
// Parameters and responses are decoded from the complete datagram, header
// included. They may be []byte or string, or a type whose pointer supports
// one of the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler
// interfaces. An unmarshaler must not retain the slice it is given.
//
// Results may be []byte or string, or any type that supports the one of the
// encoding.BinaryMarshaler or encoding.TextMarshaler interfaces.
package handler

import (
	"bytes"
	"encoding"
	"errors"
	"fmt"
	"slices"

	"github.com/creachadair/txsvc"
)

// ErrNotMine may be returned by a function adapted by this package to
// decline a request, so that it is offered to the next instance.
var ErrNotMine = errors.New("not mine")

// An Accept function reports whether a request with the given header should
// be offered to a handler.
type Accept func(txsvc.Header) bool

// OfType returns an Accept function for requests whose message type is one
// of types.
func OfType(types ...uint8) Accept {
	return func(h txsvc.Header) bool { return slices.Contains(types, h.Type) }
}

func (a Accept) ok(req *txsvc.Request) bool {
	if a == nil {
		return true
	}
	return a(req.Header)
}

func resultOf(err error) txsvc.Result {
	if errors.Is(err, ErrNotMine) {
		return txsvc.NotMine
	}
	return txsvc.Corrupted
}

// ParamResultError adapts a function f that accepts a request of type P and
// returns a reply of type R and an error, to a txsvc.RequestHandler that
// sends the reply through e. If f reports an error the request is dropped as
// corrupted, unless the error is ErrNotMine. If the encoded reply is empty,
// nothing is sent.
func ParamResultError[P, R any](e *txsvc.Engine, accept Accept, f func(*txsvc.Request, P) (R, error)) txsvc.RequestHandler {
	return txsvc.RequestFunc(func(req *txsvc.Request) txsvc.Result {
		if !accept.ok(req) {
			return txsvc.NotMine
		}
		var p P
		if err := unmarshal(req.Data.Bytes(), &p); err != nil {
			return txsvc.Corrupted
		}
		r, err := f(req, p)
		if err != nil {
			return resultOf(err)
		}
		data, err := marshal(r)
		if err != nil {
			return txsvc.Corrupted
		}
		req.Data.Release()
		if len(data) != 0 {
			e.Reply(req, txsvc.TxNone, txsvc.NewBuffer(data))
		}
		return txsvc.Accepted
	})
}

// ParamError adapts a function f that accepts a request of type P and
// returns an error with no reply, to a txsvc.RequestHandler. Errors are
// treated as for ParamResultError.
func ParamError[P any](accept Accept, f func(*txsvc.Request, P) error) txsvc.RequestHandler {
	return txsvc.RequestFunc(func(req *txsvc.Request) txsvc.Result {
		if !accept.ok(req) {
			return txsvc.NotMine
		}
		var p P
		if err := unmarshal(req.Data.Bytes(), &p); err != nil {
			return txsvc.Corrupted
		}
		if err := f(req, p); err != nil {
			return resultOf(err)
		}
		req.Data.Release()
		return txsvc.Accepted
	})
}

// Response adapts a function f that accepts a decoded response of type R, to
// a txsvc.ResponseHandler. If the transaction fails, f is called with a zero
// R and the failure error. A response that does not decode is reported as
// corrupted, and the transaction continues waiting.
func Response[R any](f func(*txsvc.Response, R, error)) txsvc.ResponseHandler {
	return txsvc.ResponseFunc(func(rsp *txsvc.Response) txsvc.Result {
		var r R
		if rsp.Failed() {
			f(rsp, r, rsp.Err)
			return txsvc.Accepted
		}
		if err := unmarshal(rsp.Data.Bytes(), &r); err != nil {
			return txsvc.Corrupted
		}
		rsp.Data.Release()
		f(rsp, r, nil)
		return txsvc.Accepted
	})
}

// Chain returns a txsvc.RequestHandler that offers each request to hs in
// order, until one of them reports a result other than NotMine.
func Chain(hs ...txsvc.RequestHandler) txsvc.RequestHandler {
	return txsvc.RequestFunc(func(req *txsvc.Request) txsvc.Result {
		for _, h := range hs {
			if res := h.HandleRequest(req); res != txsvc.NotMine {
				return res
			}
		}
		return txsvc.NotMine
	})
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to a
// []byte or string, or must implement either the encoding.BinaryUnmarshaler
// interface or the encoding.TextUnmarshaler interface.  If v implements both,
// BinaryUnmarshaler is preferred.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v into data. The concrete type of v must be a []byte or
// string (or a pointer to these); otherwise it must implement either the
// encoding.BinaryMarshaler interface or the encoding.TextMarshaler
// interface. If v implements both, BinaryMarshaler is preferred.
//
// As a special case if v is a nil pointer to a string or []byte, the result is
// nil without error.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}
