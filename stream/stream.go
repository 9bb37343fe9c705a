// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package stream provides helpers for multi-part responses, where a single
// request yields a sequence of response datagrams.
//
// The engine keeps a transaction open for as long as its handler reports
// WaitAnother, restarting the retry timer with each part. A Collector does
// this until the protocol's final part arrives.
package stream

import (
	"bytes"
	"context"
	"iter"
	"net/netip"
	"sync"

	"github.com/creachadair/txsvc"
	"github.com/creachadair/txsvc/evloop"
)

// A Final function reports whether rsp is the last part of its response.
type Final func(rsp *txsvc.Response) bool

// A Collector is a txsvc.ResponseHandler that gathers the parts of a
// multi-part response.
type Collector struct {
	// Final reports whether a response is the last part. If nil, every
	// response is the last part.
	Final Final

	// Part, if non-nil, is called with each part as it arrives. Parts
	// delivered to Part are not retained by the collector.
	Part func(data []byte)

	// Done, if non-nil, is called once when the response is complete or the
	// transaction fails. The parts are those retained so far.
	Done func(parts [][]byte, err error)

	parts [][]byte
}

// HandleResponse implements the [txsvc.ResponseHandler] interface.
func (c *Collector) HandleResponse(rsp *txsvc.Response) txsvc.Result {
	if rsp.Failed() {
		c.finish(rsp.Err)
		return txsvc.Accepted
	}
	part := bytes.Clone(rsp.Data.Bytes())
	last := c.Final == nil || c.Final(rsp)
	if c.Part != nil {
		c.Part(part)
	} else {
		c.parts = append(c.parts, part)
	}
	if !last {
		return txsvc.WaitAnother
	}
	rsp.Data.Release()
	c.finish(nil)
	return txsvc.Accepted
}

func (c *Collector) finish(err error) {
	if c.Done != nil {
		c.Done(c.parts, err)
	}
}

// Parts returns the parts retained by c so far.
func (c *Collector) Parts() [][]byte { return c.parts }

// Send sends each part yielded by parts as a reply to req, in order. It
// stops and reports the first error from parts or from sending.
func Send(e *txsvc.Engine, req *txsvc.Request, opts txsvc.TxOptions, parts iter.Seq2[[]byte, error]) error {
	for part, err := range parts {
		if err != nil {
			return err
		}
		if err := e.Reply(req, opts, txsvc.NewBuffer(part)); err != nil {
			return err
		}
	}
	return nil
}

// Call sends req from inst to dst through the engine owned by loop, and
// yields the parts of the response as they arrive. The stream ends with the
// final part, or when ctx is canceled.
//
// The returned iterator yields zero or more (bs, nil) values. If the
// call ends unsuccessfully, the iterator ends the stream with a final
// (nil, err) tuple. If the caller stops early, or ctx ends before the
// request is sent, the transaction is removed.
func Call(ctx context.Context, loop *evloop.Loop, inst txsvc.InstanceID, dst netip.Addr, req []byte, final Final) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		// The collector runs on the loop goroutine; parts are handed to
		// this goroutine through a queue so that a slow consumer does not
		// stall the loop.
		type item struct {
			data []byte
			err  error
			done bool
		}
		var μ sync.Mutex
		var items []item
		ready := make(chan struct{}, 1)
		push := func(it item) {
			μ.Lock()
			items = append(items, it)
			μ.Unlock()
			select {
			case ready <- struct{}{}:
			default:
			}
		}

		var finished bool // accessed only on the loop goroutine
		c := &Collector{
			Final: final,
			Part:  func(data []byte) { push(item{data: data}) },
			Done: func(_ [][]byte, err error) {
				finished = true
				push(item{err: err, done: true})
			},
		}
		var id txsvc.TrID
		err := loop.Do(ctx, func(e *txsvc.Engine) error {
			var err error
			id, err = e.SendRequest(inst, dst, txsvc.TxNone, nil, txsvc.NewBuffer(bytes.Clone(req)), c)
			finished = err != nil
			return err
		})

		// The loop runs this after the send, even if ctx ended before the
		// send did.
		defer loop.Post(func(e *txsvc.Engine) {
			if !finished {
				e.Remove(id)
			}
		})
		if err != nil {
			yield(nil, err)
			return
		}

		for {
			select {
			case <-ready:
				μ.Lock()
				batch := items
				items = nil
				μ.Unlock()
				for _, it := range batch {
					if it.done {
						if it.err != nil {
							yield(nil, it.err)
						}
						return
					}
					if !yield(it.data, nil) {
						return
					}
				}
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}
