// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package evloop runs a txsvc.Engine on a single goroutine.
//
// An engine is not safe for concurrent use, but real bindings deliver
// datagrams from their own goroutines and clients may wish to start
// transactions from anywhere. A Loop owns the engine: it converts wall-clock
// time into ticks, and runs posted work and inbound datagrams one at a time
// on the goroutine that calls Run.
//
//	loop := evloop.New(0)
//	e := txsvc.New(txsvc.Config{
//	   Opener:     loop.Opener(binding.UDP{Port: 547}),
//	   Correlator: dhcp.Correlator{},
//	})
//	run := loop.Go(ctx, e)
//	err := loop.Do(ctx, func(e *txsvc.Engine) error {
//	   _, err := e.Register(iface, srv)
//	   return err
//	})
package evloop

import (
	"context"
	"math"
	"net/netip"
	"sync"
	"time"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
	"github.com/creachadair/txsvc"
)

// DefaultInterval is the duration of one tick if none is specified.
const DefaultInterval = 100 * time.Millisecond

// A Loop serializes access to an engine. The zero value is not ready for
// use; call New.
type Loop struct {
	interval time.Duration
	ready    chan struct{} // signaled when work is posted

	μ    sync.Mutex
	work queue.Queue[func(*txsvc.Engine)]
}

// New constructs a loop whose ticks last the given interval. If interval
// is not positive, DefaultInterval is used.
func New(interval time.Duration) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{interval: interval, ready: make(chan struct{}, 1)}
}

// Interval reports the duration of one tick.
func (l *Loop) Interval() time.Duration { return l.interval }

// Post queues f to be run on the loop goroutine. Post does not block, and
// may be called from any goroutine, including the loop itself. Work posted
// after Run returns is never run.
func (l *Loop) Post(f func(*txsvc.Engine)) {
	l.μ.Lock()
	l.work.Add(f)
	l.μ.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

// Do runs f on the loop goroutine and waits for it to return. If ctx ends
// first, Do reports its error; f may still run later.
func (l *Loop) Do(ctx context.Context, f func(*txsvc.Engine) error) error {
	done := make(chan error, 1)
	l.Post(func(e *txsvc.Engine) { done <- f(e) })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Opener wraps o so that the receivers of its bindings run on the loop
// goroutine.
func (l *Loop) Opener(o txsvc.Opener) txsvc.Opener {
	return txsvc.OpenerFunc(func(iface txsvc.InterfaceID, recv txsvc.Receiver) (txsvc.Binding, error) {
		return o.Open(iface, func(src netip.Addr, data []byte) {
			l.Post(func(*txsvc.Engine) { recv(src, data) })
		})
	})
}

// Go runs l in a new goroutine, and returns a task that reports the result
// of Run.
func (l *Loop) Go(ctx context.Context, e *txsvc.Engine) *taskgroup.Single[error] {
	return taskgroup.Go(func() error { return l.Run(ctx, e) })
}

// Run runs posted work and ticks e until ctx ends. It returns nil when ctx
// is canceled, and otherwise the error of ctx.
//
// The loop ticks only while e has active transactions. If the loop falls
// behind, the missed ticks are delivered together on the next wake-up.
func (l *Loop) Run(ctx context.Context, e *txsvc.Engine) error {
	var clock ticker
	defer clock.stop()
	for {
		if !clock.armed() && e.Pending() > 0 {
			clock.start(l.interval)
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.Canceled {
				return nil
			}
			return ctx.Err()

		case <-l.ready:
			l.drain(e)

		case now := <-clock.c:
			if n := clock.advance(now, l.interval); n > 0 && !tick(e, n) {
				clock.stop()
			}
		}
	}
}

// drain runs all the work queued at the time of the call.
func (l *Loop) drain(e *txsvc.Engine) {
	l.μ.Lock()
	n := l.work.Len()
	l.μ.Unlock()
	for range n {
		l.μ.Lock()
		f, ok := l.work.Pop()
		l.μ.Unlock()
		if !ok {
			return
		}
		f(e)
	}
}

// tick delivers n ticks to e in as few calls as possible, and reports
// whether e still has active transactions.
func tick(e *txsvc.Engine, n int64) bool {
	more := true
	for n > 0 {
		step := min(n, math.MaxUint16)
		more = e.Tick(uint16(step))
		n -= step
	}
	return more
}

// A ticker measures elapsed time in whole ticks, carrying the remainder
// forward.
type ticker struct {
	t     *time.Ticker
	c     <-chan time.Time // nil when not armed
	last  time.Time
	carry time.Duration
}

func (t *ticker) armed() bool { return t.t != nil }

func (t *ticker) start(d time.Duration) {
	t.last = time.Now()
	t.t = time.NewTicker(d)
	t.c = t.t.C
	t.carry = 0
}

func (t *ticker) stop() {
	if t.t != nil {
		t.t.Stop()
		t.t, t.c = nil, nil
	}
}

func (t *ticker) advance(now time.Time, d time.Duration) int64 {
	t.carry += now.Sub(t.last)
	t.last = now
	n := int64(t.carry / d)
	t.carry -= time.Duration(n) * d
	return n
}
