// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package txsvc_test

import (
	"errors"
	"expvar"
	"net/netip"
	"testing"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/txsvc"
	"github.com/creachadair/txsvc/binding"
	"github.com/creachadair/txsvc/internal/txtest"
	"github.com/creachadair/txsvc/trace"
	"github.com/google/go-cmp/cmp"
)

const (
	if1 txsvc.InterfaceID = 1
	if2 txsvc.InterfaceID = 2

	typeEcho  = 1
	typeOther = 2
)

// spy is a ResponseHandler that records the responses it receives.
type spy struct {
	result txsvc.Result
	calls  []txsvc.Response
	bodies []string
}

func (s *spy) HandleResponse(rsp *txsvc.Response) txsvc.Result {
	s.calls = append(s.calls, *rsp)
	if rsp.Failed() {
		s.bodies = append(s.bodies, "<failed>")
	} else {
		s.bodies = append(s.bodies, txtest.Body(rsp.Data.Bytes()))
	}
	return s.result
}

func (s *spy) failures() int {
	var n int
	for _, c := range s.calls {
		if c.Failed() {
			n++
		}
	}
	return n
}

// echoServer accepts requests of typeEcho and replies with their body.
func echoServer(t *testing.T, e *txsvc.Engine) txsvc.RequestHandler {
	return txsvc.RequestFunc(func(req *txsvc.Request) txsvc.Result {
		if req.Header.Type != typeEcho || req.Header.Reply {
			return txsvc.NotMine
		}
		data := req.Data.Take()
		rsp := txtest.Reply(typeEcho, req.Header.ID, txtest.Body(data.Bytes()))
		data.Release()
		if err := e.Reply(req, txsvc.TxNone, txsvc.NewBuffer(rsp)); err != nil {
			t.Errorf("Reply: %v", err)
		}
		return txsvc.Accepted
	})
}

var ignore = txsvc.RequestFunc(func(*txsvc.Request) txsvc.Result { return txsvc.NotMine })

func mustRegister(t *testing.T, e *txsvc.Engine, iface txsvc.InterfaceID, h txsvc.RequestHandler) txsvc.InstanceID {
	t.Helper()
	id, err := e.Register(iface, h)
	if err != nil {
		t.Fatalf("Register %d: %v", iface, err)
	}
	return id
}

func mustSend(t *testing.T, e *txsvc.Engine, inst txsvc.InstanceID, dst netip.Addr, body string, h txsvc.ResponseHandler) txsvc.TrID {
	t.Helper()
	id, err := e.SendRequest(inst, dst, txsvc.TxNone, body, txsvc.NewBuffer(txtest.Request(typeEcho, body)), h)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if id == 0 {
		t.Fatal("SendRequest returned id 0")
	}
	return id
}

func metric(e *txsvc.Engine, name string) int64 {
	return e.Metrics().Get(name).(*expvar.Int).Value()
}

func newLocal(t *testing.T, cfg txsvc.Config) *txtest.Local {
	t.Helper()
	loc := txtest.NewLocal(cfg)
	t.Cleanup(func() {
		if err := loc.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return loc
}

func TestNew(t *testing.T) {
	n := binding.NewNetwork()
	mtest.MustPanic(t, func() { txsvc.New(txsvc.Config{Correlator: txtest.Correlator{}}) })
	mtest.MustPanic(t, func() { txsvc.New(txsvc.Config{Opener: n.Node(txtest.AddrA)}) })
	mtest.MustPanic(t, func() {
		txsvc.New(txsvc.Config{
			Opener:     n.Node(txtest.AddrA),
			Correlator: txtest.Correlator{},
			Retry:      txsvc.RetryPolicy{TimeoutMax: 5},
		})
	})

	e := txsvc.New(txsvc.Config{Opener: n.Node(txtest.AddrA), Correlator: txtest.Correlator{}})
	if got := e.RetryPolicy(); got != txsvc.DefaultRetryPolicy {
		t.Errorf("RetryPolicy: got %v, want %v", got, txsvc.DefaultRetryPolicy)
	}
	if e.ID() == "" {
		t.Error("ID is empty")
	}

	e2 := txsvc.New(txsvc.Config{
		Opener:     n.Node(txtest.AddrB),
		Correlator: txtest.Correlator{},
		Retry:      txsvc.RetryPolicy{TimeoutInit: 5, TimeoutMax: 2, RetransMax: 1},
	})
	want := txsvc.RetryPolicy{TimeoutInit: 5, TimeoutMax: 5, RetransMax: 1}
	if got := e2.RetryPolicy(); got != want {
		t.Errorf("RetryPolicy: got %v, want %v", got, want)
	}
	if e.ID() == e2.ID() {
		t.Errorf("Engines share ID %q", e.ID())
	}
}

func TestRegistry(t *testing.T) {
	loc := newLocal(t, txsvc.Config{MaxInstances: 3})
	e := loc.A

	if _, err := e.Register(if1, nil); !errors.Is(err, txsvc.ErrNullCallback) {
		t.Errorf("Register(nil): got %v, want %v", err, txsvc.ErrNullCallback)
	}
	if _, err := e.Register(if1, txsvc.RequestFunc(nil)); !errors.Is(err, txsvc.ErrNullCallback) {
		t.Errorf("Register(nil func): got %v, want %v", err, txsvc.ErrNullCallback)
	}

	a := mustRegister(t, e, if1, ignore)
	b := mustRegister(t, e, if1, ignore)
	c := mustRegister(t, e, if2, ignore)
	if a == 0 || a == b || b == c || a == c {
		t.Errorf("Instance ids not unique and non-zero: %v %v %v", a, b, c)
	}
	if _, err := e.Register(if1, ignore); !errors.Is(err, txsvc.ErrAllocation) {
		t.Errorf("Register when full: got %v, want %v", err, txsvc.ErrAllocation)
	}

	// Instances on the same interface share one binding.
	if got := loc.Net.Opens(txtest.AddrA); got != 2 {
		t.Errorf("Opens: got %d, want 2", got)
	}
	if diff := cmp.Diff([]txsvc.InstanceID{a, b}, e.Instances(if1)); diff != "" {
		t.Errorf("Instances (-want, +got):\n%s", diff)
	}
	if got := metric(e, "instances"); got != 3 {
		t.Errorf("instances: got %d, want 3", got)
	}

	if err := e.Unregister(a); err != nil {
		t.Errorf("Unregister: %v", err)
	}
	if !loc.Net.IsOpen(txtest.AddrA, if1) {
		t.Error("Binding closed while an instance remains")
	}
	if err := e.Unregister(a); !errors.Is(err, txsvc.ErrInvalidHandle) {
		t.Errorf("Unregister again: got %v, want %v", err, txsvc.ErrInvalidHandle)
	}
	if err := e.Unregister(b); err != nil {
		t.Errorf("Unregister: %v", err)
	}
	if loc.Net.IsOpen(txtest.AddrA, if1) {
		t.Error("Binding open after its last instance left")
	}

	// A new registration gets a fresh id even if it reuses a slot.
	d := mustRegister(t, e, if1, ignore)
	if d == a || d == b {
		t.Errorf("Register reused id %v", d)
	}
	if got := loc.Net.Opens(txtest.AddrA); got != 3 {
		t.Errorf("Opens: got %d, want 3", got)
	}

	var terr *txsvc.Error
	if err := e.Unregister(12345); !errors.As(err, &terr) || terr.Op != "unregister" {
		t.Errorf("Unregister error: got %#v, want *Error", err)
	}
}

func TestRegisterOpenError(t *testing.T) {
	bad := errors.New("no such interface")
	e := txsvc.New(txsvc.Config{
		Opener: txsvc.OpenerFunc(func(txsvc.InterfaceID, txsvc.Receiver) (txsvc.Binding, error) {
			return nil, bad
		}),
		Correlator: txtest.Correlator{},
	})
	if _, err := e.Register(if1, ignore); !errors.Is(err, bad) {
		t.Errorf("Register: got %v, want %v", err, bad)
	}
	if got := e.Instances(if1); len(got) != 0 {
		t.Errorf("Instances: got %v, want none", got)
	}
}

func TestSendRequestErrors(t *testing.T) {
	loc := newLocal(t, txsvc.Config{MaxTransactions: 1})
	e := loc.A
	inst := mustRegister(t, e, if1, ignore)

	tests := []struct {
		name string
		inst txsvc.InstanceID
		dst  netip.Addr
		data []byte
		h    txsvc.ResponseHandler
		want error
	}{
		{"BadInstance", inst + 1, txtest.AddrB, txtest.Request(1, ""), new(spy), txsvc.ErrInvalidHandle},
		{"NilHandler", inst, txtest.AddrB, txtest.Request(1, ""), nil, txsvc.ErrNullCallback},
		{"NilFunc", inst, txtest.AddrB, txtest.Request(1, ""), txsvc.ResponseFunc(nil), txsvc.ErrNullCallback},
		{"BadAddress", inst, netip.Addr{}, txtest.Request(1, ""), new(spy), nil},
		{"ShortPayload", inst, txtest.AddrB, []byte{1, 2}, new(spy), nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := txsvc.NewBuffer(tc.data)
			id, err := e.SendRequest(tc.inst, tc.dst, txsvc.TxNone, nil, buf, tc.h)
			if err == nil {
				t.Fatalf("SendRequest: got id %v, want error", id)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Errorf("SendRequest: got %v, want %v", err, tc.want)
			}
			if !buf.Released() {
				t.Error("Payload was not released after error")
			}
		})
	}

	mustSend(t, e, inst, txtest.AddrB, "one", new(spy))
	buf := txsvc.NewBuffer(txtest.Request(1, "two"))
	if _, err := e.SendRequest(inst, txtest.AddrB, txsvc.TxNone, nil, buf, new(spy)); !errors.Is(err, txsvc.ErrAllocation) {
		t.Errorf("SendRequest when full: got %v, want %v", err, txsvc.ErrAllocation)
	}
	if !buf.Released() {
		t.Error("Payload was not released after error")
	}
	if got := loc.Net.Sent(); len(got) != 1 {
		t.Errorf("Sent: got %d frames, want 1", len(got))
	}
}

func TestUniqueIDs(t *testing.T) {
	loc := newLocal(t, txsvc.Config{})
	inst := mustRegister(t, loc.A, if1, ignore)

	seen := make(map[txsvc.TrID]bool)
	for range 200 {
		id := mustSend(t, loc.A, inst, txtest.AddrB, "x", new(spy))
		if seen[id] {
			t.Fatalf("Duplicate active id %v", id)
		}
		seen[id] = true
		if len(seen)%3 == 0 {
			if err := loc.A.Remove(id); err != nil {
				t.Fatalf("Remove %v: %v", id, err)
			}
			delete(seen, id)
		}
	}
	if got, want := loc.A.Pending(), len(seen); got != want {
		t.Errorf("Pending: got %d, want %d", got, want)
	}

	// Each id is stamped into the request that carries it.
	for _, f := range loc.Net.Sent() {
		if id := txtest.ID(f.Data); id == 0 {
			t.Errorf("Frame %v carries no id", f)
		}
	}
}

func TestIDWrap(t *testing.T) {
	n := binding.NewNetwork()
	e := txsvc.New(txsvc.Config{Opener: n.Node(txtest.AddrA), Correlator: txtest.Correlator{Max: 3}})
	inst := mustRegister(t, e, if1, ignore)

	var ids []txsvc.TrID
	for range 3 {
		ids = append(ids, mustSend(t, e, inst, txtest.AddrB, "x", new(spy)))
	}
	if diff := cmp.Diff([]txsvc.TrID{1, 2, 3}, ids); diff != "" {
		t.Errorf("IDs (-want, +got):\n%s", diff)
	}

	// With every id in use, allocation fails.
	if _, err := e.SendRequest(inst, txtest.AddrB, 0, nil, txsvc.NewBuffer(txtest.Request(1, "")), new(spy)); !errors.Is(err, txsvc.ErrAllocation) {
		t.Errorf("SendRequest: got %v, want %v", err, txsvc.ErrAllocation)
	}

	// Allocation wraps around and skips ids still in use.
	if err := e.Remove(2); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if id := mustSend(t, e, inst, txtest.AddrB, "x", new(spy)); id != 2 {
		t.Errorf("SendRequest: got id %v, want 2", id)
	}
}

func TestExchange(t *testing.T) {
	var events []trace.Event
	rec := recorder(func(ev trace.Event) { events = append(events, ev) })
	loc := newLocal(t, txsvc.Config{Tracer: rec})

	var pkts []txsvc.PacketInfo
	loc.A.LogPackets(func(pi txsvc.PacketInfo) { pkts = append(pkts, pi) })

	// Instances on A see requests, but never responses to A's transactions.
	var offered int
	inst := mustRegister(t, loc.A, if1, txsvc.RequestFunc(func(*txsvc.Request) txsvc.Result {
		offered++
		return txsvc.NotMine
	}))
	mustRegister(t, loc.B, if1, echoServer(t, loc.B))

	s := &spy{result: txsvc.Accepted}
	id := mustSend(t, loc.A, inst, txtest.AddrB, "hello", s)
	if !loc.A.Active(id) {
		t.Errorf("Active(%v): got false, want true", id)
	}
	loc.Net.Flush()

	if diff := cmp.Diff([]string{"hello"}, s.bodies); diff != "" {
		t.Errorf("Responses (-want, +got):\n%s", diff)
	}
	if offered != 0 {
		t.Errorf("Response offered to %d instances, want 0", offered)
	}
	rsp := s.calls[0]
	if rsp.ID != id || rsp.Instance != inst || rsp.Context != "hello" || rsp.Source != txtest.AddrB {
		t.Errorf("Response: got %+v", rsp)
	}
	if rsp.Data.Released() {
		t.Error("Accepted response data was released by the engine")
	}
	if loc.A.Active(id) || loc.A.Pending() != 0 {
		t.Errorf("Transaction %v still active after completion", id)
	}

	// Once complete, further ticks do nothing.
	if loc.A.Tick(1000) {
		t.Error("Tick reported pending work")
	}
	if len(loc.Net.Sent()) != 2 {
		t.Error("Unexpected retransmission after completion")
	}

	for name, want := range map[string]int64{
		"requests_sent": 1, "completed": 1, "retransmits": 0, "transactions_pending": 0,
		"datagrams_sent": 1, "datagrams_received": 1,
	} {
		if got := metric(loc.A, name); got != want {
			t.Errorf("A %s: got %d, want %d", name, got, want)
		}
	}
	for name, want := range map[string]int64{"requests_claimed": 1, "responses_sent": 1} {
		if got := metric(loc.B, name); got != want {
			t.Errorf("B %s: got %d, want %d", name, got, want)
		}
	}

	// Both engines share the tracer; keep only A's events.
	var kinds []trace.Kind
	for _, ev := range events {
		if ev.EngineID == loc.A.ID() {
			kinds = append(kinds, ev.Kind)
		}
	}
	if diff := cmp.Diff([]trace.Kind{
		trace.KindBindOpen, trace.KindRegister, trace.KindSend, trace.KindComplete,
	}, kinds); diff != "" {
		t.Errorf("A events (-want, +got):\n%s", diff)
	}

	if len(pkts) != 2 || !pkts[0].Sent || pkts[1].Sent {
		t.Errorf("Packet log: got %v, want one send and one receive", pkts)
	}
}

type recorder func(trace.Event)

func (r recorder) Log(ev trace.Event) { r(ev) }

func TestBackoff(t *testing.T) {
	policy := txsvc.RetryPolicy{TimeoutInit: 2, TimeoutMax: 5, RetransMax: 4}
	loc := newLocal(t, txsvc.Config{Retry: policy})
	inst := mustRegister(t, loc.A, if1, ignore)

	s := new(spy)
	buf := txsvc.NewBuffer(txtest.Request(typeEcho, "ping"))
	id, err := loc.A.SendRequest(inst, txtest.AddrB, txsvc.TxShortAddr, "ctx", buf, s)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if !buf.Released() {
		t.Error("Caller still holds the payload after SendRequest")
	}

	var sendTimes []int
	var failAt int
	for now := 0; now <= 30; now++ {
		if now > 0 {
			loc.A.Tick(1)
		}
		for range loc.Net.Sent() {
			sendTimes = append(sendTimes, now)
		}
		if failAt == 0 && len(s.calls) != 0 {
			failAt = now
		}
	}

	// Timeouts are 2, 4, 5, 5, 5: the timeout doubles after each
	// retransmission up to its maximum.
	if diff := cmp.Diff([]int{0, 2, 6, 11, 16}, sendTimes); diff != "" {
		t.Errorf("Send times (-want, +got):\n%s", diff)
	}
	if failAt != 21 {
		t.Errorf("Failure at tick %d, want 21", failAt)
	}
	if len(s.calls) != 1 || s.failures() != 1 {
		t.Fatalf("Responses: got %+v, want one failure", s.calls)
	}
	rsp := s.calls[0]
	if !errors.Is(rsp.Err, txsvc.ErrRetryExhausted) || rsp.Data != nil || rsp.ID != id || rsp.Context != "ctx" {
		t.Errorf("Failure: got %+v", rsp)
	}
	if loc.A.Active(id) {
		t.Error("Transaction active after exhaustion")
	}
	if got := metric(loc.A, "retransmits"); got != 4 {
		t.Errorf("retransmits: got %d, want 4", got)
	}
	if got := metric(loc.A, "expired"); got != 1 {
		t.Errorf("expired: got %d, want 1", got)
	}
}

func TestExhaustion(t *testing.T) {
	for _, n := range []uint8{0, 1, 3, 10} {
		policy := txsvc.RetryPolicy{TimeoutInit: 1, TimeoutMax: 4, RetransMax: n}
		loc := newLocal(t, txsvc.Config{Retry: policy})
		inst := mustRegister(t, loc.A, if1, ignore)
		s := new(spy)
		mustSend(t, loc.A, inst, txtest.AddrB, "x", s)
		loc.Net.Sent()

		for loc.A.Tick(1) {
		}
		if got := len(loc.Net.Sent()); got != int(n) {
			t.Errorf("RetransMax %d: got %d retransmissions", n, got)
		}
		if got := len(s.calls); got != 1 {
			t.Errorf("RetransMax %d: got %d callbacks, want 1", n, got)
		}
		if loc.A.Pending() != 0 {
			t.Errorf("RetransMax %d: %d transactions pending", n, loc.A.Pending())
		}
	}
}

func TestCatchUp(t *testing.T) {
	policy := txsvc.RetryPolicy{TimeoutInit: 1, TimeoutMax: 64, RetransMax: 10}

	// Run the same transaction on two engines, ticking one in steps of 1
	// and the other in larger chunks, and compare at each chunk boundary.
	one := newLocal(t, txsvc.Config{Retry: policy})
	many := newLocal(t, txsvc.Config{Retry: policy})
	s1, s2 := new(spy), new(spy)
	mustSend(t, one.A, mustRegister(t, one.A, if1, ignore), txtest.AddrB, "x", s1)
	mustSend(t, many.A, mustRegister(t, many.A, if1, ignore), txtest.AddrB, "x", s2)

	var sent1, sent2 int
	for i, chunk := range []uint16{5, 1, 3, 7, 20, 100, 300, 1000} {
		for range chunk {
			one.A.Tick(1)
		}
		many.A.Tick(chunk)
		sent1 += len(one.Net.Sent())
		sent2 += len(many.Net.Sent())

		if sent1 != sent2 {
			t.Errorf("Step %d: sent %d with single ticks, %d with Tick(%d)", i, sent1, sent2, chunk)
		}
		n1, ok1 := one.A.NextTimeout()
		n2, ok2 := many.A.NextTimeout()
		if n1 != n2 || ok1 != ok2 {
			t.Errorf("Step %d: NextTimeout got (%d, %v) and (%d, %v)", i, n1, ok1, n2, ok2)
		}
		if len(s1.calls) != len(s2.calls) {
			t.Errorf("Step %d: callbacks got %d and %d", i, len(s1.calls), len(s2.calls))
		}
	}
	if s1.failures() != 1 {
		t.Errorf("Failures: got %d, want 1", s1.failures())
	}
}

func TestNextTimeout(t *testing.T) {
	loc := newLocal(t, txsvc.Config{Retry: txsvc.RetryPolicy{TimeoutInit: 10, TimeoutMax: 80, RetransMax: 2}})
	inst := mustRegister(t, loc.A, if1, ignore)

	if n, ok := loc.A.NextTimeout(); ok {
		t.Errorf("NextTimeout: got %d, want none", n)
	}
	mustSend(t, loc.A, inst, txtest.AddrB, "a", new(spy))
	loc.A.Tick(4)
	mustSend(t, loc.A, inst, txtest.AddrB, "b", new(spy))
	if n, ok := loc.A.NextTimeout(); !ok || n != 6 {
		t.Errorf("NextTimeout: got (%d, %v), want (6, true)", n, ok)
	}
	loc.A.Tick(6) // a retransmits, timeout 20
	if n, ok := loc.A.NextTimeout(); !ok || n != 4 {
		t.Errorf("NextTimeout: got (%d, %v), want (4, true)", n, ok)
	}
}

func TestWorkedScenario(t *testing.T) {
	n := binding.NewNetwork()
	e := txsvc.New(txsvc.Config{
		Opener:     n.Node(txtest.AddrA),
		Correlator: opaque{},
		Retry:      txsvc.RetryPolicy{TimeoutInit: 100, TimeoutMax: 800, RetransMax: 3},
	})
	inst := mustRegister(t, e, if1, ignore)
	dst := netip.MustParseAddr("fe80::1")

	// Use up ids 1 through 6.
	for range 6 {
		id, err := e.SendRequest(inst, dst, txsvc.TxNone, nil, txsvc.NewBuffer([]byte{0}), new(spy))
		if err != nil {
			t.Fatalf("SendRequest: %v", err)
		}
		e.Remove(id)
	}
	n.Sent()

	s := new(spy)
	id, err := e.SendRequest(inst, dst, txsvc.TxNone, nil, txsvc.NewBuffer([]byte{0x01, 0x02}), s)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if id != 7 {
		t.Errorf("SendRequest: got id %v, want 7", id)
	}

	// Each expiry retransmits and doubles the timeout: 100, 200, 400, 800.
	for i, ticks := range []uint16{100, 200, 400} {
		if !e.Tick(ticks) {
			t.Fatalf("Tick %d: no pending work", i+1)
		}
		if got := len(n.Sent()); got != 1 {
			t.Errorf("Tick %d: sent %d, want 1", i+1, got)
		}
		if len(s.calls) != 0 {
			t.Fatalf("Tick %d: unexpected callback %+v", i+1, s.calls)
		}
	}
	if !e.Tick(799) || len(s.calls) != 0 {
		t.Error("Transaction failed early")
	}
	if e.Tick(1) {
		t.Error("Tick reported pending work after exhaustion")
	}
	if len(s.calls) != 1 || s.calls[0].ID != 7 || !s.calls[0].Failed() {
		t.Errorf("Callbacks: got %+v, want one failure for 7", s.calls)
	}
	if got := n.Sent(); len(got) != 0 {
		t.Errorf("Sent after exhaustion: %v", got)
	}
}

// opaque is a correlator that never reads or writes message contents.
type opaque struct{}

func (opaque) Stamp([]byte, txsvc.TrID) error     { return nil }
func (opaque) Parse([]byte) (txsvc.Header, error) { return txsvc.Header{}, errors.New("opaque") }
func (opaque) MaxID() txsvc.TrID                  { return 1<<16 - 1 }

func TestOrderedDemux(t *testing.T) {
	loc := newLocal(t, txsvc.Config{})

	var order []string
	inst := func(name string, res txsvc.Result) txsvc.RequestHandler {
		return txsvc.RequestFunc(func(req *txsvc.Request) txsvc.Result {
			order = append(order, name)
			return res
		})
	}
	mustRegister(t, loc.B, if1, inst("a", txsvc.NotMine))
	mustRegister(t, loc.B, if1, inst("b", txsvc.WaitAnother))
	mustRegister(t, loc.B, if2, inst("other", txsvc.Accepted))
	mustRegister(t, loc.B, if1, inst("c", txsvc.Accepted))
	mustRegister(t, loc.B, if1, inst("d", txsvc.Accepted))

	loc.Net.Inject(binding.Frame{Interface: if1, Src: txtest.AddrA, Dst: txtest.AddrB, Data: txtest.Request(typeOther, "x")})
	loc.Net.Flush()

	if diff := cmp.Diff([]string{"a", "b", "c"}, order); diff != "" {
		t.Errorf("Dispatch order (-want, +got):\n%s", diff)
	}
	if got := metric(loc.B, "datagrams_dropped"); got != 0 {
		t.Errorf("datagrams_dropped: got %d, want 0", got)
	}
}

func TestDemuxDrops(t *testing.T) {
	loc := newLocal(t, txsvc.Config{})

	var order []string
	var bufs []*txsvc.Buffer
	inst := func(name string, res txsvc.Result) txsvc.RequestHandler {
		return txsvc.RequestFunc(func(req *txsvc.Request) txsvc.Result {
			order = append(order, name)
			bufs = append(bufs, req.Data)
			return res
		})
	}
	mustRegister(t, loc.B, if1, inst("bad", txsvc.Corrupted))
	mustRegister(t, loc.B, if1, inst("never", txsvc.Accepted))
	mustRegister(t, loc.B, if2, inst("lonely", txsvc.NotMine))

	inject := func(iface txsvc.InterfaceID, data []byte) {
		loc.Net.Inject(binding.Frame{Interface: iface, Src: txtest.AddrA, Dst: txtest.AddrB, Data: data})
		loc.Net.Flush()
	}

	// Corrupted stops the scan.
	inject(if1, txtest.Request(typeOther, "x"))
	if diff := cmp.Diff([]string{"bad"}, order); diff != "" {
		t.Errorf("Dispatch order (-want, +got):\n%s", diff)
	}

	// With no taker the datagram is dropped.
	inject(if2, txtest.Request(typeOther, "y"))

	// A response naming no active transaction is dropped without being
	// offered to any instance.
	inject(if1, txtest.Reply(typeEcho, 99, "stale"))

	// A message too short to correlate is still offered to instances.
	inject(if2, []byte{1})

	if diff := cmp.Diff([]string{"bad", "lonely", "lonely"}, order); diff != "" {
		t.Errorf("Dispatch order (-want, +got):\n%s", diff)
	}
	if got := metric(loc.B, "datagrams_dropped"); got != 4 {
		t.Errorf("datagrams_dropped: got %d, want 4", got)
	}
	for i, b := range bufs {
		if !b.Released() {
			t.Errorf("Buffer %d not released after drop", i)
		}
	}
}

func TestResponseResults(t *testing.T) {
	loc := newLocal(t, txsvc.Config{Retry: txsvc.RetryPolicy{TimeoutInit: 4, TimeoutMax: 8, RetransMax: 2}})
	inst := mustRegister(t, loc.A, if1, ignore)
	mustRegister(t, loc.B, if1, ignore)

	reply := func(id txsvc.TrID, body string) {
		loc.Net.Inject(binding.Frame{Interface: if1, Src: txtest.AddrB, Dst: txtest.AddrA, Data: txtest.Reply(typeEcho, id, body)})
		loc.Net.Flush()
	}

	t.Run("WaitAnother", func(t *testing.T) {
		var bodies []string
		id := mustSend(t, loc.A, inst, txtest.AddrB, "x", txsvc.ResponseFunc(func(rsp *txsvc.Response) txsvc.Result {
			bodies = append(bodies, txtest.Body(rsp.Data.Bytes()))
			if txtest.Body(rsp.Data.Bytes()) == "part" {
				return txsvc.WaitAnother
			}
			return txsvc.Accepted
		}))
		loc.Net.Sent()

		loc.A.Tick(3)
		reply(id, "part") // resets the timer to its initial value
		loc.A.Tick(3)
		if got := len(loc.Net.Sent()); got != 0 {
			t.Errorf("Sent %d frames before the reset timeout", got)
		}
		loc.A.Tick(1)
		if got := len(loc.Net.Sent()); got != 1 {
			t.Errorf("Sent %d frames at the reset timeout, want 1", got)
		}
		reply(id, "part")
		reply(id, "done")
		if diff := cmp.Diff([]string{"part", "part", "done"}, bodies); diff != "" {
			t.Errorf("Responses (-want, +got):\n%s", diff)
		}
		if loc.A.Active(id) {
			t.Error("Transaction still active")
		}
	})

	t.Run("Corrupted", func(t *testing.T) {
		s := &spy{result: txsvc.Corrupted}
		id := mustSend(t, loc.A, inst, txtest.AddrB, "x", s)
		reply(id, "garbage")
		if !loc.A.Active(id) {
			t.Fatal("Corrupted response finalized the transaction")
		}
		s.result = txsvc.Accepted
		reply(id, "good")
		if diff := cmp.Diff([]string{"garbage", "good"}, s.bodies); diff != "" {
			t.Errorf("Responses (-want, +got):\n%s", diff)
		}
		if loc.A.Active(id) {
			t.Error("Transaction still active")
		}
	})

	t.Run("NotMine", func(t *testing.T) {
		var claimed []string
		claim := mustRegister(t, loc.A, if1, txsvc.RequestFunc(func(req *txsvc.Request) txsvc.Result {
			claimed = append(claimed, txtest.Body(req.Data.Bytes()))
			return txsvc.Accepted
		}))
		defer loc.A.Unregister(claim)

		dropped := metric(loc.A, "datagrams_dropped")
		s := &spy{result: txsvc.NotMine}
		id := mustSend(t, loc.A, inst, txtest.AddrB, "x", s)
		reply(id, "yours")
		if len(s.calls) != 1 {
			t.Errorf("Handler calls: got %d, want 1", len(s.calls))
		}
		if len(claimed) != 0 {
			t.Errorf("Declined response offered to an instance: %q", claimed)
		}
		if got := metric(loc.A, "datagrams_dropped"); got != dropped+1 {
			t.Errorf("datagrams_dropped: got %d, want %d", got, dropped+1)
		}
		if !loc.A.Active(id) {
			t.Error("Transaction finalized by a response it declined")
		}
		loc.A.Remove(id)
	})

	t.Run("WrongInterface", func(t *testing.T) {
		other := mustRegister(t, loc.A, if2, ignore)
		defer loc.A.Unregister(other)

		dropped := metric(loc.A, "datagrams_dropped")
		s := &spy{result: txsvc.Accepted}
		id := mustSend(t, loc.A, inst, txtest.AddrB, "x", s)
		loc.Net.Inject(binding.Frame{Interface: if2, Src: txtest.AddrB, Dst: txtest.AddrA, Data: txtest.Reply(typeEcho, id, "elsewhere")})
		loc.Net.Flush()
		if len(s.calls) != 0 {
			t.Errorf("Response from another interface delivered: %+v", s.calls)
		}
		if got := metric(loc.A, "datagrams_dropped"); got != dropped+1 {
			t.Errorf("datagrams_dropped: got %d, want %d", got, dropped+1)
		}
		if !loc.A.Active(id) {
			t.Fatal("Transaction finalized by a response on another interface")
		}
		reply(id, "here")
		if diff := cmp.Diff([]string{"here"}, s.bodies); diff != "" {
			t.Errorf("Responses (-want, +got):\n%s", diff)
		}
		if loc.A.Active(id) {
			t.Error("Transaction still active")
		}
	})
}

func TestRemove(t *testing.T) {
	loc := newLocal(t, txsvc.Config{})
	inst := mustRegister(t, loc.A, if1, ignore)
	mustRegister(t, loc.B, if1, echoServer(t, loc.B))

	s := new(spy)
	id := mustSend(t, loc.A, inst, txtest.AddrB, "x", s)
	if err := loc.A.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := loc.A.Remove(id); !errors.Is(err, txsvc.ErrInvalidHandle) {
		t.Errorf("Remove again: got %v, want %v", err, txsvc.ErrInvalidHandle)
	}

	// The response to the removed transaction is stale.
	loc.Net.Flush()
	for loc.A.Tick(100) {
	}
	if len(s.calls) != 0 {
		t.Errorf("Removed transaction got callbacks: %+v", s.calls)
	}
	if got := metric(loc.A, "canceled"); got != 1 {
		t.Errorf("canceled: got %d, want 1", got)
	}
	if got := metric(loc.A, "datagrams_dropped"); got != 1 {
		t.Errorf("datagrams_dropped: got %d, want 1", got)
	}
}

func TestSetRetryTimers(t *testing.T) {
	var retries []uint8
	rec := recorder(func(ev trace.Event) {
		if ev.Kind == trace.KindPolicy {
			retries = append(retries, ev.Retries)
		}
	})
	loc := newLocal(t, txsvc.Config{Tracer: rec})
	inst := mustRegister(t, loc.A, if1, ignore)

	if err := loc.A.SetRetryTimers(5, 1, 2, 3); !errors.Is(err, txsvc.ErrInvalidHandle) {
		t.Errorf("SetRetryTimers unknown: got %v, want %v", err, txsvc.ErrInvalidHandle)
	}

	s := new(spy)
	id := mustSend(t, loc.A, inst, txtest.AddrB, "x", s)
	if err := loc.A.SetRetryTimers(id, 0, 2, 3); !errors.Is(err, txsvc.ErrInvalidPolicy) {
		t.Errorf("SetRetryTimers zero init: got %v, want %v", err, txsvc.ErrInvalidPolicy)
	}

	// The maximum is raised to the initial timeout.
	if err := loc.A.SetRetryTimers(id, 3, 2, 1); err != nil {
		t.Fatalf("SetRetryTimers: %v", err)
	}
	loc.Net.Sent()
	if n, _ := loc.A.NextTimeout(); n != 3 {
		t.Errorf("NextTimeout: got %d, want 3", n)
	}
	loc.A.Tick(3)
	if got := len(loc.Net.Sent()); got != 1 {
		t.Errorf("Sent: got %d, want 1", got)
	}
	if n, _ := loc.A.NextTimeout(); n != 3 {
		t.Errorf("NextTimeout after backoff: got %d, want 3", n)
	}

	// Lowering the limit below the retransmissions already made caps the
	// count at the new limit, and fails the transaction at the next expiry.
	if err := loc.A.SetRetryTimers(id, 2, 2, 0); err != nil {
		t.Fatalf("SetRetryTimers: %v", err)
	}
	if diff := cmp.Diff([]uint8{0, 0}, retries); diff != "" {
		t.Errorf("Policy retries (-want, +got):\n%s", diff)
	}
	loc.A.Tick(1)
	if s.failures() != 0 {
		t.Errorf("Failures before expiry: got %d, want 0", s.failures())
	}
	loc.A.Tick(1)
	if s.failures() != 1 {
		t.Errorf("Failures: got %d, want 1", s.failures())
	}
	if err := loc.A.SetRetryTimers(id, 1, 1, 1); !errors.Is(err, txsvc.ErrInvalidHandle) {
		t.Errorf("SetRetryTimers finalized: got %v, want %v", err, txsvc.ErrInvalidHandle)
	}
}

func TestUnregisterCancels(t *testing.T) {
	loc := newLocal(t, txsvc.Config{})
	a := mustRegister(t, loc.A, if1, ignore)
	b := mustRegister(t, loc.A, if1, ignore)

	sa, sb := new(spy), new(spy)
	ida := mustSend(t, loc.A, a, txtest.AddrB, "a", sa)
	idb := mustSend(t, loc.A, b, txtest.AddrB, "b", sb)

	if err := loc.A.Unregister(a); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if loc.A.Active(ida) {
		t.Error("Transaction of unregistered instance still active")
	}
	if !loc.A.Active(idb) {
		t.Error("Transaction of another instance was canceled")
	}
	for loc.A.Tick(100) {
	}
	if len(sa.calls) != 0 {
		t.Errorf("Canceled transaction got callbacks: %+v", sa.calls)
	}
	if sb.failures() != 1 {
		t.Errorf("Failures: got %d, want 1", sb.failures())
	}
}

func TestSendFailure(t *testing.T) {
	loc := newLocal(t, txsvc.Config{Retry: txsvc.RetryPolicy{TimeoutInit: 1, TimeoutMax: 1, RetransMax: 1}})
	inst := mustRegister(t, loc.A, if1, ignore)

	loc.Net.FailSends(errors.New("link down"))
	id := mustSend(t, loc.A, inst, txtest.AddrB, "x", new(spy))
	if got := metric(loc.A, "send_errors"); got != 1 {
		t.Errorf("send_errors: got %d, want 1", got)
	}
	loc.Net.FailSends(nil)
	loc.A.Tick(1)
	if got := loc.Net.Sent(); len(got) != 1 || txtest.ID(got[0].Data) != id {
		t.Errorf("Retransmit: got %v", got)
	}
}

func TestSendResponse(t *testing.T) {
	loc := newLocal(t, txsvc.Config{})

	buf := txsvc.NewBuffer([]byte("x"))
	if err := loc.A.SendResponse(if1, txtest.AddrB, txsvc.TxNone, buf); !errors.Is(err, txsvc.ErrInvalidHandle) {
		t.Errorf("SendResponse without binding: got %v, want %v", err, txsvc.ErrInvalidHandle)
	}
	if !buf.Released() {
		t.Error("Payload not released after error")
	}

	mustRegister(t, loc.A, if1, ignore)
	if err := loc.A.SendResponse(if1, txtest.AddrB, txsvc.TxMulticastHopLimit64, txsvc.NewBuffer([]byte("y"))); err != nil {
		t.Errorf("SendResponse: %v", err)
	}
	got := loc.Net.Sent()
	if len(got) != 1 || string(got[0].Data) != "y" || got[0].Options != txsvc.TxMulticastHopLimit64 {
		t.Errorf("Sent: got %v", got)
	}
	if loc.A.Pending() != 0 {
		t.Error("SendResponse created a transaction")
	}
}

func TestReentrant(t *testing.T) {
	loc := newLocal(t, txsvc.Config{Retry: txsvc.RetryPolicy{TimeoutInit: 1, TimeoutMax: 1, RetransMax: 0}})
	e := loc.A
	inst := mustRegister(t, e, if1, ignore)

	// The failure of the first transaction removes the second and starts
	// a third. The second is never reported.
	var idB txsvc.TrID
	s2, s3 := new(spy), new(spy)
	var restarted txsvc.TrID
	mustSend(t, e, inst, txtest.AddrB, "a", txsvc.ResponseFunc(func(rsp *txsvc.Response) txsvc.Result {
		if err := e.Remove(idB); err != nil {
			t.Errorf("Remove: %v", err)
		}
		restarted = mustSend(t, e, inst, txtest.AddrB, "c", s3)
		return txsvc.Accepted
	}))
	idB = mustSend(t, e, inst, txtest.AddrB, "b", s2)

	if !e.Tick(1) {
		t.Fatal("Tick: no pending work after restart")
	}
	if len(s2.calls) != 0 {
		t.Errorf("Removed transaction got callbacks: %+v", s2.calls)
	}
	if !e.Active(restarted) || len(s3.calls) != 0 {
		t.Error("Restarted transaction was ticked by the call that created it")
	}
	if e.Tick(1) {
		t.Error("Tick: pending work after all transactions failed")
	}
	if s3.failures() != 1 {
		t.Errorf("Failures: got %d, want 1", s3.failures())
	}

	// An instance may unregister itself and its successor during dispatch.
	var second txsvc.InstanceID
	var calls int
	var self txsvc.InstanceID
	self = mustRegister(t, loc.B, if1, txsvc.RequestFunc(func(*txsvc.Request) txsvc.Result {
		calls++
		loc.B.Unregister(self)
		loc.B.Unregister(second)
		return txsvc.NotMine
	}))
	second = mustRegister(t, loc.B, if1, txsvc.RequestFunc(func(*txsvc.Request) txsvc.Result {
		t.Error("Unregistered instance was offered a request")
		return txsvc.Accepted
	}))
	loc.Net.Inject(binding.Frame{Interface: if1, Src: txtest.AddrA, Dst: txtest.AddrB, Data: txtest.Request(typeOther, "x")})
	loc.Net.Flush()
	if calls != 1 {
		t.Errorf("Calls: got %d, want 1", calls)
	}
	if loc.Net.IsOpen(txtest.AddrB, if1) {
		t.Error("Binding open after all instances left")
	}
}

func TestClose(t *testing.T) {
	loc := txtest.NewLocal(txsvc.Config{})
	a := mustRegister(t, loc.A, if1, ignore)
	mustRegister(t, loc.A, if2, ignore)
	s := new(spy)
	mustSend(t, loc.A, a, txtest.AddrB, "x", s)

	if err := loc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if loc.A.Pending() != 0 || len(loc.A.Instances(if1)) != 0 || len(loc.A.Instances(if2)) != 0 {
		t.Error("Engine not empty after close")
	}
	if loc.Net.IsOpen(txtest.AddrA, if1) || loc.Net.IsOpen(txtest.AddrA, if2) {
		t.Error("Bindings open after close")
	}
	if len(s.calls) != 0 {
		t.Errorf("Callbacks after close: %+v", s.calls)
	}

	// The engine can be reused.
	mustRegister(t, loc.A, if1, ignore)
	if err := loc.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
