// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package trace_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/creachadair/txsvc/trace"
	"github.com/google/go-cmp/cmp"
)

func sampleEvents() []trace.Event {
	now := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	return []trace.Event{
		{Timestamp: now, EngineID: "e1", Kind: trace.KindSend, Instance: 65537, Interface: 2, TrID: 7, Peer: "fe80::1", Size: 2, Timeout: 100},
		{Timestamp: now.Add(time.Second), EngineID: "e1", Kind: trace.KindRetransmit, TrID: 7, Timeout: 200, Retries: 1},
		{Timestamp: now.Add(2 * time.Second), EngineID: "e2", Kind: trace.KindDrop, Interface: 2, Reason: "no taker"},
		{Timestamp: now.Add(3 * time.Second), EngineID: "e1", Kind: trace.KindExpire, TrID: 7, Retries: 3},
	}
}

func TestEncodeDecode(t *testing.T) {
	for _, e := range sampleEvents() {
		data, err := trace.EncodeEvent(e)
		if err != nil {
			t.Fatalf("EncodeEvent %v: %v", e.Kind, err)
		}
		got, err := trace.DecodeEvent(data)
		if err != nil {
			t.Fatalf("DecodeEvent %v: %v", e.Kind, err)
		}
		// Timestamps compare with their Equal method.
		if diff := cmp.Diff(e, got); diff != "" {
			t.Errorf("Event %v (-want, +got):\n%s", e.Kind, diff)
		}
	}
}

func TestFileLoggerReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.tlog")

	fl, err := trace.NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	for _, e := range sampleEvents() {
		fl.Log(e)
	}
	if err := fl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := fl.Close(); err != nil {
		t.Errorf("Close again: %v", err)
	}
	fl.Log(trace.Event{Kind: trace.KindSend}) // dropped after close

	readAll := func(f trace.Filter) []trace.Kind {
		t.Helper()
		r, err := trace.OpenFile(path, f)
		if err != nil {
			t.Fatalf("OpenFile: %v", err)
		}
		defer r.Close()

		var kinds []trace.Kind
		for {
			e, err := r.Next()
			if err == io.EOF {
				break
			} else if err != nil {
				t.Fatalf("Next: %v", err)
			}
			kinds = append(kinds, e.Kind)
		}
		return kinds
	}

	tests := []struct {
		filter trace.Filter
		want   []trace.Kind
	}{
		{trace.Filter{}, []trace.Kind{trace.KindSend, trace.KindRetransmit, trace.KindDrop, trace.KindExpire}},
		{trace.Filter{EngineID: "e1"}, []trace.Kind{trace.KindSend, trace.KindRetransmit, trace.KindExpire}},
		{trace.Filter{Kinds: []trace.Kind{trace.KindDrop, trace.KindExpire}}, []trace.Kind{trace.KindDrop, trace.KindExpire}},
		{trace.Filter{TrID: 7, Kinds: []trace.Kind{trace.KindSend}}, []trace.Kind{trace.KindSend}},
	}
	for _, tc := range tests {
		if diff := cmp.Diff(tc.want, readAll(tc.filter)); diff != "" {
			t.Errorf("Filter %+v (-want, +got):\n%s", tc.filter, diff)
		}
	}
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	adapter := trace.NewSlogAdapter(logger)

	tests := []struct {
		event trace.Event
		want  map[string]any
	}{
		{sampleEvents()[1], map[string]any{
			"level": "DEBUG", "kind": "RETRANSMIT", "tr_id": float64(7), "timeout": float64(200),
		}},
		{sampleEvents()[2], map[string]any{
			"level": "WARN", "kind": "DROP", "reason": "no taker",
		}},
	}
	for _, tc := range tests {
		buf.Reset()
		adapter.Log(tc.event)

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("Decode log entry: %v", err)
		}
		got := make(map[string]any)
		for key := range tc.want {
			got[key] = entry[key]
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("Log %v (-want, +got):\n%s", tc.event.Kind, diff)
		}
	}
}

type countLogger struct{ n int }

func (c *countLogger) Log(trace.Event) { c.n++ }

func TestMultiLogger(t *testing.T) {
	var a, b countLogger
	m := trace.NewMultiLogger(&a, nil, &b, trace.NoopLogger{})
	m.Log(trace.Event{})
	m.Log(trace.Event{})
	if a.n != 2 || b.n != 2 {
		t.Errorf("Counts: got %d, %d; want 2, 2", a.n, b.n)
	}
}

func TestKindNames(t *testing.T) {
	for k := trace.KindRegister; k <= trace.KindPolicy; k++ {
		got, ok := trace.ParseKind(k.String())
		if !ok || got != k {
			t.Errorf("ParseKind(%q): got %v, %v; want %v, true", k.String(), got, ok, k)
		}
	}
	if got, ok := trace.ParseKind("expire"); !ok || got != trace.KindExpire {
		t.Errorf(`ParseKind("expire"): got %v, %v; want %v, true`, got, ok, trace.KindExpire)
	}
	if got, ok := trace.ParseKind("UNKNOWN"); ok {
		t.Errorf(`ParseKind("UNKNOWN"): got %v, want not found`, got)
	}
	if got := trace.Kind(99).String(); got != "UNKNOWN" {
		t.Errorf("Kind(99): got %q, want UNKNOWN", got)
	}
}
