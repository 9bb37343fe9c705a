// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/txsvc/trace"
)

var traceFlags struct {
	Engine string `flag:"engine,Show only events from this engine ID"`
	TrID   uint   `flag:"id,Show only events for this transaction ID"`
	Kinds  string `flag:"kind,Show only events of these comma-separated kinds"`
}

func runTrace(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("expected a trace file")
	}
	filter := trace.Filter{EngineID: traceFlags.Engine, TrID: uint32(traceFlags.TrID)}
	if traceFlags.Kinds != "" {
		for _, name := range strings.Split(traceFlags.Kinds, ",") {
			k, ok := trace.ParseKind(strings.TrimSpace(name))
			if !ok {
				return fmt.Errorf("unknown event kind %q", name)
			}
			filter.Kinds = append(filter.Kinds, k)
		}
	}
	r, err := trace.OpenFile(env.Args[0], filter)
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}
		fmt.Println(formatEvent(ev))
	}
}

func formatEvent(ev trace.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %-10s", ev.Timestamp.Format(time.StampMicro), ev.Kind)
	if ev.Interface != 0 {
		fmt.Fprintf(&sb, " if=%d", ev.Interface)
	}
	if ev.Instance != 0 {
		fmt.Fprintf(&sb, " inst=%d", ev.Instance)
	}
	if ev.TrID != 0 {
		fmt.Fprintf(&sb, " id=%d", ev.TrID)
	}
	if ev.Peer != "" {
		fmt.Fprintf(&sb, " peer=%s", ev.Peer)
	}
	if ev.Size != 0 {
		fmt.Fprintf(&sb, " size=%d", ev.Size)
	}
	if ev.Timeout != 0 || ev.Retries != 0 {
		fmt.Fprintf(&sb, " timeout=%d retries=%d", ev.Timeout, ev.Retries)
	}
	if ev.Reason != "" {
		fmt.Fprintf(&sb, " (%s)", ev.Reason)
	}
	return sb.String()
}
