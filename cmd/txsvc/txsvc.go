// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program txsvc runs and exercises datagram transaction engines.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/txsvc"
	"github.com/creachadair/txsvc/binding"
	"github.com/creachadair/txsvc/evloop"
	"github.com/creachadair/txsvc/internal/config"
	"github.com/creachadair/txsvc/trace"
)

var flags struct {
	Config  string `flag:"config,Configuration file (YAML)"`
	Verbose bool   `flag:"v,Log engine events and packets to stderr"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Run and exercise datagram transaction engines.

Settings are read from the YAML file named by --config. Without one, the
engine speaks DHCPv6 on port 547 on all interfaces.`,
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name:     "serve",
				Help:     "Answer requests on the configured interfaces until interrupted.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:     "request",
				Usage:    "<dst> <type> [option=value ...]",
				Help:     requestHelp,
				SetFlags: command.Flags(flax.MustBind, &requestFlags),
				Run:      runRequest,
			},
			{
				Name:     "trace",
				Usage:    "<file>",
				Help:     "Print the events recorded in a trace file.",
				SetFlags: command.Flags(flax.MustBind, &traceFlags),
				Run:      runTrace,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// A node is an engine driven by an event loop, with its bindings and trace.
type node struct {
	cfg    *config.Config
	engine *txsvc.Engine
	loop   *evloop.Loop
	ifaces []txsvc.InterfaceID
	closer func() error
}

func newNode(cfg *config.Config) (*node, error) {
	ifaces, err := cfg.InterfaceIDs()
	if err != nil {
		return nil, err
	}
	var tracers []trace.Logger
	closer := func() error { return nil }
	if flags.Verbose {
		tracers = append(tracers, trace.NewSlogAdapter(nil))
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
	if cfg.TraceFile != "" {
		fl, err := trace.NewFileLogger(cfg.TraceFile)
		if err != nil {
			return nil, err
		}
		tracers = append(tracers, fl)
		closer = fl.Close
	}
	logf := func(msg string, args ...any) { slog.Warn(fmt.Sprintf(msg, args...)) }
	udp, err := cfg.Binding(logf)
	if err != nil {
		closer()
		return nil, err
	}
	loop := evloop.New(cfg.TickInterval)
	ec, err := cfg.EngineConfig(loop.Opener(udp), trace.NewMultiLogger(tracers...))
	if err != nil {
		closer()
		return nil, err
	}
	e := txsvc.New(ec)
	if flags.Verbose {
		e.LogPackets(func(pkt txsvc.PacketInfo) { slog.Debug("packet", "info", pkt) })
	}
	return &node{cfg: cfg, engine: e, loop: loop, ifaces: ifaces, closer: closer}, nil
}

// run runs the loop until ctx ends, then closes the engine and the trace.
func (n *node) run(ctx context.Context) error {
	err := n.loop.Run(ctx, n.engine)
	cerr := n.engine.Close()
	if terr := n.closer(); cerr == nil {
		cerr = terr
	}
	if err != nil {
		return err
	}
	return cerr
}

func loadConfig() (*config.Config, error) { return config.Load(flags.Config) }

// close releases n without running it.
func (n *node) close() {
	n.engine.Close()
	n.closer()
}
