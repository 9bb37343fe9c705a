// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package trace records structured engine events.
//
// Trace events are separate from the per-datagram packet hook of the engine:
// they describe state transitions (instances registered, transactions sent,
// retransmitted, completed or expired, datagrams claimed or dropped) as a
// machine-readable record for debugging and offline analysis.
//
// # Basic Usage
//
//	// For development: log to the console via slog
//	cfg.Tracer = trace.NewSlogAdapter(slog.Default())
//
//	// For production: write to a binary file
//	cfg.Tracer, _ = trace.NewFileLogger("/var/log/txsvc/engine.tlog")
//
//	// Both
//	cfg.Tracer = trace.NewMultiLogger(console, file)
//
// # File Format
//
// Trace files are a concatenation of CBOR-encoded [Event] values using
// integer map keys. Use [NewReader] to read them back.
package trace
