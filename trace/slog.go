// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package trace

import (
	"context"
	"log/slog"
)

// SlogAdapter writes events to an slog.Logger at debug level, except for
// expiries, drops and send errors which are logged as warnings.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given logger.
// If logger == nil, slog.Default() is used.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("engine", event.EngineID),
		slog.String("kind", event.Kind.String()),
	}
	if event.Instance != 0 {
		attrs = append(attrs, slog.Uint64("instance", uint64(event.Instance)))
	}
	if event.Interface != 0 {
		attrs = append(attrs, slog.Int("interface", event.Interface))
	}
	if event.TrID != 0 {
		attrs = append(attrs, slog.Uint64("tr_id", uint64(event.TrID)))
	}
	if event.Peer != "" {
		attrs = append(attrs, slog.String("peer", event.Peer))
	}
	if event.Size != 0 {
		attrs = append(attrs, slog.Int("size", event.Size))
	}
	switch event.Kind {
	case KindSend, KindRetransmit, KindPartial, KindPolicy:
		attrs = append(attrs,
			slog.Uint64("timeout", uint64(event.Timeout)),
			slog.Uint64("retries", uint64(event.Retries)),
		)
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}

	level := slog.LevelDebug
	switch event.Kind {
	case KindExpire, KindDrop, KindSendError:
		level = slog.LevelWarn
	}
	a.logger.LogAttrs(context.Background(), level, "txsvc event", attrs...)
}

var _ Logger = (*SlogAdapter)(nil)
