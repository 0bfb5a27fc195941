package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crestwell/leadpipe/internal/mx"
)

// Sink adapts a BehaviorStore to the prober's fire-and-forget
// mx.BehaviorSink contract. Writes run on a short background context so
// a slow database never stalls an SMTP dialog.
type Sink struct {
	store   BehaviorStore
	log     *zap.Logger
	timeout time.Duration
}

// NewSink wraps a BehaviorStore as an mx.BehaviorSink.
func NewSink(st BehaviorStore, log *zap.Logger) *Sink {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sink{store: st, log: log, timeout: 5 * time.Second}
}

// Record implements mx.BehaviorSink.
func (s *Sink) Record(obs mx.Observation) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.store.RecordBehavior(ctx, obs); err != nil {
		s.log.Warn("recording mx behavior",
			zap.String("mx_host", obs.MXHost),
			zap.String("event", obs.Event),
			zap.Error(err))
	}
}
