package rotation

import (
	"context"
	"log/slog"
	"time"

	"github.com/allisson/payauth-gateway/internal/domain"
)

// Event is emitted on every state-machine transition.
type Event struct {
	ClientID   string
	From       domain.RotationState
	To         domain.RotationState
	At         time.Time
	NewVersion string
	OldVersion string
}

// EventSink receives rotation transition events. It is decoupled from any
// concrete observability exporter so the controller never depends on the
// notification fan-out directly.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// SlogEventSink emits each transition as a structured log line. It is the
// default sink wired in production.
type SlogEventSink struct {
	logger *slog.Logger
}

// NewSlogEventSink builds a SlogEventSink over logger.
func NewSlogEventSink(logger *slog.Logger) *SlogEventSink {
	return &SlogEventSink{logger: logger}
}

func (s *SlogEventSink) Emit(_ context.Context, ev Event) {
	s.logger.Info("rotation transition",
		"client_id", ev.ClientID,
		"from", ev.From,
		"to", ev.To,
		"at", ev.At,
		"new_version", ev.NewVersion,
		"old_version", ev.OldVersion,
	)
}
