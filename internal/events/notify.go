package events

import (
	"context"
	"log/slog"

	"github.com/cswenor/conductor-sub003/internal/db"
)

// Notifier publishes committed event rows to a Bus. All methods are nil-safe
// so callers can carry a nil notifier when eventing is disabled.
type Notifier struct {
	bus    Bus
	logger *slog.Logger
}

// NewNotifier wraps a bus. A nil bus yields a notifier that drops everything.
func NewNotifier(bus Bus, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{bus: bus, logger: logger}
}

// EventCreated publishes one committed event. Call it after the transaction
// that created the row commits. Publish failures are logged, not returned:
// subscribers recover through sequence-based replay.
func (n *Notifier) EventCreated(ctx context.Context, rec *db.Event) {
	if n == nil || n.bus == nil || rec == nil {
		return
	}
	env := NewEnvelope(rec)
	if err := n.bus.Publish(ctx, env); err != nil {
		n.logger.Warn("event publish failed",
			"event_id", rec.ID,
			"event_type", rec.Type,
			"error", err)
	}
}

// EventsCreated publishes a batch of committed events in order.
func (n *Notifier) EventsCreated(ctx context.Context, recs []*db.Event) {
	if n == nil || n.bus == nil {
		return
	}
	for _, rec := range recs {
		n.EventCreated(ctx, rec)
	}
}
