package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cswenor/conductor-sub003/internal/db"
	"github.com/cswenor/conductor-sub003/internal/queue"
)

// recoveryGrace keeps the sweep away from rows a live receiver is still
// working on.
const recoveryGrace = time.Minute

// RecoverStuckDeliveries re-enqueues deliveries left in received by a crash
// between persist and enqueue. Rows whose signature was never verified must
// not flow into processing and are failed instead. Returns the number
// re-enqueued.
func RecoverStuckDeliveries(ctx context.Context, store *db.Store, qc *queue.Client, logger *slog.Logger, limit int) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	deliveries, err := store.ListDeliveriesByStatus(db.DeliveryStatusReceived, limit)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, d := range deliveries {
		if time.Since(d.ReceivedAt) < recoveryGrace {
			continue
		}
		if !d.SignatureValid {
			if err := store.MarkDeliveryFailed(d.DeliveryID, "signature not verified before interruption"); err != nil {
				logger.Warn("fail unverified delivery", "delivery_id", d.DeliveryID, "error", err)
			}
			continue
		}

		job := queue.WebhookJob{
			DeliveryID:       d.DeliveryID,
			EventType:        d.EventType,
			Action:           d.Action,
			RepositoryNodeID: d.RepositoryNodeID,
			PayloadSummary:   json.RawMessage(d.PayloadSummary),
		}
		if _, err := qc.AddJob(ctx, queue.Webhooks, d.DeliveryID, job); err != nil {
			logger.Warn("re-enqueue stuck delivery", "delivery_id", d.DeliveryID, "error", err)
			continue
		}
		if err := store.MarkDeliveryProcessing(d.DeliveryID, d.DeliveryID); err != nil {
			logger.Warn("mark recovered delivery processing", "delivery_id", d.DeliveryID, "error", err)
		}
		recovered++
	}

	if recovered > 0 {
		logger.Info("webhook recovery sweep re-enqueued stuck deliveries", "count", recovered)
	}
	return recovered, nil
}
