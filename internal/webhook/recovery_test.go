package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cswenor/conductor-sub003/internal/db"
	"github.com/cswenor/conductor-sub003/internal/queue"
)

// backdate rewrites received_at so the sweep sees the row as stale. The
// layout matches the store's column format.
func backdate(t *testing.T, store *db.Store, deliveryID string, age time.Duration) {
	t.Helper()
	stamp := time.Now().Add(-age).UTC().Format("2006-01-02T15:04:05.000Z07:00")
	_, err := store.Exec(`UPDATE webhook_deliveries SET received_at = ? WHERE delivery_id = ?`, stamp, deliveryID)
	require.NoError(t, err)
}

func insertReceived(t *testing.T, store *db.Store, deliveryID string, signatureValid bool) {
	t.Helper()
	inserted, err := store.InsertWebhookDelivery(&db.WebhookDelivery{
		DeliveryID:     deliveryID,
		EventType:      "issues",
		Action:         "opened",
		PayloadSummary: `{"issueNodeId":"I_node"}`,
		PayloadHash:    "deadbeef",
		SignatureValid: signatureValid,
	})
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestRecoverStuckDeliveries(t *testing.T) {
	t.Parallel()

	store := db.NewTestStore(t)
	qc := newQueueClient(t)
	ctx := context.Background()

	insertReceived(t, store, "d_old", true)
	backdate(t, store, "d_old", 5*time.Minute)
	insertReceived(t, store, "d_fresh", true)

	n, err := RecoverStuckDeliveries(ctx, store, qc, nil, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only rows past the grace window recover")

	job, err := qc.GetJob(ctx, queue.Webhooks, "d_old")
	require.NoError(t, err)
	require.NotNil(t, job)

	d, err := store.GetWebhookDelivery("d_old")
	require.NoError(t, err)
	assert.Equal(t, db.DeliveryStatusProcessing, d.Status)

	fresh, err := store.GetWebhookDelivery("d_fresh")
	require.NoError(t, err)
	assert.Equal(t, db.DeliveryStatusReceived, fresh.Status)
}

func TestRecoverStuckDeliveries_UnverifiedRowsFail(t *testing.T) {
	t.Parallel()

	store := db.NewTestStore(t)
	qc := newQueueClient(t)
	ctx := context.Background()

	insertReceived(t, store, "d_unverified", false)
	backdate(t, store, "d_unverified", 5*time.Minute)

	n, err := RecoverStuckDeliveries(ctx, store, qc, nil, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	job, err := qc.GetJob(ctx, queue.Webhooks, "d_unverified")
	require.NoError(t, err)
	assert.Nil(t, job, "unverified deliveries never reach processing")

	d, err := store.GetWebhookDelivery("d_unverified")
	require.NoError(t, err)
	assert.Equal(t, db.DeliveryStatusFailed, d.Status)
}

func TestRecoverStuckDeliveries_SkipsNonReceived(t *testing.T) {
	t.Parallel()

	store := db.NewTestStore(t)
	qc := newQueueClient(t)
	ctx := context.Background()

	insertReceived(t, store, "d_done", true)
	backdate(t, store, "d_done", 5*time.Minute)
	require.NoError(t, store.MarkDeliveryProcessed("d_done"))

	n, err := RecoverStuckDeliveries(ctx, store, qc, nil, 100)
	require.NoError(t, err)
	assert.Zero(t, n)
}
