package db

import (
	"testing"
)

func TestInsertWebhookDelivery_DuplicateDetected(t *testing.T) {
	t.Parallel()
	store := NewTestStore(t)

	d := &WebhookDelivery{
		DeliveryID:     "delivery-abc",
		EventType:      "issues",
		Action:         "opened",
		PayloadSummary: `{"action":"opened"}`,
		PayloadHash:    "deadbeef",
		SignatureValid: true,
	}

	inserted, err := store.InsertWebhookDelivery(d)
	if err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if !inserted {
		t.Fatal("first insert should report inserted")
	}

	inserted, err = store.InsertWebhookDelivery(d)
	if err != nil {
		t.Fatalf("second insert failed: %v", err)
	}
	if inserted {
		t.Error("duplicate delivery id should not insert")
	}
}

func TestWebhookDeliveryStatusFlow(t *testing.T) {
	t.Parallel()
	store := NewTestStore(t)

	d := &WebhookDelivery{
		DeliveryID:     "delivery-flow",
		EventType:      "pull_request",
		Action:         "opened",
		PayloadSummary: `{}`,
		PayloadHash:    "cafe",
		SignatureValid: true,
	}
	if _, err := store.InsertWebhookDelivery(d); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	got, err := store.GetWebhookDelivery("delivery-flow")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != DeliveryStatusReceived {
		t.Errorf("initial status = %q, want received", got.Status)
	}

	if err := store.MarkDeliveryProcessing("delivery-flow", "delivery-flow"); err != nil {
		t.Fatalf("mark processing failed: %v", err)
	}
	if err := store.MarkDeliveryProcessed("delivery-flow"); err != nil {
		t.Fatalf("mark processed failed: %v", err)
	}

	got, err = store.GetWebhookDelivery("delivery-flow")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != DeliveryStatusProcessed {
		t.Errorf("status = %q, want processed", got.Status)
	}
	if got.JobID != "delivery-flow" {
		t.Errorf("job id = %q", got.JobID)
	}
	if got.ProcessedAt == nil {
		t.Error("processed_at not stamped")
	}
}

func TestListDeliveriesByStatus(t *testing.T) {
	t.Parallel()
	store := NewTestStore(t)

	for _, id := range []string{"d1", "d2", "d3"} {
		if _, err := store.InsertWebhookDelivery(&WebhookDelivery{
			DeliveryID:     id,
			EventType:      "issues",
			PayloadSummary: `{}`,
			PayloadHash:    "00",
		}); err != nil {
			t.Fatalf("insert %s failed: %v", id, err)
		}
	}
	if err := store.MarkDeliveryIgnored("d2", "unhandled event type"); err != nil {
		t.Fatalf("mark ignored failed: %v", err)
	}

	received, err := store.ListDeliveriesByStatus(DeliveryStatusReceived, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(received) != 2 {
		t.Fatalf("received = %d, want 2", len(received))
	}

	ignored, err := store.ListDeliveriesByStatus(DeliveryStatusIgnored, 10)
	if err != nil {
		t.Fatalf("list ignored failed: %v", err)
	}
	if len(ignored) != 1 || ignored[0].IgnoreReason != "unhandled event type" {
		t.Errorf("ignored = %+v", ignored)
	}
}
