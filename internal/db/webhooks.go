package db

import (
	"database/sql"
	"fmt"
	"time"
)

// WebhookDelivery is the audit record for one raw webhook ingress. Only the
// payload summary survives; raw payloads are never persisted.
type WebhookDelivery struct {
	DeliveryID       string
	EventType        string
	Action           string
	RepositoryNodeID string
	SenderLogin      string
	PayloadSummary   string
	PayloadHash      string
	SignatureValid   bool
	Status           string
	JobID            string
	Error            string
	IgnoreReason     string
	ReceivedAt       time.Time
	ProcessedAt      *time.Time
}

// Webhook delivery statuses.
const (
	DeliveryStatusReceived   = "received"
	DeliveryStatusProcessing = "processing"
	DeliveryStatusProcessed  = "processed"
	DeliveryStatusIgnored    = "ignored"
	DeliveryStatusFailed     = "failed"
)

// InsertWebhookDelivery persists a delivery keyed on the forge's delivery
// id. Returns false when a row with the same id already exists, which is how
// duplicate deliveries are detected.
func (s *Store) InsertWebhookDelivery(d *WebhookDelivery) (bool, error) {
	if d.Status == "" {
		d.Status = DeliveryStatusReceived
	}
	receivedAt := formatTime(time.Now())
	signatureValid := 0
	if d.SignatureValid {
		signatureValid = 1
	}
	verb, suffix := insertIgnoreVerb(s.Dialect())

	res, err := s.Exec(verb+`
		 INTO webhook_deliveries (delivery_id, event_type, action, repository_node_id, sender_login, payload_summary, payload_hash, signature_valid, status, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+suffix,
		d.DeliveryID, d.EventType, nullString(d.Action), nullString(d.RepositoryNodeID),
		nullString(d.SenderLogin), d.PayloadSummary, d.PayloadHash, signatureValid, d.Status, receivedAt)
	if err != nil {
		return false, fmt.Errorf("insert webhook delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert webhook delivery rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	d.ReceivedAt = parseTime(receivedAt)
	return true, nil
}

// GetWebhookDelivery retrieves a delivery. Returns (nil, nil) when absent.
func (s *Store) GetWebhookDelivery(deliveryID string) (*WebhookDelivery, error) {
	row := s.QueryRow(`
		SELECT delivery_id, event_type, action, repository_node_id, sender_login, payload_summary, payload_hash, signature_valid, status, job_id, error, ignore_reason, received_at, processed_at
		FROM webhook_deliveries WHERE delivery_id = ?
	`, deliveryID)

	var d WebhookDelivery
	var action, repoNodeID, senderLogin, jobID, errText, ignoreReason, processedAt sql.NullString
	var signatureValid int
	var receivedAt string

	err := row.Scan(&d.DeliveryID, &d.EventType, &action, &repoNodeID, &senderLogin,
		&d.PayloadSummary, &d.PayloadHash, &signatureValid, &d.Status, &jobID, &errText,
		&ignoreReason, &receivedAt, &processedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get webhook delivery: %w", err)
	}

	d.SignatureValid = signatureValid == 1
	if action.Valid {
		d.Action = action.String
	}
	if repoNodeID.Valid {
		d.RepositoryNodeID = repoNodeID.String
	}
	if senderLogin.Valid {
		d.SenderLogin = senderLogin.String
	}
	if jobID.Valid {
		d.JobID = jobID.String
	}
	if errText.Valid {
		d.Error = errText.String
	}
	if ignoreReason.Valid {
		d.IgnoreReason = ignoreReason.String
	}
	d.ReceivedAt = parseTime(receivedAt)
	if processedAt.Valid {
		ts := parseTime(processedAt.String)
		d.ProcessedAt = &ts
	}
	return &d, nil
}

// MarkDeliveryProcessing records the enqueued job id.
func (s *Store) MarkDeliveryProcessing(deliveryID, jobID string) error {
	_, err := s.Exec(`
		UPDATE webhook_deliveries SET status = ?, job_id = ? WHERE delivery_id = ?
	`, DeliveryStatusProcessing, jobID, deliveryID)
	if err != nil {
		return fmt.Errorf("mark delivery processing: %w", err)
	}
	return nil
}

// MarkDeliveryProcessed stamps the completion time.
func (s *Store) MarkDeliveryProcessed(deliveryID string) error {
	_, err := s.Exec(`
		UPDATE webhook_deliveries SET status = ?, processed_at = ? WHERE delivery_id = ?
	`, DeliveryStatusProcessed, formatTime(time.Now()), deliveryID)
	if err != nil {
		return fmt.Errorf("mark delivery processed: %w", err)
	}
	return nil
}

// MarkDeliveryIgnored records why the delivery produced no event.
func (s *Store) MarkDeliveryIgnored(deliveryID, reason string) error {
	_, err := s.Exec(`
		UPDATE webhook_deliveries SET status = ?, ignore_reason = ?, processed_at = ? WHERE delivery_id = ?
	`, DeliveryStatusIgnored, reason, formatTime(time.Now()), deliveryID)
	if err != nil {
		return fmt.Errorf("mark delivery ignored: %w", err)
	}
	return nil
}

// MarkDeliveryFailed records a processing or verification failure. The row
// is kept for audit.
func (s *Store) MarkDeliveryFailed(deliveryID, errText string) error {
	_, err := s.Exec(`
		UPDATE webhook_deliveries SET status = ?, error = ? WHERE delivery_id = ?
	`, DeliveryStatusFailed, errText, deliveryID)
	if err != nil {
		return fmt.Errorf("mark delivery failed: %w", err)
	}
	return nil
}

// ListDeliveriesByStatus returns deliveries in the given status, oldest
// first. The recovery sweep re-enqueues rows stuck in received.
func (s *Store) ListDeliveriesByStatus(status string, limit int) ([]*WebhookDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Query(`
		SELECT delivery_id, event_type, action, repository_node_id, sender_login, payload_summary, payload_hash, signature_valid, status, job_id, error, ignore_reason, received_at, processed_at
		FROM webhook_deliveries WHERE status = ? ORDER BY received_at ASC LIMIT ?
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var deliveries []*WebhookDelivery
	for rows.Next() {
		var d WebhookDelivery
		var action, repoNodeID, senderLogin, jobID, errText, ignoreReason, processedAt sql.NullString
		var signatureValid int
		var receivedAt string

		err := rows.Scan(&d.DeliveryID, &d.EventType, &action, &repoNodeID, &senderLogin,
			&d.PayloadSummary, &d.PayloadHash, &signatureValid, &d.Status, &jobID, &errText,
			&ignoreReason, &receivedAt, &processedAt)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}

		d.SignatureValid = signatureValid == 1
		if action.Valid {
			d.Action = action.String
		}
		if repoNodeID.Valid {
			d.RepositoryNodeID = repoNodeID.String
		}
		if senderLogin.Valid {
			d.SenderLogin = senderLogin.String
		}
		if jobID.Valid {
			d.JobID = jobID.String
		}
		if errText.Valid {
			d.Error = errText.String
		}
		if ignoreReason.Valid {
			d.IgnoreReason = ignoreReason.String
		}
		d.ReceivedAt = parseTime(receivedAt)
		if processedAt.Valid {
			ts := parseTime(processedAt.String)
			d.ProcessedAt = &ts
		}
		deliveries = append(deliveries, &d)
	}
	return deliveries, rows.Err()
}
