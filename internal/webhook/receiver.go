// Package webhook ingests forge webhooks. The receiver verifies, dedupes,
// and persists each delivery before any work is enqueued; the normalizer
// turns persisted deliveries into internal events on the worker side.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/cswenor/conductor-sub003/internal/db"
	conductorerrors "github.com/cswenor/conductor-sub003/internal/errors"
	"github.com/cswenor/conductor-sub003/internal/queue"
)

// GitHub's native webhook headers, with the forge-neutral names accepted as
// fallback so test harnesses and other forges can feed the same endpoint.
const (
	HeaderDelivery  = "X-GitHub-Delivery"
	HeaderEvent     = "X-GitHub-Event"
	HeaderSignature = "X-Hub-Signature-256"

	HeaderDeliveryGeneric  = "X-Delivery-Id"
	HeaderEventGeneric     = "X-Event-Type"
	HeaderSignatureGeneric = "X-Signature"
)

// maxBodyBytes caps webhook bodies. GitHub caps payloads at 25 MB but
// anything near that is not an event this system orchestrates.
const maxBodyBytes = 10 << 20

// ignoredEvents never produce work. They are acknowledged and audited, and
// the row records why nothing happened.
var ignoredEvents = map[string]bool{
	"ping":                      true,
	"installation":              true,
	"installation_repositories": true,
}

// Receiver is the webhook ingress endpoint. A non-duplicate delivery is
// always persisted before a job is enqueued, so a crash between the two
// leaves a row in received that the recovery sweep re-enqueues.
type Receiver struct {
	store      *db.Store
	queue      *queue.Client
	secret     string
	production bool
	logger     *slog.Logger
}

// NewReceiver builds the ingress handler. An empty secret disables
// signature verification, which is only acceptable outside production.
func NewReceiver(store *db.Store, qc *queue.Client, secret string, production bool, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{store: store, queue: qc, secret: secret, production: production, logger: logger}
}

type receipt struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
	Ignored   bool `json:"ignored,omitempty"`
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	deliveryID := headerValue(r, HeaderDelivery, HeaderDeliveryGeneric)
	eventType := headerValue(r, HeaderEvent, HeaderEventGeneric)
	signature := headerValue(r, HeaderSignature, HeaderSignatureGeneric)
	if deliveryID == "" || eventType == "" {
		writeError(w, http.StatusBadRequest, "missing delivery id or event type header")
		return
	}

	if rc.secret == "" && rc.production {
		rc.logger.Error("webhook rejected: no webhook secret configured in production",
			"delivery_id", deliveryID)
		writeError(w, http.StatusUnauthorized, "webhook signature verification is not configured")
		return
	}
	signatureValid := rc.secret != "" && verifySignature(rc.secret, body, signature)

	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	summary := Summarize(body)
	action := gjson.GetBytes(body, "action").String()
	digest := sha256.Sum256(body)

	delivery := &db.WebhookDelivery{
		DeliveryID:       deliveryID,
		EventType:        eventType,
		Action:           action,
		RepositoryNodeID: summary.RepositoryNodeID,
		SenderLogin:      summary.SenderLogin,
		PayloadSummary:   string(summary.JSON()),
		PayloadHash:      hex.EncodeToString(digest[:]),
		SignatureValid:   signatureValid,
	}
	inserted, err := rc.store.InsertWebhookDelivery(delivery)
	if err != nil {
		rc.logger.Error("persist webhook delivery failed", "delivery_id", deliveryID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist delivery")
		return
	}
	if !inserted {
		writeJSON(w, http.StatusOK, receipt{Received: true, Duplicate: true})
		return
	}

	// The row is kept for audit even when the signature fails.
	if !signatureValid && rc.secret != "" {
		if err := rc.store.MarkDeliveryFailed(deliveryID, "signature verification failed"); err != nil {
			rc.logger.Error("mark delivery failed", "delivery_id", deliveryID, "error", err)
		}
		rc.logger.Warn("webhook signature verification failed",
			"delivery_id", deliveryID, "event", eventType)
		ce := conductorerrors.ErrSignatureInvalid()
		writeError(w, ce.HTTPStatus(), ce.What)
		return
	}

	if ignoredEvents[eventType] {
		if err := rc.store.MarkDeliveryIgnored(deliveryID, "event type "+eventType+" is not orchestrated"); err != nil {
			rc.logger.Error("mark delivery ignored", "delivery_id", deliveryID, "error", err)
		}
		writeJSON(w, http.StatusOK, receipt{Received: true, Ignored: true})
		return
	}

	job := queue.WebhookJob{
		DeliveryID:       deliveryID,
		EventType:        eventType,
		Action:           action,
		RepositoryNodeID: summary.RepositoryNodeID,
		PayloadSummary:   summary.JSON(),
	}
	if _, err := rc.queue.AddJob(r.Context(), queue.Webhooks, deliveryID, job); err != nil {
		if merr := rc.store.MarkDeliveryFailed(deliveryID, "enqueue: "+err.Error()); merr != nil {
			rc.logger.Error("mark delivery failed", "delivery_id", deliveryID, "error", merr)
		}
		rc.logger.Error("enqueue webhook job failed", "delivery_id", deliveryID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue delivery")
		return
	}
	if err := rc.store.MarkDeliveryProcessing(deliveryID, deliveryID); err != nil {
		// The job exists; a stuck received row would just be re-enqueued by
		// the recovery sweep and deduped by the job id.
		rc.logger.Warn("mark delivery processing failed", "delivery_id", deliveryID, "error", err)
	}

	rc.logger.Debug("webhook accepted",
		"delivery_id", deliveryID, "event", eventType, "action", action)
	writeJSON(w, http.StatusOK, receipt{Received: true})
}

func headerValue(r *http.Request, name, fallback string) string {
	if v := r.Header.Get(name); v != "" {
		return v
	}
	return r.Header.Get(fallback)
}

// verifySignature checks an HMAC-SHA-256 signature of the raw body.
func verifySignature(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
