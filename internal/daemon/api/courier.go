package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/monoco-io/monoco/internal/log"
	"github.com/monoco-io/monoco/internal/mailbox"
)

// maxWebhookBody bounds one inbound webhook payload.
const maxWebhookBody = 1 << 20

// webhookStoreTTL bounds how long a slug's resolved mailbox store is cached,
// so unregistering a project propagates within a minute.
const webhookStoreTTL = time.Minute

// Webhook is the inbound adapter entry: the slug picks the project, the
// provider picks the decoder, and the decoded message lands in that
// project's mailbox tree. The watcher takes it from there.
// POST /api/v1/courier/webhook/{provider}/{slug}
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	slug := r.PathValue("slug")

	if h.projectStores == nil {
		writeError(w, http.StatusNotFound, "not_found", "project registry unavailable", nil)
		return
	}
	store, err := h.projectStores.Get(r.Context(), slug, slug, webhookStoreTTL)
	if err != nil {
		writeFault(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "reading request body", nil)
		return
	}

	m, err := h.adapters.Decode(provider, body)
	if err != nil {
		writeFault(w, err)
		return
	}

	path, err := store.WriteInbound(m)
	if err != nil {
		writeFault(w, err)
		return
	}

	log.Info(log.CatMailbox, "webhook accepted",
		"provider", provider, "slug", slug, "message", m.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": m.ID, "path": path})
}

// OutboundSendRequest is the POST /courier/outbound/send body.
type OutboundSendRequest struct {
	Provider  string   `json:"provider"`
	SessionID string   `json:"session_id"`
	ThreadKey string   `json:"thread_key,omitempty"`
	From      string   `json:"from,omitempty"`
	To        []string `json:"to,omitempty"`
	CC        []string `json:"cc,omitempty"`
	Body      string   `json:"body"`
}

// OutboundSend validates a draft and queues it for the dispatcher.
// POST /api/v1/courier/outbound/send
func (h *Handler) OutboundSend(w http.ResponseWriter, r *http.Request) {
	var req OutboundSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body", nil)
		return
	}

	m := &mailbox.Message{
		ID:        uuid.NewString(),
		Provider:  req.Provider,
		Direction: mailbox.DirectionOutbound,
		CreatedAt: time.Now(),
		Status:    mailbox.StatusPending,
		Session:   mailbox.Session{ID: req.SessionID, ThreadKey: req.ThreadKey},
		Participant: mailbox.Participants{
			From: req.From,
			To:   req.To,
			CC:   req.CC,
		},
		Body: req.Body,
	}
	if err := m.Validate(); err != nil {
		writeFault(w, err)
		return
	}

	path, err := h.store.Write(h.store.OutboundDir(m.Provider), m)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": m.ID, "path": path})
}

// ClaimRequest is the POST /mailbox/{id}/claim body.
type ClaimRequest struct {
	Claimer string `json:"claimer"`
}

// ClaimMessage locks an inbound message for one consumer.
// POST /api/v1/mailbox/{id}/claim
func (h *Handler) ClaimMessage(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body", nil)
		return
	}
	lock, err := h.claims.Claim(r.PathValue("id"), req.Claimer)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lock)
}

// LeaseRequest carries the lease id for done/fail.
type LeaseRequest struct {
	LeaseID string `json:"lease_id"`
	Reason  string `json:"reason,omitempty"`
}

// DoneMessage archives a claimed message.
// POST /api/v1/mailbox/{id}/done
func (h *Handler) DoneMessage(w http.ResponseWriter, r *http.Request) {
	var req LeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body", nil)
		return
	}
	if err := h.claims.Done(r.PathValue("id"), req.LeaseID); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FailMessage records a failed consumption attempt; retries are scheduled
// by the claim manager, dead-lettering past the threshold.
// POST /api/v1/mailbox/{id}/fail
func (h *Handler) FailMessage(w http.ResponseWriter, r *http.Request) {
	var req LeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body", nil)
		return
	}
	m, err := h.claims.Fail(r.PathValue("id"), req.LeaseID, req.Reason)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          m.ID,
		"retry_count": m.RetryCount,
		"status":      string(m.Status),
	})
}
