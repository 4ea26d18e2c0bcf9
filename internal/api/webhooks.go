package api

import (
	"io"
	"net/http"

	"github.com/loftpress/newsletter-engine/internal/pkg/logger"
	"github.com/loftpress/newsletter-engine/internal/reconciler"
	"github.com/loftpress/newsletter-engine/internal/sendgrid"
)

// HandleSendGridWebhook ingests a provider event batch. The provider
// retries non-2xx responses, so a batch that parsed is always
// acknowledged with 200 even when individual events fail.
//
//	POST /webhooks/sendgrid
func (h *Handlers) HandleSendGridWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Limit webhook payload to 5MB to prevent OOM
	r.Body = http.MaxBytesReader(w, r.Body, 5*1024*1024)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get("X-Webhook-Signature")
	if !sendgrid.VerifySignature(body, signature, h.webhookSecret) {
		logger.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		respondError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	events, err := reconciler.ParseEventBatch(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	summary := h.events.ProcessEvents(ctx, events)
	respondJSON(w, http.StatusOK, summary)
}
