package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loftpress/newsletter-engine/internal/pkg/logger"
)

// HandleUnsubscribe processes a signed one-click opt-out link. The
// payload carries the newsletter and subscriber ids; a bad signature
// is rejected before any state change.
//
//	GET /u/{payload}/{sig}
//	POST /u/{payload}/{sig}  (List-Unsubscribe-Post one-click)
func (h *Handlers) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	fields, err := h.signer.Verify(chi.URLParam(r, "payload"), chi.URLParam(r, "sig"))
	if err != nil || len(fields) != 3 || fields[0] != "u" {
		respondError(w, http.StatusBadRequest, "invalid unsubscribe link")
		return
	}

	newsletterID, err1 := uuid.Parse(fields[1])
	subscriberID, err2 := uuid.Parse(fields[2])
	if err1 != nil || err2 != nil {
		respondError(w, http.StatusBadRequest, "invalid unsubscribe link")
		return
	}

	sub, err := h.store.GetSubscriberByID(ctx, subscriberID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unsubscribe failed")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscriber not found")
		return
	}

	if err := h.store.MarkUnsubscribed(ctx, sub.Email, "link", &newsletterID); err != nil {
		logger.Error("unsubscribe failed", "subscriber_id", subscriberID.String(), "error", err.Error())
		respondError(w, http.StatusInternalServerError, "unsubscribe failed")
		return
	}

	logger.Info("subscriber unsubscribed via link",
		"newsletter_id", newsletterID.String(),
		"subscriber_id", subscriberID.String())

	if r.Method == http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<html><body><p>You have been unsubscribed.</p></body></html>"))
}

// HandlePreferences validates a signed preference-center link. The
// engine has no preference UI of its own, so a valid link answers with
// the subscriber's current status for an upstream page to render.
//
//	GET /p/{payload}/{sig}
func (h *Handlers) HandlePreferences(w http.ResponseWriter, r *http.Request) {
	fields, err := h.signer.Verify(chi.URLParam(r, "payload"), chi.URLParam(r, "sig"))
	if err != nil || len(fields) != 2 || fields[0] != "p" {
		respondError(w, http.StatusBadRequest, "invalid preferences link")
		return
	}

	subscriberID, err := uuid.Parse(fields[1])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid preferences link")
		return
	}

	sub, err := h.store.GetSubscriberByID(r.Context(), subscriberID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load subscriber")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscriber not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"subscriber_id": sub.ID,
		"status":        sub.Status,
	})
}
