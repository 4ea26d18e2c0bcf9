// Package api exposes the newsletter engine over HTTP: compile, send,
// test-send, send progress, provider webhooks, and the public signed
// unsubscribe endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loftpress/newsletter-engine/internal/compiler"
	"github.com/loftpress/newsletter-engine/internal/delivery"
	"github.com/loftpress/newsletter-engine/internal/newsletter"
	"github.com/loftpress/newsletter-engine/internal/pkg/logger"
	"github.com/loftpress/newsletter-engine/internal/reconciler"
)

// Store is the persistence surface the handlers need. Implemented by
// the newsletter store.
type Store interface {
	GetNewsletter(ctx context.Context, id uuid.UUID) (*newsletter.Newsletter, error)
	GetBlocksForNewsletter(ctx context.Context, newsletterID uuid.UUID) ([]*newsletter.Block, error)
	SaveCompiledOutput(ctx context.Context, id uuid.UUID, html, plain string, warnings []string) error
	GetSendRecord(ctx context.Context, id uuid.UUID) (*newsletter.SendRecord, error)
	MarkUnsubscribed(ctx context.Context, email, source string, newsletterID *uuid.UUID) error
	GetSubscriberByID(ctx context.Context, id uuid.UUID) (*newsletter.Subscriber, error)
}

// Sender runs newsletter sends. Implemented by the delivery pipeline.
type Sender interface {
	Send(ctx context.Context, newsletterID uuid.UUID, opts delivery.SendOptions) (*newsletter.SendRecord, error)
}

// RateLimiter guards the test-send endpoint
type RateLimiter interface {
	IsAllowed(ctx context.Context, key string) (bool, error)
	Remaining(ctx context.Context, key string) (int, error)
	ResetAt() time.Time
}

// Handlers carries the wired collaborators for all HTTP endpoints
type Handlers struct {
	store     Store
	compiler  *compiler.Compiler
	sender    Sender
	transport delivery.Transport
	limiter   RateLimiter
	signer    *delivery.LinkSigner
	events    *reconciler.Reconciler

	webhookSecret string
}

// NewHandlers wires the endpoint collaborators. limiter may be nil
// when Redis is not configured; test sends are then unthrottled.
func NewHandlers(store Store, comp *compiler.Compiler, sender Sender, transport delivery.Transport, limiter RateLimiter, signer *delivery.LinkSigner, events *reconciler.Reconciler, webhookSecret string) *Handlers {
	return &Handlers{
		store:         store,
		compiler:      comp,
		sender:        sender,
		transport:     transport,
		limiter:       limiter,
		signer:        signer,
		events:        events,
		webhookSecret: webhookSecret,
	}
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func parseIDParam(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}

// HandleCompile compiles a newsletter's blocks into HTML and persists
// the result.
//
//	POST /api/newsletters/{id}/compile
func (h *Handlers) HandleCompile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := parseIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid newsletter id")
		return
	}

	n, err := h.store.GetNewsletter(ctx, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load newsletter")
		return
	}
	if n == nil {
		respondError(w, http.StatusNotFound, "newsletter not found")
		return
	}

	blocks, err := h.store.GetBlocksForNewsletter(ctx, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load blocks")
		return
	}

	result, err := h.compiler.Compile(ctx, n, blocks)
	if err != nil {
		logger.Error("newsletter compile failed", "newsletter_id", id.String(), "error", err.Error())
		respondError(w, http.StatusBadGateway, "compilation failed: "+err.Error())
		return
	}

	if err := h.store.SaveCompiledOutput(ctx, id, result.HTML, result.Plain, result.Warnings); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to persist compiled output")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"newsletter_id": id,
		"status":        newsletter.StatusReadyToSend,
		"warnings":      result.Warnings,
		"html_bytes":    len(result.HTML),
	})
}

// HandleValidate reports template variables with no value per block,
// so editors can fix missing field data before compiling.
//
//	GET /api/newsletters/{id}/validate
func (h *Handlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := parseIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid newsletter id")
		return
	}

	n, err := h.store.GetNewsletter(ctx, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load newsletter")
		return
	}
	if n == nil {
		respondError(w, http.StatusNotFound, "newsletter not found")
		return
	}

	blocks, err := h.store.GetBlocksForNewsletter(ctx, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load blocks")
		return
	}

	warnings := h.compiler.Validate(n, blocks)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"newsletter_id": id,
		"valid":         len(warnings) == 0,
		"warnings":      warnings,
	})
}

type sendRequest struct {
	ListIDs    []uuid.UUID `json:"list_ids"`
	ScheduleAt *time.Time  `json:"schedule_at,omitempty"`

	ABTest struct {
		Enabled         bool   `json:"enabled"`
		SplitPercentage int    `json:"split_percentage"`
		VariantSubject  string `json:"variant_subject"`
	} `json:"ab_test"`
}

// HandleSend starts (or schedules) a newsletter send.
//
//	POST /api/newsletters/{id}/send
func (h *Handlers) HandleSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := parseIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid newsletter id")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.ListIDs) == 0 {
		respondError(w, http.StatusBadRequest, "list_ids is required")
		return
	}

	rec, err := h.sender.Send(ctx, id, delivery.SendOptions{
		ListIDs: req.ListIDs,
		ABTest: newsletter.ABTestConfig{
			Enabled:         req.ABTest.Enabled,
			SplitPercentage: req.ABTest.SplitPercentage,
			VariantSubject:  req.ABTest.VariantSubject,
		},
		ScheduleAt: req.ScheduleAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, delivery.ErrNotFound):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, delivery.ErrNotCompiled),
			errors.Is(err, delivery.ErrNotSendable),
			errors.Is(err, delivery.ErrNoRecipients):
			respondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, delivery.ErrSendInProgress):
			respondError(w, http.StatusTooManyRequests, err.Error())
		default:
			logger.Error("send failed", "newsletter_id", id.String(), "error", err.Error())
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	respondJSON(w, http.StatusAccepted, rec)
}

type testSendRequest struct {
	Email string `json:"email"`
}

// HandleTestSend delivers a single proof of a compiled newsletter,
// throttled per requester email.
//
//	POST /api/newsletters/{id}/test-send
func (h *Handlers) HandleTestSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := parseIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid newsletter id")
		return
	}

	var req testSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		respondError(w, http.StatusBadRequest, "email is required")
		return
	}
	if !newsletter.ValidateEmail(req.Email) {
		respondError(w, http.StatusBadRequest, "invalid email address")
		return
	}

	if h.limiter != nil {
		allowed, err := h.limiter.IsAllowed(ctx, req.Email)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "rate limit check failed")
			return
		}
		if !allowed {
			retryAfter := int(time.Until(h.limiter.ResetAt()).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			respondError(w, http.StatusTooManyRequests, "test send limit reached, try again later")
			return
		}
		if remaining, err := h.limiter.Remaining(ctx, req.Email); err == nil {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}
	}

	n, err := h.store.GetNewsletter(ctx, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load newsletter")
		return
	}
	if n == nil {
		respondError(w, http.StatusNotFound, "newsletter not found")
		return
	}
	if n.CompiledHTML == "" {
		respondError(w, http.StatusConflict, "newsletter has not been compiled")
		return
	}

	msg := &delivery.Message{
		NewsletterID: n.ID,
		Subject:      "[TEST] " + n.Subject,
		FromName:     n.FromName,
		FromEmail:    n.FromEmail,
		ReplyTo:      n.ReplyTo,
		HTML:         n.CompiledHTML,
		Plain:        n.CompiledPlain,
	}
	persons := []delivery.Personalization{{
		Email: req.Email,
		Substitutions: map[string]string{
			"first_name": "Test",
			"last_name":  "Recipient",
			"email":      req.Email,
		},
	}}

	result, err := h.transport.SendBatch(ctx, msg, persons)
	if err != nil {
		logger.Error("test send failed", "newsletter_id", id.String(), "error", err.Error())
		respondError(w, http.StatusBadGateway, "test send failed: "+err.Error())
		return
	}

	logger.Info("test send delivered", "newsletter_id", id.String(), "recipient", req.Email)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"accepted":   result.Accepted,
		"message_id": result.MessageID,
	})
}

// HandleSendProgress reports a send record for progress polling.
//
//	GET /api/sends/{id}
func (h *Handlers) HandleSendProgress(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid send record id")
		return
	}

	rec, err := h.store.GetSendRecord(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load send record")
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "send record not found")
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

// HandleGetNewsletter returns one newsletter with its block count.
//
//	GET /api/newsletters/{id}
func (h *Handlers) HandleGetNewsletter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := parseIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid newsletter id")
		return
	}

	n, err := h.store.GetNewsletter(ctx, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load newsletter")
		return
	}
	if n == nil {
		respondError(w, http.StatusNotFound, "newsletter not found")
		return
	}

	respondJSON(w, http.StatusOK, n)
}

// HandleNewsletterStats reports the engagement counters the webhook
// reconciler maintains, with rates over delivered mail.
//
//	GET /api/newsletters/{id}/stats
func (h *Handlers) HandleNewsletterStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := parseIDParam(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid newsletter id")
		return
	}

	n, err := h.store.GetNewsletter(ctx, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load newsletter")
		return
	}
	if n == nil {
		respondError(w, http.StatusNotFound, "newsletter not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"newsletter_id":      n.ID,
		"send_count":         n.SendCount,
		"last_sent_at":       n.LastSentAt,
		"total_sent":         n.TotalSent,
		"total_delivered":    n.TotalDelivered,
		"total_opens":        n.TotalOpens,
		"total_clicks":       n.TotalClicks,
		"total_bounces":      n.TotalBounces,
		"total_unsubscribes": n.TotalUnsubscribes,
		"total_complaints":   n.TotalComplaints,
		"open_rate":          rate(n.TotalOpens, n.TotalDelivered),
		"click_rate":         rate(n.TotalClicks, n.TotalDelivered),
		"bounce_rate":        rate(n.TotalBounces, n.TotalSent),
	})
}

// rate returns count/base as a percentage, 0 when base is zero.
func rate(count, base int) float64 {
	if base == 0 {
		return 0
	}
	return float64(count) / float64(base) * 100
}
