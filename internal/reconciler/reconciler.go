// Package reconciler applies inbound delivery-provider events to
// newsletter, send-record, and subscriber state. Events arrive
// unordered, possibly duplicated, and possibly malformed; processing
// is partial-failure tolerant at per-event granularity.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loftpress/newsletter-engine/internal/newsletter"
	"github.com/loftpress/newsletter-engine/internal/pkg/logger"
)

// Store is the persistence surface the reconciler needs. Implemented
// by the newsletter store.
type Store interface {
	RecordDeliveryEvent(ctx context.Context, ev *newsletter.DeliveryEvent) (bool, error)
	IncrementNewsletterCounter(ctx context.Context, id uuid.UUID, field string) error
	IncrementSendRecordCounter(ctx context.Context, id uuid.UUID, field string) error
	RecordOpen(ctx context.Context, email string) error
	RecordClick(ctx context.Context, email string) error
	RecordHardBounce(ctx context.Context, email string) error
	RecordSoftBounce(ctx context.Context, email string) error
	RecordComplaint(ctx context.Context, email string) error
	MarkUnsubscribed(ctx context.Context, email, source string, newsletterID *uuid.UUID) error
}

// Summary reports one processed webhook batch
type Summary struct {
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Errors    int      `json:"errors"`
	Details   []Detail `json:"details,omitempty"`
}

// Detail explains the outcome for one event
type Detail struct {
	Email  string `json:"email,omitempty"`
	Type   string `json:"type,omitempty"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Reconciler processes provider event batches
type Reconciler struct {
	store Store
}

// New creates a reconciler
func New(store Store) *Reconciler {
	return &Reconciler{store: store}
}

// trackedEvents is the set of provider event types this system acts
// on. Anything else is skipped, not errored.
var trackedEvents = map[string]bool{
	newsletter.EventDelivered:        true,
	newsletter.EventOpen:             true,
	newsletter.EventClick:            true,
	newsletter.EventBounce:           true,
	newsletter.EventDropped:          true,
	newsletter.EventDeferred:         true,
	newsletter.EventUnsubscribe:      true,
	newsletter.EventGroupUnsubscribe: true,
	newsletter.EventSpamReport:       true,
}

// newsletterCounterFor maps event types to the newsletter aggregate
// they bump. Deferred events are audit-only.
var newsletterCounterFor = map[string]string{
	newsletter.EventDelivered:        "total_delivered",
	newsletter.EventOpen:             "total_opens",
	newsletter.EventClick:            "total_clicks",
	newsletter.EventBounce:           "total_bounces",
	newsletter.EventDropped:          "total_bounces",
	newsletter.EventUnsubscribe:      "total_unsubscribes",
	newsletter.EventGroupUnsubscribe: "total_unsubscribes",
	newsletter.EventSpamReport:       "total_complaints",
}

var sendRecordCounterFor = map[string]string{
	newsletter.EventDelivered:        "delivered_count",
	newsletter.EventOpen:             "open_count",
	newsletter.EventClick:            "click_count",
	newsletter.EventBounce:           "bounce_count",
	newsletter.EventDropped:          "bounce_count",
	newsletter.EventUnsubscribe:      "unsubscribe_count",
	newsletter.EventGroupUnsubscribe: "unsubscribe_count",
}

// knownFields are lifted into DeliveryEvent columns; everything else
// lands in the metadata blob.
var knownFields = map[string]bool{
	"event": true, "email": true, "timestamp": true,
	"sg_event_id": true, "sg_message_id": true,
	"newsletter_id": true, "send_record_id": true, "subscriber_id": true,
	"custom_args": true, "reason": true, "type": true,
}

// ProcessEvents applies a heterogeneous batch of provider events. One
// bad event never aborts the rest of the batch.
func (r *Reconciler) ProcessEvents(ctx context.Context, events []map[string]interface{}) *Summary {
	summary := &Summary{}
	for _, ev := range events {
		detail := r.processOne(ctx, ev)
		switch detail.Status {
		case "processed":
			summary.Processed++
		case "skipped":
			summary.Skipped++
		default:
			summary.Errors++
		}
		summary.Details = append(summary.Details, detail)
	}
	logger.Info("webhook batch reconciled",
		"events", len(events),
		"processed", summary.Processed,
		"skipped", summary.Skipped,
		"errors", summary.Errors)
	return summary
}

func (r *Reconciler) processOne(ctx context.Context, ev map[string]interface{}) Detail {
	eventType := stringField(ev, "event")
	email := stringField(ev, "email")

	if !trackedEvents[eventType] {
		return Detail{Email: email, Type: eventType, Status: "skipped", Reason: "untracked event type"}
	}
	occurredAt, ok := timestampField(ev)
	if email == "" || !ok {
		return Detail{Email: email, Type: eventType, Status: "skipped", Reason: "missing email or timestamp"}
	}

	newsletterID := correlationID(ev, "newsletter_id")
	if newsletterID == nil {
		return Detail{Email: email, Type: eventType, Status: "skipped", Reason: "no newsletter correlation id"}
	}
	sendRecordID := correlationID(ev, "send_record_id")
	subscriberID := correlationID(ev, "subscriber_id")

	providerEventID := stringField(ev, "sg_event_id")
	if providerEventID == "" {
		// No provider id means no dedup handle; synthesize one so the
		// audit insert still succeeds.
		providerEventID = "local-" + uuid.NewString()
	}

	record := &newsletter.DeliveryEvent{
		ProviderEventID: providerEventID,
		EventType:       eventType,
		Email:           email,
		NewsletterID:    newsletterID,
		SendRecordID:    sendRecordID,
		SubscriberID:    subscriberID,
		Reason:          stringField(ev, "reason"),
		BounceType:      stringField(ev, "type"),
		OccurredAt:      occurredAt,
		Metadata:        extraFields(ev),
	}

	inserted, err := r.store.RecordDeliveryEvent(ctx, record)
	if err != nil {
		logger.Error("delivery event persist failed", "event", eventType, "error", err.Error())
		return Detail{Email: email, Type: eventType, Status: "error", Reason: err.Error()}
	}
	if !inserted {
		return Detail{Email: email, Type: eventType, Status: "skipped", Reason: "duplicate provider event id"}
	}

	// Counter updates are conditional on first-seen, so a replayed
	// event cannot double-count. A missing newsletter row is silently
	// tolerated; the audit record already landed.
	if field, ok := newsletterCounterFor[eventType]; ok {
		if err := r.store.IncrementNewsletterCounter(ctx, *newsletterID, field); err != nil {
			logger.Warn("newsletter counter update failed", "field", field, "error", err.Error())
		}
	}
	if sendRecordID != nil {
		if field, ok := sendRecordCounterFor[eventType]; ok {
			if err := r.store.IncrementSendRecordCounter(ctx, *sendRecordID, field); err != nil {
				logger.Warn("send record counter update failed", "field", field, "error", err.Error())
			}
		}
	}

	if err := r.applySubscriberEffect(ctx, eventType, email, record, newsletterID); err != nil {
		return Detail{Email: email, Type: eventType, Status: "error", Reason: err.Error()}
	}
	return Detail{Email: email, Type: eventType, Status: "processed"}
}

// applySubscriberEffect runs the per-type subscriber state change.
// Bounces follow a single policy: a hard bounce suppresses
// immediately, soft bounces suppress on the third strike.
func (r *Reconciler) applySubscriberEffect(ctx context.Context, eventType, email string, record *newsletter.DeliveryEvent, newsletterID *uuid.UUID) error {
	switch eventType {
	case newsletter.EventOpen:
		return r.store.RecordOpen(ctx, email)
	case newsletter.EventClick:
		return r.store.RecordClick(ctx, email)
	case newsletter.EventBounce:
		if isHardBounce(record.BounceType, record.Reason) {
			return r.store.RecordHardBounce(ctx, email)
		}
		return r.store.RecordSoftBounce(ctx, email)
	case newsletter.EventSpamReport:
		return r.store.RecordComplaint(ctx, email)
	case newsletter.EventUnsubscribe, newsletter.EventGroupUnsubscribe:
		return r.store.MarkUnsubscribed(ctx, email, "webhook", newsletterID)
	default:
		// delivered, dropped, deferred: audit and counters only
		return nil
	}
}

// isHardBounce classifies a bounce as permanent when the provider's
// type literal says "bounce" or the reason names an invalid mailbox.
func isHardBounce(bounceType, reason string) bool {
	if bounceType == "bounce" {
		return true
	}
	return strings.Contains(strings.ToLower(reason), "invalid")
}

func stringField(ev map[string]interface{}, key string) string {
	if v, ok := ev[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// timestampField reads the provider timestamp, which decodes as a JSON
// number, json.Number, or string depending on the sender.
func timestampField(ev map[string]interface{}) (time.Time, bool) {
	v, ok := ev["timestamp"]
	if !ok {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0).UTC(), true
	case int64:
		return time.Unix(t, 0).UTC(), true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(n, 0).UTC(), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(n, 0).UTC(), true
	default:
		return time.Time{}, false
	}
}

// correlationID reads an id from the top level or from the nested
// custom-args container, first match wins.
func correlationID(ev map[string]interface{}, key string) *uuid.UUID {
	if id := parseUUID(ev[key]); id != nil {
		return id
	}
	if args, ok := ev["custom_args"].(map[string]interface{}); ok {
		return parseUUID(args[key])
	}
	return nil
}

func parseUUID(v interface{}) *uuid.UUID {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}

// extraFields collects unrecognized event fields into the audit
// metadata blob.
func extraFields(ev map[string]interface{}) newsletter.JSON {
	extra := newsletter.JSON{}
	for k, v := range ev {
		if !knownFields[k] {
			extra[k] = v
		}
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}

// ParseEventBatch decodes a raw webhook body into event maps. A
// non-array body is rejected before any side effect.
func ParseEventBatch(body []byte) ([]map[string]interface{}, error) {
	var events []map[string]interface{}
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("webhook body is not an event array: %w", err)
	}
	return events, nil
}
