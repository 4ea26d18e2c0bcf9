package newsletter

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Newsletter status constants
const (
	StatusDraft       = "draft"
	StatusReadyToSend = "ready_to_send"
	StatusSending     = "sending"
	StatusSent        = "sent"
	StatusFailed      = "failed"
	StatusArchived    = "archived"
)

// Send record status constants
const (
	SendScheduled           = "scheduled"
	SendSending             = "sending"
	SendCompleted           = "completed"
	SendCompletedWithErrors = "completed_with_errors"
	SendFailed              = "failed"
)

// Subscriber status constants
const (
	SubscriberActive       = "active"
	SubscriberUnsubscribed = "unsubscribed"
	SubscriberBounced      = "bounced"
	SubscriberComplained   = "complained"
	SubscriberSuppressed   = "suppressed"
)

// Delivery event type constants (SendGrid wire names)
const (
	EventProcessed        = "processed"
	EventDelivered        = "delivered"
	EventOpen             = "open"
	EventClick            = "click"
	EventBounce           = "bounce"
	EventDropped          = "dropped"
	EventDeferred         = "deferred"
	EventUnsubscribe      = "unsubscribe"
	EventGroupUnsubscribe = "group_unsubscribe"
	EventSpamReport       = "spamreport"
)

// Soft bounces escalate to a hard suppression after this many strikes.
const SoftBounceLimit = 3

// JSON helper type for JSONB fields
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(b, j)
}

// Newsletter is an authored issue: metadata plus an ordered set of
// content blocks, compiled to HTML before it can be sent.
type Newsletter struct {
	ID                  uuid.UUID  `json:"id" db:"id"`
	Title               string     `json:"title" db:"title"`
	Subject             string     `json:"subject" db:"subject"`
	PreviewText         string     `json:"preview_text" db:"preview_text"`
	FromName            string     `json:"from_name" db:"from_name"`
	FromEmail           string     `json:"from_email" db:"from_email"`
	ReplyTo             string     `json:"reply_to" db:"reply_to"`
	Status              string     `json:"status" db:"status"`
	CompiledHTML        string     `json:"-" db:"compiled_html"`
	CompiledPlain       string     `json:"-" db:"compiled_plain"`
	CompiledAt          *time.Time `json:"compiled_at" db:"compiled_at"`
	CompilationWarnings JSON       `json:"compilation_warnings" db:"compilation_warnings"`
	TotalRecipients     int        `json:"total_recipients" db:"total_recipients"`
	TotalSent           int        `json:"total_sent" db:"total_sent"`
	TotalDelivered      int        `json:"total_delivered" db:"total_delivered"`
	TotalOpens          int        `json:"total_opens" db:"total_opens"`
	TotalClicks         int        `json:"total_clicks" db:"total_clicks"`
	TotalBounces        int        `json:"total_bounces" db:"total_bounces"`
	TotalUnsubscribes   int        `json:"total_unsubscribes" db:"total_unsubscribes"`
	TotalComplaints     int        `json:"total_complaints" db:"total_complaints"`
	SendCount           int        `json:"send_count" db:"send_count"`
	LastSentAt          *time.Time `json:"last_sent_at" db:"last_sent_at"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
}

// BlockType is a reusable content component: an MJML snippet with
// template tags, plus default field values for the editor.
type BlockType struct {
	ID              uuid.UUID `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	Slug            string    `json:"slug" db:"slug"`
	Template        string    `json:"template" db:"template"`
	DefaultValues   JSON      `json:"default_values" db:"default_values"`
	FieldVisibility JSON      `json:"field_visibility" db:"field_visibility"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Block is one positioned instance of a block type within a newsletter.
type Block struct {
	ID           uuid.UUID `json:"id" db:"id"`
	NewsletterID uuid.UUID `json:"newsletter_id" db:"newsletter_id"`
	BlockTypeID  uuid.UUID `json:"block_type_id" db:"block_type_id"`
	Sort         int       `json:"sort" db:"sort"`
	FieldData    JSON      `json:"field_data" db:"field_data"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`

	// Joined from block_types when loaded for compilation.
	Type *BlockType `json:"type,omitempty" db:"-"`
}

// ABTestConfig controls subject-line splitting for a send.
type ABTestConfig struct {
	Enabled         bool   `json:"enabled"`
	SplitPercentage int    `json:"split_percentage"`
	VariantSubject  string `json:"variant_subject"`
}

// SendRecord tracks one delivery run of a newsletter.
type SendRecord struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	NewsletterID       uuid.UUID  `json:"newsletter_id" db:"newsletter_id"`
	Status             string     `json:"status" db:"status"`
	TotalRecipients    int        `json:"total_recipients" db:"total_recipients"`
	SentCount          int        `json:"sent_count" db:"sent_count"`
	FailedCount        int        `json:"failed_count" db:"failed_count"`
	DeliveredCount     int        `json:"delivered_count" db:"delivered_count"`
	OpenCount          int        `json:"open_count" db:"open_count"`
	ClickCount         int        `json:"click_count" db:"click_count"`
	BounceCount        int        `json:"bounce_count" db:"bounce_count"`
	UnsubscribeCount   int        `json:"unsubscribe_count" db:"unsubscribe_count"`
	ProgressPercentage int        `json:"progress_percentage" db:"progress_percentage"`
	ABTestEnabled      bool       `json:"ab_test_enabled" db:"ab_test_enabled"`
	ABSplitPercentage  int        `json:"ab_split_percentage" db:"ab_split_percentage"`
	ABVariantSubject   string     `json:"ab_variant_subject" db:"ab_variant_subject"`
	Errors             JSON       `json:"errors" db:"errors"`
	ProcessingTimeMS   int64      `json:"processing_time_ms" db:"processing_time_ms"`
	ScheduledAt        *time.Time `json:"scheduled_at" db:"scheduled_at"`
	StartedAt          *time.Time `json:"started_at" db:"started_at"`
	CompletedAt        *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
}

// MailingList groups subscribers for recipient resolution.
type MailingList struct {
	ID              uuid.UUID `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	Description     string    `json:"description" db:"description"`
	SubscriberCount int       `json:"subscriber_count" db:"subscriber_count"`
	Status          string    `json:"status" db:"status"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Subscriber represents one email recipient.
type Subscriber struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	Email           string     `json:"email" db:"email"`
	EmailHash       string     `json:"-" db:"email_hash"`
	FirstName       string     `json:"first_name" db:"first_name"`
	LastName        string     `json:"last_name" db:"last_name"`
	Status          string     `json:"status" db:"status"`
	EngagementScore float64    `json:"engagement_score" db:"engagement_score"`
	BounceCount     int        `json:"bounce_count" db:"bounce_count"`
	SoftBounceCount int        `json:"soft_bounce_count" db:"soft_bounce_count"`
	ComplaintCount  int        `json:"complaint_count" db:"complaint_count"`
	CustomFields    JSON       `json:"custom_fields" db:"custom_fields"`
	LastOpenAt      *time.Time `json:"last_open_at" db:"last_open_at"`
	LastClickAt     *time.Time `json:"last_click_at" db:"last_click_at"`
	UnsubscribedAt  *time.Time `json:"unsubscribed_at" db:"unsubscribed_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// DeliveryEvent is one provider webhook event persisted for audit and
// idempotent replay handling. ProviderEventID carries the provider's
// unique event id; replays collide on it and are skipped.
type DeliveryEvent struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	ProviderEventID string     `json:"provider_event_id" db:"provider_event_id"`
	EventType       string     `json:"event_type" db:"event_type"`
	Email           string     `json:"email" db:"email"`
	NewsletterID    *uuid.UUID `json:"newsletter_id" db:"newsletter_id"`
	SendRecordID    *uuid.UUID `json:"send_record_id" db:"send_record_id"`
	SubscriberID    *uuid.UUID `json:"subscriber_id" db:"subscriber_id"`
	Reason          string     `json:"reason" db:"reason"`
	BounceType      string     `json:"bounce_type" db:"bounce_type"`
	OccurredAt      time.Time  `json:"occurred_at" db:"occurred_at"`
	Metadata        JSON       `json:"metadata" db:"metadata"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}
