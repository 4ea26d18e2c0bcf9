package newsletter

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store provides database operations for newsletter entities
type Store struct {
	db *sql.DB
}

// NewStore creates a new newsletter store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// HashEmail creates a SHA256 hash of an email address
func HashEmail(email string) string {
	h := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(h[:])
}

// ValidateEmail performs basic structural email validation
func ValidateEmail(email string) bool {
	email = strings.TrimSpace(email)
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return false
	}
	local, domain := parts[0], parts[1]
	if len(local) == 0 || len(local) > 64 {
		return false
	}
	if len(domain) == 0 || len(domain) > 253 {
		return false
	}
	return strings.Contains(domain, ".")
}

// CreateNewsletter creates a new draft newsletter
func (s *Store) CreateNewsletter(ctx context.Context, n *Newsletter) error {
	n.ID = uuid.New()
	n.CreatedAt = time.Now()
	n.UpdatedAt = time.Now()
	if n.Status == "" {
		n.Status = StatusDraft
	}

	query := `INSERT INTO newsletters (id, title, subject, preview_text, from_name, from_email,
		reply_to, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.ExecContext(ctx, query, n.ID, n.Title, n.Subject, n.PreviewText,
		n.FromName, n.FromEmail, n.ReplyTo, n.Status, n.CreatedAt, n.UpdatedAt)
	return err
}

// GetNewsletter retrieves a newsletter by ID
func (s *Store) GetNewsletter(ctx context.Context, id uuid.UUID) (*Newsletter, error) {
	query := `SELECT id, title, subject, preview_text, from_name, from_email, reply_to, status,
		compiled_html, compiled_plain, compiled_at, compilation_warnings,
		total_recipients, total_sent, total_delivered, total_opens, total_clicks,
		total_bounces, total_unsubscribes, total_complaints, send_count, last_sent_at,
		created_at, updated_at
		FROM newsletters WHERE id = $1`

	n := &Newsletter{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&n.ID, &n.Title, &n.Subject, &n.PreviewText, &n.FromName, &n.FromEmail, &n.ReplyTo,
		&n.Status, &n.CompiledHTML, &n.CompiledPlain, &n.CompiledAt, &n.CompilationWarnings,
		&n.TotalRecipients, &n.TotalSent, &n.TotalDelivered, &n.TotalOpens, &n.TotalClicks,
		&n.TotalBounces, &n.TotalUnsubscribes, &n.TotalComplaints, &n.SendCount, &n.LastSentAt,
		&n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return n, err
}

// SaveCompiledOutput stores the compiled HTML and marks the newsletter ready to send.
// Warnings are kept alongside so the editor can surface them after compilation.
func (s *Store) SaveCompiledOutput(ctx context.Context, id uuid.UUID, html, plain string, warnings []string) error {
	warn := JSON{}
	if len(warnings) > 0 {
		warn["messages"] = warnings
	}

	query := `UPDATE newsletters SET compiled_html = $2, compiled_plain = $3, compiled_at = NOW(),
		compilation_warnings = $4, status = $5, updated_at = NOW()
		WHERE id = $1`

	_, err := s.db.ExecContext(ctx, query, id, html, plain, warn, StatusReadyToSend)
	return err
}

// UpdateNewsletterStatus transitions a newsletter's lifecycle status
func (s *Store) UpdateNewsletterStatus(ctx context.Context, id uuid.UUID, status string) error {
	query := `UPDATE newsletters SET status = $2, updated_at = NOW() WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id, status)
	return err
}

// MarkNewsletterSent records the completion of a delivery run
func (s *Store) MarkNewsletterSent(ctx context.Context, id uuid.UUID, recipients, sent int) error {
	query := `UPDATE newsletters SET status = $2, total_recipients = total_recipients + $3,
		total_sent = total_sent + $4, send_count = send_count + 1, last_sent_at = NOW(),
		updated_at = NOW() WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id, StatusSent, recipients, sent)
	return err
}

// Allowed counter columns for IncrementNewsletterCounter. Guards the
// fmt.Sprintf below against arbitrary column injection.
var newsletterCounters = map[string]bool{
	"total_delivered":    true,
	"total_opens":        true,
	"total_clicks":       true,
	"total_bounces":      true,
	"total_unsubscribes": true,
	"total_complaints":   true,
}

// IncrementNewsletterCounter bumps one engagement counter on a newsletter
func (s *Store) IncrementNewsletterCounter(ctx context.Context, id uuid.UUID, field string) error {
	if !newsletterCounters[field] {
		return fmt.Errorf("unknown newsletter counter: %s", field)
	}
	query := fmt.Sprintf(`UPDATE newsletters SET %s = %s + 1, updated_at = NOW() WHERE id = $1`, field, field)
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

// GetBlocksForNewsletter loads a newsletter's blocks in display order,
// joined with their block type templates for compilation.
func (s *Store) GetBlocksForNewsletter(ctx context.Context, newsletterID uuid.UUID) ([]*Block, error) {
	query := `SELECT b.id, b.newsletter_id, b.block_type_id, b.sort, b.field_data, b.created_at,
		bt.id, bt.name, bt.slug, bt.template, bt.default_values, bt.field_visibility, bt.created_at
		FROM newsletter_blocks b
		JOIN block_types bt ON bt.id = b.block_type_id
		WHERE b.newsletter_id = $1
		ORDER BY b.sort ASC`

	rows, err := s.db.QueryContext(ctx, query, newsletterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []*Block
	for rows.Next() {
		b := &Block{Type: &BlockType{}}
		err := rows.Scan(&b.ID, &b.NewsletterID, &b.BlockTypeID, &b.Sort, &b.FieldData, &b.CreatedAt,
			&b.Type.ID, &b.Type.Name, &b.Type.Slug, &b.Type.Template, &b.Type.DefaultValues,
			&b.Type.FieldVisibility, &b.Type.CreatedAt)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// CreateSendRecord opens a new delivery run for a newsletter
func (s *Store) CreateSendRecord(ctx context.Context, rec *SendRecord) error {
	rec.ID = uuid.New()
	rec.CreatedAt = time.Now()
	if rec.Status == "" {
		rec.Status = SendSending
	}

	query := `INSERT INTO send_records (id, newsletter_id, status, total_recipients,
		ab_test_enabled, ab_split_percentage, ab_variant_subject, scheduled_at, started_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.ExecContext(ctx, query, rec.ID, rec.NewsletterID, rec.Status, rec.TotalRecipients,
		rec.ABTestEnabled, rec.ABSplitPercentage, rec.ABVariantSubject, rec.ScheduledAt,
		rec.StartedAt, rec.CreatedAt)
	return err
}

// GetSendRecord retrieves a send record by ID
func (s *Store) GetSendRecord(ctx context.Context, id uuid.UUID) (*SendRecord, error) {
	query := `SELECT id, newsletter_id, status, total_recipients, sent_count, failed_count,
		delivered_count, open_count, click_count, bounce_count, unsubscribe_count,
		progress_percentage, ab_test_enabled, ab_split_percentage, ab_variant_subject,
		errors, processing_time_ms, scheduled_at, started_at, completed_at, created_at
		FROM send_records WHERE id = $1`

	rec := &SendRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID, &rec.NewsletterID, &rec.Status, &rec.TotalRecipients, &rec.SentCount,
		&rec.FailedCount, &rec.DeliveredCount, &rec.OpenCount, &rec.ClickCount,
		&rec.BounceCount, &rec.UnsubscribeCount, &rec.ProgressPercentage,
		&rec.ABTestEnabled, &rec.ABSplitPercentage, &rec.ABVariantSubject,
		&rec.Errors, &rec.ProcessingTimeMS, &rec.ScheduledAt, &rec.StartedAt,
		&rec.CompletedAt, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// UpdateSendProgress advances a running send record's counters. The
// progress percentage only ever moves forward.
func (s *Store) UpdateSendProgress(ctx context.Context, id uuid.UUID, sent, failed, progressPct int) error {
	query := `UPDATE send_records SET sent_count = $2, failed_count = $3,
		progress_percentage = GREATEST(progress_percentage, $4) WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id, sent, failed, progressPct)
	return err
}

// FinalizeSendRecord closes a delivery run with its terminal status
func (s *Store) FinalizeSendRecord(ctx context.Context, id uuid.UUID, status string, sent, failed int, errs []string, elapsed time.Duration) error {
	errJSON := JSON{}
	if len(errs) > 0 {
		errJSON["messages"] = errs
	}

	query := `UPDATE send_records SET status = $2, sent_count = $3, failed_count = $4,
		progress_percentage = 100, errors = $5, processing_time_ms = $6, completed_at = NOW()
		WHERE id = $1`

	_, err := s.db.ExecContext(ctx, query, id, status, sent, failed, errJSON, elapsed.Milliseconds())
	return err
}

// Allowed counter columns for IncrementSendRecordCounter.
var sendRecordCounters = map[string]bool{
	"delivered_count":   true,
	"open_count":        true,
	"click_count":       true,
	"bounce_count":      true,
	"unsubscribe_count": true,
}

// IncrementSendRecordCounter bumps one engagement counter on a send record
func (s *Store) IncrementSendRecordCounter(ctx context.Context, id uuid.UUID, field string) error {
	if !sendRecordCounters[field] {
		return fmt.Errorf("unknown send record counter: %s", field)
	}
	query := fmt.Sprintf(`UPDATE send_records SET %s = %s + 1 WHERE id = $1`, field, field)
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

// ResolveActiveSubscribers returns the deduplicated active subscribers
// across the given lists. A subscriber on several lists appears once.
func (s *Store) ResolveActiveSubscribers(ctx context.Context, listIDs []uuid.UUID) ([]*Subscriber, error) {
	if len(listIDs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(listIDs))
	for i, id := range listIDs {
		ids[i] = id.String()
	}

	query := `SELECT DISTINCT ON (s.email) s.id, s.email, s.first_name, s.last_name,
		s.status, s.engagement_score, s.custom_fields
		FROM subscribers s
		JOIN list_memberships lm ON lm.subscriber_id = s.id
		WHERE lm.list_id = ANY($1) AND s.status = 'active' AND s.email <> ''
		ORDER BY s.email, s.created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscriber
	for rows.Next() {
		sub := &Subscriber{}
		err := rows.Scan(&sub.ID, &sub.Email, &sub.FirstName, &sub.LastName,
			&sub.Status, &sub.EngagementScore, &sub.CustomFields)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// GetSubscriberByEmail retrieves a subscriber by email (case-insensitive)
func (s *Store) GetSubscriberByEmail(ctx context.Context, email string) (*Subscriber, error) {
	query := `SELECT id, email, first_name, last_name, status, engagement_score,
		bounce_count, soft_bounce_count, complaint_count, created_at, updated_at
		FROM subscribers WHERE LOWER(email) = LOWER($1)`

	sub := &Subscriber{}
	err := s.db.QueryRowContext(ctx, query, email).Scan(
		&sub.ID, &sub.Email, &sub.FirstName, &sub.LastName, &sub.Status,
		&sub.EngagementScore, &sub.BounceCount, &sub.SoftBounceCount,
		&sub.ComplaintCount, &sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

// GetSubscriberByID retrieves a subscriber by id
func (s *Store) GetSubscriberByID(ctx context.Context, id uuid.UUID) (*Subscriber, error) {
	query := `SELECT id, email, first_name, last_name, status, engagement_score,
		bounce_count, soft_bounce_count, complaint_count, created_at, updated_at
		FROM subscribers WHERE id = $1`

	sub := &Subscriber{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sub.ID, &sub.Email, &sub.FirstName, &sub.LastName, &sub.Status,
		&sub.EngagementScore, &sub.BounceCount, &sub.SoftBounceCount,
		&sub.ComplaintCount, &sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

// RecordDeliveryEvent persists a provider event for audit. Returns false
// when the provider event id was already seen, which makes webhook
// replays a no-op for counter updates.
func (s *Store) RecordDeliveryEvent(ctx context.Context, ev *DeliveryEvent) (bool, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.CreatedAt = time.Now()

	query := `INSERT INTO delivery_events (id, provider_event_id, event_type, email,
		newsletter_id, send_record_id, subscriber_id, reason, bounce_type, occurred_at, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (provider_event_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, ev.ID, ev.ProviderEventID, ev.EventType, ev.Email,
		ev.NewsletterID, ev.SendRecordID, ev.SubscriberID, ev.Reason, ev.BounceType,
		ev.OccurredAt, ev.Metadata, ev.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordOpen bumps engagement for an open. Score is capped at 100.
func (s *Store) RecordOpen(ctx context.Context, email string) error {
	query := `UPDATE subscribers SET engagement_score = LEAST(100, engagement_score + 2),
		last_open_at = NOW(), updated_at = NOW() WHERE LOWER(email) = LOWER($1)`
	_, err := s.db.ExecContext(ctx, query, email)
	return err
}

// RecordClick bumps engagement for a click. Score is capped at 100.
func (s *Store) RecordClick(ctx context.Context, email string) error {
	query := `UPDATE subscribers SET engagement_score = LEAST(100, engagement_score + 5),
		last_click_at = NOW(), updated_at = NOW() WHERE LOWER(email) = LOWER($1)`
	_, err := s.db.ExecContext(ctx, query, email)
	return err
}

// RecordHardBounce suppresses a subscriber immediately
func (s *Store) RecordHardBounce(ctx context.Context, email string) error {
	query := `UPDATE subscribers SET status = $2, bounce_count = bounce_count + 1,
		engagement_score = GREATEST(0, engagement_score - 20), updated_at = NOW()
		WHERE LOWER(email) = LOWER($1)`
	_, err := s.db.ExecContext(ctx, query, email, SubscriberBounced)
	return err
}

// RecordSoftBounce counts a transient bounce and escalates to a hard
// suppression once the strike limit is reached.
func (s *Store) RecordSoftBounce(ctx context.Context, email string) error {
	query := `UPDATE subscribers SET soft_bounce_count = soft_bounce_count + 1,
		status = CASE WHEN soft_bounce_count + 1 >= $2 THEN 'bounced' ELSE status END,
		engagement_score = GREATEST(0, engagement_score - 5), updated_at = NOW()
		WHERE LOWER(email) = LOWER($1)`
	_, err := s.db.ExecContext(ctx, query, email, SoftBounceLimit)
	return err
}

// RecordComplaint suppresses a subscriber after a spam report
func (s *Store) RecordComplaint(ctx context.Context, email string) error {
	query := `UPDATE subscribers SET status = $2, complaint_count = complaint_count + 1,
		engagement_score = GREATEST(0, engagement_score - 50), updated_at = NOW()
		WHERE LOWER(email) = LOWER($1)`
	_, err := s.db.ExecContext(ctx, query, email, SubscriberComplained)
	return err
}

// MarkUnsubscribed flips a subscriber to unsubscribed and logs the opt-out
func (s *Store) MarkUnsubscribed(ctx context.Context, email, source string, newsletterID *uuid.UUID) error {
	query := `UPDATE subscribers SET status = $2, unsubscribed_at = NOW(), updated_at = NOW()
		WHERE LOWER(email) = LOWER($1)`
	if _, err := s.db.ExecContext(ctx, query, email, SubscriberUnsubscribed); err != nil {
		return err
	}

	logQuery := `INSERT INTO unsubscribe_log (id, email, email_hash, source, newsletter_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`
	_, err := s.db.ExecContext(ctx, logQuery, uuid.New(), strings.ToLower(strings.TrimSpace(email)),
		HashEmail(email), source, newsletterID)
	return err
}

// LogSendBatch records one dispatched batch for troubleshooting stalled sends
func (s *Store) LogSendBatch(ctx context.Context, sendRecordID uuid.UUID, batchIndex, accepted, failed int, providerMessageID, errMsg string) error {
	query := `INSERT INTO send_batch_log (id, send_record_id, batch_index, accepted, failed,
		provider_message_id, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`
	_, err := s.db.ExecContext(ctx, query, uuid.New(), sendRecordID, batchIndex, accepted, failed,
		providerMessageID, errMsg)
	return err
}
