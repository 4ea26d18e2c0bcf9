package delivery

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/loftpress/newsletter-engine/internal/pkg/logger"
)

// ProgressStore persists running dispatch state so callers polling the
// send record mid-flight see monotonically increasing progress.
type ProgressStore interface {
	UpdateSendProgress(ctx context.Context, id uuid.UUID, sent, failed, progressPct int) error
	LogSendBatch(ctx context.Context, sendRecordID uuid.UUID, batchIndex, accepted, failed int, providerMessageID, errMsg string) error
}

// DispatchResult aggregates one dispatch run
type DispatchResult struct {
	Sent   int
	Failed int
	Errors []string
}

// Dispatcher splits recipients into fixed-size chunks and pushes each
// chunk through the transport, isolating per-chunk failures.
type Dispatcher struct {
	transport Transport
	store     ProgressStore
	signer    *LinkSigner
	batchSize int
	delay     time.Duration
}

// NewDispatcher creates a dispatcher. batchSize is clamped to the
// transport's per-call maximum.
func NewDispatcher(transport Transport, store ProgressStore, signer *LinkSigner, batchSize int, delay time.Duration) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if max := transport.MaxBatchSize(); max > 0 && batchSize > max {
		batchSize = max
	}
	return &Dispatcher{
		transport: transport,
		store:     store,
		signer:    signer,
		batchSize: batchSize,
		delay:     delay,
	}
}

// Dispatch sends msg to every recipient in fixed-size chunks. One
// failing chunk marks its recipients failed and moves on; the delay
// between chunks throttles the provider call rate.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message, recipients []Recipient) *DispatchResult {
	return d.DispatchGroup(ctx, msg, recipients, DispatchResult{}, len(recipients))
}

// DispatchGroup sends one group of a multi-group send. prior carries
// the counts of groups already dispatched on the same send record and
// overallTotal the full recipient count across all groups, so the
// running counts and progress written mid-flight stay cumulative and
// never regress at a group boundary.
func (d *Dispatcher) DispatchGroup(ctx context.Context, msg *Message, recipients []Recipient, prior DispatchResult, overallTotal int) *DispatchResult {
	result := &DispatchResult{}
	total := len(recipients)
	if total == 0 {
		return result
	}
	if overallTotal <= 0 {
		overallTotal = total
	}

	batchIndex := 0
	for i := 0; i < total; i += d.batchSize {
		end := i + d.batchSize
		if end > total {
			end = total
		}
		chunk := recipients[i:end]
		batchIndex++

		if err := ctx.Err(); err != nil {
			result.Failed += total - i
			result.Errors = append(result.Errors, fmt.Sprintf("batch %d: aborted: %v", batchIndex, err))
			break
		}

		persons := d.personalize(msg, chunk)
		sendResult, err := d.transport.SendBatch(ctx, msg, persons)
		if err != nil {
			result.Failed += len(chunk)
			result.Errors = append(result.Errors, fmt.Sprintf("batch %d: %v", batchIndex, err))
			logger.Error("batch dispatch failed",
				"send_record_id", msg.SendRecordID.String(),
				"batch", batchIndex,
				"size", len(chunk),
				"error", err.Error())
			d.logBatch(ctx, msg.SendRecordID, batchIndex, 0, len(chunk), "", err.Error())
		} else {
			result.Sent += len(chunk)
			d.logBatch(ctx, msg.SendRecordID, batchIndex, sendResult.Accepted, 0, sendResult.MessageID, "")
		}

		processed := prior.Sent + prior.Failed + result.Sent + result.Failed
		progress := int(math.Round(float64(processed) / float64(overallTotal) * 100))
		if err := d.store.UpdateSendProgress(ctx, msg.SendRecordID, prior.Sent+result.Sent, prior.Failed+result.Failed, progress); err != nil {
			logger.Warn("progress update failed",
				"send_record_id", msg.SendRecordID.String(),
				"error", err.Error())
		}

		if end < total && d.delay > 0 {
			select {
			case <-time.After(d.delay):
			case <-ctx.Done():
			}
		}
	}

	return result
}

// personalize builds per-recipient substitutions and the correlation
// ids the provider echoes back in webhook events.
func (d *Dispatcher) personalize(msg *Message, chunk []Recipient) []Personalization {
	persons := make([]Personalization, 0, len(chunk))
	for _, r := range chunk {
		subs := map[string]string{
			"first_name": r.FirstName,
			"last_name":  r.LastName,
			"email":      r.Email,
		}
		if d.signer != nil {
			subs["unsubscribe_url"] = d.signer.UnsubscribeURL(msg.NewsletterID, r.SubscriberID)
			subs["preferences_url"] = d.signer.PreferencesURL(r.SubscriberID)
		}
		persons = append(persons, Personalization{
			Email:         r.Email,
			Substitutions: subs,
			CustomArgs: map[string]string{
				"newsletter_id":  msg.NewsletterID.String(),
				"send_record_id": msg.SendRecordID.String(),
				"subscriber_id":  r.SubscriberID.String(),
			},
		})
	}
	return persons
}

func (d *Dispatcher) logBatch(ctx context.Context, sendRecordID uuid.UUID, idx, accepted, failed int, messageID, errMsg string) {
	if err := d.store.LogSendBatch(ctx, sendRecordID, idx, accepted, failed, messageID, errMsg); err != nil {
		logger.Warn("batch log write failed", "send_record_id", sendRecordID.String(), "error", err.Error())
	}
}
