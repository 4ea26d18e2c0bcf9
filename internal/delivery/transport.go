// Package delivery owns the send lifecycle: recipient resolution, A/B
// grouping, batched dispatch through an email transport, and progress
// tracking on the send record.
package delivery

import (
	"context"

	"github.com/google/uuid"
)

// Message is the shared payload of one send: one subject and body for
// every recipient in a chunk, personalized by the transport through
// per-recipient substitutions.
type Message struct {
	NewsletterID uuid.UUID
	SendRecordID uuid.UUID
	Subject      string
	FromName     string
	FromEmail    string
	ReplyTo      string
	HTML         string
	Plain        string
	Headers      map[string]string
}

// Personalization carries one recipient's address, merge-tag values,
// and correlation ids echoed back by delivery webhooks.
type Personalization struct {
	Email         string
	Substitutions map[string]string
	CustomArgs    map[string]string
}

// Result reports a transport-level batch call
type Result struct {
	Accepted  int
	MessageID string
}

// Transport sends one message to a chunk of recipients in a single
// provider call. An error means the whole chunk failed.
type Transport interface {
	SendBatch(ctx context.Context, msg *Message, persons []Personalization) (*Result, error)
	MaxBatchSize() int
}

// Recipient is a resolved, sendable subscriber
type Recipient struct {
	SubscriberID uuid.UUID
	Email        string
	FirstName    string
	LastName     string
}
