package delivery

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/loftpress/newsletter-engine/internal/newsletter"
)

// SubscriberSource yields active subscribers for a set of mailing
// lists. Implemented by the newsletter store.
type SubscriberSource interface {
	ResolveActiveSubscribers(ctx context.Context, listIDs []uuid.UUID) ([]*newsletter.Subscriber, error)
}

// Resolver turns mailing-list ids into a deduplicated recipient set
type Resolver struct {
	source SubscriberSource
}

// NewResolver creates a resolver
func NewResolver(source SubscriberSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve fetches active subscribers across the given lists and
// deduplicates them by lower-cased email, first occurrence winning.
// An empty result is not an error here; the pipeline treats it as a
// send blocker.
func (r *Resolver) Resolve(ctx context.Context, listIDs []uuid.UUID) ([]Recipient, error) {
	subs, err := r.source.ResolveActiveSubscribers(ctx, listIDs)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(subs))
	recipients := make([]Recipient, 0, len(subs))
	for _, sub := range subs {
		email := strings.ToLower(strings.TrimSpace(sub.Email))
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true
		recipients = append(recipients, Recipient{
			SubscriberID: sub.ID,
			Email:        sub.Email,
			FirstName:    sub.FirstName,
			LastName:     sub.LastName,
		})
	}
	return recipients, nil
}
