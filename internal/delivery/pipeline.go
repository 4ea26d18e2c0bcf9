package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/loftpress/newsletter-engine/internal/newsletter"
	"github.com/loftpress/newsletter-engine/internal/pkg/logger"
)

// Send precondition and lifecycle errors
var (
	ErrNotFound       = errors.New("newsletter not found")
	ErrNotCompiled    = errors.New("newsletter has not been compiled")
	ErrNotSendable    = errors.New("newsletter is not in a sendable status")
	ErrNoRecipients   = errors.New("no active subscribers resolved for the given lists")
	ErrSendInProgress = errors.New("a send for this newsletter is already running")
)

// Store is the persistence surface the pipeline needs. Implemented by
// the newsletter store.
type Store interface {
	GetNewsletter(ctx context.Context, id uuid.UUID) (*newsletter.Newsletter, error)
	UpdateNewsletterStatus(ctx context.Context, id uuid.UUID, status string) error
	MarkNewsletterSent(ctx context.Context, id uuid.UUID, recipients, sent int) error
	CreateSendRecord(ctx context.Context, rec *newsletter.SendRecord) error
	FinalizeSendRecord(ctx context.Context, id uuid.UUID, status string, sent, failed int, errs []string, elapsed time.Duration) error
}

// Locker guards one newsletter's send against concurrent invocations.
// Satisfied by the distlock package.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LockFactory builds a Locker for a key. A nil factory disables
// locking (single-instance deployments, tests).
type LockFactory func(key string) Locker

// Scheduler accepts deferred sends. The pipeline only records intent;
// an external trigger fires the scheduled send at the requested time.
type Scheduler interface {
	Schedule(ctx context.Context, sendRecordID uuid.UUID, at time.Time) error
}

// SendOptions parameterizes one send invocation
type SendOptions struct {
	ListIDs    []uuid.UUID
	ABTest     newsletter.ABTestConfig
	ScheduleAt *time.Time
}

// Pipeline owns the send lifecycle for a newsletter
type Pipeline struct {
	store      Store
	resolver   *Resolver
	dispatcher *Dispatcher
	scheduler  Scheduler
	lockFor    LockFactory
	rng        *rand.Rand
}

// NewPipeline creates a pipeline. rng drives the A/B shuffle; pass a
// seeded source for deterministic group assignment in tests, or nil
// for a time-seeded one.
func NewPipeline(store Store, resolver *Resolver, dispatcher *Dispatcher, scheduler Scheduler, lockFor LockFactory, rng *rand.Rand) *Pipeline {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Pipeline{
		store:      store,
		resolver:   resolver,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		lockFor:    lockFor,
		rng:        rng,
	}
}

// Send runs one delivery of the newsletter to the given lists. It
// returns the send record in its terminal (or scheduled) state.
func (p *Pipeline) Send(ctx context.Context, newsletterID uuid.UUID, opts SendOptions) (*newsletter.SendRecord, error) {
	n, err := p.store.GetNewsletter(ctx, newsletterID)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, ErrNotFound
	}
	if n.CompiledHTML == "" {
		return nil, ErrNotCompiled
	}
	if n.Status != newsletter.StatusReadyToSend && n.Status != newsletter.StatusSent {
		return nil, ErrNotSendable
	}

	recipients, err := p.resolver.Resolve(ctx, opts.ListIDs)
	if err != nil {
		return nil, fmt.Errorf("recipient resolution failed: %w", err)
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	if p.lockFor != nil {
		lock := p.lockFor("newsletter-send:" + newsletterID.String())
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("send lock: %w", err)
		}
		if !acquired {
			return nil, ErrSendInProgress
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("send lock release failed", "newsletter_id", newsletterID.String(), "error", err.Error())
			}
		}()
	}

	// Deferred path: persist intent and hand off to the scheduler
	if opts.ScheduleAt != nil && opts.ScheduleAt.After(time.Now()) {
		rec := &newsletter.SendRecord{
			NewsletterID:      newsletterID,
			Status:            newsletter.SendScheduled,
			TotalRecipients:   len(recipients),
			ABTestEnabled:     opts.ABTest.Enabled,
			ABSplitPercentage: opts.ABTest.SplitPercentage,
			ABVariantSubject:  opts.ABTest.VariantSubject,
			ScheduledAt:       opts.ScheduleAt,
		}
		if err := p.store.CreateSendRecord(ctx, rec); err != nil {
			return nil, err
		}
		if p.scheduler != nil {
			if err := p.scheduler.Schedule(ctx, rec.ID, *opts.ScheduleAt); err != nil {
				return nil, fmt.Errorf("schedule send: %w", err)
			}
		}
		logger.Info("send scheduled",
			"newsletter_id", newsletterID.String(),
			"send_record_id", rec.ID.String(),
			"at", opts.ScheduleAt.Format(time.RFC3339))
		return rec, nil
	}

	started := time.Now()
	rec := &newsletter.SendRecord{
		NewsletterID:      newsletterID,
		Status:            newsletter.SendSending,
		TotalRecipients:   len(recipients),
		ABTestEnabled:     opts.ABTest.Enabled,
		ABSplitPercentage: opts.ABTest.SplitPercentage,
		ABVariantSubject:  opts.ABTest.VariantSubject,
		StartedAt:         &started,
	}
	if err := p.store.CreateSendRecord(ctx, rec); err != nil {
		return nil, err
	}
	if err := p.store.UpdateNewsletterStatus(ctx, newsletterID, newsletter.StatusSending); err != nil {
		return nil, err
	}

	result := p.run(ctx, n, rec, recipients, opts.ABTest)
	elapsed := time.Since(started)

	status := newsletter.SendCompleted
	if len(result.Errors) > 0 {
		status = newsletter.SendCompletedWithErrors
	}
	if err := p.store.FinalizeSendRecord(ctx, rec.ID, status, result.Sent, result.Failed, result.Errors, elapsed); err != nil {
		p.failSend(ctx, newsletterID, rec.ID, result, err, elapsed)
		return nil, fmt.Errorf("finalize send record: %w", err)
	}
	if err := p.store.MarkNewsletterSent(ctx, newsletterID, len(recipients), result.Sent); err != nil {
		p.failSend(ctx, newsletterID, rec.ID, result, err, elapsed)
		return nil, fmt.Errorf("mark newsletter sent: %w", err)
	}

	rec.Status = status
	rec.SentCount = result.Sent
	rec.FailedCount = result.Failed
	rec.ProgressPercentage = 100
	rec.ProcessingTimeMS = elapsed.Milliseconds()

	logger.Info("send completed",
		"newsletter_id", newsletterID.String(),
		"send_record_id", rec.ID.String(),
		"status", status,
		"sent", result.Sent,
		"failed", result.Failed,
		"elapsed_ms", elapsed.Milliseconds())
	return rec, nil
}

// failSend forces the send record and newsletter to failed when an
// error escapes after dispatch. The writes are best effort, the
// escaping error is what the caller sees.
func (p *Pipeline) failSend(ctx context.Context, newsletterID, recID uuid.UUID, result *DispatchResult, cause error, elapsed time.Duration) {
	logger.Error("send finalization failed",
		"newsletter_id", newsletterID.String(),
		"send_record_id", recID.String(),
		"error", cause.Error())
	_ = p.store.FinalizeSendRecord(ctx, recID, newsletter.SendFailed, result.Sent, result.Failed,
		append(result.Errors, cause.Error()), elapsed)
	_ = p.store.UpdateNewsletterStatus(ctx, newsletterID, newsletter.StatusFailed)
}

// run dispatches either the plain path or the A/B grouped path
func (p *Pipeline) run(ctx context.Context, n *newsletter.Newsletter, rec *newsletter.SendRecord, recipients []Recipient, ab newsletter.ABTestConfig) *DispatchResult {
	msg := &Message{
		NewsletterID: n.ID,
		SendRecordID: rec.ID,
		Subject:      n.Subject,
		FromName:     n.FromName,
		FromEmail:    n.FromEmail,
		ReplyTo:      n.ReplyTo,
		HTML:         n.CompiledHTML,
		Plain:        n.CompiledPlain,
		// The unsubscribe_url tag resolves per recipient at transport
		// substitution time, same as in the body footer.
		Headers: map[string]string{
			"List-Unsubscribe":      "<{{unsubscribe_url}}>",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		},
	}

	if !ab.Enabled || ab.SplitPercentage <= 0 || ab.VariantSubject == "" {
		return p.dispatcher.Dispatch(ctx, msg, recipients)
	}

	groupA, groupB, remainder := p.splitGroups(recipients, ab.SplitPercentage)
	logger.Info("a/b split",
		"newsletter_id", n.ID.String(),
		"group_a", len(groupA),
		"group_b", len(groupB),
		"remainder", len(remainder))

	// Each group continues the same send record, so the dispatcher gets
	// the running totals and the overall recipient count.
	overall := len(recipients)
	total := &DispatchResult{}
	accumulate := func(r *DispatchResult) {
		total.Sent += r.Sent
		total.Failed += r.Failed
		total.Errors = append(total.Errors, r.Errors...)
	}

	accumulate(p.dispatcher.DispatchGroup(ctx, msg, groupA, *total, overall))

	variantMsg := *msg
	variantMsg.Subject = ab.VariantSubject
	accumulate(p.dispatcher.DispatchGroup(ctx, &variantMsg, groupB, *total, overall))

	accumulate(p.dispatcher.DispatchGroup(ctx, msg, remainder, *total, overall))
	return total
}

// splitGroups shuffles recipients and cuts two equal test groups of
// floor(total*pct/100); the rest stays on the original subject.
func (p *Pipeline) splitGroups(recipients []Recipient, pct int) (groupA, groupB, remainder []Recipient) {
	shuffled := make([]Recipient, len(recipients))
	copy(shuffled, recipients)
	p.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	size := len(shuffled) * pct / 100
	if 2*size > len(shuffled) {
		size = len(shuffled) / 2
	}
	return shuffled[:size], shuffled[size : 2*size], shuffled[2*size:]
}
