package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/models"
)

// Processor runs the alert decision for detection events.
type Processor struct {
	store     Store
	sender    Sender
	policy    Policy
	logger    *slog.Logger
	now       func() time.Time
	observers []Observer
}

// Option configures a Processor.
type Option func(*Processor)

// WithPolicy overrides the default thresholds.
func WithPolicy(p Policy) Option {
	return func(pr *Processor) { pr.policy = p }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(pr *Processor) { pr.now = now }
}

// WithObserver registers a callback run after each committed alert.
func WithObserver(o Observer) Option {
	return func(pr *Processor) { pr.observers = append(pr.observers, o) }
}

// NewProcessor creates a Processor backed by store and sender.
func NewProcessor(store Store, sender Sender, logger *slog.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		store:  store,
		sender: sender,
		policy: DefaultPolicy(),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Policy returns the thresholds in effect.
func (p *Processor) Policy() Policy { return p.policy }

// ProcessDetectionEvent notifies every eligible user about event.
//
// Read failures abort the run before anything else is sent. A failed send is
// counted and skipped without a record. A failed record write aborts the
// run; alerts committed earlier in the run stand. The partial Result is
// returned alongside any error.
func (p *Processor) ProcessDetectionEvent(ctx context.Context, event models.DetectionEvent) (result Result, err error) {
	start := time.Now()
	result = Result{EventID: event.ID, Disease: event.Disease}
	defer func() { result.Duration = time.Since(start) }()

	// 1. Confidence gate
	if !p.policy.PassesGate(event) {
		result.Gated = true
		p.logger.Debug("Detection below confidence gate",
			"event_id", event.ID, "confidence", event.Confidence)
		return result, nil
	}

	// 2. Duplicate window, fixed for the whole run
	cutoff := p.policy.Cutoff(p.now())

	// 3. Full scan of notifiable users
	users, err := p.store.ListNotifiableUsers(ctx)
	if err != nil {
		return result, fmt.Errorf("list notifiable users: %w", err)
	}
	result.Candidates = len(users)

	// 4. Decide, send and record per user
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if reason := p.policy.Screen(event, user); reason != Eligible {
			result.skip(reason)
			continue
		}

		recent, err := p.store.FindRecentAlert(ctx, user.ID, event.Disease, cutoff)
		if err != nil {
			return result, fmt.Errorf("find recent alert for user %d: %w", user.ID, err)
		}
		if IsDuplicate(recent, event.Disease, cutoff) {
			result.skip(Duplicate)
			continue
		}

		if err := p.sender.Send(ctx, user.Token(), NotificationTitle, NotificationBody); err != nil {
			p.logger.Warn("Push send failed",
				"event_id", event.ID, "user_id", user.ID, "error", err)
			result.SendFailed++
			continue
		}

		alert, err := p.store.InsertSentAlert(ctx, user.ID, event.Disease, p.now().UTC())
		if err != nil {
			// The push went out but is unrecorded; a replay may send it again.
			return result, fmt.Errorf("record alert for user %d: %w", user.ID, err)
		}
		result.RecordsWritten++

		for _, observe := range p.observers {
			observe(ctx, event, alert)
		}
	}

	p.logger.Info("Detection event processed",
		"summary", result.Summary(), "duration", time.Since(start).Round(time.Millisecond))
	return result, nil
}
