// Package processor drives the single-consumer loop: claim the oldest
// incoming message, run inference, publish the response, and apply the
// retry policy on failure. One processor per queue; the claim rename makes
// accidental extras harmless.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"courier/internal/bus"
	"courier/internal/domain"
	"courier/internal/ledger"
	"courier/internal/queue"
)

const (
	defaultPollInterval     = time.Second
	defaultMaxResponseChars = 4000

	// truncationSlack leaves room for the truncation marker inside the
	// response budget.
	truncationSlack   = 100
	truncationMarker  = "[Message truncated...]"
	reasonUnparseable = "unparseable"
)

// Config wires a Processor. Store, Ledger and Engine are required.
type Config struct {
	Store  *queue.Store
	Ledger *ledger.Ledger
	Engine domain.Inference
	Events *bus.EventBus
	Policy RetryPolicy

	PollInterval     time.Duration
	MaxResponseChars int
	Logger           *slog.Logger
}

// Processor is the queue consumer.
type Processor struct {
	store   *queue.Store
	ledger  *ledger.Ledger
	engine  domain.Inference
	events  *bus.EventBus
	policy  RetryPolicy
	poll    time.Duration
	maxResp int
	logger  *slog.Logger
}

// New builds a Processor from its configuration, applying defaults for
// unset knobs.
func New(cfg Config) *Processor {
	p := &Processor{
		store:   cfg.Store,
		ledger:  cfg.Ledger,
		engine:  cfg.Engine,
		events:  cfg.Events,
		policy:  cfg.Policy,
		poll:    cfg.PollInterval,
		maxResp: cfg.MaxResponseChars,
		logger:  cfg.Logger,
	}
	if p.poll <= 0 {
		p.poll = defaultPollInterval
	}
	if p.maxResp <= 0 {
		p.maxResp = defaultMaxResponseChars
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Run polls the queue until ctx is cancelled. Each tick drains every
// waiting message before sleeping again.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("processor started", "engine", p.engine.Name(), "poll_interval", p.poll)
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("processor stopped")
			return nil
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick claims and handles messages until the incoming directory is empty.
// Exported so tests and one-shot tooling can drive the loop directly.
func (p *Processor) Tick(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		claimed, err := p.store.ClaimNext()
		if err != nil {
			p.logger.Error("claim failed", "err", err)
			return
		}
		if claimed == nil {
			return
		}
		p.handle(ctx, claimed)
	}
}

func (p *Processor) handle(ctx context.Context, c *queue.Claimed) {
	if c.ParseErr != nil {
		p.deadLetterUnparseable(ctx, c)
		return
	}
	msg := *c.Message

	result, err := p.engine.Run(ctx, msg)
	if err != nil {
		p.handleFailure(ctx, msg, err)
		return
	}

	out := domain.OutgoingMessage{
		Channel:         msg.Channel,
		Sender:          msg.Sender,
		Message:         p.truncate(result.Text),
		OriginalMessage: msg.Message,
		Timestamp:       domain.NowMillis(),
		MessageID:       msg.MessageID,
		Agent:           msg.Agent,
	}

	// Write the response before deleting the request. A crash between the
	// two leaves a duplicate, never a loss.
	if err := p.store.EnqueueOutgoing(out); err != nil {
		p.logger.Error("cannot write response, leaving message in processing",
			"message_id", msg.MessageID, "err", err)
		return
	}
	if err := p.store.Complete(msg.MessageID); err != nil {
		p.logger.Error("cannot remove completed message", "message_id", msg.MessageID, "err", err)
		return
	}
	p.emit(bus.MessageEvent(bus.EventCompleted, "processor", msg.Channel, msg.MessageID))
	p.logger.Info("message processed", "channel", msg.Channel, "message_id", msg.MessageID)

	p.recordTelemetry(ctx, result)
}

// handleFailure applies the retry policy to a failed attempt.
func (p *Processor) handleFailure(ctx context.Context, msg domain.IncomingMessage, cause error) {
	attemptNo := msg.Attempts + 1
	permanent := errors.Is(cause, domain.ErrPermanent)

	switch p.policy.Decide(attemptNo, permanent) {
	case DecisionRetry:
		p.logger.Warn("attempt failed, requeueing",
			"message_id", msg.MessageID, "attempt", attemptNo, "err", cause)
		if err := p.store.Requeue(msg.MessageID); err != nil {
			// The file stays in processing for manual recovery.
			p.logger.Error("requeue failed, leaving message in processing",
				"message_id", msg.MessageID, "err", err)
		}
	case DecisionDeadLetter:
		msg.Attempts = attemptNo
		reason := cause.Error()
		if !permanent {
			reason = fmt.Sprintf("retry budget exhausted after %d attempts: %v", attemptNo, cause)
		}
		p.deadLetter(ctx, msg, reason)
	}
}

// deadLetter records the message in the ledger and only then removes the
// processing file. A ledger failure leaves the file in place so nothing is
// lost.
func (p *Processor) deadLetter(ctx context.Context, msg domain.IncomingMessage, reason string) {
	id, err := p.ledger.DeadLetter(ctx, msg, reason)
	if err != nil {
		p.logger.Error("cannot record dead letter, leaving message in processing",
			"message_id", msg.MessageID, "err", err)
		return
	}
	if err := p.store.Complete(msg.MessageID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		p.logger.Error("cannot remove dead-lettered message", "message_id", msg.MessageID, "err", err)
	}
	p.emit(bus.MessageEvent(bus.EventDeadLettered, "processor", msg.Channel, msg.MessageID))
	p.logger.Warn("message dead-lettered",
		"message_id", msg.MessageID, "dead_letter_id", id, "reason", reason)
}

// deadLetterUnparseable handles a claim whose payload failed validation.
// Retrying cannot fix a broken file, so it goes straight to the ledger
// with the raw bytes preserved in the message body.
func (p *Processor) deadLetterUnparseable(ctx context.Context, c *queue.Claimed) {
	msg := domain.IncomingMessage{
		Channel:   c.Channel,
		Message:   string(c.Raw),
		Timestamp: domain.NowMillis(),
		MessageID: c.MessageID,
	}
	p.deadLetter(ctx, msg, fmt.Sprintf("%s: %v", reasonUnparseable, c.ParseErr))
}

// recordTelemetry persists usage and rate-limit observations. These are
// advisory; failures are logged and never affect the message outcome.
func (p *Processor) recordTelemetry(ctx context.Context, result *domain.InferenceResult) {
	if result.Usage != nil {
		if err := p.ledger.RecordUsage(ctx, *result.Usage); err != nil {
			p.logger.Warn("cannot record token usage", "err", err)
		}
	}
	if result.RateLimit != nil {
		if err := p.ledger.RecordRateLimit(ctx, *result.RateLimit); err != nil {
			p.logger.Warn("cannot record rate limit", "err", err)
		}
	}
}

// truncate enforces the response size cap. Oversized text is cut short of
// the cap and a marker appended, so the final string still fits.
func (p *Processor) truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= p.maxResp {
		return text
	}
	cut := p.maxResp - truncationSlack
	if cut < 0 {
		cut = 0
	}
	return string(runes[:cut]) + "\n\n" + truncationMarker
}

func (p *Processor) emit(event bus.Event) {
	if p.events != nil {
		p.events.Emit(event)
	}
}
