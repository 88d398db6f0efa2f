package channel

import (
	"context"
	"log/slog"
	"time"

	"courier/internal/bus"
	"courier/internal/domain"
	"courier/internal/ledger"
	"courier/internal/queue"
)

const defaultHeartbeatInterval = 30 * time.Minute

// Heartbeat enqueues a periodic prompt so the agent stays active without
// external traffic. Responses come back through the same outgoing
// directory as any other channel; the heartbeat just logs and acks them.
type Heartbeat struct {
	interval time.Duration
	message  string
	agent    string

	store  *queue.Store
	ledger *ledger.Ledger
	events *bus.EventBus
	logger *slog.Logger
}

type HeartbeatConfig struct {
	Interval time.Duration
	Message  string
	Agent    string
	Store    *queue.Store
	Ledger   *ledger.Ledger
	Events   *bus.EventBus
	Logger   *slog.Logger
}

func NewHeartbeat(cfg HeartbeatConfig) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHeartbeatInterval
	}
	if cfg.Message == "" {
		cfg.Message = "Heartbeat check-in. Anything that needs attention?"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Heartbeat{
		interval: cfg.Interval,
		message:  cfg.Message,
		agent:    cfg.Agent,
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		events:   cfg.Events,
		logger:   cfg.Logger,
	}
}

func (h *Heartbeat) Name() string { return "heartbeat" }

// Start runs the beat and drain loops until ctx is cancelled.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.logger.Info("heartbeat started", "interval", h.interval)

	beat := time.NewTicker(h.interval)
	defer beat.Stop()
	drain := time.NewTicker(outboxPollInterval)
	defer drain.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("heartbeat stopped")
			return nil
		case <-beat.C:
			h.Beat()
		case <-drain.C:
			h.drainOutbox(ctx)
		}
	}
}

// Beat enqueues one heartbeat prompt.
func (h *Heartbeat) Beat() {
	msg := domain.IncomingMessage{
		Channel:   domain.ChannelHeartbeat,
		Sender:    "system",
		SenderID:  "heartbeat",
		Message:   h.message,
		Timestamp: domain.NowMillis(),
		MessageID: domain.NewMessageID(),
		Agent:     h.agent,
	}
	if err := h.store.Enqueue(msg); err != nil {
		h.logger.Error("cannot enqueue heartbeat", "err", err)
		return
	}
	h.logger.Debug("heartbeat enqueued", "message_id", msg.MessageID)
}

func (h *Heartbeat) drainOutbox(ctx context.Context) {
	entries, err := h.store.PollOutgoing(domain.ChannelHeartbeat)
	if err != nil {
		h.logger.Error("heartbeat outbox poll failed", "err", err)
		return
	}
	for _, entry := range entries {
		msg := entry.Message
		h.logger.Info("heartbeat response",
			"message_id", msg.MessageID, "response_len", len(msg.Message))

		if err := h.ledger.RecordDelivered(ctx, msg); err != nil {
			h.logger.Error("cannot record heartbeat response", "err", err)
		}
		if err := h.store.AckOutgoing(entry.Path); err != nil {
			h.logger.Error("cannot ack heartbeat response", "err", err)
			continue
		}
		if h.events != nil {
			h.events.Emit(bus.MessageEvent(bus.EventDelivered, "heartbeat", msg.Channel, msg.MessageID))
		}
	}
}
