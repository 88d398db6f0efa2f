// Package channel holds the adapters that bridge external messaging
// platforms to the queue. Every adapter follows the same shape: inbound
// traffic becomes incoming queue files, and a poll loop drains the
// outgoing directory, delivers, records the delivery in the ledger and
// only then acks the file.
package channel

import (
	"context"
	"time"
)

// Adapter is a messaging platform bridge. Start blocks until ctx is
// cancelled.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
}

// outboxPollInterval is how often adapters scan outgoing/ for responses
// addressed to their channel.
const outboxPollInterval = time.Second
