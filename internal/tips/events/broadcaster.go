// Package events is the engine's event edge: a Redis pub/sub broadcaster for
// outbound notifications and a deduplicating consumer for the inbound POS
// event stream.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/copperleaf-pos/copperleaf-pos/internal/observability"
)

// Broadcaster publishes ledger notifications over Redis pub/sub. Broadcasts
// are fire-and-forget: a dead Redis never fails the money path, it only logs
// and counts.
type Broadcaster struct {
	rdb     *redis.Client
	prefix  string
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewBroadcaster constructs the broadcaster. Channel names are
// prefix + event, e.g. "copperleaf:ledger.allocated".
func NewBroadcaster(rdb *redis.Client, prefix string, metrics *observability.Metrics, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{rdb: rdb, prefix: prefix, metrics: metrics, logger: logger}
}

type envelope struct {
	Event   string    `json:"event"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Publish sends one notification. Errors are swallowed after logging.
func (b *Broadcaster) Publish(ctx context.Context, event string, payload any) {
	body, err := json.Marshal(envelope{Event: event, At: time.Now(), Payload: payload})
	if err != nil {
		b.fail(event, err)
		return
	}
	if err := b.rdb.Publish(ctx, b.prefix+event, body).Err(); err != nil {
		b.fail(event, err)
	}
}

func (b *Broadcaster) fail(event string, err error) {
	b.logger.Error("broadcast event", slog.Any("error", err), slog.String("event", event))
	if b.metrics != nil {
		b.metrics.BroadcastFailures.Inc()
	}
}
