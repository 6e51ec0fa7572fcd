package notify

import (
	"context"
	"time"

	"brokercore/internal/metrics"

	"go.uber.org/zap"
)

// Notifier drains the outbox into a Sink.
type Notifier struct {
	outbox   Outbox
	sink     Sink
	log      *zap.Logger
	interval time.Duration
	batch    int
}

func NewNotifier(outbox Outbox, sink Sink, log *zap.Logger, interval time.Duration) *Notifier {
	if interval <= 0 {
		interval = time.Second
	}
	return &Notifier{outbox: outbox, sink: sink, log: log, interval: interval, batch: 100}
}

func (n *Notifier) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := n.Drain(ctx); err != nil && ctx.Err() == nil {
				n.log.Warn("outbox drain failed", zap.Error(err))
			}
		}
	}
}

// Drain publishes one batch. Events are marked only after the sink accepted
// them, so a crash in between redelivers.
func (n *Notifier) Drain(ctx context.Context) (int, error) {
	events, err := n.outbox.Unpublished(ctx, n.batch)
	if err != nil {
		return 0, err
	}
	var done []string
	for _, ev := range events {
		if err := n.sink.Notify(ctx, ev.UserID, ev.Kind, ev.Payload); err != nil {
			metrics.OutboxPublished.WithLabelValues("error").Inc()
			n.log.Warn("notify failed",
				zap.String("event_id", ev.ID),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
			break
		}
		metrics.OutboxPublished.WithLabelValues("ok").Inc()
		done = append(done, ev.ID)
	}
	if err := n.outbox.MarkPublished(ctx, done); err != nil {
		return 0, err
	}
	return len(done), nil
}
