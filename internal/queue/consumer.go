package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Notifier receives decoded events.  The outbound user channel (SMS) plugs
// in here.
type Notifier interface {
	Notify(ctx context.Context, ev TurnCompletedEvent) error
}

// LogNotifier writes one structured log line per event.
type LogNotifier struct{ Log zerolog.Logger }

func (n LogNotifier) Notify(_ context.Context, ev TurnCompletedEvent) error {
	n.Log.Info().
		Str("user_id", ev.UserID).
		Str("session_id", ev.SessionID).
		Uint64("audit_id", ev.AuditID).
		Str("status", ev.Status).
		Str("action_type", ev.ActionType).
		Str("error_kind", ev.ErrorKind).
		Int("tokens_used", ev.TokensUsed).
		Time("completed_at", ev.CompletedAt).
		Msg("turn completed")
	return nil
}

// Consumer drains the turn-completed queue into a Notifier.
type Consumer struct {
	URL      string
	Queue    string
	Notifier Notifier
}

// Run connects, declares the durable queue and consumes until ctx is
// cancelled, reconnecting with exponential backoff when the broker goes
// away.
func (c *Consumer) Run(ctx context.Context) error {
	log := zerolog.Ctx(ctx)
	queue := c.Queue
	if queue == "" {
		queue = TurnCompletedQueue
	}
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.URL)
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("turn-consumer: failed to dial broker")
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn, queue)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Msg("turn-consumer: consume loop ended; reconnecting")
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection, queue string) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("turn-consumer: set QoS failed")
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.handle(ctx, d.Body); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("turn-consumer: handle message failed")
				_ = d.Nack(false, false) // do not requeue to avoid tight loops
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, body []byte) error {
	var ev TurnCompletedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.UserID == "" {
		return errors.New("event without user id")
	}
	return c.Notifier.Notify(ctx, ev)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
