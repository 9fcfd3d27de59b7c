// Package events publishes best-effort lifecycle notifications
// (workspace assigned, released, pool expanded) to RabbitMQ, grounded
// on profile-service's internal/event/publisher.go: declare-then-
// publish on a persistent, JSON-bodied message, with published/failed
// counters and a health check that never blocks the caller.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const lifecycleQueue = "sprite-agent.events"

// LifecycleEvent is published whenever a workspace changes custody.
type LifecycleEvent struct {
	Kind          string    `json:"kind"` // "assigned" | "released" | "pool_expanded" | "unreachable"
	WorkspaceName string    `json:"workspace_name"`
	Username      string    `json:"username,omitempty"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher is a best-effort RabbitMQ publisher. A nil *Publisher is
// valid and every method becomes a no-op, so the agent runs without
// RabbitMQ configured.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	logger  *slog.Logger

	published int64
	failed    int64
}

// Dial connects to RabbitMQ. If url is empty, it returns a nil
// Publisher (disabled) and no error.
func Dial(url, queue string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if url == "" {
		return nil, nil
	}
	if queue == "" {
		queue = lifecycleQueue
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	return &Publisher{conn: conn, channel: ch, queue: queue, logger: logger}, nil
}

// Publish sends a lifecycle event. Failures are logged and counted,
// never returned, so a broker outage never stalls task processing.
func (p *Publisher) Publish(ctx context.Context, event LifecycleEvent) {
	if p == nil {
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		p.failed++
		p.logger.Error("marshal lifecycle event", "error", err)
		return
	}

	err = p.channel.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
	if err != nil {
		p.failed++
		p.logger.Error("publish lifecycle event", "kind", event.Kind, "error", err)
		return
	}
	p.published++
}

// HealthCheck reports whether the underlying connection looks alive.
func (p *Publisher) HealthCheck() bool {
	if p == nil {
		return true
	}
	return p.conn != nil && !p.conn.IsClosed()
}

// Close releases the channel and connection, if any.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	if err := p.channel.Close(); err != nil {
		return err
	}
	return p.conn.Close()
}
