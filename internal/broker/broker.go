// Package broker wraps the RabbitMQ topic exchange the outbox publisher
// writes to and the processor reads from, grounded on original_source's
// outbox-publisher/app/worker.py (_connect/_ensure_topology/publish) and
// processor/app/worker.py's consumer setup.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/sb-analytics/pipeline/internal/routing"
)

// Broker owns the AMQP connection and channel and declares the shared
// topology (one durable topic exchange, one durable queue per routing
// key, bound 1:1). It watches the connection for an unexpected close and
// redials, re-declaring topology, so a network blip or broker restart
// doesn't require a process restart (spec.md §4.4: "The publisher
// re-declares topology on reconnect").
type Broker struct {
	url      string
	exchange string
	log      zerolog.Logger

	mu   sync.RWMutex
	conn *amqp.Connection
	ch   *amqp.Channel

	closed chan struct{}
}

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// Dial connects to the broker, opens a channel in publisher-confirm
// mode, declares the exchange + queue + binding topology, and starts a
// background watcher that redials on an unexpected connection close.
// Safe to call from every binary at boot: declarations are idempotent.
func Dial(url, exchange string, log zerolog.Logger) (*Broker, error) {
	b := &Broker{url: url, exchange: exchange, log: log, closed: make(chan struct{})}
	if err := b.connect(); err != nil {
		return nil, err
	}
	go b.watch()
	return b, nil
}

// connect dials a fresh connection and channel, enables publisher
// confirms, swaps them in as the broker's active pair, and re-declares
// topology against the new channel.
func (b *Broker) connect() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("broker: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck
		return fmt.Errorf("broker: open channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()   //nolint:errcheck
		conn.Close() //nolint:errcheck
		return fmt.Errorf("broker: enable publisher confirms: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.ch = ch
	b.mu.Unlock()

	if err := b.declareTopology(); err != nil {
		return err
	}
	return nil
}

// watch blocks on the current connection's close notification and, on
// an unexpected close, redials with backoff until connect succeeds.
// Exits once Close is called.
func (b *Broker) watch() {
	for {
		b.mu.RLock()
		conn := b.conn
		b.mu.RUnlock()

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-b.closed:
			return
		case err := <-notify:
			b.log.Warn().Err(err).Msg("broker: connection closed, reconnecting")
		}

		select {
		case <-b.closed:
			return
		default:
			b.reconnectWithBackoff()
		}
	}
}

func (b *Broker) reconnectWithBackoff() {
	delay := reconnectBaseDelay
	for {
		if err := b.connect(); err == nil {
			b.log.Info().Msg("broker: reconnected and re-declared topology")
			return
		} else {
			b.log.Error().Err(err).Dur("retry_in", delay).Msg("broker: reconnect attempt failed")
		}

		select {
		case <-b.closed:
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// channel returns the currently active channel. Callers never see a
// nil channel: Dial only returns once the first connect succeeds, and
// connect only swaps in a new channel on success, so the field always
// holds either the live channel or the last one before a disconnect
// (whose calls fail with amqp.ErrClosed until the watcher reconnects).
func (b *Broker) channel() *amqp.Channel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ch
}

// protectedQueues carries the spec.md §6 "protective policy" (24h TTL,
// 100000 max length, drop-head overflow) — the raw queue has no
// consumer and the DLQ only drains on operator intervention, so both
// are the ones that can grow unbounded if left undeclared.
var protectedQueues = map[string]bool{
	routing.TopicRaw: true,
	routing.TopicDLQ: true,
}

func queueArgs(key string) amqp.Table {
	if !protectedQueues[key] {
		return nil
	}
	return amqp.Table{
		"x-message-ttl": int32(24 * time.Hour / time.Millisecond),
		"x-max-length":  int32(100000),
		"x-overflow":    "drop-head",
	}
}

// declareTopology runs against b.ch as set by the most recent connect
// call. It is only ever invoked from connect itself, so there is no
// concurrent writer to race against.
func (b *Broker) declareTopology() error {
	if err := b.ch.ExchangeDeclare(b.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare exchange: %w", err)
	}

	for _, key := range routing.AllTopics() {
		queue := routing.QueueName(key)
		if _, err := b.ch.QueueDeclare(queue, true, false, false, false, queueArgs(key)); err != nil {
			return fmt.Errorf("broker: declare queue %s: %w", queue, err)
		}
		if err := b.ch.QueueBind(queue, key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("broker: bind queue %s: %w", queue, err)
		}
	}
	return nil
}

// Publish sends a persistent JSON message with the given routing key,
// waiting for the broker's publisher confirm before returning. Against
// a channel left over from a connection that has since dropped, this
// fails with amqp.ErrClosed; callers already treat a publish failure as
// transient and retry with backoff, which gives the watcher time to
// reconnect.
func (b *Broker) Publish(ctx context.Context, routingKey string, body []byte, headers amqp.Table) error {
	confirm, err := b.channel().PublishWithDeferredConfirmWithContext(ctx, b.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("broker: publish: %w", err)
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("broker: wait for confirm: %w", err)
	}
	if !ok {
		return fmt.Errorf("broker: publish to %s nacked by broker", routingKey)
	}
	return nil
}

// Consume starts consuming a queue bound to routingKey against the
// currently active channel. autoAck is false: the processor acks/nacks
// explicitly once it has classified the delivery's outcome. The
// returned channel closes when its underlying AMQP channel closes
// (including on a broker-side disconnect); callers that need to survive
// a reconnect must call Consume again to get a delivery channel bound
// to the new one.
func (b *Broker) Consume(ctx context.Context, routingKey, consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	ch := b.channel()
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("broker: set qos: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, routing.QueueName(routingKey), consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: consume %s: %w", routingKey, err)
	}
	return deliveries, nil
}

// Channel exposes the currently active AMQP channel for callers (e.g.
// the processor's retry republish path) that need lower-level access.
func (b *Broker) Channel() *amqp.Channel {
	return b.channel()
}

// Close stops the reconnect watcher and tears down the active channel
// and connection.
func (b *Broker) Close() error {
	close(b.closed)

	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	if b.ch != nil {
		if err := b.ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
