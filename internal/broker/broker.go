// Package broker wraps the AMQP connection this module's RPC protocol
// runs over, and defines the narrow Channel interface the dispatcher,
// rpcclient, and qos packages depend on instead of the concrete
// amqp091-go type, so they can be unit tested against hand-written fakes.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel this module exercises.
type Channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueInspect(name string) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

// Conn manages a reconnecting AMQP connection and exposes the active
// Channel. Reconnection is transparent to callers that re-fetch Channel()
// on each use rather than holding a stale reference across a reconnect.
type Conn struct {
	url string
	log *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel Channel
	closed  bool
}

// Dial opens the initial connection and channel, setting prefetch_count=1
// so a busy consumer never holds more than one unacked delivery at a time.
func Dial(ctx context.Context, url string, log *slog.Logger) (*Conn, error) {
	c := &Conn{url: url, log: log}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.watchAndReconnect(ctx)
	return c, nil
}

func (c *Conn) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()
	return nil
}

// watchAndReconnect blocks on the connection's close notification and
// reconnects with backoff until ctx is cancelled or Close is called.
func (c *Conn) watchAndReconnect(ctx context.Context) {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-ctx.Done():
			return
		case err, ok := <-closeCh:
			if !ok || c.isClosed() {
				return
			}
			c.log.Warn("broker connection lost, reconnecting", "error", err)
		}

		backoff := 500 * time.Millisecond
		for {
			if c.isClosed() {
				return
			}
			if err := c.connect(); err == nil {
				c.log.Info("broker reconnected")
				break
			} else {
				c.log.Warn("broker reconnect failed, retrying", "error", err, "backoff", backoff)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}
}

func (c *Conn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Channel returns the current active channel. Callers must re-fetch it
// after a TransientBrokerError rather than caching it across calls.
func (c *Conn) Channel() Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// IsOpen reports whether both the connection and channel are live, used
// by CheckConnection readiness probes.
func (c *Conn) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed() && c.channel != nil
}

// Close shuts down the channel and connection and stops reconnection.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	ch, conn := c.channel, c.conn
	c.mu.Unlock()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ModelQueueArgs returns the declaration arguments for a model's main
// RPC queue: priority-enabled, with queue and message TTL.
func ModelQueueArgs(maxPriority int, queueExpirationMS, messageExpirationMS int) amqp.Table {
	return amqp.Table{
		"x-max-priority": maxPriority,
		"x-expires":      queueExpirationMS,
		"x-message-ttl":  messageExpirationMS,
	}
}

// CompletionQueueArgs returns the declaration arguments for a model's
// `{model}_completed` queue: TTL only, no priority.
func CompletionQueueArgs(queueExpirationMS int) amqp.Table {
	return amqp.Table{"x-expires": queueExpirationMS}
}

// PrivateQueueArgs returns the declaration arguments for a
// `{model}_{organization}_private` queue: TTL only, matching
// CompletionQueueArgs' shape but kept distinct for call-site clarity.
func PrivateQueueArgs(queueExpirationMS int) amqp.Table {
	return amqp.Table{"x-expires": queueExpirationMS}
}
