// Package brokertest provides a hand-written fake of broker.Channel for
// unit tests across the dispatcher, rpcclient, and qos packages. There is
// no AMQP test double in the example pack to ground this on; it mirrors
// only the narrow surface broker.Channel exposes.
package brokertest

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// PublishedMessage records one call to FakeChannel.Publish.
type PublishedMessage struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

// FakeChannel is an in-memory stand-in for broker.Channel.
type FakeChannel struct {
	mu sync.Mutex

	Published []PublishedMessage
	PublishErr error

	// QueueDepths lets tests control QueueInspect's reported message
	// count per queue name.
	QueueDepths map[string]int

	declared map[string]amqp.Table
	consumers map[string]chan amqp.Delivery
}

// NewFakeChannel constructs an empty FakeChannel.
func NewFakeChannel() *FakeChannel {
	return &FakeChannel{
		QueueDepths: map[string]int{},
		declared:    map[string]amqp.Table{},
		consumers:   map[string]chan amqp.Delivery{},
	}
}

func (f *FakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishErr != nil {
		return f.PublishErr
	}
	f.Published = append(f.Published, PublishedMessage{Exchange: exchange, Key: key, Msg: msg})

	// If a consumer is registered on this routing key (used as a queue
	// name for the default exchange in this module), deliver the message
	// so tests can drive end-to-end consume paths.
	if ch, ok := f.consumers[key]; ok {
		ch <- amqp.Delivery{
			Body:          msg.Body,
			Headers:       msg.Headers,
			CorrelationId: msg.CorrelationId,
			ReplyTo:       msg.ReplyTo,
			Priority:      msg.Priority,
			DeliveryMode:  msg.DeliveryMode,
		}
	}
	return nil
}

func (f *FakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.consumers[queue]
	if !ok {
		ch = make(chan amqp.Delivery, 16)
		f.consumers[queue] = ch
	}
	return ch, nil
}

func (f *FakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared[name] = args
	return amqp.Queue{Name: name, Messages: f.QueueDepths[name]}, nil
}

func (f *FakeChannel) QueueInspect(name string) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return amqp.Queue{Name: name, Messages: f.QueueDepths[name]}, nil
}

func (f *FakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return nil
}

func (f *FakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.consumers {
		close(ch)
	}
	return nil
}

// Deliver pushes a synthetic delivery onto queue's consume channel,
// registering the channel first if Consume hasn't been called yet.
func (f *FakeChannel) Deliver(queue string, d amqp.Delivery) {
	f.mu.Lock()
	ch, ok := f.consumers[queue]
	if !ok {
		ch = make(chan amqp.Delivery, 16)
		f.consumers[queue] = ch
	}
	f.mu.Unlock()
	ch <- d
}

// DeclaredArgs returns the arguments a queue was declared with, for
// assertions against the exact per-queue argument contract.
func (f *FakeChannel) DeclaredArgs(name string) (amqp.Table, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	args, ok := f.declared[name]
	return args, ok
}

// LastPublished returns the most recent Publish call, or nil if none.
func (f *FakeChannel) LastPublished() *PublishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Published) == 0 {
		return nil
	}
	last := f.Published[len(f.Published)-1]
	return &last
}
