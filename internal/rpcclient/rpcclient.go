// Package rpcclient implements the Sender's RPC client and admission
// gate: it inspects queue depth before publishing, awaits a reply on the
// Sender's exclusive inbox, and signals completion on request finish.
package rpcclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nulpointcorp/vllm-gateway/internal/broker"
	"github.com/nulpointcorp/vllm-gateway/internal/dispatcher"
	"github.com/nulpointcorp/vllm-gateway/internal/model"
	"github.com/nulpointcorp/vllm-gateway/internal/pending"
)

// Outcome classifies the result of Call.
type Outcome int

const (
	Dispatched Outcome = iota
	QueueOverloaded
	Timeout
)

// Conn is the subset of *broker.Conn this client depends on, narrowed so
// it can be unit tested against a fake connection wrapping
// brokertest.FakeChannel instead of a live broker.
type Conn interface {
	Channel() broker.Channel
	IsOpen() bool
}

// Client is the Sender-side RPC client and admission gate.
type Client struct {
	conn           Conn
	pending        *pending.Table
	inboxName      string
	messageTimeout time.Duration
	log            *slog.Logger
}

// New constructs a Client. inboxName is the Sender's exclusive,
// auto-delete, server-named reply queue.
func New(conn Conn, inboxName string, messageTimeout time.Duration, log *slog.Logger) *Client {
	return &Client{
		conn:           conn,
		pending:        pending.New(),
		inboxName:      inboxName,
		messageTimeout: messageTimeout,
		log:            log,
	}
}

// Call implements the AdmissionGate followed by the RPC round-trip.
// organization and routingMode are ignored when routingMode is
// model.RoutingAny.
func (c *Client) Call(ctx context.Context, priorityLevel, threshold int, modelName, organization string, routingMode model.RoutingMode) (model.DispatchReply, Outcome, error) {
	ch := c.conn.Channel()

	queueName := dispatcher.ModelQueueName(modelName)
	if routingMode != model.RoutingAny {
		queueName = dispatcher.PrivateQueueName(modelName, organization)
	}

	q, err := ch.QueueInspect(queueName)
	if err != nil {
		return model.DispatchReply{}, Timeout, err
	}
	if q.Messages > threshold {
		return model.DispatchReply{}, QueueOverloaded, nil
	}

	correlationID := newCorrelationID()
	replyCh := c.pending.Register(correlationID)

	body, err := requestBody(routingMode, organization)
	if err != nil {
		c.pending.Remove(correlationID)
		return model.DispatchReply{}, Timeout, err
	}

	err = ch.Publish("", queueName, false, false, amqp.Publishing{
		Headers:       amqp.Table{model.RequeueHeader: int32(0)},
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		Priority:      uint8(priorityLevel),
		CorrelationId: correlationID,
		ReplyTo:       c.inboxName,
	})
	if err != nil {
		c.pending.Remove(correlationID)
		return model.DispatchReply{}, Timeout, err
	}

	timer := time.NewTimer(c.messageTimeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, Dispatched, nil
	case <-timer.C:
		c.pending.Remove(correlationID)
		return model.DispatchReply{}, Timeout, nil
	case <-ctx.Done():
		c.pending.Remove(correlationID)
		return model.DispatchReply{}, Timeout, ctx.Err()
	}
}

// ConsumeReplies ranges over the Sender's inbox, resolving the pending
// entry matching each delivery's correlation-id. Runs until ctx is
// cancelled or the consume channel closes (broker reconnect).
func (c *Client) ConsumeReplies(ctx context.Context) error {
	ch := c.conn.Channel()
	deliveries, err := ch.Consume(c.inboxName, "", false, true, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handleReply(msg)
		}
	}
}

func (c *Client) handleReply(msg amqp.Delivery) {
	defer msg.Ack(false)

	if msg.CorrelationId == "" {
		c.log.Error("protocol error: reply missing correlation id")
		return
	}

	var reply model.DispatchReply
	if err := json.Unmarshal(msg.Body, &reply); err != nil {
		c.log.Error("protocol error: malformed dispatch reply", "error", err)
		return
	}

	c.pending.Resolve(msg.CorrelationId, reply)
}

// SendCompletion publishes a completion event to `{model}_completed`.
// Best-effort: failures are logged, never propagated to the caller, so a
// broker hiccup never blocks the client response.
func (c *Client) SendCompletion(modelName string, evt model.CompletionEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		c.log.Error("failed to marshal completion event", "error", err)
		return
	}

	ch := c.conn.Channel()
	if err := ch.Publish("", dispatcher.CompletedQueueName(modelName), false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	}); err != nil {
		c.log.Error("failed to publish completion event", "error", err, "model", modelName)
	}
}

// CheckConnection reports whether the broker connection and channel are
// both open. Readiness probes call this.
func (c *Client) CheckConnection() bool {
	return c.conn.IsOpen()
}

func requestBody(mode model.RoutingMode, organization string) ([]byte, error) {
	if mode == model.RoutingAny {
		return []byte(model.AvailableBody), nil
	}
	return json.Marshal(model.PrivateRequestBody{RoutingMode: mode, Organization: organization})
}
