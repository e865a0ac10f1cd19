// Package qos implements the quality-of-service policies that decide
// whether a dequeued request is dispatched immediately, logged, or
// requeued.
package qos

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nulpointcorp/vllm-gateway/internal/broker"
	"github.com/nulpointcorp/vllm-gateway/internal/model"
)

// Request bundles the inputs ApplyPolicy needs to decide and, if
// rejecting, to requeue.
type Request struct {
	// Score is the strategy's score for the chosen backend, nil when the
	// strategy doesn't compute one (round-robin).
	Score *float64

	CurrentInFlight int
	MaxInFlight     int

	Message    amqp.Delivery
	RoutingKey string // the queue the message was consumed from

	// TargetRequeueKey, if non-empty, is the routing key a rejected
	// message is republished to immediately (e.g. escalating a
	// private-first request to the shared pool). If empty, the message
	// is republished to RoutingKey after Delay.
	TargetRequeueKey string
	Exchange         string
	Delay            time.Duration
}

// Policy decides whether to admit a dequeued request.
type Policy interface {
	// Admit returns true if the caller should proceed to dispatch now.
	// false means the policy has already arranged disposal (ack +
	// requeue) of req.Message; the caller must not dispatch or ack it.
	Admit(ctx context.Context, ch broker.Channel, req Request, bestPriority int, log *slog.Logger) bool
}

// isVIP reports whether a message's priority falls in the reserved band
// that bypasses QoS rejection entirely.
func isVIP(msg amqp.Delivery, bestPriority int) bool {
	return int(msg.Priority) >= bestPriority-1
}

// requeue acks the current message and publishes a new one with an
// incremented x-requeue-count, either immediately to TargetRequeueKey or
// after Delay to RoutingKey.
func requeue(ctx context.Context, ch broker.Channel, req Request, log *slog.Logger) {
	if err := req.Message.Ack(false); err != nil {
		log.Warn("qos: failed to ack requeued message", "error", err)
	}

	headers := amqp.Table{}
	for k, v := range req.Message.Headers {
		headers[k] = v
	}
	count, _ := headers[model.RequeueHeader].(int32)
	headers[model.RequeueHeader] = count + 1

	publish := amqp.Publishing{
		Headers:       headers,
		ContentType:   req.Message.ContentType,
		Body:          req.Message.Body,
		DeliveryMode:  amqp.Persistent,
		Priority:      req.Message.Priority,
		CorrelationId: req.Message.CorrelationId,
		ReplyTo:       req.Message.ReplyTo,
	}

	if req.TargetRequeueKey != "" {
		if err := ch.Publish(req.Exchange, req.TargetRequeueKey, false, false, publish); err != nil {
			log.Error("qos: failed to publish immediate requeue", "error", err, "key", req.TargetRequeueKey)
		}
		return
	}

	delay := req.Delay
	routingKey := req.RoutingKey
	exchange := req.Exchange
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := ch.Publish(exchange, routingKey, false, false, publish); err != nil {
			log.Error("qos: failed to publish delayed requeue", "error", err, "key", routingKey)
		}
	}()
}

// WarningLog always admits, logging a warning when the score exceeds
// threshold or the backend is already saturated.
type WarningLog struct {
	Threshold float64
}

func (p WarningLog) Admit(ctx context.Context, ch broker.Channel, req Request, bestPriority int, log *slog.Logger) bool {
	if isVIP(req.Message, bestPriority) {
		return true
	}
	overScore := req.Score != nil && *req.Score > p.Threshold
	if overScore || req.CurrentInFlight >= req.MaxInFlight {
		attrs := []any{"threshold", p.Threshold,
			"current_in_flight", req.CurrentInFlight, "max_in_flight", req.MaxInFlight}
		if req.Score != nil {
			attrs = append(attrs, "score", *req.Score)
		}
		log.Warn("performance indicator exceeds threshold", attrs...)
	}
	return true
}

// PerformanceBasedRequeue rejects (and requeues) when the strategy
// reports a numeric score and either that score exceeds threshold or the
// backend is saturated. With no score (round-robin) it always admits.
type PerformanceBasedRequeue struct {
	Threshold float64
}

func (p PerformanceBasedRequeue) Admit(ctx context.Context, ch broker.Channel, req Request, bestPriority int, log *slog.Logger) bool {
	if isVIP(req.Message, bestPriority) {
		return true
	}
	if req.Score != nil && (*req.Score > p.Threshold || req.CurrentInFlight >= req.MaxInFlight) {
		log.Info("qos policy deferred the message; requeuing",
			"score", *req.Score, "threshold", p.Threshold,
			"current_in_flight", req.CurrentInFlight, "max_in_flight", req.MaxInFlight)
		requeue(ctx, ch, req, log)
		return false
	}
	return true
}

// ParallelThresholdRequeue rejects (and requeues) purely on backend
// saturation, ignoring the strategy score.
type ParallelThresholdRequeue struct{}

func (ParallelThresholdRequeue) Admit(ctx context.Context, ch broker.Channel, req Request, bestPriority int, log *slog.Logger) bool {
	if isVIP(req.Message, bestPriority) {
		return true
	}
	if req.CurrentInFlight >= req.MaxInFlight {
		log.Info("qos policy deferred the message; backend saturated",
			"current_in_flight", req.CurrentInFlight, "max_in_flight", req.MaxInFlight)
		requeue(ctx, ch, req, log)
		return false
	}
	return true
}
