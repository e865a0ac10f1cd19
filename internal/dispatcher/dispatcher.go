// Package dispatcher implements the Consumer's RPC server: it consumes
// the per-model queue, applies the selection strategy, priority handler,
// and QoS policy, publishes the dispatch reply, and maintains per-backend
// in-flight counters from the completion queue.
package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nulpointcorp/vllm-gateway/internal/backend"
	"github.com/nulpointcorp/vllm-gateway/internal/broker"
	"github.com/nulpointcorp/vllm-gateway/internal/metrics"
	"github.com/nulpointcorp/vllm-gateway/internal/model"
	"github.com/nulpointcorp/vllm-gateway/internal/priority"
	"github.com/nulpointcorp/vllm-gateway/internal/qos"
	"github.com/nulpointcorp/vllm-gateway/internal/strategy"
)

// Dispatcher is the per-model RPC server.
type Dispatcher struct {
	ModelName          string
	Backends           []model.Backend
	Strategy           strategy.Strategy
	PrivateTracker     strategy.Tracker // scores the private pool using the same least-busy heuristic regardless of the main routing strategy
	Percentile         float64
	PriorityHandler    priority.Handler
	QoS                qos.Policy
	QoSName            string // label for the qos_decisions metric; the configured QUALITY_OF_SERVICE_POLICY value
	BestPriority       int
	MetricsRefreshRate time.Duration
	InFlight           *InFlight
	Log                *slog.Logger

	// Metrics is optional; when nil, all recording calls are no-ops.
	Metrics *metrics.Registry
}

func (d *Dispatcher) recordQoS(admitted bool) {
	if d.Metrics == nil {
		return
	}
	decision := "admitted"
	if !admitted {
		decision = "requeued"
	}
	d.Metrics.RecordQoSDecision(d.QoSName, decision)
}

// HandleMain implements the main consume handler on `{model}`. It never
// returns an error for a well-formed protocol failure — those are
// logged and the delivery acked rather than propagated, matching how
// malformed-message handling is treated elsewhere in this package —
// only a channel-level publish failure propagates, so the caller can
// leave the delivery un-acked for broker redelivery.
func (d *Dispatcher) HandleMain(ctx context.Context, ch broker.Channel, msg amqp.Delivery) error {
	chosen, score, hasScore, err := d.Strategy.ChooseServer()
	if err != nil {
		return d.replySentinel(ch, msg)
	}

	backendPriority, hasPriority := d.PriorityHandler.ApplyPriority(int(msg.Priority))

	var scorePtr *float64
	if hasScore {
		scorePtr = &score
	}
	req := qos.Request{
		Score:           scorePtr,
		CurrentInFlight: d.InFlight.Get(chosen.URL),
		MaxInFlight:     chosen.MaxParallelRequests,
		Message:         msg,
		RoutingKey:      ModelQueueName(d.ModelName),
		Exchange:        "",
		Delay:           d.MetricsRefreshRate,
	}
	admitted := d.QoS.Admit(ctx, ch, req, d.BestPriority, d.Log)
	d.recordQoS(admitted)
	if !admitted {
		return nil
	}

	if d.Metrics != nil && hasScore {
		d.Metrics.SetStrategyScore(chosen.URL, score)
	}

	return d.dispatch(ch, msg, chosen, backendPriority, hasPriority)
}

// HandlePrivate implements the private-queue handler on
// `{model}_{org}_private`.
func (d *Dispatcher) HandlePrivate(ctx context.Context, ch broker.Channel, msg amqp.Delivery, organization string) error {
	var body model.PrivateRequestBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		d.Log.Error("protocol error: malformed private request body", "error", err)
		msg.Ack(false)
		return nil
	}

	candidates := backend.FilterByOrganization(d.Backends, organization)
	chosen, score, err := strategy.PickLeastBusy(d.PrivateTracker, d.Percentile, candidates)
	if err != nil {
		return d.replySentinel(ch, msg)
	}

	target, _, err := ResolveRequeueTarget(d.ModelName, body.RoutingMode)
	if err != nil {
		d.Log.Error("protocol error: unrecognized routing mode", "mode", body.RoutingMode)
		msg.Ack(false)
		return nil
	}

	backendPriority, hasPriority := d.PriorityHandler.ApplyPriority(int(msg.Priority))

	req := qos.Request{
		Score:            &score,
		CurrentInFlight:  d.InFlight.Get(chosen.URL),
		MaxInFlight:      chosen.MaxParallelRequests,
		Message:          msg,
		RoutingKey:       PrivateQueueName(d.ModelName, organization),
		TargetRequeueKey: target,
		Exchange:         "",
		Delay:            d.MetricsRefreshRate,
	}
	admitted := d.QoS.Admit(ctx, ch, req, d.BestPriority, d.Log)
	d.recordQoS(admitted)
	if !admitted {
		return nil
	}

	return d.dispatch(ch, msg, chosen, backendPriority, hasPriority)
}

// HandleCompletion implements the completion handler on
// `{model}_completed`.
func (d *Dispatcher) HandleCompletion(msg amqp.Delivery) {
	var evt model.CompletionEvent
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		d.Log.Error("protocol error: malformed completion event", "error", err)
		msg.Ack(false)
		return
	}

	if _, ok := backend.FindByURL(d.Backends, evt.Server); ok {
		d.InFlight.Decrement(evt.Server)
		if d.Metrics != nil {
			d.Metrics.DecInFlight(evt.Server)
		}
	} else {
		d.Log.Debug("completion for unknown backend ignored", "server", evt.Server)
	}
	msg.Ack(false)
}

func (d *Dispatcher) dispatch(ch broker.Channel, msg amqp.Delivery, chosen model.Backend, backendPriority int, hasPriority bool) error {
	reply := model.DispatchReply{LLMUrl: chosen.URL, LLMToken: chosen.Token}
	if hasPriority {
		reply.Priority = &backendPriority
	}
	body, err := json.Marshal(reply)
	if err != nil {
		d.Log.Error("failed to marshal dispatch reply", "error", err)
		msg.Ack(false)
		return nil
	}

	if err := ch.Publish("", msg.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationId,
	}); err != nil {
		// Publish failed: do not ack, let the broker redeliver.
		return err
	}

	if err := msg.Ack(false); err != nil {
		d.Log.Warn("failed to ack dispatched message", "error", err)
	}
	d.InFlight.Increment(chosen.URL)
	if d.Metrics != nil {
		d.Metrics.IncInFlight(chosen.URL)
		d.Metrics.RecordDispatch(d.ModelName, chosen.URL, "dispatched", 0)
	}
	return nil
}

func (d *Dispatcher) replySentinel(ch broker.Channel, msg amqp.Delivery) error {
	if d.Metrics != nil {
		d.Metrics.RecordDispatch(d.ModelName, "", "sentinel", 0)
	}
	body, _ := json.Marshal(model.SentinelReply())
	if err := ch.Publish("", msg.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationId,
	}); err != nil {
		return err
	}
	if err := msg.Ack(false); err != nil {
		d.Log.Warn("failed to ack sentinel reply", "error", err)
	}
	return nil
}
