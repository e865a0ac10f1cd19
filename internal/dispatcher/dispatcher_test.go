package dispatcher_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nulpointcorp/vllm-gateway/internal/brokertest"
	"github.com/nulpointcorp/vllm-gateway/internal/dispatcher"
	"github.com/nulpointcorp/vllm-gateway/internal/histogram"
	"github.com/nulpointcorp/vllm-gateway/internal/metrics"
	"github.com/nulpointcorp/vllm-gateway/internal/model"
	"github.com/nulpointcorp/vllm-gateway/internal/priority"
	"github.com/nulpointcorp/vllm-gateway/internal/qos"
	"github.com/nulpointcorp/vllm-gateway/internal/strategy"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type emptyTracker struct{}

func (emptyTracker) Monitor(ctx context.Context, urls []string)    {}
func (emptyTracker) StopMonitor()                                   {}
func (emptyTracker) UpdateURLs(ctx context.Context, urls []string) {}
func (emptyTracker) Diff(url string) histogram.Histogram            { return histogram.Histogram{} }

func newDispatcher(t *testing.T, s strategy.Strategy, q qos.Policy, backends []model.Backend) *dispatcher.Dispatcher {
	t.Helper()
	urls := make([]string, len(backends))
	for i, b := range backends {
		urls[i] = b.URL
	}
	return &dispatcher.Dispatcher{
		ModelName:          "llama",
		Backends:           backends,
		Strategy:           s,
		PrivateTracker:     emptyTracker{},
		Percentile:         0.95,
		PriorityHandler:    priority.Ignore{},
		QoS:                q,
		BestPriority:       5,
		MetricsRefreshRate: 0,
		InFlight:           dispatcher.NewInFlight(urls),
		Log:                discardLogger(),
	}
}

func TestHandleMain_DispatchesAndIncrementsInFlight(t *testing.T) {
	backends := []model.Backend{{URL: "http://a", Organization: "acme", MaxParallelRequests: 10}}
	s := strategy.NewRoundRobin(backends)
	d := newDispatcher(t, s, qos.WarningLog{Threshold: 1}, backends)
	ch := brokertest.NewFakeChannel()

	msg := amqp.Delivery{
		Body:          []byte(model.AvailableBody),
		CorrelationId: "corr-1",
		ReplyTo:       "inbox-1",
	}

	if err := d.HandleMain(context.Background(), ch, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	last := ch.LastPublished()
	if last == nil {
		t.Fatal("expected a reply publish")
	}
	if last.Key != "inbox-1" {
		t.Errorf("reply published to %q, want %q", last.Key, "inbox-1")
	}

	var reply model.DispatchReply
	if err := json.Unmarshal(last.Msg.Body, &reply); err != nil {
		t.Fatalf("invalid reply JSON: %v", err)
	}
	if reply.LLMUrl != "http://a" {
		t.Errorf("reply.LLMUrl = %q, want %q", reply.LLMUrl, "http://a")
	}

	if got := d.InFlight.Get("http://a"); got != 1 {
		t.Errorf("in-flight = %d, want 1", got)
	}
}

func TestHandleMain_SentinelOnEmptyPool(t *testing.T) {
	s := strategy.NewRoundRobin(nil)
	d := newDispatcher(t, s, qos.WarningLog{Threshold: 1}, nil)
	ch := brokertest.NewFakeChannel()

	msg := amqp.Delivery{Body: []byte(model.AvailableBody), CorrelationId: "corr-2", ReplyTo: "inbox-2"}
	if err := d.HandleMain(context.Background(), ch, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	last := ch.LastPublished()
	if last == nil {
		t.Fatal("expected a sentinel reply publish")
	}
	if string(last.Msg.Body) != `{"llmUrl":"None","llmToken":"None"}` {
		t.Errorf("sentinel body = %s, want the exact None sentinel", last.Msg.Body)
	}
}

func TestHandleMain_RejectedByQoSDoesNotIncrementInFlight(t *testing.T) {
	backends := []model.Backend{{URL: "http://a", Organization: "acme", MaxParallelRequests: 1}}
	s := strategy.NewRoundRobin(backends)
	d := newDispatcher(t, s, qos.ParallelThresholdRequeue{}, backends)
	d.InFlight.Increment("http://a") // already at capacity
	ch := brokertest.NewFakeChannel()

	msg := amqp.Delivery{Body: []byte(model.AvailableBody), CorrelationId: "corr-3", ReplyTo: "inbox-3", Priority: 0}
	if err := d.HandleMain(context.Background(), ch, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := d.InFlight.Get("http://a"); got != 1 {
		t.Errorf("in-flight should remain 1 (unchanged by the rejected dispatch), got %d", got)
	}
}

func TestHandleMain_VIPBypassesQoSRejection(t *testing.T) {
	backends := []model.Backend{{URL: "http://a", Organization: "acme", MaxParallelRequests: 1}}
	s := strategy.NewRoundRobin(backends)
	d := newDispatcher(t, s, qos.ParallelThresholdRequeue{}, backends)
	d.InFlight.Increment("http://a") // at capacity
	ch := brokertest.NewFakeChannel()

	msg := amqp.Delivery{
		Body: []byte(model.AvailableBody), CorrelationId: "corr-4", ReplyTo: "inbox-4",
		Priority: 4, // BEST_PRIORITY(5) - 1 = VIP band
	}
	if err := d.HandleMain(context.Background(), ch, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := d.InFlight.Get("http://a"); got != 2 {
		t.Errorf("VIP message should dispatch despite saturation, in-flight = %d, want 2", got)
	}
}

func TestHandleCompletion_DecrementsMatchedBackend(t *testing.T) {
	backends := []model.Backend{{URL: "http://a", Organization: "acme", MaxParallelRequests: 10}}
	d := newDispatcher(t, strategy.NewRoundRobin(backends), qos.WarningLog{Threshold: 1}, backends)
	d.InFlight.Increment("http://a")

	body, _ := json.Marshal(model.CompletionEvent{Server: "http://a", Model: "llama"})
	d.HandleCompletion(amqp.Delivery{Body: body})

	if got := d.InFlight.Get("http://a"); got != 0 {
		t.Errorf("in-flight = %d, want 0", got)
	}
}

func TestHandleCompletion_UnknownServerLeavesMapUnchanged(t *testing.T) {
	backends := []model.Backend{{URL: "http://a", Organization: "acme", MaxParallelRequests: 10}}
	d := newDispatcher(t, strategy.NewRoundRobin(backends), qos.WarningLog{Threshold: 1}, backends)
	d.InFlight.Increment("http://a")

	body, _ := json.Marshal(model.CompletionEvent{Server: "http://unknown", Model: "llama"})
	d.HandleCompletion(amqp.Delivery{Body: body})

	if got := d.InFlight.Get("http://a"); got != 1 {
		t.Errorf("in-flight for http://a = %d, want unchanged 1", got)
	}
}

func TestHandlePrivate_RequeuesToSharedOnPrivateFirstFallback(t *testing.T) {
	backends := []model.Backend{{URL: "http://a", Organization: "acme", MaxParallelRequests: 1}}
	d := newDispatcher(t, strategy.NewRoundRobin(backends), qos.ParallelThresholdRequeue{}, backends)
	d.InFlight.Increment("http://a") // saturate the only private backend
	ch := brokertest.NewFakeChannel()

	body, _ := json.Marshal(model.PrivateRequestBody{RoutingMode: model.RoutingPrivateFirst, Organization: "acme"})
	msg := amqp.Delivery{Body: body, CorrelationId: "corr-5", ReplyTo: "inbox-5", Priority: 0}

	if err := d.HandlePrivate(context.Background(), ch, msg, "acme"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	last := ch.LastPublished()
	if last == nil {
		t.Fatal("expected a requeue publish to the shared queue")
	}
	if last.Key != "llama" {
		t.Errorf("requeue target = %q, want shared queue %q", last.Key, "llama")
	}
	if got := last.Msg.Headers[model.RequeueHeader]; got != int32(1) {
		t.Errorf("x-requeue-count = %v, want 1", got)
	}
}

func TestHandleMain_RecordsMetricsWhenAttached(t *testing.T) {
	backends := []model.Backend{{URL: "http://a", Organization: "acme", MaxParallelRequests: 10}}
	d := newDispatcher(t, strategy.NewRoundRobin(backends), qos.WarningLog{}, backends)
	d.Metrics = metrics.New()
	d.QoSName = "warning-log"
	ch := brokertest.NewFakeChannel()
	msg := amqp.Delivery{CorrelationId: "corr-9", ReplyTo: "inbox-9", Priority: 0}

	if err := d.HandleMain(context.Background(), ch, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	families, err := d.Metrics.PromRegistry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var sawDispatch, sawQoS bool
	for _, mf := range families {
		switch mf.GetName() {
		case "gateway_dispatch_total":
			sawDispatch = true
		case "gateway_qos_decisions_total":
			sawQoS = true
		}
	}
	if !sawDispatch {
		t.Error("expected gateway_dispatch_total to have a recorded sample")
	}
	if !sawQoS {
		t.Error("expected gateway_qos_decisions_total to have a recorded sample")
	}
}
