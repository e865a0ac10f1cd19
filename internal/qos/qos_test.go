package qos_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nulpointcorp/vllm-gateway/internal/brokertest"
	"github.com/nulpointcorp/vllm-gateway/internal/model"
	"github.com/nulpointcorp/vllm-gateway/internal/qos"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func score(v float64) *float64 { return &v }

const bestPriority = 5

func TestWarningLog_AlwaysAdmits(t *testing.T) {
	ch := brokertest.NewFakeChannel()
	p := qos.WarningLog{Threshold: 0.1}

	req := qos.Request{
		Score:           score(0.9),
		CurrentInFlight: 10,
		MaxInFlight:     5,
		Message:         amqp.Delivery{Priority: 0},
	}

	if !p.Admit(context.Background(), ch, req, bestPriority, discardLogger()) {
		t.Fatal("warning-log must always admit")
	}
	if len(ch.Published) != 0 {
		t.Error("warning-log must never publish a requeue")
	}
}

func TestPerformanceBasedRequeue_RejectsOverThreshold(t *testing.T) {
	ch := brokertest.NewFakeChannel()
	p := qos.PerformanceBasedRequeue{Threshold: 0.5}

	req := qos.Request{
		Score:           score(0.9),
		CurrentInFlight: 1,
		MaxInFlight:     10,
		Message: amqp.Delivery{
			Priority:      0,
			Body:          []byte("AVAILABLE?"),
			CorrelationId: "corr-1",
			ReplyTo:       "inbox-1",
		},
		RoutingKey: "llama",
		Exchange:   "",
		Delay:      10 * time.Millisecond,
	}

	if p.Admit(context.Background(), ch, req, bestPriority, discardLogger()) {
		t.Fatal("expected rejection when score exceeds threshold")
	}

	time.Sleep(50 * time.Millisecond)
	last := ch.LastPublished()
	if last == nil {
		t.Fatal("expected a requeue publish")
	}
	if last.Key != "llama" {
		t.Errorf("requeue published to %q, want %q", last.Key, "llama")
	}
	if got := last.Msg.Headers[model.RequeueHeader]; got != int32(1) {
		t.Errorf("x-requeue-count = %v, want 1", got)
	}
	if last.Msg.CorrelationId != "corr-1" {
		t.Errorf("correlation id not preserved: %v", last.Msg.CorrelationId)
	}
}

func TestPerformanceBasedRequeue_AdmitsUnderThreshold(t *testing.T) {
	ch := brokertest.NewFakeChannel()
	p := qos.PerformanceBasedRequeue{Threshold: 0.5}

	req := qos.Request{
		Score:           score(0.1),
		CurrentInFlight: 1,
		MaxInFlight:     10,
		Message:         amqp.Delivery{Priority: 0},
	}

	if !p.Admit(context.Background(), ch, req, bestPriority, discardLogger()) {
		t.Fatal("expected admission when score is under threshold and backend not saturated")
	}
}

func TestParallelThresholdRequeue_IgnoresScore(t *testing.T) {
	ch := brokertest.NewFakeChannel()
	p := qos.ParallelThresholdRequeue{}

	req := qos.Request{
		Score:           score(9999), // must be ignored
		CurrentInFlight: 3,
		MaxInFlight:     10,
		Message:         amqp.Delivery{Priority: 0},
	}

	if !p.Admit(context.Background(), ch, req, bestPriority, discardLogger()) {
		t.Fatal("expected admission: in-flight is under max regardless of score")
	}
}

func TestParallelThresholdRequeue_RejectsAtCapacity(t *testing.T) {
	ch := brokertest.NewFakeChannel()
	p := qos.ParallelThresholdRequeue{}

	req := qos.Request{
		CurrentInFlight: 10,
		MaxInFlight:     10,
		Message:         amqp.Delivery{Priority: 0, CorrelationId: "corr-2"},
		RoutingKey:      "llama",
		Delay:           10 * time.Millisecond,
	}

	if p.Admit(context.Background(), ch, req, bestPriority, discardLogger()) {
		t.Fatal("expected rejection at capacity")
	}
}

// VIP bypass must hold across every policy.
func TestVIPBypass_AllPoliciesAdmitRegardlessOfLoad(t *testing.T) {
	policies := []qos.Policy{
		qos.WarningLog{Threshold: 0.1},
		qos.PerformanceBasedRequeue{Threshold: 0.1},
		qos.ParallelThresholdRequeue{},
	}

	for _, p := range policies {
		ch := brokertest.NewFakeChannel()
		req := qos.Request{
			Score:           score(999),
			CurrentInFlight: 999,
			MaxInFlight:     1,
			Message:         amqp.Delivery{Priority: uint8(bestPriority - 1)},
		}
		if !p.Admit(context.Background(), ch, req, bestPriority, discardLogger()) {
			t.Errorf("%T: VIP message must always be admitted", p)
		}
		if len(ch.Published) != 0 {
			t.Errorf("%T: VIP message must never be requeued", p)
		}
	}
}

func TestRequeue_ImmediateWhenTargetProvided(t *testing.T) {
	ch := brokertest.NewFakeChannel()
	p := qos.ParallelThresholdRequeue{}

	req := qos.Request{
		CurrentInFlight:  5,
		MaxInFlight:      5,
		Message:          amqp.Delivery{Priority: 0},
		TargetRequeueKey: "llama",
		RoutingKey:       "llama_acme_private",
	}

	if p.Admit(context.Background(), ch, req, bestPriority, discardLogger()) {
		t.Fatal("expected rejection")
	}

	last := ch.LastPublished()
	if last == nil {
		t.Fatal("expected an immediate requeue publish")
	}
	if last.Key != "llama" {
		t.Errorf("requeue published to %q, want immediate target %q", last.Key, "llama")
	}
}
