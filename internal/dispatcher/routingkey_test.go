package dispatcher_test

import (
	"errors"
	"testing"

	"github.com/nulpointcorp/vllm-gateway/internal/dispatcher"
	"github.com/nulpointcorp/vllm-gateway/internal/model"
)

func TestQueueNames(t *testing.T) {
	if got := dispatcher.ModelQueueName("llama"); got != "llama" {
		t.Errorf("ModelQueueName = %q, want %q", got, "llama")
	}
	if got := dispatcher.CompletedQueueName("llama"); got != "llama_completed" {
		t.Errorf("CompletedQueueName = %q, want %q", got, "llama_completed")
	}
	if got := dispatcher.PrivateQueueName("llama", "acme"); got != "llama_acme_private" {
		t.Errorf("PrivateQueueName = %q, want %q", got, "llama_acme_private")
	}
}

func TestResolveRequeueTarget_PrivateFirstEscalatesToShared(t *testing.T) {
	target, ok, err := dispatcher.ResolveRequeueTarget("llama", model.RoutingPrivateFirst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || target != "llama" {
		t.Errorf("got (%q, %v), want (%q, true)", target, ok, "llama")
	}
}

func TestResolveRequeueTarget_PrivateOnlyHasNoFallback(t *testing.T) {
	target, ok, err := dispatcher.ResolveRequeueTarget("llama", model.RoutingPrivateOnly)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok || target != "" {
		t.Errorf("got (%q, %v), want (\"\", false)", target, ok)
	}
}

func TestResolveRequeueTarget_UnknownModeIsProtocolError(t *testing.T) {
	_, _, err := dispatcher.ResolveRequeueTarget("llama", model.RoutingAny)
	if !errors.Is(err, model.ErrUnknownRoutingMode) {
		t.Fatalf("expected ErrUnknownRoutingMode, got %v", err)
	}
}
