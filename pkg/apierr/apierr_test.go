package apierr

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestWriteDispatchUnavailable_NonChatClientGets503(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteDispatchUnavailable(ctx, CodeQueueOverloaded, "queue is full", false)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", ctx.Response.StatusCode())
	}

	var env envelope
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("failed to parse body: %v", err)
	}
	if env.Error.Code != CodeQueueOverloaded {
		t.Errorf("code = %q, want %q", env.Error.Code, CodeQueueOverloaded)
	}
}

func TestWriteDispatchUnavailable_ChatClientGets200(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteDispatchUnavailable(ctx, CodeServerNotFound, "no backend available", true)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200 for chat client", ctx.Response.StatusCode())
	}
}
