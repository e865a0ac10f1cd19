package senderhttp

import (
	"context"
	"errors"
	"testing"

	"github.com/valyala/fasthttp"
)

type fakeStorePinger struct {
	err error
}

func (f *fakeStorePinger) Ping(ctx context.Context) error { return f.err }

func TestHandleHealth_ReportsConnected(t *testing.T) {
	g := NewGateway(&fakeUserStore{}, &fakeRPC{connected: true}, GatewayOptions{})
	ctx := &fasthttp.RequestCtx{}
	g.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}
}

func TestHandleHealth_ReportsDisconnected(t *testing.T) {
	g := NewGateway(&fakeUserStore{}, &fakeRPC{connected: false}, GatewayOptions{})
	ctx := &fasthttp.RequestCtx{}
	g.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", ctx.Response.StatusCode())
	}
}

func TestHandleReadiness_ReportsReady(t *testing.T) {
	g := NewGateway(&fakeUserStore{}, &fakeRPC{connected: true}, GatewayOptions{})
	ctx := &fasthttp.RequestCtx{}
	g.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}
}

func TestHandleReadiness_ReportsNotReady(t *testing.T) {
	g := NewGateway(&fakeUserStore{}, &fakeRPC{connected: false}, GatewayOptions{})
	ctx := &fasthttp.RequestCtx{}
	g.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", ctx.Response.StatusCode())
	}
}

func TestHandleReadiness_StoreUnreachableReportsNotReady(t *testing.T) {
	g := NewGateway(&fakeUserStore{}, &fakeRPC{connected: true}, GatewayOptions{
		Store: &fakeStorePinger{err: errors.New("connection refused")},
	})
	ctx := &fasthttp.RequestCtx{}
	g.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", ctx.Response.StatusCode())
	}
}

func TestHandleReadiness_StoreReachableReportsReady(t *testing.T) {
	g := NewGateway(&fakeUserStore{}, &fakeRPC{connected: true}, GatewayOptions{
		Store: &fakeStorePinger{},
	})
	ctx := &fasthttp.RequestCtx{}
	g.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200", ctx.Response.StatusCode())
	}
}
