package senderhttp

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the dispatch routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080") without
// management routes.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleDispatch)
	r.POST("/v1/completions", g.handleDispatch)
	r.POST("/v1/embeddings", g.handleDispatch)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.rpc == nil || g.rpc.CheckConnection() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "broker unreachable"})
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.rpc != nil && !g.rpc.CheckConnection() {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "not ready", "reason": "broker unreachable"})
		return
	}
	if g.store != nil {
		if err := g.store.Ping(ctx); err != nil {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			writeJSON(ctx, map[string]string{"status": "not ready", "reason": "store unreachable"})
			return
		}
	}
	writeJSON(ctx, map[string]string{"status": "ready"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
