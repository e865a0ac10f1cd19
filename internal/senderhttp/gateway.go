// Package senderhttp is the Sender's HTTP front: it authenticates the
// caller, runs the burst admission guard, calls the Consumer over the
// RPC client (which itself runs the broker-depth AdmissionGate), and
// relays the request to the backend the Consumer selected.
//
// The full reverse-proxy (response caching, circuit breaking,
// multi-provider failover, SSE pass-through) is explicitly out of
// scope here; HTTP reverse-proxying and streaming body relay are
// treated as an external collaborator specified only through its
// interface. This package implements the minimal relay: forward the
// client's body to the selected backend, forward the backend's response
// back, nothing more.
package senderhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/vllm-gateway/internal/logger"
	"github.com/nulpointcorp/vllm-gateway/internal/metrics"
	"github.com/nulpointcorp/vllm-gateway/internal/model"
	"github.com/nulpointcorp/vllm-gateway/internal/rpcclient"
	"github.com/nulpointcorp/vllm-gateway/internal/store"
	"github.com/nulpointcorp/vllm-gateway/pkg/apierr"
)

// RPCClient is the subset of *rpcclient.Client the Gateway depends on,
// narrowed so it can be unit tested against a fake instead of a live
// broker connection.
type RPCClient interface {
	Call(ctx context.Context, priorityLevel, threshold int, modelName, organization string, routingMode model.RoutingMode) (model.DispatchReply, rpcclient.Outcome, error)
	SendCompletion(modelName string, evt model.CompletionEvent)
	CheckConnection() bool
}

// BurstLimiter is the subset of *admission.BurstLimiter the Gateway
// depends on.
type BurstLimiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

// StorePinger is the subset of *store.PostgresStore the readiness probe
// depends on, so GET /readiness reflects both broker and store health
// (SPEC_FULL.md §6).
type StorePinger interface {
	Ping(ctx context.Context) error
}

// GatewayOptions holds optional tuning parameters for a Gateway. All
// fields have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events.
	// Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics
	// are disabled.
	Metrics *metrics.Registry

	// Burst is the per-user burst admission guard. When nil, burst
	// limiting is skipped (only the broker-depth AdmissionGate inside
	// RPCClient.Call applies).
	Burst BurstLimiter

	// Usage persists a usage row per completed request. When nil,
	// usage recording is skipped.
	Usage store.UsageRecorder

	// RelayTimeout bounds the backend relay request. Default: 600s.
	RelayTimeout time.Duration

	// Store, when non-nil, is probed by GET /readiness in addition to
	// the broker connection.
	Store StorePinger
}

// Gateway is the Sender's HTTP front end. All dependencies are injected
// via the constructor so they can be replaced with fakes in unit tests.
type Gateway struct {
	users store.UserStore
	rpc   RPCClient

	burst     BurstLimiter
	usage     store.UsageRecorder
	metrics   *metrics.Registry
	reqLogger *logger.Logger
	log       *slog.Logger

	relayClient  *fasthttp.Client
	relayTimeout time.Duration
	store        StorePinger

	corsOrigins []string
}

// NewGateway creates a fully configured Gateway.
func NewGateway(users store.UserStore, rpc RPCClient, opts GatewayOptions) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	relayTimeout := opts.RelayTimeout
	if relayTimeout <= 0 {
		relayTimeout = 600 * time.Second
	}

	return &Gateway{
		users:        users,
		rpc:          rpc,
		burst:        opts.Burst,
		usage:        opts.Usage,
		metrics:      opts.Metrics,
		log:          log,
		relayClient:  &fasthttp.Client{},
		relayTimeout: relayTimeout,
		store:        opts.Store,
	}
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetLogger injects the async dispatch-audit logger.
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

type inboundRequest struct {
	Model string `json:"model"`
}

// handleDispatch implements POST /v1/chat/completions, /v1/completions,
// and /v1/embeddings: authenticate, admit, dispatch, relay.
func (g *Gateway) handleDispatch(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := routeLabel(string(ctx.Path()))
	reqID, _ := ctx.UserValue("request_id").(string)

	if g.metrics != nil {
		defer func() {
			g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
		}()
	}

	user, ok := g.authenticate(ctx)
	if !ok {
		return
	}

	body := ctx.PostBody()
	var req inboundRequest
	if err := json.Unmarshal(body, &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if g.burst != nil {
		allowed, err := g.burst.Allow(ctx, user.Name)
		if err != nil {
			g.log.WarnContext(ctx, "burst limiter error, failing open", "error", err, "user", user.Name)
		}
		if !allowed {
			if g.metrics != nil {
				g.metrics.RecordAdmission("burst", "rejected")
			}
			apierr.WriteDispatchUnavailable(ctx, apierr.CodeQueueOverloaded,
				"too many requests in flight for this user", user.IsChatClient())
			return
		}
		if g.metrics != nil {
			g.metrics.RecordAdmission("burst", "accepted")
		}
	}

	routingMode := user.DefaultRoutingMode
	if !routingMode.Valid() {
		routingMode = model.RoutingAny
	}

	reply, outcome, err := g.rpc.Call(ctx, user.Priority, user.Threshold, req.Model, user.Organization, routingMode)
	if err != nil {
		g.log.ErrorContext(ctx, "rpc call failed",
			slog.String("request_id", reqID), slog.String("model", req.Model), slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"internal dispatch error", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	switch outcome {
	case rpcclient.QueueOverloaded:
		if g.metrics != nil {
			g.metrics.RecordAdmission("queue_depth", "rejected")
		}
		apierr.WriteDispatchUnavailable(ctx, apierr.CodeQueueOverloaded,
			"model queue depth exceeds this user's threshold", user.IsChatClient())
		return
	case rpcclient.Timeout:
		apierr.WriteDispatchUnavailable(ctx, apierr.CodeDispatchTimeout,
			"no dispatch reply received in time", user.IsChatClient())
		return
	}

	if g.metrics != nil {
		g.metrics.RecordAdmission("queue_depth", "accepted")
	}

	if reply.IsSentinel() {
		apierr.WriteDispatchUnavailable(ctx, apierr.CodeServerNotFound,
			"no healthy backend available", user.IsChatClient())
		return
	}

	g.relay(ctx, user, req.Model, reply, start, reqID)
}

// relay forwards the client's body to reply.LLMUrl and copies the
// backend's response back to ctx, then signals completion. correlationID
// is the request's X-Request-ID (set by the requestID middleware) and
// doubles as the CompletionEvent/usage-ledger/audit-log message ID, so
// all three can be joined on a single value for one relayed request.
func (g *Gateway) relay(ctx *fasthttp.RequestCtx, user model.User, modelName string, reply model.DispatchReply, start time.Time, correlationID string) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(string(ctx.Method()))
	req.SetRequestURI(strings.TrimRight(reply.LLMUrl, "/") + string(ctx.Path()))
	req.Header.SetContentType("application/json")
	if reply.LLMToken != "" {
		req.Header.Set("Authorization", "Bearer "+reply.LLMToken)
	}
	req.SetBody(ctx.PostBody())

	messageID := correlationID
	if messageID == "" {
		messageID = uuid.New().String()
	}

	err := g.relayClient.DoTimeout(req, resp, g.relayTimeout)

	evt := model.CompletionEvent{
		MessageID:   messageID,
		CompletedAt: time.Now().UTC(),
		Model:       modelName,
		User:        user.Name,
		Server:      reply.LLMUrl,
	}
	g.rpc.SendCompletion(modelName, evt)

	if err != nil {
		g.log.ErrorContext(ctx, "backend relay failed",
			slog.String("model", modelName), slog.String("backend", reply.LLMUrl), slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"backend request failed", apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	ctx.SetStatusCode(resp.StatusCode())
	ctx.SetContentTypeBytes(resp.Header.ContentType())
	ctx.SetBody(resp.Body())

	if g.usage != nil {
		latencyMs := time.Since(start).Milliseconds()
		if recErr := g.usage.RecordUsage(ctx, store.UsageRecord{
			MessageID:   messageID,
			User:        user.Name,
			Model:       modelName,
			Server:      reply.LLMUrl,
			CompletedAt: evt.CompletedAt,
			LatencyMs:   latencyMs,
		}); recErr != nil {
			g.log.WarnContext(ctx, "failed to record usage", "error", recErr, "message_id", messageID)
		}
	}

	if g.metrics != nil {
		g.metrics.RecordDispatch(modelName, reply.LLMUrl, "dispatched", time.Since(start))
	}

	if g.reqLogger != nil {
		g.reqLogger.Log(logger.DispatchLog{
			CorrelationID: messageID,
			Model:         modelName,
			Backend:       reply.LLMUrl,
			Decision:      "completed",
			Priority:      user.Priority,
			LatencyMs:     uint32(time.Since(start).Milliseconds()),
			CreatedAt:     evt.CompletedAt,
		})
	}
}

// authenticate extracts the bearer token, looks up the user, and writes
// a 401 response on failure.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) (model.User, bool) {
	raw := string(ctx.Request.Header.Peek("Authorization"))
	token := parseBearerToken(raw)
	if token == "" {
		apierr.Write(ctx, fasthttp.StatusUnauthorized,
			"missing or malformed Authorization header", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
		return model.User{}, false
	}

	user, err := g.users.FindByToken(ctx, token)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusUnauthorized,
			"unauthorized", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
		return model.User{}, false
	}
	return user, true
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func routeLabel(path string) string {
	switch path {
	case "/v1/chat/completions":
		return "chat_completions"
	case "/v1/completions":
		return "completions"
	case "/v1/embeddings":
		return "embeddings"
	default:
		return "unknown"
	}
}
