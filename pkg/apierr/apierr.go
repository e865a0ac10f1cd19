// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
	TypeUnavailableError  = "unavailable_error"
)

// Code constants.
const (
	CodeInvalidAPIKey   = "invalid_api_key"
	CodeInternalError   = "internal_error"
	CodeProviderError   = "provider_error"
	CodeInvalidRequest  = "invalid_request"
	CodeQueueOverloaded = "queue_overloaded"
	CodeServerNotFound  = "server_not_found"
	CodeDispatchTimeout = "dispatch_timeout"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteDispatchUnavailable writes the dispatch-unavailable family of
// errors (QueueOverloaded, ServerNotFound, DispatchTimeout). Normally a
// 503; downgraded to 200 for chat clients so a non-2xx response doesn't
// break the UI.
func WriteDispatchUnavailable(ctx *fasthttp.RequestCtx, code, message string, isChatClient bool) {
	status := fasthttp.StatusServiceUnavailable
	if isChatClient {
		status = fasthttp.StatusOK
	}
	Write(ctx, status, message, TypeUnavailableError, code)
}
