// Package model holds the data types shared across the sender and consumer
// binaries: backends, users, and the three message shapes that travel over
// the broker RPC (request envelope, dispatch reply, completion event).
package model

import "time"

// Backend is an immutable record of one self-hosted inference server.
// It is comparable (all fields are strings/ints) and safe to use as a map
// key, matching the BackendRegistry contract.
type Backend struct {
	URL                 string
	Token               string
	Organization        string
	MaxParallelRequests int
}

// RoutingMode selects how a request is routed between the organization
// private pool and the shared pool.
type RoutingMode string

const (
	RoutingAny          RoutingMode = "any"
	RoutingPrivateFirst RoutingMode = "private-first"
	RoutingPrivateOnly  RoutingMode = "private-only"
)

// Valid reports whether m is one of the three recognized routing modes.
func (m RoutingMode) Valid() bool {
	switch m {
	case RoutingAny, RoutingPrivateFirst, RoutingPrivateOnly:
		return true
	default:
		return false
	}
}

// User is a read-only projection of a row in the external user store.
type User struct {
	Name               string
	Token              string
	Priority           int
	Threshold          int
	ClientType         string
	Organization       string
	Email              string
	DefaultRoutingMode RoutingMode
}

// IsChatClient reports whether this user's client is a chat UI that would
// break on non-2xx responses — the sender downgrades 503s to 200s for these.
func (u User) IsChatClient() bool {
	return u.ClientType == "chat"
}

// AvailableBody is the literal request body used for routing_mode=any.
const AvailableBody = "AVAILABLE?"

// PrivateRequestBody is the JSON body published to a private-pool queue.
type PrivateRequestBody struct {
	RoutingMode  RoutingMode `json:"routing_mode"`
	Organization string      `json:"organization"`
}

// NoneSentinel is the literal value used by DispatchReply to mean
// "no backend available".
const NoneSentinel = "None"

// DispatchReply is the JSON payload the consumer publishes back to the
// sender's inbox.
type DispatchReply struct {
	LLMUrl   string `json:"llmUrl"`
	LLMToken string `json:"llmToken"`
	Priority *int   `json:"priority,omitempty"`
}

// SentinelReply is the reply sent when no backend is available.
func SentinelReply() DispatchReply {
	return DispatchReply{LLMUrl: NoneSentinel, LLMToken: NoneSentinel}
}

// IsSentinel reports whether r is the "no backend available" sentinel.
func (r DispatchReply) IsSentinel() bool {
	return r.LLMUrl == NoneSentinel && r.LLMToken == NoneSentinel
}

// CompletionEvent is published to `{model}_completed` once the sender has
// finished relaying a response to the client.
type CompletionEvent struct {
	MessageID   string    `json:"message_id"`
	CompletedAt time.Time `json:"completed_at"`
	Model       string    `json:"model"`
	User        string    `json:"user"`
	Server      string    `json:"server"`
}

// Metric mirrors the columns of the `metrics` table schema. Nothing in
// this module persists it: UsageRecorder writes store.UsageRecord rows.
type Metric struct {
	UserName         string
	RequestDate      time.Time
	SentToLLMDate    time.Time
	ResponseDate     time.Time
	Model            string
	Server           string
	PromptTokens     int
	CompletionTokens int
}

// RequeueHeader is the AMQP header tracking how many times a message has
// been requeued by a QoS policy.
const RequeueHeader = "x-requeue-count"
