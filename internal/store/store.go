// Package store defines the Sender's external user-lookup and
// usage-recording collaborators (persistent storage is treated as an
// external system, specified only through its interface) and a
// pgx/pgxpool-backed Postgres implementation of both.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nulpointcorp/vllm-gateway/internal/model"
)

// ErrUserNotFound is returned by UserStore.FindByToken when no user
// matches the given bearer token.
var ErrUserNotFound = errors.New("store: no user matches the given token")

// UserStore resolves the Sender's incoming bearer token to a user
// record carrying auth, routing, and admission-quota fields.
type UserStore interface {
	FindByToken(ctx context.Context, token string) (model.User, error)
	CreateUser(ctx context.Context, u model.User) error
}

// UsageRecorder persists one usage row per completed request.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, rec UsageRecord) error
}

// UsageRecord is one row of the usage ledger, built from a
// model.CompletionEvent plus the fields only the Sender knows
// (requesting user, measured latency).
type UsageRecord struct {
	MessageID   string
	User        string
	Model       string
	Server      string
	CompletedAt time.Time
	LatencyMs   int64
}
