package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nulpointcorp/vllm-gateway/internal/model"
)

// PostgresStore implements UserStore and UsageRecorder over a pgxpool
// connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore parses connString, opens a pool tuned for the
// Sender's request-path concurrency, and pings it before returning.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping verifies the pool can still reach Postgres. Used by the Sender's
// readiness probe alongside the broker connection check.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// FindByToken looks up a user by their bearer token.
func (s *PostgresStore) FindByToken(ctx context.Context, token string) (model.User, error) {
	query := `
		SELECT name, token, priority, threshold, client_type, organization, email, default_routing_mode
		FROM users WHERE token = $1
	`
	var u model.User
	var routingMode string
	err := s.pool.QueryRow(ctx, query, token).Scan(
		&u.Name, &u.Token, &u.Priority, &u.Threshold, &u.ClientType, &u.Organization, &u.Email, &routingMode,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, ErrUserNotFound
	}
	if err != nil {
		return model.User{}, err
	}
	u.DefaultRoutingMode = model.RoutingMode(routingMode)
	return u, nil
}

// CreateUser inserts a new user row. client_type is stored NULL when
// u.ClientType is empty, since the admin CLI's --client-type flag is
// optional.
func (s *PostgresStore) CreateUser(ctx context.Context, u model.User) error {
	query := `
		INSERT INTO users (token, priority, threshold, client_type, name, organization, email, default_routing_mode)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)
	`
	routingMode := string(u.DefaultRoutingMode)
	if routingMode == "" {
		routingMode = string(model.RoutingAny)
	}
	_, err := s.pool.Exec(ctx, query,
		u.Token, u.Priority, u.Threshold, u.ClientType, u.Name, u.Organization, u.Email, routingMode,
	)
	return err
}

// RecordUsage inserts one row into the usage ledger.
func (s *PostgresStore) RecordUsage(ctx context.Context, rec UsageRecord) error {
	query := `
		INSERT INTO usage_metrics (message_id, user_name, model, server, completed_at, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, query,
		rec.MessageID, rec.User, rec.Model, rec.Server, rec.CompletedAt, rec.LatencyMs,
	)
	return err
}
