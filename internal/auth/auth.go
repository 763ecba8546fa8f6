// Package auth verifies client bearer tokens against the api_tokens table.
//
// Valid tokens are cached in-process for a short TTL so that a sustained
// stream of requests from the same client does not hit Postgres on every
// call. Only positive results are cached: a token that fails verification
// is always re-checked against the database, so a token becoming valid
// takes effect immediately while revocation is bounded by the TTL.
package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrMissingHeader is returned when the Authorization header is absent or
// malformed.
var ErrMissingHeader = errors.New("auth: authorization header missing or malformed, expected 'Bearer <token>'")

// ErrInvalidToken is returned when the token does not exist in api_tokens.
var ErrInvalidToken = errors.New("auth: invalid or expired authentication token")

// positiveCacheTTL bounds how long a verified token is trusted without
// re-checking the database.
const positiveCacheTTL = 60 * time.Second

// Checker verifies bearer tokens against Postgres.
type Checker struct {
	pool *pgxpool.Pool

	mu    sync.Mutex
	cache map[string]time.Time // token -> expiry of the cached positive result
}

// NewChecker builds a Checker backed by pool.
func NewChecker(pool *pgxpool.Pool) *Checker {
	return &Checker{
		pool:  pool,
		cache: make(map[string]time.Time),
	}
}

// VerifyHeader extracts the bearer token from an Authorization header value
// and verifies it. It returns ErrMissingHeader, ErrInvalidToken, or an
// error from the database call.
func (c *Checker) VerifyHeader(ctx context.Context, authorization string) error {
	token, ok := parseBearer(authorization)
	if !ok {
		return ErrMissingHeader
	}
	return c.Verify(ctx, token)
}

// Verify checks a raw token value against the positive-result cache, and
// on a miss, against Postgres.
func (c *Checker) Verify(ctx context.Context, token string) error {
	if c.cachedValid(token) {
		return nil
	}

	var exists bool
	err := c.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM api_tokens WHERE token::text = $1)`, token).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrInvalidToken
	}

	c.cacheValid(token)
	return nil
}

func (c *Checker) cachedValid(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.cache[token]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(c.cache, token)
		return false
	}
	return true
}

func (c *Checker) cacheValid(token string) {
	c.mu.Lock()
	c.cache[token] = time.Now().Add(positiveCacheTTL)
	c.mu.Unlock()
}

// parseBearer extracts the token from a "Bearer <token>" header value.
func parseBearer(authorization string) (string, bool) {
	const prefix = "Bearer "
	if authorization == "" || !strings.HasPrefix(authorization, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authorization, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// EnsureSchema creates the api_tokens table if it does not already exist.
// Token CRUD itself is out of scope for this gateway; a row is expected to
// be provisioned out of band.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS api_tokens (
			token      UUID PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	_, err := pool.Exec(ctx, ddl)
	return err
}
