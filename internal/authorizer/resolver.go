package authorizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aman-churiwal/quota-authorizer/internal/models"
	"github.com/redis/go-redis/v9"
)

// CredentialFinder looks a credential up by the hash of its secret.
type CredentialFinder interface {
	FindActiveByHash(ctx context.Context, hash string) (*models.Credential, error)
}

// Cache is satisfied by storage.RedisClient.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// cachedCredential carries identity only; usage numbers always come from the store.
type cachedCredential struct {
	ID           string     `json:"id"`
	AccountEmail string     `json:"account_email"`
	Label        string     `json:"label"`
	Status       string     `json:"status"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Resolver turns a presented secret into its credential record.
type Resolver struct {
	store    CredentialFinder
	cache    Cache
	cacheTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewResolver creates a resolver. cache may be nil; a zero ttl disables it.
func NewResolver(store CredentialFinder, cache Cache, cacheTTL time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheTTL <= 0 {
		cache = nil
	}

	return &Resolver{
		store:    store,
		cache:    cache,
		cacheTTL: cacheTTL,
		now:      time.Now,
		logger:   logger,
	}
}

// Resolve hashes raw and returns the matching usable credential. Every
// failure wraps ErrUnauthorized.
func (r *Resolver) Resolve(ctx context.Context, raw string) (*models.Credential, error) {
	if raw == "" {
		return nil, errMissingCredential
	}

	hash := models.HashSecret(raw)

	cred := r.fromCache(ctx, hash)
	if cred == nil {
		var err error
		cred, err = r.store.FindActiveByHash(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("%w: credential lookup: %w", ErrUnauthorized, err)
		}
		if cred == nil {
			return nil, errUnknownCredential
		}
		r.toCache(ctx, hash, cred)
	}

	if !cred.Usable(r.now()) {
		return nil, errInactiveCredential
	}

	return cred, nil
}

func cacheKey(hash string) string {
	return "authorizer:credential:" + hash
}

func (r *Resolver) fromCache(ctx context.Context, hash string) *models.Credential {
	if r.cache == nil {
		return nil
	}

	data, err := r.cache.Get(ctx, cacheKey(hash))
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("credential cache read failed", "error", err)
		}
		return nil
	}

	var cached cachedCredential
	if err := json.Unmarshal([]byte(data), &cached); err != nil {
		r.logger.Warn("discarding malformed cached credential", "error", err)
		return nil
	}

	cred := &models.Credential{
		AccountEmail: cached.AccountEmail,
		Label:        cached.Label,
		Status:       cached.Status,
		ExpiresAt:    cached.ExpiresAt,
	}
	if err := cred.ID.UnmarshalText([]byte(cached.ID)); err != nil {
		return nil
	}

	return cred
}

func (r *Resolver) toCache(ctx context.Context, hash string, cred *models.Credential) {
	if r.cache == nil {
		return
	}

	data, err := json.Marshal(cachedCredential{
		ID:           cred.ID.String(),
		AccountEmail: cred.AccountEmail,
		Label:        cred.Label,
		Status:       cred.Status,
		ExpiresAt:    cred.ExpiresAt,
	})
	if err != nil {
		return
	}

	if err := r.cache.Set(ctx, cacheKey(hash), data, r.cacheTTL); err != nil {
		r.logger.Warn("credential cache write failed", "error", err)
	}
}
