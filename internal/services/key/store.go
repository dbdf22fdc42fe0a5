package key

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ctenopoma/llm-gateway/internal/apierror"
	"github.com/ctenopoma/llm-gateway/internal/models"
)

// negativeSentinel marks a cached verification miss.
const negativeSentinel = "!"

// Source provides key rows from the durable store.
type Source interface {
	// ActiveKeys returns all keys that could possibly authenticate (active,
	// not expired). The population is small enough to scan.
	ActiveKeys(ctx context.Context) ([]models.APIKey, error)
	KeyByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error)
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Store resolves presented plaintext credentials to key rows with a Redis
// cache in front of the database scan.
type Store struct {
	source      Source
	redis       *redis.Client
	logger      *zap.Logger
	prefix      string
	cacheTTL    time.Duration
	negativeTTL time.Duration
}

func NewStore(source Source, redisClient *redis.Client, logger *zap.Logger, prefix string, cacheTTL, negativeTTL time.Duration) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	if negativeTTL <= 0 {
		negativeTTL = 5 * time.Second
	}
	return &Store{
		source:      source,
		redis:       redisClient,
		logger:      logger,
		prefix:      prefix,
		cacheTTL:    cacheTTL,
		negativeTTL: negativeTTL,
	}
}

func cacheKey(plaintext string) string {
	return "apikey:" + CacheDigest(plaintext)
}

// Resolve authenticates a plaintext credential and returns the key row. The
// error is always the same unauthorized kind, whether the key is unknown,
// revoked, or expired, to avoid an enumeration oracle.
func (s *Store) Resolve(ctx context.Context, plaintext string) (*models.APIKey, error) {
	if !strings.HasPrefix(plaintext, s.prefix) {
		return nil, apierror.New(apierror.KindUnauthorized, "invalid API key")
	}

	ck := cacheKey(plaintext)
	cached, err := s.redis.Get(ctx, ck).Result()
	switch {
	case err == nil && cached == negativeSentinel:
		return nil, apierror.New(apierror.KindUnauthorized, "invalid API key")
	case err == nil:
		if k, ok := s.resolveCached(ctx, cached); ok {
			return k, nil
		}
		// Stale cache entry: fall through to a full verification.
	case !errors.Is(err, redis.Nil):
		// Redis being down must not take authentication with it.
		s.logger.Warn("key cache unavailable", zap.Error(err))
	}

	k, verifyErr := s.verify(ctx, plaintext)
	if verifyErr != nil {
		// Cache only genuine rejections, never transient store errors.
		if apierror.From(verifyErr).Kind == apierror.KindUnauthorized {
			s.cacheSet(ctx, ck, negativeSentinel, s.negativeTTL)
		}
		return nil, verifyErr
	}

	s.cacheSet(ctx, ck, k.ID.String(), s.cacheTTL)
	if err := s.source.TouchLastUsed(ctx, k.ID, time.Now()); err != nil {
		s.logger.Warn("failed to touch key last_used_at", zap.Error(err))
	}
	return k, nil
}

// resolveCached re-reads the key row for a cached id, re-applying liveness
// checks so revocation takes effect within the cache TTL even on hits.
func (s *Store) resolveCached(ctx context.Context, id string) (*models.APIKey, bool) {
	keyID, err := uuid.Parse(id)
	if err != nil {
		return nil, false
	}
	k, err := s.source.KeyByID(ctx, keyID)
	if err != nil || k == nil || !k.Usable(time.Now()) {
		return nil, false
	}
	return k, true
}

func (s *Store) verify(ctx context.Context, plaintext string) (*models.APIKey, error) {
	keys, err := s.source.ActiveKeys(ctx)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindInternal, "internal server error", err)
	}
	now := time.Now()
	for i := range keys {
		k := &keys[i]
		if Verify(plaintext, k.HashedKey, k.Salt) {
			if !k.Usable(now) {
				break
			}
			return k, nil
		}
	}
	return nil, apierror.New(apierror.KindUnauthorized, "invalid API key")
}

func (s *Store) cacheSet(ctx context.Context, key, value string, ttl time.Duration) {
	if err := s.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		s.logger.Warn("key cache write failed", zap.Error(err))
	}
}

// KeyByID reads a key row straight from the source, bypassing the cache.
// The streaming kill switch uses this for fresh usage counters.
func (s *Store) KeyByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	return s.source.KeyByID(ctx, id)
}

// Invalidate drops the cache entry for a plaintext credential. Admin tooling
// calls this on revocation so the old key stops working immediately rather
// than at cache expiry.
func (s *Store) Invalidate(ctx context.Context, plaintext string) error {
	return s.redis.Del(ctx, cacheKey(plaintext)).Err()
}
